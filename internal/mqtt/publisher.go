package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"

	"github.com/nugget/kinect-relay/internal/config"
)

// ErrClosed is returned by Publish after Stop.
var ErrClosed = errors.New("mqtt publisher closed")

// ErrNotStarted is returned by Publish before Start.
var ErrNotStarted = errors.New("mqtt publisher not started")

// connection is the subset of [autopaho.ConnectionManager] the
// publisher uses.
type connection interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	AwaitConnection(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Publisher owns the broker connection for the lifetime of the process.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	logger   *slog.Logger

	mu     sync.RWMutex
	conn   connection
	closed bool
}

// New creates a Publisher with a fresh client identifier but does not
// connect. Call [Publisher.Start] to connect.
func New(cfg config.MQTTConfig, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:      cfg,
		clientID: "kinect-relay-" + uuid.NewString(),
		logger:   logger,
	}
}

// ClientID returns the identifier presented to the broker. It is
// generated once per process run.
func (p *Publisher) ClientID() string {
	return p.clientID
}

// Start connects to the broker and waits up to the configured connect
// timeout for the first connection. A broker that cannot be reached in
// that window is a startup error. The connection lives until ctx is
// cancelled or Stop is called, reconnecting in the background.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	cm, err := autopaho.NewConnection(ctx, p.clientConfig(ctx, brokerURL))
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	p.mu.Lock()
	p.conn = cm
	p.mu.Unlock()

	timeout := time.Duration(p.cfg.ConnectTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	connCtx, connCancel := context.WithTimeout(ctx, timeout)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", p.cfg.Broker, err)
	}
	return nil
}

// clientConfig builds the autopaho configuration for brokerURL.
func (p *Publisher) clientConfig(ctx context.Context, brokerURL *url.URL) autopaho.ClientConfig {
	keepAlive := p.cfg.KeepAliveSec
	if keepAlive <= 0 {
		keepAlive = 30
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     uint16(keepAlive),
		CleanStartOnInitialConnection: true,
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker, "client_id", p.clientID)
			if p.cfg.StatusTopic != "" {
				p.publishStatus(ctx, cm, "online")
			}
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "broker", p.cfg.Broker, "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
		},
	}

	if p.cfg.Username != "" {
		pahoCfg.ConnectUsername = p.cfg.Username
		pahoCfg.ConnectPassword = []byte(p.cfg.Password)
	}

	if p.cfg.StatusTopic != "" {
		pahoCfg.WillMessage = &paho.WillMessage{
			Topic:   p.cfg.StatusTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		}
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	return pahoCfg
}

// message builds the PUBLISH packet for a skeleton payload.
func (p *Publisher) message(topic string, payload []byte) *paho.Publish {
	return &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     byte(p.cfg.QoS),
		Retain:  false,
	}
}

// Publish sends payload to topic. At QoS 0 it returns once the packet
// is handed to the connection; no acknowledgment is awaited and
// nothing is retried.
func (p *Publisher) Publish(ctx context.Context, topic string, payload []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrClosed
	}
	if p.conn == nil {
		return ErrNotStarted
	}
	if _, err := p.conn.Publish(ctx, p.message(topic, payload)); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// AwaitConnection blocks until the broker connection is up or ctx
// expires. Used as the connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.RLock()
	conn, closed := p.conn, p.closed
	p.mu.RUnlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotStarted
	}
	return conn.AwaitConnection(ctx)
}

// Stop waits for in-flight publishes, publishes "offline" to the status
// topic if one is configured, and disconnects. Calling Stop more than
// once is a no-op.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.conn == nil {
		return nil
	}

	if p.cfg.StatusTopic != "" {
		p.publishStatus(ctx, p.conn, "offline")
	}
	if err := p.conn.Disconnect(ctx); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	p.logger.Info("mqtt disconnected", "broker", p.cfg.Broker)
	return nil
}

func (p *Publisher) publishStatus(ctx context.Context, conn connection, status string) {
	if _, err := conn.Publish(ctx, &paho.Publish{
		Topic:   p.cfg.StatusTopic,
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt status publish failed",
			"topic", p.cfg.StatusTopic, "status", status, "error", err)
	} else {
		p.logger.Info("mqtt status published", "topic", p.cfg.StatusTopic, "status", status)
	}
}
