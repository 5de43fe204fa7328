package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/nugget/kinect-relay/internal/buildinfo"
	"github.com/nugget/kinect-relay/internal/config"
	"github.com/nugget/kinect-relay/internal/connwatch"
	"github.com/nugget/kinect-relay/internal/events"
	"github.com/nugget/kinect-relay/internal/journal"
	"github.com/nugget/kinect-relay/internal/mqtt"
	"github.com/nugget/kinect-relay/internal/paths"
	"github.com/nugget/kinect-relay/internal/rawlog"
	"github.com/nugget/kinect-relay/internal/relay"
	"github.com/nugget/kinect-relay/internal/sensor"
	"github.com/nugget/kinect-relay/internal/viewer"
)

// publisher is the broker connection runServe drives. *mqtt.Publisher
// satisfies it.
type publisher interface {
	Start(ctx context.Context) error
	Publish(ctx context.Context, topic string, payload []byte) error
	AwaitConnection(ctx context.Context) error
	Stop(ctx context.Context) error
	ClientID() string
}

// newPublisher builds the broker connection. Tests replace it.
var newPublisher = func(cfg config.MQTTConfig, logger *slog.Logger) publisher {
	return mqtt.New(cfg, logger)
}

// runServe connects the broker, attaches the relay to the sensor, and
// blocks until a line is read from stdin, SIGINT/SIGTERM arrives, or
// the relay fails. The shutdown sequence is:
//
//  1. Sensor delivery stops and the sensor is closed, so no handler is
//     running when the publisher goes away.
//  2. The broker watcher stops and the publisher drains in-flight
//     publishes and disconnects.
//  3. The viewer, journal, and frame recording are closed.
//
// A relay failure is returned after the same sequence.
func runServe(ctx context.Context, stdin io.Reader, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting kinect-relay", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate has already accepted the level.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	if cfgPath == "" {
		logger.Info("no config file found, using defaults")
	} else {
		logger.Info("config loaded", "path", cfgPath)
	}
	logger.Info("relay configured",
		"sensor", cfg.Sensor.Driver,
		"broker", cfg.MQTT.Broker,
		"topic", cfg.MQTT.Topic,
		"qos", cfg.MQTT.QoS,
		"file", cfg.Output.File,
	)

	// Long-lived components run under runCtx and are stopped explicitly
	// in order; the signal context only ends the wait.
	runCtx, stopAll := context.WithCancel(ctx)
	defer stopAll()

	resolver := paths.New(map[string]string{"data": cfg.DataDir})
	bus := events.New()

	// --- Broker ---
	// An unreachable broker at startup is fatal.
	pub := newPublisher(cfg.MQTT, logger)
	if err := pub.Start(runCtx); err != nil {
		return err
	}
	logger.Info("mqtt publisher started", "client_id", pub.ClientID())

	watch := connwatch.NewManager(logger)
	watch.Watch(runCtx, connwatch.Config{
		Name:  "broker",
		Probe: pub.AwaitConnection,
		OnChange: func(st connwatch.Status) {
			bus.Publish(events.Event{
				Source: events.SourceMQTT,
				Kind:   events.KindConnectionChanged,
				Data:   map[string]any{"name": st.Name, "ready": st.Ready, "error": st.LastError},
			})
		},
	})

	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()
	stopBroker := func() {
		watch.Stop()
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := pub.Stop(stopCtx); err != nil {
			logger.Warn("mqtt stop failed", "error", err)
		}
	}

	opts := []relay.Option{relay.WithEvents(bus), relay.WithConsole(stdout)}

	// --- Journal ---
	if cfg.Journal.Enabled {
		path := resolver.Resolve(cfg.Journal.Path)
		if err := paths.EnsureParent(path); err != nil {
			stopBroker()
			return fmt.Errorf("create journal directory: %w", err)
		}
		j, err := journal.Open(path)
		if err != nil {
			stopBroker()
			return fmt.Errorf("open journal %s: %w", path, err)
		}
		closers = append(closers, j.Close)
		opts = append(opts, relay.WithJournal(j))
		logger.Info("journal opened", "path", path)
	}

	// --- Frame recording ---
	if cfg.Sensor.RecordPath != "" {
		path := resolver.Resolve(cfg.Sensor.RecordPath)
		if err := paths.EnsureParent(path); err != nil {
			stopBroker()
			return fmt.Errorf("create recording directory: %w", err)
		}
		w, err := rawlog.Create(path)
		if err != nil {
			stopBroker()
			return fmt.Errorf("create recording %s: %w", path, err)
		}
		closers = append(closers, w.Close)
		opts = append(opts, relay.WithRecorder(sensor.NewFrameRecorder(w)))
		logger.Info("recording frames", "path", path)
	}

	r := relay.New(relay.ConfigFrom(cfg), pub, logger, opts...)

	// --- Sensor ---
	src := newSource(cfg, resolver, logger)
	sensorOpen := false
	runErr := make(chan error, 1)
	sensorCtx, stopSensor := context.WithCancel(runCtx)
	defer stopSensor()

	if err := src.Open(runCtx); err != nil {
		if !errors.Is(err, sensor.ErrUnavailable) {
			stopBroker()
			return fmt.Errorf("open sensor %s: %w", src.Name(), err)
		}
		// Without a sensor there is nothing to relay, but the process
		// stays up until asked to exit.
		logger.Warn("sensor unavailable, relay not attached", "sensor", src.Name(), "error", err)
		bus.Publish(events.Event{
			Source: events.SourceSensor,
			Kind:   events.KindSensorUnavailable,
			Data:   map[string]any{"driver": src.Name(), "error": err.Error()},
		})
	} else {
		sensorOpen = true
		src.Subscribe(r.HandleFrame)
		go func() { runErr <- src.Run(sensorCtx) }()
	}

	// --- Viewer ---
	viewerDone := make(chan struct{})
	viewerCtx, stopViewer := context.WithCancel(runCtx)
	defer stopViewer()
	if cfg.Viewer.Enabled {
		v := viewer.New(cfg.Viewer, cfg.MQTT.Topic, bus, func() map[string]any {
			return map[string]any{
				"build":       buildinfo.Current(),
				"sensor":      map[string]any{"driver": src.Name(), "open": sensorOpen},
				"relay":       r.Stats(),
				"connections": watch.Status(),
			}
		}, logger)
		go func() {
			defer close(viewerDone)
			if err := v.Run(viewerCtx); err != nil {
				logger.Error("viewer stopped", "error", err)
			}
		}()
	} else {
		close(viewerDone)
	}

	fmt.Fprintf(stdout, "Receiving body frames from %s and publishing to %s on %s. Press Enter to exit.\n",
		src.Name(), cfg.MQTT.Topic, cfg.MQTT.Broker)

	// --- Wait ---
	sigCtx, sigCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	var result error
	running := sensorOpen
	enter := waitForEnter(stdin)
wait:
	for {
		select {
		case <-sigCtx.Done():
			logger.Info("shutdown signal received")
			break wait
		case <-enter:
			logger.Info("exit requested from console")
			break wait
		case err := <-runErr:
			running = false
			if err != nil {
				logger.Error("relay stopped", "error", err)
				result = fmt.Errorf("relay: %w", err)
				break wait
			}
			logger.Info("sensor stream ended")
		}
	}

	// --- Shutdown ---
	stopSensor()
	if running {
		if err := <-runErr; err != nil && result == nil {
			result = fmt.Errorf("relay: %w", err)
		}
	}
	if sensorOpen {
		if err := src.Close(); err != nil {
			logger.Warn("sensor close failed", "error", err)
		}
	}
	stopBroker()
	stopViewer()
	<-viewerDone

	st := r.Stats()
	logger.Info("kinect-relay stopped",
		"frames", st.Frames,
		"relayed", st.Relayed,
		"skipped", st.Skipped,
		"uptime", buildinfo.Uptime().String(),
	)
	return result
}

// newSource builds the configured body frame source.
func newSource(cfg *config.Config, resolver *paths.Resolver, logger *slog.Logger) sensor.Source {
	switch cfg.Sensor.Driver {
	case config.DriverZMQ:
		return sensor.NewZMQSource(cfg.Sensor.Endpoint, logger)
	case config.DriverReplay:
		return sensor.NewReplaySource(sensor.ReplayConfig{
			Path:     resolver.Resolve(cfg.Sensor.ReplayPath),
			Loop:     cfg.Sensor.ReplayLoop,
			Realtime: true,
		}, logger)
	default:
		return sensor.NewSimulator(sensor.SimulatorConfig{
			FrameRate:     cfg.Sensor.FrameRate,
			BodySlots:     cfg.Sensor.BodySlots,
			TrackedBodies: cfg.Sensor.Tracked(),
		})
	}
}

// waitForEnter returns a channel closed when a full line is read from
// r. End of input without a newline (stdin is /dev/null under a
// service manager) never closes it.
func waitForEnter(r io.Reader) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		if _, err := bufio.NewReader(r).ReadString('\n'); err == nil {
			close(ch)
		}
	}()
	return ch
}
