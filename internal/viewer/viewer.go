// Package viewer serves a browser view of the relayed skeletons. Every
// frame_relayed event on the bus is pushed to connected WebSocket
// clients as the exact JSON that went to the broker, alongside
// connection changes and relay failures.
//
// Endpoints:
//
//	/         embedded viewer page
//	/ws       WebSocket event stream
//	/healthz  liveness
//	/status   relay counters and dependency health as JSON
package viewer

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/kinect-relay/internal/config"
	"github.com/nugget/kinect-relay/internal/events"
	"github.com/nugget/kinect-relay/internal/skeleton"
)

//go:embed web/*
var webFS embed.FS

const (
	writeWait = 10 * time.Second
	pongWait  = 60 * time.Second
	pingEvery = (pongWait * 9) / 10
)

// StatusFunc returns the body of the /status response.
type StatusFunc func() map[string]any

// Server is the live viewer.
type Server struct {
	cfg      config.ViewerConfig
	topic    string
	bus      *events.Bus
	statusFn StatusFunc
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]*sync.Mutex
}

// New creates a viewer that streams events from bus. topic is shown to
// clients in the hello message.
func New(cfg config.ViewerConfig, topic string, bus *events.Bus, statusFn StatusFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		topic:    topic,
		bus:      bus,
		statusFn: statusFn,
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]*sync.Mutex),
	}
}

// Addr is the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Address, strconv.Itoa(s.cfg.Port))
}

// Handler returns the viewer's HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if sub, err := fs.Sub(webFS, "web"); err == nil {
		mux.Handle("/", http.FileServer(http.FS(sub)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	return mux
}

// Run listens on the configured address and serves until ctx ends.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return fmt.Errorf("viewer listen on %s: %w", s.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx ends. A clean shutdown
// returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sub := s.bus.Subscribe(64)
	go s.pump(ctx, sub)

	go func() {
		<-ctx.Done()
		sub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	s.logger.Info("viewer listening", "addr", ln.Addr().String())
	if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("viewer: %w", err)
	}
	return nil
}

// pump forwards bus events to clients until the subscription closes.
func (s *Server) pump(ctx context.Context, sub *events.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if msg, ok := message(ev); ok {
				s.broadcast(msg)
			}
		}
	}
}

// message converts a bus event to a client message. Events the viewer
// does not display report false.
func message(ev events.Event) (map[string]any, bool) {
	switch ev.Kind {
	case events.KindFrameRelayed:
		payload, ok := ev.Data["payload"].([]byte)
		if !ok || !json.Valid(payload) {
			return nil, false
		}
		return map[string]any{
			"type":        "skeleton",
			"ts":          ev.Timestamp,
			"slot":        ev.Data["slot"],
			"tracking_id": ev.Data["tracking_id"],
			"joints":      json.RawMessage(payload),
		}, true
	case events.KindConnectionChanged, events.KindRelayFailed, events.KindSensorUnavailable:
		return map[string]any{
			"type": ev.Kind,
			"ts":   ev.Timestamp,
			"data": ev.Data,
		}, true
	}
	return nil, false
}

func (s *Server) hello() map[string]any {
	joints := make([]string, 0, skeleton.JointCount)
	for _, j := range skeleton.AllJoints() {
		joints = append(joints, j.String())
	}
	return map[string]any{
		"type":   "hello",
		"topic":  s.topic,
		"joints": joints,
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn.SetReadLimit(1 << 16)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := &sync.Mutex{}
	if err := s.writeJSON(conn, writeMu, s.hello()); err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.clients[conn] = writeMu
	s.mu.Unlock()
	s.logger.Debug("viewer client connected", "remote", r.RemoteAddr)

	go func() {
		done := make(chan struct{})
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					if err := s.writeMessage(conn, writeMu, websocket.PingMessage, nil); err != nil {
						_ = conn.Close()
						return
					}
				}
			}
		}()
		defer close(done)
		defer s.removeClient(conn)

		// Clients only send control frames; reading keeps pongs flowing
		// and notices disconnects.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{}
	if s.statusFn != nil {
		if st := s.statusFn(); st != nil {
			payload = st
		}
	}
	payload["ws_clients"] = s.clientCount()
	payload["events_dropped"] = s.bus.Dropped()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) broadcast(msg map[string]any) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("viewer message encode failed", "type", msg["type"], "error", err)
		return
	}

	var stale []*websocket.Conn
	s.mu.Lock()
	for conn, writeMu := range s.clients {
		if err := s.writeMessage(conn, writeMu, websocket.TextMessage, payload); err != nil {
			stale = append(stale, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range stale {
		s.removeClient(conn)
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) closeClients() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		s.removeClient(conn)
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) writeJSON(conn *websocket.Conn, writeMu *sync.Mutex, payload any) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(payload)
}

func (s *Server) writeMessage(conn *websocket.Conn, writeMu *sync.Mutex, messageType int, payload []byte) error {
	writeMu.Lock()
	defer writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(messageType, payload)
}
