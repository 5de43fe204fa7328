package viewer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/kinect-relay/internal/config"
	"github.com/nugget/kinect-relay/internal/events"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(bus *events.Bus, status StatusFunc) *Server {
	return New(config.ViewerConfig{Address: "127.0.0.1", Port: 0}, "nao/kinect", bus, status, quietLogger())
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read message: %v", err)
	}
	return msg
}

func waitClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for s.clientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clientCount = %d, want %d", s.clientCount(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestMessage(t *testing.T) {
	payload := []byte("{\n  \"Head\": {\n    \"X\": 0.1,\n    \"Y\": 0.2,\n    \"Z\": 0.3\n  }\n}")

	tests := []struct {
		name     string
		ev       events.Event
		wantType string
		wantOK   bool
	}{
		{
			name: "frame relayed",
			ev: events.Event{Kind: events.KindFrameRelayed, Data: map[string]any{
				"slot": 2, "tracking_id": uint64(7), "payload": payload,
			}},
			wantType: "skeleton",
			wantOK:   true,
		},
		{
			name:   "frame relayed without payload",
			ev:     events.Event{Kind: events.KindFrameRelayed, Data: map[string]any{"slot": 0}},
			wantOK: false,
		},
		{
			name:   "body skipped is not shown",
			ev:     events.Event{Kind: events.KindBodySkipped, Data: map[string]any{"slot": 1}},
			wantOK: false,
		},
		{
			name:     "connection change",
			ev:       events.Event{Kind: events.KindConnectionChanged, Data: map[string]any{"name": "broker", "ready": true}},
			wantType: events.KindConnectionChanged,
			wantOK:   true,
		},
		{
			name:     "relay failure",
			ev:       events.Event{Kind: events.KindRelayFailed, Data: map[string]any{"error": "disk full"}},
			wantType: events.KindRelayFailed,
			wantOK:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := message(tt.ev)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if msg["type"] != tt.wantType {
				t.Errorf("type = %v, want %s", msg["type"], tt.wantType)
			}
			if _, err := json.Marshal(msg); err != nil {
				t.Errorf("message does not encode: %v", err)
			}
		})
	}
}

func TestWebSocket_HelloAndSkeleton(t *testing.T) {
	bus := events.New()
	s := newTestServer(bus, nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.pump(ctx, bus.Subscribe(16))

	conn := dial(t, ts)
	hello := readMessage(t, conn)
	if hello["type"] != "hello" || hello["topic"] != "nao/kinect" {
		t.Fatalf("hello = %v", hello)
	}
	if joints, _ := hello["joints"].([]any); len(joints) != 25 || joints[0] != "SpineBase" {
		t.Errorf("hello joints = %v", hello["joints"])
	}
	waitClients(t, s, 1)

	bus.Publish(events.Event{
		Source: events.SourceRelay,
		Kind:   events.KindFrameRelayed,
		Data: map[string]any{
			"slot":        1,
			"tracking_id": uint64(99),
			"payload":     []byte(`{"Head":{"X":0.1,"Y":0.2,"Z":0.3}}`),
		},
	})

	msg := readMessage(t, conn)
	if msg["type"] != "skeleton" {
		t.Fatalf("type = %v, want skeleton", msg["type"])
	}
	if msg["slot"].(float64) != 1 || msg["tracking_id"].(float64) != 99 {
		t.Errorf("slot/tracking_id = %v/%v", msg["slot"], msg["tracking_id"])
	}
	head, _ := msg["joints"].(map[string]any)["Head"].(map[string]any)
	if head["Z"].(float64) != 0.3 {
		t.Errorf("Head = %v", head)
	}
}

func TestWebSocket_DisconnectRemovesClient(t *testing.T) {
	s := newTestServer(events.New(), nil)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn := dial(t, ts)
	readMessage(t, conn)
	waitClients(t, s, 1)

	conn.Close()
	waitClients(t, s, 0)
}

func TestHandleStatus(t *testing.T) {
	s := newTestServer(events.New(), func() map[string]any {
		return map[string]any{"relay": map[string]any{"relayed": 12}}
	})

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["ws_clients"].(float64) != 0 {
		t.Errorf("ws_clients = %v", payload["ws_clients"])
	}
	if payload["relay"].(map[string]any)["relayed"].(float64) != 12 {
		t.Errorf("relay = %v", payload["relay"])
	}
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(events.New(), nil)
	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestIndexPage(t *testing.T) {
	s := newTestServer(events.New(), nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "kinect-relay") {
		t.Errorf("index = %d, body %.60q", rec.Code, rec.Body.String())
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	bus := events.New()
	s := newTestServer(bus, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	deadline := time.Now().Add(time.Second)
	for bus.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("viewer subscription not closed")
		}
		time.Sleep(time.Millisecond)
	}
}
