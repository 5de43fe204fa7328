// Package events is a broadcast bus for relay activity. The relay
// publishes one event per body it handles; the live viewer and status
// endpoint subscribe. Publishing never blocks the frame path: a full
// subscriber misses events instead of slowing the sensor callback. A
// nil *Bus is valid and discards everything.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Sources.
const (
	SourceRelay  = "relay"
	SourceSensor = "sensor"
	SourceMQTT   = "mqtt"
)

// Kinds.
const (
	// KindFrameRelayed: one tracked body was saved and published.
	// Data: slot, tracking_id, topic, file, payload ([]byte JSON).
	KindFrameRelayed = "frame_relayed"
	// KindBodySkipped: an untracked body slot was ignored.
	// Data: slot.
	KindBodySkipped = "body_skipped"
	// KindRelayFailed: saving or publishing failed; the relay stops.
	// Data: slot, error.
	KindRelayFailed = "relay_failed"
	// KindSensorUnavailable: the sensor could not be opened.
	// Data: driver, error.
	KindSensorUnavailable = "sensor_unavailable"
	// KindConnectionChanged: a watched dependency became ready or
	// unreachable. Data: name, ready, error.
	KindConnectionChanged = "connection_changed"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	dropped atomic.Int64
}

// Subscription receives events on C until Close is called.
type Subscription struct {
	C <-chan Event

	ch   chan Event
	bus  *Bus
	once sync.Once
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Publish delivers e to every subscriber with room in its buffer. A
// zero Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber with a buffer of bufSize events.
func (b *Bus) Subscribe(bufSize int) *Subscription {
	ch := make(chan Event, bufSize)
	s := &Subscription{C: ch, ch: ch, bus: b}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
