// Package relay turns body frame events into published skeleton
// messages. For every tracked body of a frame it builds a
// [skeleton.SkeletonFrame], encodes it, overwrites the latest-frame
// file with the bytes, and publishes the same bytes to the broker.
//
// The relay keeps no frame history. Its only state between frames is a
// reusable body slice and counters. Errors are not retried: the first
// failure stops processing of the frame and is returned to the sensor
// source, which stops delivery.
package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/kinect-relay/internal/config"
	"github.com/nugget/kinect-relay/internal/events"
	"github.com/nugget/kinect-relay/internal/journal"
	"github.com/nugget/kinect-relay/internal/sensor"
	"github.com/nugget/kinect-relay/internal/skeleton"
)

// Publisher sends a payload to a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Journal records published messages.
type Journal interface {
	Append(ctx context.Context, e journal.Entry) error
}

// Recorder receives every acquired frame before it is processed.
type Recorder interface {
	RecordFrame(f *sensor.BodyFrame) error
}

// Config is the relay's output contract.
type Config struct {
	// Topic receives one message per tracked body.
	Topic string
	// File is overwritten with each message.
	File string
	// PerBodyFiles writes slot N to <stem>_N<ext> instead of File.
	PerBodyFiles bool
}

// ConfigFrom builds a relay Config from the loaded configuration.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Topic:        cfg.MQTT.Topic,
		File:         cfg.Output.File,
		PerBodyFiles: cfg.Output.PerBodyFiles,
	}
}

// Stats are cumulative counters since the relay was created.
type Stats struct {
	Frames        int64     `json:"frames"`
	ExpiredFrames int64     `json:"expired_frames"`
	Relayed       int64     `json:"relayed"`
	Skipped       int64     `json:"skipped"`
	LastRelayed   time.Time `json:"last_relayed"`
}

// Option configures optional collaborators.
type Option func(*Relay)

// WithEvents publishes relay events to bus.
func WithEvents(bus *events.Bus) Option {
	return func(r *Relay) { r.bus = bus }
}

// WithJournal records every published message to j. Journal failures
// are logged and do not stop the relay.
func WithJournal(j Journal) Option {
	return func(r *Relay) { r.journal = j }
}

// WithRecorder records every acquired frame. Recording failures are
// logged and do not stop the relay.
func WithRecorder(rec Recorder) Option {
	return func(r *Relay) { r.recorder = rec }
}

// WithConsole sets where the "saved: <file>" confirmation is printed.
// nil disables it.
func WithConsole(w io.Writer) Option {
	return func(r *Relay) { r.console = w }
}

// Relay is the frame-to-message pipeline.
type Relay struct {
	cfg      Config
	pub      Publisher
	logger   *slog.Logger
	bus      *events.Bus
	journal  Journal
	recorder Recorder
	console  io.Writer

	// mu serializes HandleFrame; bodies is only touched under it.
	mu     sync.Mutex
	bodies []sensor.Body

	statsMu sync.Mutex
	stats   Stats
}

// New creates a relay publishing through pub.
func New(cfg Config, pub Publisher, logger *slog.Logger, opts ...Option) *Relay {
	if cfg.Topic == "" {
		cfg.Topic = config.DefaultTopic
	}
	if cfg.File == "" {
		cfg.File = config.DefaultOutputFile
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		cfg:     cfg,
		pub:     pub,
		logger:  logger,
		console: os.Stdout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandleFrame processes one frame-arrived event. It satisfies
// [sensor.FrameHandler]. The frame reference is released on every
// return path, including panics in body processing.
func (r *Relay) HandleFrame(ctx context.Context, ref sensor.FrameReference) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	defer ref.Release()

	frame, err := ref.Acquire()
	if err != nil {
		return fmt.Errorf("acquire body frame: %w", err)
	}
	if frame == nil {
		r.updateStats(func(s *Stats) { s.ExpiredFrames++ })
		return nil
	}
	r.updateStats(func(s *Stats) { s.Frames++ })

	if r.recorder != nil {
		if err := r.recorder.RecordFrame(frame); err != nil {
			r.logger.Warn("frame recording failed", "error", err)
		}
	}

	r.bodies = frame.RefreshBodies(r.bodies)
	for slot, body := range r.bodies {
		if !body.Tracked {
			r.updateStats(func(s *Stats) { s.Skipped++ })
			r.bus.Publish(events.Event{
				Source: events.SourceRelay,
				Kind:   events.KindBodySkipped,
				Data:   map[string]any{"slot": slot},
			})
			continue
		}
		if err := r.relayBody(ctx, slot, body); err != nil {
			r.bus.Publish(events.Event{
				Source: events.SourceRelay,
				Kind:   events.KindRelayFailed,
				Data:   map[string]any{"slot": slot, "error": err.Error()},
			})
			return err
		}
	}
	return nil
}

// relayBody encodes one tracked body, saves it, and publishes it.
func (r *Relay) relayBody(ctx context.Context, slot int, body sensor.Body) error {
	payload, err := skeleton.Encode(skeleton.NewSkeletonFrame(body.Positions()))
	if err != nil {
		return fmt.Errorf("body %d: %w", slot, err)
	}
	r.logger.Log(ctx, config.LevelTrace, "skeleton encoded",
		"slot", slot, "tracking_id", body.TrackingID, "payload", string(payload))

	file := r.outputFile(slot)
	if err := os.WriteFile(file, payload, 0644); err != nil {
		return fmt.Errorf("save body %d: %w", slot, err)
	}
	if r.console != nil {
		fmt.Fprintf(r.console, "saved: %s\n", file)
	}

	if err := r.pub.Publish(ctx, r.cfg.Topic, payload); err != nil {
		return fmt.Errorf("publish body %d to %s: %w", slot, r.cfg.Topic, err)
	}

	now := time.Now()
	r.updateStats(func(s *Stats) {
		s.Relayed++
		s.LastRelayed = now
	})
	r.logger.Debug("skeleton relayed",
		"slot", slot,
		"tracking_id", body.TrackingID,
		"joints", len(body.Joints),
		"bytes", len(payload),
		"file", file,
		"topic", r.cfg.Topic,
	)

	if r.journal != nil {
		if err := r.journal.Append(ctx, journal.Entry{
			Timestamp:  now,
			Slot:       slot,
			TrackingID: body.TrackingID,
			Topic:      r.cfg.Topic,
			File:       file,
			Payload:    payload,
		}); err != nil {
			r.logger.Warn("journal append failed", "slot", slot, "error", err)
		}
	}

	r.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceRelay,
		Kind:      events.KindFrameRelayed,
		Data: map[string]any{
			"slot":        slot,
			"tracking_id": body.TrackingID,
			"topic":       r.cfg.Topic,
			"file":        file,
			"payload":     payload,
		},
	})
	return nil
}

// outputFile returns the file a body slot is written to. By default
// every slot shares one file, so the last tracked body of a frame wins.
func (r *Relay) outputFile(slot int) string {
	if !r.cfg.PerBodyFiles {
		return r.cfg.File
	}
	ext := filepath.Ext(r.cfg.File)
	stem := strings.TrimSuffix(r.cfg.File, ext)
	return stem + "_" + strconv.Itoa(slot) + ext
}

func (r *Relay) updateStats(fn func(*Stats)) {
	r.statsMu.Lock()
	fn(&r.stats)
	r.statsMu.Unlock()
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}
