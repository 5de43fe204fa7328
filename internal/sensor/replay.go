package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/nugget/kinect-relay/internal/rawlog"
)

// ReplayConfig controls rawlog playback.
type ReplayConfig struct {
	Path string
	// Loop restarts playback at the end of the recording.
	Loop bool
	// Realtime paces frames by their capture timestamps. When false,
	// frames are delivered as fast as the handler accepts them.
	Realtime bool
}

// ReplaySource plays back a recording made with [FrameRecorder].
type ReplaySource struct {
	dispatcher
	cfg    ReplayConfig
	logger *slog.Logger
	reader *rawlog.Reader
}

// NewReplaySource creates a replay source.
func NewReplaySource(cfg ReplayConfig, logger *slog.Logger) *ReplaySource {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReplaySource{cfg: cfg, logger: logger}
}

// Name implements Source.
func (r *ReplaySource) Name() string { return "replay" }

// Open implements Source. A missing recording is reported as
// ErrUnavailable, like an unplugged camera.
func (r *ReplaySource) Open(ctx context.Context) error {
	reader, err := rawlog.Open(r.cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: recording %s: %v", ErrUnavailable, r.cfg.Path, err)
		}
		return fmt.Errorf("open recording %s: %w", r.cfg.Path, err)
	}
	r.reader = reader
	return nil
}

// Run implements Source.
func (r *ReplaySource) Run(ctx context.Context) error {
	if r.reader == nil {
		return fmt.Errorf("replay source not open")
	}

	var prev time.Time
	played := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		rec, err := r.reader.Next()
		if errors.Is(err, io.EOF) {
			if !r.cfg.Loop || played == 0 {
				r.logger.Info("replay finished", "path", r.cfg.Path)
				return nil
			}
			if err := r.reader.Rewind(); err != nil {
				return fmt.Errorf("rewind recording: %w", err)
			}
			prev = time.Time{}
			played = 0
			continue
		}
		if err != nil {
			return fmt.Errorf("read recording: %w", err)
		}

		if r.cfg.Realtime && !prev.IsZero() {
			if !sleepCtx(ctx, rec.Time.Sub(prev)) {
				return nil
			}
		}
		prev = rec.Time

		frame, err := UnmarshalFrame(rec.Payload)
		if err != nil {
			r.logger.Warn("replay frame skipped", "error", err)
			continue
		}
		if err := r.deliver(ctx, frame); err != nil {
			return err
		}
		played++
	}
}

// Close implements Source.
func (r *ReplaySource) Close() error {
	if r.reader == nil {
		return nil
	}
	err := r.reader.Close()
	r.reader = nil
	return err
}
