// Package sensor is the boundary to the depth camera's body tracker.
// It models what the SDK hands the relay on every frame-arrived event:
// a frame reference that must be acquired and released, and the body
// slots carried by the acquired frame.
//
// Sources deliver frames sequentially from a single goroutine, the
// equivalent of the SDK's delivery thread. A handler that returns an
// error stops delivery and the error is returned from [Source.Run].
package sensor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nugget/kinect-relay/internal/skeleton"
)

// ErrUnavailable is returned by [Source.Open] when no sensor is
// present. The process keeps running without attaching the relay.
var ErrUnavailable = errors.New("sensor unavailable")

// TrackingState is the tracker's confidence in one joint position.
type TrackingState uint8

const (
	NotTracked TrackingState = iota
	Inferred
	Tracked
)

// Joint is one joint as reported by the tracker.
type Joint struct {
	Type          skeleton.JointType
	Position      skeleton.JointSample
	TrackingState TrackingState
}

// Body is one body slot of a frame. Untracked slots carry no joints.
type Body struct {
	TrackingID uint64
	Tracked    bool
	Joints     map[skeleton.JointType]Joint
}

// Positions returns every joint's position, regardless of its
// tracking state.
func (b Body) Positions() map[skeleton.JointType]skeleton.JointSample {
	out := make(map[skeleton.JointType]skeleton.JointSample, len(b.Joints))
	for t, j := range b.Joints {
		out[t] = j.Position
	}
	return out
}

// BodyFrame is an acquired frame.
type BodyFrame struct {
	// RelativeTime is the sensor timestamp of the frame.
	RelativeTime time.Duration
	Bodies       []Body
}

// BodyCount returns the number of body slots in the frame.
func (f *BodyFrame) BodyCount() int {
	return len(f.Bodies)
}

// RefreshBodies copies the frame's body slots into dst, growing it
// when it is too small, and returns the filled slice. Callers keep the
// returned slice and pass it back on the next frame.
func (f *BodyFrame) RefreshBodies(dst []Body) []Body {
	if cap(dst) < len(f.Bodies) {
		dst = make([]Body, len(f.Bodies))
	}
	dst = dst[:len(f.Bodies)]
	copy(dst, f.Bodies)
	return dst
}

// FrameReference is the handle carried by a frame-arrived event.
// Acquire may return (nil, nil) when the frame expired before it was
// acquired. Release must be called once the frame is no longer used.
type FrameReference interface {
	Acquire() (*BodyFrame, error)
	Release()
}

// FrameHandler processes one frame-arrived event.
type FrameHandler func(ctx context.Context, ref FrameReference) error

// Source produces frame-arrived events.
type Source interface {
	// Name identifies the driver for logging.
	Name() string
	// Open prepares the device. It returns an error wrapping
	// ErrUnavailable when no sensor is present.
	Open(ctx context.Context) error
	// Subscribe registers a handler. It must be called before Run.
	Subscribe(h FrameHandler)
	// Run delivers frames until ctx is done, the source is exhausted,
	// or a handler fails.
	Run(ctx context.Context) error
	// Close releases the device.
	Close() error
}

// frameRef is an in-memory FrameReference.
type frameRef struct {
	mu       sync.Mutex
	frame    *BodyFrame
	released bool
}

// NewFrameReference wraps an already captured frame. A nil frame
// behaves like an expired reference.
func NewFrameReference(f *BodyFrame) FrameReference {
	return &frameRef{frame: f}
}

func (r *frameRef) Acquire() (*BodyFrame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return nil, errors.New("frame already released")
	}
	return r.frame, nil
}

func (r *frameRef) Release() {
	r.mu.Lock()
	r.released = true
	r.frame = nil
	r.mu.Unlock()
}

// dispatcher fans one event out to the subscribed handlers in
// registration order.
type dispatcher struct {
	mu       sync.Mutex
	handlers []FrameHandler
}

func (d *dispatcher) Subscribe(h FrameHandler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

func (d *dispatcher) deliver(ctx context.Context, f *BodyFrame) error {
	d.mu.Lock()
	handlers := d.handlers
	d.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, NewFrameReference(f)); err != nil {
			return err
		}
	}
	return nil
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
