package sensor

import (
	"context"
	"math"
	"time"

	"github.com/nugget/kinect-relay/internal/skeleton"
)

// restPose is a standing skeleton at the origin of body space, in
// meters. The simulator offsets it into camera space per body slot.
var restPose = map[skeleton.JointType]skeleton.JointSample{
	skeleton.SpineBase:     {X: 0, Y: -0.30, Z: 0},
	skeleton.SpineMid:      {X: 0, Y: 0.00, Z: 0},
	skeleton.SpineShoulder: {X: 0, Y: 0.25, Z: 0},
	skeleton.Neck:          {X: 0, Y: 0.32, Z: 0},
	skeleton.Head:          {X: 0, Y: 0.45, Z: 0},
	skeleton.ShoulderLeft:  {X: -0.18, Y: 0.22, Z: 0},
	skeleton.ElbowLeft:     {X: -0.25, Y: -0.02, Z: 0},
	skeleton.WristLeft:     {X: -0.28, Y: -0.25, Z: 0},
	skeleton.HandLeft:      {X: -0.29, Y: -0.32, Z: 0},
	skeleton.HandTipLeft:   {X: -0.30, Y: -0.40, Z: 0},
	skeleton.ThumbLeft:     {X: -0.26, Y: -0.34, Z: -0.03},
	skeleton.ShoulderRight: {X: 0.18, Y: 0.22, Z: 0},
	skeleton.ElbowRight:    {X: 0.25, Y: -0.02, Z: 0},
	skeleton.WristRight:    {X: 0.28, Y: -0.25, Z: 0},
	skeleton.HandRight:     {X: 0.29, Y: -0.32, Z: 0},
	skeleton.HandTipRight:  {X: 0.30, Y: -0.40, Z: 0},
	skeleton.ThumbRight:    {X: 0.26, Y: -0.34, Z: -0.03},
	skeleton.HipLeft:       {X: -0.09, Y: -0.36, Z: 0},
	skeleton.KneeLeft:      {X: -0.10, Y: -0.78, Z: 0.02},
	skeleton.AnkleLeft:     {X: -0.10, Y: -1.18, Z: 0},
	skeleton.FootLeft:      {X: -0.10, Y: -1.24, Z: -0.10},
	skeleton.HipRight:      {X: 0.09, Y: -0.36, Z: 0},
	skeleton.KneeRight:     {X: 0.10, Y: -0.78, Z: 0.02},
	skeleton.AnkleRight:    {X: 0.10, Y: -1.18, Z: 0},
	skeleton.FootRight:     {X: 0.10, Y: -1.24, Z: -0.10},
}

// SimulatorConfig tunes the synthetic body stream.
type SimulatorConfig struct {
	FrameRate     float64
	BodySlots     int
	TrackedBodies int
	// MaxFrames stops Run after that many frames; 0 runs until ctx ends.
	MaxFrames int
}

// Simulator is a Source that synthesizes standing bodies whose arms
// swing slowly. It lets the relay run without camera hardware.
type Simulator struct {
	dispatcher
	cfg   SimulatorConfig
	start time.Time
}

// NewSimulator creates a simulator source.
func NewSimulator(cfg SimulatorConfig) *Simulator {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 30
	}
	if cfg.BodySlots <= 0 {
		cfg.BodySlots = 6
	}
	if cfg.TrackedBodies > cfg.BodySlots {
		cfg.TrackedBodies = cfg.BodySlots
	}
	return &Simulator{cfg: cfg}
}

// Name implements Source.
func (s *Simulator) Name() string { return "simulator" }

// Open implements Source. The simulator is always available.
func (s *Simulator) Open(ctx context.Context) error {
	s.start = time.Now()
	return nil
}

// Close implements Source.
func (s *Simulator) Close() error { return nil }

// Run implements Source.
func (s *Simulator) Run(ctx context.Context) error {
	interval := time.Duration(float64(time.Second) / s.cfg.FrameRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 0; s.cfg.MaxFrames == 0 || n < s.cfg.MaxFrames; n++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := s.deliver(ctx, s.Frame(n)); err != nil {
			return err
		}
	}
	return nil
}

// Frame synthesizes frame number n.
func (s *Simulator) Frame(n int) *BodyFrame {
	elapsed := time.Duration(float64(n) / s.cfg.FrameRate * float64(time.Second))
	f := &BodyFrame{
		RelativeTime: elapsed,
		Bodies:       make([]Body, s.cfg.BodySlots),
	}
	for slot := 0; slot < s.cfg.TrackedBodies; slot++ {
		f.Bodies[slot] = s.body(slot, elapsed.Seconds())
	}
	return f
}

func (s *Simulator) body(slot int, t float64) Body {
	// Bodies stand 2 m from the camera, 0.8 m apart, and swing their
	// arms with slightly different periods.
	offX := float32(slot)*0.8 - 0.4*float32(s.cfg.TrackedBodies-1)
	swing := float32(0.15 * math.Sin(2*math.Pi*t/(3+float64(slot))))

	joints := make(map[skeleton.JointType]Joint, skeleton.JointCount)
	for jt, p := range restPose {
		pos := skeleton.JointSample{X: p.X + offX, Y: p.Y, Z: p.Z + 2.0}
		state := Tracked
		switch jt {
		case skeleton.ElbowLeft, skeleton.WristLeft, skeleton.HandLeft, skeleton.HandTipLeft, skeleton.ThumbLeft:
			pos.Z -= swing
		case skeleton.ElbowRight, skeleton.WristRight, skeleton.HandRight, skeleton.HandTipRight, skeleton.ThumbRight:
			pos.Z += swing
		}
		if jt == skeleton.ThumbLeft || jt == skeleton.ThumbRight {
			state = Inferred
		}
		joints[jt] = Joint{Type: jt, Position: pos, TrackingState: state}
	}
	return Body{
		TrackingID: 72057594037927936 + uint64(slot),
		Tracked:    true,
		Joints:     joints,
	}
}
