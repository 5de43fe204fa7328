package sensor

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nugget/kinect-relay/internal/rawlog"
	"github.com/nugget/kinect-relay/internal/skeleton"
)

// Wire format shared by the SDK shim (over ZeroMQ) and rawlog
// recordings. Joints are keyed by SDK name so the shim does not depend
// on this package's numbering.
type wireFrame struct {
	RelativeTimeNS int64      `cbor:"t"`
	Bodies         []wireBody `cbor:"bodies"`
}

type wireBody struct {
	TrackingID uint64               `cbor:"id"`
	Tracked    bool                 `cbor:"tracked"`
	Joints     map[string]wireJoint `cbor:"joints,omitempty"`
}

type wireJoint struct {
	X     float32 `cbor:"x"`
	Y     float32 `cbor:"y"`
	Z     float32 `cbor:"z"`
	State uint8   `cbor:"state"`
}

// MarshalFrame encodes a frame in the CBOR wire format.
func MarshalFrame(f *BodyFrame) ([]byte, error) {
	wf := wireFrame{
		RelativeTimeNS: int64(f.RelativeTime),
		Bodies:         make([]wireBody, len(f.Bodies)),
	}
	for i, b := range f.Bodies {
		wb := wireBody{TrackingID: b.TrackingID, Tracked: b.Tracked}
		if len(b.Joints) > 0 {
			wb.Joints = make(map[string]wireJoint, len(b.Joints))
			for t, j := range b.Joints {
				if !t.Valid() {
					return nil, fmt.Errorf("marshal frame body %d: %w: %d", i, skeleton.ErrUnknownJoint, uint8(t))
				}
				wb.Joints[t.String()] = wireJoint{
					X:     j.Position.X,
					Y:     j.Position.Y,
					Z:     j.Position.Z,
					State: uint8(j.TrackingState),
				}
			}
		}
		wf.Bodies[i] = wb
	}
	return cbor.Marshal(wf)
}

// UnmarshalFrame decodes a CBOR wire frame. Unknown joint names are
// rejected.
func UnmarshalFrame(data []byte) (*BodyFrame, error) {
	var wf wireFrame
	if err := cbor.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("decode body frame: %w", err)
	}
	f := &BodyFrame{
		RelativeTime: time.Duration(wf.RelativeTimeNS),
		Bodies:       make([]Body, len(wf.Bodies)),
	}
	for i, wb := range wf.Bodies {
		b := Body{TrackingID: wb.TrackingID, Tracked: wb.Tracked}
		if len(wb.Joints) > 0 {
			b.Joints = make(map[skeleton.JointType]Joint, len(wb.Joints))
			for name, wj := range wb.Joints {
				t, err := skeleton.ParseJointType(name)
				if err != nil {
					return nil, fmt.Errorf("decode body frame body %d: %w", i, err)
				}
				b.Joints[t] = Joint{
					Type:          t,
					Position:      skeleton.JointSample{X: wj.X, Y: wj.Y, Z: wj.Z},
					TrackingState: TrackingState(wj.State),
				}
			}
		}
		f.Bodies[i] = b
	}
	return f, nil
}

// FrameRecorder appends acquired frames to a rawlog recording.
type FrameRecorder struct {
	w *rawlog.Writer
}

// NewFrameRecorder records into w. The caller owns w and closes it.
func NewFrameRecorder(w *rawlog.Writer) *FrameRecorder {
	return &FrameRecorder{w: w}
}

// RecordFrame encodes and appends f.
func (r *FrameRecorder) RecordFrame(f *BodyFrame) error {
	data, err := MarshalFrame(f)
	if err != nil {
		return err
	}
	return r.w.Record(data)
}
