package skeleton

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// JointSample is one camera-space position in meters. It is a value
// type; a fresh sample is built for every joint of every frame.
type JointSample struct {
	X float32
	Y float32
	Z float32
}

// MarshalJSON writes finite coordinates as numbers and non-finite ones
// as the strings "NaN", "Infinity" and "-Infinity".
func (p JointSample) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, 48)
	buf = append(buf, `{"X":`...)
	buf = appendCoord(buf, p.X)
	buf = append(buf, `,"Y":`...)
	buf = appendCoord(buf, p.Y)
	buf = append(buf, `,"Z":`...)
	buf = appendCoord(buf, p.Z)
	buf = append(buf, '}')
	return buf, nil
}

// UnmarshalJSON accepts numbers and the non-finite strings written by
// [JointSample.MarshalJSON].
func (p *JointSample) UnmarshalJSON(data []byte) error {
	var raw struct {
		X, Y, Z json.RawMessage
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	var out JointSample
	for _, c := range []struct {
		name string
		src  json.RawMessage
		dst  *float32
	}{{"X", raw.X, &out.X}, {"Y", raw.Y, &out.Y}, {"Z", raw.Z, &out.Z}} {
		v, err := parseCoord(c.src)
		if err != nil {
			return fmt.Errorf("coordinate %s: %w", c.name, err)
		}
		*c.dst = v
	}
	*p = out
	return nil
}

func appendCoord(buf []byte, v float32) []byte {
	f := float64(v)
	switch {
	case math.IsNaN(f):
		return append(buf, `"NaN"`...)
	case math.IsInf(f, 1):
		return append(buf, `"Infinity"`...)
	case math.IsInf(f, -1):
		return append(buf, `"-Infinity"`...)
	}
	num, _ := json.Marshal(v)
	return append(buf, num...)
}

func parseCoord(raw json.RawMessage) (float32, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		switch s {
		case "NaN":
			return float32(math.NaN()), nil
		case "Infinity":
			return float32(math.Inf(1)), nil
		case "-Infinity":
			return float32(math.Inf(-1)), nil
		}
		return 0, fmt.Errorf("unsupported value %q", s)
	}
	var v float32
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// SkeletonFrame maps each joint kind reported for one tracked body to
// its position. One frame exists per tracked body per sensor callback
// and nothing is retained once it has been encoded.
type SkeletonFrame map[JointType]JointSample

// NewSkeletonFrame copies every joint position verbatim. No unit
// conversion, smoothing, or confidence filtering is applied.
func NewSkeletonFrame(joints map[JointType]JointSample) SkeletonFrame {
	f := make(SkeletonFrame, len(joints))
	for j, p := range joints {
		f[j] = p
	}
	return f
}

// MarshalJSON writes the frame as a JSON object keyed by joint name in
// enumeration order. encoding/json would otherwise sort map keys
// alphabetically.
func (f SkeletonFrame) MarshalJSON() ([]byte, error) {
	for j := range f {
		if !j.Valid() {
			return nil, fmt.Errorf("marshal skeleton frame: %w: %d", ErrUnknownJoint, uint8(j))
		}
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	first := true
	for i := 0; i < JointCount; i++ {
		p, ok := f[JointType(i)]
		if !ok {
			continue
		}
		if !first {
			buf.WriteByte(',')
		}
		first = false

		key, err := json.Marshal(jointNames[i])
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal joint %s: %w", jointNames[i], err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON accepts an object keyed by joint name. Unknown names are
// rejected so a decoded frame only ever holds enumerated joint kinds.
func (f *SkeletonFrame) UnmarshalJSON(data []byte) error {
	var raw map[string]JointSample
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(SkeletonFrame, len(raw))
	for name, p := range raw {
		j, err := ParseJointType(name)
		if err != nil {
			return err
		}
		out[j] = p
	}
	*f = out
	return nil
}

// Encode serializes f as two-space indented JSON, the exact bytes
// written to the output file and published to the broker.
func Encode(f SkeletonFrame) ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode skeleton frame: %w", err)
	}
	return data, nil
}

// Decode parses bytes produced by [Encode].
func Decode(data []byte) (SkeletonFrame, error) {
	var f SkeletonFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode skeleton frame: %w", err)
	}
	return f, nil
}
