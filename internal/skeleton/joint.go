// Package skeleton defines the per-body joint record that the relay
// publishes: a fixed enumeration of Kinect v2 joint kinds, a 3-D sample
// per joint, and the indented JSON encoding consumers subscribe to.
package skeleton

import (
	"errors"
	"fmt"
)

// ErrUnknownJoint is returned when a joint name or value is not one of
// the enumerated joint kinds.
var ErrUnknownJoint = errors.New("unknown joint type")

// JointType identifies a skeletal landmark. Values follow the sensor
// SDK's enumeration order, which is also the key order of the encoded
// JSON object.
type JointType uint8

// Joint kinds reported by the body tracker, in SDK order.
const (
	SpineBase JointType = iota
	SpineMid
	Neck
	Head
	ShoulderLeft
	ElbowLeft
	WristLeft
	HandLeft
	ShoulderRight
	ElbowRight
	WristRight
	HandRight
	HipLeft
	KneeLeft
	AnkleLeft
	FootLeft
	HipRight
	KneeRight
	AnkleRight
	FootRight
	SpineShoulder
	HandTipLeft
	ThumbLeft
	HandTipRight
	ThumbRight

	// JointCount is the number of enumerated joint kinds.
	JointCount = int(ThumbRight) + 1
)

var jointNames = [JointCount]string{
	"SpineBase",
	"SpineMid",
	"Neck",
	"Head",
	"ShoulderLeft",
	"ElbowLeft",
	"WristLeft",
	"HandLeft",
	"ShoulderRight",
	"ElbowRight",
	"WristRight",
	"HandRight",
	"HipLeft",
	"KneeLeft",
	"AnkleLeft",
	"FootLeft",
	"HipRight",
	"KneeRight",
	"AnkleRight",
	"FootRight",
	"SpineShoulder",
	"HandTipLeft",
	"ThumbLeft",
	"HandTipRight",
	"ThumbRight",
}

var jointByName = func() map[string]JointType {
	m := make(map[string]JointType, JointCount)
	for i, name := range jointNames {
		m[name] = JointType(i)
	}
	return m
}()

// AllJoints returns every joint kind in enumeration order.
func AllJoints() []JointType {
	out := make([]JointType, JointCount)
	for i := range out {
		out[i] = JointType(i)
	}
	return out
}

// Valid reports whether j is one of the enumerated joint kinds.
func (j JointType) Valid() bool {
	return int(j) < JointCount
}

// String returns the SDK name of the joint, e.g. "SpineBase".
func (j JointType) String() string {
	if !j.Valid() {
		return fmt.Sprintf("JointType(%d)", uint8(j))
	}
	return jointNames[j]
}

// ParseJointType returns the joint kind with the given SDK name. Names
// are case-sensitive because they are also the published JSON keys.
func ParseJointType(name string) (JointType, error) {
	j, ok := jointByName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownJoint, name)
	}
	return j, nil
}
