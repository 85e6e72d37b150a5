// Package mocap defines the canonical motion-capture data model shared by
// every stage of the fusion pipeline: points, bodies and frames.
package mocap

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// ErrMalformedFrame is returned when a raw frame is missing the structure a
// merger needs (source id, known adapter type, finite positions).
var ErrMalformedFrame = errors.New("malformed frame")

// AdapterType identifies the family of tracker that produced a frame.
type AdapterType int

const (
	AdapterUnknown AdapterType = iota
	// AdapterOptiTrack is the optical reference tracker. Its frame defines
	// the global coordinate system.
	AdapterOptiTrack
	// AdapterKinect is a depth-camera skeleton rig.
	AdapterKinect
	// AdapterLeapMotion is a hand-tracking rig.
	AdapterLeapMotion
)

// String returns the wire name of the adapter type.
func (a AdapterType) String() string {
	switch a {
	case AdapterOptiTrack:
		return "optitrack"
	case AdapterKinect:
		return "kinect"
	case AdapterLeapMotion:
		return "leapmotion"
	case AdapterUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("AdapterType(%d)", int(a))
	}
}

// ParseAdapterType maps a configured adapter name onto an AdapterType.
func ParseAdapterType(s string) (AdapterType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "optitrack":
		return AdapterOptiTrack, nil
	case "kinect":
		return AdapterKinect, nil
	case "leapmotion", "leap":
		return AdapterLeapMotion, nil
	default:
		return AdapterUnknown, fmt.Errorf("unknown adapter type %q", s)
	}
}

func (a AdapterType) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AdapterType) UnmarshalText(b []byte) error {
	if s := string(b); s == "" || s == "unknown" {
		*a = AdapterUnknown
		return nil
	}
	t, err := ParseAdapterType(string(b))
	if err != nil {
		return err
	}
	*a = t
	return nil
}

// BodyType classifies the structure of a Body.
type BodyType int

const (
	BodyMarker BodyType = iota
	BodyMarkerSet
	BodyRigidBody
	BodySkeleton
	BodyHand
)

var bodyTypeNames = [...]string{
	BodyMarker:    "marker",
	BodyMarkerSet: "markerset",
	BodyRigidBody: "rigidbody",
	BodySkeleton:  "skeleton",
	BodyHand:      "hand",
}

func (b BodyType) String() string {
	if b < 0 || int(b) >= len(bodyTypeNames) {
		return fmt.Sprintf("BodyType(%d)", int(b))
	}
	return bodyTypeNames[b]
}

func (b BodyType) valid() bool {
	return b >= 0 && int(b) < len(bodyTypeNames)
}

func (b BodyType) MarshalText() ([]byte, error) {
	if !b.valid() {
		return nil, fmt.Errorf("invalid body type %d", int(b))
	}
	return []byte(b.String()), nil
}

func (b *BodyType) UnmarshalText(text []byte) error {
	s := strings.ToLower(string(text))
	for i, name := range bodyTypeNames {
		if name == s {
			*b = BodyType(i)
			return nil
		}
	}
	return fmt.Errorf("unknown body type %q", string(text))
}

// Side designates the hand a hand-rig body belongs to.
type Side string

const (
	SideNone  Side = ""
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// PayloadKind is the discriminant of BodyPayload.
type PayloadKind string

const (
	PayloadNone      PayloadKind = ""
	PayloadReference PayloadKind = "reference"
	PayloadSkeleton  PayloadKind = "skeleton"
	PayloadHand      PayloadKind = "hand"
)

// ReferenceInfo carries what the reference tracker knows about a rigid body.
// Centroid is the tracked origin of the body in global coordinates.
type ReferenceInfo struct {
	ID       int    `json:"id"`
	Centroid r3.Vec `json:"centroid"`
}

// SkeletonInfo carries skeleton-rig specific fields.
type SkeletonInfo struct {
	TrackingID int `json:"tracking_id"`
}

// HandInfo carries hand-rig specific fields.
type HandInfo struct {
	Side       Side    `json:"side"`
	Confidence float64 `json:"confidence,omitempty"`
}

// BodyPayload is a tagged union of source-specific body metadata. Exactly the
// field matching Kind is set.
type BodyPayload struct {
	Kind      PayloadKind    `json:"kind,omitempty"`
	Reference *ReferenceInfo `json:"reference,omitempty"`
	Skeleton  *SkeletonInfo  `json:"skeleton,omitempty"`
	Hand      *HandInfo      `json:"hand,omitempty"`
}

// ReferencePayload builds a reference tracker payload.
func ReferencePayload(id int, centroid r3.Vec) BodyPayload {
	return BodyPayload{Kind: PayloadReference, Reference: &ReferenceInfo{ID: id, Centroid: centroid}}
}

// SkeletonPayload builds a skeleton rig payload.
func SkeletonPayload(trackingID int) BodyPayload {
	return BodyPayload{Kind: PayloadSkeleton, Skeleton: &SkeletonInfo{TrackingID: trackingID}}
}

// HandPayload builds a hand rig payload.
func HandPayload(side Side) BodyPayload {
	return BodyPayload{Kind: PayloadHand, Hand: &HandInfo{Side: side}}
}

func (p BodyPayload) validate() error {
	set := 0
	if p.Reference != nil {
		set++
	}
	if p.Skeleton != nil {
		set++
	}
	if p.Hand != nil {
		set++
	}
	switch p.Kind {
	case PayloadNone:
		if set != 0 {
			return fmt.Errorf("payload without kind carries %d variants", set)
		}
	case PayloadReference:
		if p.Reference == nil || set != 1 {
			return fmt.Errorf("reference payload mismatch")
		}
	case PayloadSkeleton:
		if p.Skeleton == nil || set != 1 {
			return fmt.Errorf("skeleton payload mismatch")
		}
	case PayloadHand:
		if p.Hand == nil || set != 1 {
			return fmt.Errorf("hand payload mismatch")
		}
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

func (p BodyPayload) clone() BodyPayload {
	out := BodyPayload{Kind: p.Kind}
	if p.Reference != nil {
		r := *p.Reference
		out.Reference = &r
	}
	if p.Skeleton != nil {
		s := *p.Skeleton
		out.Skeleton = &s
	}
	if p.Hand != nil {
		h := *p.Hand
		out.Hand = &h
	}
	return out
}

// Point is a single tracked position in meters.
type Point struct {
	Position r3.Vec `json:"position"`
	Name     string `json:"name,omitempty"`
	State    string `json:"state,omitempty"`
}

// Body is a typed collection of points with a global rotation.
type Body struct {
	Type     BodyType    `json:"type"`
	Name     string      `json:"name,omitempty"`
	Points   []Point     `json:"points"`
	Rotation quat.Number `json:"rotation"`
	Payload  BodyPayload `json:"payload"`
}

// Frame is one capture from one source. ElapsedMillis is relative to the
// start of the session the frame belongs to.
type Frame struct {
	SourceID      string      `json:"source_id"`
	AdapterType   AdapterType `json:"adapter_type"`
	ElapsedMillis int64       `json:"elapsed_millis"`
	Bodies        []Body      `json:"bodies"`
	LatencyMillis int64       `json:"latency_millis,omitempty"`
	Gesture       string      `json:"gesture,omitempty"`
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	out := *f
	out.Bodies = make([]Body, len(f.Bodies))
	for i, b := range f.Bodies {
		nb := b
		nb.Points = append([]Point(nil), b.Points...)
		nb.Payload = b.Payload.clone()
		out.Bodies[i] = nb
	}
	return &out
}

// PointCount returns the total number of points over all bodies.
func (f *Frame) PointCount() int {
	n := 0
	for _, b := range f.Bodies {
		n += len(b.Points)
	}
	return n
}

// Validate reports ErrMalformedFrame if the frame cannot be merged.
func (f *Frame) Validate() error {
	if f == nil {
		return fmt.Errorf("%w: nil frame", ErrMalformedFrame)
	}
	if f.SourceID == "" {
		return fmt.Errorf("%w: missing source id", ErrMalformedFrame)
	}
	if f.AdapterType == AdapterUnknown {
		return fmt.Errorf("%w: unknown adapter type from %s", ErrMalformedFrame, f.SourceID)
	}
	if f.ElapsedMillis < 0 {
		return fmt.Errorf("%w: negative elapsed time %d", ErrMalformedFrame, f.ElapsedMillis)
	}
	for i, b := range f.Bodies {
		if !b.Type.valid() {
			return fmt.Errorf("%w: body %d has invalid type %d", ErrMalformedFrame, i, int(b.Type))
		}
		if err := b.Payload.validate(); err != nil {
			return fmt.Errorf("%w: body %d: %v", ErrMalformedFrame, i, err)
		}
		for j, p := range b.Points {
			if !finite(p.Position) {
				return fmt.Errorf("%w: body %d point %d is not finite", ErrMalformedFrame, i, j)
			}
		}
	}
	return nil
}

func finite(v r3.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsNaN(v.Y) && !math.IsNaN(v.Z) &&
		!math.IsInf(v.X, 0) && !math.IsInf(v.Y, 0) && !math.IsInf(v.Z, 0)
}

// DecodeFrame parses a JSON encoded frame and validates it.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}
