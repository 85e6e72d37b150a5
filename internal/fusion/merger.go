package fusion

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Merger turns one raw frame from one source into a fused frame expressed
// in global coordinates. Implementations hold no per-frame state and are
// called concurrently from every producer.
type Merger interface {
	Merge(raw *mocap.Frame) (*mocap.Frame, error)
}

// ReferenceMerger handles frames from the reference tracker. Its frames are
// already global; bodies that mark a mounted rig are consumed to update the
// Registry and removed from the forwarded frame. A rig body with a zero or
// non-finite rotation makes the frame malformed and leaves the anchor
// unchanged; no orientation is assumed for it.
type ReferenceMerger struct {
	registry *Registry
	// rigs maps reference body name to the source id of the rig it tracks.
	rigs map[string]string
	now  func() time.Time
}

// NewReferenceMerger creates a ReferenceMerger. rigs maps the name of a
// reference-tracked body to the source id of the auxiliary rig it marks.
func NewReferenceMerger(registry *Registry, rigs map[string]string) *ReferenceMerger {
	m := make(map[string]string, len(rigs))
	for k, v := range rigs {
		m[k] = v
	}
	return &ReferenceMerger{registry: registry, rigs: m, now: time.Now}
}

// Merge implements Merger.
func (m *ReferenceMerger) Merge(raw *mocap.Frame) (*mocap.Frame, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	out := raw.Clone()
	bodies := out.Bodies
	out.Bodies = make([]mocap.Body, 0, len(bodies))
	for _, body := range bodies {
		sourceID, isRig := m.rigs[body.Name]
		if !isRig || body.Name == "" {
			out.Bodies = append(out.Bodies, body)
			continue
		}
		if !hasOrientation(body.Rotation) {
			return nil, fmt.Errorf("%w: rig body %q has no usable rotation", mocap.ErrMalformedFrame, body.Name)
		}
		pose := Pose{
			Position:   rigOrigin(body),
			Rotation:   normalizeRotation(body.Rotation),
			ObservedAt: m.now(),
		}
		if err := m.registry.Update(sourceID, pose); err != nil {
			return nil, fmt.Errorf("%w: rig body %q: %v", mocap.ErrMalformedFrame, body.Name, err)
		}
	}
	return out, nil
}

func hasOrientation(q quat.Number) bool {
	n := quat.Abs(q)
	return n != 0 && !math.IsNaN(n) && !math.IsInf(n, 0)
}

// rigOrigin is the tracked centroid of a rig body. Without one, the mean of
// the body's markers is used.
func rigOrigin(b mocap.Body) r3.Vec {
	if b.Payload.Kind == mocap.PayloadReference && b.Payload.Reference != nil {
		return b.Payload.Reference.Centroid
	}
	if len(b.Points) == 0 {
		return r3.Vec{}
	}
	var sum r3.Vec
	for _, p := range b.Points {
		sum = r3.Add(sum, p.Position)
	}
	return r3.Scale(1/float64(len(b.Points)), sum)
}

// RigMerger rewrites frames from an auxiliary rig using the rig's anchor
// pose. Frames that arrive before any anchor is known are dropped with
// ErrPoseUnavailable rather than fused against a made-up pose.
type RigMerger struct {
	registry  *Registry
	transform Transformer
}

// NewRigMerger creates a RigMerger applying correction on top of the anchor.
func NewRigMerger(registry *Registry, correction AxisCorrection) *RigMerger {
	return &RigMerger{registry: registry, transform: NewTransformer(correction)}
}

// Merge implements Merger.
func (m *RigMerger) Merge(raw *mocap.Frame) (*mocap.Frame, error) {
	if err := raw.Validate(); err != nil {
		return nil, err
	}
	anchor, err := m.registry.Locate(raw.SourceID)
	if err != nil {
		return nil, err
	}

	out := raw.Clone()
	for i := range out.Bodies {
		body := &out.Bodies[i]
		for j := range body.Points {
			body.Points[j].Position = m.transform.GlobalOf(anchor, body.Points[j].Position)
		}
		body.Rotation = m.transform.GlobalRotation(anchor, body.Rotation)
	}
	return out, nil
}

// DefaultMergers builds the merger set for the known adapter types. rigs is
// passed to the reference merger; corrections override the per-type axis
// correction (kinect defaults to KinectCorrection, others to none).
func DefaultMergers(registry *Registry, rigs map[string]string, corrections map[mocap.AdapterType]AxisCorrection) map[mocap.AdapterType]Merger {
	correction := func(t mocap.AdapterType, def AxisCorrection) AxisCorrection {
		if c, ok := corrections[t]; ok {
			return c
		}
		return def
	}
	return map[mocap.AdapterType]Merger{
		mocap.AdapterOptiTrack:  NewReferenceMerger(registry, rigs),
		mocap.AdapterKinect:     NewRigMerger(registry, correction(mocap.AdapterKinect, KinectCorrection)),
		mocap.AdapterLeapMotion: NewRigMerger(registry, correction(mocap.AdapterLeapMotion, NoCorrection)),
	}
}
