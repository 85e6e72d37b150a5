package fusion

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// AxisCorrection is a fixed rotation composed onto a rig's anchor rotation
// to reconcile the rig's axis convention with the reference tracker's.
type AxisCorrection struct {
	Axis    r3.Vec  `json:"axis"`
	Degrees float64 `json:"degrees"`
}

// NoCorrection leaves the anchor rotation untouched.
var NoCorrection = AxisCorrection{}

// KinectCorrection turns depth-camera skeleton coordinates 90 degrees about
// the vertical (Y) axis into the reference tracker's convention.
var KinectCorrection = AxisCorrection{Axis: r3.Vec{Y: 1}, Degrees: 90}

// Rotation returns the correction as a unit quaternion.
func (c AxisCorrection) Rotation() quat.Number {
	if c.Degrees == 0 || r3.Norm(c.Axis) == 0 {
		return quat.Number{Real: 1}
	}
	return quat.Number(r3.NewRotation(c.Degrees*math.Pi/180, c.Axis))
}

// Transformer maps rig-local coordinates into the global frame. It holds no
// mutable state and is safe for concurrent use.
type Transformer struct {
	correction quat.Number
}

// NewTransformer returns a Transformer applying c on top of every anchor.
func NewTransformer(c AxisCorrection) Transformer {
	return Transformer{correction: c.Rotation()}
}

// Rotation returns the effective rig rotation: anchor rotation composed
// with the axis correction (the correction is applied first).
func (t Transformer) Rotation(anchor Pose) quat.Number {
	corr := t.correction
	if corr == (quat.Number{}) {
		corr = quat.Number{Real: 1}
	}
	return normalizeRotation(quat.Mul(normalizeRotation(anchor.Rotation), corr))
}

// GlobalOf rotates local by the effective rig rotation and then translates it
// by the anchor position.
func (t Transformer) GlobalOf(anchor Pose, local r3.Vec) r3.Vec {
	return rotateTranslate(t.Rotation(anchor), anchor.Position, local)
}

// GlobalRotation expresses a rig-local body rotation in the global frame.
func (t Transformer) GlobalRotation(anchor Pose, local quat.Number) quat.Number {
	return normalizeRotation(quat.Mul(t.Rotation(anchor), normalizeRotation(local)))
}

// GlobalOf applies anchor to local without any axis correction.
func GlobalOf(anchor Pose, local r3.Vec) r3.Vec {
	return rotateTranslate(normalizeRotation(anchor.Rotation), anchor.Position, local)
}

func rotateTranslate(rot quat.Number, translation, p r3.Vec) r3.Vec {
	return r3.Add(r3.Rotation(rot).Rotate(p), translation)
}
