// Package fusion rewrites frames from auxiliary tracking rigs into the
// global coordinate system defined by the reference tracker.
package fusion

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// RotationNormTolerance is how far a rotation quaternion's norm may drift
// from 1 before a pose is rejected.
const RotationNormTolerance = 0.01

// Pose is the position and rotation of a rig in global coordinates at one
// point in time. It is a value type so a copy is never torn.
type Pose struct {
	Position   r3.Vec      `json:"position"`
	Rotation   quat.Number `json:"rotation"`
	ObservedAt time.Time   `json:"observed_at"`
}

// IdentityPose has no rotation and no translation.
func IdentityPose() Pose {
	return Pose{Rotation: quat.Number{Real: 1}}
}

// Validate checks that the pose is finite and its rotation is a unit
// quaternion (within RotationNormTolerance).
func (p Pose) Validate() error {
	for _, v := range []float64{p.Position.X, p.Position.Y, p.Position.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("pose position is not finite: %+v", p.Position)
		}
	}
	n := quat.Abs(p.Rotation)
	if math.IsNaN(n) || math.Abs(n-1) > RotationNormTolerance {
		return fmt.Errorf("pose rotation is not a unit quaternion (norm %.4f)", n)
	}
	return nil
}

// normalizeRotation returns q scaled to unit length. A zero or non-finite
// quaternion is treated as no rotation, which is how recorded bodies without
// an orientation arrive.
func normalizeRotation(q quat.Number) quat.Number {
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return quat.Number{Real: 1}
	}
	if n == 1 {
		return q
	}
	return quat.Scale(1/n, q)
}
