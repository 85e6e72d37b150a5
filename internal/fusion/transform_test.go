package fusion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

const eps = 1e-9

func assertVecInDelta(t *testing.T, want, got r3.Vec) {
	t.Helper()
	assert.InDelta(t, want.X, got.X, eps, "x")
	assert.InDelta(t, want.Y, got.Y, eps, "y")
	assert.InDelta(t, want.Z, got.Z, eps, "z")
}

func TestGlobalOfIdentityAnchor(t *testing.T) {
	points := []r3.Vec{
		{},
		{X: 1, Y: 2, Z: 3},
		{X: -3.2, Y: 4.0, Z: 5.657},
		{X: 1e6, Y: -1e-6, Z: 42},
	}
	for _, p := range points {
		assertVecInDelta(t, p, GlobalOf(IdentityPose(), p))
		assertVecInDelta(t, p, NewTransformer(NoCorrection).GlobalOf(IdentityPose(), p))
	}
}

func TestGlobalOfRotateThenTranslate(t *testing.T) {
	// 90 degrees about Z maps +X onto +Y; translation is applied afterwards.
	anchor := Pose{
		Position: r3.Vec{X: 10},
		Rotation: quat.Number(r3.NewRotation(math.Pi/2, r3.Vec{Z: 1})),
	}
	got := GlobalOf(anchor, r3.Vec{X: 1})
	assertVecInDelta(t, r3.Vec{X: 10, Y: 1}, got)
}

func TestZeroRotationTreatedAsIdentity(t *testing.T) {
	anchor := Pose{Position: r3.Vec{X: 1, Y: 1, Z: 1}}
	assertVecInDelta(t, r3.Vec{X: 2, Y: 3, Z: 4}, GlobalOf(anchor, r3.Vec{X: 1, Y: 2, Z: 3}))
}

func TestKinectCorrectionRotatesAboutVertical(t *testing.T) {
	tr := NewTransformer(KinectCorrection)
	tests := []struct {
		name  string
		local r3.Vec
		want  r3.Vec
	}{
		{"x axis goes to -z", r3.Vec{X: 1}, r3.Vec{Z: -1}},
		{"z axis goes to x", r3.Vec{Z: 1}, r3.Vec{X: 1}},
		{"y axis is fixed", r3.Vec{Y: 1}, r3.Vec{Y: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertVecInDelta(t, tt.want, tr.GlobalOf(IdentityPose(), tt.local))
		})
	}
}

func TestCorrectionComposesAfterAnchor(t *testing.T) {
	// Anchor yawed 90 degrees about Y plus the Kinect correction is a
	// half turn about Y in total.
	anchor := Pose{Rotation: quat.Number(r3.NewRotation(math.Pi/2, r3.Vec{Y: 1}))}
	tr := NewTransformer(KinectCorrection)
	assertVecInDelta(t, r3.Vec{X: -1, Y: 2, Z: -3}, tr.GlobalOf(anchor, r3.Vec{X: 1, Y: 2, Z: 3}))
}

func TestGlobalRotationComposes(t *testing.T) {
	tr := NewTransformer(NoCorrection)
	anchor := Pose{Rotation: quat.Number(r3.NewRotation(math.Pi/2, r3.Vec{Z: 1}))}
	local := quat.Number(r3.NewRotation(math.Pi/2, r3.Vec{Z: 1}))

	got := tr.GlobalRotation(anchor, local)
	want := quat.Number(r3.NewRotation(math.Pi, r3.Vec{Z: 1}))
	// q and -q describe the same rotation.
	if quat.Abs(quat.Sub(got, want)) > eps && quat.Abs(quat.Add(got, want)) > eps {
		t.Errorf("GlobalRotation = %v, want %v", got, want)
	}
}

func TestTransformerZeroValueIsUsable(t *testing.T) {
	var tr Transformer
	assertVecInDelta(t, r3.Vec{X: 1, Y: 2, Z: 3}, tr.GlobalOf(IdentityPose(), r3.Vec{X: 1, Y: 2, Z: 3}))
}

func TestPoseValidate(t *testing.T) {
	assert.NoError(t, IdentityPose().Validate())
	assert.Error(t, Pose{Rotation: quat.Number{Real: 2}}.Validate())
	assert.Error(t, Pose{Position: r3.Vec{X: math.NaN()}, Rotation: quat.Number{Real: 1}}.Validate())
	assert.Error(t, Pose{}.Validate(), "zero quaternion is not a rotation")
}
