package fusion

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/banshee-data/mocapfusion/internal/monitoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

func newTestPipeline() (*Pipeline, *Registry) {
	reg := NewRegistry()
	return NewPipeline(DefaultMergers(reg, testRigs, nil)), reg
}

func TestPipelineDropsUnanchoredRigFrames(t *testing.T) {
	defer monitoring.SetLogger(nil)()
	p, _ := newTestPipeline()

	var got []*mocap.Frame
	p.Attach(func(f *mocap.Frame) { got = append(got, f) })

	p.HandleFrame(kinectFrame(r3.Vec{X: 1}))
	p.HandleFrame(kinectFrame(r3.Vec{X: 2}))
	assert.Empty(t, got)
	assert.Equal(t, uint64(2), p.Stats().Unanchored)

	p.HandleFrame(referenceFrame(r3.Vec{X: 1, Y: 2, Z: 3}, quat.Number{Real: 1}))
	p.HandleFrame(kinectFrame(r3.Vec{X: 1}))
	require.Len(t, got, 2)
	assert.Equal(t, mocap.AdapterOptiTrack, got[0].AdapterType)
	assert.Equal(t, mocap.AdapterKinect, got[1].AdapterType)
}

func TestPipelineCountsMalformedAndUnrouted(t *testing.T) {
	p := NewPipeline(map[mocap.AdapterType]Merger{})
	p.HandleFrame(nil)
	p.HandleFrame(&mocap.Frame{AdapterType: mocap.AdapterKinect})
	p.HandleFrame(&mocap.Frame{SourceID: "leap-1", AdapterType: mocap.AdapterLeapMotion})

	stats := p.Stats()
	assert.Equal(t, uint64(3), stats.Received)
	assert.Equal(t, uint64(2), stats.Malformed)
	assert.Equal(t, uint64(1), stats.Unrouted)
	assert.Zero(t, stats.Forwarded)
}

func TestPipelineWithoutConsumerStillUpdatesAnchors(t *testing.T) {
	p, reg := newTestPipeline()
	p.HandleFrame(referenceFrame(r3.Vec{X: 4}, quat.Number{Real: 1}))

	pose, err := reg.Locate("kinect-1")
	require.NoError(t, err)
	assert.Equal(t, 4.0, pose.Position.X)
	assert.Zero(t, p.Stats().Forwarded)
}

// TestPipelineDetachWaitsForInFlightFrame checks that no consumer call
// happens after Detach returns.
func TestPipelineDetachWaitsForInFlightFrame(t *testing.T) {
	p, _ := newTestPipeline()

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	var detached atomic.Bool
	var lateCall atomic.Bool
	p.Attach(func(f *mocap.Frame) {
		if detached.Load() {
			lateCall.Store(true)
		}
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
	})

	go p.HandleFrame(referenceFrame(r3.Vec{}, quat.Number{Real: 1}))
	<-entered

	done := make(chan struct{})
	go func() {
		p.Detach()
		detached.Store(true)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Detach returned while a frame was in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done

	p.HandleFrame(referenceFrame(r3.Vec{}, quat.Number{Real: 1}))
	assert.Equal(t, int32(1), calls.Load())
	assert.False(t, lateCall.Load())
}

func TestPipelineConcurrentProducers(t *testing.T) {
	p, reg := newTestPipeline()
	require.NoError(t, reg.Update("kinect-1", IdentityPose()))
	require.NoError(t, reg.Update("leap-1", IdentityPose()))

	var count atomic.Int64
	p.Attach(func(*mocap.Frame) { count.Add(1) })

	var wg sync.WaitGroup
	producers := []func() *mocap.Frame{
		func() *mocap.Frame { return referenceFrame(r3.Vec{X: 1}, quat.Number{Real: 1}) },
		func() *mocap.Frame { return kinectFrame(r3.Vec{X: 1}) },
		func() *mocap.Frame {
			return &mocap.Frame{SourceID: "leap-1", AdapterType: mocap.AdapterLeapMotion, Bodies: []mocap.Body{{
				Type: mocap.BodyHand, Points: []mocap.Point{{Position: r3.Vec{Y: 1}}}, Payload: mocap.HandPayload(mocap.SideRight),
			}}}
		},
	}
	for _, mk := range producers {
		wg.Add(1)
		go func(mk func() *mocap.Frame) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				p.HandleFrame(mk())
			}
		}(mk)
	}
	wg.Wait()
	assert.Equal(t, int64(600), count.Load())
}
