package playback

import (
	"testing"
	"time"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/banshee-data/mocapfusion/internal/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type emission struct {
	elapsed int64
	at      time.Time
}

type harness struct {
	clock *timeutil.MockClock
	t0    time.Time
	sched *Scheduler
	out   chan emission
	ended chan struct{}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h := &harness{
		clock: timeutil.NewMockClock(t0),
		t0:    t0,
		out:   make(chan emission, 16),
		ended: make(chan struct{}),
	}
	h.sched = NewScheduler(h.clock, func(f *mocap.Frame) {
		h.out <- emission{elapsed: f.ElapsedMillis, at: h.clock.Now()}
	}, func() { close(h.ended) })
	t.Cleanup(func() { h.sched.Stop() })
	return h
}

func framesAt(elapsed ...int64) []*mocap.Frame {
	out := make([]*mocap.Frame, len(elapsed))
	for i, e := range elapsed {
		out[i] = &mocap.Frame{SourceID: "optitrack", AdapterType: mocap.AdapterOptiTrack, ElapsedMillis: e}
	}
	return out
}

func (h *harness) next(t *testing.T) emission {
	t.Helper()
	select {
	case e := <-h.out:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return emission{}
}

func (h *harness) armed(t *testing.T) {
	t.Helper()
	select {
	case <-h.clock.Armed():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for scheduler to wait on the clock")
	}
}

func (h *harness) assertNoEmission(t *testing.T) {
	t.Helper()
	select {
	case e := <-h.out:
		t.Fatalf("unexpected emission of frame at %dms", e.elapsed)
	default:
	}
}

// advanceTo steps the clock to one millisecond before the next deadline,
// checks nothing fired, then steps onto it.
func (h *harness) advanceTo(t *testing.T, gap time.Duration) emission {
	t.Helper()
	h.armed(t)
	h.clock.Advance(gap - time.Millisecond)
	require.Equal(t, 1, h.clock.PendingTimers(), "frame emitted early")
	h.clock.Advance(time.Millisecond)
	return h.next(t)
}

func (h *harness) waitEnded(t *testing.T) {
	t.Helper()
	select {
	case <-h.ended:
	case <-time.After(2 * time.Second):
		t.Fatal("end of sequence not reported")
	}
}

func TestSchedulerReproducesRecordedGaps(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(framesAt(0, 30, 80, 200))

	prev := h.next(t)
	assert.Equal(t, int64(0), prev.elapsed)
	assert.Equal(t, h.t0, prev.at)

	var gaps []time.Duration
	for _, want := range []time.Duration{30, 50, 120} {
		e := h.advanceTo(t, want*time.Millisecond)
		gaps = append(gaps, e.at.Sub(prev.at))
		prev = e
	}
	assert.Equal(t, []time.Duration{30 * time.Millisecond, 50 * time.Millisecond, 120 * time.Millisecond}, gaps)

	h.waitEnded(t)
	assert.Equal(t, StateFinished, h.sched.State())
	assert.Equal(t, uint64(4), h.sched.Position().Emitted)
}

func TestSchedulerJumpSkipsFrames(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(framesAt(0, 30, 80, 200))
	assert.Equal(t, int64(0), h.next(t).elapsed)
	h.armed(t)

	require.True(t, h.sched.Jump(80))
	e := h.next(t)
	assert.Equal(t, int64(80), e.elapsed, "frames at 0 and 30 are skipped")

	last := h.advanceTo(t, 120*time.Millisecond)
	assert.Equal(t, int64(200), last.elapsed)
	assert.Equal(t, 120*time.Millisecond, last.at.Sub(e.at))
	h.waitEnded(t)
}

func TestSchedulerJumpToOffsetBetweenFrames(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(framesAt(0, 30, 80, 200))
	h.next(t)
	h.armed(t)

	require.True(t, h.sched.Jump(31))
	assert.Equal(t, int64(80), h.next(t).elapsed)
}

func TestSchedulerJumpPastEndFinishes(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(framesAt(0, 30))
	h.next(t)
	h.armed(t)

	require.True(t, h.sched.Jump(1000))
	h.waitEnded(t)
	h.assertNoEmission(t)
	assert.Equal(t, StateFinished, h.sched.State())
}

func TestSchedulerPauseExcludesPausedTime(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(framesAt(0, 30, 80))
	h.next(t)
	h.armed(t)

	h.clock.Advance(10 * time.Millisecond)
	require.True(t, h.sched.Pause())
	assert.Equal(t, StatePaused, h.sched.State())
	assert.Zero(t, h.clock.PendingTimers())

	h.clock.Advance(time.Second)
	h.assertNoEmission(t)
	assert.Equal(t, 1, h.sched.Position().Cursor, "cursor kept while paused")

	require.True(t, h.sched.Resume())
	e := h.advanceTo(t, 20*time.Millisecond)
	assert.Equal(t, int64(30), e.elapsed)
	assert.Equal(t, 1030*time.Millisecond, e.at.Sub(h.t0))

	e = h.advanceTo(t, 50*time.Millisecond)
	assert.Equal(t, int64(80), e.elapsed)
	h.waitEnded(t)
}

func TestSchedulerJumpWhilePausedStaysPaused(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(framesAt(0, 30, 80))
	h.next(t)
	h.armed(t)
	require.True(t, h.sched.Pause())

	require.True(t, h.sched.Jump(30))
	assert.Equal(t, StatePaused, h.sched.State())
	h.assertNoEmission(t)

	h.clock.Advance(5 * time.Second)
	require.True(t, h.sched.Resume())
	assert.Equal(t, int64(30), h.next(t).elapsed)
	e := h.advanceTo(t, 50*time.Millisecond)
	assert.Equal(t, int64(80), e.elapsed)
}

func TestSchedulerStopReleasesFrames(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(framesAt(0, 30, 80))
	h.next(t)
	h.armed(t)

	require.True(t, h.sched.Stop())
	h.clock.Advance(time.Hour)
	h.assertNoEmission(t)

	assert.Equal(t, StateIdle, h.sched.State())
	assert.Zero(t, h.sched.Position().Total)
	assert.False(t, h.sched.Pause())
	assert.False(t, h.sched.Resume())
	assert.False(t, h.sched.Jump(0))
	assert.False(t, h.sched.Stop())

	select {
	case <-h.ended:
		t.Fatal("stop must not report end of sequence")
	default:
	}
}

func TestSchedulerInvalidCommandsWhenIdle(t *testing.T) {
	s := NewScheduler(nil, nil, nil)
	assert.False(t, s.Pause())
	assert.False(t, s.Resume())
	assert.False(t, s.Jump(10))
	assert.Equal(t, StateIdle, s.State())
}

func TestSchedulerOrdersFrames(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(framesAt(30, 0))
	assert.Equal(t, int64(0), h.next(t).elapsed)
	assert.Equal(t, int64(30), h.advanceTo(t, 30*time.Millisecond).elapsed)
}

func TestSchedulerEmptySequenceEndsImmediately(t *testing.T) {
	h := newHarness(t)
	h.sched.Start(nil)
	h.waitEnded(t)
	assert.Equal(t, StateFinished, h.sched.State())
}

func TestSchedulerRealClockPacing(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time pacing")
	}
	var at []time.Time
	ended := make(chan struct{})
	s := NewScheduler(timeutil.RealClock{}, func(*mocap.Frame) {
		at = append(at, time.Now())
	}, func() { close(ended) })
	s.Start(framesAt(0, 30, 80, 200))

	select {
	case <-ended:
	case <-time.After(5 * time.Second):
		t.Fatal("replay did not finish")
	}
	require.Len(t, at, 4)

	const tolerance = 25 * time.Millisecond
	for i, want := range []time.Duration{30, 50, 120} {
		gap := at[i+1].Sub(at[i])
		want *= time.Millisecond
		assert.GreaterOrEqual(t, gap, want-2*time.Millisecond, "gap %d", i)
		assert.LessOrEqual(t, gap, want+tolerance, "gap %d", i)
	}
}
