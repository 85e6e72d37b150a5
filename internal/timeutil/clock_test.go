package timeutil

import (
	"testing"
	"time"
)

func TestRealClockTimerFires(t *testing.T) {
	var c Clock = RealClock{}
	start := c.Now()
	timer := c.NewTimer(5 * time.Millisecond)
	select {
	case <-timer.C():
	case <-time.After(time.Second):
		t.Fatal("real timer did not fire")
	}
	if c.Since(start) < 5*time.Millisecond {
		t.Errorf("timer fired early after %v", c.Since(start))
	}
}

func TestMockClockAdvanceFiresExpiredTimers(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(base)

	short := c.NewTimer(30 * time.Millisecond)
	long := c.NewTimer(80 * time.Millisecond)
	if got := c.PendingTimers(); got != 2 {
		t.Fatalf("PendingTimers = %d, want 2", got)
	}

	c.Advance(30 * time.Millisecond)
	select {
	case got := <-short.C():
		if !got.Equal(base.Add(30 * time.Millisecond)) {
			t.Errorf("fired at %v", got)
		}
	default:
		t.Fatal("short timer should have fired")
	}
	select {
	case <-long.C():
		t.Fatal("long timer fired early")
	default:
	}
	if got := c.PendingTimers(); got != 1 {
		t.Errorf("PendingTimers = %d, want 1", got)
	}

	if !long.Stop() {
		t.Error("Stop on pending timer should report active")
	}
	c.Advance(time.Second)
	select {
	case <-long.C():
		t.Fatal("stopped timer fired")
	default:
	}
	if got := c.PendingTimers(); got != 0 {
		t.Errorf("PendingTimers = %d, want 0", got)
	}
}

func TestMockClockZeroDurationFiresImmediately(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	timer := c.NewTimer(0)
	select {
	case <-timer.C():
	default:
		t.Fatal("zero duration timer should fire on creation")
	}
	select {
	case <-c.Armed():
	default:
		t.Fatal("Armed not signalled")
	}
	if c.Since(time.Unix(0, 0)) != 0 {
		t.Error("mock clock moved without Advance")
	}
}
