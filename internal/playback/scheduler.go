// Package playback replays recorded sessions with their original pacing.
package playback

import (
	"cmp"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/banshee-data/mocapfusion/internal/timeutil"
)

// State is the scheduler's run state.
type State int

const (
	StateIdle State = iota
	StateRunning
	StatePaused
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// Scheduler emits a loaded frame sequence so that the wall-clock gap between
// emissions matches the gap between recorded elapsed times. Each frame is
// due at anchorWall + (elapsed - anchorElapsed); the anchor is reset on
// start and jump and shifted by the paused duration on resume, so pacing
// never drifts and paused time is excluded.
//
// The pacing loop runs on its own goroutine. Control calls stop that
// goroutine and wait for it before changing position, so once Pause, Jump
// or Stop return no further frame from the previous run is emitted.
type Scheduler struct {
	clock timeutil.Clock
	emit  func(*mocap.Frame)
	onEnd func()

	ctl sync.Mutex // serialises control calls

	mu            sync.Mutex // guards the fields below
	frames        []*mocap.Frame
	cursor        int
	state         State
	anchorWall    time.Time
	anchorElapsed int64
	pausedAt      time.Time
	emitted       uint64

	cancel chan struct{}
	done   chan struct{}
}

// NewScheduler creates a scheduler that hands each due frame to emit.
// onEnd, if set, runs on the pacing goroutine after the last frame has been
// emitted and the scheduler has marked itself finished.
func NewScheduler(clock timeutil.Clock, emit func(*mocap.Frame), onEnd func()) *Scheduler {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Scheduler{clock: clock, emit: emit, onEnd: onEnd}
}

// Start loads frames and begins emission from the first one, replacing any
// sequence already loaded. Frames are ordered by elapsed time.
func (s *Scheduler) Start(frames []*mocap.Frame) {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.halt()

	ordered := slices.Clone(frames)
	slices.SortStableFunc(ordered, func(a, b *mocap.Frame) int {
		return cmp.Compare(a.ElapsedMillis, b.ElapsedMillis)
	})

	s.mu.Lock()
	s.frames = ordered
	s.cursor = 0
	s.emitted = 0
	s.resetAnchorLocked()
	s.mu.Unlock()

	log.Printf("[Playback] starting replay of %d frames", len(ordered))
	s.launch()
}

// Pause stops emission and keeps the cursor. It reports whether the
// scheduler was running.
func (s *Scheduler) Pause() bool {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if s.State() != StateRunning {
		return false
	}
	s.halt()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		// reached the end while halting
		return false
	}
	s.state = StatePaused
	s.pausedAt = s.clock.Now()
	log.Printf("[Playback] paused at frame %d/%d", s.cursor, len(s.frames))
	return true
}

// Resume continues emission from the paused cursor. It reports whether the
// scheduler was paused.
func (s *Scheduler) Resume() bool {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.mu.Lock()
	if s.state != StatePaused {
		s.mu.Unlock()
		return false
	}
	s.anchorWall = s.anchorWall.Add(s.clock.Since(s.pausedAt))
	s.state = StateRunning
	log.Printf("[Playback] resuming at frame %d/%d", s.cursor, len(s.frames))
	s.mu.Unlock()

	s.launch()
	return true
}

// Jump moves the cursor to the first frame whose elapsed time is at least
// offsetMillis. Skipped frames are not emitted. A running scheduler keeps
// running from the new position; a paused one stays paused there. It
// reports whether a sequence was active.
func (s *Scheduler) Jump(offsetMillis int64) bool {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	wasRunning := false
	switch s.State() {
	case StateRunning:
		wasRunning = true
		s.halt()
	case StatePaused:
	default:
		return false
	}

	s.mu.Lock()
	if s.state == StateFinished {
		s.mu.Unlock()
		return false
	}
	s.cursor = sort.Search(len(s.frames), func(i int) bool {
		return s.frames[i].ElapsedMillis >= offsetMillis
	})
	s.resetAnchorLocked()
	if s.cursor == len(s.frames) {
		s.anchorElapsed = offsetMillis
	}
	if !wasRunning {
		s.pausedAt = s.anchorWall
	}
	log.Printf("[Playback] jump to %dms -> frame %d/%d", offsetMillis, s.cursor, len(s.frames))
	s.mu.Unlock()

	if wasRunning {
		s.launch()
	}
	return true
}

// Stop halts emission and releases the loaded frames. It reports whether a
// sequence was running or paused.
func (s *Scheduler) Stop() bool {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	s.halt()

	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.state == StateRunning || s.state == StatePaused
	s.frames = nil
	s.cursor = 0
	s.state = StateIdle
	return active
}

// State returns the current run state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Position describes replay progress.
type Position struct {
	State         string `json:"state"`
	Cursor        int    `json:"cursor"`
	Total         int    `json:"total"`
	ElapsedMillis int64  `json:"elapsed_ms"`
	Emitted       uint64 `json:"emitted"`
}

// Position returns the cursor and the elapsed time of the next frame due.
func (s *Scheduler) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := Position{
		State:   s.state.String(),
		Cursor:  s.cursor,
		Total:   len(s.frames),
		Emitted: s.emitted,
	}
	if s.cursor < len(s.frames) {
		p.ElapsedMillis = s.frames[s.cursor].ElapsedMillis
	} else if n := len(s.frames); n > 0 {
		p.ElapsedMillis = s.frames[n-1].ElapsedMillis
	}
	return p
}

func (s *Scheduler) resetAnchorLocked() {
	s.anchorWall = s.clock.Now()
	s.anchorElapsed = 0
	if s.cursor < len(s.frames) {
		s.anchorElapsed = s.frames[s.cursor].ElapsedMillis
	}
}

// launch starts a pacing goroutine. Caller holds ctl.
func (s *Scheduler) launch() {
	cancel := make(chan struct{})
	done := make(chan struct{})

	s.mu.Lock()
	s.state = StateRunning
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.run(cancel, done)
}

// halt stops the pacing goroutine, if any, and waits for it to exit.
// Caller holds ctl.
func (s *Scheduler) halt() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	close(cancel)
	<-done
}

func (s *Scheduler) run(cancel <-chan struct{}, done chan<- struct{}) {
	finished := s.loop(cancel)
	close(done)
	if finished {
		log.Printf("[Playback] replay complete")
		if s.onEnd != nil {
			s.onEnd()
		}
	}
}

// loop emits frames until the sequence ends (true) or cancel closes (false).
func (s *Scheduler) loop(cancel <-chan struct{}) bool {
	for {
		s.mu.Lock()
		if s.cursor >= len(s.frames) {
			s.state = StateFinished
			s.mu.Unlock()
			return true
		}
		frame := s.frames[s.cursor]
		due := s.anchorWall.Add(time.Duration(frame.ElapsedMillis-s.anchorElapsed) * time.Millisecond)
		s.mu.Unlock()

		if wait := due.Sub(s.clock.Now()); wait > 0 {
			timer := s.clock.NewTimer(wait)
			select {
			case <-cancel:
				timer.Stop()
				return false
			case <-timer.C():
			}
		}

		select {
		case <-cancel:
			return false
		default:
		}

		if s.emit != nil {
			s.emit(frame)
		}

		s.mu.Lock()
		s.cursor++
		s.emitted++
		s.mu.Unlock()
	}
}
