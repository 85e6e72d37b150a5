// Package session implements the record/playback state machine that decides
// where fused frames come from and where they are archived.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/banshee-data/mocapfusion/internal/playback"
	"github.com/banshee-data/mocapfusion/internal/storage"
	"github.com/banshee-data/mocapfusion/internal/timeutil"
)

var (
	// ErrInvalidTransition is returned when an operation is not valid in the
	// controller's current mode. The controller is left unchanged.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrSessionEmpty is returned when a playback window holds no frames.
	ErrSessionEmpty = errors.New("session has no frames in the requested window")
	// ErrUnknownSource is returned when playback names a storage source that
	// is not configured.
	ErrUnknownSource = errors.New("unknown storage source")
	// ErrNoRecordStore is returned by StartRecord when no store accepts
	// recordings.
	ErrNoRecordStore = errors.New("no record store configured")
)

// Mode is the controller state.
type Mode int

const (
	ModeWaiting Mode = iota
	ModeRecording
	ModePlaying
	ModePaused
)

func (m Mode) String() string {
	switch m {
	case ModeWaiting:
		return "waiting"
	case ModeRecording:
		return "recording"
	case ModePlaying:
		return "playing"
	case ModePaused:
		return "paused"
	}
	return "unknown"
}

// MarshalText encodes the mode name for JSON status output.
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *Mode) UnmarshalText(b []byte) error {
	for _, candidate := range []Mode{ModeWaiting, ModeRecording, ModePlaying, ModePaused} {
		if candidate.String() == string(b) {
			*m = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown mode %q", string(b))
}

// LiveFeed is the source of live fused frames. Detach must not return while
// a frame is still being handed to the attached function.
type LiveFeed interface {
	Attach(fn func(*mocap.Frame))
	Detach()
}

// Output receives frames while recording or playing.
type Output interface {
	Dispatch(frame *mocap.Frame) int
}

// Options configures a Controller.
type Options struct {
	Sources  *storage.Sources
	RecordTo string // name of the store recordings are written to
	Live     LiveFeed
	Output   Output
	Clock    timeutil.Clock
	NewName  func(time.Time) string
}

// Controller owns the Waiting/Recording/Playing/Paused state machine. At
// most one of recording and playback is active at any time; starting one
// stops the other first.
type Controller struct {
	sources  *storage.Sources
	recorder storage.Store
	live     LiveFeed
	output   Output
	clock    timeutil.Clock
	newName  func(time.Time) string

	mu      sync.Mutex
	mode    Mode
	rec     *recording
	sched   *playback.Scheduler
	playing storage.SessionMetadata
}

// NewController validates opts and returns a controller in ModeWaiting.
func NewController(opts Options) (*Controller, error) {
	if opts.Sources == nil {
		opts.Sources = storage.NewSources()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.NewName == nil {
		opts.NewName = NewName
	}
	c := &Controller{
		sources: opts.Sources,
		live:    opts.Live,
		output:  opts.Output,
		clock:   opts.Clock,
		newName: opts.NewName,
	}
	if opts.RecordTo != "" {
		st, ok := opts.Sources.Get(opts.RecordTo)
		if !ok {
			return nil, fmt.Errorf("%w: record_to %q", ErrUnknownSource, opts.RecordTo)
		}
		c.recorder = st
	}
	return c, nil
}

// Mode returns the current mode.
func (c *Controller) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Controller) invalid(op string) error {
	log.Printf("[Session] WARNING: %s ignored while %s", op, c.mode)
	return fmt.Errorf("%w: %s while %s", ErrInvalidTransition, op, c.mode)
}

// StartRecord begins a new session and archives live fused frames to it.
// Playback is stopped first. If already recording, the current session is
// returned unchanged.
func (c *Controller) StartRecord(ctx context.Context) (storage.SessionMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.mode {
	case ModeRecording:
		log.Printf("[Session] WARNING: already recording %s", c.rec.meta().Name)
		return c.rec.meta(), nil
	case ModePlaying, ModePaused:
		c.stopPlaybackLocked()
	}

	if c.recorder == nil {
		return storage.SessionMetadata{}, ErrNoRecordStore
	}

	now := c.clock.Now()
	meta := storage.SessionMetadata{
		Name:      c.newName(now),
		Source:    c.recorder.Name(),
		StartedAt: now,
	}
	if err := c.recorder.BeginSession(ctx, meta); err != nil {
		return storage.SessionMetadata{}, fmt.Errorf("begin session %s: %w", meta.Name, err)
	}

	c.rec = newRecording(meta, c.recorder, c.output, c.clock)
	if c.live != nil {
		c.live.Attach(c.rec.handle)
	}
	c.mode = ModeRecording
	log.Printf("[Session] recording %s to %s", meta.Name, meta.Source)
	return meta, nil
}

// StopRecord closes the active session and returns its metadata.
func (c *Controller) StopRecord(ctx context.Context) (storage.SessionMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModeRecording {
		return storage.SessionMetadata{}, c.invalid("stop record")
	}
	return c.stopRecordLocked(ctx)
}

func (c *Controller) stopRecordLocked(ctx context.Context) (storage.SessionMetadata, error) {
	rec := c.rec
	if c.live != nil {
		c.live.Detach()
	}
	c.rec = nil
	c.mode = ModeWaiting

	meta := rec.meta()
	meta.FinishedAt = c.clock.Now()
	if err := c.recorder.FinishSession(ctx, meta.Name, meta.FinishedAt); err != nil {
		log.Printf("[Session] finishing %s: %v", meta.Name, err)
		return meta, fmt.Errorf("finish session %s: %w", meta.Name, err)
	}
	log.Printf("[Session] stopped recording %s: %d frames, %dms", meta.Name, meta.FrameCount, meta.DurationMillis)
	return meta, nil
}

// StartPlayback loads the [startMillis, endMillis] window of the named
// session from source and replays it. A negative endMillis means to the end
// of the session. Recording or an earlier playback is stopped first. If the
// load fails or produces no frames the controller is left in ModeWaiting.
func (c *Controller) StartPlayback(ctx context.Context, source, name string, startMillis, endMillis int64) (storage.SessionMetadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.mode {
	case ModeRecording:
		if _, err := c.stopRecordLocked(ctx); err != nil {
			log.Printf("[Session] continuing to playback after record error: %v", err)
		}
	case ModePlaying, ModePaused:
		c.stopPlaybackLocked()
	}

	store, ok := c.sources.Get(source)
	if !ok {
		return storage.SessionMetadata{}, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	if startMillis < 0 {
		startMillis = 0
	}
	sess, err := store.LoadSession(ctx, name, startMillis, endMillis)
	if err != nil {
		return storage.SessionMetadata{}, fmt.Errorf("load %s/%s: %w", source, name, err)
	}
	if len(sess.Frames) == 0 {
		log.Printf("[Session] WARNING: %s/%s has no frames in [%d, %d]", source, name, startMillis, endMillis)
		return sess.SessionMetadata, fmt.Errorf("%w: %s", ErrSessionEmpty, name)
	}

	meta := sess.SessionMetadata
	meta.FrameCount = len(sess.Frames)
	meta.DurationMillis = sess.Frames[len(sess.Frames)-1].ElapsedMillis - sess.Frames[0].ElapsedMillis

	var sched *playback.Scheduler
	sched = playback.NewScheduler(c.clock, c.emit, func() { c.playbackEnded(sched) })
	c.sched = sched
	c.playing = meta
	c.mode = ModePlaying
	sched.Start(sess.Frames)

	log.Printf("[Session] playing %s/%s: %d frames", source, name, meta.FrameCount)
	return meta, nil
}

func (c *Controller) emit(frame *mocap.Frame) {
	if c.output != nil {
		c.output.Dispatch(frame)
	}
}

// playbackEnded runs on the scheduler goroutine once sched has emitted its
// last frame. A scheduler that has since been replaced or stopped is
// ignored.
func (c *Controller) playbackEnded(sched *playback.Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sched != sched {
		return
	}
	log.Printf("[Session] playback of %s finished", c.playing.Name)
	c.sched = nil
	c.playing = storage.SessionMetadata{}
	c.mode = ModeWaiting
	sched.Stop()
}

// PausePlayback freezes playback at its current position.
func (c *Controller) PausePlayback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModePlaying {
		return c.invalid("pause")
	}
	if !c.sched.Pause() {
		// the last frame went out while we were pausing
		return c.invalid("pause")
	}
	c.mode = ModePaused
	return nil
}

// ResumePlayback continues a paused playback from its frozen position.
func (c *Controller) ResumePlayback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModePaused {
		return c.invalid("resume")
	}
	c.sched.Resume()
	c.mode = ModePlaying
	return nil
}

// StopPlayback stops playback and discards its position.
func (c *Controller) StopPlayback() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModePlaying && c.mode != ModePaused {
		return c.invalid("stop playback")
	}
	c.stopPlaybackLocked()
	return nil
}

func (c *Controller) stopPlaybackLocked() {
	sched := c.sched
	c.sched = nil
	c.playing = storage.SessionMetadata{}
	c.mode = ModeWaiting
	if sched != nil {
		sched.Stop()
	}
	log.Printf("[Session] playback stopped")
}

// JumpPlayback moves playback to the first frame at or after offsetMillis.
// A paused playback stays paused at the new position.
func (c *Controller) JumpPlayback(offsetMillis int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mode != ModePlaying && c.mode != ModePaused {
		return c.invalid("jump")
	}
	if offsetMillis < 0 {
		offsetMillis = 0
	}
	if !c.sched.Jump(offsetMillis) {
		return c.invalid("jump")
	}
	return nil
}

// Exit stops whichever of recording or playback is active. It is safe to
// call more than once.
func (c *Controller) Exit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var err error
	switch c.mode {
	case ModeRecording:
		_, err = c.stopRecordLocked(ctx)
	case ModePlaying, ModePaused:
		c.stopPlaybackLocked()
	}
	return err
}

// Status is a point-in-time view of the controller.
type Status struct {
	Mode      Mode                     `json:"mode"`
	Recording *storage.SessionMetadata `json:"recording,omitempty"`
	Playback  *storage.SessionMetadata `json:"playback,omitempty"`
	Position  *playback.Position       `json:"position,omitempty"`
}

// Status returns the current mode and the active session, if any.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{Mode: c.mode}
	if c.rec != nil {
		meta := c.rec.meta()
		st.Recording = &meta
	}
	if c.sched != nil {
		meta := c.playing
		pos := c.sched.Position()
		st.Playback = &meta
		st.Position = &pos
	}
	return st
}

// recording archives live frames for one session. It is driven by the live
// feed's goroutines and never takes the controller lock.
type recording struct {
	store  storage.Writer
	output Output
	clock  timeutil.Clock

	mu          sync.Mutex
	session     storage.SessionMetadata
	lastElapsed int64
	appendErrs  int
}

func newRecording(meta storage.SessionMetadata, store storage.Writer, output Output, clock timeutil.Clock) *recording {
	return &recording{store: store, output: output, clock: clock, session: meta}
}

func (r *recording) meta() storage.SessionMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// handle re-stamps frame relative to the session start, archives it and
// forwards it to the output.
func (r *recording) handle(frame *mocap.Frame) {
	out := frame.Clone()

	r.mu.Lock()
	elapsed := r.clock.Since(r.session.StartedAt).Milliseconds()
	if elapsed < r.lastElapsed {
		elapsed = r.lastElapsed
	}
	r.lastElapsed = elapsed
	out.ElapsedMillis = elapsed

	if err := r.store.AppendFrame(context.Background(), r.session.Name, out); err != nil {
		r.appendErrs++
		if r.appendErrs == 1 || r.appendErrs%100 == 0 {
			log.Printf("[Session] append to %s failed (%d so far): %v", r.session.Name, r.appendErrs, err)
		}
	} else {
		r.session.FrameCount++
		r.session.DurationMillis = elapsed
	}
	r.mu.Unlock()

	if r.output != nil {
		r.output.Dispatch(out)
	}
}
