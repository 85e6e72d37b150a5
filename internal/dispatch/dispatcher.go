// Package dispatch fans fused frames out to a dynamic set of output sinks.
package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/banshee-data/mocapfusion/internal/monitoring"
	"github.com/google/uuid"
)

// Sink receives fused frames. OnFrame must not retain or modify the frame;
// the same value is delivered to every sink.
type Sink interface {
	Name() string
	OnFrame(frame *mocap.Frame) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc struct {
	Label string
	Fn    func(*mocap.Frame) error
}

func (s SinkFunc) Name() string                     { return s.Label }
func (s SinkFunc) OnFrame(frame *mocap.Frame) error { return s.Fn(frame) }

// SinkError records a failed delivery to one sink.
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

type registration struct {
	id   string
	sink Sink
}

// Dispatcher delivers every frame to every registered sink. The sink set is
// copy-on-write: Dispatch works on the snapshot current when it started, so
// Add and Remove never block on slow sinks.
type Dispatcher struct {
	mu    sync.Mutex // serialises writers of sinks
	sinks atomic.Pointer[[]registration]

	dispatched atomic.Uint64
	delivered  atomic.Uint64
	failed     atomic.Uint64
}

// New creates a Dispatcher with no sinks.
func New() *Dispatcher {
	d := &Dispatcher{}
	empty := []registration{}
	d.sinks.Store(&empty)
	return d
}

// Add registers sink and returns an id for Remove.
func (d *Dispatcher) Add(sink Sink) string {
	id := uuid.NewString()
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := *d.sinks.Load()
	next := make([]registration, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, registration{id: id, sink: sink})
	d.sinks.Store(&next)
	monitoring.Logf("[Dispatch] sink %s registered as %s (total: %d)", sink.Name(), id, len(next))
	return id
}

// Remove unregisters the sink with the given id. It reports whether a sink
// was removed.
func (d *Dispatcher) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := *d.sinks.Load()
	next := make([]registration, 0, len(cur))
	for _, r := range cur {
		if r.id != id {
			next = append(next, r)
		}
	}
	if len(next) == len(cur) {
		return false
	}
	d.sinks.Store(&next)
	return true
}

// Len returns the number of registered sinks.
func (d *Dispatcher) Len() int {
	return len(*d.sinks.Load())
}

// Dispatch delivers frame to every sink registered at call time. A sink that
// returns an error or panics is logged and skipped; the remaining sinks
// still receive the frame and nothing is returned to the producer. It
// returns the number of sinks that accepted the frame.
func (d *Dispatcher) Dispatch(frame *mocap.Frame) int {
	if frame == nil {
		return 0
	}
	d.dispatched.Add(1)
	ok := 0
	for _, r := range *d.sinks.Load() {
		if err := deliver(r.sink, frame); err != nil {
			d.failed.Add(1)
			monitoring.Logf("[Dispatch] %v", err)
			continue
		}
		d.delivered.Add(1)
		ok++
	}
	return ok
}

func deliver(sink Sink, frame *mocap.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SinkError{Sink: sink.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if e := sink.OnFrame(frame); e != nil {
		return &SinkError{Sink: sink.Name(), Err: e}
	}
	return nil
}

// Stats contains dispatcher counters.
type Stats struct {
	Sinks      int    `json:"sinks"`
	Dispatched uint64 `json:"dispatched"`
	Delivered  uint64 `json:"delivered"`
	Failed     uint64 `json:"failed"`
}

// Stats returns current dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sinks:      d.Len(),
		Dispatched: d.dispatched.Load(),
		Delivered:  d.delivered.Load(),
		Failed:     d.failed.Load(),
	}
}
