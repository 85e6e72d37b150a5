package fusion

import (
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/banshee-data/mocapfusion/internal/monitoring"
)

// Pipeline receives raw frames from every input source, routes each to the
// merger for its adapter type and hands the fused frame to the attached
// consumer. With no consumer attached frames are still merged, so the
// reference tracker keeps the anchor registry current, but nothing is
// forwarded.
type Pipeline struct {
	mergers map[mocap.AdapterType]Merger

	// mu guards consumer. HandleFrame holds the read lock while the consumer
	// runs, so Detach returning means no fused frame is still in flight.
	mu       sync.RWMutex
	consumer func(*mocap.Frame)

	unanchoredWarned sync.Map

	received   atomic.Uint64
	forwarded  atomic.Uint64
	unanchored atomic.Uint64
	malformed  atomic.Uint64
	unrouted   atomic.Uint64
}

// NewPipeline creates a Pipeline using the given mergers.
func NewPipeline(mergers map[mocap.AdapterType]Merger) *Pipeline {
	m := make(map[mocap.AdapterType]Merger, len(mergers))
	for k, v := range mergers {
		m[k] = v
	}
	return &Pipeline{mergers: m}
}

// Attach installs fn as the consumer of fused frames, replacing any
// previous consumer.
func (p *Pipeline) Attach(fn func(*mocap.Frame)) {
	p.mu.Lock()
	p.consumer = fn
	p.mu.Unlock()
}

// Detach removes the consumer. It blocks until any consumer call already in
// progress has returned.
func (p *Pipeline) Detach() {
	p.mu.Lock()
	p.consumer = nil
	p.mu.Unlock()
}

// HandleFrame is the frame-available callback for input sources. It is safe
// to call concurrently from any number of producers and never panics on bad
// input.
func (p *Pipeline) HandleFrame(raw *mocap.Frame) {
	p.received.Add(1)
	if err := raw.Validate(); err != nil {
		p.malformed.Add(1)
		log.Printf("[Fusion] dropping frame: %v", err)
		return
	}

	merger, ok := p.mergers[raw.AdapterType]
	if !ok {
		p.unrouted.Add(1)
		monitoring.Logf("[Fusion] no merger for %s frames from %s", raw.AdapterType, raw.SourceID)
		return
	}

	fused, err := merger.Merge(raw)
	switch {
	case errors.Is(err, ErrPoseUnavailable):
		p.unanchored.Add(1)
		if _, warned := p.unanchoredWarned.LoadOrStore(raw.SourceID, struct{}{}); !warned {
			log.Printf("[Fusion] dropping frames from %s until its anchor pose is observed", raw.SourceID)
		}
		return
	case err != nil:
		p.malformed.Add(1)
		log.Printf("[Fusion] merge failed for %s: %v", raw.SourceID, err)
		return
	}
	if raw.AdapterType != mocap.AdapterOptiTrack {
		if _, warned := p.unanchoredWarned.LoadAndDelete(raw.SourceID); warned {
			log.Printf("[Fusion] anchor pose for %s observed, fusing frames", raw.SourceID)
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.consumer == nil {
		return
	}
	p.forwarded.Add(1)
	p.consumer(fused)
}

// PipelineStats contains pipeline counters.
type PipelineStats struct {
	Received   uint64 `json:"received"`
	Forwarded  uint64 `json:"forwarded"`
	Unanchored uint64 `json:"unanchored"`
	Malformed  uint64 `json:"malformed"`
	Unrouted   uint64 `json:"unrouted"`
}

// Stats returns current pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Received:   p.received.Load(),
		Forwarded:  p.forwarded.Load(),
		Unanchored: p.unanchored.Load(),
		Malformed:  p.malformed.Load(),
		Unrouted:   p.unrouted.Load(),
	}
}
