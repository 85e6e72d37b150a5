// Package ingest reads canonical JSON frames from capture devices and hands
// them to the fusion pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/banshee-data/mocapfusion/internal/mocap"
)

// Handler receives every decoded frame. fusion.Pipeline.HandleFrame
// satisfies it.
type Handler func(*mocap.Frame)

// Source is a running input adapter.
type Source interface {
	Name() string
	// Run reads frames until ctx is cancelled or the input is exhausted.
	Run(ctx context.Context) error
}

// Identity is stamped onto frames that do not name their own source or
// adapter type.
type Identity struct {
	SourceID    string
	AdapterType mocap.AdapterType
}

func (id Identity) decode(data []byte) (*mocap.Frame, error) {
	var f mocap.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", mocap.ErrMalformedFrame, err)
	}
	if f.SourceID == "" {
		f.SourceID = id.SourceID
	}
	if f.AdapterType == mocap.AdapterUnknown {
		f.AdapterType = id.AdapterType
	}
	return &f, nil
}

// Stats contains per-source counters.
type Stats struct {
	Packets   uint64 `json:"packets"`
	Frames    uint64 `json:"frames"`
	Malformed uint64 `json:"malformed"`
}

type counters struct {
	packets   atomic.Uint64
	frames    atomic.Uint64
	malformed atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Packets:   c.packets.Load(),
		Frames:    c.frames.Load(),
		Malformed: c.malformed.Load(),
	}
}

// deliver decodes one datagram or line and forwards it. Malformed input is
// counted and logged on the first and every 100th occurrence.
func deliver(name string, c *counters, id Identity, h Handler, data []byte) {
	c.packets.Add(1)
	frame, err := id.decode(data)
	if err != nil {
		c.dropMalformed(name, err)
		return
	}
	c.frames.Add(1)
	h(frame)
}

func (c *counters) dropMalformed(name string, err error) {
	if n := c.malformed.Add(1); n == 1 || n%100 == 0 {
		log.Printf("[Ingest] %s: dropping malformed input (%d so far): %v", name, n, err)
	}
}
