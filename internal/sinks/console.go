// Package sinks contains the built-in output sinks for fused frames.
package sinks

import (
	"sync/atomic"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/banshee-data/mocapfusion/internal/monitoring"
)

// Console logs a one-line summary of every Nth frame.
type Console struct {
	every uint64
	seen  atomic.Uint64
}

// NewConsole logs one frame out of every. Values below 1 log every frame.
func NewConsole(every int) *Console {
	if every < 1 {
		every = 1
	}
	return &Console{every: uint64(every)}
}

func (c *Console) Name() string { return "console" }

func (c *Console) OnFrame(frame *mocap.Frame) error {
	n := c.seen.Add(1)
	if (n-1)%c.every != 0 {
		return nil
	}
	monitoring.Logf("[Console] %s/%s @%dms: %d bodies, %d points",
		frame.SourceID, frame.AdapterType, frame.ElapsedMillis, len(frame.Bodies), frame.PointCount())
	return nil
}
