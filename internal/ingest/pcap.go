package ingest

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// PCAPSource replays frame datagrams captured to a pcap file. Only UDP
// packets addressed to Port are used; Port 0 accepts every UDP packet.
type PCAPSource struct {
	Identity
	Path string
	Port int
	// Paced replays with the capture's inter-packet gaps instead of as fast
	// as possible.
	Paced bool

	handler Handler
	stats   counters
}

// NewPCAPSource creates a replay source for the capture at path.
func NewPCAPSource(id Identity, path string, port int, h Handler) *PCAPSource {
	return &PCAPSource{Identity: id, Path: path, Port: port, handler: h}
}

func (s *PCAPSource) Name() string { return "pcap:" + s.SourceID }

// Stats returns the source counters.
func (s *PCAPSource) Stats() Stats { return s.stats.snapshot() }

// Run replays the file once and returns nil at the end of the capture.
func (s *PCAPSource) Run(ctx context.Context) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return fmt.Errorf("failed to open PCAP file %s: %w", s.Path, err)
	}
	defer f.Close()

	r, err := pcapgo.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read PCAP header %s: %w", s.Path, err)
	}

	packetSource := gopacket.NewPacketSource(r, r.LinkType())
	packetSource.DecodeOptions = gopacket.DecodeOptions{Lazy: true, NoCopy: true}
	start := time.Now()
	var first time.Time
	count := 0

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Ingest] %s stopping (processed %d packets)", s.Name(), count)
			return ctx.Err()
		case packet, ok := <-packetSource.Packets():
			if !ok || packet == nil {
				log.Printf("[Ingest] %s replay complete: %d packets in %v", s.Name(), count, time.Since(start))
				return nil
			}
			udp, ok := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
			if !ok || len(udp.Payload) == 0 {
				continue
			}
			if s.Port != 0 && int(udp.DstPort) != s.Port {
				continue
			}
			count++

			if s.Paced {
				ts := packet.Metadata().Timestamp
				if first.IsZero() {
					first = ts
				}
				if wait := ts.Sub(first) - time.Since(start); wait > 0 {
					timer := time.NewTimer(wait)
					select {
					case <-ctx.Done():
						timer.Stop()
						return ctx.Err()
					case <-timer.C:
					}
				}
			}
			deliver(s.Name(), &s.stats, s.Identity, s.handler, udp.Payload)
		}
	}
}
