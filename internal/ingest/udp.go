package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"time"
)

// UDPSource receives one JSON frame per datagram.
type UDPSource struct {
	Identity
	Address string
	RcvBuf  int

	handler Handler
	stats   counters
	ready   chan net.Addr
}

// NewUDPSource creates a listener on address (host:port) delivering to h.
func NewUDPSource(id Identity, address string, h Handler) *UDPSource {
	return &UDPSource{
		Identity: id,
		Address:  address,
		RcvBuf:   4 << 20,
		handler:  h,
		ready:    make(chan net.Addr, 1),
	}
}

func (s *UDPSource) Name() string { return "udp:" + s.SourceID }

// Ready yields the bound address once Run is listening.
func (s *UDPSource) Ready() <-chan net.Addr { return s.ready }

// Stats returns the source counters.
func (s *UDPSource) Stats() Stats { return s.stats.snapshot() }

// Run listens until ctx is cancelled.
func (s *UDPSource) Run(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()

	if s.RcvBuf > 0 {
		if err := conn.SetReadBuffer(s.RcvBuf); err != nil {
			log.Printf("[Ingest] Warning: failed to set UDP receive buffer size to %d: %v", s.RcvBuf, err)
		}
	}
	log.Printf("[Ingest] %s listening on %s", s.Name(), conn.LocalAddr())
	s.ready <- conn.LocalAddr()

	buffer := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		// deadline lets the loop observe cancellation
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("[Ingest] %s read error: %v", s.Name(), err)
			continue
		}
		deliver(s.Name(), &s.stats, s.Identity, s.handler, buffer[:n])
	}
}
