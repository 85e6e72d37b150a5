package ingest

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"go.bug.st/serial"
)

// maxSerialLine bounds one encoded frame on the wire. Longer lines are
// dropped as malformed.
const maxSerialLine = 1 << 20

// PortOpener opens a serial device. Tests replace it with an in-memory pipe.
type PortOpener func(path string, mode *serial.Mode) (io.ReadCloser, error)

// OpenSerialPort opens a real serial device.
func OpenSerialPort(path string, mode *serial.Mode) (io.ReadCloser, error) {
	return serial.Open(path, mode)
}

// SerialSource reads newline-delimited JSON frames from a serial-attached
// rig.
type SerialSource struct {
	Identity
	Path string
	Mode *serial.Mode

	open    PortOpener
	handler Handler
	stats   counters
}

// NewSerialSource creates a serial source at 8N1 with the given baud rate.
func NewSerialSource(id Identity, path string, baudRate int, h Handler) *SerialSource {
	if baudRate <= 0 {
		baudRate = 115200
	}
	return &SerialSource{
		Identity: id,
		Path:     path,
		Mode: &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		open:    OpenSerialPort,
		handler: h,
	}
}

// WithOpener replaces the port opener.
func (s *SerialSource) WithOpener(open PortOpener) *SerialSource {
	s.open = open
	return s
}

func (s *SerialSource) Name() string { return "serial:" + s.SourceID }

// Stats returns the source counters.
func (s *SerialSource) Stats() Stats { return s.stats.snapshot() }

// Run reads lines until ctx is cancelled or the port reaches EOF.
func (s *SerialSource) Run(ctx context.Context) error {
	port, err := s.open(s.Path, s.Mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.Path, err)
	}
	log.Printf("[Ingest] %s reading %s at %d baud", s.Name(), s.Path, s.Mode.BaudRate)

	stop := context.AfterFunc(ctx, func() { port.Close() })
	defer func() {
		if stop() {
			port.Close()
		}
	}()

	err = mocap.ReadLines(port, maxSerialLine, func(line []byte, err error) error {
		if err != nil {
			s.stats.packets.Add(1)
			s.stats.dropMalformed(s.Name(), fmt.Errorf("%w: %v", mocap.ErrMalformedFrame, err))
			return nil
		}
		deliver(s.Name(), &s.stats, s.Identity, s.handler, line)
		return nil
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("serial read %s: %w", s.Path, err)
	}
	log.Printf("[Ingest] %s: port closed", s.Name())
	return nil
}
