package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"gonum.org/v1/gonum/spatial/r3"
)

type collector struct {
	mu     sync.Mutex
	frames []*mocap.Frame
}

func (c *collector) handle(f *mocap.Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, f)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *collector) get(i int) *mocap.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[i]
}

var kinect = Identity{SourceID: "kinect-1", AdapterType: mocap.AdapterKinect}

func payload(t *testing.T, elapsed int64) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]interface{}{
		"elapsed_millis": elapsed,
		"bodies": []map[string]interface{}{{
			"type":   "skeleton",
			"points": []map[string]interface{}{{"position": map[string]float64{"X": 1, "Y": 2, "Z": 3}}},
		}},
	})
	require.NoError(t, err)
	return data
}

func TestIdentityStampsMissingFields(t *testing.T) {
	f, err := kinect.decode(payload(t, 12))
	require.NoError(t, err)
	assert.Equal(t, "kinect-1", f.SourceID)
	assert.Equal(t, mocap.AdapterKinect, f.AdapterType)
	assert.Equal(t, int64(12), f.ElapsedMillis)
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, f.Bodies[0].Points[0].Position)

	own, err := kinect.decode([]byte(`{"source_id":"other","adapter_type":"leapmotion","bodies":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "other", own.SourceID)
	assert.Equal(t, mocap.AdapterLeapMotion, own.AdapterType)

	_, err = kinect.decode([]byte(`{not json`))
	assert.True(t, errors.Is(err, mocap.ErrMalformedFrame))
}

func TestUDPSourceDeliversDatagrams(t *testing.T) {
	var got collector
	src := NewUDPSource(kinect, "127.0.0.1:0", got.handle)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- src.Run(ctx) }()

	var addr net.Addr
	select {
	case addr = <-src.Ready():
	case err := <-errCh:
		t.Fatalf("listener failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not start")
	}

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(payload(t, 5))
	require.NoError(t, err)
	_, err = conn.Write([]byte("garbage"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return src.Stats().Packets == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, got.len())
	assert.Equal(t, "kinect-1", got.get(0).SourceID)
	assert.Equal(t, uint64(1), src.Stats().Malformed)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestSerialSourceReadsLines(t *testing.T) {
	var got collector
	pr, pw := io.Pipe()
	var opened *serial.Mode
	src := NewSerialSource(kinect, "/dev/ttyTEST", 0, got.handle).
		WithOpener(func(path string, mode *serial.Mode) (io.ReadCloser, error) {
			opened = mode
			return pr, nil
		})

	go func() {
		pw.Write(append(payload(t, 1), '\n'))
		pw.Write([]byte("\n"))
		pw.Write(append(payload(t, 2), '\n'))
		pw.Close()
	}()

	require.NoError(t, src.Run(context.Background()))
	require.Equal(t, 2, got.len())
	assert.Equal(t, int64(2), got.get(1).ElapsedMillis)
	assert.Equal(t, 115200, opened.BaudRate)
	assert.Equal(t, "serial:kinect-1", src.Name())
}

func TestSerialSourceSkipsOverlongLine(t *testing.T) {
	var got collector
	pr, pw := io.Pipe()
	src := NewSerialSource(kinect, "/dev/ttyTEST", 0, got.handle).
		WithOpener(func(string, *serial.Mode) (io.ReadCloser, error) { return pr, nil })

	go func() {
		junk := bytes.Repeat([]byte("x"), 2<<20)
		pw.Write(append(junk, '\n'))
		pw.Write(append(payload(t, 7), '\n'))
		pw.Close()
	}()

	require.NoError(t, src.Run(context.Background()))
	require.Equal(t, 1, got.len())
	assert.Equal(t, int64(7), got.get(0).ElapsedMillis)
	assert.Equal(t, Stats{Packets: 2, Frames: 1, Malformed: 1}, src.Stats())
}

func TestSerialSourceStopsOnCancel(t *testing.T) {
	pr, _ := io.Pipe()
	src := NewSerialSource(kinect, "/dev/ttyTEST", 9600, func(*mocap.Frame) {}).
		WithOpener(func(string, *serial.Mode) (io.ReadCloser, error) { return pr, nil })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- src.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("serial source did not stop")
	}
}

func TestSerialSourceOpenFailure(t *testing.T) {
	src := NewSerialSource(kinect, "/dev/missing", 9600, func(*mocap.Frame) {}).
		WithOpener(func(string, *serial.Mode) (io.ReadCloser, error) { return nil, os.ErrNotExist })
	assert.ErrorIs(t, src.Run(context.Background()), os.ErrNotExist)
}

func writeCapture(t *testing.T, path string, packets map[int][][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	for port, bodies := range packets {
		for _, body := range bodies {
			eth := &layers.Ethernet{
				SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
				DstMAC:       net.HardwareAddr{6, 7, 8, 9, 10, 11},
				EthernetType: layers.EthernetTypeIPv4,
			}
			ip := &layers.IPv4{
				Version:  4,
				TTL:      64,
				Protocol: layers.IPProtocolUDP,
				SrcIP:    net.IPv4(10, 0, 0, 1),
				DstIP:    net.IPv4(10, 0, 0, 2),
			}
			udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(port)}
			require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

			buf := gopacket.NewSerializeBuffer()
			opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
			require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(body)))

			data := buf.Bytes()
			ci := gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}
			require.NoError(t, w.WritePacket(ci, data))
			ts = ts.Add(10 * time.Millisecond)
		}
	}
}

func TestPCAPSourceReplaysMatchingPort(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcap")
	writeCapture(t, path, map[int][][]byte{
		7000: {payload(t, 0), payload(t, 10), []byte("{")},
		9999: {payload(t, 99)},
	})

	var got collector
	src := NewPCAPSource(kinect, path, 7000, got.handle)
	require.NoError(t, src.Run(context.Background()))

	require.Equal(t, 2, got.len())
	assert.Equal(t, int64(10), got.get(1).ElapsedMillis)
	assert.Equal(t, Stats{Packets: 3, Frames: 2, Malformed: 1}, src.Stats())
}

func TestPCAPSourcePaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.pcap")
	writeCapture(t, path, map[int][][]byte{7000: {payload(t, 0), payload(t, 10), payload(t, 20)}})

	var got collector
	src := NewPCAPSource(kinect, path, 0, got.handle)
	src.Paced = true
	start := time.Now()
	require.NoError(t, src.Run(context.Background()))
	assert.Equal(t, 3, got.len())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPCAPSourceMissingFile(t *testing.T) {
	src := NewPCAPSource(kinect, filepath.Join(t.TempDir(), "none.pcap"), 0, func(*mocap.Frame) {})
	assert.Error(t, src.Run(context.Background()))
}
