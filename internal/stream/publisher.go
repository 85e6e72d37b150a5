// Package stream publishes fused frames to remote clients over gRPC
// server streaming.
package stream

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Config holds configuration for the stream publisher.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// ClientBuffer is the per-client queue length; a slow client loses
	// frames once it is full.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   8,
		ClientBuffer: 32,
	}
}

type envelope struct {
	sourceID string
	msg      *structpb.Struct
}

type clientStream struct {
	id       string
	sourceID string
	frameCh  chan envelope
}

// Publisher is a dispatch sink that fans frames out to gRPC clients.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	frameChan chan envelope
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	frameCount    atomic.Uint64
	droppedFrames atomic.Uint64
	clientCount   atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPublisher creates a Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultConfig().MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Publisher{
		config:    cfg,
		frameChan: make(chan envelope, 128),
		clients:   make(map[string]*clientStream),
		stopCh:    make(chan struct{}),
	}
}

// Start serves the stream service on lis, or on config.ListenAddr when lis
// is nil.
func (p *Publisher) Start(lis net.Listener) error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", p.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen: %w", err)
		}
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterFrameStreamServer(p.server, p)
	p.running.Store(true)

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		log.Printf("[Stream] gRPC frame stream listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			log.Printf("[Stream] gRPC server error: %v", err)
		}
	}()
	return nil
}

// Stop ends all client streams and stops the server.
func (p *Publisher) Stop() {
	if !p.running.Swap(false) {
		return
	}
	close(p.stopCh)
	if p.server != nil {
		p.server.GracefulStop()
	}
	p.wg.Wait()
	log.Printf("[Stream] gRPC frame stream stopped")
}

func (p *Publisher) Name() string { return "grpc-stream" }

// OnFrame queues a frame for broadcast. Frames are dropped when the queue
// is full or nobody is connected.
func (p *Publisher) OnFrame(frame *mocap.Frame) error {
	if !p.running.Load() || p.clientCount.Load() == 0 {
		return nil
	}
	msg, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	select {
	case p.frameChan <- envelope{sourceID: frame.SourceID, msg: msg}:
		p.frameCount.Add(1)
	default:
		p.droppedFrames.Add(1)
	}
	return nil
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case env := <-p.frameChan:
			p.clientsMu.RLock()
			for _, c := range p.clients {
				if c.sourceID != "" && c.sourceID != env.sourceID {
					continue
				}
				select {
				case c.frameCh <- env:
				default:
					p.droppedFrames.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// StreamFrames implements FrameStreamServer.
func (p *Publisher) StreamFrames(filter *wrapperspb.StringValue, stream grpc.ServerStream) error {
	if int(p.clientCount.Load()) >= p.config.MaxClients {
		return status.Errorf(codes.ResourceExhausted, "max %d clients", p.config.MaxClients)
	}
	client := p.addClient(filter.GetValue())
	defer p.removeClient(client.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case env := <-client.frameCh:
			if err := stream.SendMsg(env.msg); err != nil {
				log.Printf("[Stream] send to %s failed: %v", client.id, err)
				return err
			}
		}
	}
}

func (p *Publisher) addClient(sourceID string) *clientStream {
	c := &clientStream{
		id:       uuid.NewString(),
		sourceID: sourceID,
		frameCh:  make(chan envelope, p.config.ClientBuffer),
	}
	p.clientsMu.Lock()
	p.clients[c.id] = c
	p.clientsMu.Unlock()
	n := p.clientCount.Add(1)
	log.Printf("[Stream] client connected: %s filter=%q (total: %d)", c.id, sourceID, n)
	return c
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	_, ok := p.clients[id]
	delete(p.clients, id)
	p.clientsMu.Unlock()
	if ok {
		n := p.clientCount.Add(-1)
		log.Printf("[Stream] client disconnected: %s (remaining: %d)", id, n)
	}
}

// Stats contains publisher counters.
type Stats struct {
	Clients int32  `json:"clients"`
	Frames  uint64 `json:"frames"`
	Dropped uint64 `json:"dropped"`
}

// Stats returns current publisher counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Clients: p.clientCount.Load(),
		Frames:  p.frameCount.Load(),
		Dropped: p.droppedFrames.Load(),
	}
}
