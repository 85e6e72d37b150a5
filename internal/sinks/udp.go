package sinks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mocapfusion/internal/mocap"
)

// UDPBroadcaster sends every frame as a JSON datagram to a dynamic set of
// receivers. Sends happen on a background goroutine; OnFrame only queues
// and drops when the queue is full.
type UDPBroadcaster struct {
	conn        *net.UDPConn
	queue       chan []byte
	logInterval time.Duration

	mu        sync.RWMutex
	receivers map[string]*net.UDPAddr

	sent    atomic.Uint64
	dropped atomic.Uint64
	errors  atomic.Uint64
}

// NewUDPBroadcaster binds a sending socket on localPort (0 picks a free
// port).
func NewUDPBroadcaster(localPort int, logInterval time.Duration) (*UDPBroadcaster, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp sender on port %d: %w", localPort, err)
	}
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &UDPBroadcaster{
		conn:        conn,
		queue:       make(chan []byte, 256),
		logInterval: logInterval,
		receivers:   make(map[string]*net.UDPAddr),
	}, nil
}

func (u *UDPBroadcaster) Name() string { return "udp" }

// LocalPort returns the port datagrams are sent from.
func (u *UDPBroadcaster) LocalPort() int {
	return u.conn.LocalAddr().(*net.UDPAddr).Port
}

// ResolveReceiver resolves host:port into a UDP destination.
func ResolveReceiver(host string, port int) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve receiver address: %w", err)
	}
	return addr, nil
}

// AddReceiver registers host:port as a destination. Adding the same
// destination twice is a no-op.
func (u *UDPBroadcaster) AddReceiver(host string, port int) (string, error) {
	addr, err := ResolveReceiver(host, port)
	if err != nil {
		return "", err
	}
	return u.AddReceiverAddr(addr), nil
}

// AddReceiverAddr registers an already resolved destination and returns its
// key.
func (u *UDPBroadcaster) AddReceiverAddr(addr *net.UDPAddr) string {
	key := addr.String()
	u.mu.Lock()
	_, exists := u.receivers[key]
	u.receivers[key] = addr
	u.mu.Unlock()
	if !exists {
		log.Printf("[UDP] streaming to %s", key)
	}
	return key
}

// RemoveReceiver unregisters a destination by the key AddReceiver returned.
func (u *UDPBroadcaster) RemoveReceiver(key string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.receivers[key]; !ok {
		return false
	}
	delete(u.receivers, key)
	return true
}

// Receivers returns the registered destinations in sorted order.
func (u *UDPBroadcaster) Receivers() []string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	out := make([]string, 0, len(u.receivers))
	for k := range u.receivers {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (u *UDPBroadcaster) OnFrame(frame *mocap.Frame) error {
	u.mu.RLock()
	n := len(u.receivers)
	u.mu.RUnlock()
	if n == 0 {
		return nil
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	select {
	case u.queue <- data:
	default:
		u.dropped.Add(1)
	}
	return nil
}

// Run sends queued datagrams until ctx is cancelled.
func (u *UDPBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(u.logInterval)
	defer ticker.Stop()

	var lastErr error
	var failed int
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-u.queue:
			u.mu.RLock()
			for _, addr := range u.receivers {
				if _, err := u.conn.WriteToUDP(data, addr); err != nil {
					u.errors.Add(1)
					failed++
					lastErr = err
					continue
				}
				u.sent.Add(1)
			}
			u.mu.RUnlock()
		case <-ticker.C:
			if failed > 0 {
				log.Printf("[UDP] %d datagrams failed in the last %s (latest: %v)", failed, u.logInterval, lastErr)
				failed, lastErr = 0, nil
			}
		}
	}
}

// UDPStats contains broadcaster counters.
type UDPStats struct {
	Port      int      `json:"port"`
	Receivers []string `json:"receivers"`
	Sent      uint64   `json:"sent"`
	Dropped   uint64   `json:"dropped"`
	Errors    uint64   `json:"errors"`
}

// Stats returns current broadcaster counters.
func (u *UDPBroadcaster) Stats() UDPStats {
	return UDPStats{
		Port:      u.LocalPort(),
		Receivers: u.Receivers(),
		Sent:      u.sent.Load(),
		Dropped:   u.dropped.Load(),
		Errors:    u.errors.Load(),
	}
}

// Close closes the sending socket.
func (u *UDPBroadcaster) Close() error {
	return u.conn.Close()
}
