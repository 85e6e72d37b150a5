package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/mocapfusion/internal/mocap"
)

// Memory is a Store that keeps sessions in process memory. It backs the
// "memory" storage option and tests.
type Memory struct {
	name string

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemory creates an empty in-memory store.
func NewMemory(name string) *Memory {
	return &Memory{name: name, sessions: make(map[string]*Session)}
}

func (m *Memory) Name() string { return m.name }

func (m *Memory) ListSessions(ctx context.Context) ([]SessionMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionMetadata, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.SessionMetadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *Memory) LoadSession(ctx context.Context, name string, startMillis, endMillis int64) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	out := &Session{SessionMetadata: s.SessionMetadata}
	for _, f := range s.Frames {
		if InWindow(f.ElapsedMillis, startMillis, endMillis) {
			out.Frames = append(out.Frames, f.Clone())
		}
	}
	return out, nil
}

func (m *Memory) BeginSession(ctx context.Context, meta SessionMetadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[meta.Name]; exists {
		return fmt.Errorf("session %s already exists", meta.Name)
	}
	meta.Source = m.name
	m.sessions[meta.Name] = &Session{SessionMetadata: meta}
	return nil
}

func (m *Memory) AppendFrame(ctx context.Context, name string, frame *mocap.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	s.Frames = append(s.Frames, frame.Clone())
	s.FrameCount = len(s.Frames)
	s.DurationMillis = frame.ElapsedMillis
	return nil
}

func (m *Memory) FinishSession(ctx context.Context, name string, finishedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	s.FinishedAt = finishedAt
	return nil
}

func (m *Memory) DeleteSession(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[name]; !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	delete(m.sessions, name)
	return nil
}

func (m *Memory) Close() error { return nil }
