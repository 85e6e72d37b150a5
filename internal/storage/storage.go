// Package storage defines how recorded sessions are persisted and loaded.
// Backends live in sub-packages; Sources looks them up by name for the
// control plane.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/mocapfusion/internal/mocap"
)

// ErrSessionNotFound is returned when a named session does not exist in a
// store.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionActive is returned when deleting a session that is still being
// recorded.
var ErrSessionActive = errors.New("session is being recorded")

// SessionMetadata describes a recorded session.
type SessionMetadata struct {
	Name           string    `json:"name"`
	Source         string    `json:"source"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
	FrameCount     int       `json:"frame_count"`
	DurationMillis int64     `json:"duration_ms"`
}

// Session is a named, time-ordered recording of fused frames.
type Session struct {
	SessionMetadata
	Frames []*mocap.Frame `json:"frames"`
}

// Reader lists and loads sessions.
type Reader interface {
	Name() string
	ListSessions(ctx context.Context) ([]SessionMetadata, error)
	// LoadSession returns the frames of the named session whose elapsed time
	// lies in [startMillis, endMillis]. A negative endMillis means no upper
	// bound. Unknown names return ErrSessionNotFound.
	LoadSession(ctx context.Context, name string, startMillis, endMillis int64) (*Session, error)
}

// Writer persists a session incrementally while it is being recorded.
type Writer interface {
	BeginSession(ctx context.Context, meta SessionMetadata) error
	AppendFrame(ctx context.Context, name string, frame *mocap.Frame) error
	FinishSession(ctx context.Context, name string, finishedAt time.Time) error
}

// Store is a complete storage backend.
type Store interface {
	Reader
	Writer
	Close() error
}

// Deleter is implemented by stores that can remove a finished session.
type Deleter interface {
	DeleteSession(ctx context.Context, name string) error
}

// InWindow reports whether elapsed lies within [start, end], treating a
// negative end as unbounded.
func InWindow(elapsed, start, end int64) bool {
	if elapsed < start {
		return false
	}
	return end < 0 || elapsed <= end
}

// Sources holds the configured stores keyed by name.
type Sources struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewSources creates a lookup over stores.
func NewSources(stores ...Store) *Sources {
	s := &Sources{stores: make(map[string]Store)}
	for _, st := range stores {
		s.stores[st.Name()] = st
	}
	return s
}

// Add registers a store, replacing any store with the same name.
func (s *Sources) Add(st Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.Name()] = st
}

// Get returns the store with the given name.
func (s *Sources) Get(name string) (Store, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stores[name]
	return st, ok
}

// Names returns the registered store names in sorted order.
func (s *Sources) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every store.
func (s *Sources) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, st := range s.stores {
		if err := st.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
