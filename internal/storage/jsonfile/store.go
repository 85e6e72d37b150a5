// Package jsonfile stores sessions as JSON-lines files under a directory: a
// sessions.json index plus one <name>.jsonl file of frames per session.
package jsonfile

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/banshee-data/mocapfusion/internal/security"
	"github.com/banshee-data/mocapfusion/internal/storage"
)

const (
	indexFile = "sessions.json"
	// maxLineBytes bounds a single encoded frame.
	maxLineBytes = 4 << 20
)

// ErrFrameTooLarge is returned by AppendFrame for a frame whose encoding
// would not fit on one line.
var ErrFrameTooLarge = errors.New("frame too large")

// Store is a storage.Store over a directory of JSON-lines files.
type Store struct {
	name string
	dir  string

	mu    sync.Mutex
	index map[string]storage.SessionMetadata
	open  map[string]*sessionFile
}

type sessionFile struct {
	f *os.File
	w *bufio.Writer
}

// Open creates dir if needed and loads its session index.
func Open(name, dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	s := &Store{
		name:  name,
		dir:   dir,
		index: make(map[string]storage.SessionMetadata),
		open:  make(map[string]*sessionFile),
	}
	data, err := os.ReadFile(filepath.Join(dir, indexFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read index: %w", err)
	default:
		var list []storage.SessionMetadata
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, fmt.Errorf("parse index %s: %w", indexFile, err)
		}
		for _, m := range list {
			s.index[m.Name] = m
		}
	}
	log.Printf("[Store] json store %q ready at %s (%d sessions)", name, dir, len(s.index))
	return s, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) framesPath(name string) (string, error) {
	if !security.IsSafeName(name) {
		return "", fmt.Errorf("invalid session name %q", name)
	}
	p := filepath.Join(s.dir, name+".jsonl")
	if err := security.ValidatePathWithinDirectory(p, s.dir); err != nil {
		return "", err
	}
	return p, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]storage.SessionMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedLocked(), nil
}

func (s *Store) sortedLocked() []storage.SessionMetadata {
	out := make([]storage.SessionMetadata, 0, len(s.index))
	for _, m := range s.index {
		m.Source = s.name
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (s *Store) LoadSession(ctx context.Context, name string, startMillis, endMillis int64) (*storage.Session, error) {
	s.mu.Lock()
	meta, ok := s.index[name]
	if sf, open := s.open[name]; open {
		if err := sf.w.Flush(); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrSessionNotFound, name)
	}
	meta.Source = s.name

	path, err := s.framesPath(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &storage.Session{SessionMetadata: meta}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sess := &storage.Session{SessionMetadata: meta}
	line := 0
	err = mocap.ReadLines(f, maxLineBytes, func(data []byte, err error) error {
		line++
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			log.Printf("[Store] %s line %d: %v", path, line, err)
			return nil
		}
		frame, err := mocap.DecodeFrame(data)
		if err != nil {
			log.Printf("[Store] %s line %d: %v", path, line, err)
			return nil
		}
		if storage.InWindow(frame.ElapsedMillis, startMillis, endMillis) {
			sess.Frames = append(sess.Frames, frame)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return sess, nil
}

func (s *Store) BeginSession(ctx context.Context, meta storage.SessionMetadata) error {
	path, err := s.framesPath(meta.Name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.index[meta.Name]; exists {
		return fmt.Errorf("session %s already exists", meta.Name)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	meta.Source = s.name
	sf := &sessionFile{f: f, w: bufio.NewWriter(f)}
	s.index[meta.Name] = meta
	s.open[meta.Name] = sf
	if err := s.writeIndexLocked(); err != nil {
		delete(s.index, meta.Name)
		delete(s.open, meta.Name)
		sf.f.Close()
		os.Remove(path)
		return fmt.Errorf("write index: %w", err)
	}
	return nil
}

func (s *Store) AppendFrame(ctx context.Context, name string, frame *mocap.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(data) > maxLineBytes {
		return fmt.Errorf("%w: encoded frame is %d bytes, limit %d", ErrFrameTooLarge, len(data), maxLineBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, ok := s.open[name]
	if !ok {
		if _, known := s.index[name]; known {
			return fmt.Errorf("session %s is finished", name)
		}
		return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, name)
	}
	if _, err := sf.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append to %s: %w", name, err)
	}
	meta := s.index[name]
	meta.FrameCount++
	meta.DurationMillis = frame.ElapsedMillis
	s.index[name] = meta
	return nil
}

func (s *Store) FinishSession(ctx context.Context, name string, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, name)
	}
	if sf, open := s.open[name]; open {
		delete(s.open, name)
		if err := closeFile(sf); err != nil {
			return fmt.Errorf("close %s: %w", name, err)
		}
	}
	meta.FinishedAt = finishedAt
	s.index[name] = meta
	return s.writeIndexLocked()
}

// DeleteSession removes a finished session's frames file and index entry.
func (s *Store) DeleteSession(ctx context.Context, name string) error {
	path, err := s.framesPath(name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, open := s.open[name]; open {
		return fmt.Errorf("%w: %s", storage.ErrSessionActive, name)
	}
	meta, ok := s.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, name)
	}
	delete(s.index, name)
	if err := s.writeIndexLocked(); err != nil {
		s.index[name] = meta
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[Store] removing %s: %v", path, err)
	}
	return nil
}

// writeIndexLocked rewrites the index atomically via rename.
func (s *Store) writeIndexLocked() error {
	data, err := json.MarshalIndent(s.sortedLocked(), "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, indexFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, indexFile))
}

func closeFile(sf *sessionFile) error {
	if err := sf.w.Flush(); err != nil {
		sf.f.Close()
		return err
	}
	return sf.f.Close()
}

// Close flushes and closes sessions still being written. Their index
// entries stay unfinished.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for name, sf := range s.open {
		if err := closeFile(sf); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
		delete(s.open, name)
	}
	return errors.Join(errs...)
}
