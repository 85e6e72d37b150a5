// Package sqlite stores recorded sessions in a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/banshee-data/mocapfusion/internal/mocap"
	"github.com/banshee-data/mocapfusion/internal/storage"
	_ "modernc.org/sqlite"
)

// Store is a storage.Store backed by SQLite.
type Store struct {
	*sql.DB
	name string
	path string
}

// Open opens (creating if needed) the database at path and migrates it to
// the latest schema. name is the storage source name the store is
// registered under.
func Open(name, path string) (*Store, error) {
	s, err := OpenNoMigrate(name, path)
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	log.Printf("[Store] sqlite store %q ready at %s", name, path)
	return s, nil
}

// OpenNoMigrate opens the database without touching its schema. The migrate
// command uses it to step the schema by hand.
func OpenNoMigrate(name, path string) (*Store, error) {
	// pragmas in the DSN apply to every pooled connection
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Store{DB: db, name: name, path: path}, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) ListSessions(ctx context.Context) ([]storage.SessionMetadata, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT name, started_at, finished_at, frame_count, duration_ms
		FROM sessions ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []storage.SessionMetadata
	for rows.Next() {
		meta, err := s.scanMeta(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMeta(row scanner) (storage.SessionMetadata, error) {
	var (
		meta     storage.SessionMetadata
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&meta.Name, &started, &finished, &meta.FrameCount, &meta.DurationMillis); err != nil {
		return meta, err
	}
	meta.Source = s.name
	meta.StartedAt = time.Unix(0, started).UTC()
	if finished.Valid {
		meta.FinishedAt = time.Unix(0, finished.Int64).UTC()
	}
	return meta, nil
}

func (s *Store) LoadSession(ctx context.Context, name string, startMillis, endMillis int64) (*storage.Session, error) {
	row := s.QueryRowContext(ctx, `
		SELECT name, started_at, finished_at, frame_count, duration_ms
		FROM sessions WHERE name = ?`, name)
	meta, err := s.scanMeta(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrSessionNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", name, err)
	}

	query := `SELECT payload FROM frames WHERE session_name = ? AND elapsed_ms >= ?`
	args := []any{name, startMillis}
	if endMillis >= 0 {
		query += ` AND elapsed_ms <= ?`
		args = append(args, endMillis)
	}
	query += ` ORDER BY seq`

	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load frames for %s: %w", name, err)
	}
	defer rows.Close()

	sess := &storage.Session{SessionMetadata: meta}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		frame, err := mocap.DecodeFrame(payload)
		if err != nil {
			log.Printf("[Store] skipping undecodable frame in %s: %v", name, err)
			continue
		}
		sess.Frames = append(sess.Frames, frame)
	}
	return sess, rows.Err()
}

func (s *Store) BeginSession(ctx context.Context, meta storage.SessionMetadata) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO sessions (name, started_at) VALUES (?, ?)`,
		meta.Name, meta.StartedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("begin session %s: %w", meta.Name, err)
	}
	return nil
}

func (s *Store) AppendFrame(ctx context.Context, name string, frame *mocap.Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `SELECT frame_count FROM sessions WHERE name = ?`, name).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, name)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO frames (session_name, seq, elapsed_ms, source_id, adapter_type, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		name, seq, frame.ElapsedMillis, frame.SourceID, frame.AdapterType.String(), string(payload)); err != nil {
		return fmt.Errorf("insert frame: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET frame_count = frame_count + 1, duration_ms = ? WHERE name = ?`,
		frame.ElapsedMillis, name); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return tx.Commit()
}

func (s *Store) FinishSession(ctx context.Context, name string, finishedAt time.Time) error {
	res, err := s.ExecContext(ctx,
		`UPDATE sessions SET finished_at = ? WHERE name = ?`, finishedAt.UnixNano(), name)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, name)
	}
	return nil
}

// DeleteSession removes a session and its frames.
func (s *Store) DeleteSession(ctx context.Context, name string) error {
	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM frames WHERE session_name = ?`, name); err != nil {
		return fmt.Errorf("delete frames of %s: %w", name, err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, name)
	}
	return tx.Commit()
}
