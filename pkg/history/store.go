package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"example.com/resume_bridge/pkg/session"
)

// ErrNotFound is returned by Get for an unknown session
var ErrNotFound = errors.New("session not found in history")

// Entry is one completed session as kept locally
type Entry struct {
	session.Record
	Transcript string `json:"transcript"`
}

// Store keeps completed session records in SQLite
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" keeps it in
// memory.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// every connection of :memory: is its own database
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		section_id TEXT NOT NULL DEFAULT '',
		identifier TEXT,
		urls TEXT NOT NULL,
		blob_sizes TEXT NOT NULL,
		blob_counts TEXT NOT NULL,
		user_transcript TEXT,
		transcript TEXT NOT NULL DEFAULT '',
		record_time_ms INTEGER NOT NULL DEFAULT 0,
		completed_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_completed ON sessions(completed_at DESC);
	`)
	return err
}

// Save stores a completed session. Saving the same session again
// replaces it.
func (s *Store) Save(ctx context.Context, rec session.Record, transcript string) error {
	if rec.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now()
	}

	cols, err := encode(rec.Identifier, rec.URL, rec.BlobSize, rec.BlobCount, rec.UserTranscript)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions
			(session_id, section_id, identifier, urls, blob_sizes, blob_counts,
			 user_transcript, transcript, record_time_ms, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.SessionID, rec.SectionID, cols[0], cols[1], cols[2], cols[3], cols[4],
		transcript, rec.RecordTime.Milliseconds(), rec.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save session %s: %w", rec.SessionID, err)
	}
	return nil
}

// List returns up to limit sessions, newest first
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, selectEntry+`
		ORDER BY completed_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns one session by id
func (s *Store) Get(ctx context.Context, sessionID string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectEntry+` WHERE session_id = ?`, sessionID)
	e, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrNotFound
	}
	return e, err
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

const selectEntry = `
	SELECT session_id, section_id, identifier, urls, blob_sizes, blob_counts,
	       user_transcript, transcript, record_time_ms, completed_at
	FROM sessions`

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (Entry, error) {
	var e Entry
	var identifier, userTranscript sql.NullString
	var urls, sizes, counts string
	var recordMs int64

	if err := row.Scan(&e.SessionID, &e.SectionID, &identifier, &urls, &sizes, &counts,
		&userTranscript, &e.Transcript, &recordMs, &e.CompletedAt); err != nil {
		return Entry{}, err
	}
	e.RecordTime = time.Duration(recordMs) * time.Millisecond

	for _, c := range []struct {
		src string
		dst any
	}{
		{urls, &e.URL},
		{sizes, &e.BlobSize},
		{counts, &e.BlobCount},
		{identifier.String, &e.Identifier},
		{userTranscript.String, &e.UserTranscript},
	} {
		if c.src == "" {
			continue
		}
		if err := json.Unmarshal([]byte(c.src), c.dst); err != nil {
			return Entry{}, fmt.Errorf("corrupt session %s: %w", e.SessionID, err)
		}
	}
	return e, nil
}

func encode(values ...any) ([]string, error) {
	out := make([]string, len(values))
	for i, v := range values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("cannot encode session field: %w", err)
		}
		out[i] = string(b)
	}
	return out, nil
}
