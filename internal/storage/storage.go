// Package storage records trace sessions into an append-only SQLite log.
// A recording is written by "fdscope run --record" and read back only by
// "fdscope show"; the tracer never reloads it.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver registration

	"github.com/majorcontext/fdscope/internal/trace"
)

// ErrNotFound is returned when a session doesn't exist.
var ErrNotFound = errors.New("session not found")

// Session describes one traced command.
type Session struct {
	ID        string     `json:"id"`
	Command   []string   `json:"command"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    string     `json:"status,omitempty"`
	Events    uint64     `json:"events"`
}

// Entry is one recorded event. Fields not carried by Kind are zero.
type Entry struct {
	Seq       uint64     `json:"seq"`
	Timestamp time.Time  `json:"ts"`
	Kind      trace.Kind `json:"kind"`
	PID       uint64     `json:"pid"`
	FD        uint64     `json:"fd,omitempty"`
	Errno     int64      `json:"errno,omitempty"`
	Path      string     `json:"path,omitempty"`
	Truncated bool       `json:"truncated,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Store is a recording database.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates a recording at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One writer; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &Store{db: db}, nil
}

func createTables(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			command    TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at   TEXT,
			status     TEXT
		);
		CREATE TABLE IF NOT EXISTS events (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			ts         TEXT NOT NULL,
			kind       TEXT NOT NULL,
			pid        INTEGER NOT NULL,
			fd         INTEGER NOT NULL DEFAULT 0,
			errno      INTEGER NOT NULL DEFAULT 0,
			path       TEXT NOT NULL DEFAULT '',
			truncated  INTEGER NOT NULL DEFAULT 0,
			error      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, seq);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Recorder appends events to one session.
type Recorder struct {
	store *Store
	id    string
}

// Begin starts a new session for command.
func (s *Store) Begin(command []string) (*Recorder, error) {
	id := uuid.NewString()
	cmdJSON, err := json.Marshal(command)
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO sessions (id, command, started_at) VALUES (?, ?, ?)
	`, id, string(cmdJSON), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("inserting session: %w", err)
	}
	return &Recorder{store: s, id: id}, nil
}

// ID returns the session identifier.
func (r *Recorder) ID() string {
	return r.id
}

// Append records ev.
func (r *Recorder) Append(ev trace.Event) error {
	e := entryFor(ev)

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, err := r.store.db.Exec(`
		INSERT INTO events (session_id, ts, kind, pid, fd, errno, path, truncated, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.id, time.Now().UTC().Format(time.RFC3339Nano), string(e.Kind),
		int64(e.PID), int64(e.FD), e.Errno, e.Path, e.Truncated, e.Error)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// Finish marks the session as ended with status.
func (r *Recorder) Finish(status string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	_, err := r.store.db.Exec(`
		UPDATE sessions SET ended_at = ?, status = ? WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), status, r.id)
	if err != nil {
		return fmt.Errorf("finishing session: %w", err)
	}
	return nil
}

func entryFor(ev trace.Event) Entry {
	e := Entry{Kind: ev.Kind(), PID: trace.PID(ev)}
	switch ev := ev.(type) {
	case trace.FileOpen:
		e.FD, e.Path, e.Truncated = ev.FD, ev.Path, ev.Truncated
	case trace.FileOpenFail:
		e.Errno, e.Path, e.Truncated = ev.Errno, ev.Path, ev.Truncated
	case trace.FileClose:
		e.FD = ev.FD
	case trace.ProcessFailed:
		e.Error = ev.Err.Error()
	}
	return e
}

const sessionColumns = `
	s.id, s.command, s.started_at, s.ended_at, s.status,
	(SELECT COUNT(*) FROM events e WHERE e.session_id = s.id)`

// Sessions lists every session, newest first.
func (s *Store) Sessions() ([]Session, error) {
	rows, err := s.db.Query(`SELECT` + sessionColumns + ` FROM sessions s ORDER BY s.started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Session returns the session whose ID starts with prefix. An ambiguous
// prefix is an error.
func (s *Store) Session(prefix string) (Session, error) {
	rows, err := s.db.Query(`SELECT`+sessionColumns+` FROM sessions s WHERE substr(s.id, 1, length(?)) = ? LIMIT 2`, prefix, prefix)
	if err != nil {
		return Session{}, fmt.Errorf("querying session: %w", err)
	}
	defer rows.Close()

	var found []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return Session{}, err
		}
		found = append(found, sess)
	}
	if err := rows.Err(); err != nil {
		return Session{}, err
	}
	switch len(found) {
	case 0:
		return Session{}, fmt.Errorf("%w: %s", ErrNotFound, prefix)
	case 1:
		return found[0], nil
	}
	return Session{}, fmt.Errorf("session prefix %q is ambiguous", prefix)
}

func scanSession(rows *sql.Rows) (Session, error) {
	var sess Session
	var cmdJSON, startedStr string
	var endedStr, status sql.NullString
	if err := rows.Scan(&sess.ID, &cmdJSON, &startedStr, &endedStr, &status, &sess.Events); err != nil {
		return Session{}, fmt.Errorf("scanning session: %w", err)
	}
	if err := json.Unmarshal([]byte(cmdJSON), &sess.Command); err != nil {
		return Session{}, fmt.Errorf("session %s: decoding command: %w", sess.ID, err)
	}
	started, err := time.Parse(time.RFC3339Nano, startedStr)
	if err != nil {
		return Session{}, fmt.Errorf("session %s: parsing start time: %w", sess.ID, err)
	}
	sess.StartedAt = started
	if endedStr.Valid {
		ended, err := time.Parse(time.RFC3339Nano, endedStr.String)
		if err != nil {
			return Session{}, fmt.Errorf("session %s: parsing end time: %w", sess.ID, err)
		}
		sess.EndedAt = &ended
	}
	sess.Status = status.String
	return sess, nil
}

// Events returns the events of a session in recording order.
func (s *Store) Events(sessionID string) ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT seq, ts, kind, pid, fd, errno, path, truncated, error
		FROM events WHERE session_id = ?
		ORDER BY seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var tsStr, kind string
		var pid, fd int64
		if err := rows.Scan(&e.Seq, &tsStr, &kind, &pid, &fd, &e.Errno, &e.Path, &e.Truncated, &e.Error); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, tsStr)
		if err != nil {
			return nil, fmt.Errorf("event %d: parsing time: %w", e.Seq, err)
		}
		e.Timestamp = ts
		e.Kind = trace.Kind(kind)
		e.PID, e.FD = uint64(pid), uint64(fd)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of events recorded for a session.
func (s *Store) Count(sessionID string) (uint64, error) {
	var count uint64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting events: %w", err)
	}
	return count, nil
}
