// Package journal provides SQLite-backed persistence for dispatched
// event envelopes, for post-hoc inspection of what the bridge delivered.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/hollis-dev/agentbridge/internal/events"
)

// Journal records dispatched envelopes.
type Journal struct {
	db   *sql.DB
	keep int
}

// Entry is one journalled envelope.
type Entry struct {
	ID        string
	Type      string
	Payload   string
	StreamID  int64
	CreatedAt time.Time
}

// Open creates (or opens) the journal database.
func Open(dbPath string, keep int) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	j := &Journal{db: db, keep: keep}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

func (j *Journal) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS envelopes (
		seq        INTEGER PRIMARY KEY AUTOINCREMENT,
		id         TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload    TEXT,
		stream_id  INTEGER,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_envelopes_type ON envelopes(event_type);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Append records one envelope.
func (j *Journal) Append(ctx context.Context, e events.Envelope) error {
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO envelopes (id, event_type, payload, stream_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, e.Type, e.Payload, e.StreamID, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("append envelope: %w", err)
	}
	return nil
}

// Recent returns the newest n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, event_type, payload, stream_id, created_at
		 FROM envelopes ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query envelopes: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Type, &e.Payload, &e.StreamID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan envelope: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the total number of journalled envelopes.
func (j *Journal) Count(ctx context.Context) (int, error) {
	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM envelopes`).Scan(&n)
	return n, err
}

// Prune drops everything beyond the configured retention.
func (j *Journal) Prune(ctx context.Context) error {
	if j.keep <= 0 {
		return nil
	}
	_, err := j.db.ExecContext(ctx,
		`DELETE FROM envelopes WHERE seq <= (SELECT MAX(seq) FROM envelopes) - ?`, j.keep)
	if err != nil {
		return fmt.Errorf("prune envelopes: %w", err)
	}
	return nil
}

// Sink adapts the journal to the bridge's sink interface.
type Sink struct {
	j *Journal
}

// NewSink wraps a journal as a dispatch sink.
func NewSink(j *Journal) *Sink { return &Sink{j: j} }

// Name implements events.Sink.
func (s *Sink) Name() string { return "journal" }

// Dispatch implements events.Sink.
func (s *Sink) Dispatch(ctx context.Context, e events.Envelope) error {
	return s.j.Append(ctx, e)
}
