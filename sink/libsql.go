package sink

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/contentdag/core/pkg/schema"
)

// LibSQL is a durable Sink backed by an embedded libSQL database. It
// persists the observability event trail only — task-state transitions,
// checkpoint lifecycle, guardrail activations, rollback decisions — and
// is never used to persist checkpoint state itself, which remains
// TTL-bounded and in-memory in the checkpoint.Verifier.
type LibSQL struct {
	db *sql.DB
}

// OpenLibSQL opens (creating if necessary) a libSQL database at path and
// applies the events-table migration. path should be a file URI, e.g.
// "file:/var/lib/contentdag/events.db".
func OpenLibSQL(ctx context.Context, path string) (*LibSQL, error) {
	db, err := sql.Open("libsql", path)
	if err != nil {
		return nil, fmt.Errorf("sink: open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		var discard string
		_ = db.QueryRow(pragma).Scan(&discard)
	}

	s := &LibSQL{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *LibSQL) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS events (
			run_id     TEXT NOT NULL,
			sequence   INTEGER NOT NULL,
			task_id    TEXT,
			agent_id   TEXT,
			event_type TEXT NOT NULL,
			payload    BLOB,
			timestamp  TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, sequence)
		)`)
	if err != nil {
		return fmt.Errorf("sink: migrate events table: %w", err)
	}
	return nil
}

// Append assigns the next per-run sequence number inside a write-locking
// transaction so concurrent appends from different tasks in the same
// run never collide, then inserts the event row.
func (s *LibSQL) Append(ctx context.Context, event schema.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sink: begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("sink: next sequence: %w", err)
	}
	event.Sequence = uint64(seq)

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, sequence, task_id, agent_id, event_type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, nullStr(event.TaskID), nullStr(event.AgentID), event.Type, []byte(event.Payload), event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("sink: insert event: %w", err)
	}

	return tx.Commit()
}

// Events returns the full event history for a run ordered by sequence.
func (s *LibSQL) Events(ctx context.Context, runID string) ([]schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, task_id, agent_id, event_type, payload, timestamp
		 FROM events WHERE run_id = ? ORDER BY sequence ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sink: query events: %w", err)
	}
	defer rows.Close()

	var out []schema.Event
	for rows.Next() {
		var e schema.Event
		var taskID, agentID sql.NullString
		var payload []byte
		e.RunID = runID
		if err := rows.Scan(&e.Sequence, &taskID, &agentID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("sink: scan event: %w", err)
		}
		e.TaskID = taskID.String
		e.AgentID = agentID.String
		e.Payload = payload
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database handle.
func (s *LibSQL) Close() error {
	return s.db.Close()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
