package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// execer abstracts *sql.DB and *sql.Tx so batches can run inside one
// transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// LogWriter writes events and command records to Postgres using multi-row
// INSERT batches.
type LogWriter struct {
	db *sql.DB
}

// EventRow represents a row in donation_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

// CommandRow represents a row in donation_log.commands. The command log,
// not the event log, is the replay source: events alone do not carry enough
// detail to rebuild lot indices.
type CommandRow struct {
	CommandSeq     int64
	Name           string
	IdempotencyKey string
	Payload        []byte // JSON-encoded command
	AppliedAt      time.Time
}

func NewLogWriter(db *sql.DB) *LogWriter {
	return &LogWriter{db: db}
}

// WriteEventBatch writes a batch of events to donation_log.events.
func (w *LogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO donation_log.events
		(sequence, event_type, idempotency_key, payload, state_hash, prev_hash, timestamp)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*7)

	for i, e := range events {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING" // Idempotent writes

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteCommandBatch writes a batch of command records to donation_log.commands.
func (w *LogWriter) WriteCommandBatch(ctx context.Context, ex execer, commands []CommandRow) error {
	if len(commands) == 0 {
		return nil
	}

	query := `INSERT INTO donation_log.commands
		(command_seq, name, idempotency_key, payload, applied_at)
		VALUES `

	values := make([]string, 0, len(commands))
	args := make([]interface{}, 0, len(commands)*5)

	for i, c := range commands {
		base := i * 5
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5,
		))
		args = append(args,
			c.CommandSeq, c.Name, c.IdempotencyKey, c.Payload, c.AppliedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (command_seq) DO NOTHING"

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}
