package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Klem/donation-tracker/internal/receipt"
	"github.com/Klem/donation-tracker/internal/tracker"
)

// SnapshotManager handles creating and loading state snapshots for recovery.
// On warm restart the caller loads the latest snapshot, restores the engine
// and the receipt minter, then replays the command log from
// snapshot.CommandSeq+1.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData is the full persisted state at a point in time.
type SnapshotData struct {
	Engine    *tracker.SnapshotState `json:"engine"`
	Tokens    []receipt.Token        `json:"tokens"`
	CreatedAt time.Time              `json:"created_at"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists a snapshot to Postgres and returns the encoded size.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	sizeBytes := len(data)
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	stateHash := make([]byte, 32)
	copy(stateHash, snap.Engine.StateHash[:])

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO donation_log.snapshots
			(snapshot_id, command_seq, data, state_hash, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (command_seq) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Engine.CommandSeq, data, stateHash, formatVersion, sizeBytes, snap.CreatedAt)
	if err != nil {
		return 0, err
	}

	return sizeBytes, nil
}

// LoadLatestSnapshot loads the most recent snapshot, or nil on cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM donation_log.snapshots
		ORDER BY command_seq DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil // no snapshot yet, cold start
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// LoadCommandsFrom loads command records from a given command sequence for
// replay, in apply order.
func (sm *SnapshotManager) LoadCommandsFrom(ctx context.Context, fromCommandSeq int64, limit int) ([]CommandRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT command_seq, name, idempotency_key, payload, applied_at
		FROM donation_log.commands
		WHERE command_seq >= $1
		ORDER BY command_seq ASC
		LIMIT $2
	`, fromCommandSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commands []CommandRow
	for rows.Next() {
		var c CommandRow
		if err := rows.Scan(
			&c.CommandSeq, &c.Name, &c.IdempotencyKey, &c.Payload, &c.AppliedAt,
		); err != nil {
			return nil, err
		}
		commands = append(commands, c)
	}

	return commands, rows.Err()
}

// GetLatestCommandSeq returns the highest command sequence in the log.
func (sm *SnapshotManager) GetLatestCommandSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(command_seq) FROM donation_log.commands
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil // Empty command log
	}
	return seq.Int64, nil
}
