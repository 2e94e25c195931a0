package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"PerpSettle/internal/core"
)

// SnapshotManager creates and loads engine snapshots for recovery. A
// snapshot contains the full engine state (positions, stamped entries,
// oracle versions, sequence counters, hash chain tip) as JSON.
type SnapshotManager struct {
	db *sql.DB
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// SaveSnapshot persists an engine snapshot. Snapshots are taken
// periodically and verified by replaying events from the snapshot
// sequence forward before being trusted for recovery.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *core.EngineSnapshot) (int, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded EngineSnapshot

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO settle.snapshots
			(snapshot_id, market, sequence, data, format_version, size_bytes, verified, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
		ON CONFLICT (market, sequence) DO UPDATE SET data = $4, size_bytes = $6
	`, snapshotID, snap.Market, snap.Sequence, data, formatVersion, len(data), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// LoadLatestSnapshot loads the most recent verified snapshot for a
// market. A nil result with nil error means cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context, market string) (*core.EngineSnapshot, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM settle.snapshots
		WHERE market = $1 AND verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`, market)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap core.EngineSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// MarkVerified marks a snapshot as trusted after an integrity check.
func (sm *SnapshotManager) MarkVerified(ctx context.Context, market string, sequence int64) error {
	_, err := sm.db.ExecContext(ctx, `
		UPDATE settle.snapshots SET verified = TRUE WHERE market = $1 AND sequence = $2
	`, market, sequence)
	return err
}

// LoadEventsFrom loads envelopes from a given sequence for replay: warm
// restart replays from snapshot.sequence+1, cold restart replays all.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, market, payload,
		       state_hash, prev_hash, timestamp, source_sequence
		FROM settle.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.Market,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp, &e.SourceSequence,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM settle.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
