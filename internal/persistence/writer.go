package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// EventLogWriter writes envelopes, settlements and stamped accumulator
// entries to Postgres using multi-row INSERT. All writes are idempotent:
// conflicts on the natural key are ignored so a replayed batch is a no-op.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in settle.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Market         string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      int64 // Unix seconds, versioned input
	SourceSequence int64
}

// SettlementRow is a row in settle.settlements: the per-unit deltas for
// one executed (from, to) transition.
type SettlementRow struct {
	Market      string
	FromVersion int64
	ToVersion   int64
	Price       int64
	ValueMaker  int64
	ValueTaker  int64
	ShareMaker  int64
	ShareTaker  int64
	ProtocolFee int64
	Timestamp   int64
}

// EntryRow is a row in settle.accumulator_entries: the cumulative stamped
// entry at one oracle version, both as columns and as its packed slot.
type EntryRow struct {
	Market     string
	Version    int64
	ValueMaker int64
	ValueTaker int64
	ShareMaker int64
	ShareTaker int64
	Slot       []byte // 32-byte packed encoding
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

func (w *EventLogWriter) DB() *sql.DB {
	return w.db
}

// WriteEventBatch writes envelopes to settle.events inside tx.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO settle.events
		(sequence, event_type, idempotency_key, market, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.Market,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteSettlementBatch writes executed transitions to settle.settlements.
func (w *EventLogWriter) WriteSettlementBatch(ctx context.Context, tx *sql.Tx, settlements []SettlementRow) error {
	if len(settlements) == 0 {
		return nil
	}

	query := `INSERT INTO settle.settlements
		(market, from_version, to_version, price, value_maker, value_taker, share_maker, share_taker, protocol_fee, timestamp)
		VALUES `

	values := make([]string, 0, len(settlements))
	args := make([]interface{}, 0, len(settlements)*10)

	for i, s := range settlements {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			s.Market, s.FromVersion, s.ToVersion, s.Price,
			s.ValueMaker, s.ValueTaker, s.ShareMaker, s.ShareTaker,
			s.ProtocolFee, s.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (market, from_version, to_version) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteEntryBatch writes cumulative stamped entries to
// settle.accumulator_entries.
func (w *EventLogWriter) WriteEntryBatch(ctx context.Context, tx *sql.Tx, entries []EntryRow) error {
	if len(entries) == 0 {
		return nil
	}

	query := `INSERT INTO settle.accumulator_entries
		(market, version, value_maker, value_taker, share_maker, share_taker, slot)
		VALUES `

	values := make([]string, 0, len(entries))
	args := make([]interface{}, 0, len(entries)*7)

	for i, e := range entries {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Market, e.Version, e.ValueMaker, e.ValueTaker,
			e.ShareMaker, e.ShareTaker, e.Slot,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (market, version) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LoadEntries reads every stamped entry for a market ordered by version,
// used to rebuild the in-memory accumulator on a cold start without a
// snapshot.
func (w *EventLogWriter) LoadEntries(ctx context.Context, market string) ([]EntryRow, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT market, version, value_maker, value_taker, share_maker, share_taker, slot
		FROM settle.accumulator_entries
		WHERE market = $1
		ORDER BY version ASC
	`, market)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []EntryRow
	for rows.Next() {
		var e EntryRow
		if err := rows.Scan(
			&e.Market, &e.Version, &e.ValueMaker, &e.ValueTaker,
			&e.ShareMaker, &e.ShareTaker, &e.Slot,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
