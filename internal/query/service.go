package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// Service provides read-only access to the persisted settlement history.
// All responses include as_of_sequence for freshness semantics.
type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// getWatermark returns the highest persisted event sequence.
func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM settle.events`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// GetSettlements returns settlement history for a market, newest first,
// with cursor pagination on to_version.
func (s *Service) GetSettlements(
	ctx context.Context,
	market string,
	limit int,
	beforeVersion *int64,
) ([]SettlementResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `
		SELECT market, from_version, to_version, price,
		       value_maker, value_taker, share_maker, share_taker,
		       protocol_fee, timestamp
		FROM settle.settlements
		WHERE market = $1
	`
	args := []interface{}{market}
	argIdx := 2

	if beforeVersion != nil {
		query += fmt.Sprintf(" AND to_version < $%d", argIdx)
		args = append(args, *beforeVersion)
		argIdx++
	}

	query += " ORDER BY to_version DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementResponse
	for rows.Next() {
		var r SettlementResponse
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&r.Market, &r.FromVersion, &r.ToVersion, &r.Price,
			&r.ValueMaker, &r.ValueTaker, &r.ShareMaker, &r.ShareTaker,
			&r.ProtocolFee, &r.Timestamp,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetEntryAsOf returns the cumulative accumulator entry effective at a
// version: the row with the greatest stamped version at or before the
// query. Stamped=false with zero lanes means no stamp exists at all.
func (s *Service) GetEntryAsOf(
	ctx context.Context,
	market string,
	asOfVersion int64,
) (*EntryResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	resp := &EntryResponse{
		Market:         market,
		QueriedVersion: asOfVersion,
		AsOfSequence:   asOfSeq,
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT version, value_maker, value_taker, share_maker, share_taker
		FROM settle.accumulator_entries
		WHERE market = $1 AND version <= $2
		ORDER BY version DESC
		LIMIT 1
	`, market, asOfVersion)

	err = row.Scan(&resp.StampedVersion, &resp.ValueMaker, &resp.ValueTaker,
		&resp.ShareMaker, &resp.ShareTaker)
	if err == sql.ErrNoRows {
		return resp, nil
	}
	if err != nil {
		return nil, err
	}
	resp.Stamped = true
	return resp, nil
}

// GetEvents returns envelopes from the event log in sequence order.
func (s *Service) GetEvents(
	ctx context.Context,
	fromSequence int64,
	limit int,
) ([]EventResponse, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
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

	var out []EventResponse
	for rows.Next() {
		var r EventResponse
		var stateHash, prevHash []byte
		if err := rows.Scan(
			&r.Sequence, &r.EventType, &r.IdempotencyKey, &r.Market,
			(*[]byte)(&r.Payload), &stateHash, &prevHash, &r.Timestamp, &r.SourceSequence,
		); err != nil {
			return nil, err
		}
		r.StateHash = hex.EncodeToString(stateHash)
		r.PrevHash = hex.EncodeToString(prevHash)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetLatestSnapshot returns the latest verified snapshot for a market.
func (s *Service) GetLatestSnapshot(
	ctx context.Context,
	market string,
) (*SnapshotResponse, error) {
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var resp SnapshotResponse
	var data []byte
	row := s.db.QueryRowContext(ctx, `
		SELECT market, sequence, size_bytes, data
		FROM settle.snapshots
		WHERE market = $1 AND verified = TRUE
		ORDER BY sequence DESC
		LIMIT 1
	`, market)
	err = row.Scan(&resp.Market, &resp.Sequence, &resp.SizeBytes, &data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	resp.Data = data
	resp.AsOfSequence = asOfSeq
	return &resp, nil
}
