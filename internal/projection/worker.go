package projection

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// Output mirrors the data projection workers need from core.Output.
// The orchestrator (cmd/perpsettle) bridges between the two.
type Output struct {
	Sequence   int64
	EventType  string
	Market     string
	Timestamp  int64
	Settlement *Settlement
}

// Settlement carries the interval deltas plus the cumulative entry the
// interval produced.
type Settlement struct {
	FromVersion int64
	ToVersion   int64
	Price       int64
	ValueMaker  int64
	ValueTaker  int64
	ShareMaker  int64
	ShareTaker  int64
	ProtocolFee int64

	EntryValueMaker int64
	EntryValueTaker int64
	EntryShareMaker int64
	EntryShareTaker int64
}

// Worker maintains the read-model tables from processed events. The
// projection channel is non-blocking with drop: if this worker falls
// behind, the tables are rebuilt from the settlement log.
type Worker struct {
	db        *sql.DB
	inputChan <-chan Output
	lastSeq   int64
}

func NewWorker(db *sql.DB, inputChan <-chan Output) *Worker {
	return &Worker{
		db:        db,
		inputChan: inputChan,
	}
}

// Run starts the projection loop.
func (pw *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processOutput(ctx, output); err != nil {
				log.Printf("WARN: projection update failed at seq=%d: %v", output.Sequence, err)
				// Continue; projections are eventually consistent and
				// rebuildable from the settlement log
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *Worker) processOutput(ctx context.Context, output Output) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Settlement != nil {
		if err := pw.updateMarketState(ctx, tx, output); err != nil {
			return fmt.Errorf("market state projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// updateMarketState upserts one row per market: the latest settled
// version, price, cumulative lanes, and running protocol fee total.
func (pw *Worker) updateMarketState(ctx context.Context, tx *sql.Tx, output Output) error {
	s := output.Settlement
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.market_state
			(market, latest_version, price, value_maker, value_taker,
			 share_maker, share_taker, protocol_fees, last_sequence, updated_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (market) DO UPDATE SET
			latest_version = $2,
			price          = $3,
			value_maker    = $4,
			value_taker    = $5,
			share_maker    = $6,
			share_taker    = $7,
			protocol_fees  = projections.market_state.protocol_fees + $8,
			last_sequence  = $9,
			updated_ts     = $10
	`, output.Market, s.ToVersion, s.Price,
		s.EntryValueMaker, s.EntryValueTaker, s.EntryShareMaker, s.EntryShareTaker,
		s.ProtocolFee, output.Sequence, output.Timestamp)
	return err
}

// Rebuild recomputes the market state projection from the settlement
// log and clears the watermark.
func Rebuild(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`TRUNCATE projections.market_state`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.market_state
			(market, latest_version, price, value_maker, value_taker,
			 share_maker, share_taker, protocol_fees, last_sequence, updated_ts)
		SELECT DISTINCT ON (s.market)
			s.market,
			s.to_version,
			s.price,
			e.value_maker,
			e.value_taker,
			e.share_maker,
			e.share_taker,
			f.total_fees,
			0,
			s.timestamp
		FROM settle.settlements s
		JOIN settle.accumulator_entries e
			ON e.market = s.market AND e.version = s.to_version
		JOIN (
			SELECT market, SUM(protocol_fee) AS total_fees
			FROM settle.settlements
			GROUP BY market
		) f ON f.market = s.market
		ORDER BY s.market, s.to_version DESC
	`)
	if err != nil {
		return fmt.Errorf("rebuild market state: %w", err)
	}

	log.Println("INFO: projection rebuild complete")
	return nil
}
