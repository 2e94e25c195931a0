package persistence

import (
	"context"
	"database/sql"
	"log"
	"time"

	"PerpSettle/internal/observability"
)

// Row mirrors core.Output in storage form to avoid an import cycle.
// The orchestrator (cmd/perpsettle) bridges between the two.
type Row struct {
	Event      EventRow
	Settlement *SettlementRow
	Entry      *EntryRow
}

// Worker drains the persist channel and batch-writes to Postgres.
// The persist channel uses BLOCKING sends from the core, so if this
// worker falls behind, the core stalls and no event is lost.
type Worker struct {
	writer       *EventLogWriter
	inputChan    <-chan Row
	batchSize    int
	flushTimeout time.Duration
	metrics      *observability.Metrics
}

func NewWorker(
	db *sql.DB,
	inputChan <-chan Row,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		writer:       NewEventLogWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		metrics:      metrics,
	}
}

// Run starts the persistence loop. It batches incoming rows and flushes
// either when the batch is full or the flush timeout expires. Blocks
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	events := make([]EventRow, 0, w.batchSize)
	settlements := make([]SettlementRow, 0, w.batchSize)
	entries := make([]EntryRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flushAll := func(flushCtx context.Context) {
		if len(events) == 0 {
			return
		}
		if err := w.flushWithRetry(flushCtx, events, settlements, entries); err != nil {
			log.Printf("ERROR: batch flush failed after retries: %v", err)
		}
		events = events[:0]
		settlements = settlements[:0]
		entries = entries[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flushAll(context.Background())
			return ctx.Err()

		case row, ok := <-w.inputChan:
			if !ok {
				flushAll(context.Background())
				return nil
			}

			events = append(events, row.Event)
			if row.Settlement != nil {
				settlements = append(settlements, *row.Settlement)
			}
			if row.Entry != nil {
				entries = append(entries, *row.Entry)
			}

			if len(events) >= w.batchSize {
				flushAll(ctx)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flushAll(ctx)
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never drops
// rows: it retries until the write succeeds or the context is cancelled,
// and on cancellation makes one final attempt with a background context.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, settlements []SettlementRow, entries []EntryRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			log.Printf("WARN: persistence retry attempt %d (backoff=%v, events=%d)",
				attempt, backoff, len(events))
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), events, settlements, entries)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, events, settlements, entries)
		if err == nil {
			if attempt > 0 {
				log.Printf("INFO: persistence flush succeeded after %d retries", attempt)
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, events []EventRow, settlements []SettlementRow, entries []EntryRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}
	if err := w.writer.WriteSettlementBatch(ctx, tx, settlements); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_settlements").Inc()
		}
		return err
	}
	if err := w.writer.WriteEntryBatch(ctx, tx, entries); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_entries").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistBatchSize.Observe(float64(len(events)))
		w.metrics.PersistEventsWritten.Add(float64(len(events)))
		w.metrics.PersistEntriesWritten.Add(float64(len(entries)))
		if len(events) > 0 {
			w.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
		}
	}
	return nil
}

// Writer returns the underlying writer for recovery reads.
func (w *Worker) Writer() *EventLogWriter {
	return w.writer
}
