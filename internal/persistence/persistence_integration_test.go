package persistence_test

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"testing"

	"PerpSettle/internal/core"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/state"
	"PerpSettle/internal/testutil"
)

// setupDB opens the test database and brings the schema up to date.
// Skips when no test Postgres is reachable.
func setupDB(t *testing.T) *sql.DB {
	t.Helper()
	db, cleanup := testutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	if err := persistence.NewMigrator(db, "../../migrations").Up(context.Background()); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	return db
}

func sampleEventRow(seq int64) persistence.EventRow {
	return persistence.EventRow{
		Sequence:       seq,
		EventType:      "PriceCommit",
		IdempotencyKey: fmt.Sprintf("ETH-PERP:price:%d", seq),
		Market:         "ETH-PERP",
		Payload:        []byte(`{"MarketID":"ETH-PERP"}`),
		StateHash:      make([]byte, 32),
		PrevHash:       make([]byte, 32),
		Timestamp:      1000 + seq,
		SourceSequence: seq,
	}
}

func writeEvents(t *testing.T, db *sql.DB, rows []persistence.EventRow) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	w := persistence.NewEventLogWriter(db)
	if err := w.WriteEventBatch(ctx, tx, rows); err != nil {
		tx.Rollback()
		t.Fatalf("write events: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func writeSettlements(t *testing.T, db *sql.DB, rows []persistence.SettlementRow) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	w := persistence.NewEventLogWriter(db)
	if err := w.WriteSettlementBatch(ctx, tx, rows); err != nil {
		tx.Rollback()
		t.Fatalf("write settlements: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// ============================================================================
// Test: event log writer
// ============================================================================

func TestEventLogWriter_ReplayedBatchIsNoOp(t *testing.T) {
	db := setupDB(t)

	rows := []persistence.EventRow{sampleEventRow(0), sampleEventRow(1)}
	writeEvents(t, db, rows)
	writeEvents(t, db, rows) // replay after a crash: conflicts ignored

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM settle.events`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Errorf("event rows: got %d, want 2", count)
	}
}

// ============================================================================
// Test: snapshot manager
// ============================================================================

func TestSnapshotManager_VerifiedLoadCycle(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)

	snap := &core.EngineSnapshot{
		Market:   "ETH-PERP",
		Sequence: 10,
		Global:   state.Position{Maker: 10_000_000, Long: 10_000_000, LatestVersion: 2},
		Stamps: []core.StampSnapshot{
			{Version: 1},
			{Version: 2, ValueMaker: -10_000_000, ValueTaker: 10_000_000},
		},
		PrevHash: hex.EncodeToString(make([]byte, 32)),
	}
	if _, err := sm.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	// Unverified snapshots are never used for recovery
	got, err := sm.LoadLatestSnapshot(ctx, "ETH-PERP")
	if err != nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if got != nil {
		t.Fatal("unverified snapshot must not load")
	}

	if err := sm.MarkVerified(ctx, "ETH-PERP", 10); err != nil {
		t.Fatalf("MarkVerified: %v", err)
	}
	got, err = sm.LoadLatestSnapshot(ctx, "ETH-PERP")
	if err != nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if got == nil {
		t.Fatal("verified snapshot missing")
	}
	if got.Sequence != 10 || got.Global.Maker != 10_000_000 {
		t.Errorf("snapshot round-trip: got seq=%d maker=%d", got.Sequence, got.Global.Maker)
	}
	if len(got.Stamps) != 2 || got.Stamps[1].ValueTaker != 10_000_000 {
		t.Errorf("stamps round-trip: got %+v", got.Stamps)
	}
}

func TestSnapshotManager_LoadEventsFrom(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)

	var rows []persistence.EventRow
	for seq := int64(0); seq < 5; seq++ {
		rows = append(rows, sampleEventRow(seq))
	}
	writeEvents(t, db, rows)

	events, err := sm.LoadEventsFrom(ctx, 2, 100)
	if err != nil {
		t.Fatalf("LoadEventsFrom: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events from 2: got %d, want 3", len(events))
	}
	if events[0].Sequence != 2 || events[2].Sequence != 4 {
		t.Errorf("replay window: got %d..%d, want 2..4", events[0].Sequence, events[2].Sequence)
	}

	latest, err := sm.GetLatestSequence(ctx)
	if err != nil {
		t.Fatalf("GetLatestSequence: %v", err)
	}
	if latest != 4 {
		t.Errorf("latest sequence: got %d, want 4", latest)
	}

	// Empty log reads as sequence zero
	if _, err := db.Exec(`TRUNCATE settle.events`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	latest, err = sm.GetLatestSequence(ctx)
	if err != nil || latest != 0 {
		t.Errorf("empty log: got %d, %v, want 0, nil", latest, err)
	}
}

// ============================================================================
// Test: cold-path transition checker
// ============================================================================

func TestPostgresTransitionChecker(t *testing.T) {
	db := setupDB(t)

	writeSettlements(t, db, []persistence.SettlementRow{{
		Market:      "ETH-PERP",
		FromVersion: 1,
		ToVersion:   2,
		Price:       110_000_000,
		ValueMaker:  -10_000_000,
		ValueTaker:  10_000_000,
		Timestamp:   2000,
	}})

	checker := persistence.NewPostgresTransitionChecker(db, "ETH-PERP")

	seen, err := checker.TransitionSeen("global", 1, 2)
	if err != nil {
		t.Fatalf("TransitionSeen: %v", err)
	}
	if !seen {
		t.Error("persisted transition not reported seen")
	}

	seen, err = checker.TransitionSeen("global", 2, 3)
	if err != nil || seen {
		t.Errorf("unpersisted transition: got seen=%v err=%v", seen, err)
	}

	// Account transitions only dedup through the LRU tier
	seen, err = checker.TransitionSeen("acct:x", 1, 2)
	if err != nil || seen {
		t.Errorf("account scope: got seen=%v err=%v, want false, nil", seen, err)
	}
}
