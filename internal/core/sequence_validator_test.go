package core_test

import (
	"testing"

	"PerpSettle/internal/core"
)

func TestSequenceValidator_StrictOrdering(t *testing.T) {
	sv := core.NewSequenceValidator()
	partition := "market:ETH-PERP"

	for seq := int64(0); seq < 3; seq++ {
		if err := sv.ValidateSequence(partition, seq, false); err != nil {
			t.Fatalf("sequence %d: %v", seq, err)
		}
	}
	if got := sv.GetExpectedSequence(partition); got != 3 {
		t.Errorf("expected next: got %d, want 3", got)
	}
}

func TestSequenceValidator_GapRejected(t *testing.T) {
	sv := core.NewSequenceValidator()
	partition := "market:ETH-PERP"

	if err := sv.ValidateSequence(partition, 0, false); err != nil {
		t.Fatalf("sequence 0: %v", err)
	}
	if err := sv.ValidateSequence(partition, 2, false); err == nil {
		t.Error("gap must be rejected")
	}
	// A rejected gap does not advance the expectation
	if err := sv.ValidateSequence(partition, 1, false); err != nil {
		t.Errorf("sequence 1 after rejected gap: %v", err)
	}
}

func TestSequenceValidator_DuplicateBelowExpected(t *testing.T) {
	sv := core.NewSequenceValidator()
	partition := "market:ETH-PERP"

	sv.ValidateSequence(partition, 0, false)
	sv.ValidateSequence(partition, 1, false)

	// Known duplicate: silently accepted, the guard skips it upstream
	if err := sv.ValidateSequence(partition, 0, true); err != nil {
		t.Errorf("duplicate redelivery: got %v, want nil", err)
	}
	// Same sequence without the duplicate flag is a genuine fault
	if err := sv.ValidateSequence(partition, 0, false); err == nil {
		t.Error("non-duplicate replay must be rejected")
	}
	if got := sv.OutOfOrder(partition); got != 1 {
		t.Errorf("outOfOrder count: got %d, want 1", got)
	}
}

func TestSequenceValidator_PartitionsIndependent(t *testing.T) {
	sv := core.NewSequenceValidator()

	if err := sv.ValidateSequence("market:ETH-PERP", 0, false); err != nil {
		t.Fatalf("eth 0: %v", err)
	}
	if err := sv.ValidateSequence("market:BTC-PERP", 0, false); err != nil {
		t.Fatalf("btc 0 after eth 0: %v", err)
	}
}

func TestSequenceValidator_VersionGapsTolerated(t *testing.T) {
	sv := core.NewSequenceValidator()

	if err := sv.ValidateVersionSequence("ETH-PERP", 1); err != nil {
		t.Fatalf("version 1: %v", err)
	}
	if err := sv.ValidateVersionSequence("ETH-PERP", 5); err != nil {
		t.Fatalf("version 5: %v", err)
	}
	if got := sv.VersionGaps("ETH-PERP"); got != 1 {
		t.Errorf("versionGaps: got %d, want 1", got)
	}

	// At or below the high-water mark: idempotent redelivery, no error
	if err := sv.ValidateVersionSequence("ETH-PERP", 3); err != nil {
		t.Errorf("stale version redelivery: got %v, want nil", err)
	}
	if err := sv.ValidateVersionSequence("ETH-PERP", 5); err != nil {
		t.Errorf("same version redelivery: got %v, want nil", err)
	}
	if got := sv.VersionGaps("ETH-PERP"); got != 1 {
		t.Errorf("versionGaps after redeliveries: got %d, want 1", got)
	}
}

func TestSequenceValidator_RestorePartition(t *testing.T) {
	sv := core.NewSequenceValidator()
	sv.RestorePartition("market:ETH-PERP", 42)

	if err := sv.ValidateSequence("market:ETH-PERP", 41, false); err == nil {
		t.Error("sequence below the restored mark must be rejected")
	}
	if err := sv.ValidateSequence("market:ETH-PERP", 42, false); err != nil {
		t.Errorf("sequence at the restored mark: %v", err)
	}

	got := sv.GetAllPartitions()
	if got["market:ETH-PERP"] != 43 {
		t.Errorf("partition map: got %d, want 43", got["market:ETH-PERP"])
	}
}
