package packed_test

import (
	"PerpSettle/internal/packed"
	"errors"
	"testing"
)

// ============================================================================
// Test: Writer / Reader round-trip
// ============================================================================

func TestWriter_RoundTripMixedLanes(t *testing.T) {
	w := packed.NewWriter()
	w.PutUint("version", 123456, 32)
	w.PutInt("delta", -987654, 48)
	w.PutBool("flag", true)
	w.PutUint("small", 7, 3)

	slot, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	r := packed.NewReader(slot)
	if got := r.Uint(32); got != 123456 {
		t.Errorf("version: got %d, want 123456", got)
	}
	if got := r.Int(48); got != -987654 {
		t.Errorf("delta: got %d, want -987654", got)
	}
	if got := r.Bool(); !got {
		t.Error("flag: got false, want true")
	}
	if got := r.Uint(3); got != 7 {
		t.Errorf("small: got %d, want 7", got)
	}
}

func TestWriter_UnsignedLaneBounds(t *testing.T) {
	w := packed.NewWriter()
	w.PutUint("limit", packed.MaxUint(24), 24)
	if _, err := w.Finish(); err != nil {
		t.Errorf("max value should fit: %v", err)
	}

	w = packed.NewWriter()
	w.PutUint("overflow", packed.MaxUint(24)+1, 24)
	_, err := w.Finish()
	if !errors.Is(err, packed.ErrStorageInvalid) {
		t.Errorf("got %v, want ErrStorageInvalid", err)
	}
}

func TestWriter_SignedLaneBounds(t *testing.T) {
	w := packed.NewWriter()
	w.PutInt("min", packed.MinInt(25), 25)
	w.PutInt("max", packed.MaxInt(25), 25)
	slot, err := w.Finish()
	if err != nil {
		t.Fatalf("boundary values should fit: %v", err)
	}

	r := packed.NewReader(slot)
	if got := r.Int(25); got != packed.MinInt(25) {
		t.Errorf("min: got %d, want %d", got, packed.MinInt(25))
	}
	if got := r.Int(25); got != packed.MaxInt(25) {
		t.Errorf("max: got %d, want %d", got, packed.MaxInt(25))
	}

	w = packed.NewWriter()
	w.PutInt("over", packed.MaxInt(25)+1, 25)
	if _, err := w.Finish(); !errors.Is(err, packed.ErrStorageInvalid) {
		t.Errorf("got %v, want ErrStorageInvalid", err)
	}

	w = packed.NewWriter()
	w.PutInt("under", packed.MinInt(25)-1, 25)
	if _, err := w.Finish(); !errors.Is(err, packed.ErrStorageInvalid) {
		t.Errorf("got %v, want ErrStorageInvalid", err)
	}
}

func TestWriter_PoisonedWriterStaysPoisoned(t *testing.T) {
	w := packed.NewWriter()
	w.PutUint("bad", packed.MaxUint(8)+1, 8)
	w.PutUint("good", 1, 8) // Must not mask the earlier failure

	_, err := w.Finish()
	if !errors.Is(err, packed.ErrStorageInvalid) {
		t.Errorf("got %v, want ErrStorageInvalid", err)
	}
}

func TestWriter_LayoutExceedsSlot(t *testing.T) {
	w := packed.NewWriter()
	for i := 0; i < 4; i++ {
		w.PutUint("lane", 0, 64)
	}
	w.PutUint("overflow", 0, 1)
	if _, err := w.Finish(); !errors.Is(err, packed.ErrStorageInvalid) {
		t.Errorf("got %v, want ErrStorageInvalid", err)
	}
}

func TestReader_SignExtension(t *testing.T) {
	w := packed.NewWriter()
	w.PutInt("neg", -1, 48)
	slot, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish failed: %v", err)
	}

	r := packed.NewReader(slot)
	if got := r.Int(48); got != -1 {
		t.Errorf("got %d, want -1", got)
	}
}

func TestReader_ZeroSlot(t *testing.T) {
	r := packed.NewReader(packed.Slot{})
	if got := r.Uint(32); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
	if got := r.Int(48); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

// ============================================================================
// Test: Lane range helpers
// ============================================================================

func TestLaneRanges(t *testing.T) {
	if got := packed.MaxUint(48); got != (1<<48)-1 {
		t.Errorf("MaxUint(48): got %d", got)
	}
	if got := packed.MaxInt(62); got != (1<<61)-1 {
		t.Errorf("MaxInt(62): got %d", got)
	}
	if got := packed.MinInt(62); got != -(1 << 61) {
		t.Errorf("MinInt(62): got %d", got)
	}
}
