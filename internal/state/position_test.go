package state_test

import (
	"PerpSettle/internal/fixed"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/packed"
	"PerpSettle/internal/state"
	"errors"
	"testing"
)

// ============================================================================
// Test: Update (pending lanes)
// ============================================================================

func TestPosition_Update_AppliesToPendingOnly(t *testing.T) {
	p := &state.Position{}
	if err := p.Update(10_000_000, 5_000_000, 2_000_000); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if p.MakerNext != 10_000_000 || p.LongNext != 5_000_000 || p.ShortNext != 2_000_000 {
		t.Errorf("pending: got (%d, %d, %d)", p.MakerNext, p.LongNext, p.ShortNext)
	}
	if p.Maker != 0 || p.Long != 0 || p.Short != 0 {
		t.Errorf("active quantities must not move on Update: got (%d, %d, %d)", p.Maker, p.Long, p.Short)
	}
}

func TestPosition_Update_DeltasAccumulate(t *testing.T) {
	p := &state.Position{}
	p.Update(10_000_000, 0, 0)
	p.Update(-4_000_000, 0, 0)

	if p.MakerNext != 6_000_000 {
		t.Errorf("makerNext: got %d, want 6_000_000", p.MakerNext)
	}
}

func TestPosition_Update_NegativeResultRejected(t *testing.T) {
	p := &state.Position{}
	p.Update(5_000_000, 3_000_000, 0)

	err := p.Update(0, -4_000_000, 0)
	if !errors.Is(err, packed.ErrStorageInvalid) {
		t.Errorf("got %v, want ErrStorageInvalid", err)
	}
	// All-or-nothing: nothing moved.
	if p.MakerNext != 5_000_000 || p.LongNext != 3_000_000 {
		t.Errorf("position changed on failed update: (%d, %d)", p.MakerNext, p.LongNext)
	}
}

func TestPosition_Update_LaneOverflowRejected(t *testing.T) {
	p := &state.Position{}
	err := p.Update(state.MaxQuantity+1, 0, 0)
	if !errors.Is(err, packed.ErrStorageInvalid) {
		t.Errorf("got %v, want ErrStorageInvalid", err)
	}

	if err := p.Update(state.MaxQuantity, 0, 0); err != nil {
		t.Errorf("max quantity should fit: %v", err)
	}
}

func TestPosition_Update_AllOrNothing(t *testing.T) {
	p := &state.Position{}
	// Maker delta valid, short delta invalid: neither may apply.
	err := p.Update(1_000_000, 0, -1)
	if err == nil {
		t.Fatal("expected error")
	}
	if p.MakerNext != 0 {
		t.Errorf("makerNext moved on failed update: %d", p.MakerNext)
	}
}

// ============================================================================
// Test: Settle
// ============================================================================

func TestPosition_Settle_PromotesPending(t *testing.T) {
	p := &state.Position{}
	p.Update(10_000_000, 4_000_000, 4_000_000)

	p.Settle(oracle.Version{Number: 7, Timestamp: 1000, Price: 50_000_000})

	if p.LatestVersion != 7 {
		t.Errorf("latestVersion: got %d, want 7", p.LatestVersion)
	}
	if p.Maker != 10_000_000 || p.Long != 4_000_000 || p.Short != 4_000_000 {
		t.Errorf("active: got (%d, %d, %d)", p.Maker, p.Long, p.Short)
	}
}

func TestPosition_Settle_PendingSurvivesAsBaseline(t *testing.T) {
	p := &state.Position{}
	p.Update(10_000_000, 0, 0)
	p.Settle(oracle.Version{Number: 1})

	// Pending keeps its value; the next update builds on it.
	if p.MakerNext != 10_000_000 {
		t.Errorf("makerNext after settle: got %d, want 10_000_000", p.MakerNext)
	}
	p.Update(2_000_000, 0, 0)
	if p.MakerNext != 12_000_000 {
		t.Errorf("makerNext: got %d, want 12_000_000", p.MakerNext)
	}
	// Active unchanged until next settle.
	if p.Maker != 10_000_000 {
		t.Errorf("maker: got %d, want 10_000_000", p.Maker)
	}
}

// ============================================================================
// Test: Utilization and socialization
// ============================================================================

func TestPosition_Utilization(t *testing.T) {
	p := &state.Position{Maker: 10_000_000, Long: 8_000_000, Short: 3_000_000}
	// |8 - 3| / 10 = 0.5
	if got := p.Utilization(); got != 500_000 {
		t.Errorf("got %d, want 500_000", got)
	}
}

func TestPosition_Utilization_ZeroMaker(t *testing.T) {
	p := &state.Position{Long: 5_000_000}
	if got := p.Utilization(); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestPosition_SocializationFactor_FullyCovered(t *testing.T) {
	// long <= maker + short: factor is exactly 1.
	p := &state.Position{Maker: 10_000_000, Long: 10_000_000, Short: 0}
	if got := p.SocializationFactorLong(); got != fixed.One {
		t.Errorf("got %d, want %d", got, fixed.One)
	}
}

func TestPosition_SocializationFactor_Undercovered(t *testing.T) {
	// long = 20, maker + short = 10: factor = 0.5.
	p := &state.Position{Maker: 10_000_000, Long: 20_000_000, Short: 0}
	if got := p.SocializationFactorLong(); got != 500_000 {
		t.Errorf("got %d, want 500_000", got)
	}
}

func TestPosition_SocializationFactor_EmptySideIsOne(t *testing.T) {
	p := &state.Position{Maker: 10_000_000}
	if got := p.SocializationFactorLong(); got != fixed.One {
		t.Errorf("long: got %d, want %d", got, fixed.One)
	}
	if got := p.SocializationFactorShort(); got != fixed.One {
		t.Errorf("short: got %d, want %d", got, fixed.One)
	}
}

func TestPosition_SocializationFactor_NeverExceedsOne(t *testing.T) {
	p := &state.Position{Maker: 100_000_000, Long: 1_000_000, Short: 50_000_000}
	if got := p.SocializationFactorLong(); got != fixed.One {
		t.Errorf("got %d, want capped at %d", got, fixed.One)
	}
}

func TestPosition_SocializationFactorNext_UsesPendingLanes(t *testing.T) {
	p := &state.Position{Maker: 100_000_000}
	p.Update(10_000_000, 20_000_000, 0)

	if got := p.SocializationFactorLongNext(); got != 500_000 {
		t.Errorf("got %d, want 500_000", got)
	}
}

// ============================================================================
// Test: Encode / Decode
// ============================================================================

func TestPosition_EncodeDecodeRoundTrip(t *testing.T) {
	p := state.Position{
		LatestVersion: 42,
		Maker:         10_000_000,
		Long:          4_000_000,
		Short:         3_000_000,
		MakerNext:     12_000_000,
		LongNext:      5_000_000,
		ShortNext:     1_000_000,
	}

	slots, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got := state.DecodePosition(slots)
	if got != p {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestPosition_Encode_NegativeQuantityRejected(t *testing.T) {
	p := state.Position{Maker: -1}
	_, err := p.Encode()
	if !errors.Is(err, packed.ErrStorageInvalid) {
		t.Errorf("got %v, want ErrStorageInvalid", err)
	}
}

func TestPosition_Encode_MaxQuantities(t *testing.T) {
	p := state.Position{
		Maker: state.MaxQuantity, Long: state.MaxQuantity, Short: state.MaxQuantity,
		MakerNext: state.MaxQuantity, LongNext: state.MaxQuantity, ShortNext: state.MaxQuantity,
	}
	slots, err := p.Encode()
	if err != nil {
		t.Fatalf("max quantities should encode: %v", err)
	}
	got := state.DecodePosition(slots)
	if got.Maker != state.MaxQuantity || got.ShortNext != state.MaxQuantity {
		t.Errorf("round-trip lost max quantity: %+v", got)
	}
}
