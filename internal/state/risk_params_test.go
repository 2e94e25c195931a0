package state_test

import (
	"PerpSettle/internal/fixed"
	"PerpSettle/internal/state"
	"errors"
	"testing"
)

func validRiskParameter() state.RiskParameter {
	return state.RiskParameter{
		Maintenance:    300_000, // 0.3
		TakerFee:       1_000,   // 0.001
		TakerSkewFee:   500,
		TakerImpactFee: 500,
		MakerFee:       500,
		MakerImpactFee: 250,
		FundingFee:     100_000, // 10% of funding accrual

		PositionLimit:   1_000_000_000_000, // 1,000,000 units
		EfficiencyLimit: 500_000,

		LiquidationFee:    50_000,
		MinLiquidationFee: 1_000_000,
		MaxLiquidationFee: 100_000_000,
		MinMaintenance:    1_000_000,

		Curve: state.UtilizationCurve{
			MinRate:           -100_000, // -10% annualized
			MaxRate:           1_000_000,
			TargetRate:        50_000,
			TargetUtilization: 800_000, // 0.8
		},
		PController: state.Controller{
			K:   2_000_000,
			Max: 100_000,
		},

		StaleAfter: 3600,
	}
}

func protocolBounds() state.ProtocolParameter {
	return state.ProtocolParameter{
		MaxFee:         10_000,
		MaxFeeAbsolute: 1_000_000_000,
		MaxCut:         100_000,
		MaxRate:        2_000_000,
		MinMaintenance: 100_000,
		MinEfficiency:  100_000,
	}
}

// ============================================================================
// Test: UtilizationCurve
// ============================================================================

func TestCurve_RateAtZero(t *testing.T) {
	c := validRiskParameter().Curve
	if got := c.Rate(0); got != c.MinRate {
		t.Errorf("got %d, want %d", got, c.MinRate)
	}
}

func TestCurve_RateAtTarget(t *testing.T) {
	c := validRiskParameter().Curve
	if got := c.Rate(c.TargetUtilization); got != c.TargetRate {
		t.Errorf("got %d, want %d", got, c.TargetRate)
	}
}

func TestCurve_RateAtFull(t *testing.T) {
	c := validRiskParameter().Curve
	if got := c.Rate(fixed.One); got != c.MaxRate {
		t.Errorf("got %d, want %d", got, c.MaxRate)
	}
}

func TestCurve_LowerSegmentInterpolation(t *testing.T) {
	c := validRiskParameter().Curve
	// At u = 0.4 (half of the 0.8 target): min + (target-min)/2 = -25_000.
	if got := c.Rate(400_000); got != -25_000 {
		t.Errorf("got %d, want -25_000", got)
	}
}

func TestCurve_UpperSegmentInterpolation(t *testing.T) {
	c := validRiskParameter().Curve
	// At u = 0.9 (halfway from 0.8 to 1.0): target + (max-target)/2 = 525_000.
	if got := c.Rate(900_000); got != 525_000 {
		t.Errorf("got %d, want 525_000", got)
	}
}

func TestCurve_UtilizationClampedToOne(t *testing.T) {
	c := validRiskParameter().Curve
	if got := c.Rate(5_000_000); got != c.MaxRate {
		t.Errorf("got %d, want %d", got, c.MaxRate)
	}
	if got := c.Rate(-1); got != c.MinRate {
		t.Errorf("negative utilization: got %d, want %d", got, c.MinRate)
	}
}

func TestCurve_DegenerateZeroTarget(t *testing.T) {
	c := state.UtilizationCurve{MinRate: 0, MaxRate: 100_000, TargetRate: 10_000, TargetUtilization: 0}
	// The whole range is the upper segment: target + (max-target)*u.
	if got := c.Rate(500_000); got != 55_000 {
		t.Errorf("got %d, want 55_000", got)
	}
}

func TestCurve_TargetAtOne(t *testing.T) {
	c := state.UtilizationCurve{MinRate: 0, MaxRate: 100_000, TargetRate: 10_000, TargetUtilization: fixed.One}
	if got := c.Rate(fixed.One); got != c.TargetRate {
		t.Errorf("got %d, want %d", got, c.TargetRate)
	}
}

// ============================================================================
// Test: Controller
// ============================================================================

func TestController_ProportionalContribution(t *testing.T) {
	c := validRiskParameter().PController
	// K=2.0, skew=-0.01: contribution = -0.02 = -20_000, within the cap.
	if got := c.Contribution(-10_000); got != -20_000 {
		t.Errorf("got %d, want -20_000", got)
	}
}

func TestController_CapsAtMax(t *testing.T) {
	c := validRiskParameter().PController
	// K=2.0, skew=0.1: raw contribution 0.2 exceeds the 0.1 cap.
	if got := c.Contribution(100_000); got != c.Max {
		t.Errorf("got %d, want %d", got, c.Max)
	}
	if got := c.Contribution(-100_000); got != -c.Max {
		t.Errorf("got %d, want %d", got, -c.Max)
	}
}

func TestController_ZeroSkew(t *testing.T) {
	c := validRiskParameter().PController
	if got := c.Contribution(0); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

// ============================================================================
// Test: RiskParameterStore
// ============================================================================

func TestRiskParameterStore_EncodeDecodeRoundTrip(t *testing.T) {
	p := validRiskParameter()
	p.MakerReceiveOnly = true

	store, err := state.NewRiskParameterStore(p)
	if err != nil {
		t.Fatalf("NewRiskParameterStore failed: %v", err)
	}

	got := store.Read()
	if got != p {
		t.Errorf("got %+v, want %+v", got, p)
	}
}

func TestRiskParameterStore_ValidateAndStore(t *testing.T) {
	store, err := state.NewRiskParameterStore(validRiskParameter())
	if err != nil {
		t.Fatalf("NewRiskParameterStore failed: %v", err)
	}

	updated := validRiskParameter()
	updated.TakerFee = 2_000
	if err := store.ValidateAndStore(updated, protocolBounds()); err != nil {
		t.Fatalf("ValidateAndStore failed: %v", err)
	}
	if got := store.Read().TakerFee; got != 2_000 {
		t.Errorf("takerFee: got %d, want 2_000", got)
	}
}

func TestRiskParameterStore_RejectionLeavesStoreUnchanged(t *testing.T) {
	original := validRiskParameter()
	store, _ := state.NewRiskParameterStore(original)

	bad := validRiskParameter()
	bad.TakerFee = protocolBounds().MaxFee + 1
	err := store.ValidateAndStore(bad, protocolBounds())
	if !errors.Is(err, state.ErrParameterInvalid) {
		t.Errorf("got %v, want ErrParameterInvalid", err)
	}
	if got := store.Read(); got != original {
		t.Errorf("store changed on rejected update: %+v", got)
	}
}

func TestRiskParameter_ValidateBounds(t *testing.T) {
	proto := protocolBounds()

	cases := []struct {
		name   string
		mutate func(*state.RiskParameter)
	}{
		{"takerFee over maxFee", func(p *state.RiskParameter) { p.TakerFee = proto.MaxFee + 1 }},
		{"makerImpactFee over maxFee", func(p *state.RiskParameter) { p.MakerImpactFee = proto.MaxFee + 1 }},
		{"minLiquidationFee over maxFeeAbsolute", func(p *state.RiskParameter) { p.MinLiquidationFee = proto.MaxFeeAbsolute + 1 }},
		{"liquidationFee over maxCut", func(p *state.RiskParameter) { p.LiquidationFee = proto.MaxCut + 1 }},
		{"curveMaxRate over maxRate", func(p *state.RiskParameter) { p.Curve.MaxRate = proto.MaxRate + 1 }},
		{"negative curveMinRate over maxRate", func(p *state.RiskParameter) { p.Curve.MinRate = -(proto.MaxRate + 1) }},
		{"maintenance below floor", func(p *state.RiskParameter) { p.Maintenance = proto.MinMaintenance - 1 }},
		{"efficiencyLimit below floor", func(p *state.RiskParameter) { p.EfficiencyLimit = proto.MinEfficiency - 1 }},
		{"targetUtilization above one", func(p *state.RiskParameter) { p.Curve.TargetUtilization = fixed.One + 1 }},
		{"minMaintenance below minLiquidationFee", func(p *state.RiskParameter) {
			p.MinMaintenance = p.MinLiquidationFee - 1
		}},
	}

	for _, c := range cases {
		store, _ := state.NewRiskParameterStore(validRiskParameter())
		p := validRiskParameter()
		c.mutate(&p)
		if err := store.ValidateAndStore(p, proto); !errors.Is(err, state.ErrParameterInvalid) {
			t.Errorf("%s: got %v, want ErrParameterInvalid", c.name, err)
		}
	}
}

func TestRiskParameter_LaneOverflowRejectedAtStore(t *testing.T) {
	store, _ := state.NewRiskParameterStore(validRiskParameter())

	p := validRiskParameter()
	p.StaleAfter = int64(1) << 30 // Exceeds the 24-bit stale lane
	if err := store.ValidateAndStore(p, protocolBounds()); err == nil {
		t.Error("expected lane-overflow error")
	}
	if got := store.Read(); got != validRiskParameter() {
		t.Errorf("store changed on failed encode: %+v", got)
	}
}

// ============================================================================
// Test: Liquidation helpers
// ============================================================================

func TestMaintenanceRequired_Floored(t *testing.T) {
	p := validRiskParameter()
	// Small notional: ratio term below the absolute floor.
	if got := p.MaintenanceRequired(1_000_000); got != p.MinMaintenance {
		t.Errorf("got %d, want %d", got, p.MinMaintenance)
	}
	// Large notional: ratio term dominates. 0.3 * 100 = 30.
	if got := p.MaintenanceRequired(100_000_000); got != 30_000_000 {
		t.Errorf("got %d, want 30_000_000", got)
	}
}

func TestLiquidatable(t *testing.T) {
	p := validRiskParameter()
	if !p.Liquidatable(29_000_000, 100_000_000) {
		t.Error("collateral below maintenance should be liquidatable")
	}
	if p.Liquidatable(30_000_000, 100_000_000) {
		t.Error("collateral at maintenance should not be liquidatable")
	}
}

func TestLiquidationReward_Clamped(t *testing.T) {
	p := validRiskParameter()
	// 0.05 * 10 = 0.5, below the 1.0 floor.
	if got := p.LiquidationReward(10_000_000); got != p.MinLiquidationFee {
		t.Errorf("got %d, want %d", got, p.MinLiquidationFee)
	}
	// 0.05 * 10000 = 500, above the 100 cap.
	if got := p.LiquidationReward(10_000_000_000); got != p.MaxLiquidationFee {
		t.Errorf("got %d, want %d", got, p.MaxLiquidationFee)
	}
	// In range: 0.05 * 1000 = 50.
	if got := p.LiquidationReward(1_000_000_000); got != 50_000_000 {
		t.Errorf("got %d, want 50_000_000", got)
	}
}
