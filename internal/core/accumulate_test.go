package core_test

import (
	"PerpSettle/internal/core"
	"PerpSettle/internal/fixed"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
	"testing"
)

// flatCurveParam returns risk parameters with a constant funding rate and
// no protocol fee, so accruals are exact and easy to verify by hand.
func flatCurveParam(rate int64) state.RiskParameter {
	return state.RiskParameter{
		Curve: state.UtilizationCurve{
			MinRate:           rate,
			MaxRate:           fixed.Abs(rate),
			TargetRate:        rate,
			TargetUtilization: 1_000_000,
		},
	}
}

// priceOnlyParam returns risk parameters where funding is disabled
// entirely: settlement moves value through price PNL alone.
func priceOnlyParam() state.RiskParameter {
	return state.RiskParameter{
		Curve: state.UtilizationCurve{TargetUtilization: 1_000_000},
	}
}

func v(number uint64, ts, price int64) oracle.Version {
	return oracle.Version{Number: number, Timestamp: ts, Price: price}
}

// ============================================================================
// Test: price PNL
// ============================================================================

func TestAccumulate_PricePNL(t *testing.T) {
	// 10 maker units fully covering 10 long units; price rises 100 -> 110.
	// Longs gain exactly 10 per unit, makers lose exactly 10 per unit.
	pos := &state.Position{Maker: 10_000_000, Long: 10_000_000}

	res := core.Accumulate(pos,
		v(1, 1000, 100_000_000),
		v(2, 1000, 110_000_000),
		priceOnlyParam(), state.IdentityPayoff{})

	if res.Value.Maker != -10_000_000 {
		t.Errorf("value.maker: got %d, want -10_000_000", res.Value.Maker)
	}
	if res.Value.Taker != 10_000_000 {
		t.Errorf("value.taker: got %d, want 10_000_000", res.Value.Taker)
	}
	if res.ProtocolFee != 0 {
		t.Errorf("protocolFee: got %d, want 0", res.ProtocolFee)
	}
}

func TestAccumulate_PriceFall_ReversesSign(t *testing.T) {
	pos := &state.Position{Maker: 10_000_000, Long: 10_000_000}

	res := core.Accumulate(pos,
		v(1, 1000, 110_000_000),
		v(2, 1000, 100_000_000),
		priceOnlyParam(), state.IdentityPayoff{})

	if res.Value.Maker != 10_000_000 {
		t.Errorf("value.maker: got %d, want 10_000_000", res.Value.Maker)
	}
	if res.Value.Taker != -10_000_000 {
		t.Errorf("value.taker: got %d, want -10_000_000", res.Value.Taker)
	}
}

func TestAccumulate_PriceSocialized(t *testing.T) {
	// Long exposure twice what makers plus shorts can cover: payouts halve.
	pos := &state.Position{Maker: 10_000_000, Long: 20_000_000}

	res := core.Accumulate(pos,
		v(1, 1000, 100_000_000),
		v(2, 1000, 110_000_000),
		priceOnlyParam(), state.IdentityPayoff{})

	// Total delta 10 * 20 = 200, socialized to 100. Makers pay 100/10 = 10
	// per unit, longs receive 100/20 = 5 per unit.
	if res.Value.Maker != -10_000_000 {
		t.Errorf("value.maker: got %d, want -10_000_000", res.Value.Maker)
	}
	if res.Value.Taker != 5_000_000 {
		t.Errorf("value.taker: got %d, want 5_000_000", res.Value.Taker)
	}
}

func TestAccumulate_PayoffTransformApplied(t *testing.T) {
	// Squared payoff: settles on price^2, so 2 -> 3 moves 9-4 = 5 per unit.
	pos := &state.Position{Maker: 10_000_000, Long: 10_000_000}

	res := core.Accumulate(pos,
		v(1, 1000, 2_000_000),
		v(2, 1000, 3_000_000),
		priceOnlyParam(), state.SquaredPayoff{})

	if res.Value.Taker != 5_000_000 {
		t.Errorf("value.taker: got %d, want 5_000_000", res.Value.Taker)
	}
}

// ============================================================================
// Test: funding
// ============================================================================

func TestAccumulate_FundingExact(t *testing.T) {
	// Rate 1.0 annualized, 10 long units at price 100 (notional 1000),
	// elapsed 31536s = 0.1% of a year: accrued exactly 1.0.
	// Per unit: makers receive 1/10 = 0.1, longs pay 0.1.
	pos := &state.Position{Maker: 10_000_000, Long: 10_000_000}

	res := core.Accumulate(pos,
		v(1, 0, 100_000_000),
		v(2, 31_536, 100_000_000),
		flatCurveParam(1_000_000), state.IdentityPayoff{})

	if res.Value.Maker != 100_000 {
		t.Errorf("value.maker: got %d, want 100_000", res.Value.Maker)
	}
	if res.Value.Taker != -100_000 {
		t.Errorf("value.taker: got %d, want -100_000", res.Value.Taker)
	}
	if res.FundingRate != 1_000_000 {
		t.Errorf("fundingRate: got %d, want 1_000_000", res.FundingRate)
	}
}

func TestAccumulate_FundingFeeSkimmed(t *testing.T) {
	// Same accrual as above (1.0), with a 10% protocol share: fee 0.1,
	// net 0.9 flows to makers at 0.09 per unit.
	param := flatCurveParam(1_000_000)
	param.FundingFee = 100_000
	pos := &state.Position{Maker: 10_000_000, Long: 10_000_000}

	res := core.Accumulate(pos,
		v(1, 0, 100_000_000),
		v(2, 31_536, 100_000_000),
		param, state.IdentityPayoff{})

	if res.ProtocolFee != 100_000 {
		t.Errorf("protocolFee: got %d, want 100_000", res.ProtocolFee)
	}
	if res.Value.Maker != 90_000 {
		t.Errorf("value.maker: got %d, want 90_000", res.Value.Maker)
	}
	if res.Value.Taker != -90_000 {
		t.Errorf("value.taker: got %d, want -90_000", res.Value.Taker)
	}
}

func TestAccumulate_MakerReceiveOnly_SkipsNegativeLeg(t *testing.T) {
	// Negative rate: makers would pay longs. With MakerReceiveOnly the
	// funding leg is skipped entirely, but the rate is still reported.
	param := flatCurveParam(-1_000_000)
	param.MakerReceiveOnly = true
	pos := &state.Position{Maker: 10_000_000, Long: 10_000_000}

	res := core.Accumulate(pos,
		v(1, 0, 100_000_000),
		v(2, 31_536, 100_000_000),
		param, state.IdentityPayoff{})

	if !res.Value.IsZero() {
		t.Errorf("value: got %+v, want zero", res.Value)
	}
	if res.ProtocolFee != 0 {
		t.Errorf("protocolFee: got %d, want 0", res.ProtocolFee)
	}
	if res.FundingRate != -1_000_000 {
		t.Errorf("fundingRate: got %d, want -1_000_000", res.FundingRate)
	}
}

func TestAccumulate_NegativeFundingFlowsWithoutFlag(t *testing.T) {
	param := flatCurveParam(-1_000_000)
	pos := &state.Position{Maker: 10_000_000, Long: 10_000_000}

	res := core.Accumulate(pos,
		v(1, 0, 100_000_000),
		v(2, 31_536, 100_000_000),
		param, state.IdentityPayoff{})

	if res.Value.Maker != -100_000 {
		t.Errorf("value.maker: got %d, want -100_000", res.Value.Maker)
	}
	if res.Value.Taker != 100_000 {
		t.Errorf("value.taker: got %d, want 100_000", res.Value.Taker)
	}
}

func TestAccumulate_CompositeRateClampedToCurveMax(t *testing.T) {
	// Curve contributes 0.8, controller adds 0.5 on a fully long book;
	// the composite clamps at the curve's 1.0 maximum.
	param := state.RiskParameter{
		Curve: state.UtilizationCurve{
			MinRate:           800_000,
			MaxRate:           1_000_000,
			TargetRate:        800_000,
			TargetUtilization: 1_000_000,
		},
		PController: state.Controller{K: 1_000_000, Max: 500_000},
	}
	pos := &state.Position{Maker: 10_000_000, Long: 10_000_000}

	res := core.Accumulate(pos,
		v(1, 0, 100_000_000),
		v(2, 31_536, 100_000_000),
		param, state.IdentityPayoff{})

	if res.FundingRate != 1_000_000 {
		t.Errorf("fundingRate: got %d, want clamped 1_000_000", res.FundingRate)
	}
}

// ============================================================================
// Test: share accrual
// ============================================================================

func TestAccumulate_ShareAccrual(t *testing.T) {
	pos := &state.Position{Maker: 10_000_000, Long: 10_000_000}

	res := core.Accumulate(pos,
		v(1, 0, 100_000_000),
		v(2, 31_536, 100_000_000),
		priceOnlyParam(), state.IdentityPayoff{})

	// 31536 seconds over 10 units: 3153.6 per unit, both sides.
	if res.Share.Maker != 3_153_600_000 {
		t.Errorf("share.maker: got %d, want 3_153_600_000", res.Share.Maker)
	}
	if res.Share.Taker != 3_153_600_000 {
		t.Errorf("share.taker: got %d, want 3_153_600_000", res.Share.Taker)
	}
}

func TestAccumulate_ShareZeroSidesGuarded(t *testing.T) {
	pos := &state.Position{Maker: 10_000_000}

	res := core.Accumulate(pos,
		v(1, 0, 100_000_000),
		v(2, 1000, 100_000_000),
		priceOnlyParam(), state.IdentityPayoff{})

	if res.Share.Maker == 0 {
		t.Error("maker share should accrue with a nonzero maker side")
	}
	if res.Share.Taker != 0 {
		t.Errorf("share.taker: got %d, want 0 for empty long side", res.Share.Taker)
	}
}

// ============================================================================
// Test: guards and interval algebra
// ============================================================================

func TestAccumulate_EmptyBookIsZero(t *testing.T) {
	pos := &state.Position{}

	res := core.Accumulate(pos,
		v(1, 0, 100_000_000),
		v(2, 31_536, 110_000_000),
		flatCurveParam(1_000_000), state.IdentityPayoff{})

	if !res.Value.IsZero() || !res.Share.IsZero() {
		t.Errorf("empty book must accumulate nothing: %+v", res)
	}
}

func TestAccumulate_NoLongsNoFundingNoPrice(t *testing.T) {
	pos := &state.Position{Maker: 10_000_000}

	res := core.Accumulate(pos,
		v(1, 0, 100_000_000),
		v(2, 31_536, 110_000_000),
		flatCurveParam(1_000_000), state.IdentityPayoff{})

	if !res.Value.IsZero() {
		t.Errorf("value: got %+v, want zero without longs", res.Value)
	}
}

func TestAccumulate_ZeroElapsedNoFunding(t *testing.T) {
	pos := &state.Position{Maker: 10_000_000, Long: 10_000_000}

	res := core.Accumulate(pos,
		v(1, 5000, 100_000_000),
		v(2, 5000, 100_000_000),
		flatCurveParam(1_000_000), state.IdentityPayoff{})

	if !res.Value.IsZero() {
		t.Errorf("value: got %+v, want zero for zero elapsed", res.Value)
	}
	if !res.Share.IsZero() {
		t.Errorf("share: got %+v, want zero for zero elapsed", res.Share)
	}
}

func TestAccumulate_TimestampRegressionClampedToZero(t *testing.T) {
	pos := &state.Position{Maker: 10_000_000, Long: 10_000_000}

	res := core.Accumulate(pos,
		v(2, 5000, 100_000_000),
		v(3, 4000, 100_000_000),
		flatCurveParam(1_000_000), state.IdentityPayoff{})

	if !res.Value.IsZero() || !res.Share.IsZero() {
		t.Errorf("negative elapsed must clamp to zero: %+v", res)
	}
}

func TestAccumulate_IntervalSplitIsAdditive(t *testing.T) {
	// With a fixed position and constant price, accumulating A->C must
	// equal A->B plus B->C, lane for lane.
	pos := &state.Position{Maker: 10_000_000, Long: 10_000_000}
	param := flatCurveParam(1_000_000)
	a := v(1, 0, 100_000_000)
	b := v(2, 15_768, 100_000_000)
	c := v(3, 31_536, 100_000_000)

	whole := core.Accumulate(pos, a, c, param, state.IdentityPayoff{})
	first := core.Accumulate(pos, a, b, param, state.IdentityPayoff{})
	second := core.Accumulate(pos, b, c, param, state.IdentityPayoff{})

	if got := first.Value.Add(second.Value); got != whole.Value {
		t.Errorf("value: split %+v != whole %+v", got, whole.Value)
	}
	if got := first.Share.Add(second.Share); got != whole.Share {
		t.Errorf("share: split %+v != whole %+v", got, whole.Share)
	}
}
