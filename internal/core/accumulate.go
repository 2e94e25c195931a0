package core

import (
	"math/big"

	"PerpSettle/internal/accumulator"
	"PerpSettle/internal/fixed"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
)

// Funding rates are annualized; accrual scales by elapsed seconds over
// a 365-day year.
const secondsPerYear = 31_536_000

// AccumulationResult carries the per-unit deltas for one settlement
// interval, plus the protocol fee and the composite rate for bookkeeping.
type AccumulationResult struct {
	Value       accumulator.Accumulator
	Share       accumulator.Accumulator
	ProtocolFee int64
	FundingRate int64
}

// Accumulate computes the per-unit value and share deltas earned between
// two oracle versions for a fixed position snapshot. Three independently
// computed parts combine additively: funding, price PNL, and liquidity
// share. The position itself is not mutated.
func Accumulate(
	pos *state.Position,
	from, to oracle.Version,
	param state.RiskParameter,
	payoff state.PayoffTransform,
) AccumulationResult {
	elapsed := to.Timestamp - from.Timestamp
	if elapsed < 0 {
		elapsed = 0
	}

	var res AccumulationResult
	funding, fee, rate := accumulateFunding(pos, from, elapsed, param)
	res.Value = funding.Add(accumulatePrice(pos, from, to, payoff))
	res.Share = accumulateShare(pos, elapsed)
	res.ProtocolFee = fee
	res.FundingRate = rate
	return res
}

// accumulateFunding flows funding between longs and makers. Zero when
// either side is empty or no time has passed. The composite rate is the
// utilization curve plus the proportional controller's skew term, clamped
// to the curve's maximum magnitude.
func accumulateFunding(
	pos *state.Position,
	from oracle.Version,
	elapsed int64,
	param state.RiskParameter,
) (accumulator.Accumulator, int64, int64) {
	var out accumulator.Accumulator
	if pos.Long == 0 || pos.Maker == 0 || elapsed == 0 {
		return out, 0, 0
	}

	notional := fixed.Mul(pos.Long, from.Price)
	socialized := fixed.Mul(notional, pos.SocializationFactorLong())

	rate := param.Curve.Rate(pos.Utilization())
	rate += param.PController.Contribution(skew(pos))
	rate = fixed.Clamp(rate, -param.Curve.MaxRate, param.Curve.MaxRate)

	// accrued = rate * elapsed * socialized / (secondsPerYear * Scale),
	// computed in int128 with a single rounding step
	num := fixed.MultiplyInt128(rate, socialized)
	num.Mul(num, big.NewInt(elapsed))
	accrued := fixed.DivideInt128(num, secondsPerYear*fixed.Scale, fixed.RoundHalfEven)

	fee := fixed.Mul(fixed.Abs(accrued), param.FundingFee)
	net := fixed.Sign(accrued) * (fixed.Abs(accrued) - fee)

	// Negative net means makers would pay; some markets disable that leg
	if param.MakerReceiveOnly && net < 0 {
		return out, 0, rate
	}

	out.Maker = fixed.Div(net, pos.Maker)
	out.Taker = -fixed.Div(net, pos.Long)
	return out, fee, rate
}

// accumulatePrice distributes mark-to-market PNL: makers underwrite the
// long side, so a price rise debits the maker lane and credits the taker
// lane, scaled down by the long socialization factor.
func accumulatePrice(
	pos *state.Position,
	from, to oracle.Version,
	payoff state.PayoffTransform,
) accumulator.Accumulator {
	var out accumulator.Accumulator
	if pos.Long == 0 || pos.Maker == 0 {
		return out
	}

	priceDelta := payoff.Transform(to.Price) - payoff.Transform(from.Price)
	totalDelta := fixed.Mul(priceDelta, pos.Long)
	socialized := fixed.Mul(totalDelta, pos.SocializationFactorLong())

	out.Maker = -fixed.Div(socialized, pos.Maker)
	out.Taker = fixed.Div(socialized, pos.Long)
	return out
}

// accumulateShare accrues liquidity-time per unit, independent of price.
func accumulateShare(pos *state.Position, elapsed int64) accumulator.Accumulator {
	var out accumulator.Accumulator
	t := fixed.FromInt(elapsed)
	if pos.Maker != 0 {
		out.Maker = fixed.Div(t, pos.Maker)
	}
	if pos.Long != 0 {
		out.Taker = fixed.Div(t, pos.Long)
	}
	return out
}

// skew is the directional imbalance (long - short) / (long + short),
// a defined zero on an empty book.
func skew(pos *state.Position) int64 {
	total := pos.Long + pos.Short
	if total == 0 {
		return 0
	}
	return fixed.Div(pos.Long-pos.Short, total)
}
