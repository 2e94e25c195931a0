package state

import (
	"fmt"

	"PerpSettle/internal/fixed"
	"PerpSettle/internal/packed"
)

// Packed risk-parameter layout: three 32-byte slots.
//
//	Slot 0: maintenance u24 | takerFee u24 | takerSkewFee u24 |
//	        takerImpactFee u24 | makerFee u24 | makerImpactFee u24 |
//	        fundingFee u24 | positionLimit u48 | efficiencyLimit u24 |
//	        makerReceiveOnly u1 | closed u1 | reserved
//	Slot 1: liquidationFee u24 | minLiquidationFee u48 |
//	        maxLiquidationFee u48 | minMaintenance u48 | staleAfter u24 |
//	        reserved
//	Slot 2: curveMinRate s25 | curveMaxRate s25 | curveTargetRate s25 |
//	        targetUtilization u24 | controllerK u32 | controllerMax s25 |
//	        reserved
//
// Ratio lanes are 24-bit at 1e6 scale (max 16.777215, i.e. ~1677%); signed
// rate lanes are 25-bit giving the same magnitude either side of zero;
// absolute-amount lanes are 48-bit at 1e6 scale.
const (
	ratioBits      = 24
	signedRateBits = 25
	absAmountBits  = 48
	gainBits       = 32
	staleBits      = 24
)

// MaxRatio is the largest ratio a 24-bit lane can store.
var MaxRatio = int64(packed.MaxUint(ratioBits))

// UtilizationCurve is the piecewise-linear funding-rate curve. Rates are
// annualized fixed-point. Below the target utilization the rate
// interpolates minRate to targetRate; at or above it interpolates
// targetRate to maxRate, with utilization capped at 1.
type UtilizationCurve struct {
	MinRate           int64
	MaxRate           int64
	TargetRate        int64
	TargetUtilization int64
}

// Rate evaluates the curve at the given utilization.
func (c UtilizationCurve) Rate(utilization int64) int64 {
	u := fixed.Clamp(utilization, 0, fixed.One)
	target := c.TargetUtilization

	if target <= 0 {
		// Degenerate target: the whole [0,1] range is the upper segment
		return c.TargetRate + fixed.Mul(c.MaxRate-c.TargetRate, u)
	}
	if u < target {
		return c.MinRate + fixed.MulDiv(c.TargetRate-c.MinRate, u, target)
	}
	if target >= fixed.One {
		return c.TargetRate
	}
	return c.TargetRate + fixed.MulDiv(c.MaxRate-c.TargetRate, u-target, fixed.One-target)
}

// Controller is the proportional term added on top of the curve rate.
// Its contribution is K * skew, capped at ±Max.
type Controller struct {
	K   int64
	Max int64
}

// Contribution evaluates the controller for a directional skew in [-1, 1].
func (c Controller) Contribution(skew int64) int64 {
	return fixed.Clamp(fixed.Mul(c.K, skew), -c.Max, c.Max)
}

// RiskParameter is the full per-market risk configuration. It is created
// with market defaults and mutated only through the store's
// ValidateAndStore; a partially-applied update never exists.
type RiskParameter struct {
	Maintenance    int64 // Maintenance margin ratio
	TakerFee       int64
	TakerSkewFee   int64
	TakerImpactFee int64
	MakerFee       int64
	MakerImpactFee int64
	FundingFee     int64 // Protocol's share of funding accrual

	PositionLimit   int64 // Absolute quantity cap per side
	EfficiencyLimit int64

	LiquidationFee    int64 // Ratio of notional paid to the liquidator
	MinLiquidationFee int64 // Absolute floor
	MaxLiquidationFee int64 // Absolute cap
	MinMaintenance    int64 // Absolute maintenance floor

	Curve       UtilizationCurve
	PController Controller

	StaleAfter       int64 // Seconds before an oracle version is too old
	MakerReceiveOnly bool
	Closed           bool
}

// ProtocolParameter carries the protocol-wide bounds every market's risk
// parameters must respect.
type ProtocolParameter struct {
	MaxFee         int64
	MaxFeeAbsolute int64
	MaxCut         int64
	MaxRate        int64
	MinMaintenance int64
	MinEfficiency  int64
}

// validate checks every protocol-wide bound, in a fixed order, and reports
// the first violation.
func (p RiskParameter) validate(proto ProtocolParameter) error {
	for _, f := range []struct {
		name string
		v    int64
	}{
		{"takerFee", p.TakerFee},
		{"takerSkewFee", p.TakerSkewFee},
		{"takerImpactFee", p.TakerImpactFee},
		{"makerFee", p.MakerFee},
		{"makerImpactFee", p.MakerImpactFee},
	} {
		if f.v > proto.MaxFee {
			return fmt.Errorf("%w: %s %d exceeds protocol maxFee %d",
				ErrParameterInvalid, f.name, f.v, proto.MaxFee)
		}
	}

	for _, f := range []struct {
		name string
		v    int64
	}{
		{"minLiquidationFee", p.MinLiquidationFee},
		{"maxLiquidationFee", p.MaxLiquidationFee},
		{"minMaintenance", p.MinMaintenance},
	} {
		if f.v > proto.MaxFeeAbsolute {
			return fmt.Errorf("%w: %s %d exceeds protocol maxFeeAbsolute %d",
				ErrParameterInvalid, f.name, f.v, proto.MaxFeeAbsolute)
		}
	}

	if p.LiquidationFee > proto.MaxCut {
		return fmt.Errorf("%w: liquidationFee %d exceeds protocol maxCut %d",
			ErrParameterInvalid, p.LiquidationFee, proto.MaxCut)
	}

	for _, f := range []struct {
		name string
		v    int64
	}{
		{"curveMinRate", p.Curve.MinRate},
		{"curveMaxRate", p.Curve.MaxRate},
		{"curveTargetRate", p.Curve.TargetRate},
		{"controllerMax", p.PController.Max},
	} {
		if fixed.Abs(f.v) > proto.MaxRate {
			return fmt.Errorf("%w: %s %d exceeds protocol maxRate %d",
				ErrParameterInvalid, f.name, f.v, proto.MaxRate)
		}
	}

	if p.Maintenance < proto.MinMaintenance {
		return fmt.Errorf("%w: maintenance %d below protocol minMaintenance %d",
			ErrParameterInvalid, p.Maintenance, proto.MinMaintenance)
	}
	if p.EfficiencyLimit < proto.MinEfficiency {
		return fmt.Errorf("%w: efficiencyLimit %d below protocol minEfficiency %d",
			ErrParameterInvalid, p.EfficiencyLimit, proto.MinEfficiency)
	}
	if p.Curve.TargetUtilization > fixed.One {
		return fmt.Errorf("%w: targetUtilization %d exceeds 1.0",
			ErrParameterInvalid, p.Curve.TargetUtilization)
	}
	if p.MinMaintenance < p.MinLiquidationFee {
		return fmt.Errorf("%w: minMaintenance %d below minLiquidationFee %d",
			ErrParameterInvalid, p.MinMaintenance, p.MinLiquidationFee)
	}

	return nil
}

// Encode packs the parameter set into its three slots; every field is
// range-checked against its lane before any slot is produced.
func (p RiskParameter) Encode() ([3]packed.Slot, error) {
	var out [3]packed.Slot

	for _, f := range []struct {
		name string
		v    int64
	}{
		{"maintenance", p.Maintenance}, {"takerFee", p.TakerFee},
		{"takerSkewFee", p.TakerSkewFee}, {"takerImpactFee", p.TakerImpactFee},
		{"makerFee", p.MakerFee}, {"makerImpactFee", p.MakerImpactFee},
		{"fundingFee", p.FundingFee}, {"positionLimit", p.PositionLimit},
		{"efficiencyLimit", p.EfficiencyLimit}, {"liquidationFee", p.LiquidationFee},
		{"minLiquidationFee", p.MinLiquidationFee}, {"maxLiquidationFee", p.MaxLiquidationFee},
		{"minMaintenance", p.MinMaintenance}, {"staleAfter", p.StaleAfter},
		{"targetUtilization", p.Curve.TargetUtilization}, {"controllerK", p.PController.K},
	} {
		if f.v < 0 {
			return out, fmt.Errorf("%w: field %s: negative value %d in unsigned lane",
				packed.ErrStorageInvalid, f.name, f.v)
		}
	}

	w := packed.NewWriter()
	w.PutUint("maintenance", uint64(p.Maintenance), ratioBits)
	w.PutUint("takerFee", uint64(p.TakerFee), ratioBits)
	w.PutUint("takerSkewFee", uint64(p.TakerSkewFee), ratioBits)
	w.PutUint("takerImpactFee", uint64(p.TakerImpactFee), ratioBits)
	w.PutUint("makerFee", uint64(p.MakerFee), ratioBits)
	w.PutUint("makerImpactFee", uint64(p.MakerImpactFee), ratioBits)
	w.PutUint("fundingFee", uint64(p.FundingFee), ratioBits)
	w.PutUint("positionLimit", uint64(p.PositionLimit), absAmountBits)
	w.PutUint("efficiencyLimit", uint64(p.EfficiencyLimit), ratioBits)
	w.PutBool("makerReceiveOnly", p.MakerReceiveOnly)
	w.PutBool("closed", p.Closed)
	slot0, err := w.Finish()
	if err != nil {
		return out, err
	}

	w = packed.NewWriter()
	w.PutUint("liquidationFee", uint64(p.LiquidationFee), ratioBits)
	w.PutUint("minLiquidationFee", uint64(p.MinLiquidationFee), absAmountBits)
	w.PutUint("maxLiquidationFee", uint64(p.MaxLiquidationFee), absAmountBits)
	w.PutUint("minMaintenance", uint64(p.MinMaintenance), absAmountBits)
	w.PutUint("staleAfter", uint64(p.StaleAfter), staleBits)
	slot1, err := w.Finish()
	if err != nil {
		return out, err
	}

	w = packed.NewWriter()
	w.PutInt("curveMinRate", p.Curve.MinRate, signedRateBits)
	w.PutInt("curveMaxRate", p.Curve.MaxRate, signedRateBits)
	w.PutInt("curveTargetRate", p.Curve.TargetRate, signedRateBits)
	w.PutUint("targetUtilization", uint64(p.Curve.TargetUtilization), ratioBits)
	w.PutUint("controllerK", uint64(p.PController.K), gainBits)
	w.PutInt("controllerMax", p.PController.Max, signedRateBits)
	slot2, err := w.Finish()
	if err != nil {
		return out, err
	}

	out[0] = slot0
	out[1] = slot1
	out[2] = slot2
	return out, nil
}

// DecodeRiskParameter unpacks a parameter set from its three slots.
func DecodeRiskParameter(slots [3]packed.Slot) RiskParameter {
	r0 := packed.NewReader(slots[0])
	p := RiskParameter{
		Maintenance:     int64(r0.Uint(ratioBits)),
		TakerFee:        int64(r0.Uint(ratioBits)),
		TakerSkewFee:    int64(r0.Uint(ratioBits)),
		TakerImpactFee:  int64(r0.Uint(ratioBits)),
		MakerFee:        int64(r0.Uint(ratioBits)),
		MakerImpactFee:  int64(r0.Uint(ratioBits)),
		FundingFee:      int64(r0.Uint(ratioBits)),
		PositionLimit:   int64(r0.Uint(absAmountBits)),
		EfficiencyLimit: int64(r0.Uint(ratioBits)),
	}
	p.MakerReceiveOnly = r0.Bool()
	p.Closed = r0.Bool()

	r1 := packed.NewReader(slots[1])
	p.LiquidationFee = int64(r1.Uint(ratioBits))
	p.MinLiquidationFee = int64(r1.Uint(absAmountBits))
	p.MaxLiquidationFee = int64(r1.Uint(absAmountBits))
	p.MinMaintenance = int64(r1.Uint(absAmountBits))
	p.StaleAfter = int64(r1.Uint(staleBits))

	r2 := packed.NewReader(slots[2])
	p.Curve.MinRate = r2.Int(signedRateBits)
	p.Curve.MaxRate = r2.Int(signedRateBits)
	p.Curve.TargetRate = r2.Int(signedRateBits)
	p.Curve.TargetUtilization = int64(r2.Uint(ratioBits))
	p.PController.K = int64(r2.Uint(gainBits))
	p.PController.Max = r2.Int(signedRateBits)

	return p
}

// MaintenanceRequired returns the collateral a position of the given
// notional must hold: the maintenance ratio applied to notional, floored
// at the absolute minimum.
func (p RiskParameter) MaintenanceRequired(notional int64) int64 {
	return fixed.Max(fixed.Mul(notional, p.Maintenance), p.MinMaintenance)
}

// Liquidatable reports whether a position is eligible for liquidation.
// Executing the liquidation happens outside this engine.
func (p RiskParameter) Liquidatable(collateral, notional int64) bool {
	return collateral < p.MaintenanceRequired(notional)
}

// LiquidationReward is the liquidator's fee for a position of the given
// notional, bounded by the absolute fee limits.
func (p RiskParameter) LiquidationReward(notional int64) int64 {
	return fixed.Clamp(fixed.Mul(notional, p.LiquidationFee), p.MinLiquidationFee, p.MaxLiquidationFee)
}

// RiskParameterStore owns the packed risk-parameter record for one market.
type RiskParameterStore struct {
	slots [3]packed.Slot
}

// NewRiskParameterStore encodes the market's initial defaults.
func NewRiskParameterStore(defaults RiskParameter) (*RiskParameterStore, error) {
	slots, err := defaults.Encode()
	if err != nil {
		return nil, err
	}
	return &RiskParameterStore{slots: slots}, nil
}

// Read decodes the currently stored parameter set.
func (s *RiskParameterStore) Read() RiskParameter {
	return DecodeRiskParameter(s.slots)
}

// Slots returns the raw packed record for persistence.
func (s *RiskParameterStore) Slots() [3]packed.Slot {
	return s.slots
}

// RestoreSlots loads a packed record directly (snapshot recovery only).
func (s *RiskParameterStore) RestoreSlots(slots [3]packed.Slot) {
	s.slots = slots
}

// ValidateAndStore validates the new parameter set against the protocol
// bounds, then range-checks every field against its packed lane and encodes
// atomically. On any failure the stored record is unchanged.
func (s *RiskParameterStore) ValidateAndStore(p RiskParameter, proto ProtocolParameter) error {
	if err := p.validate(proto); err != nil {
		return err
	}
	slots, err := p.Encode()
	if err != nil {
		return err
	}
	s.slots = slots
	return nil
}
