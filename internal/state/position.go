package state

import (
	"fmt"

	"PerpSettle/internal/fixed"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/packed"
)

// Packed position layout: two 32-byte slots.
//
//	Slot 0: latestVersion u32 | maker u48 | long u48 | short u48 | reserved
//	Slot 1: makerNext u48 | longNext u48 | shortNext u48 | reserved
//
// Quantity lanes are unsigned 48-bit at 1e6 scale, so the largest storable
// quantity is 281,474,976.710655 units.
const (
	versionBits = 32
	qtyBits     = 48
)

// MaxQuantity is the largest quantity any position lane can store.
var MaxQuantity = int64(packed.MaxUint(qtyBits))

// Position is one settlement scope: the global book or a single account.
// Active quantities (Maker/Long/Short) change only through Settle; pending
// quantities (the Next fields) change only through Update. All quantities
// are non-negative fixed-point.
type Position struct {
	LatestVersion uint64

	Maker int64
	Long  int64
	Short int64

	MakerNext int64
	LongNext  int64
	ShortNext int64
}

// Update applies signed deltas to the pending quantities. The mutation is
// all-or-nothing: if any resulting pending quantity would fall outside its
// packed 48-bit lane (or below zero), nothing changes and a StorageInvalid
// error is returned.
func (p *Position) Update(makerDelta, longDelta, shortDelta int64) error {
	maker := p.MakerNext + makerDelta
	long := p.LongNext + longDelta
	short := p.ShortNext + shortDelta

	for _, q := range []struct {
		name string
		v    int64
	}{
		{"makerNext", maker},
		{"longNext", long},
		{"shortNext", short},
	} {
		if q.v < 0 || q.v > MaxQuantity {
			return fmt.Errorf("%w: position %s: value %d outside [0, %d]",
				packed.ErrStorageInvalid, q.name, q.v, MaxQuantity)
		}
	}

	p.MakerNext = maker
	p.LongNext = long
	p.ShortNext = short
	return nil
}

// Settle promotes pending quantities to active and advances the version
// pointer. Pending fields keep their value as the new baseline; later
// Update calls accumulate on top of them.
func (p *Position) Settle(to oracle.Version) {
	p.LatestVersion = to.Number
	p.Maker = p.MakerNext
	p.Long = p.LongNext
	p.Short = p.ShortNext
}

// Utilization is |long - short| / maker, a defined zero when maker is zero.
func (p *Position) Utilization() int64 {
	if p.Maker == 0 {
		return 0
	}
	return fixed.Div(fixed.Abs(p.Long-p.Short), p.Maker)
}

// socializationFactor scales payouts down when one side's exposure exceeds
// what the opposing side plus maker liquidity can cover. Always in [0, 1];
// exactly 1 when sameSide <= maker + oppositeSide.
func socializationFactor(maker, oppositeSide, sameSide int64) int64 {
	if sameSide == 0 {
		return fixed.One
	}
	return fixed.Min(fixed.One, fixed.Div(maker+oppositeSide, sameSide))
}

func (p *Position) SocializationFactorLong() int64 {
	return socializationFactor(p.Maker, p.Short, p.Long)
}

func (p *Position) SocializationFactorShort() int64 {
	return socializationFactor(p.Maker, p.Long, p.Short)
}

func (p *Position) SocializationFactorLongNext() int64 {
	return socializationFactor(p.MakerNext, p.ShortNext, p.LongNext)
}

func (p *Position) SocializationFactorShortNext() int64 {
	return socializationFactor(p.MakerNext, p.LongNext, p.ShortNext)
}

// Encode packs the position into its two storage slots. Quantities are
// range-checked against their lanes before a byte is written; negative
// quantities are rejected outright.
func (p *Position) Encode() ([2]packed.Slot, error) {
	var out [2]packed.Slot

	for _, q := range []struct {
		name string
		v    int64
	}{
		{"maker", p.Maker}, {"long", p.Long}, {"short", p.Short},
		{"makerNext", p.MakerNext}, {"longNext", p.LongNext}, {"shortNext", p.ShortNext},
	} {
		if q.v < 0 {
			return out, fmt.Errorf("%w: position %s: negative quantity %d",
				packed.ErrStorageInvalid, q.name, q.v)
		}
	}

	w := packed.NewWriter()
	w.PutUint("latestVersion", p.LatestVersion, versionBits)
	w.PutUint("maker", uint64(p.Maker), qtyBits)
	w.PutUint("long", uint64(p.Long), qtyBits)
	w.PutUint("short", uint64(p.Short), qtyBits)
	slot0, err := w.Finish()
	if err != nil {
		return out, err
	}

	w = packed.NewWriter()
	w.PutUint("makerNext", uint64(p.MakerNext), qtyBits)
	w.PutUint("longNext", uint64(p.LongNext), qtyBits)
	w.PutUint("shortNext", uint64(p.ShortNext), qtyBits)
	slot1, err := w.Finish()
	if err != nil {
		return out, err
	}

	out[0] = slot0
	out[1] = slot1
	return out, nil
}

// DecodePosition unpacks a position from its two storage slots.
func DecodePosition(slots [2]packed.Slot) Position {
	r0 := packed.NewReader(slots[0])
	p := Position{
		LatestVersion: r0.Uint(versionBits),
		Maker:         int64(r0.Uint(qtyBits)),
		Long:          int64(r0.Uint(qtyBits)),
		Short:         int64(r0.Uint(qtyBits)),
	}
	r1 := packed.NewReader(slots[1])
	p.MakerNext = int64(r1.Uint(qtyBits))
	p.LongNext = int64(r1.Uint(qtyBits))
	p.ShortNext = int64(r1.Uint(qtyBits))
	return p
}
