// Package accumulator implements the per-unit cumulative value and share
// records stamped at oracle versions where settlement executed. Accounts
// reconstruct everything they are owed from exactly two stamped entries.
package accumulator

import (
	"PerpSettle/internal/packed"
)

// Accumulator is an ordered pair of signed per-unit fixed-point values:
// the maker lane and the taker (long) lane. Addition is commutative and
// associative, which is what makes settlement order-independent.
type Accumulator struct {
	Maker int64
	Taker int64
}

// Add returns a + b lane-wise.
func (a Accumulator) Add(b Accumulator) Accumulator {
	return Accumulator{
		Maker: a.Maker + b.Maker,
		Taker: a.Taker + b.Taker,
	}
}

// Sub returns a - b lane-wise.
func (a Accumulator) Sub(b Accumulator) Accumulator {
	return Accumulator{
		Maker: a.Maker - b.Maker,
		Taker: a.Taker - b.Taker,
	}
}

// IsZero reports whether both lanes are zero.
func (a Accumulator) IsZero() bool {
	return a.Maker == 0 && a.Taker == 0
}

// Packed entry layout: one 32-byte slot per stamped version.
//
//	value.maker s62 | value.taker s62 | share.maker s62 | share.taker s62 |
//	reserved u8
//
// Lanes are signed 62-bit at 1e6 scale: max magnitude 2^61-1 raw, about
// 2.3e12 per-unit value, rejected (not truncated) when exceeded.
const entryLaneBits = 62

// Entry is the pair of accumulators stamped at one oracle version.
type Entry struct {
	Value Accumulator
	Share Accumulator
}

// Encode packs the entry, rejecting any lane outside its signed range.
func (e Entry) Encode() (packed.Slot, error) {
	w := packed.NewWriter()
	w.PutInt("value.maker", e.Value.Maker, entryLaneBits)
	w.PutInt("value.taker", e.Value.Taker, entryLaneBits)
	w.PutInt("share.maker", e.Share.Maker, entryLaneBits)
	w.PutInt("share.taker", e.Share.Taker, entryLaneBits)
	return w.Finish()
}

// DecodeEntry unpacks a stamped entry.
func DecodeEntry(s packed.Slot) Entry {
	r := packed.NewReader(s)
	return Entry{
		Value: Accumulator{Maker: r.Int(entryLaneBits), Taker: r.Int(entryLaneBits)},
		Share: Accumulator{Maker: r.Int(entryLaneBits), Taker: r.Int(entryLaneBits)},
	}
}
