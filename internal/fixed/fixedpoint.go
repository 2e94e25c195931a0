package fixed

import (
	"math/big"
	"sync"
)

// All settlement arithmetic runs on int64 fixed-point values sharing a
// single scale. Quantities, prices, rates, and per-unit accumulator values
// are all 6-decimal fixed-point, so products and quotients stay exact up to
// one rounding step performed in int128.
const (
	DecimalPrecision       = 6
	Scale            int64 = 1_000_000
	One              int64 = Scale
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown                         // Toward zero
	RoundUp                           // Away from zero
)

// int128Pool holds big.Ints for intermediate products
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow.
// The caller must release the result with PutInt128 or via DivideInt128.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	ab := getInt128()
	ab.SetInt64(b)
	result.SetInt64(a)
	result.Mul(result, ab)
	putInt128(ab)
	return result
}

// PutInt128 returns an intermediate to the pool.
func PutInt128(v *big.Int) {
	putInt128(v)
}

// DivideInt128 performs numerator / denominator with the given rounding.
// Works for either sign of numerator and denominator; the numerator is
// consumed (returned to the pool).
func DivideInt128(numerator *big.Int, denominator int64, mode RoundingMode) int64 {
	denom := getInt128()
	denom.SetInt64(denominator)

	quotient := getInt128()
	remainder := getInt128()

	// QuoRem truncates toward zero; remainder carries the numerator's sign
	quotient.QuoRem(numerator, denom, remainder)

	result := quotient.Int64()
	remSign := remainder.Sign()

	if remSign != 0 {
		switch mode {
		case RoundHalfEven:
			// Compare 2*|remainder| against |denominator|
			twice := getInt128()
			twice.Abs(remainder)
			twice.Lsh(twice, 1)
			absDenom := getInt128()
			absDenom.Abs(denom)

			cmp := twice.Cmp(absDenom)
			if cmp > 0 || (cmp == 0 && result%2 != 0) {
				result += stepAwayFromZero(remSign, denominator)
			}
			putInt128(twice)
			putInt128(absDenom)

		case RoundUp:
			result += stepAwayFromZero(remSign, denominator)

		case RoundDown:
			// Truncation already rounds toward zero
		}
	}

	putInt128(numerator)
	putInt128(denom)
	putInt128(quotient)
	putInt128(remainder)

	return result
}

// stepAwayFromZero returns +1 or -1 matching the sign of the exact quotient.
func stepAwayFromZero(remSign int, denominator int64) int64 {
	quotientNegative := (remSign < 0) != (denominator < 0)
	if quotientNegative {
		return -1
	}
	return 1
}

// FromInt converts a whole number to fixed-point.
func FromInt(n int64) int64 {
	return n * Scale
}

// Mul multiplies two fixed-point values: a * b / Scale.
func Mul(a, b int64) int64 {
	return DivideInt128(MultiplyInt128(a, b), Scale, RoundHalfEven)
}

// Div divides two fixed-point values: a * Scale / b.
// The caller must guard b != 0.
func Div(a, b int64) int64 {
	return DivideInt128(MultiplyInt128(a, Scale), b, RoundHalfEven)
}

// MulDiv computes a * b / c in int128 with a single rounding step.
func MulDiv(a, b, c int64) int64 {
	return DivideInt128(MultiplyInt128(a, b), c, RoundHalfEven)
}

// Abs returns |a|.
func Abs(a int64) int64 {
	if a < 0 {
		return -a
	}
	return a
}

// Sign returns -1, 0, or +1.
func Sign(a int64) int64 {
	switch {
	case a > 0:
		return 1
	case a < 0:
		return -1
	default:
		return 0
	}
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// Clamp bounds a to [lo, hi].
func Clamp(a, lo, hi int64) int64 {
	if a < lo {
		return lo
	}
	if a > hi {
		return hi
	}
	return a
}
