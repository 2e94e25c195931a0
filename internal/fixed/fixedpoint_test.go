package fixed_test

import (
	"PerpSettle/internal/fixed"
	"testing"
)

// ============================================================================
// Test: Mul / Div
// ============================================================================

func TestMul_Identity(t *testing.T) {
	got := fixed.Mul(fixed.One, 42_000_000)
	if got != 42_000_000 {
		t.Errorf("got %d, want 42_000_000", got)
	}
}

func TestMul_Fractional(t *testing.T) {
	// 1.5 * 2.5 = 3.75
	got := fixed.Mul(1_500_000, 2_500_000)
	if got != 3_750_000 {
		t.Errorf("got %d, want 3_750_000", got)
	}
}

func TestMul_NegativeOperand(t *testing.T) {
	got := fixed.Mul(-1_500_000, 2_000_000)
	if got != -3_000_000 {
		t.Errorf("got %d, want -3_000_000", got)
	}
}

func TestMul_LargeOperandsNoOverflow(t *testing.T) {
	// 3e12 * 3e12 in raw units overflows int64; the int128 intermediate
	// must carry it. 3_000_000.0 * 3_000_000.0 = 9e12.
	a := int64(3_000_000) * fixed.Scale
	got := fixed.Mul(a, a)
	want := int64(9_000_000_000_000) * fixed.Scale
	if got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestDiv_Exact(t *testing.T) {
	// 7.5 / 2.5 = 3
	got := fixed.Div(7_500_000, 2_500_000)
	if got != 3_000_000 {
		t.Errorf("got %d, want 3_000_000", got)
	}
}

func TestDiv_NegativeDenominator(t *testing.T) {
	got := fixed.Div(6_000_000, -2_000_000)
	if got != -3_000_000 {
		t.Errorf("got %d, want -3_000_000", got)
	}
}

func TestMulDiv_SingleRounding(t *testing.T) {
	// 10 * 10 / 3 = 33.333333 (one rounding step, not two)
	got := fixed.MulDiv(10_000_000, 10_000_000, 3_000_000)
	if got != 33_333_333 {
		t.Errorf("got %d, want 33_333_333", got)
	}
}

// ============================================================================
// Test: Rounding modes
// ============================================================================

func TestDivideInt128_HalfEvenTiesToEven(t *testing.T) {
	cases := []struct {
		num   int64
		denom int64
		want  int64
	}{
		{5, 2, 2},   // 2.5 -> 2 (even)
		{7, 2, 4},   // 3.5 -> 4 (even)
		{-5, 2, -2}, // -2.5 -> -2
		{-7, 2, -4}, // -3.5 -> -4
		{3, 2, 2},   // 1.5 -> 2
		{1, 3, 0},   // 0.333 -> 0
		{2, 3, 1},   // 0.667 -> 1
	}
	for _, c := range cases {
		got := fixed.DivideInt128(fixed.MultiplyInt128(c.num, 1), c.denom, fixed.RoundHalfEven)
		if got != c.want {
			t.Errorf("%d/%d: got %d, want %d", c.num, c.denom, got, c.want)
		}
	}
}

func TestDivideInt128_RoundDown(t *testing.T) {
	got := fixed.DivideInt128(fixed.MultiplyInt128(7, 1), 2, fixed.RoundDown)
	if got != 3 {
		t.Errorf("got %d, want 3", got)
	}
	got = fixed.DivideInt128(fixed.MultiplyInt128(-7, 1), 2, fixed.RoundDown)
	if got != -3 {
		t.Errorf("got %d, want -3", got)
	}
}

func TestDivideInt128_RoundUp(t *testing.T) {
	got := fixed.DivideInt128(fixed.MultiplyInt128(7, 1), 2, fixed.RoundUp)
	if got != 4 {
		t.Errorf("got %d, want 4", got)
	}
	got = fixed.DivideInt128(fixed.MultiplyInt128(-7, 1), 2, fixed.RoundUp)
	if got != -4 {
		t.Errorf("got %d, want -4", got)
	}
}

func TestDivideInt128_ExactNoRounding(t *testing.T) {
	got := fixed.DivideInt128(fixed.MultiplyInt128(10, 1), 2, fixed.RoundHalfEven)
	if got != 5 {
		t.Errorf("got %d, want 5", got)
	}
}

// ============================================================================
// Test: Helpers
// ============================================================================

func TestFromInt(t *testing.T) {
	if got := fixed.FromInt(7); got != 7_000_000 {
		t.Errorf("got %d, want 7_000_000", got)
	}
}

func TestAbsSign(t *testing.T) {
	if fixed.Abs(-5) != 5 {
		t.Error("Abs(-5) should be 5")
	}
	if fixed.Sign(-5) != -1 || fixed.Sign(5) != 1 || fixed.Sign(0) != 0 {
		t.Error("Sign mismatch")
	}
}

func TestClamp(t *testing.T) {
	if got := fixed.Clamp(10, -5, 5); got != 5 {
		t.Errorf("got %d, want 5", got)
	}
	if got := fixed.Clamp(-10, -5, 5); got != -5 {
		t.Errorf("got %d, want -5", got)
	}
	if got := fixed.Clamp(3, -5, 5); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestMinMax(t *testing.T) {
	if fixed.Min(2, 3) != 2 || fixed.Max(2, 3) != 3 {
		t.Error("Min/Max mismatch")
	}
}
