package state

import (
	"fmt"

	"PerpSettle/internal/fixed"
)

// PayoffTransform maps an oracle price to the price the market settles
// against. The variant is fixed at market configuration time.
type PayoffTransform interface {
	Transform(price int64) int64
}

// IdentityPayoff settles directly on the oracle price.
type IdentityPayoff struct{}

func (IdentityPayoff) Transform(price int64) int64 {
	return price
}

// SquaredPayoff settles on price².
type SquaredPayoff struct{}

func (SquaredPayoff) Transform(price int64) int64 {
	return fixed.Mul(price, price)
}

// ScaledPayoff settles on factor * price.
type ScaledPayoff struct {
	Factor int64
}

func (s ScaledPayoff) Transform(price int64) int64 {
	return fixed.Mul(s.Factor, price)
}

// NewPayoffTransform selects a transform by name. Unknown kinds are a
// configuration error, not a fallback to identity.
func NewPayoffTransform(kind string, factor int64) (PayoffTransform, error) {
	switch kind {
	case "", "identity":
		return IdentityPayoff{}, nil
	case "squared":
		return SquaredPayoff{}, nil
	case "scaled":
		if factor <= 0 {
			return nil, fmt.Errorf("%w: scaled payoff requires a positive factor, got %d",
				ErrParameterInvalid, factor)
		}
		return ScaledPayoff{Factor: factor}, nil
	default:
		return nil, fmt.Errorf("%w: payoff transform %q", ErrNotImplemented, kind)
	}
}
