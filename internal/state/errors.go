package state

import "errors"

var (
	// ErrParameterInvalid rejects a risk-parameter update that violates a
	// protocol-wide bound. The stored record is left untouched.
	ErrParameterInvalid = errors.New("parameter invalid")

	// ErrMarketClosed rejects position mutations on a closed market.
	ErrMarketClosed = errors.New("market closed")

	// ErrNotImplemented rejects configuration that selects an unsupported
	// variant (e.g. an unknown payoff transform).
	ErrNotImplemented = errors.New("not implemented")
)
