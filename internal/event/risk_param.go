package event

import (
	"fmt"

	"PerpSettle/internal/state"
)

// RiskParamUpdate replaces a market's risk parameter set. The engine
// validates the parameter against protocol caps before storing; a
// rejected update leaves the stored set untouched.
type RiskParamUpdate struct {
	MarketID  string
	Parameter state.RiskParameter
	Sequence  int64
	Timestamp int64
}

func (r *RiskParamUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:risk:%d", r.MarketID, r.Sequence)
}

func (r *RiskParamUpdate) EventType() EventType {
	return EventTypeRiskParamUpdate
}

func (r *RiskParamUpdate) Market() string {
	return r.MarketID
}

func (r *RiskParamUpdate) SourceSequence() int64 {
	return r.Sequence
}
