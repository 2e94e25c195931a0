package event

import (
	"fmt"

	"github.com/google/uuid"
)

// PositionOrder requests a pending-quantity change for an account.
// Deltas apply to the account's pending lanes and take effect at the
// next settlement; a zero account targets the global position only.
type PositionOrder struct {
	OrderID    uuid.UUID
	AccountID  uuid.UUID
	MarketID   string
	MakerDelta int64 // Fixed-point, 6 decimals
	LongDelta  int64
	ShortDelta int64
	Sequence   int64 // Monotonic per market
	Timestamp  int64 // Unix seconds
}

func (o *PositionOrder) IdempotencyKey() string {
	return fmt.Sprintf("order:%s", o.OrderID)
}

func (o *PositionOrder) EventType() EventType {
	return EventTypePositionOrder
}

func (o *PositionOrder) Market() string {
	return o.MarketID
}

func (o *PositionOrder) SourceSequence() int64 {
	return o.Sequence
}
