package event

import "fmt"

// SettlementExecuted is emitted after the global position settles to a
// new oracle version. Per-unit deltas are the accumulator increments
// stamped for the covered interval.
type SettlementExecuted struct {
	MarketID    string
	FromVersion uint64
	ToVersion   uint64
	Price       int64 // Settlement price, fixed-point
	ValueMaker  int64 // Per-unit maker value delta
	ValueTaker  int64 // Per-unit taker (long) value delta
	ShareMaker  int64 // Per-unit maker share delta
	ShareTaker  int64
	ProtocolFee int64 // Fee skimmed from funding this interval
	Timestamp   int64
}

func (s *SettlementExecuted) IdempotencyKey() string {
	return fmt.Sprintf("%s:settle:%d:%d", s.MarketID, s.FromVersion, s.ToVersion)
}

func (s *SettlementExecuted) EventType() EventType {
	return EventTypeSettlementExecuted
}

func (s *SettlementExecuted) Market() string {
	return s.MarketID
}

func (s *SettlementExecuted) SourceSequence() int64 {
	return int64(s.ToVersion)
}
