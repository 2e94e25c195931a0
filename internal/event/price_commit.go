package event

import "fmt"

// PriceCommit carries a new oracle price version for a market.
type PriceCommit struct {
	MarketID  string
	Version   uint64 // Monotonic oracle version number
	Price     int64  // Fixed-point, 6 decimals
	Timestamp int64  // Unix seconds (versioned input)
}

func (p *PriceCommit) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.MarketID, p.Version)
}

func (p *PriceCommit) EventType() EventType {
	return EventTypePriceCommit
}

func (p *PriceCommit) Market() string {
	return p.MarketID
}

func (p *PriceCommit) SourceSequence() int64 {
	return int64(p.Version)
}
