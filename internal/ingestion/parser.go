package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"PerpSettle/internal/event"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into
// a typed event.Event. The ingestion shell validates, parses, and converts
// raw events before the settlement core sees them; decimal quantities on
// the wire become fixed-point here.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "PriceCommit":
		return parsePriceCommit(raw.Data)
	case "PositionOrder":
		return parsePositionOrder(raw.Data)
	case "RiskParamUpdate":
		return parseRiskParamUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Prices, rates
// and quantities arrive as decimal strings.

type priceCommitJSON struct {
	Market    string `json:"market"`
	Version   uint64 `json:"version"`
	Price     string `json:"price"`
	Timestamp int64  `json:"timestamp"`
}

func parsePriceCommit(data []byte) (*event.PriceCommit, error) {
	var j priceCommitJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceCommit: %w", err)
	}
	if j.Market == "" {
		return nil, fmt.Errorf("parse PriceCommit: empty market")
	}

	price, err := oracle.ParsePrice(j.Price)
	if err != nil {
		return nil, fmt.Errorf("parse PriceCommit price: %w", err)
	}
	if price < 0 {
		return nil, fmt.Errorf("parse PriceCommit: negative price %q", j.Price)
	}

	return &event.PriceCommit{
		MarketID:  j.Market,
		Version:   j.Version,
		Price:     price,
		Timestamp: j.Timestamp,
	}, nil
}

type positionOrderJSON struct {
	OrderID    string `json:"order_id"`
	AccountID  string `json:"account_id,omitempty"`
	Market     string `json:"market"`
	MakerDelta string `json:"maker_delta"`
	LongDelta  string `json:"long_delta"`
	ShortDelta string `json:"short_delta"`
	Sequence   int64  `json:"sequence"`
	Timestamp  int64  `json:"timestamp"`
}

func parsePositionOrder(data []byte) (*event.PositionOrder, error) {
	var j positionOrderJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PositionOrder: %w", err)
	}

	orderID, err := uuid.Parse(j.OrderID)
	if err != nil {
		return nil, fmt.Errorf("parse order_id: %w", err)
	}

	// Empty account targets the global book directly
	accountID := uuid.Nil
	if j.AccountID != "" {
		accountID, err = uuid.Parse(j.AccountID)
		if err != nil {
			return nil, fmt.Errorf("parse account_id: %w", err)
		}
	}

	makerDelta, err := oracle.ParsePrice(j.MakerDelta)
	if err != nil {
		return nil, fmt.Errorf("parse maker_delta: %w", err)
	}
	longDelta, err := oracle.ParsePrice(j.LongDelta)
	if err != nil {
		return nil, fmt.Errorf("parse long_delta: %w", err)
	}
	shortDelta, err := oracle.ParsePrice(j.ShortDelta)
	if err != nil {
		return nil, fmt.Errorf("parse short_delta: %w", err)
	}

	return &event.PositionOrder{
		OrderID:    orderID,
		AccountID:  accountID,
		MarketID:   j.Market,
		MakerDelta: makerDelta,
		LongDelta:  longDelta,
		ShortDelta: shortDelta,
		Sequence:   j.Sequence,
		Timestamp:  j.Timestamp,
	}, nil
}

type riskParamJSON struct {
	Market string `json:"market"`

	Maintenance    string `json:"maintenance"`
	TakerFee       string `json:"taker_fee"`
	TakerSkewFee   string `json:"taker_skew_fee"`
	TakerImpactFee string `json:"taker_impact_fee"`
	MakerFee       string `json:"maker_fee"`
	MakerImpactFee string `json:"maker_impact_fee"`
	FundingFee     string `json:"funding_fee"`

	PositionLimit   string `json:"position_limit"`
	EfficiencyLimit string `json:"efficiency_limit"`

	LiquidationFee    string `json:"liquidation_fee"`
	MinLiquidationFee string `json:"min_liquidation_fee"`
	MaxLiquidationFee string `json:"max_liquidation_fee"`
	MinMaintenance    string `json:"min_maintenance"`

	MinRate           string `json:"min_rate"`
	MaxRate           string `json:"max_rate"`
	TargetRate        string `json:"target_rate"`
	TargetUtilization string `json:"target_utilization"`

	ControllerK   string `json:"controller_k"`
	ControllerMax string `json:"controller_max"`

	StaleAfter       int64 `json:"stale_after"`
	MakerReceiveOnly bool  `json:"maker_receive_only"`
	Closed           bool  `json:"closed"`

	Sequence  int64 `json:"sequence"`
	Timestamp int64 `json:"timestamp"`
}

func parseRiskParamUpdate(data []byte) (*event.RiskParamUpdate, error) {
	var j riskParamJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RiskParamUpdate: %w", err)
	}

	param := state.RiskParameter{
		StaleAfter:       j.StaleAfter,
		MakerReceiveOnly: j.MakerReceiveOnly,
		Closed:           j.Closed,
	}

	type decField struct {
		name string
		raw  string
		dst  *int64
	}
	fields := []decField{
		{"maintenance", j.Maintenance, &param.Maintenance},
		{"taker_fee", j.TakerFee, &param.TakerFee},
		{"taker_skew_fee", j.TakerSkewFee, &param.TakerSkewFee},
		{"taker_impact_fee", j.TakerImpactFee, &param.TakerImpactFee},
		{"maker_fee", j.MakerFee, &param.MakerFee},
		{"maker_impact_fee", j.MakerImpactFee, &param.MakerImpactFee},
		{"funding_fee", j.FundingFee, &param.FundingFee},
		{"position_limit", j.PositionLimit, &param.PositionLimit},
		{"efficiency_limit", j.EfficiencyLimit, &param.EfficiencyLimit},
		{"liquidation_fee", j.LiquidationFee, &param.LiquidationFee},
		{"min_liquidation_fee", j.MinLiquidationFee, &param.MinLiquidationFee},
		{"max_liquidation_fee", j.MaxLiquidationFee, &param.MaxLiquidationFee},
		{"min_maintenance", j.MinMaintenance, &param.MinMaintenance},
		{"min_rate", j.MinRate, &param.Curve.MinRate},
		{"max_rate", j.MaxRate, &param.Curve.MaxRate},
		{"target_rate", j.TargetRate, &param.Curve.TargetRate},
		{"target_utilization", j.TargetUtilization, &param.Curve.TargetUtilization},
		{"controller_k", j.ControllerK, &param.PController.K},
		{"controller_max", j.ControllerMax, &param.PController.Max},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := oracle.ParsePrice(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}

	return &event.RiskParamUpdate{
		MarketID:  j.Market,
		Parameter: param,
		Sequence:  j.Sequence,
		Timestamp: j.Timestamp,
	}, nil
}
