package event

import (
	"encoding/json"
	"fmt"
)

// Decode reconstructs a typed event from an event-log row. Payloads in
// the log are the engine's own JSON encoding of the typed structs, not
// the upstream wire format, so this is the inverse of what the engine
// persists rather than of what ingestion parses.
func Decode(eventType string, payload []byte) (Event, error) {
	switch eventType {
	case "PriceCommit":
		var ev PriceCommit
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode PriceCommit: %w", err)
		}
		return &ev, nil
	case "PositionOrder":
		var ev PositionOrder
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode PositionOrder: %w", err)
		}
		return &ev, nil
	case "RiskParamUpdate":
		var ev RiskParamUpdate
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decode RiskParamUpdate: %w", err)
		}
		return &ev, nil
	default:
		return nil, fmt.Errorf("decode: unknown event type %q", eventType)
	}
}
