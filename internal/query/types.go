package query

import "encoding/json"

// Every response carries AsOfSequence: the highest event sequence the
// answer reflects. Clients use it for freshness and read-your-writes
// checks.

// SettlementResponse is one executed settlement transition.
type SettlementResponse struct {
	Market       string `json:"market"`
	FromVersion  int64  `json:"from_version"`
	ToVersion    int64  `json:"to_version"`
	Price        int64  `json:"price"`
	ValueMaker   int64  `json:"value_maker"`
	ValueTaker   int64  `json:"value_taker"`
	ShareMaker   int64  `json:"share_maker"`
	ShareTaker   int64  `json:"share_taker"`
	ProtocolFee  int64  `json:"protocol_fee"`
	Timestamp    int64  `json:"timestamp"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// EntryResponse is the cumulative stamped accumulator entry effective at
// a queried version (the entry at the greatest stamped version at or
// before it).
type EntryResponse struct {
	Market         string `json:"market"`
	QueriedVersion int64  `json:"queried_version"`
	StampedVersion int64  `json:"stamped_version"`
	Stamped        bool   `json:"stamped"`
	ValueMaker     int64  `json:"value_maker"`
	ValueTaker     int64  `json:"value_taker"`
	ShareMaker     int64  `json:"share_maker"`
	ShareTaker     int64  `json:"share_taker"`
	AsOfSequence   int64  `json:"as_of_sequence"`
}

// EventResponse is one envelope from the event log.
type EventResponse struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Market         string          `json:"market"`
	Payload        json.RawMessage `json:"payload"`
	StateHash      string          `json:"state_hash"`
	PrevHash       string          `json:"prev_hash"`
	Timestamp      int64           `json:"timestamp"`
	SourceSequence int64           `json:"source_sequence"`
}

// SnapshotResponse is the latest verified engine snapshot metadata plus
// its JSON body.
type SnapshotResponse struct {
	Market       string          `json:"market"`
	Sequence     int64           `json:"sequence"`
	SizeBytes    int             `json:"size_bytes"`
	Data         json.RawMessage `json:"data"`
	AsOfSequence int64           `json:"as_of_sequence"`
}
