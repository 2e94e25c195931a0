package core

import (
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"PerpSettle/internal/accumulator"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
)

// StampSnapshot is one stamped accumulator entry in flat form.
type StampSnapshot struct {
	Version    uint64 `json:"version"`
	ValueMaker int64  `json:"value_maker"`
	ValueTaker int64  `json:"value_taker"`
	ShareMaker int64  `json:"share_maker"`
	ShareTaker int64  `json:"share_taker"`
}

// AccountSnapshot pairs an account with its position.
type AccountSnapshot struct {
	ID       uuid.UUID      `json:"id"`
	Position state.Position `json:"position"`
}

// EngineSnapshot is the full recoverable engine state. Serialized as
// JSON by the persistence layer.
type EngineSnapshot struct {
	Market        string              `json:"market"`
	Sequence      int64               `json:"sequence"`
	ProtocolFees  int64               `json:"protocol_fees"`
	Global        state.Position      `json:"global"`
	Accounts      []AccountSnapshot   `json:"accounts"`
	RiskParameter state.RiskParameter `json:"risk_parameter"`
	Stamps        []StampSnapshot     `json:"stamps"`
	Versions      []oracle.Version    `json:"oracle_versions"`
	Partitions    map[string]int64    `json:"partitions"`
	PrevHash      string              `json:"prev_hash"`
	GuardKeys     []string            `json:"guard_keys"`
}

// ExportSnapshot captures the engine state for persistence. Accounts and
// stamps are sorted so two replicas export byte-identical snapshots.
func (e *Engine) ExportSnapshot() *EngineSnapshot {
	accounts := make([]AccountSnapshot, 0, len(e.accounts))
	for id, pos := range e.accounts {
		accounts = append(accounts, AccountSnapshot{ID: id, Position: *pos})
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].ID.String() < accounts[j].ID.String()
	})

	stampVersions := e.store.Stamps()
	stamps := make([]StampSnapshot, 0, len(stampVersions))
	for _, v := range stampVersions {
		value := e.store.ValueAt(v)
		share := e.store.ShareAt(v)
		stamps = append(stamps, StampSnapshot{
			Version:    v,
			ValueMaker: value.Maker,
			ValueTaker: value.Taker,
			ShareMaker: share.Maker,
			ShareTaker: share.Taker,
		})
	}

	prevHash := e.hasher.GetPrevHash()

	return &EngineSnapshot{
		Market:        e.market,
		Sequence:      e.sequence,
		ProtocolFees:  e.protocolFees,
		Global:        *e.global,
		Accounts:      accounts,
		RiskParameter: e.params.Read(),
		Stamps:        stamps,
		Versions:      e.versions.All(),
		Partitions:    e.validator.GetAllPartitions(),
		PrevHash:      hex.EncodeToString(prevHash[:]),
		GuardKeys:     e.guard.Keys(),
	}
}

// RestoreSnapshot loads engine state from a snapshot. Must run before
// the engine processes any event.
func (e *Engine) RestoreSnapshot(s *EngineSnapshot) error {
	if s.Market != e.market {
		return fmt.Errorf("snapshot market %q does not match engine market %q", s.Market, e.market)
	}

	paramSlots, err := s.RiskParameter.Encode()
	if err != nil {
		return fmt.Errorf("snapshot risk parameter: %w", err)
	}
	e.params.RestoreSlots(paramSlots)

	e.sequence = s.Sequence
	e.protocolFees = s.ProtocolFees
	global := s.Global
	e.global = &global

	e.accounts = make(map[uuid.UUID]*state.Position, len(s.Accounts))
	for _, a := range s.Accounts {
		pos := a.Position
		e.accounts[a.ID] = &pos
	}

	for _, st := range s.Stamps {
		e.store.Restore(st.Version,
			accumulator.Accumulator{Maker: st.ValueMaker, Taker: st.ValueTaker},
			accumulator.Accumulator{Maker: st.ShareMaker, Taker: st.ShareTaker})
	}
	e.store.RestoreDone()

	for _, v := range s.Versions {
		e.versions.Restore(v)
	}

	for partition, seq := range s.Partitions {
		e.validator.RestorePartition(partition, seq)
	}

	if s.PrevHash != "" {
		raw, err := hex.DecodeString(s.PrevHash)
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("snapshot prev hash malformed: %q", s.PrevHash)
		}
		var hash [32]byte
		copy(hash[:], raw)
		e.hasher.SetPrevHash(hash)
	}

	e.guard.Warm(s.GuardKeys)
	e.dirty = false
	return nil
}
