package core

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"PerpSettle/internal/accumulator"
	"PerpSettle/internal/event"
	"PerpSettle/internal/fixed"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/state"
)

// Engine is the single-threaded settlement core for one market. Every
// mutating operation runs to completion before the next one starts; the
// engine performs no locking and must only be driven from one goroutine.
type Engine struct {
	market   string
	sequence int64

	versions *oracle.VersionLog
	payoff   state.PayoffTransform

	global   *state.Position
	accounts map[uuid.UUID]*state.Position

	store    *accumulator.Versioned
	params   *state.RiskParameterStore
	protocol state.ProtocolParameter

	guard     *TransitionGuard
	hasher    *StateHasher
	validator *SequenceValidator

	protocolFees int64
	dirty        bool

	logger  zerolog.Logger
	metrics *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// Output is what the engine hands downstream after applying an event:
// the envelope for the event log, the settlement record and cumulative
// stamped entry when the event settled the global position, and the
// state digest the hash covers.
type Output struct {
	Envelope   *event.Envelope
	Settlement *event.SettlementExecuted
	Entry      *accumulator.Entry
	StateDelta []byte
}

// EngineConfig collects the pieces assembled by the process entrypoint.
type EngineConfig struct {
	Market        string
	StartSequence int64
	Defaults      state.RiskParameter
	Protocol      state.ProtocolParameter
	Payoff        state.PayoffTransform
	GuardCapacity int
	DBChecker     DBTransitionChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger

	PersistChan    chan<- Output
	ProjectionChan chan<- Output
}

// NewEngine builds an engine with the market's default risk parameters
// already validated and stored.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	params, err := state.NewRiskParameterStore(cfg.Defaults)
	if err != nil {
		return nil, fmt.Errorf("default risk parameters: %w", err)
	}

	if cfg.Payoff == nil {
		cfg.Payoff = state.IdentityPayoff{}
	}
	if cfg.GuardCapacity <= 0 {
		cfg.GuardCapacity = 1_000_000
	}

	return &Engine{
		market:         cfg.Market,
		sequence:       cfg.StartSequence,
		versions:       oracle.NewVersionLog(),
		payoff:         cfg.Payoff,
		global:         &state.Position{},
		accounts:       make(map[uuid.UUID]*state.Position),
		store:          accumulator.NewVersioned(),
		params:         params,
		protocol:       cfg.Protocol,
		guard:          NewTransitionGuard(cfg.GuardCapacity, cfg.DBChecker),
		hasher:         NewStateHasher(),
		validator:      NewSequenceValidator(),
		logger:         cfg.Logger,
		metrics:        cfg.Metrics,
		persistChan:    cfg.PersistChan,
		projectionChan: cfg.ProjectionChan,
	}, nil
}

// ProcessEvent is the main processing pipeline: dedup, sequence
// validation, dispatch, hash chain, emit.
func (e *Engine) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	isDuplicate := e.guard.SeenKey(idempotencyKey)

	// Oracle commits tolerate gaps; everything else is strictly ordered
	// per market partition.
	if priceEvt, ok := evt.(*event.PriceCommit); ok {
		if err := e.validator.ValidateVersionSequence(priceEvt.MarketID, int64(priceEvt.Version)); err != nil {
			return err
		}
	} else {
		partition := fmt.Sprintf("market:%s", evt.Market())
		if err := e.validator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
			if e.metrics != nil {
				e.metrics.CoreEventsRejected.WithLabelValues(eventType, "sequence").Inc()
			}
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		if e.metrics != nil {
			e.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	var settlement *event.SettlementExecuted
	var err error

	switch ev := evt.(type) {
	case *event.PriceCommit:
		settlement, err = e.handlePriceCommit(ev)
	case *event.PositionOrder:
		err = e.handlePositionOrder(ev)
	case *event.RiskParamUpdate:
		err = e.params.ValidateAndStore(ev.Parameter, e.protocol)
	default:
		err = fmt.Errorf("%w: event type %s", state.ErrNotImplemented, eventType)
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.CoreEventsRejected.WithLabelValues(eventType, "dispatch").Inc()
		}
		return err
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	e.emit(evt, payload, settlement)
	e.guard.MarkKey(idempotencyKey)

	if e.metrics != nil {
		e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.DedupLRUSize.Set(float64(e.guard.Size()))
	}
	return nil
}

func (e *Engine) handlePriceCommit(evt *event.PriceCommit) (*event.SettlementExecuted, error) {
	v := oracle.Version{Number: evt.Version, Timestamp: evt.Timestamp, Price: evt.Price}
	if err := e.versions.Commit(v); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.OracleVersionsCommitted.WithLabelValues(e.market).Inc()
		e.metrics.OraclePrice.WithLabelValues(e.market).Set(float64(v.Price) / float64(fixed.Scale))
	}

	// Settlement legitimately skips versions while the book is empty and
	// nothing is pending; those versions never enter the accumulator map.
	if !e.shouldSettle() {
		return nil, nil
	}
	return e.settleGlobal(v)
}

func (e *Engine) handlePositionOrder(evt *event.PositionOrder) error {
	if evt.AccountID == uuid.Nil {
		return e.UpdateGlobal(evt.MakerDelta, evt.LongDelta, evt.ShortDelta)
	}
	return e.UpdateAccount(evt.AccountID, evt.MakerDelta, evt.LongDelta, evt.ShortDelta)
}

func (e *Engine) shouldSettle() bool {
	return e.dirty || e.global.Maker != 0 || e.global.Long != 0 || e.global.Short != 0
}

// UpdateGlobal applies pending deltas to the global book. Rejected
// outright when the market is closed or a quantity would exceed its
// packed lane or the configured position limit.
func (e *Engine) UpdateGlobal(makerDelta, longDelta, shortDelta int64) error {
	param := e.params.Read()
	if param.Closed {
		return fmt.Errorf("%w: market %s", state.ErrMarketClosed, e.market)
	}
	if err := checkPositionLimit(e.global, makerDelta, longDelta, shortDelta, param.PositionLimit); err != nil {
		return err
	}
	if err := e.global.Update(makerDelta, longDelta, shortDelta); err != nil {
		return err
	}
	e.dirty = true
	return nil
}

// UpdateAccount applies pending deltas to one account and mirrors them
// into the global book so the aggregate stays consistent. If the global
// update fails the account change is rolled back.
func (e *Engine) UpdateAccount(id uuid.UUID, makerDelta, longDelta, shortDelta int64) error {
	param := e.params.Read()
	if param.Closed {
		return fmt.Errorf("%w: market %s", state.ErrMarketClosed, e.market)
	}

	acct, ok := e.accounts[id]
	if !ok {
		acct = &state.Position{LatestVersion: e.global.LatestVersion}
		e.accounts[id] = acct
	}

	if err := checkPositionLimit(acct, makerDelta, longDelta, shortDelta, param.PositionLimit); err != nil {
		return err
	}
	if err := checkPositionLimit(e.global, makerDelta, longDelta, shortDelta, param.PositionLimit); err != nil {
		return err
	}

	if err := acct.Update(makerDelta, longDelta, shortDelta); err != nil {
		return err
	}
	if err := e.global.Update(makerDelta, longDelta, shortDelta); err != nil {
		acct.Update(-makerDelta, -longDelta, -shortDelta)
		return err
	}
	e.dirty = true
	return nil
}

func checkPositionLimit(pos *state.Position, makerDelta, longDelta, shortDelta, limit int64) error {
	if limit <= 0 {
		return nil
	}
	for _, q := range []struct {
		name string
		v    int64
	}{
		{"makerNext", pos.MakerNext + makerDelta},
		{"longNext", pos.LongNext + longDelta},
		{"shortNext", pos.ShortNext + shortDelta},
	} {
		if q.v > limit {
			return fmt.Errorf("%w: %s %d exceeds position limit %d",
				state.ErrParameterInvalid, q.name, q.v, limit)
		}
	}
	return nil
}

// SettleGlobal advances the global position to a committed oracle
// version, stamping the accumulated per-unit deltas on the way.
func (e *Engine) SettleGlobal(to oracle.Version) error {
	_, err := e.settleGlobal(to)
	return err
}

func (e *Engine) settleGlobal(to oracle.Version) (*event.SettlementExecuted, error) {
	start := time.Now()
	fromNumber := e.global.LatestVersion

	if to.Number < fromNumber {
		return nil, fmt.Errorf("settle out of order: at version %d, got %d", fromNumber, to.Number)
	}
	if to.Number == fromNumber && e.store.Stamped() {
		return nil, nil
	}
	if e.guard.Seen("global", fromNumber, to.Number) {
		if e.metrics != nil {
			e.metrics.TransitionDuplicates.WithLabelValues("lru").Inc()
		}
		e.logger.Warn().
			Uint64("from", fromNumber).
			Uint64("to", to.Number).
			Msg("duplicate settlement transition ignored")
		return nil, nil
	}

	param := e.params.Read()

	if param.StaleAfter > 0 {
		if latest, ok := e.versions.Latest(); ok && latest.Timestamp-to.Timestamp > param.StaleAfter {
			if e.metrics != nil {
				e.metrics.OracleStaleRejections.WithLabelValues(e.market).Inc()
			}
			return nil, fmt.Errorf("oracle version %d is stale: %ds behind latest",
				to.Number, latest.Timestamp-to.Timestamp)
		}
	}

	if !e.store.Stamped() {
		// Genesis: no prior interval exists, stamp the zero baseline
		if err := e.store.Stamp(to.Number, accumulator.Accumulator{}, accumulator.Accumulator{}); err != nil {
			return nil, err
		}
		e.global.Settle(to)
		e.dirty = false
		e.guard.Mark("global", fromNumber, to.Number)
		return e.finishSettlement(start, fromNumber, to, AccumulationResult{}), nil
	}

	from, ok := e.versions.AtVersion(fromNumber)
	if !ok {
		return nil, fmt.Errorf("oracle version %d missing from log", fromNumber)
	}

	res := Accumulate(e.global, from, to, param, e.payoff)

	prior := e.store.EntryAt(from.Number)
	if err := e.store.Stamp(to.Number, prior.Value.Add(res.Value), prior.Share.Add(res.Share)); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		if e.global.SocializationFactorLong() < fixed.One {
			e.metrics.SocializationApplied.WithLabelValues(e.market, "long").Inc()
		}
		if e.global.SocializationFactorShort() < fixed.One {
			e.metrics.SocializationApplied.WithLabelValues(e.market, "short").Inc()
		}
	}

	e.global.Settle(to)
	e.protocolFees += res.ProtocolFee
	e.dirty = false
	e.guard.Mark("global", fromNumber, to.Number)

	return e.finishSettlement(start, fromNumber, to, res), nil
}

func (e *Engine) finishSettlement(start time.Time, fromNumber uint64, to oracle.Version, res AccumulationResult) *event.SettlementExecuted {
	if e.metrics != nil {
		e.metrics.SettlementsExecuted.WithLabelValues(e.market).Inc()
		e.metrics.SettlementDuration.WithLabelValues(e.market).Observe(time.Since(start).Seconds())
		e.metrics.SettlementVersion.WithLabelValues(e.market).Set(float64(to.Number))
		e.metrics.AccumulatorStamps.WithLabelValues(e.market).Inc()
		e.metrics.FundingRate.WithLabelValues(e.market).Set(float64(res.FundingRate) / float64(fixed.Scale))
		if res.ProtocolFee > 0 {
			e.metrics.ProtocolFeesAccrued.WithLabelValues(e.market).Add(float64(res.ProtocolFee) / float64(fixed.Scale))
		}
	}

	e.logger.Info().
		Uint64("from", fromNumber).
		Uint64("to", to.Number).
		Int64("value_maker", res.Value.Maker).
		Int64("value_taker", res.Value.Taker).
		Int64("protocol_fee", res.ProtocolFee).
		Msg("global settlement executed")

	return &event.SettlementExecuted{
		MarketID:    e.market,
		FromVersion: fromNumber,
		ToVersion:   to.Number,
		Price:       to.Price,
		ValueMaker:  res.Value.Maker,
		ValueTaker:  res.Value.Taker,
		ShareMaker:  res.Share.Maker,
		ShareTaker:  res.Share.Taker,
		ProtocolFee: res.ProtocolFee,
		Timestamp:   to.Timestamp,
	}
}

// SettleAccount brings one account forward to a settled oracle version
// using only stamped entries: owed value is quantity times the per-unit
// accumulator delta between the account's last settled version and the
// target. Returns (valueOwed, shareOwed).
func (e *Engine) SettleAccount(id uuid.UUID, toNumber uint64) (int64, int64, error) {
	acct, ok := e.accounts[id]
	if !ok {
		return 0, 0, fmt.Errorf("unknown account %s", id)
	}
	if toNumber > e.global.LatestVersion {
		return 0, 0, fmt.Errorf("account settle ahead of global: %d > %d", toNumber, e.global.LatestVersion)
	}
	if toNumber < acct.LatestVersion {
		return 0, 0, fmt.Errorf("account settle out of order: at version %d, got %d", acct.LatestVersion, toNumber)
	}

	scope := fmt.Sprintf("acct:%s", id)
	if e.guard.Seen(scope, acct.LatestVersion, toNumber) {
		if e.metrics != nil {
			e.metrics.TransitionDuplicates.WithLabelValues("lru").Inc()
		}
		return 0, 0, nil
	}

	fromEntry := e.store.EntryAt(acct.LatestVersion)
	toEntry := e.store.EntryAt(toNumber)
	value := toEntry.Value.Sub(fromEntry.Value)
	share := toEntry.Share.Sub(fromEntry.Share)

	valueOwed := fixed.Mul(acct.Maker, value.Maker) + fixed.Mul(acct.Long, value.Taker)
	shareOwed := fixed.Mul(acct.Maker, share.Maker) + fixed.Mul(acct.Long, share.Taker)

	to, ok := e.versions.AtVersion(toNumber)
	if !ok {
		// Target equals a stamped-but-skipped number only through restore
		// paths; synthesize the version pointer without a price.
		to = oracle.Version{Number: toNumber}
	}
	fromNumber := acct.LatestVersion
	acct.Settle(to)
	e.guard.Mark(scope, fromNumber, toNumber)

	if e.metrics != nil {
		e.metrics.AccountsSettled.WithLabelValues(e.market).Inc()
	}
	return valueOwed, shareOwed, nil
}

// emit hands the applied event downstream: blocking to persistence,
// non-blocking to projections (they rebuild from the log if they drop).
func (e *Engine) emit(evt event.Event, payload []byte, settlement *event.SettlementExecuted) {
	digest := e.computeStateDigest()

	prevHash := e.hasher.GetPrevHash()
	hashStart := time.Now()
	stateHash := e.hasher.ComputeHash(uint64(e.sequence), digest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Market:         evt.Market(),
		Timestamp:      eventTimestamp(evt),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := Output{
		Envelope:   envelope,
		Settlement: settlement,
		StateDelta: digest,
	}
	if settlement != nil {
		entry := e.store.EntryAt(settlement.ToVersion)
		output.Entry = &entry
	}
	e.sequence++

	if e.persistChan != nil {
		// Blocking send: the core stalls until persistence drains, so no
		// envelope is ever lost.
		e.persistChan <- output
	}
	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			// Dropped; projections catch up from the event log
		}
	}
}

// computeStateDigest folds the packed global state into the bytes the
// hash chain covers: position slots, risk slots, and the latest stamped
// entry.
func (e *Engine) computeStateDigest() []byte {
	digest := make([]byte, 0, 224)

	if slots, err := e.global.Encode(); err == nil {
		digest = append(digest, slots[0][:]...)
		digest = append(digest, slots[1][:]...)
	}

	riskSlots := e.params.Slots()
	for i := range riskSlots {
		digest = append(digest, riskSlots[i][:]...)
	}

	if e.store.Stamped() {
		entry := e.store.EntryAt(e.store.LatestVersion())
		if slot, err := entry.Encode(); err == nil {
			digest = append(digest, slot[:]...)
		}
	}
	return digest
}

// eventTimestamp extracts the versioned input timestamp. The core never
// calls time.Now() for event time.
func eventTimestamp(evt event.Event) int64 {
	switch ev := evt.(type) {
	case *event.PriceCommit:
		return ev.Timestamp
	case *event.PositionOrder:
		return ev.Timestamp
	case *event.RiskParamUpdate:
		return ev.Timestamp
	case *event.SettlementExecuted:
		return ev.Timestamp
	default:
		return 0
	}
}

// AttachDBChecker installs the cold-path transition checker once recovery
// has finished. The engine replays the event log without it so persisted
// settlements do not mask the transitions being rebuilt in memory.
func (e *Engine) AttachDBChecker(c DBTransitionChecker) {
	e.guard.SetDBChecker(c)
}

// --- Read-side accessors for the query service ---

func (e *Engine) Market() string { return e.market }

func (e *Engine) Sequence() int64 { return e.sequence }

func (e *Engine) ProtocolFees() int64 { return e.protocolFees }

// GlobalPosition returns a copy of the global book.
func (e *Engine) GlobalPosition() state.Position { return *e.global }

// AccountPosition returns a copy of one account's position.
func (e *Engine) AccountPosition(id uuid.UUID) (state.Position, bool) {
	acct, ok := e.accounts[id]
	if !ok {
		return state.Position{}, false
	}
	return *acct, true
}

// AccountIDs lists the known accounts in unspecified order.
func (e *Engine) AccountIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	return ids
}

// RiskParameter returns the decoded stored parameter set.
func (e *Engine) RiskParameter() state.RiskParameter { return e.params.Read() }

// Accumulators exposes the versioned store for read-only history queries.
func (e *Engine) Accumulators() *accumulator.Versioned { return e.store }

// Versions exposes the oracle log as a read-only source.
func (e *Engine) Versions() oracle.Source { return e.versions }

// StateHash returns the current hash-chain tip: the state hash of the
// last applied event.
func (e *Engine) StateHash() [32]byte { return e.hasher.GetPrevHash() }

// VersionGaps reports tolerated oracle gaps for this market.
func (e *Engine) VersionGaps() int64 { return e.validator.VersionGaps(e.market) }
