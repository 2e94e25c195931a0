package main

import (
	"PerpSettle/internal/config"
	"PerpSettle/internal/core"
	"PerpSettle/internal/event"
	"PerpSettle/internal/ingestion"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/oracle"
	"PerpSettle/internal/persistence"
	"PerpSettle/internal/projection"
	"PerpSettle/internal/query"
	"PerpSettle/internal/state"
	"context"
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", envOrDefault("SETTLE_CONFIG", "config.yaml"), "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	var logger zerolog.Logger
	if cfg.Logging.File != "" {
		logger = observability.NewFileLogger("main", cfg.Logging.File, cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups)
	} else {
		logger = observability.NewLogger("main")
	}
	logger.Info().Str("market", cfg.App.Market).Msg("perpsettle starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("postgres ping")
	}

	migrator := persistence.NewMigrator(db, cfg.Database.MigrationsDir)
	if err := migrator.Up(ctx); err != nil {
		logger.Fatal().Err(err).Msg("run migrations")
	}
	logger.Info().Msg("migrations applied")

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Market parameters ---
	riskParam, err := cfg.RiskParameter()
	if err != nil {
		logger.Fatal().Err(err).Msg("risk parameters")
	}
	protocolParam, err := cfg.ProtocolParameter()
	if err != nil {
		logger.Fatal().Err(err).Msg("protocol parameters")
	}
	payoffFactor, err := cfg.PayoffFactor()
	if err != nil {
		logger.Fatal().Err(err).Msg("payoff factor")
	}
	payoff, err := state.NewPayoffTransform(cfg.App.PayoffKind, payoffFactor)
	if err != nil {
		logger.Fatal().Err(err).Msg("payoff transform")
	}

	// --- Channels ---
	// Persist path blocks (backpressure), projection and publish paths drop.
	persistCoreChan := make(chan core.Output, 1024)
	projectionCoreChan := make(chan core.Output, 2048)
	persistRowChan := make(chan persistence.Row, 1024)
	projectionOutChan := make(chan projection.Output, 2048)
	publishChan := make(chan ingestion.PublishableEvent, 4096)

	// --- Settlement engine ---
	// The DB transition checker is attached after replay: during replay the
	// persisted settlements must not mask the transitions being rebuilt.
	engine, err := core.NewEngine(core.EngineConfig{
		Market:         cfg.App.Market,
		Defaults:       riskParam,
		Protocol:       protocolParam,
		Payoff:         payoff,
		Metrics:        metrics,
		Logger:         observability.NewLogger("engine"),
		PersistChan:    persistCoreChan,
		ProjectionChan: projectionCoreChan,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("build engine")
	}

	// --- Recovery: snapshot restore ---
	snapMgr := persistence.NewSnapshotManager(db)

	snap, err := snapMgr.LoadLatestSnapshot(ctx, cfg.App.Market)
	if err != nil {
		logger.Warn().Err(err).Msg("load snapshot")
	}
	startSequence := int64(0)
	if snap != nil {
		if err := engine.RestoreSnapshot(snap); err != nil {
			logger.Fatal().Err(err).Msg("restore snapshot")
		}
		startSequence = snap.Sequence + 1
		logger.Info().Int64("sequence", snap.Sequence).Msg("snapshot restored")
	} else {
		logger.Info().Msg("no snapshot, cold start from sequence 0")
	}

	// --- Downstream workers ---
	// Started before replay so re-emitted outputs drain into idempotent
	// ON CONFLICT DO NOTHING writes instead of filling the persist channel.
	errChan := make(chan error, 10)

	persistWorker := persistence.NewWorker(db, persistRowChan, cfg.Database.BatchSize,
		time.Duration(cfg.Database.FlushTimeoutMS)*time.Millisecond, metrics)
	go func() {
		errChan <- persistWorker.Run(ctx)
	}()

	projWorker := projection.NewWorker(db, projectionOutChan)
	go func() {
		errChan <- projWorker.Run(ctx)
	}()

	go bridgeOutputs(ctx, persistCoreChan, projectionCoreChan, persistRowChan, projectionOutChan, publishChan)

	// --- Recovery: event replay ---
	replayed, err := replayEvents(ctx, snapMgr, engine, startSequence, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("event replay")
	}
	if replayed > 0 {
		logger.Info().Int64("events", replayed).Int64("sequence", engine.Sequence()).Msg("replay complete")
	}

	// Hash verification only holds when no events were replayed on top of
	// the restored state; replayed events recompute the chain themselves.
	if snap != nil && replayed == 0 && snap.PrevHash != "" {
		raw, err := hex.DecodeString(snap.PrevHash)
		if err != nil || len(raw) != 32 {
			logger.Fatal().Str("hash", snap.PrevHash).Msg("snapshot hash malformed")
		}
		actual := engine.StateHash()
		var expected [32]byte
		copy(expected[:], raw)
		if actual != expected {
			logger.Fatal().
				Str("expected", snap.PrevHash).
				Str("actual", hex.EncodeToString(actual[:])).
				Msg("state hash mismatch after restore")
		}
		logger.Info().Msg("state hash verified after restore")
	}

	engine.AttachDBChecker(persistence.NewPostgresTransitionChecker(db, cfg.App.Market))

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATS.URL)
	if err != nil {
		logger.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure inbound streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		logger.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawEventChan := make(chan ingestion.RawEvent, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawEventChan)
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		logger.Fatal().Err(err).Msg("nats subscribe")
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan)
	go func() {
		errChan <- publisher.Run(ctx)
	}()

	// --- Typed event channel into the single-threaded core ---
	typedEventChan := make(chan event.Event, 4096)
	go parseLoop(ctx, rawEventChan, typedEventChan, logger)

	// --- Optional oracle price feed ---
	var feed *oracle.FeedWorker
	if cfg.Feed.Enabled {
		feedVersions := make(chan oracle.Version, 256)
		feed = oracle.NewFeedWorker(cfg.Feed.URL, cfg.App.Market, feedVersions, observability.NewLogger("feed"))
		if err := feed.Connect(ctx); err != nil {
			logger.Fatal().Err(err).Msg("feed connect")
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case v, ok := <-feedVersions:
					if !ok {
						return
					}
					commit := &event.PriceCommit{
						MarketID:  cfg.App.Market,
						Version:   v.Number,
						Price:     v.Price,
						Timestamp: v.Timestamp,
					}
					select {
					case typedEventChan <- commit:
					case <-ctx.Done():
						return
					}
				}
			}
		}()
	}

	// --- HTTP: metrics + health ---
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", healthChecker.LivenessHandler)
		mux.HandleFunc("/readyz", healthChecker.ReadinessHandler)
		errChan <- serveHTTP(ctx, cfg.HTTP.MetricsAddr, mux)
	}()

	// --- HTTP: read-side query API ---
	go func() {
		mux := http.NewServeMux()
		queryServer := query.NewServer(query.NewService(db), observability.NewLogger("query"), metrics)
		queryServer.Register(mux)
		errChan <- serveHTTP(ctx, cfg.HTTP.QueryAddr, mux)
	}()

	// --- Channel depth gauges ---
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetChannelMetrics("persist", len(persistCoreChan), cap(persistCoreChan))
				metrics.SetChannelMetrics("projection", len(projectionCoreChan), cap(projectionCoreChan))
				metrics.SetChannelMetrics("publish", len(publishChan), cap(publishChan))
				metrics.SetChannelMetrics("inbound", len(typedEventChan), cap(typedEventChan))
			}
		}
	}()

	healthChecker.SetReady(true)
	logger.Info().
		Int64("sequence", engine.Sequence()).
		Str("metrics", cfg.HTTP.MetricsAddr).
		Str("query", cfg.HTTP.QueryAddr).
		Msg("perpsettle ready")

	// --- Main event loop ---
	// The engine is single-threaded: snapshots are exported here, between
	// events, never from a side goroutine.
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		lastSnapshotSeq := engine.Sequence()
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-typedEventChan:
				if !ok {
					return
				}
				if err := engine.ProcessEvent(evt); err != nil {
					logger.Error().Err(err).
						Str("type", evt.EventType().String()).
						Str("key", evt.IdempotencyKey()).
						Msg("process event")
				}
				if engine.Sequence()-lastSnapshotSeq >= cfg.Snapshot.EveryEvents {
					lastSnapshotSeq = engine.Sequence()
					saveSnapshot(engine.ExportSnapshot(), snapMgr, metrics, logger)
				}
			}
		}
	}()

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		logger.Error().Err(err).Msg("worker failed, shutting down")
	}

	subscriber.Stop()
	if feed != nil {
		feed.Close()
	}
	cancel()
	<-loopDone

	// Final snapshot from the now-idle engine.
	saveSnapshot(engine.ExportSnapshot(), snapMgr, metrics, logger)
	logger.Info().Msg("perpsettle shutdown complete")
}

// bridgeOutputs converts core.Output into the storage, projection, and
// outbound forms. Kept out of the core so persistence and projection do
// not import it.
func bridgeOutputs(
	ctx context.Context,
	persistIn <-chan core.Output,
	projectionIn <-chan core.Output,
	persistOut chan<- persistence.Row,
	projectionOut chan<- projection.Output,
	publishOut chan<- ingestion.PublishableEvent,
) {
	for {
		select {
		case <-ctx.Done():
			return

		case out, ok := <-persistIn:
			if !ok {
				return
			}

			row := persistence.Row{
				Event: persistence.EventRow{
					Sequence:       out.Envelope.Sequence,
					EventType:      out.Envelope.EventType.String(),
					IdempotencyKey: out.Envelope.IdempotencyKey,
					Market:         out.Envelope.Market,
					Payload:        out.Envelope.Payload,
					StateHash:      out.Envelope.StateHash[:],
					PrevHash:       out.Envelope.PrevHash[:],
					Timestamp:      out.Envelope.Timestamp,
					SourceSequence: out.Envelope.SourceSequence,
				},
			}
			if out.Settlement != nil {
				row.Settlement = &persistence.SettlementRow{
					Market:      out.Settlement.MarketID,
					FromVersion: int64(out.Settlement.FromVersion),
					ToVersion:   int64(out.Settlement.ToVersion),
					Price:       out.Settlement.Price,
					ValueMaker:  out.Settlement.ValueMaker,
					ValueTaker:  out.Settlement.ValueTaker,
					ShareMaker:  out.Settlement.ShareMaker,
					ShareTaker:  out.Settlement.ShareTaker,
					ProtocolFee: out.Settlement.ProtocolFee,
					Timestamp:   out.Settlement.Timestamp,
				}
			}
			if out.Settlement != nil && out.Entry != nil {
				if slot, err := out.Entry.Encode(); err == nil {
					row.Entry = &persistence.EntryRow{
						Market:     out.Settlement.MarketID,
						Version:    int64(out.Settlement.ToVersion),
						ValueMaker: out.Entry.Value.Maker,
						ValueTaker: out.Entry.Value.Taker,
						ShareMaker: out.Entry.Share.Maker,
						ShareTaker: out.Entry.Share.Taker,
						Slot:       slot[:],
					}
				}
			}

			select {
			case persistOut <- row:
			case <-ctx.Done():
				return
			}

			select {
			case publishOut <- ingestion.PublishableEvent{
				Sequence:       out.Envelope.Sequence,
				EventType:      out.Envelope.EventType.String(),
				IdempotencyKey: out.Envelope.IdempotencyKey,
				Market:         out.Envelope.Market,
				Payload:        out.Envelope.Payload,
				StateHash:      out.Envelope.StateHash[:],
				Timestamp:      time.Unix(out.Envelope.Timestamp, 0).UTC(),
			}:
			default:
				// Outbound publishing is best-effort; the event log is the
				// source of truth.
			}

		case out, ok := <-projectionIn:
			if !ok {
				return
			}

			pOut := projection.Output{
				Sequence:  out.Envelope.Sequence,
				EventType: out.Envelope.EventType.String(),
				Market:    out.Envelope.Market,
				Timestamp: out.Envelope.Timestamp,
			}
			if out.Settlement != nil {
				pOut.Settlement = &projection.Settlement{
					FromVersion: int64(out.Settlement.FromVersion),
					ToVersion:   int64(out.Settlement.ToVersion),
					Price:       out.Settlement.Price,
					ValueMaker:  out.Settlement.ValueMaker,
					ValueTaker:  out.Settlement.ValueTaker,
					ShareMaker:  out.Settlement.ShareMaker,
					ShareTaker:  out.Settlement.ShareTaker,
					ProtocolFee: out.Settlement.ProtocolFee,
				}
				if out.Entry != nil {
					pOut.Settlement.EntryValueMaker = out.Entry.Value.Maker
					pOut.Settlement.EntryValueTaker = out.Entry.Value.Taker
					pOut.Settlement.EntryShareMaker = out.Entry.Share.Maker
					pOut.Settlement.EntryShareTaker = out.Entry.Share.Taker
				}
			}

			select {
			case projectionOut <- pOut:
			default:
				// Drop under pressure; the read model is rebuilt from the
				// settlement log.
			}
		}
	}
}

// parseLoop validates and converts raw NATS events into typed events.
// Messages are acked after the channel send, not after core processing,
// so backpressure propagates to JetStream instead of expiring ack waits.
func parseLoop(ctx context.Context, rawChan <-chan ingestion.RawEvent, out chan<- event.Event, logger zerolog.Logger) {
	subjectToType := make(map[string]string)
	for _, sc := range ingestion.DefaultSubjects() {
		prefix := sc.Subject
		if len(prefix) > 2 && prefix[len(prefix)-2:] == ".>" {
			prefix = prefix[:len(prefix)-2]
		}
		subjectToType[prefix] = sc.EventType
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			eventType := resolveEventType(raw.Subject, subjectToType)
			if eventType == "" {
				logger.Warn().Str("subject", raw.Subject).Msg("unknown subject")
				raw.AckFunc()
				continue
			}

			evt, err := ingestion.ParseRawEvent(raw, eventType)
			if err != nil {
				// Acked, not naked: a malformed event never becomes valid
				// on redelivery.
				logger.Warn().Err(err).Str("subject", raw.Subject).Msg("parse event")
				raw.AckFunc()
				continue
			}

			select {
			case out <- evt:
				raw.AckFunc()
			case <-ctx.Done():
				raw.NakFunc()
				return
			}
		}
	}
}

// resolveEventType matches a NATS subject to its event type by longest
// configured prefix.
func resolveEventType(subject string, prefixMap map[string]string) string {
	bestMatch := ""
	bestType := ""
	for prefix, evtType := range prefixMap {
		if len(subject) >= len(prefix) && subject[:len(prefix)] == prefix {
			if len(prefix) > len(bestMatch) {
				bestMatch = prefix
				bestType = evtType
			}
		}
	}
	return bestType
}

// replayEvents replays the event log from fromSequence. Warm restart
// replays from snapshot.sequence+1; cold restart replays everything.
func replayEvents(
	ctx context.Context,
	snapMgr *persistence.SnapshotManager,
	engine *core.Engine,
	fromSequence int64,
	logger zerolog.Logger,
) (int64, error) {
	const batchSize = 1000
	var total int64

	for {
		rows, err := snapMgr.LoadEventsFrom(ctx, fromSequence, batchSize)
		if err != nil {
			return total, fmt.Errorf("load events from seq %d: %w", fromSequence, err)
		}
		if len(rows) == 0 {
			break
		}

		for _, row := range rows {
			evt, err := event.Decode(row.EventType, row.Payload)
			if err != nil {
				logger.Warn().Err(err).Int64("sequence", row.Sequence).Msg("skip undecodable event")
				continue
			}
			if err := engine.ProcessEvent(evt); err != nil {
				// Duplicates and tolerated gaps are expected during replay.
				logger.Debug().Err(err).Int64("sequence", row.Sequence).Msg("replay skip")
			}
			total++
		}

		fromSequence = rows[len(rows)-1].Sequence + 1
	}

	return total, nil
}

func saveSnapshot(snap *core.EngineSnapshot, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics, logger zerolog.Logger) {
	start := time.Now()

	ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFn()

	size, err := snapMgr.SaveSnapshot(ctx, snap)
	if err != nil {
		logger.Error().Err(err).Int64("sequence", snap.Sequence).Msg("save snapshot")
		return
	}
	// Verified immediately: the snapshot came from live state, not replay.
	if err := snapMgr.MarkVerified(ctx, snap.Market, snap.Sequence); err != nil {
		logger.Warn().Err(err).Msg("mark snapshot verified")
	}

	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	logger.Info().Int64("sequence", snap.Sequence).Int("bytes", size).Msg("snapshot saved")
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler}
	go func() {
		<-ctx.Done()
		shutCtx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelFn()
		srv.Shutdown(shutCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server %s: %w", addr, err)
	}
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
