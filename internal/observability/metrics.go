package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpSettle.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Settlement ---
	SettlementsExecuted  *prometheus.CounterVec
	SettlementDuration   *prometheus.HistogramVec
	SettlementVersion    *prometheus.GaugeVec
	AccountsSettled      *prometheus.CounterVec
	FundingRate          *prometheus.GaugeVec
	ProtocolFeesAccrued  *prometheus.CounterVec
	AccumulatorStamps    *prometheus.CounterVec
	SocializationApplied *prometheus.CounterVec

	// --- Oracle ---
	OracleVersionsCommitted *prometheus.CounterVec
	OracleVersionGaps       *prometheus.CounterVec
	OracleStaleRejections   *prometheus.CounterVec
	OraclePrice             *prometheus.GaugeVec
	FeedReconnects          *prometheus.CounterVec

	// --- Dedup & ordering ---
	TransitionDuplicates *prometheus.CounterVec
	DedupLRUSize         prometheus.Gauge
	DedupTier2Duration   prometheus.Histogram
	EventSequenceGap     *prometheus.CounterVec
	EventOutOfOrder      *prometheus.CounterVec

	// --- Channels ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten  prometheus.Counter
	PersistEntriesWritten prometheus.Counter
	PersistBatchDur       prometheus.Histogram
	PersistBatchSize      prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistLastSequence   prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		CoreEventsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_core_events_applied_total",
			Help: "Events successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_core_events_rejected_total",
			Help: "Events rejected (dedup, gap, validation)",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreStateHashDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_core_sequence",
			Help: "Current global sequence number",
		}),

		// Settlement
		SettlementsExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_settlements_executed_total",
			Help: "Global settlements executed",
		}, []string{"market"}),

		SettlementDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_settlement_duration_seconds",
			Help:    "Time to settle the global position to a new version",
			Buckets: latencyBuckets,
		}, []string{"market"}),

		SettlementVersion: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_settlement_version",
			Help: "Latest settled oracle version",
		}, []string{"market"}),

		AccountsSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_accounts_settled_total",
			Help: "Account positions settled against stamped entries",
		}, []string{"market"}),

		FundingRate: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_funding_rate",
			Help: "Last composite annualized funding rate (fixed-point / 1e6)",
		}, []string{"market"}),

		ProtocolFeesAccrued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_protocol_fees_accrued",
			Help: "Protocol share skimmed from funding (fixed-point / 1e6)",
		}, []string{"market"}),

		AccumulatorStamps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_accumulator_stamps_total",
			Help: "Versioned accumulator entries stamped",
		}, []string{"market"}),

		SocializationApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_socialization_applied_total",
			Help: "Settlements where a socialization factor below 1 applied",
		}, []string{"market", "side"}),

		// Oracle
		OracleVersionsCommitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_oracle_versions_committed_total",
			Help: "Oracle price versions committed to the log",
		}, []string{"market"}),

		OracleVersionGaps: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_oracle_version_gap_total",
			Help: "Skipped oracle version numbers (tolerated)",
		}, []string{"market"}),

		OracleStaleRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_oracle_stale_rejections_total",
			Help: "Settlements refused because the oracle version was too old",
		}, []string{"market"}),

		OraclePrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_oracle_price",
			Help: "Latest committed oracle price (fixed-point / 1e6)",
		}, []string{"market"}),

		FeedReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_feed_reconnects_total",
			Help: "Websocket price feed reconnect attempts",
		}, []string{"market"}),

		// Dedup & ordering
		TransitionDuplicates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_transition_duplicates_total",
			Help: "Duplicate (scope, from, to) transitions caught (lru/postgres)",
		}, []string{"tier"}),

		DedupLRUSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_dedup_lru_size",
			Help: "Current transition LRU occupancy",
		}),

		DedupTier2Duration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		EventSequenceGap: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_event_sequence_gap_total",
			Help: "Source sequence gaps",
		}, []string{"partition"}),

		EventOutOfOrder: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_event_out_of_order_total",
			Help: "Out-of-order rejections",
		}, []string{"partition"}),

		// Channels
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settle_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		// Persistence
		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_events_written_total",
			Help: "Event envelopes written to Postgres",
		}),

		PersistEntriesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_persist_entries_written_total",
			Help: "Accumulator entries written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_persist_batch_size",
			Help:    "Outputs per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		// Snapshot
		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "settle_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "settle_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "settle_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settle_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "settle_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
