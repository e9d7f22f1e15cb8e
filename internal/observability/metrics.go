package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the risk service.
type Metrics struct {
	// --- Engine ---
	InstructionsApplied  *prometheus.CounterVec
	InstructionsRejected *prometheus.CounterVec
	InstructionDuration  *prometheus.HistogramVec
	HealthBuildDuration  *prometheus.HistogramVec
	OutputSequence       prometheus.Gauge

	// --- Oracle ingestion ---
	OracleUpdates      *prometheus.CounterVec
	OracleStaleDropped *prometheus.CounterVec
	OracleSequenceGap  *prometheus.CounterVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Errors      prometheus.Counter

	// --- Channels ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Liquidation ---
	LiquidationCandidates prometheus.Gauge
	LiquidationsExecuted  *prometheus.CounterVec
	Bankruptcies          prometheus.Counter
	SocializedLoss        *prometheus.CounterVec
	InsuranceFundBalance  prometheus.Gauge
	MonitorScanDuration   prometheus.Histogram
	AccountHealth         *prometheus.GaugeVec

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		InstructionsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_instructions_applied_total",
			Help: "Instructions applied by the engine",
		}, []string{"instruction"}),

		InstructionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_instructions_rejected_total",
			Help: "Instructions rejected, by error kind",
		}, []string{"instruction", "kind"}),

		InstructionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_instruction_duration_seconds",
			Help:    "Time to execute one instruction bundle",
			Buckets: latencyBuckets,
		}, []string{"instruction"}),

		HealthBuildDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_health_cache_build_seconds",
			Help:    "Time to load records and build a health cache",
			Buckets: latencyBuckets,
		}, []string{"retriever"}),

		OutputSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_output_sequence",
			Help: "Sequence of the last emitted risk event",
		}),

		OracleUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_oracle_updates_total",
			Help: "Oracle price updates applied",
		}, []string{"oracle"}),

		OracleStaleDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_oracle_stale_dropped_total",
			Help: "Oracle updates dropped for a non-increasing sequence",
		}, []string{"oracle"}),

		OracleSequenceGap: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_oracle_sequence_gap_total",
			Help: "Oracle sequence gaps (tolerated)",
		}, []string{"oracle"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_idempotency_duplicates_total",
			Help: "Duplicate requests caught, by tier",
		}, []string{"tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_dedup_tier2_errors_total",
			Help: "Store lookups that failed during dedup",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_publish_drops_total",
			Help: "Risk events dropped due to a full publish channel",
		}),

		LiquidationCandidates: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_liquidation_candidates",
			Help: "Accounts found liquidatable by the last monitor scan",
		}),

		LiquidationsExecuted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_liquidations_executed_total",
			Help: "Token liquidations executed, by binding bound",
		}, []string{"binding"}),

		Bankruptcies: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_bankruptcies_total",
			Help: "Accounts found bankrupt",
		}),

		SocializedLoss: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_socialized_loss_total",
			Help: "Native token amount socialized on depositors",
		}, []string{"token"}),

		InsuranceFundBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_insurance_fund_balance",
			Help: "Current insurance fund balance in quote units",
		}),

		MonitorScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_monitor_scan_duration_seconds",
			Help:    "Time for one liquidation-candidate scan",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		AccountHealth: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "margin_account_health",
			Help: "Health of liquidation candidates by health type",
		}, []string{"account", "type"}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "margin_persist_events_written_total",
			Help: "Risk events written to the store",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_size",
			Help:    "Risk events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "margin_persist_batch_duration_seconds",
			Help:    "Risk event batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "margin_persist_last_sequence",
			Help: "Last persisted risk event sequence",
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "margin_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "margin_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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
