package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// LookupBuckets for local replica reads
	LookupBuckets = []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05}

	// WriteBuckets for acknowledged writes to the internal log
	WriteBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// LagBuckets for time between ingestion and apply on this node
	LagBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 60, 300}
)

// Ingestion Metrics
var (
	// IngestedTotal counts input messages by result (forwarded, decode_error, filtered, empty_key, publish_error)
	IngestedTotal CounterVec = noopCounterVec{}

	// DecodeErrorsTotal counts payloads that failed to decode
	DecodeErrorsTotal Counter = NoopStat{}

	// InputFetchErrorsTotal counts failed reads from the input channel
	InputFetchErrorsTotal Counter = NoopStat{}
)

// Republisher Metrics
var (
	// RepublishTotal counts internal log writes by result (success, failed)
	RepublishTotal CounterVec = noopCounterVec{}

	// RepublishRetriesTotal counts retried internal log writes
	RepublishRetriesTotal Counter = NoopStat{}

	// RepublishDurationSeconds measures time to an acknowledged write, including retries
	RepublishDurationSeconds Histogram = NoopStat{}

	// PublisherDegraded is 1 while internal log writes are exhausting retries
	PublisherDegraded Gauge = NoopStat{}
)

// Materialization Metrics
var (
	// EntriesAppliedTotal counts log entries by result (applied, stale, decode_error, unreadable)
	EntriesAppliedTotal CounterVec = noopCounterVec{}

	// EngineState tracks the materialization engine state as its numeric value
	EngineState Gauge = NoopStat{}

	// EngineStateActive is 1 for the state the engine is in and 0 for states it has left
	EngineStateActive GaugeVec = noopGaugeVec{}

	// EngineStateTransitionsTotal counts state transitions (from -> to)
	EngineStateTransitionsTotal CounterVec = noopCounterVec{}

	// BootstrapDurationSeconds records time from start to ready
	BootstrapDurationSeconds Gauge = NoopStat{}

	// ReplicaKeys tracks the number of keys in the local replica
	ReplicaKeys Gauge = NoopStat{}

	// ApplyLagSeconds measures time from ingestion to local apply
	ApplyLagSeconds Histogram = NoopStat{}

	// LogReadErrorsTotal counts failed reads from the internal log
	LogReadErrorsTotal Counter = NoopStat{}
)

// Query Metrics
var (
	// LookupsTotal counts lookups by result (found, not_found, not_ready)
	LookupsTotal CounterVec = noopCounterVec{}

	// LookupDurationSeconds measures lookup latency by result
	LookupDurationSeconds HistogramVec = noopHistogramVec{}
)

// InitMetrics initializes all metrics after telemetry is initialized
// Must be called after InitializeTelemetry()
func InitMetrics() {
	// Ingestion Metrics
	IngestedTotal = NewCounterVec(
		"ingested_messages_total",
		"Input messages by result",
		[]string{"result"},
	)
	DecodeErrorsTotal = NewCounter(
		"decode_errors_total",
		"Input payloads that failed to decode",
	)
	InputFetchErrorsTotal = NewCounter(
		"input_fetch_errors_total",
		"Failed reads from the input channel",
	)

	// Republisher Metrics
	RepublishTotal = NewCounterVec(
		"republish_total",
		"Internal log writes by result",
		[]string{"result"},
	)
	RepublishRetriesTotal = NewCounter(
		"republish_retries_total",
		"Retried internal log writes",
	)
	RepublishDurationSeconds = NewHistogramWithBuckets(
		"republish_duration_seconds",
		"Time to an acknowledged internal log write in seconds",
		WriteBuckets,
	)
	PublisherDegraded = NewGauge(
		"publisher_degraded",
		"1 while internal log writes are exhausting retries",
	)

	// Materialization Metrics
	EntriesAppliedTotal = NewCounterVec(
		"entries_applied_total",
		"Internal log entries by apply result",
		[]string{"result"},
	)
	EngineState = NewGauge(
		"engine_state",
		"Materialization engine state",
	)
	EngineStateActive = NewGaugeVec(
		"engine_state_active",
		"1 for the current materialization engine state",
		[]string{"state"},
	)
	EngineStateTransitionsTotal = NewCounterVec(
		"engine_state_transitions_total",
		"Materialization engine state transitions",
		[]string{"from", "to"},
	)
	BootstrapDurationSeconds = NewGauge(
		"bootstrap_duration_seconds",
		"Time from engine start to ready in seconds",
	)
	ReplicaKeys = NewGauge(
		"replica_keys",
		"Number of keys in the local replica",
	)
	ApplyLagSeconds = NewHistogramWithBuckets(
		"apply_lag_seconds",
		"Time from ingestion to local apply in seconds",
		LagBuckets,
	)
	LogReadErrorsTotal = NewCounter(
		"log_read_errors_total",
		"Failed reads from the internal log",
	)

	// Query Metrics
	LookupsTotal = NewCounterVec(
		"lookups_total",
		"Lookups by result",
		[]string{"result"},
	)
	LookupDurationSeconds = NewHistogramVec(
		"lookup_duration_seconds",
		"Lookup latency in seconds by result",
		[]string{"result"},
		LookupBuckets,
	)
}
