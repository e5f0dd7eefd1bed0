// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Swap metrics
	SwapsCreated          prometheus.Counter
	SwapOutcomes          *prometheus.CounterVec
	ActiveSessions        prometheus.Gauge
	PhaseDuration         *prometheus.HistogramVec
	PhaseErrors           *prometheus.CounterVec
	DepositGateRejections prometheus.Counter
	TxSubmitted           *prometheus.CounterVec

	// Rollup metrics
	RPCCallLatency *prometheus.HistogramVec
	WSReconnects   prometheus.Counter

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// API metrics
	HTTPRequests *prometheus.CounterVec

	// Health metrics
	LastSettlement prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "rollup_swap"
	}

	return &Metrics{
		// Swap metrics
		SwapsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "created_total",
			Help:      "Total number of swap sessions created",
		}),
		SwapOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "outcomes_total",
			Help:      "Total number of finished swap sessions by final state",
		}, []string{"state"}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "active_sessions",
			Help:      "Number of open swap sessions",
		}),
		PhaseDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "phase_duration_seconds",
			Help:      "Duration of orchestrator phases in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"phase"}),
		PhaseErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "phase_errors_total",
			Help:      "Total number of orchestrator failures by phase and cause",
		}, []string{"phase", "cause"}),
		DepositGateRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "deposit_gate_rejections_total",
			Help:      "Total number of sessions rejected by the deposit gate",
		}),
		TxSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "swap",
			Name:      "tx_submitted_total",
			Help:      "Total number of settlement transactions submitted by slot and status",
		}, []string{"slot", "status"}),

		// Rollup metrics
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rollup",
			Name:      "rpc_call_latency_seconds",
			Help:      "Rollup RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		WSReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rollup",
			Name:      "ws_reconnects_total",
			Help:      "Total number of websocket reconnect attempts",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Total number of maker API requests",
		}, []string{"route", "method", "code"}),

		// Health metrics
		LastSettlement: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_settlement_timestamp",
			Help:      "Unix timestamp of the last settled swap",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordSwapCreated increments the swaps created counter and the open session gauge.
func RecordSwapCreated() {
	DefaultMetrics.SwapsCreated.Inc()
	DefaultMetrics.ActiveSessions.Inc()
}

// RecordSwapOutcome records a terminal session state.
func RecordSwapOutcome(state string) {
	DefaultMetrics.SwapOutcomes.WithLabelValues(state).Inc()
	DefaultMetrics.ActiveSessions.Dec()
}

// RecordPhase records the duration of a completed phase.
func RecordPhase(phase string, seconds float64) {
	DefaultMetrics.PhaseDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordPhaseError records a failure in a phase.
func RecordPhaseError(phase, cause string) {
	DefaultMetrics.PhaseErrors.WithLabelValues(phase, cause).Inc()
}

// RecordDepositRejected increments the deposit gate rejection counter.
func RecordDepositRejected() {
	DefaultMetrics.DepositGateRejections.Inc()
}

// RecordTxSubmitted records a settlement submission.
func RecordTxSubmitted(slot, status string) {
	DefaultMetrics.TxSubmitted.WithLabelValues(slot, status).Inc()
}

// RecordSettlement updates the last settlement timestamp.
func RecordSettlement(unix int64) {
	DefaultMetrics.LastSettlement.Set(float64(unix))
}

// RecordRPCLatency records RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordWSReconnect increments the websocket reconnect counter.
func RecordWSReconnect() {
	DefaultMetrics.WSReconnects.Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordHTTPRequest records one maker API request.
func RecordHTTPRequest(route, method string, code int) {
	DefaultMetrics.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(code)).Inc()
}
