// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the trading core.
type Metrics struct {
	// Vendor market-data metrics
	VendorFetchLatency *prometheus.HistogramVec
	VendorFetchErrors  *prometheus.CounterVec

	// On-chain RPC metrics
	RPCCallLatency    *prometheus.HistogramVec
	TxSubmissions     *prometheus.CounterVec
	TxSubmitLatency   prometheus.Histogram

	// Indicator cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Position metrics
	ActivePositions *prometheus.GaugeVec
	ClosedPositions *prometheus.CounterVec
	HarvestsRun     *prometheus.CounterVec

	// Scheduler metrics
	LeaseContention *prometheus.CounterVec
	TickErrors      *prometheus.CounterVec

	// Wallet metrics
	WalletBalanceStale prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "binrange_core"
	}

	return &Metrics{
		VendorFetchLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "marketdata",
			Name:      "vendor_fetch_latency_seconds",
			Help:      "Market data vendor call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		VendorFetchErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marketdata",
			Name:      "vendor_fetch_errors_total",
			Help:      "Market data vendor call errors by classified kind",
		}, []string{"method", "kind"}),

		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "rpc_call_latency_seconds",
			Help:      "On-chain RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		TxSubmissions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "tx_submissions_total",
			Help:      "Transaction submissions by outcome",
		}, []string{"outcome"}),
		TxSubmitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chain",
			Name:      "tx_submit_latency_seconds",
			Help:      "Time from submission to confirmation in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),

		CacheHits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indicator",
			Name:      "cache_hits_total",
			Help:      "IndicatorCache hits by kind",
		}, []string{"kind"}),
		CacheMisses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "indicator",
			Name:      "cache_misses_total",
			Help:      "IndicatorCache misses by kind",
		}, []string{"kind"}),

		ActivePositions: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "active",
			Help:      "Number of ACTIVE positions per timeframe",
		}, []string{"timeframe"}),
		ClosedPositions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "closed_total",
			Help:      "Positions closed, by timeframe and side",
		}, []string{"timeframe", "side"}),
		HarvestsRun: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "position",
			Name:      "harvests_total",
			Help:      "Harvest attempts by outcome",
		}, []string{"outcome"}),

		LeaseContention: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "lease_contention_total",
			Help:      "Ticks skipped because the previous tick for the same lease was still running",
		}, []string{"scope", "op"}),
		TickErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tick_errors_total",
			Help:      "Tick errors by scope and op",
		}, []string{"scope", "op"}),

		WalletBalanceStale: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wallet",
			Name:      "balance_stale_served_total",
			Help:      "Times Balance served a stale cached value after a fresh read failed",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance, registered against the
// global Prometheus registry at package init.
var DefaultMetrics = NewMetrics("")

// RecordVendorFetch records a market-data vendor call.
func RecordVendorFetch(method string, seconds float64, errKind string) {
	DefaultMetrics.VendorFetchLatency.WithLabelValues(method).Observe(seconds)
	if errKind != "" {
		DefaultMetrics.VendorFetchErrors.WithLabelValues(method, errKind).Inc()
	}
}

// RecordRPCCall records an on-chain RPC call's latency.
func RecordRPCCall(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// RecordTxSubmission records a transaction submission outcome.
func RecordTxSubmission(outcome string, seconds float64) {
	DefaultMetrics.TxSubmissions.WithLabelValues(outcome).Inc()
	if outcome == "confirmed" {
		DefaultMetrics.TxSubmitLatency.Observe(seconds)
	}
}

// RecordCacheLookup records an IndicatorCache hit or miss.
func RecordCacheLookup(kind string, hit bool) {
	if hit {
		DefaultMetrics.CacheHits.WithLabelValues(kind).Inc()
		return
	}
	DefaultMetrics.CacheMisses.WithLabelValues(kind).Inc()
}

// SetActivePositions sets the active-position gauge for a timeframe.
func SetActivePositions(timeframe string, n int) {
	DefaultMetrics.ActivePositions.WithLabelValues(timeframe).Set(float64(n))
}

// RecordPositionClosed records a position close.
func RecordPositionClosed(timeframe, side string) {
	DefaultMetrics.ClosedPositions.WithLabelValues(timeframe, side).Inc()
}

// RecordHarvest records a harvest attempt outcome ("applied" or "skipped").
func RecordHarvest(outcome string) {
	DefaultMetrics.HarvestsRun.WithLabelValues(outcome).Inc()
}

// RecordLeaseContention records a tick skipped due to an in-flight lease.
func RecordLeaseContention(scope, op string) {
	DefaultMetrics.LeaseContention.WithLabelValues(scope, op).Inc()
}

// RecordTickError records a tick that returned an error.
func RecordTickError(scope, op string) {
	DefaultMetrics.TickErrors.WithLabelValues(scope, op).Inc()
}
