package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loqe_queries_total",
			Help: "Total number of engine queries by outcome.",
		},
		[]string{"status"},
	)
	queryDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "loqe_query_duration_seconds",
			Help:    "Engine query latency including connection wait and materialization.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)
	guardrailRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loqe_guardrail_rejections_total",
			Help: "Total number of queries rejected by a guardrail.",
		},
		[]string{"kind"},
	)
	poolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loqe_pool_connections",
			Help: "Connection pool occupancy by state.",
		},
		[]string{"state"},
	)
	secretRefreshFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loqe_secret_refresh_failures_total",
			Help: "Total number of engine secrets that failed to rebind to a rotated token.",
		},
	)
	catalogEvictionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loqe_catalog_evictions_total",
			Help: "Total number of catalogs evicted after a failed refresh.",
		},
	)
	tokenExpirySeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loqe_token_expiry_seconds",
			Help: "Seconds until the current bearer token expires, when it carries an exp claim.",
		},
	)
	processMemoryMB = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "loqe_process_memory_mb",
			Help: "Resident memory of the process in megabytes, including the embedded engine.",
		},
	)
	memoryReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loqe_memory_reclaims_total",
			Help: "Total number of memory reclamation passes.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		queriesTotal,
		queryDurationSeconds,
		guardrailRejectionsTotal,
		poolConnections,
		secretRefreshFailuresTotal,
		catalogEvictionsTotal,
		tokenExpirySeconds,
		processMemoryMB,
		memoryReclaimsTotal,
	)
}

func ObserveQuery(status string, elapsed time.Duration) {
	queriesTotal.WithLabelValues(status).Inc()
	queryDurationSeconds.Observe(elapsed.Seconds())
}

func IncrementGuardrailRejection(kind string) {
	guardrailRejectionsTotal.WithLabelValues(kind).Inc()
}

func SetPoolMetrics(size, active, available, queued, max int) {
	poolConnections.WithLabelValues("size").Set(float64(size))
	poolConnections.WithLabelValues("active").Set(float64(active))
	poolConnections.WithLabelValues("available").Set(float64(available))
	poolConnections.WithLabelValues("queued").Set(float64(queued))
	poolConnections.WithLabelValues("max").Set(float64(max))
}

func IncrementSecretRefreshFailure() {
	secretRefreshFailuresTotal.Inc()
}

func IncrementCatalogEviction() {
	catalogEvictionsTotal.Inc()
}

func SetTokenExpiry(remaining time.Duration) {
	tokenExpirySeconds.Set(remaining.Seconds())
}

func SetProcessMemory(usageMB float64) {
	if usageMB < 0 {
		usageMB = 0
	}
	processMemoryMB.Set(usageMB)
}

func IncrementMemoryReclaim() {
	memoryReclaimsTotal.Inc()
}
