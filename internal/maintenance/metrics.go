package maintenance

import "github.com/prometheus/client_golang/prometheus"

var (
	maintenanceRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loqe_maintenance_runs_total",
			Help: "Total number of maintenance cycles by outcome.",
		},
		[]string{"outcome"},
	)
	idleConnectionsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loqe_idle_connections_reaped_total",
			Help: "Total number of pooled connections closed for being idle.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		maintenanceRunsTotal,
		idleConnectionsReaped,
	)
}

func observeRun(outcome string) {
	maintenanceRunsTotal.WithLabelValues(outcome).Inc()
}
