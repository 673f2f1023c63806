package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toll_ledger_mutations_total",
		Help: "Account mutations processed by the coordinator, labeled by entry type and outcome",
	}, []string{"type", "outcome"})

	lockWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "toll_ledger_lock_wait_seconds",
		Help:    "Time spent waiting for per-account exclusive execution",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	reservationsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toll_ledger_reservations_purged_total",
		Help: "Expired idempotency reservations removed by the sweeper",
	})
)

// outcomeLabel classifies a coordinator result for metrics.
func outcomeLabel(err error, replayed bool) string {
	switch {
	case err == nil && replayed:
		return "replayed"
	case err == nil:
		return "applied"
	case IsNotFound(err):
		return "not_found"
	case isRejected(err):
		return "rejected"
	case IsClientError(err):
		return "invalid"
	case IsRetryable(err) && !isStorage(err):
		return "busy"
	default:
		return "storage_error"
	}
}
