package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "toll_ledger_notifications_total",
		Help: "Notification deliveries per sink and outcome",
	}, []string{"sink", "outcome"})

	notificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "toll_ledger_notifications_dropped_total",
		Help: "Notifications discarded because the dispatch queue was full",
	})
)
