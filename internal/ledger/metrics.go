package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ledgerAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certroot_ledger_appends_total",
		Help: "Ledger append attempts by result.",
	}, []string{"result"})

	ledgerAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "certroot_ledger_append_seconds",
		Help:    "Time from submission to confirmation of a ledger append.",
		Buckets: []float64{.01, .05, .1, .5, 1, 2, 5, 10, 30, 60},
	})
)

func recordAppend(result string) {
	ledgerAppendsTotal.WithLabelValues(result).Inc()
}
