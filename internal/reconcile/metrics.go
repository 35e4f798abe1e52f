package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certroot_reconcile_passes_total",
		Help: "Reconciliation passes by result (ok, partial, error, skipped).",
	}, []string{"result"})

	filesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certroot_reconcile_files_total",
		Help: "Files seen by reconciliation passes by outcome.",
	}, []string{"outcome"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "certroot_reconcile_pass_seconds",
		Help:    "Wall time of a reconciliation pass.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "certroot_reconcile_pending_records",
		Help: "Records anchored on the ledger but not yet confirmed by the mirror and audit log.",
	})
)

func recordPass(s *Summary, err error) {
	switch {
	case err != nil:
		passesTotal.WithLabelValues("error").Inc()
	case len(s.Failed) > 0 || s.Pending > 0:
		passesTotal.WithLabelValues("partial").Inc()
	default:
		passesTotal.WithLabelValues("ok").Inc()
	}
	if s == nil {
		return
	}
	passDuration.Observe(s.Finished.Sub(s.Started).Seconds())
	filesTotal.WithLabelValues("known").Add(float64(s.Known))
	filesTotal.WithLabelValues("anchored").Add(float64(s.Anchored))
	filesTotal.WithLabelValues("adopted").Add(float64(s.Adopted))
	filesTotal.WithLabelValues("failed").Add(float64(len(s.Failed)))
	pendingGauge.Set(float64(s.Pending))
}
