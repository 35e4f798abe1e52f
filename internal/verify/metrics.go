package verify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var verifyTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "certroot_verify_total",
	Help: "Verification requests by result status.",
}, []string{"status"})

var verifyCacheHits = promauto.NewCounter(prometheus.CounterOpts{
	Name: "certroot_verify_ledger_cache_hits_total",
	Help: "Ledger reads answered from the verification cache.",
})
