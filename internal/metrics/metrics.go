// Package metrics declares the platform's Prometheus instruments.
// Everything registers on the default registry and is served by the API
// process's /metrics endpoint; worker and supervisor processes expose
// the same registry on their health port.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionsTotal counts POST /v1/runs outcomes: accepted, replayed,
	// conflict, insufficient, plan_violation, error.
	AdmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpp_admissions_total",
		Help: "Run admissions by outcome.",
	}, []string{"outcome"})

	// FinalizeCommitsTotal counts terminal commits by kind: success,
	// failure, timeout, reconciled.
	FinalizeCommitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpp_finalize_commits_total",
		Help: "Exactly-once terminal commits by kind.",
	}, []string{"kind"})

	// ClaimRacesLost counts finalize claims that found the run already
	// claimed or committed. Expected under contention; a surge means
	// workers and the reaper are fighting.
	ClaimRacesLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dpp_finalize_claim_races_lost_total",
		Help: "Finalize claim CAS attempts that lost the race.",
	})

	// ReaperReapsTotal counts leases the reaper finalized as timed out.
	ReaperReapsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dpp_reaper_reaps_total",
		Help: "Expired leases finalized by the reaper.",
	})

	// ReconcilerCasesTotal counts recovery decisions by case:
	// roll_forward, roll_back, receipt_commit, audit_required.
	ReconcilerCasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpp_reconciler_cases_total",
		Help: "Reconciler recovery decisions by case.",
	}, []string{"case"})

	// RateLimitRejectsTotal counts PlanGuard rate-limit rejections.
	RateLimitRejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dpp_rate_limit_rejects_total",
		Help: "Requests rejected by the rate counter, by scope.",
	}, []string{"scope"})

	// PackExecutionSeconds observes executor wall time per pack type.
	PackExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dpp_pack_execution_seconds",
		Help:    "Pack executor wall time.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 11),
	}, []string{"pack_type"})
)
