package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "refdist_build_info",
			Help: "Build information of the referral distribution engine",
		},
		[]string{"version", "commit", "date"},
	)

	DistributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refdist_distributions_total",
			Help: "Total number of distribution runs by outcome",
		},
		[]string{"status"},
	)

	DistributionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "refdist_distribution_duration_seconds",
			Help:    "Duration of distribution runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~41s
		},
	)

	LevelsCreditedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refdist_levels_credited_total",
			Help: "Total number of referral levels credited",
		},
	)

	LevelsSkippedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refdist_levels_skipped_total",
			Help: "Total number of referral levels skipped below the minimum reward threshold",
		},
	)

	CreditedAmountTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refdist_credited_amount_total",
			Help: "Total amount credited to inviters",
		},
		[]string{"currency"},
	)

	RecoveryPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refdist_recovery_passes_total",
			Help: "Total number of recovery passes",
		},
		[]string{"status"},
	)

	RecoveryResumedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "refdist_recovery_resumed_total",
			Help: "Total number of batches resumed by the recovery scanner",
		},
	)

	LedgerQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refdist_ledger_queries_total",
			Help: "Total number of batch ledger queries",
		},
		[]string{"status"},
	)
)
