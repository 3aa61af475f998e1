package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ProbesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamrank",
		Name:      "probes_total",
		Help:      "Total probes by route (cache, ipv6, rtmp, http) and outcome.",
	}, []string{"route", "outcome"})

	ProbeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "streamrank",
		Name:      "probe_duration_seconds",
		Help:      "Wall-clock probe duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 20, 30},
	}, []string{"route"})

	StepFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamrank",
		Name:      "step_failures_total",
		Help:      "Probe step failures by step and failure kind.",
	}, []string{"step", "kind"})

	DownloadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamrank",
		Name:      "download_bytes_total",
		Help:      "Bytes received while sampling throughput.",
	})

	CacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamrank",
		Name:      "cache_hits_total",
		Help:      "Probes answered from a cached measurement.",
	})

	CacheMissesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "streamrank",
		Name:      "cache_misses_total",
		Help:      "Probes with a cache key that required a fresh measurement.",
	})

	SubprocessRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "streamrank",
		Name:      "subprocess_runs_total",
		Help:      "External decoder invocations by binary and outcome (ok, failed, killed, missing).",
	}, []string{"binary", "outcome"})
)

// Register adds every collector to reg
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ProbesTotal,
		ProbeDuration,
		StepFailuresTotal,
		DownloadBytesTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		SubprocessRunsTotal,
	)
}
