package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentbox_executions_total",
		Help: "Code executions by language and outcome.",
	}, []string{"language", "status"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sentbox_active_sessions",
		Help: "Sessions currently registered.",
	})

	LanguageSwitches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentbox_language_switches_total",
		Help: "Mid-session language switches (container swaps).",
	})

	ContainerLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sentbox_container_launches_total",
		Help: "Container launch attempts by outcome.",
	}, []string{"outcome"})

	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentbox_sessions_reaped_total",
		Help: "Sessions collected by the TTL reaper.",
	})

	FetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sentbox_fetch_failures_total",
		Help: "Requested fetch_files entries that were missing or errored.",
	})
)
