// Package metrics exports Prometheus metrics for the session subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devpocket",
			Name:      "sessions_created_total",
			Help:      "Sessions created, by session type",
		},
		[]string{"type"},
	)

	sessionsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devpocket",
			Name:      "session_failures_total",
			Help:      "Sessions that failed during startup, by session type",
		},
		[]string{"type"},
	)

	sessionsEnded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devpocket",
			Name:      "sessions_terminated_total",
			Help:      "Sessions terminated, by session type",
		},
		[]string{"type"},
	)

	liveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devpocket",
			Name:      "sessions_live",
			Help:      "Sessions with a runtime entry in this process",
		},
	)

	commandsExecuted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devpocket",
			Name:      "commands_executed_total",
			Help:      "Commands executed across all sessions",
		},
	)
)

func SessionCreated(sessionType string) { sessionsCreated.WithLabelValues(sessionType).Inc() }
func SessionFailed(sessionType string)  { sessionsFailed.WithLabelValues(sessionType).Inc() }
func SessionEnded(sessionType string)   { sessionsEnded.WithLabelValues(sessionType).Inc() }
func SetLiveSessions(n int)             { liveSessions.Set(float64(n)) }
func CommandExecuted()                  { commandsExecuted.Inc() }
