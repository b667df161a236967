package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters exposed on /metrics.
var (
	SchedulerTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_scheduler_ticks_total",
		Help: "Rotation scheduler tick iterations.",
	})

	NonceRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_nonce_rotations_total",
		Help: "Automatic and manual nonce rotations.",
	})

	SessionAutoCloses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_session_auto_closes_total",
		Help: "Sessions closed automatically past their end time.",
	})

	SchedulerErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_scheduler_errors_total",
		Help: "Per-session failures inside scheduler ticks.",
	})

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_submissions_total",
		Help: "Attendance submissions by outcome.",
	}, []string{"outcome"})
)
