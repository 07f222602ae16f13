// Package metrics holds the Prometheus instruments shared by the API and
// worker processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument. Construct once per process with the
// default registerer; tests pass their own registry.
type Metrics struct {
	// OTP flow
	OTPSent   prometheus.Counter
	OTPVerify *prometheus.CounterVec

	// Session lifecycle
	SessionsCreated  prometheus.Counter
	SessionValidate  *prometheus.CounterVec
	SessionRefresh   *prometheus.CounterVec
	SessionsCleaned  prometheus.Counter
	SessionsRevoked  prometheus.Counter

	// Scoring pipeline
	ScoringJobs        *prometheus.CounterVec
	ScoringJobDuration prometheus.Histogram
	JobsDispatched     prometheus.Counter
	QueueDepth         prometheus.Gauge
}

// New creates and registers all instruments against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		OTPSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "otp_sent_total",
			Help: "One-time codes dispatched to the SMS provider",
		}),
		OTPVerify: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_verify_total",
			Help: "OTP verification attempts by outcome",
		}, []string{"result"}), // success, invalid, expired, not_found, throttled

		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_created_total",
			Help: "Sessions created after successful OTP verification",
		}),
		SessionValidate: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_validate_total",
			Help: "Access-token validations by lookup path and outcome",
		}, []string{"path", "result"}), // path: cache, db; result: hit, miss
		SessionRefresh: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "session_refresh_total",
			Help: "Access-token refreshes by outcome",
		}, []string{"result"}), // success, invalid
		SessionsCleaned: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_cleaned_total",
			Help: "Expired session rows removed by the scheduled cleanup",
		}),
		SessionsRevoked: factory.NewCounter(prometheus.CounterOpts{
			Name: "sessions_revoked_total",
			Help: "Sessions explicitly deleted by their owner",
		}),

		ScoringJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "scoring_jobs_total",
			Help: "Scoring jobs consumed by outcome",
		}, []string{"result"}), // scored, duplicate, missing, error
		ScoringJobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scoring_job_duration_seconds",
			Help:    "Wall-clock duration of one scoring job",
			Buckets: prometheus.DefBuckets,
		}),
		JobsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "scoring_jobs_dispatched_total",
			Help: "Jobs published by the dispatcher",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Best-effort message count of the scoring queue",
		}),
	}
}
