package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total welcome emails delivered",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total welcome emails that failed delivery",
		},
	)

	ClaimRaces = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_claim_races_total",
			Help: "Jobs skipped because a concurrent cycle claimed them first",
		},
	)

	DispatchCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_cycles_total",
			Help: "Total dispatch cycles run",
		},
	)

	JobsEnqueued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_jobs_enqueued_total",
			Help: "Total email jobs inserted via the API",
		},
	)
)

func Init() {
	prometheus.MustRegister(
		EmailsSent,
		EmailFailures,
		ClaimRaces,
		DispatchCycles,
		JobsEnqueued,
	)
}
