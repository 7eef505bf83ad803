package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EmailsSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "emails_sent_total",
			Help: "Total emails sent",
		},
	)

	EmailFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_failures_total",
			Help: "Total failed send attempts",
		},
	)

	RateDeferrals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_rate_deferrals_total",
			Help: "Sends postponed to the next hourly window",
		},
	)

	Retries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_retries_total",
			Help: "Failed attempts scheduled for another try",
		},
	)

	Abandoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_abandoned_total",
			Help: "Jobs that ran out of attempts or failed permanently",
		},
	)

	JobsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "email_jobs_scheduled_total",
			Help: "Email jobs created by scheduling requests",
		},
	)

	SendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "email_send_duration_seconds",
			Help:    "Time spent handing one message to the SMTP server",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "email_queue_depth",
			Help: "Queue entries by state",
		},
		[]string{"state"},
	)
)

func Init() {
	prometheus.MustRegister(EmailsSent)
	prometheus.MustRegister(EmailFailures)
	prometheus.MustRegister(RateDeferrals)
	prometheus.MustRegister(Retries)
	prometheus.MustRegister(Abandoned)
	prometheus.MustRegister(JobsScheduled)
	prometheus.MustRegister(SendDuration)
	prometheus.MustRegister(QueueDepth)
}

// ObserveQueue publishes a queue snapshot.
func ObserveQueue(waiting, active int) {
	QueueDepth.WithLabelValues("waiting").Set(float64(waiting))
	QueueDepth.WithLabelValues("active").Set(float64(active))
}
