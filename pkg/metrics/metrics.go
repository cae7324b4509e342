package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job metrics
	JobsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repowarden_jobs_created_total",
			Help: "Total number of jobs created",
		},
	)

	JobsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repowarden_jobs_completed_total",
			Help: "Total number of jobs completed",
		},
	)

	JobsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repowarden_jobs_failed_total",
			Help: "Total number of jobs that reached failed status",
		},
	)

	JobsHealing = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repowarden_jobs_healing_total",
			Help: "Total number of jobs handed to the self-healer",
		},
	)

	JobsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "repowarden_jobs_by_status",
			Help: "Current number of jobs by status",
		},
		[]string{"status"},
	)

	// Sync engine metrics
	ReposTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "repowarden_repos_tracked",
			Help: "Number of repositories currently tracked",
		},
	)

	ScrapesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repowarden_scrapes_total",
			Help: "Total number of scrape attempts by result",
		},
		[]string{"result"},
	)

	CohesivenessChecks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repowarden_cohesiveness_checks_total",
			Help: "Total number of cohesiveness scoring passes",
		},
	)

	// Healing metrics
	HealingAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repowarden_healing_attempts_total",
			Help: "Total number of healing attempts by strategy",
		},
		[]string{"strategy"},
	)

	HealingResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repowarden_healing_resolutions_total",
			Help: "Total number of healing resolutions by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	HealingEscalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "repowarden_healing_escalations_total",
			Help: "Total number of healing tasks escalated for human review",
		},
	)

	// Queue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "repowarden_queue_depth",
			Help: "Current number of messages per queue",
		},
		[]string{"queue"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "repowarden_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "repowarden_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobsCreated)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobsFailed)
	prometheus.MustRegister(JobsHealing)
	prometheus.MustRegister(JobsByStatus)
	prometheus.MustRegister(ReposTracked)
	prometheus.MustRegister(ScrapesTotal)
	prometheus.MustRegister(CohesivenessChecks)
	prometheus.MustRegister(HealingAttempts)
	prometheus.MustRegister(HealingResolutions)
	prometheus.MustRegister(HealingEscalations)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
