// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"taskboard/internal/pkg/apperr"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts finished requests by route template and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskboard",
		Name:      "http_requests_total",
		Help:      "HTTP requests handled, by method, route and status code.",
	}, []string{"method", "route", "status"})

	// HTTPRequestDuration observes request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskboard",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// AuthEventsTotal counts identity operations by kind and outcome
	// (register/login/external/authenticate x ok/<error kind>).
	AuthEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskboard",
		Name:      "auth_events_total",
		Help:      "Identity operations by event and outcome.",
	}, []string{"event", "outcome"})

	// TaskOpsTotal counts task mutations (create/update/delete) by outcome.
	TaskOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskboard",
		Name:      "task_operations_total",
		Help:      "Task operations by kind and outcome.",
	}, []string{"op", "outcome"})

	// RateLimitRejectedTotal counts requests rejected by the auth rate limiter.
	RateLimitRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskboard",
		Name:      "ratelimit_rejected_total",
		Help:      "Requests rejected by the rate limiter, by route.",
	}, []string{"route"})

	// BackgroundJobsTotal counts background queue jobs by name and outcome
	// (ok/failed/panic/dropped).
	BackgroundJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskboard",
		Name:      "background_jobs_total",
		Help:      "Background jobs by name and outcome.",
	}, []string{"job", "outcome"})
)

// Outcome turns an error into a low-cardinality label value.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.Kind(err)
}
