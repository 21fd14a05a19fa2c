// Package metrics defines the Prometheus instrumentation for the service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RemoteRequests counts Bitbucket API calls by outcome (ok, retried_ok, failed).
	RemoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbcontrib_remote_requests_total",
		Help: "Bitbucket API requests by final outcome.",
	}, []string{"outcome"})

	// RemoteRetries counts individual retry attempts against the Bitbucket API.
	RemoteRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bbcontrib_remote_retries_total",
		Help: "Retry attempts against the Bitbucket API.",
	})

	// CommitsIngested counts commits written to cache documents per mode.
	CommitsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbcontrib_commits_ingested_total",
		Help: "Commits persisted to cache documents.",
	}, []string{"mode"})

	// ReposSkipped counts repositories skipped during a run (e.g. missing default branch).
	ReposSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bbcontrib_repos_skipped_total",
		Help: "Repositories skipped during ingestion runs.",
	})

	// RefreshRuns counts refresh trigger outcomes (accepted, throttled).
	RefreshRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbcontrib_refresh_runs_total",
		Help: "Refresh trigger outcomes.",
	}, []string{"outcome"})

	// EnrichmentLookups counts pull-request lookups by outcome (ok, failed).
	EnrichmentLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bbcontrib_enrichment_lookups_total",
		Help: "Pull-request enrichment lookups by outcome.",
	}, []string{"outcome"})
)

// Handler exposes the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
