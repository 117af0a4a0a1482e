// Package metrics exposes the Prometheus collectors for the pricing core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QuotesTotal counts priced quotes by outcome (priced, fallback, error).
	QuotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpricing_quotes_total",
		Help: "Quote requests by outcome.",
	}, []string{"outcome"})

	// QuoteCacheHits counts quote cache lookups by result.
	QuoteCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpricing_quote_cache_total",
		Help: "Quote cache lookups by result (hit, miss).",
	}, []string{"result"})

	// QuoteDuration observes end-to-end quote latency.
	QuoteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fleetpricing_quote_duration_seconds",
		Help:    "End-to-end quote pricing latency.",
		Buckets: prometheus.DefBuckets,
	})

	// ScrapeOffers counts scraped offers by provider and disposition.
	ScrapeOffers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpricing_scrape_offers_total",
		Help: "Competitor offers by provider and disposition (new, duplicate).",
	}, []string{"provider", "disposition"})

	// ScrapeErrors counts scrape cell failures by provider.
	ScrapeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpricing_scrape_errors_total",
		Help: "Scrape failures by provider.",
	}, []string{"provider"})

	// ProviderUp reports provider health (1 healthy, 0 disabled).
	ProviderUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleetpricing_provider_up",
		Help: "Provider availability as seen by the orchestrator.",
	}, []string{"provider"})

	// JobRuns counts scheduler job executions by job and outcome.
	JobRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpricing_scheduler_job_runs_total",
		Help: "Scheduler job runs by job name and outcome (ok, error, skipped).",
	}, []string{"job", "outcome"})

	// RateUpdates counts applied vehicle rate mutations by reason.
	RateUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleetpricing_rate_updates_total",
		Help: "Vehicle base-rate updates by reason.",
	}, []string{"reason"})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
