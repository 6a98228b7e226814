// Package metrics exposes Prometheus instruments for polling and overlay
// reconciliation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	PollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minewatch_polls_total",
		Help: "Status polls by outcome (ok, unauthorized, error, discarded)",
	}, []string{"outcome"})
	PollDurationMs = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "minewatch_poll_duration_ms",
		Help:    "Status poll round-trip in milliseconds",
		Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})
	JobProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "minewatch_job_progress_percent",
		Help: "Progress of the analysis being watched",
	})
	TerminalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minewatch_jobs_terminal_total",
		Help: "Watched analyses reaching a terminal state",
	}, []string{"state"})
	OverlayActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "minewatch_overlay_actions_total",
		Help: "Overlay reconciliation actions by layer and action",
	}, []string{"layer", "action"})
	OverlaysActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "minewatch_overlays_active",
		Help: "Overlays currently held per layer",
	}, []string{"layer"})
)

func init() {
	prometheus.MustRegister(PollsTotal)
	prometheus.MustRegister(PollDurationMs)
	prometheus.MustRegister(JobProgress)
	prometheus.MustRegister(TerminalTotal)
	prometheus.MustRegister(OverlayActionsTotal)
	prometheus.MustRegister(OverlaysActive)
}

// Handler serves the registered metrics for scraping.
func Handler() http.Handler { return promhttp.Handler() }
