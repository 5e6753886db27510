// Package metrics holds the prometheus collectors for the loops and the
// upstream gateway.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upstream metrics
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitlane_upstream_requests_total",
			Help: "Total number of upstream requests by method and outcome",
		},
		[]string{"method", "outcome"},
	)

	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pitlane_upstream_request_duration_seconds",
			Help:    "Upstream request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitlane_token_refreshes_total",
			Help: "Token acquisitions by audience and result",
		},
		[]string{"audience", "result"},
	)

	// Loop metrics
	LoopIterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitlane_loop_iterations_total",
			Help: "Loop iterations by loop and result",
		},
		[]string{"loop", "result"},
	)

	LoopIterationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pitlane_loop_iteration_duration_seconds",
			Help:    "Duration of one loop iteration in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"loop"},
	)

	CursorPosition = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pitlane_cursor_position",
			Help: "Last persisted position of each scrape cursor",
		},
		[]string{"cursor"},
	)

	TracksUpsertedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitlane_tracks_upserted_total",
			Help: "Tracks written to the cache by stream",
		},
		[]string{"stream"},
	)

	AuthorTimeChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pitlane_author_time_checks_total",
			Help: "Author time checks by result (beaten, unbeaten, broken, failed)",
		},
		[]string{"result"},
	)

	RankingRowsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pitlane_ranking_rows_total",
			Help: "Competition ranking rows written",
		},
	)

	EventState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pitlane_event_state",
			Help: "1 for the state the event watcher is currently in",
		},
		[]string{"state"},
	)
)

func init() {
	prometheus.MustRegister(UpstreamRequestsTotal)
	prometheus.MustRegister(UpstreamRequestDuration)
	prometheus.MustRegister(TokenRefreshesTotal)
	prometheus.MustRegister(LoopIterationsTotal)
	prometheus.MustRegister(LoopIterationDuration)
	prometheus.MustRegister(CursorPosition)
	prometheus.MustRegister(TracksUpsertedTotal)
	prometheus.MustRegister(AuthorTimeChecksTotal)
	prometheus.MustRegister(RankingRowsTotal)
	prometheus.MustRegister(EventState)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation from its creation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDurationVec records the elapsed time on the histogram with the given labels.
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
