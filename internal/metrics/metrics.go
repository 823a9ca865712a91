// Package metrics records per-run Prometheus collectors and pushes them to a Pushgateway.
package metrics

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// URL results.
const (
	ResultChanged   = "changed"
	ResultFirstSeen = "first_seen"
	ResultUnchanged = "unchanged"
	ResultFailed    = "failed"
)

// Notification and publish statuses.
const (
	StatusSent    = "sent"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Recorder owns a private registry so concurrent runs in tests never share state.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	urlsChecked   *prometheus.CounterVec
	notifications *prometheus.CounterVec
	events        *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	lastRun       prometheus.Gauge

	pushURL string
	job     string
}

// New creates a Recorder. An empty pushgatewayURL disables Push.
func New(pushgatewayURL, job string) *Recorder {
	if job == "" {
		job = "pagewatch"
	}
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		urlsChecked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_urls_checked_total",
				Help: "Total number of tracked URLs checked, labeled by result.",
			},
			[]string{"result"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_notifications_total",
				Help: "Total number of change notifications, labeled by status.",
			},
			[]string{"status"},
		),
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagewatch_change_events_total",
				Help: "Total number of change events published, labeled by status.",
			},
			[]string{"status"},
		),
		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagewatch_fetch_duration_seconds",
				Help:    "Histogram of page fetch latencies, labeled by site.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		),
		lastRun: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagewatch_last_run_timestamp_seconds",
				Help: "Unix time at which the last run finished.",
			},
		),
		pushURL: strings.TrimSpace(pushgatewayURL),
		job:     job,
	}
	r.registry.MustRegister(r.urlsChecked, r.notifications, r.events, r.fetchDuration, r.lastRun)
	return r
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveURL counts one checked URL.
func (r *Recorder) ObserveURL(result string) {
	if r == nil {
		return
	}
	r.urlsChecked.WithLabelValues(result).Inc()
}

// ObserveFetch records how long a fetch of rawURL took.
func (r *Recorder) ObserveFetch(rawURL string, d time.Duration) {
	if r == nil {
		return
	}
	r.fetchDuration.WithLabelValues(SanitizeSite(rawURL)).Observe(d.Seconds())
}

// ObserveNotification counts one notification attempt.
func (r *Recorder) ObserveNotification(status string) {
	if r == nil {
		return
	}
	r.notifications.WithLabelValues(status).Inc()
}

// ObserveEvent counts one change event publish.
func (r *Recorder) ObserveEvent(status string) {
	if r == nil {
		return
	}
	r.events.WithLabelValues(status).Inc()
}

// MarkRun sets the last-run gauge.
func (r *Recorder) MarkRun(at time.Time) {
	if r == nil {
		return
	}
	r.lastRun.Set(float64(at.Unix()))
}

// Push sends every collector to the Pushgateway. It is a no-op without a URL.
func (r *Recorder) Push(ctx context.Context) error {
	if r == nil || r.pushURL == "" {
		return nil
	}
	if err := push.New(r.pushURL, r.job).Gatherer(r.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}
