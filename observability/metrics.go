package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type borrowMetrics struct {
	attempts   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	nonceRaces prometheus.Counter
	reverts    *prometheus.CounterVec
}

type syncMetrics struct {
	refreshes   *prometheus.CounterVec
	latency     prometheus.Histogram
	accounts    prometheus.Gauge
	lastSuccess prometheus.Gauge
	priceStale  prometheus.Gauge
}

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

var (
	borrowMetricsOnce sync.Once
	borrowRegistry    *borrowMetrics

	syncMetricsOnce sync.Once
	syncRegistry    *syncMetrics

	apiMetricsOnce sync.Once
	apiRegistry    *apiMetrics
)

// Borrow returns the lazily-initialised registry tracking borrow execution.
func Borrow() *borrowMetrics {
	borrowMetricsOnce.Do(func() {
		borrowRegistry = &borrowMetrics{
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosscredit",
				Subsystem: "borrow",
				Name:      "attempts_total",
				Help:      "Borrow attempts segmented by execution path and outcome.",
			}, []string{"path", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "crosscredit",
				Subsystem: "borrow",
				Name:      "duration_seconds",
				Help:      "End-to-end latency of borrow attempts per execution path.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"path"}),
			nonceRaces: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "crosscredit",
				Subsystem: "borrow",
				Name:      "nonce_races_total",
				Help:      "Count of borrows rejected because another authorization consumed the nonce first.",
			}),
			reverts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosscredit",
				Subsystem: "borrow",
				Name:      "reverts_total",
				Help:      "On-chain borrow transactions that mined but reverted, per chain.",
			}, []string{"chain"}),
		}
		prometheus.MustRegister(
			borrowRegistry.attempts,
			borrowRegistry.latency,
			borrowRegistry.nonceRaces,
			borrowRegistry.reverts,
		)
	})
	return borrowRegistry
}

// ObserveAttempt records one borrow attempt. Path is "direct", "gasless" or
// "cosigned"; outcome is the final status string.
func (m *borrowMetrics) ObserveAttempt(path, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if path = strings.TrimSpace(path); path == "" {
		path = "unknown"
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.attempts.WithLabelValues(path, outcome).Inc()
	m.latency.WithLabelValues(path).Observe(duration.Seconds())
}

// RecordNonceRace counts a borrow lost to a concurrent nonce consumer.
func (m *borrowMetrics) RecordNonceRace() {
	if m == nil {
		return
	}
	m.nonceRaces.Inc()
}

// RecordRevert counts a mined-but-reverted borrow on the given chain.
func (m *borrowMetrics) RecordRevert(chain string) {
	if m == nil {
		return
	}
	if chain = strings.TrimSpace(chain); chain == "" {
		chain = "unknown"
	}
	m.reverts.WithLabelValues(chain).Inc()
}

// Sync returns the registry tracking snapshot refresh health.
func Sync() *syncMetrics {
	syncMetricsOnce.Do(func() {
		syncRegistry = &syncMetrics{
			refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosscredit",
				Subsystem: "sync",
				Name:      "refreshes_total",
				Help:      "Snapshot refresh cycles segmented by trigger and outcome.",
			}, []string{"trigger", "outcome"}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "crosscredit",
				Subsystem: "sync",
				Name:      "refresh_duration_seconds",
				Help:      "Latency distribution for full snapshot refresh cycles.",
				Buckets:   prometheus.DefBuckets,
			}),
			accounts: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "crosscredit",
				Subsystem: "sync",
				Name:      "accounts",
				Help:      "Number of credit accounts tracked for the active wallet.",
			}),
			lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "crosscredit",
				Subsystem: "sync",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful snapshot refresh.",
			}),
			priceStale: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "crosscredit",
				Subsystem: "sync",
				Name:      "price_stale",
				Help:      "Whether the last oracle fetch failed and a cached price is in use (1) or not (0).",
			}),
		}
		prometheus.MustRegister(
			syncRegistry.refreshes,
			syncRegistry.latency,
			syncRegistry.accounts,
			syncRegistry.lastSuccess,
			syncRegistry.priceStale,
		)
	})
	return syncRegistry
}

// ObserveRefresh records the outcome of one refresh cycle. Trigger should be
// a stable string such as "poll", "wallet_change" or "invalidate" so
// dashboards stay consistent.
func (m *syncMetrics) ObserveRefresh(trigger string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	if trigger = strings.TrimSpace(trigger); trigger == "" {
		trigger = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.refreshes.WithLabelValues(trigger, outcome).Inc()
	m.latency.Observe(duration.Seconds())
	if err == nil {
		m.lastSuccess.SetToCurrentTime()
	}
}

// SetAccounts updates the tracked-account gauge.
func (m *syncMetrics) SetAccounts(count int) {
	if m == nil {
		return
	}
	m.accounts.Set(float64(count))
}

// SetPriceStale toggles the stale-price gauge.
func (m *syncMetrics) SetPriceStale(stale bool) {
	if m == nil {
		return
	}
	if stale {
		m.priceStale.Set(1)
		return
	}
	m.priceStale.Set(0)
}

// API returns the metrics registry used by the HTTP surface.
func API() *apiMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosscredit",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosscredit",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "crosscredit",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crosscredit",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of an API request. The status code should be
// the HTTP status ultimately written to the response writer.
func (m *apiMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	if status >= 400 {
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle counts a rate-limited request on the given route.
func (m *apiMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.throttles.WithLabelValues(route).Inc()
}
