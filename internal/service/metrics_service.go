package service

import (
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation for the HTTP surface
// and the billing pipeline. All methods are nil-safe so wiring stays optional
// in tests.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	iapVerifyTotal    *prometheus.CounterVec
	webhookEvents     *prometheus.CounterVec
	statusTransitions *prometheus.CounterVec
	expirySweepTotal  prometheus.Counter
	tokenReuseTotal   prometheus.Counter
	rateLimitedTotal  *prometheus.CounterVec
	proDeniedTotal    *prometheus.CounterVec
	journalBytes      prometheus.Counter
}

// NewMetricsService registers core Prometheus collectors on a private
// registry.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	iapVerifyTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "iap_verify_total",
		Help: "Receipt verification attempts by platform and outcome",
	}, []string{"platform", "outcome"})

	webhookEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Store webhook deliveries by provider and result",
	}, []string{"provider", "result"})

	statusTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "subscription_status_transitions_total",
		Help: "Subscription status transitions",
	}, []string{"from", "to"})

	expirySweepTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "subscription_expiry_sweep_total",
		Help: "Subscriptions flipped to expired by the sweeper",
	})

	tokenReuseTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "refresh_token_reuse_total",
		Help: "Refresh token replays detected",
	})

	rateLimitedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limited_requests_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"path"})

	proDeniedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pro_access_denied_total",
		Help: "Requests rejected for missing pro entitlement",
	}, []string{"capability"})

	journalBytes := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "journal_bytes_written_total",
		Help: "Journal content bytes accepted",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, iapVerifyTotal, webhookEvents, statusTransitions, expirySweepTotal, tokenReuseTotal, rateLimitedTotal, proDeniedTotal, journalBytes, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:          registry,
		handler:           handler,
		requestDuration:   requestDuration,
		requestTotal:      requestTotal,
		iapVerifyTotal:    iapVerifyTotal,
		webhookEvents:     webhookEvents,
		statusTransitions: statusTransitions,
		expirySweepTotal:  expirySweepTotal,
		tokenReuseTotal:   tokenReuseTotal,
		rateLimitedTotal:  rateLimitedTotal,
		proDeniedTotal:    proDeniedTotal,
		journalBytes:      journalBytes,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
}

// RecordIAPVerify counts a receipt verification attempt.
func (m *MetricsService) RecordIAPVerify(platform, outcome string) {
	if m == nil {
		return
	}
	m.iapVerifyTotal.WithLabelValues(platform, outcome).Inc()
}

// RecordWebhookEvent counts a webhook delivery outcome.
func (m *MetricsService) RecordWebhookEvent(provider, result string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, result).Inc()
}

// RecordStatusTransition counts a subscription state change.
func (m *MetricsService) RecordStatusTransition(from, to string) {
	if m == nil || from == to {
		return
	}
	m.statusTransitions.WithLabelValues(from, to).Inc()
}

// RecordExpirySweep adds the number of rows the sweeper expired.
func (m *MetricsService) RecordExpirySweep(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.expirySweepTotal.Add(float64(count))
}

// RecordTokenReuse counts a refresh token replay detection.
func (m *MetricsService) RecordTokenReuse() {
	if m == nil {
		return
	}
	m.tokenReuseTotal.Inc()
}

// RecordRateLimited counts a request rejected by the limiter.
func (m *MetricsService) RecordRateLimited(path string) {
	if m == nil {
		return
	}
	m.rateLimitedTotal.WithLabelValues(path).Inc()
}

// RecordProDenied counts an entitlement gate rejection.
func (m *MetricsService) RecordProDenied(capability string) {
	if m == nil {
		return
	}
	m.proDeniedTotal.WithLabelValues(capability).Inc()
}

// RecordJournalWrite adds accepted journal content bytes.
func (m *MetricsService) RecordJournalWrite(bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.journalBytes.Add(float64(bytes))
}
