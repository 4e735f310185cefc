package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Outbound request metrics for the authenticated pipeline.
var (
	outboundInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleetlink_outbound_in_flight_requests",
		Help: "In-flight outbound HTTP requests.",
	})

	outboundRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_outbound_requests_total",
			Help: "Total number of outbound HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	outboundRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetlink_outbound_request_duration_seconds",
			Help:    "Outbound HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_token_refresh_total",
			Help: "Token refresh attempts by outcome.",
		},
		[]string{"outcome"},
	)

	cacheEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_cache_events_total",
			Help: "Cache layer events (hit, miss, coalesced, stale_fallback, evicted).",
		},
		[]string{"event"},
	)

	pollChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetlink_poll_checks_total",
			Help: "Poll monitor checks by outcome.",
		},
		[]string{"outcome"},
	)
)

var initOnce sync.Once

// Init registers all client metrics with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			outboundInFlight,
			outboundRequestsTotal,
			outboundRequestDuration,
			refreshTotal,
			cacheEventsTotal,
			pollChecksTotal,
		)
	})
}

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveRefresh records a token refresh outcome ("succeeded", "failed", "joined").
func ObserveRefresh(outcome string) {
	refreshTotal.WithLabelValues(outcome).Inc()
}

// CacheEvent records a cache layer event.
func CacheEvent(event string) {
	cacheEventsTotal.WithLabelValues(event).Inc()
}

// CacheEventCount reads the current value of one cache event counter.
func CacheEventCount(event string) float64 {
	var m dto.Metric
	if err := cacheEventsTotal.WithLabelValues(event).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// PollCheck records a poll monitor check outcome ("ok", "error", "throttled", "busy").
func PollCheck(outcome string) {
	pollChecksTotal.WithLabelValues(outcome).Inc()
}

type instrumentedTransport struct {
	next http.RoundTripper
}

// InstrumentTransport wraps a transport to measure in-flight, RPS and latency
// for every outbound call issued through the pipeline.
func InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return &instrumentedTransport{next: next}
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	outboundInFlight.Inc()
	defer outboundInFlight.Dec()

	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	duration := time.Since(start).Seconds()

	status := "error"
	if err == nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	path := req.URL.Path

	outboundRequestDuration.WithLabelValues(req.Method, path, status).Observe(duration)
	outboundRequestsTotal.WithLabelValues(req.Method, path, status).Inc()
	return resp, err
}
