package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector is safe to use as a nil pointer; every method is then a no-op.
type Collector struct {
	// Refresh cycle metrics
	refreshTotal    *prometheus.CounterVec
	refreshDuration prometheus.Histogram

	// Cached view
	cachedProxies prometheus.Gauge
	activeProxies prometheus.Gauge

	// Pool API calls
	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	// Mutations and imports
	mutationsTotal *prometheus.CounterVec
	draftsParsed   prometheus.Counter
	sourceFetches  *prometheus.CounterVec

	// Dashboard API metrics
	apiRequests *prometheus.CounterVec
	apiDuration *prometheus.HistogramVec
}

func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)

	c := &Collector{
		refreshTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_total",
				Help:      "Total number of refresh cycles by outcome",
			},
			[]string{"outcome"},
		),
		refreshDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "refresh_duration_seconds",
				Help:      "Refresh cycle duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
		cachedProxies: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cached_proxies",
				Help:      "Number of proxies in the committed view",
			},
		),
		activeProxies: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cached_active_proxies",
				Help:      "Number of active proxies in the committed view",
			},
		),
		upstreamRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Total number of requests sent to the pool API",
			},
			[]string{"method", "endpoint", "status"},
		),
		upstreamDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Pool API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		mutationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutations_total",
				Help:      "Total number of mutating actions by operation and result",
			},
			[]string{"op", "result"},
		),
		draftsParsed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drafts_parsed_total",
				Help:      "Total number of proxy drafts produced by the bulk parser",
			},
		),
		sourceFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "import_source_fetches_total",
				Help:      "Total number of remote import source fetches",
			},
			[]string{"result"},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "Total number of dashboard API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		apiDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Dashboard API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
	}

	return c
}

func (c *Collector) RecordRefresh(outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.refreshTotal.WithLabelValues(outcome).Inc()
	c.refreshDuration.Observe(seconds)
}

func (c *Collector) SetCachedProxies(total, active int) {
	if c == nil {
		return
	}
	c.cachedProxies.Set(float64(total))
	c.activeProxies.Set(float64(active))
}

func (c *Collector) RecordUpstreamRequest(method, endpoint, status string, seconds float64) {
	if c == nil {
		return
	}
	c.upstreamRequests.WithLabelValues(method, endpoint, status).Inc()
	c.upstreamDuration.WithLabelValues(method, endpoint).Observe(seconds)
}

func (c *Collector) RecordMutation(op, result string) {
	if c == nil {
		return
	}
	c.mutationsTotal.WithLabelValues(op, result).Inc()
}

func (c *Collector) RecordDraftsParsed(count int) {
	if c == nil {
		return
	}
	c.draftsParsed.Add(float64(count))
}

func (c *Collector) RecordSourceFetch(result string) {
	if c == nil {
		return
	}
	c.sourceFetches.WithLabelValues(result).Inc()
}

func (c *Collector) RecordAPIRequest(method, endpoint, status string) {
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(method, endpoint, status).Inc()
}

func (c *Collector) RecordAPIDuration(method, endpoint string, seconds float64) {
	if c == nil {
		return
	}
	c.apiDuration.WithLabelValues(method, endpoint).Observe(seconds)
}
