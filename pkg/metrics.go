package advcache

// metrics.go is a thin abstraction over Prometheus so advcache works with or
// without metrics wired in. When the caller passes a *prometheus.Registry to
// New (via WithMetrics), labeled collectors are created and registered;
// otherwise a no-op sink is used and the hot path pays nothing for metric
// updates.
//
// Grounded on the teacher's pkg/metrics.go metricsSink abstraction, extended
// with the admission/refresh/sketch-aging signals this cache's policy
// surface adds on top of the teacher's CLOCK-Pro hit/miss/eviction/arena set.
//
// © 2025 advcache authors. MIT License.

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metricsSink is the internal interface Storage and its background workers
// consult; concrete backends are noopMetrics or promMetrics.
type metricsSink interface {
	incHit()
	incMiss()
	incEviction(mode Mode)
	incAdmissionAllowed()
	incAdmissionDenied()
	setWeight(v int64)
	setLen(v int64)
	setRefreshQueueDepth(v int64)
	incRefreshSucceeded()
	incRefreshFailed()
	incSketchAging()
}

type noopMetrics struct{}

func (noopMetrics) incHit()                      {}
func (noopMetrics) incMiss()                     {}
func (noopMetrics) incEviction(Mode)             {}
func (noopMetrics) incAdmissionAllowed()         {}
func (noopMetrics) incAdmissionDenied()          {}
func (noopMetrics) setWeight(int64)              {}
func (noopMetrics) setLen(int64)                 {}
func (noopMetrics) setRefreshQueueDepth(int64)   {}
func (noopMetrics) incRefreshSucceeded()         {}
func (noopMetrics) incRefreshFailed()            {}
func (noopMetrics) incSketchAging()              {}

type promMetrics struct {
	hits             prometheus.Counter
	misses           prometheus.Counter
	evictionsListing prometheus.Counter
	evictionsSampled prometheus.Counter
	admissionAllowed prometheus.Counter
	admissionDenied  prometheus.Counter
	weight           prometheus.Gauge
	length           prometheus.Gauge
	refreshQueue     prometheus.Gauge
	refreshOK        prometheus.Counter
	refreshFailed    prometheus.Counter
	sketchAging      prometheus.Counter
}

func newPromMetrics(reg *prometheus.Registry) *promMetrics {
	const ns = "advcache"

	pm := &promMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "hits_total", Help: "Number of cache hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "misses_total", Help: "Number of cache misses.",
		}),
		evictionsListing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "evictions_listing_total", Help: "Evictions performed via exact LRU tail pop.",
		}),
		evictionsSampled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "evictions_sampled_total", Help: "Evictions performed via reservoir sampling.",
		}),
		admissionAllowed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "admission_allowed_total", Help: "Inserts allowed past the admission gate.",
		}),
		admissionDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "admission_denied_total", Help: "Inserts rejected by the admission gate.",
		}),
		weight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "weight_bytes", Help: "Total logical weight of cached entries.",
		}),
		length: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "items", Help: "Total number of cached entries.",
		}),
		refreshQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "refresh_queue_depth", Help: "Sum of per-shard refresh ring depths (sampled).",
		}),
		refreshOK: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "refresh_success_total", Help: "Successful background refreshes.",
		}),
		refreshFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "refresh_failed_total", Help: "Background refreshes that returned an upstream error.",
		}),
		sketchAging: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "sketch_aging_total", Help: "Count-Min Sketch halving passes observed.",
		}),
	}

	reg.MustRegister(
		pm.hits, pm.misses, pm.evictionsListing, pm.evictionsSampled,
		pm.admissionAllowed, pm.admissionDenied, pm.weight, pm.length,
		pm.refreshQueue, pm.refreshOK, pm.refreshFailed, pm.sketchAging,
	)
	return pm
}

func (m *promMetrics) incHit()              { m.hits.Inc() }
func (m *promMetrics) incMiss()             { m.misses.Inc() }
func (m *promMetrics) incAdmissionAllowed() { m.admissionAllowed.Inc() }
func (m *promMetrics) incAdmissionDenied()  { m.admissionDenied.Inc() }
func (m *promMetrics) setWeight(v int64)    { m.weight.Set(float64(v)) }
func (m *promMetrics) setLen(v int64)       { m.length.Set(float64(v)) }
func (m *promMetrics) setRefreshQueueDepth(v int64) {
	m.refreshQueue.Set(float64(v))
}
func (m *promMetrics) incRefreshSucceeded() { m.refreshOK.Inc() }
func (m *promMetrics) incRefreshFailed()    { m.refreshFailed.Inc() }
func (m *promMetrics) incSketchAging()      { m.sketchAging.Inc() }

func (m *promMetrics) incEviction(mode Mode) {
	if mode == ModeListing {
		m.evictionsListing.Inc()
		return
	}
	m.evictionsSampled.Inc()
}

func newMetricsSink(reg *prometheus.Registry) metricsSink {
	if reg == nil {
		return noopMetrics{}
	}
	return newPromMetrics(reg)
}
