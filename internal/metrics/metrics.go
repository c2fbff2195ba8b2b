// Package metrics holds the Prometheus collectors for offcache. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "offcache"

type Metrics struct {
	AssetRequests  *prometheus.CounterVec
	AssetBytes     prometheus.Gauge
	AssetEvictions prometheus.Counter

	ControllerResponses *prometheus.CounterVec

	MutationsQueued   prometheus.Counter
	MutationsReplayed prometheus.Counter
	MutationsPending  prometheus.Gauge
}

// New registers all collectors on reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		AssetRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "asset",
			Name:      "requests_total",
			Help:      "Asset cache lookups by result (hit, miss, error).",
		}, []string{"result"}),
		AssetBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "asset",
			Name:      "bytes",
			Help:      "Total payload bytes held by the asset cache.",
		}),
		AssetEvictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "asset",
			Name:      "evictions_total",
			Help:      "Assets evicted by the size policy.",
		}),
		ControllerResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "controller",
			Name:      "responses_total",
			Help:      "Intercepted requests by resource class and outcome.",
		}, []string{"class", "outcome"}),
		MutationsQueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "mutations",
			Name:      "queued_total",
			Help:      "Failed mutations written to the replay queue.",
		}),
		MutationsReplayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "mutations",
			Name:      "replayed_total",
			Help:      "Queued mutations replayed and removed.",
		}),
		MutationsPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "mutations",
			Name:      "pending",
			Help:      "Mutations waiting for replay.",
		}),
	}
}

func (m *Metrics) AssetRequest(result string) {
	if m == nil {
		return
	}
	m.AssetRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) SetAssetBytes(n int64) {
	if m == nil {
		return
	}
	m.AssetBytes.Set(float64(n))
}

func (m *Metrics) AssetEvicted(n int) {
	if m == nil {
		return
	}
	m.AssetEvictions.Add(float64(n))
}

func (m *Metrics) ControllerResponse(class, outcome string) {
	if m == nil {
		return
	}
	m.ControllerResponses.WithLabelValues(class, outcome).Inc()
}

func (m *Metrics) MutationQueued() {
	if m == nil {
		return
	}
	m.MutationsQueued.Inc()
}

func (m *Metrics) MutationReplayed() {
	if m == nil {
		return
	}
	m.MutationsReplayed.Inc()
}

func (m *Metrics) SetMutationsPending(n int) {
	if m == nil {
		return
	}
	m.MutationsPending.Set(float64(n))
}
