package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the provider's instruments. The registry is private to the
// process and exposed only through the node-agent API server.
type Metrics struct {
	Registry *prometheus.Registry

	ReconcilesTotal   *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram
	ActorStartsTotal  prometheus.Counter
	ActorStopsTotal   prometheus.Counter
	RuntimeErrors     *prometheus.CounterVec
	StatusUpdates     *prometheus.CounterVec
	PodsManaged       prometheus.Gauge
	ActorsLive        prometheus.Gauge
}

// New creates the provider metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		ReconcilesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmcloud_vk_reconciliations_total",
			Help: "Total reconciliation passes by result",
		}, []string{"result"}),
		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "wasmcloud_vk_reconciliation_duration_seconds",
			Help:    "Reconciliation pass duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		ActorStartsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wasmcloud_vk_actor_starts_total",
			Help: "Total successful actor starts",
		}),
		ActorStopsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "wasmcloud_vk_actor_stops_total",
			Help: "Total successful actor stops",
		}),
		RuntimeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmcloud_vk_runtime_errors_total",
			Help: "Actor runtime control API failures by kind",
		}, []string{"kind"}),
		StatusUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "wasmcloud_vk_status_updates_total",
			Help: "Pod status publish attempts by result",
		}, []string{"result"}),
		PodsManaged: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wasmcloud_vk_pods_managed",
			Help: "Pod records currently tracked by the provider",
		}),
		ActorsLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "wasmcloud_vk_actors_live",
			Help: "Actor handles currently live on the node",
		}),
	}
}
