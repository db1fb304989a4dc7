// Package metrics collects runtime observability for the RPC Client, Event
// Dispatcher, and Error Reporter. Unlike the stub it is modeled on, every
// gauge and counter here is actually updated from live state.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the prometheus collectors this module exposes. A nil
// *Registry is valid everywhere it is accepted as a parameter: every method
// below is a safe no-op on a nil receiver, so callers that don't care about
// metrics can simply omit wiring one up.
type Registry struct {
	reg *prometheus.Registry

	poolFree     prometheus.Gauge
	poolWorking  prometheus.Gauge
	callsTotal   *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	diagnoses    prometheus.Counter
}

// New constructs a Registry backed by a fresh prometheus.Registry and
// registers every collector. Callers wanting the default Prometheus
// registry instead of an isolated one may register r.Gatherer() themselves.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		poolFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sl4a",
			Subsystem: "rpc_pool",
			Name:      "free_connections",
			Help:      "Number of idle connections currently in the RPC client pool.",
		}),
		poolWorking: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sl4a",
			Subsystem: "rpc_pool",
			Name:      "working_connections",
			Help:      "Number of connections currently checked out of the RPC client pool.",
		}),
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sl4a",
			Subsystem: "rpc_client",
			Name:      "calls_total",
			Help:      "Total RPC calls made, partitioned by method and outcome.",
		}, []string{"method", "outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sl4a",
			Subsystem: "event_dispatcher",
			Name:      "queue_depth",
			Help:      "Number of buffered events per event name.",
		}, []string{"event_name"}),
		diagnoses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sl4a",
			Subsystem: "error_reporter",
			Name:      "diagnoses_total",
			Help:      "Total diagnostic probe chains run.",
		}),
	}
	reg.MustRegister(r.poolFree, r.poolWorking, r.callsTotal, r.queueDepth, r.diagnoses)
	return r
}

// Gatherer exposes the underlying prometheus.Gatherer for serving /metrics.
func (r *Registry) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.reg
}

func (r *Registry) SetPoolSizes(free, working int) {
	if r == nil {
		return
	}
	r.poolFree.Set(float64(free))
	r.poolWorking.Set(float64(working))
}

func (r *Registry) IncCall(method, outcome string) {
	if r == nil {
		return
	}
	r.callsTotal.WithLabelValues(method, outcome).Inc()
}

func (r *Registry) SetQueueDepth(eventName string, depth int) {
	if r == nil {
		return
	}
	r.queueDepth.WithLabelValues(eventName).Set(float64(depth))
}

func (r *Registry) IncDiagnosis() {
	if r == nil {
		return
	}
	r.diagnoses.Inc()
}
