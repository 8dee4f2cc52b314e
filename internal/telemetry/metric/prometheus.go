package metric

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rnode"

// Registry holds the client metrics of one node instance.
type Registry struct {
	registry *prometheus.Registry

	// RPC
	PendingRequests prometheus.Gauge
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Reconnects      prometheus.Counter
	Messages        *prometheus.CounterVec

	// Mounts and subscriptions
	ActiveMounts  prometheus.Gauge
	Subscriptions prometheus.Gauge

	// Cluster
	ClusterMembers   prometheus.Gauge
	LockAcquisitions *prometheus.CounterVec
	LocksHeld        prometheus.Gauge
	Replays          *prometheus.CounterVec

	// Auth
	TokenRefreshes *prometheus.CounterVec
}

// NewRegistry creates a Registry backed by its own prometheus.Registry,
// including the Go runtime and process collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Registry{
		registry: reg,
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "pending_requests",
			Help: "Requests awaiting a correlated response.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "requests_total",
			Help: "Requests sent to a core node by service, type and result.",
		}, []string{"service", "type", "result"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "request_duration_seconds",
			Help:    "Round trip time of requests sent to a core node.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "type"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rpc", Name: "reconnects_total",
			Help: "Websocket connections re-established after a drop.",
		}),
		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_total",
			Help: "Messages exchanged by transport and direction.",
		}, []string{"transport", "direction"}),
		ActiveMounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mounts_active",
			Help: "Proxy mounts currently registered.",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "subscriptions_active",
			Help: "Logical topic subscriptions currently registered.",
		}),
		ClusterMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "members",
			Help: "Cluster members currently connected, bootstrap included.",
		}),
		LockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "lock_acquisitions_total",
			Help: "Distributed lock acquisition attempts by result.",
		}, []string{"result"}),
		LocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "locks_held",
			Help: "Distributed locks currently held.",
		}),
		Replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cluster", Name: "replays_total",
			Help: "Standing operations replayed on join or recovery.",
		}, []string{"kind", "result"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "auth", Name: "token_refreshes_total",
			Help: "Access token refresh attempts by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		r.PendingRequests, r.Requests, r.RequestDuration, r.Reconnects, r.Messages,
		r.ActiveMounts, r.Subscriptions,
		r.ClusterMembers, r.LockAcquisitions, r.LocksHeld, r.Replays,
		r.TokenRefreshes,
	)
	return r
}

var (
	globalOnce sync.Once
	global     *Registry
)

// Global returns a process-wide Registry, created on first use.
func Global() *Registry {
	globalOnce.Do(func() { global = NewRegistry() })
	return global
}

// Handler serves the Global registry.
func Handler() http.Handler {
	return Global().Handler()
}

// Handler serves r in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Register adds a custom collector to r.
func (r *Registry) Register(c prometheus.Collector) error {
	if r == nil {
		return nil
	}
	return r.registry.Register(c)
}

// RecordRequest counts a finished request and observes its latency.
func (r *Registry) RecordRequest(service, typ, result string, seconds float64) {
	if r == nil {
		return
	}
	r.Requests.WithLabelValues(service, typ, result).Inc()
	r.RequestDuration.WithLabelValues(service, typ).Observe(seconds)
}

// AddPending adjusts the pending request gauge by delta.
func (r *Registry) AddPending(delta float64) {
	if r == nil {
		return
	}
	r.PendingRequests.Add(delta)
}

// IncReconnect counts a re-established connection.
func (r *Registry) IncReconnect() {
	if r == nil {
		return
	}
	r.Reconnects.Inc()
}

// RecordMessage counts one message on transport ("rpc", "pubsub") in
// direction ("in", "out").
func (r *Registry) RecordMessage(transport, direction string) {
	if r == nil {
		return
	}
	r.Messages.WithLabelValues(transport, direction).Inc()
}

// AddMounts adjusts the active mount gauge by delta.
func (r *Registry) AddMounts(delta float64) {
	if r == nil {
		return
	}
	r.ActiveMounts.Add(delta)
}

// AddSubscriptions adjusts the subscription gauge by delta.
func (r *Registry) AddSubscriptions(delta float64) {
	if r == nil {
		return
	}
	r.Subscriptions.Add(delta)
}

// SetMembers sets the cluster member gauge.
func (r *Registry) SetMembers(n int) {
	if r == nil {
		return
	}
	r.ClusterMembers.Set(float64(n))
}

// RecordLockAcquisition counts a lock attempt ("acquired", "contended",
// "error", "cancelled").
func (r *Registry) RecordLockAcquisition(result string) {
	if r == nil {
		return
	}
	r.LockAcquisitions.WithLabelValues(result).Inc()
}

// SetLocksHeld sets the held lock gauge.
func (r *Registry) SetLocksHeld(n int) {
	if r == nil {
		return
	}
	r.LocksHeld.Set(float64(n))
}

// RecordReplay counts a replayed operation of kind ("mount", "subscribe").
func (r *Registry) RecordReplay(kind, result string) {
	if r == nil {
		return
	}
	r.Replays.WithLabelValues(kind, result).Inc()
}

// RecordTokenRefresh counts a token refresh attempt.
func (r *Registry) RecordTokenRefresh(result string) {
	if r == nil {
		return
	}
	r.TokenRefreshes.WithLabelValues(result).Inc()
}
