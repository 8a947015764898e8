// Package metrics provides the Prometheus implementation of the router's
// metrics surface. The collectors register on the default registry, which
// the debug listener exposes on /metrics.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hydra_router"

// Router implements the gateway's RouterMetrics interface.
type Router struct {
	registryCalls  *prometheus.CounterVec
	registryErrors *prometheus.CounterVec

	httpRequests    *prometheus.CounterVec
	forwardDuration *prometheus.HistogramVec

	frameDispatches  *prometheus.CounterVec
	queueOps         *prometheus.CounterVec
	connectedClients prometheus.Gauge
}

// New creates the router collectors and registers them with the default
// Prometheus registry.
func New() *Router {
	return &Router{
		registryCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_calls_total",
			Help:      "Total number of registry operations issued.",
		}, []string{"operation"}),
		registryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_errors_total",
			Help:      "Total number of registry operations that failed.",
		}, []string{"operation"}),
		httpRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests forwarded, by service and status.",
		}, []string{"service", "status"}),
		forwardDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "forward_duration_seconds",
			Help:      "Time spent forwarding one HTTP request to a service instance.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		frameDispatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_dispatches_total",
			Help:      "Total number of framed messages dispatched, by outcome kind.",
		}, []string{"kind"}),
		queueOps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_operations_total",
			Help:      "Total number of offline queue operations.",
		}, []string{"operation"}),
		connectedClients: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connected_clients",
			Help:      "Number of clients currently connected to this replica.",
		}),
	}
}

func (r *Router) IncRegistryCall(_ context.Context, operation string) {
	r.registryCalls.WithLabelValues(operation).Inc()
}

func (r *Router) IncRegistryError(_ context.Context, operation string) {
	r.registryErrors.WithLabelValues(operation).Inc()
}

func (r *Router) IncHTTPRequest(_ context.Context, service string, status int) {
	r.httpRequests.WithLabelValues(service, strconv.Itoa(status)).Inc()
}

func (r *Router) ObserveForwardDuration(_ context.Context, service string, duration time.Duration) {
	r.forwardDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func (r *Router) IncFrameDispatch(_ context.Context, kind string) {
	r.frameDispatches.WithLabelValues(kind).Inc()
}

func (r *Router) IncQueueOp(_ context.Context, operation string) {
	r.queueOps.WithLabelValues(operation).Inc()
}

func (r *Router) SetConnectedClients(_ context.Context, count int) {
	r.connectedClients.Set(float64(count))
}
