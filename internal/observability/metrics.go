package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmesh",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docmesh",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	proxyRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmesh",
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests proxied from the orchestrator to registered services.",
		},
		[]string{"node", "service", "method", "status", "success"},
	)
	proxyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "docmesh",
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Proxy request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "service", "method", "status", "success"},
	)
	workflowExecutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmesh",
			Subsystem: "workflow",
			Name:      "executions_total",
			Help:      "Workflow executions by terminal status.",
		},
		[]string{"workflow", "status"},
	)
	workflowStepAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "docmesh",
			Subsystem: "workflow",
			Name:      "step_attempts_total",
			Help:      "Workflow step invocation attempts by outcome.",
		},
		[]string{"service", "outcome"},
	)
	registeredServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "docmesh",
			Subsystem: "registry",
			Name:      "services",
			Help:      "Services currently present in the registry.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			proxyRequests,
			proxyDuration,
			workflowExecutions,
			workflowStepAttempts,
			registeredServices,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordProxy(node, service, method string, status int, duration time.Duration, success bool) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	successLabel := strconv.FormatBool(success)
	proxyRequests.WithLabelValues(node, service, method, statusLabel, successLabel).Inc()
	proxyDuration.WithLabelValues(node, service, method, statusLabel, successLabel).
		Observe(duration.Seconds())
}

func RecordExecution(workflow, status string) {
	RegisterMetrics()
	workflowExecutions.WithLabelValues(workflow, status).Inc()
}

func RecordStepAttempt(service, outcome string) {
	RegisterMetrics()
	workflowStepAttempts.WithLabelValues(service, outcome).Inc()
}

func SetRegisteredServices(n int) {
	RegisterMetrics()
	registeredServices.Set(float64(n))
}
