// Package metrics exposes Prometheus collectors for webhook deliveries, ledger operations and the expiry sweeper.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "tokenledger"

	labelEventType = "event_type"
	labelOperation = "operation"
	labelStatus    = "status"
)

// Registry owns every collector the service exports.
type Registry struct {
	registry *prometheus.Registry

	webhookReceived  *prometheus.CounterVec
	webhookOk        *prometheus.CounterVec
	webhookFailed    *prometheus.CounterVec
	webhookDuplicate *prometheus.CounterVec

	ledgerOperations *prometheus.CounterVec

	sweepRuns    prometheus.Counter
	sweepExpired prometheus.Counter
	sweepErrors  prometheus.Counter
}

// NewRegistry builds a private registry with the process and Go collectors attached.
func NewRegistry() *Registry {
	newWebhookCounter := func(name string, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      name,
			Help:      help,
		}, []string{labelEventType})
	}
	registry := &Registry{
		registry:         prometheus.NewRegistry(),
		webhookReceived:  newWebhookCounter("received_total", "Verified webhook deliveries by event type."),
		webhookOk:        newWebhookCounter("ok_total", "Webhook deliveries applied or ignored by event type."),
		webhookFailed:    newWebhookCounter("failed_total", "Webhook deliveries that failed after verification by event type."),
		webhookDuplicate: newWebhookCounter("duplicate_total", "Webhook deliveries skipped as already processed by event type."),
		ledgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by name and status.",
		}, []string{labelOperation, labelStatus}),
		sweepRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "runs_total",
			Help:      "Expiry sweeps that held the lock and ran.",
		}),
		sweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "expired_total",
			Help:      "Reservations expired by the sweeper.",
		}),
		sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "errors_total",
			Help:      "Expiry sweeps that returned an error.",
		}),
	}
	registry.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		registry.webhookReceived,
		registry.webhookOk,
		registry.webhookFailed,
		registry.webhookDuplicate,
		registry.ledgerOperations,
		registry.sweepRuns,
		registry.sweepExpired,
		registry.sweepErrors,
	)
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func (registry *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(registry.registry, promhttp.HandlerOpts{Registry: registry.registry})
}

// Gatherer exposes the underlying registry for tests and embedding.
func (registry *Registry) Gatherer() prometheus.Gatherer {
	return registry.registry
}

func (registry *Registry) IncrementReceived(eventType string) {
	registry.webhookReceived.WithLabelValues(eventType).Inc()
}

func (registry *Registry) IncrementOk(eventType string) {
	registry.webhookOk.WithLabelValues(eventType).Inc()
}

func (registry *Registry) IncrementFailed(eventType string) {
	registry.webhookFailed.WithLabelValues(eventType).Inc()
}

func (registry *Registry) IncrementDuplicate(eventType string) {
	registry.webhookDuplicate.WithLabelValues(eventType).Inc()
}

// ObserveOperation counts one ledger operation outcome.
func (registry *Registry) ObserveOperation(operation string, status string) {
	registry.ledgerOperations.WithLabelValues(operation, status).Inc()
}

// ObserveSweep records one sweeper pass.
func (registry *Registry) ObserveSweep(expired int, err error) {
	registry.sweepRuns.Inc()
	if expired > 0 {
		registry.sweepExpired.Add(float64(expired))
	}
	if err != nil {
		registry.sweepErrors.Inc()
	}
}
