// Package metrics exposes the orchestrator's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsProcessed counts webhook events by type and final outcome.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisioner_webhook_events_total",
		Help: "Webhook events by type and outcome.",
	}, []string{"type", "outcome"})

	// Transitions counts instance state transitions.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisioner_instance_transitions_total",
		Help: "Instance state transitions by target state.",
	}, []string{"to"})

	// ReconcileRuns counts reconciliation passes.
	ReconcileRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "provisioner_reconcile_runs_total",
		Help: "Completed reconciliation passes.",
	})

	// ReconcileActions counts corrective actions taken by the reconciler.
	ReconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "provisioner_reconcile_actions_total",
		Help: "Corrective actions taken during reconciliation.",
	}, []string{"action"})

	// InstancesByStatus gauges the current instance population.
	InstancesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "provisioner_instances",
		Help: "Instances by status.",
	}, []string{"status"})

	// OrphanContainers gauges managed containers with no matching
	// instance record, as seen by the last reconciliation pass.
	OrphanContainers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "provisioner_orphan_containers",
		Help: "Managed containers without an instance record.",
	})

	// ProvisionDuration observes end-to-end provisioning latency.
	ProvisionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "provisioner_provision_duration_seconds",
		Help:    "Time from accepting a checkout to the instance running.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})
)
