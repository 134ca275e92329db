package service

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ebuilderhost/provisioner/internal/docker"
	"github.com/ebuilderhost/provisioner/internal/models"
)

// HealthMonitor probes every serving instance on a fixed interval and
// alerts when one stays unhealthy past the configured threshold. It only
// observes; recovery actions belong to the reconciler.
type HealthMonitor struct {
	instances  InstanceStore
	runtime    ContainerRuntime
	notifier   Notifier
	interval   time.Duration
	alertAfter time.Duration

	mu             sync.Mutex
	firstUnhealthy map[string]time.Time
	alerted        map[string]bool
}

func NewHealthMonitor(instances InstanceStore, runtime ContainerRuntime, notifier Notifier, interval, alertAfter time.Duration) *HealthMonitor {
	return &HealthMonitor{
		instances:      instances,
		runtime:        runtime,
		notifier:       notifier,
		interval:       interval,
		alertAfter:     alertAfter,
		firstUnhealthy: make(map[string]time.Time),
		alerted:        make(map[string]bool),
	}
}

// Run probes on a fixed interval until the context is canceled.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Printf("[HealthMonitor] Probing every %s", h.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[HealthMonitor] Stopped")
			return
		case <-ticker.C:
			h.RunOnce(ctx)
		}
	}
}

// RunOnce probes every serving instance once.
func (h *HealthMonitor) RunOnce(ctx context.Context) {
	insts, err := h.instances.ListByStatus(ctx, models.StatusRunning)
	if err != nil {
		log.Printf("[HealthMonitor] List instances: %v", err)
		return
	}

	now := time.Now()
	for _, inst := range insts {
		health := h.runtime.HealthCheck(ctx, inst.Port)

		if err := h.instances.StampHealthCheck(ctx, inst.ID, now); err != nil {
			log.Printf("[HealthMonitor] Instance %s: persist probe time: %v", inst.ID, err)
		}

		if health == docker.Healthy {
			h.clear(inst.ID)
			continue
		}
		h.observeUnhealthy(inst, now)
	}
}

func (h *HealthMonitor) observeUnhealthy(inst *models.Instance, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	since, seen := h.firstUnhealthy[inst.ID]
	if !seen {
		h.firstUnhealthy[inst.ID] = now
		return
	}

	if now.Sub(since) >= h.alertAfter && !h.alerted[inst.ID] {
		h.alerted[inst.ID] = true
		h.notifier.InstanceUnhealthy(inst, since)
	}
}

func (h *HealthMonitor) clear(instanceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.firstUnhealthy, instanceID)
	delete(h.alerted, instanceID)
}
