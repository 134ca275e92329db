package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ebuilderhost/provisioner/internal/docker"
	"github.com/ebuilderhost/provisioner/internal/metrics"
	"github.com/ebuilderhost/provisioner/internal/models"
)

// Reconciler periodically compares recorded instance state against the
// container engine and the proxy config directory, and converges actual
// state toward recorded state. It takes only forward, recorded-state-wins
// actions: it restarts and reinstalls, but it never recreates a container
// whose record says one should exist. A consistent system produces a pass
// with zero actions.
type Reconciler struct {
	instances InstanceStore
	runtime   ContainerRuntime
	proxy     ProxyManager
	orch      *Orchestrator
	logs      ActionLogger
	notifier  Notifier
	interval  time.Duration
}

func NewReconciler(instances InstanceStore, runtime ContainerRuntime, proxy ProxyManager, orch *Orchestrator, logs ActionLogger, notifier Notifier, interval time.Duration) *Reconciler {
	return &Reconciler{
		instances: instances,
		runtime:   runtime,
		proxy:     proxy,
		orch:      orch,
		logs:      logs,
		notifier:  notifier,
		interval:  interval,
	}
}

// Run reconciles on a fixed interval until the context is canceled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("[Reconciler] Running every %s", r.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[Reconciler] Stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				log.Printf("[Reconciler] Pass failed: %v", err)
			}
		}
	}
}

// RunOnce performs one reconciliation pass and returns its report.
func (r *Reconciler) RunOnce(ctx context.Context) (*models.SyncResponse, error) {
	started := time.Now()
	report := &models.SyncResponse{Actions: make(map[string]int)}

	insts, err := r.instances.ListNonTerminal(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	for _, inst := range insts {
		report.Checked++
		action, err := r.reconcileInstance(ctx, inst)
		if err != nil {
			log.Printf("[Reconciler] Instance %s (%s): %v", inst.ID, inst.Subdomain, err)
		}
		if action != "" {
			report.Actions[action]++
			metrics.ReconcileActions.WithLabelValues(action).Inc()
		}
	}

	orphans, err := r.findOrphans(ctx, insts)
	if err != nil {
		log.Printf("[Reconciler] Orphan scan failed: %v", err)
	} else {
		report.Orphans = orphans
		metrics.OrphanContainers.Set(float64(len(orphans)))
		if len(orphans) > 0 {
			r.notifier.OrphanContainers(orphans)
		}
	}

	metrics.ReconcileRuns.Inc()
	report.DurationS = time.Since(started).Seconds()
	log.Printf("[Reconciler] Checked %d instances, %d actions, %d orphans in %.2fs",
		report.Checked, totalActions(report.Actions), len(report.Orphans), report.DurationS)
	return report, nil
}

func totalActions(actions map[string]int) int {
	n := 0
	for _, c := range actions {
		n += c
	}
	return n
}

// reconcileInstance converges one instance and returns the action taken,
// if any.
func (r *Reconciler) reconcileInstance(ctx context.Context, inst *models.Instance) (string, error) {
	defer r.stampReconciled(ctx, inst.ID)

	switch inst.Status {
	case models.StatusRunning, models.StatusPastDueWarning:
		return r.reconcileServing(ctx, inst)
	case models.StatusSuspended:
		return r.reconcileSuspended(ctx, inst)
	case models.StatusPending, models.StatusProvisioning:
		return r.reconcileStalled(ctx, inst)
	case models.StatusTerminating:
		// Finish the interrupted teardown.
		if err := r.orch.TerminateInstance(ctx, inst.ID, "reconciler completed teardown"); err != nil {
			return "", err
		}
		return "teardown_completed", nil
	default:
		// failed waits for an operator.
		return "", nil
	}
}

// reconcileServing handles instances that should have a running container
// and a live proxy config. It acts under the instance lock so a webhook
// suspending or terminating the instance mid-pass cannot interleave with
// the repair.
func (r *Reconciler) reconcileServing(ctx context.Context, inst *models.Instance) (string, error) {
	unlock := r.orch.locks.Lock(inst.ID)
	defer unlock()

	// Re-read under the lock; the instance may have moved while we
	// waited for it.
	inst, err := r.instances.GetByID(ctx, inst.ID)
	if err != nil {
		return "", fmt.Errorf("load instance: %w", err)
	}
	if inst.Status != models.StatusRunning && inst.Status != models.StatusPastDueWarning {
		return "", nil
	}

	if inst.ContainerID == nil {
		// Running is only ever recorded after the container id was
		// persisted, so a serving instance without one is a corrupted
		// record, not an interrupted provision.
		return "marked_failed", r.markFailed(ctx, inst, "no container recorded for serving instance")
	}

	insp, err := r.runtime.Inspect(ctx, *inst.ContainerID)
	if errors.Is(err, docker.ErrNotFound) {
		// The record says a container exists and it does not. Something
		// outside this service removed it; recreating silently would
		// mask that, so flag it for an operator instead.
		return "marked_failed", r.markFailed(ctx, inst, "container missing from engine")
	}
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}

	if !insp.Running {
		if err := r.runtime.Start(ctx, *inst.ContainerID); err != nil {
			return "marked_failed", r.markFailed(ctx, inst, fmt.Sprintf("restart failed: %v", err))
		}
		r.logs.LogAction(ctx, inst.ID, "reconcile_restart", "ok", "container was stopped")
		return "restarted", nil
	}

	if !r.proxy.Present(inst.Subdomain) {
		configPath, err := r.proxy.Install(ctx, inst.Subdomain, inst.Port)
		if err != nil {
			return "", fmt.Errorf("reinstall proxy config: %w", err)
		}
		inst.ProxyConfigPath = &configPath
		if err := r.instances.Update(ctx, inst); err != nil {
			return "", fmt.Errorf("persist proxy path: %w", err)
		}
		r.logs.LogAction(ctx, inst.ID, "reconcile_proxy", "ok", "config was missing")
		return "proxy_reinstalled", nil
	}

	return "", nil
}

// reconcileSuspended stops containers that should not be running.
func (r *Reconciler) reconcileSuspended(ctx context.Context, inst *models.Instance) (string, error) {
	unlock := r.orch.locks.Lock(inst.ID)
	defer unlock()

	inst, err := r.instances.GetByID(ctx, inst.ID)
	if err != nil {
		return "", fmt.Errorf("load instance: %w", err)
	}
	if inst.Status != models.StatusSuspended || inst.ContainerID == nil {
		return "", nil
	}

	insp, err := r.runtime.Inspect(ctx, *inst.ContainerID)
	if errors.Is(err, docker.ErrNotFound) {
		// Suspended instances may be recreated on resume; absence is
		// acceptable drift.
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("inspect container: %w", err)
	}

	if insp.Running {
		if err := r.runtime.Stop(ctx, *inst.ContainerID); err != nil {
			return "", fmt.Errorf("stop container: %w", err)
		}
		r.logs.LogAction(ctx, inst.ID, "reconcile_stop", "ok", "suspended instance was running")
		return "stopped", nil
	}
	return "", nil
}

// reconcileStalled re-drives provisioning for instances stuck before
// their container came up, or flags them when the container vanished
// mid-provision.
func (r *Reconciler) reconcileStalled(ctx context.Context, inst *models.Instance) (string, error) {
	unlock := r.orch.locks.Lock(inst.ID)

	inst, err := r.instances.GetByID(ctx, inst.ID)
	if err != nil {
		unlock()
		return "", fmt.Errorf("load instance: %w", err)
	}
	if inst.Status != models.StatusPending && inst.Status != models.StatusProvisioning {
		unlock()
		return "", nil
	}
	if inst.ContainerID != nil {
		if _, err := r.runtime.Inspect(ctx, *inst.ContainerID); errors.Is(err, docker.ErrNotFound) {
			defer unlock()
			return "marked_failed", r.markFailed(ctx, inst, "container missing from engine")
		} else if err != nil {
			unlock()
			return "", fmt.Errorf("inspect container: %w", err)
		}
	}

	// ProvisionInstance takes the lock itself.
	unlock()
	if err := r.orch.ProvisionInstance(ctx, inst.ID); err != nil {
		return "provision_redrive", err
	}
	return "provision_redrive", nil
}

// markFailed records the failure through the transition table. The caller
// holds the instance lock.
func (r *Reconciler) markFailed(ctx context.Context, inst *models.Instance, reason string) error {
	if inst.Status != models.StatusFailed {
		if err := r.orch.transition(ctx, inst, models.StatusFailed, reason); err != nil {
			return err
		}
	}
	r.notifier.InstanceFailed(inst, reason)
	return nil
}

func (r *Reconciler) stampReconciled(ctx context.Context, instanceID string) {
	if err := r.instances.StampReconciled(ctx, instanceID, time.Now()); err != nil {
		log.Printf("[Reconciler] Instance %s: failed to stamp pass: %v", instanceID, err)
	}
}

// findOrphans lists managed containers with no matching non-terminal
// instance. Orphans are reported, never removed automatically.
func (r *Reconciler) findOrphans(ctx context.Context, insts []*models.Instance) ([]string, error) {
	containers, err := r.runtime.ListManaged(ctx)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(insts))
	for _, inst := range insts {
		known[inst.Subdomain] = true
	}

	var orphans []string
	for _, c := range containers {
		sub := c.Labels["host.ebuilder.subdomain"]
		if sub == "" || !known[sub] {
			orphans = append(orphans, c.ID)
		}
	}
	return orphans, nil
}
