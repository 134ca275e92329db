package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ebuilderhost/provisioner/internal/alloc"
	"github.com/ebuilderhost/provisioner/internal/config"
	"github.com/ebuilderhost/provisioner/internal/docker"
	"github.com/ebuilderhost/provisioner/internal/metrics"
	"github.com/ebuilderhost/provisioner/internal/models"
	"github.com/ebuilderhost/provisioner/internal/payment"
	"github.com/ebuilderhost/provisioner/internal/repository"
)

// Orchestrator owns the instance lifecycle. Every status change goes
// through its transition table, every lifecycle operation takes the
// per-instance lock, and every slug/port moves through the allocation
// table.
type Orchestrator struct {
	cfg       *config.Config
	customers CustomerStore
	subs      SubscriptionStore
	instances InstanceStore
	logs      ActionLogger
	events    EventStore
	runtime   ContainerRuntime
	proxy     ProxyManager
	table     *alloc.Table
	notifier  Notifier

	locks    *instanceLocks
	draining atomic.Bool
	inflight sync.WaitGroup
}

func NewOrchestrator(
	cfg *config.Config,
	customers CustomerStore,
	subs SubscriptionStore,
	instances InstanceStore,
	events EventStore,
	logs ActionLogger,
	runtime ContainerRuntime,
	proxy ProxyManager,
	table *alloc.Table,
	notifier Notifier,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		customers: customers,
		subs:      subs,
		instances: instances,
		events:    events,
		logs:      logs,
		runtime:   runtime,
		proxy:     proxy,
		table:     table,
		notifier:  notifier,
		locks:     newInstanceLocks(),
	}
}

// Submit runs fn on a tracked goroutine. It refuses work once draining
// has begun so shutdown can wait for everything in flight.
func (o *Orchestrator) Submit(fn func()) error {
	if o.draining.Load() {
		return ErrDraining
	}
	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		fn()
	}()
	return nil
}

// Drain stops accepting new work and blocks until in-flight operations
// finish.
func (o *Orchestrator) Drain() {
	o.draining.Store(true)
	o.inflight.Wait()
}

// transition moves an instance to a new status, persists it, and appends
// an audit entry. Illegal moves return ErrInvalidTransition without side
// effects. Callers hold the instance lock.
func (o *Orchestrator) transition(ctx context.Context, inst *models.Instance, to, message string) error {
	if err := checkTransition(inst.Status, to); err != nil {
		return fmt.Errorf("instance %s: %w", inst.ID, err)
	}

	from := inst.Status
	inst.Status = to
	inst.StatusMessage = message
	if err := o.instances.Update(ctx, inst); err != nil {
		inst.Status = from
		return fmt.Errorf("persist transition %s -> %s: %w", from, to, err)
	}

	metrics.Transitions.WithLabelValues(to).Inc()
	o.logs.LogAction(ctx, inst.ID, "transition", to, fmt.Sprintf("%s -> %s: %s", from, to, message))
	log.Printf("[Orchestrator] Instance %s (%s): %s -> %s", inst.ID, inst.Subdomain, from, to)
	return nil
}

// HandleCheckout turns a completed checkout into a pending instance and
// provisions it. One active instance per customer; a second checkout for
// the same customer is refused.
func (o *Orchestrator) HandleCheckout(ctx context.Context, session *payment.CheckoutSession) error {
	customer, err := o.getOrCreateCustomer(ctx, session)
	if err != nil {
		return err
	}

	if err := o.ensureSubscription(ctx, customer, session.Subscription); err != nil {
		return err
	}

	existing, err := o.instances.GetActiveByCustomerID(ctx, customer.ID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("check existing instance: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: customer %s already has instance %s (%s)",
			ErrInvariantViolation, customer.ID, existing.ID, existing.Status)
	}

	requested := session.Metadata["subdomain"]
	if requested == "" {
		requested = customer.StoreName
	}

	allocation, err := o.table.Reserve(requested)
	if errors.Is(err, alloc.ErrSlugTaken) {
		// One retry with a random suffix keeps self-service checkouts
		// from failing on popular names.
		allocation, err = o.table.Reserve(requested + "-" + uuid.New().String()[:4])
	}
	if err != nil {
		return fmt.Errorf("reserve allocation: %w", err)
	}

	siteName := session.Metadata["site_name"]
	if siteName == "" {
		siteName = allocation.Slug
	}

	inst := &models.Instance{
		ID:            uuid.New().String(),
		CustomerID:    customer.ID,
		Subdomain:     allocation.Slug,
		Port:          allocation.Port,
		ContainerName: docker.ContainerName(allocation.Slug),
		Status:        models.StatusPending,
		SiteName:      siteName,
		AdminEmail:    customer.Email,
		AdminPassword: models.GeneratePassword(16),
		SecretKey:     models.GenerateSecretKey(),
	}
	if err := o.instances.Create(ctx, inst); err != nil {
		o.table.Release(allocation)
		if errors.Is(err, repository.ErrDuplicate) {
			// Two deliveries raced past the active-instance check; the
			// partial unique index caught the loser.
			return fmt.Errorf("%w: customer %s already has an active instance", ErrInvariantViolation, customer.ID)
		}
		return fmt.Errorf("create instance record: %w", err)
	}

	o.logs.LogAction(ctx, inst.ID, "checkout", "ok",
		fmt.Sprintf("allocated %s on port %d", allocation.Slug, allocation.Port))

	return o.ProvisionInstance(ctx, inst.ID)
}

func (o *Orchestrator) getOrCreateCustomer(ctx context.Context, session *payment.CheckoutSession) (*models.Customer, error) {
	customer, err := o.customers.GetByStripeID(ctx, session.Customer)
	if err == nil {
		return customer, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("look up customer: %w", err)
	}

	customer = &models.Customer{
		ID:               uuid.New().String(),
		Email:            session.CustomerEmail,
		StoreName:        session.Metadata["site_name"],
		StripeCustomerID: session.Customer,
	}
	if err := o.customers.Create(ctx, customer); err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}
	return customer, nil
}

func (o *Orchestrator) ensureSubscription(ctx context.Context, customer *models.Customer, stripeSubID string) error {
	if stripeSubID == "" {
		return nil
	}
	_, err := o.subs.GetByStripeID(ctx, stripeSubID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("look up subscription: %w", err)
	}

	sub := &models.Subscription{
		ID:                   uuid.New().String(),
		CustomerID:           customer.ID,
		StripeSubscriptionID: stripeSubID,
		Status:               models.SubscriptionActive,
	}
	if err := o.subs.Create(ctx, sub); err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// ProvisionInstance drives an instance from pending (or failed, on
// operator retry) to running: container, bounded health wait, proxy
// config. A health timeout marks the instance failed and keeps its
// allocation for the retry. A proxy failure leaves the instance in
// provisioning so the reconciler can finish the install.
func (o *Orchestrator) ProvisionInstance(ctx context.Context, instanceID string) error {
	unlock := o.locks.Lock(instanceID)
	defer unlock()

	started := time.Now()

	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}

	if inst.Status != models.StatusProvisioning {
		if err := o.transition(ctx, inst, models.StatusProvisioning, "provisioning started"); err != nil {
			return err
		}
	}

	containerID, err := o.runtime.Create(ctx, o.createSpec(inst))
	if err != nil {
		return o.failProvision(ctx, inst, fmt.Errorf("create container: %w", err))
	}

	inst.ContainerID = &containerID
	if err := o.instances.Update(ctx, inst); err != nil {
		return fmt.Errorf("persist container id: %w", err)
	}
	o.logs.LogAction(ctx, inst.ID, "container_create", "ok", containerID)

	if err := o.runtime.WaitHealthy(ctx, inst.Port); err != nil {
		return o.failProvision(ctx, inst, fmt.Errorf("health wait: %w", err))
	}

	configPath, err := o.proxy.Install(ctx, inst.Subdomain, inst.Port)
	if err != nil {
		// Container is healthy; the reconciler re-drives the install.
		o.logs.LogAction(ctx, inst.ID, "proxy_install", "error", err.Error())
		return fmt.Errorf("install proxy config: %w", err)
	}
	inst.ProxyConfigPath = &configPath
	if err := o.instances.Update(ctx, inst); err != nil {
		return fmt.Errorf("persist proxy path: %w", err)
	}
	o.logs.LogAction(ctx, inst.ID, "proxy_install", "ok", configPath)

	if err := o.transition(ctx, inst, models.StatusRunning, "provisioned"); err != nil {
		return err
	}
	o.notifyRunning(ctx, inst)

	metrics.ProvisionDuration.Observe(time.Since(started).Seconds())
	return nil
}

// createSpec builds the container spec from the stored instance record.
func (o *Orchestrator) createSpec(inst *models.Instance) docker.CreateSpec {
	return docker.CreateSpec{
		Subdomain:     inst.Subdomain,
		Port:          inst.Port,
		SiteName:      inst.SiteName,
		AdminEmail:    inst.AdminEmail,
		AdminPassword: inst.AdminPassword,
		SecretKey:     inst.SecretKey,
		AllowedHosts:  inst.FullHost(o.cfg.Provisioner.BaseDomain) + ",localhost",
	}
}

func (o *Orchestrator) failProvision(ctx context.Context, inst *models.Instance, cause error) error {
	if terr := o.transition(ctx, inst, models.StatusFailed, cause.Error()); terr != nil {
		log.Printf("[Orchestrator] Instance %s: failed to record failure: %v", inst.ID, terr)
	}
	o.notifier.InstanceFailed(inst, cause.Error())
	return cause
}

// notifyRunning fires the customer welcome exactly once per instance.
func (o *Orchestrator) notifyRunning(ctx context.Context, inst *models.Instance) {
	if inst.WelcomeNotified {
		return
	}
	o.notifier.InstanceRunning(inst, inst.AdminPassword)
	inst.WelcomeNotified = true
	if err := o.instances.Update(ctx, inst); err != nil {
		log.Printf("[Orchestrator] Instance %s: failed to persist welcome latch: %v", inst.ID, err)
	}
}

// SuspendInstance stops the container for a canceled or delinquent
// subscription. The proxy config stays so the hostname keeps resolving to
// this host.
func (o *Orchestrator) SuspendInstance(ctx context.Context, instanceID, reason string) error {
	unlock := o.locks.Lock(instanceID)
	defer unlock()

	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.Status == models.StatusSuspended {
		return nil
	}
	if err := o.transition(ctx, inst, models.StatusSuspended, reason); err != nil {
		return err
	}

	if inst.ContainerID != nil {
		if err := o.runtime.Stop(ctx, *inst.ContainerID); err != nil {
			o.logs.LogAction(ctx, inst.ID, "suspend", "error", err.Error())
			return fmt.Errorf("stop container: %w", err)
		}
	}
	o.logs.LogAction(ctx, inst.ID, "suspend", "ok", reason)
	return nil
}

// ResumeInstance restarts a suspended instance after its subscription
// becomes active again. A container the engine no longer knows is
// recreated from the stored configuration.
func (o *Orchestrator) ResumeInstance(ctx context.Context, instanceID string) error {
	unlock := o.locks.Lock(instanceID)
	defer unlock()

	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.Status == models.StatusRunning {
		return nil
	}

	recreate := inst.ContainerID == nil
	if !recreate {
		err = o.runtime.Start(ctx, *inst.ContainerID)
		if errors.Is(err, docker.ErrNotFound) {
			recreate = true
		} else if err != nil {
			return fmt.Errorf("start container: %w", err)
		}
	}

	if recreate {
		containerID, err := o.runtime.Create(ctx, o.createSpec(inst))
		if err != nil {
			return fmt.Errorf("recreate container: %w", err)
		}
		inst.ContainerID = &containerID
		if err := o.instances.Update(ctx, inst); err != nil {
			return fmt.Errorf("persist container id: %w", err)
		}
		o.logs.LogAction(ctx, inst.ID, "container_recreate", "ok", containerID)
	}

	if !o.proxy.Present(inst.Subdomain) {
		configPath, err := o.proxy.Install(ctx, inst.Subdomain, inst.Port)
		if err != nil {
			return fmt.Errorf("reinstall proxy config: %w", err)
		}
		inst.ProxyConfigPath = &configPath
		if err := o.instances.Update(ctx, inst); err != nil {
			return fmt.Errorf("persist proxy path: %w", err)
		}
	}

	if err := o.transition(ctx, inst, models.StatusRunning, "resumed"); err != nil {
		return err
	}
	o.logs.LogAction(ctx, inst.ID, "resume", "ok", "")
	return nil
}

// MarkPastDue flags a running instance whose payment failed. The site
// stays up during the grace period.
func (o *Orchestrator) MarkPastDue(ctx context.Context, instanceID, reason string) error {
	unlock := o.locks.Lock(instanceID)
	defer unlock()

	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.Status == models.StatusPastDueWarning {
		return nil
	}
	return o.transition(ctx, inst, models.StatusPastDueWarning, reason)
}

// ReactivateFromPastDue clears the past-due flag after a successful
// payment.
func (o *Orchestrator) ReactivateFromPastDue(ctx context.Context, instanceID string) error {
	unlock := o.locks.Lock(instanceID)
	defer unlock()

	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.Status != models.StatusPastDueWarning {
		return nil
	}
	return o.transition(ctx, inst, models.StatusRunning, "payment recovered")
}

// TerminateInstance tears an instance down completely: proxy config,
// container, then the allocation. Only the transition to deleted releases
// the slug and port for reuse.
func (o *Orchestrator) TerminateInstance(ctx context.Context, instanceID, reason string) error {
	unlock := o.locks.Lock(instanceID)
	defer unlock()

	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.Status == models.StatusDeleted {
		return nil
	}
	if inst.Status != models.StatusTerminating {
		if err := o.transition(ctx, inst, models.StatusTerminating, reason); err != nil {
			return err
		}
	}

	if err := o.proxy.Remove(ctx, inst.Subdomain); err != nil {
		return o.failTerminate(ctx, inst, fmt.Errorf("remove proxy config: %w", err))
	}

	if inst.ContainerID != nil {
		if err := o.runtime.Stop(ctx, *inst.ContainerID); err != nil {
			return o.failTerminate(ctx, inst, fmt.Errorf("stop container: %w", err))
		}
		if err := o.runtime.Remove(ctx, *inst.ContainerID); err != nil {
			return o.failTerminate(ctx, inst, fmt.Errorf("remove container: %w", err))
		}
	}

	o.table.Release(alloc.Allocation{Slug: inst.Subdomain, Port: inst.Port})
	inst.ContainerID = nil
	inst.ProxyConfigPath = nil
	if err := o.transition(ctx, inst, models.StatusDeleted, reason); err != nil {
		return err
	}
	o.logs.LogAction(ctx, inst.ID, "terminate", "ok", reason)
	return nil
}

func (o *Orchestrator) failTerminate(ctx context.Context, inst *models.Instance, cause error) error {
	if terr := o.transition(ctx, inst, models.StatusFailed, cause.Error()); terr != nil {
		log.Printf("[Orchestrator] Instance %s: failed to record teardown failure: %v", inst.ID, terr)
	}
	return cause
}

// markInstanceFailed flags an instance for operator attention. The
// allocation is kept so a retry or terminate can finish the lifecycle.
func (o *Orchestrator) markInstanceFailed(ctx context.Context, instanceID, reason string) error {
	unlock := o.locks.Lock(instanceID)
	defer unlock()

	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.Status == models.StatusFailed {
		return nil
	}
	return o.transition(ctx, inst, models.StatusFailed, reason)
}

// RetryProvisioning re-drives a failed instance. The allocation was never
// released, so the instance keeps its subdomain and port.
func (o *Orchestrator) RetryProvisioning(ctx context.Context, instanceID string) error {
	unlock := o.locks.Lock(instanceID)

	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		unlock()
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.Status != models.StatusFailed {
		unlock()
		return fmt.Errorf("%w: retry requires failed, instance is %s", ErrInvalidTransition, inst.Status)
	}
	if err := o.transition(ctx, inst, models.StatusProvisioning, "operator retry"); err != nil {
		unlock()
		return err
	}
	unlock()

	return o.ProvisionInstance(ctx, instanceID)
}

// StartInstance is the operator-facing container start.
func (o *Orchestrator) StartInstance(ctx context.Context, instanceID string) error {
	unlock := o.locks.Lock(instanceID)
	defer unlock()

	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.ContainerID == nil {
		return fmt.Errorf("instance %s has no container", instanceID)
	}
	if err := o.runtime.Start(ctx, *inst.ContainerID); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	o.logs.LogAction(ctx, inst.ID, "start", "ok", "")
	return nil
}

// StopInstance is the operator-facing container stop.
func (o *Orchestrator) StopInstance(ctx context.Context, instanceID string) error {
	unlock := o.locks.Lock(instanceID)
	defer unlock()

	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.ContainerID == nil {
		return fmt.Errorf("instance %s has no container", instanceID)
	}
	if err := o.runtime.Stop(ctx, *inst.ContainerID); err != nil {
		return fmt.Errorf("stop container: %w", err)
	}
	o.logs.LogAction(ctx, inst.ID, "stop", "ok", "")
	return nil
}

// RestartInstance is the operator-facing container restart.
func (o *Orchestrator) RestartInstance(ctx context.Context, instanceID string) error {
	unlock := o.locks.Lock(instanceID)
	defer unlock()

	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.ContainerID == nil {
		return fmt.Errorf("instance %s has no container", instanceID)
	}
	if err := o.runtime.Restart(ctx, *inst.ContainerID); err != nil {
		return fmt.Errorf("restart container: %w", err)
	}
	o.logs.LogAction(ctx, inst.ID, "restart", "ok", "")
	return nil
}

// UpdateInstance recreates a running instance's container from the
// latest image: pull, stop and remove the old container, create anew
// from the stored configuration. Customer data survives through the
// bind-mounted data directories; the subdomain, port, and proxy config
// are untouched, so the status never leaves running.
func (o *Orchestrator) UpdateInstance(ctx context.Context, instanceID string) error {
	unlock := o.locks.Lock(instanceID)
	defer unlock()

	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return fmt.Errorf("load instance: %w", err)
	}
	if inst.Status != models.StatusRunning {
		return fmt.Errorf("%w: update requires running, instance is %s", ErrInvalidTransition, inst.Status)
	}

	if err := o.runtime.PullImage(ctx); err != nil {
		return fmt.Errorf("pull image: %w", err)
	}

	if inst.ContainerID != nil {
		if err := o.runtime.Stop(ctx, *inst.ContainerID); err != nil {
			return fmt.Errorf("stop container: %w", err)
		}
		if err := o.runtime.Remove(ctx, *inst.ContainerID); err != nil {
			return fmt.Errorf("remove container: %w", err)
		}
	}

	containerID, err := o.runtime.Create(ctx, o.createSpec(inst))
	if err != nil {
		// The old container is gone; this needs an operator.
		return o.failProvision(ctx, inst, fmt.Errorf("recreate container: %w", err))
	}
	inst.ContainerID = &containerID
	if err := o.instances.Update(ctx, inst); err != nil {
		return fmt.Errorf("persist container id: %w", err)
	}
	if err := o.runtime.WaitHealthy(ctx, inst.Port); err != nil {
		return o.failProvision(ctx, inst, fmt.Errorf("health wait: %w", err))
	}
	o.logs.LogAction(ctx, inst.ID, "update", "ok", containerID)
	return nil
}

// InstanceHealth probes an instance's health endpoint once.
func (o *Orchestrator) InstanceHealth(ctx context.Context, instanceID string) (docker.Health, error) {
	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return "", fmt.Errorf("load instance: %w", err)
	}
	return o.runtime.HealthCheck(ctx, inst.Port), nil
}

// InstanceStats returns the instance container's CPU/memory snapshot.
func (o *Orchestrator) InstanceStats(ctx context.Context, instanceID string) (*docker.ContainerStats, error) {
	inst, err := o.instances.GetByID(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("load instance: %w", err)
	}
	if inst.ContainerID == nil {
		return nil, fmt.Errorf("instance %s has no container", instanceID)
	}
	return o.runtime.Stats(ctx, *inst.ContainerID)
}

// DashboardStats aggregates the admin dashboard overview.
func (o *Orchestrator) DashboardStats(ctx context.Context) (*models.DashboardStatsResponse, error) {
	customers, err := o.customers.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count customers: %w", err)
	}
	active, err := o.subs.CountByStatus(ctx, models.SubscriptionActive)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	byStatus, err := o.instances.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count instances: %w", err)
	}

	for status, count := range byStatus {
		metrics.InstancesByStatus.WithLabelValues(status).Set(float64(count))
	}

	return &models.DashboardStatsResponse{
		TotalCustomers:      customers,
		ActiveSubscriptions: active,
		InstancesByStatus:   byStatus,
	}, nil
}

// CleanupDeleted removes leftover containers and proxy configs for
// instances deleted longer ago than the retention window. Termination
// already removes both, so this is a safety net for interrupted
// teardowns.
func (o *Orchestrator) CleanupDeleted(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-o.cfg.Provisioner.CleanupRetention)
	deleted, err := o.instances.ListDeletedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list deleted instances: %w", err)
	}

	containers, err := o.runtime.ListManaged(ctx)
	if err != nil {
		return 0, fmt.Errorf("list managed containers: %w", err)
	}
	bySubdomain := make(map[string]string, len(containers))
	for _, c := range containers {
		if sub := c.Labels["host.ebuilder.subdomain"]; sub != "" {
			bySubdomain[sub] = c.ID
		}
	}

	removed := 0
	for _, inst := range deleted {
		cleaned := false
		if id, ok := bySubdomain[inst.Subdomain]; ok {
			if err := o.runtime.Remove(ctx, id); err != nil {
				log.Printf("[Orchestrator] Cleanup: remove container for %s: %v", inst.Subdomain, err)
				continue
			}
			cleaned = true
		}
		if o.proxy.Present(inst.Subdomain) {
			if err := o.proxy.Remove(ctx, inst.Subdomain); err != nil {
				log.Printf("[Orchestrator] Cleanup: remove proxy config for %s: %v", inst.Subdomain, err)
				continue
			}
			cleaned = true
		}
		if cleaned {
			o.logs.LogAction(ctx, inst.ID, "cleanup", "ok", "removed leftover artifacts")
			removed++
		}
	}
	return removed, nil
}

// RegenerateProxyConfigs re-renders the proxy config for every instance
// that should be serving. Used after proxy host rebuilds.
func (o *Orchestrator) RegenerateProxyConfigs(ctx context.Context) (*models.RegenerateResponse, error) {
	insts, err := o.instances.ListNonTerminal(ctx)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}

	resp := &models.RegenerateResponse{}
	for _, inst := range insts {
		if inst.Status != models.StatusRunning && inst.Status != models.StatusPastDueWarning {
			continue
		}
		configPath, err := o.proxy.Install(ctx, inst.Subdomain, inst.Port)
		if err != nil {
			resp.Failed = append(resp.Failed, inst.Subdomain)
			log.Printf("[Orchestrator] Regenerate: %s: %v", inst.Subdomain, err)
			continue
		}
		inst.ProxyConfigPath = &configPath
		if err := o.instances.Update(ctx, inst); err != nil {
			resp.Failed = append(resp.Failed, inst.Subdomain)
			continue
		}
		resp.Rendered++
	}
	return resp, nil
}
