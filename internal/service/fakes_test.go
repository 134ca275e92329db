package service

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ebuilderhost/provisioner/internal/alloc"
	"github.com/ebuilderhost/provisioner/internal/config"
	"github.com/ebuilderhost/provisioner/internal/docker"
	"github.com/ebuilderhost/provisioner/internal/models"
	"github.com/ebuilderhost/provisioner/internal/repository"
)

// ==================== in-memory stores ====================

type memCustomers struct {
	mu   sync.Mutex
	byID map[string]*models.Customer
}

func newMemCustomers() *memCustomers {
	return &memCustomers{byID: make(map[string]*models.Customer)}
}

func (m *memCustomers) Create(_ context.Context, c *models.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.byID[c.ID] = &cp
	return nil
}

func (m *memCustomers) GetByID(_ context.Context, id string) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *memCustomers) GetByStripeID(_ context.Context, stripeID string) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.byID {
		if c.StripeCustomerID == stripeID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memCustomers) List(_ context.Context, _, _ int) ([]*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Customer
	for _, c := range m.byID {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memCustomers) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID), nil
}

type memSubs struct {
	mu   sync.Mutex
	byID map[string]*models.Subscription
}

func newMemSubs() *memSubs {
	return &memSubs{byID: make(map[string]*models.Subscription)}
}

func (m *memSubs) Create(_ context.Context, s *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *memSubs) GetByStripeID(_ context.Context, stripeID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.StripeSubscriptionID == stripeID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memSubs) GetByCustomerID(_ context.Context, customerID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.byID {
		if s.CustomerID == customerID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memSubs) Update(_ context.Context, s *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[s.ID]; !ok {
		return repository.ErrNotFound
	}
	cp := *s
	m.byID[s.ID] = &cp
	return nil
}

func (m *memSubs) CountByStatus(_ context.Context, status string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.byID {
		if s.Status == status {
			n++
		}
	}
	return n, nil
}

type memInstances struct {
	mu        sync.Mutex
	byID      map[string]*models.Instance
	updateErr error
}

func newMemInstances() *memInstances {
	return &memInstances{byID: make(map[string]*models.Instance)}
}

func (m *memInstances) Create(_ context.Context, i *models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Mirror the partial unique indexes: one non-deleted instance per
	// customer and per subdomain.
	for _, existing := range m.byID {
		if existing.Status == models.StatusDeleted {
			continue
		}
		if existing.CustomerID == i.CustomerID || existing.Subdomain == i.Subdomain {
			return repository.ErrDuplicate
		}
	}
	i.CreatedAt = time.Now()
	cp := *i
	m.byID[i.ID] = &cp
	return nil
}

func (m *memInstances) GetByID(_ context.Context, id string) (*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (m *memInstances) GetBySubdomain(_ context.Context, subdomain string) (*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.byID {
		if i.Subdomain == subdomain && i.Status != models.StatusDeleted {
			cp := *i
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memInstances) GetActiveByCustomerID(_ context.Context, customerID string) (*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.byID {
		if i.CustomerID == customerID && i.Status != models.StatusDeleted {
			cp := *i
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memInstances) Update(_ context.Context, i *models.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	if _, ok := m.byID[i.ID]; !ok {
		return repository.ErrNotFound
	}
	i.UpdatedAt = time.Now()
	cp := *i
	m.byID[i.ID] = &cp
	return nil
}

func (m *memInstances) StampHealthCheck(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	i.LastHealthCheck = &at
	return nil
}

func (m *memInstances) StampReconciled(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return repository.ErrNotFound
	}
	i.LastReconciled = &at
	return nil
}

func (m *memInstances) List(_ context.Context, _, _ int) ([]*models.Instance, error) {
	return m.ListNonTerminal(context.Background())
}

func (m *memInstances) ListNonTerminal(_ context.Context) ([]*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Instance
	for _, i := range m.byID {
		if i.Status != models.StatusDeleted {
			cp := *i
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memInstances) ListByStatus(_ context.Context, status string) ([]*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Instance
	for _, i := range m.byID {
		if i.Status == status {
			cp := *i
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memInstances) ListDeletedBefore(_ context.Context, cutoff time.Time) ([]*models.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Instance
	for _, i := range m.byID {
		if i.Status == models.StatusDeleted && i.UpdatedAt.Before(cutoff) {
			cp := *i
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memInstances) CountByStatus(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, i := range m.byID {
		counts[i.Status]++
	}
	return counts, nil
}

// get is a test helper bypassing the store interface.
func (m *memInstances) get(t *testing.T, id string) *models.Instance {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		t.Fatalf("instance %s not in store", id)
	}
	cp := *i
	return &cp
}

type memEvents struct {
	mu       sync.Mutex
	byStripe map[string]*models.ProvisioningEvent
}

func newMemEvents() *memEvents {
	return &memEvents{byStripe: make(map[string]*models.ProvisioningEvent)}
}

func (m *memEvents) Record(_ context.Context, e *models.ProvisioningEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byStripe[e.StripeEventID]; ok {
		return repository.ErrDuplicate
	}
	cp := *e
	m.byStripe[e.StripeEventID] = &cp
	return nil
}

func (m *memEvents) SetOutcome(_ context.Context, stripeEventID, outcome, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byStripe[stripeEventID]
	if !ok {
		return repository.ErrNotFound
	}
	e.Outcome = outcome
	e.Error = errMsg
	now := time.Now()
	e.ProcessedAt = &now
	return nil
}

func (m *memEvents) GetByStripeID(_ context.Context, stripeEventID string) (*models.ProvisioningEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byStripe[stripeEventID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

type memLogs struct {
	mu      sync.Mutex
	entries []*models.ProvisioningLog
}

func (m *memLogs) LogAction(_ context.Context, instanceID, action, status, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, &models.ProvisioningLog{
		InstanceID: instanceID,
		Action:     action,
		Status:     status,
		Message:    message,
		CreatedAt:  time.Now(),
	})
}

func (m *memLogs) ListByInstance(_ context.Context, instanceID string, _ int) ([]*models.ProvisioningLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ProvisioningLog
	for _, e := range m.entries {
		if e.InstanceID == instanceID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ==================== container runtime fake ====================

type fakeRuntimeContainer struct {
	id      string
	spec    docker.CreateSpec
	running bool
}

type fakeRuntime struct {
	mu         sync.Mutex
	nextID     int
	containers map[string]*fakeRuntimeContainer

	createCalls, startCalls, stopCalls, restartCalls, removeCalls, pullCalls int

	createErr error
	startErr  error
	stopErr   error
	removeErr error
	waitErr   error
	pullErr   error
	health    docker.Health
	// healthFn, when set, answers health probes instead of the static
	// health field.
	healthFn func(port int) docker.Health
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeRuntimeContainer),
		health:     docker.Healthy,
	}
}

func (f *fakeRuntime) Create(_ context.Context, spec docker.CreateSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	for _, c := range f.containers {
		if c.spec.Subdomain == spec.Subdomain {
			c.running = true
			return c.id, nil
		}
	}
	f.nextID++
	id := "ctr-" + strconv.Itoa(f.nextID)
	f.containers[id] = &fakeRuntimeContainer{id: id, spec: spec, running: true}
	return id, nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", docker.ErrNotFound, id)
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	if f.stopErr != nil {
		return f.stopErr
	}
	if c, ok := f.containers[id]; ok {
		c.running = false
	}
	return nil
}

func (f *fakeRuntime) Restart(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restartCalls++
	c, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("%w: %s", docker.ErrNotFound, id)
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, id string) (docker.Inspection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return docker.Inspection{}, fmt.Errorf("%w: %s", docker.ErrNotFound, id)
	}
	return docker.Inspection{Running: c.running, Health: f.health, Port: c.spec.Port}, nil
}

func (f *fakeRuntime) HealthCheck(_ context.Context, port int) docker.Health {
	f.mu.Lock()
	fn := f.healthFn
	health := f.health
	f.mu.Unlock()
	if fn != nil {
		return fn(port)
	}
	return health
}

func (f *fakeRuntime) WaitHealthy(_ context.Context, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitErr
}

func (f *fakeRuntime) PullImage(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls++
	return f.pullErr
}

func (f *fakeRuntime) ListManaged(_ context.Context) ([]docker.ContainerSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []docker.ContainerSummary
	for _, c := range f.containers {
		out = append(out, docker.ContainerSummary{
			ID:    c.id,
			Names: []string{"/" + docker.ContainerName(c.spec.Subdomain)},
			Labels: map[string]string{
				docker.ManagedLabel:       "true",
				"host.ebuilder.subdomain": c.spec.Subdomain,
			},
		})
	}
	return out, nil
}

func (f *fakeRuntime) Stats(_ context.Context, _ string) (*docker.ContainerStats, error) {
	return &docker.ContainerStats{CPUPercent: 1.5, MemoryUsageMB: 128}, nil
}

// stopContainer flips a container to stopped behind the runtime's back,
// simulating an out-of-band crash or docker stop.
func (f *fakeRuntime) stopContainer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
	}
}

// dropContainer removes a container behind the runtime's back.
func (f *fakeRuntime) dropContainer(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, id)
}

// addOrphan registers a managed container with no instance record.
func (f *fakeRuntime) addOrphan(subdomain string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "orphan-" + strconv.Itoa(f.nextID)
	f.containers[id] = &fakeRuntimeContainer{
		id:      id,
		spec:    docker.CreateSpec{Subdomain: subdomain},
		running: true,
	}
	return id
}

// ==================== proxy fake ====================

type fakeProxy struct {
	mu        sync.Mutex
	installed map[string]string

	installCalls, removeCalls int
	installErr, removeErr     error
}

func newFakeProxy() *fakeProxy {
	return &fakeProxy{installed: make(map[string]string)}
}

func (f *fakeProxy) Install(_ context.Context, subdomain string, port int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.installCalls++
	if f.installErr != nil {
		return "", f.installErr
	}
	path := "/etc/nginx/sites-enabled/ebuilder-" + subdomain + ".conf"
	f.installed[subdomain] = path
	return path, nil
}

func (f *fakeProxy) Remove(_ context.Context, subdomain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.installed, subdomain)
	return nil
}

func (f *fakeProxy) Present(subdomain string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.installed[subdomain]
	return ok
}

// dropConfig removes a config behind the manager's back.
func (f *fakeProxy) dropConfig(subdomain string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.installed, subdomain)
}

// ==================== notifier fake ====================

type fakeNotifier struct {
	mu        sync.Mutex
	running   []string
	failed    []string
	unhealthy []string
	orphans   [][]string
}

func (f *fakeNotifier) InstanceRunning(inst *models.Instance, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = append(f.running, inst.ID)
}

func (f *fakeNotifier) InstanceFailed(inst *models.Instance, _ string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, inst.ID)
}

func (f *fakeNotifier) InstanceUnhealthy(inst *models.Instance, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unhealthy = append(f.unhealthy, inst.ID)
}

func (f *fakeNotifier) OrphanContainers(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphans = append(f.orphans, ids)
}

// ==================== fixture ====================

type fixture struct {
	cfg       *config.Config
	customers *memCustomers
	subs      *memSubs
	instances *memInstances
	events    *memEvents
	logs      *memLogs
	runtime   *fakeRuntime
	proxy     *fakeProxy
	notifier  *fakeNotifier
	table     *alloc.Table
	orch      *Orchestrator
	proc      *Processor
	rec       *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		cfg: &config.Config{
			Provisioner: config.ProvisionerConfig{
				BaseDomain:       "ebuilder.host",
				PortRangeStart:   8100,
				PortRangeEnd:     8109,
				CleanupRetention: time.Hour,
			},
		},
		customers: newMemCustomers(),
		subs:      newMemSubs(),
		instances: newMemInstances(),
		events:    newMemEvents(),
		logs:      &memLogs{},
		runtime:   newFakeRuntime(),
		proxy:     newFakeProxy(),
		notifier:  &fakeNotifier{},
		table:     alloc.NewTable(8100, 8109),
	}

	f.orch = NewOrchestrator(f.cfg, f.customers, f.subs, f.instances, f.events, f.logs,
		f.runtime, f.proxy, f.table, f.notifier)
	f.proc = NewProcessor(testWebhookSecret, 5*time.Minute, f.events, f.subs, f.instances, f.orch)
	f.rec = NewReconciler(f.instances, f.runtime, f.proxy, f.orch, f.logs, f.notifier, time.Minute)
	return f
}

// seedRunning creates a customer, subscription, and running instance with
// its container and proxy config in place.
func (f *fixture) seedRunning(t *testing.T, subdomain string) *models.Instance {
	t.Helper()
	ctx := context.Background()

	customer := &models.Customer{
		ID:               "cust-" + subdomain,
		Email:            subdomain + "@example.com",
		StripeCustomerID: "cus_" + subdomain,
	}
	if err := f.customers.Create(ctx, customer); err != nil {
		t.Fatal(err)
	}

	sub := &models.Subscription{
		ID:                   "sub-" + subdomain,
		CustomerID:           customer.ID,
		StripeSubscriptionID: "stripe_sub_" + subdomain,
		Status:               models.SubscriptionActive,
	}
	if err := f.subs.Create(ctx, sub); err != nil {
		t.Fatal(err)
	}

	allocation, err := f.table.Reserve(subdomain)
	if err != nil {
		t.Fatal(err)
	}

	containerID, err := f.runtime.Create(ctx, docker.CreateSpec{Subdomain: allocation.Slug, Port: allocation.Port})
	if err != nil {
		t.Fatal(err)
	}
	configPath, err := f.proxy.Install(ctx, allocation.Slug, allocation.Port)
	if err != nil {
		t.Fatal(err)
	}

	inst := &models.Instance{
		ID:              "inst-" + subdomain,
		CustomerID:      customer.ID,
		Subdomain:       allocation.Slug,
		Port:            allocation.Port,
		ContainerID:     &containerID,
		ContainerName:   docker.ContainerName(allocation.Slug),
		ProxyConfigPath: &configPath,
		Status:          models.StatusRunning,
		SiteName:        subdomain,
		AdminEmail:      customer.Email,
		AdminPassword:   "pw",
		SecretKey:       "sk",
		WelcomeNotified: true,
	}
	if err := f.instances.Create(ctx, inst); err != nil {
		t.Fatal(err)
	}
	return inst
}
