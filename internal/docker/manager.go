package docker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ManagedLabel marks every container this service owns. The reconciler
// uses it to find orphans.
const ManagedLabel = "host.ebuilder.managed"

// Health is the tri-state result of a probe against an instance's health
// endpoint. Unreachable means the container itself is not answering;
// Unhealthy means it answered non-success.
type Health string

const (
	Healthy     Health = "healthy"
	Unhealthy   Health = "unhealthy"
	Unreachable Health = "unreachable"
)

// ErrHealthTimeout is returned when an instance never reports healthy
// within the bounded provisioning wait.
var ErrHealthTimeout = errors.New("instance did not become healthy in time")

// CreateSpec carries everything needed to create one instance container.
type CreateSpec struct {
	Subdomain     string
	Port          int
	SiteName      string
	AdminEmail    string
	AdminPassword string
	SecretKey     string
	AllowedHosts  string
}

// Inspection is the truth tuple the reconciler reads.
type Inspection struct {
	Running bool
	Health  Health
	Port    int
}

// Manager wraps the engine client with idempotent lifecycle semantics.
type Manager struct {
	client   *Client
	image    string
	network  string
	dataRoot string

	probeBase    string
	probeClient  *http.Client
	pollInterval time.Duration
	maxWait      time.Duration
}

func NewManager(client *Client, image, network, dataRoot string, pollInterval, maxWait time.Duration) *Manager {
	return &Manager{
		client:       client,
		image:        image,
		network:      network,
		dataRoot:     dataRoot,
		probeBase:    "http://127.0.0.1",
		probeClient:  &http.Client{Timeout: 5 * time.Second},
		pollInterval: pollInterval,
		maxWait:      maxWait,
	}
}

// SetProbeBase overrides the host health probes are sent to. Used by tests.
func (m *Manager) SetProbeBase(base string) {
	m.probeBase = base
}

// ContainerName returns the deterministic container name for a subdomain.
func ContainerName(subdomain string) string {
	return "ebuilder_" + subdomain
}

// Create creates and starts a container for the spec and returns the
// engine-assigned id. Calling it again for the same subdomain returns the
// existing container's id, which keeps the operation idempotent across
// webhook redeliveries and reconciler re-drives.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (string, error) {
	if err := m.client.EnsureNetwork(ctx, m.network); err != nil {
		return "", fmt.Errorf("ensure network: %w", err)
	}

	binds, err := m.ensureDataDirs(spec.Subdomain)
	if err != nil {
		return "", err
	}

	name := ContainerName(spec.Subdomain)
	cfg := ContainerConfig{
		Image: m.image,
		Env: []string{
			"SITE_NAME=" + spec.SiteName,
			"ADMIN_EMAIL=" + spec.AdminEmail,
			"ADMIN_PASSWORD=" + spec.AdminPassword,
			"SECRET_KEY=" + spec.SecretKey,
			"ALLOWED_HOSTS=" + spec.AllowedHosts,
		},
		Labels: map[string]string{
			ManagedLabel:              "true",
			"host.ebuilder.subdomain": spec.Subdomain,
		},
		ExposedPorts: map[string]struct{}{"8000/tcp": {}},
		HostConfig: HostConfig{
			Binds: binds,
			PortBindings: map[string][]PortBinding{
				"8000/tcp": {{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.Port)}},
			},
			RestartPolicy: RestartPolicy{Name: "unless-stopped"},
			NetworkMode:   m.network,
		},
	}

	id, err := m.client.CreateContainer(ctx, name, cfg)
	if err != nil {
		if existing, lookupErr := m.findByName(ctx, spec.Subdomain); lookupErr == nil && existing != "" {
			log.Printf("[docker] Container %s already exists for %s, reusing", existing[:12], spec.Subdomain)
			id = existing
		} else {
			if errors.Is(err, ErrPortConflict) {
				return "", err
			}
			return "", fmt.Errorf("create container: %w", err)
		}
	}

	if err := m.client.StartContainer(ctx, id); err != nil {
		if errors.Is(err, ErrPortConflict) {
			return "", err
		}
		return "", fmt.Errorf("start container: %w", err)
	}

	return id, nil
}

// ensureDataDirs creates the instance's persistent directories under the
// data root and returns the bind mounts for them. Databases, uploads, and
// logs live on the host so a container recreate (resume, image update)
// keeps the customer's data.
func (m *Manager) ensureDataDirs(subdomain string) ([]string, error) {
	if m.dataRoot == "" {
		return nil, nil
	}

	dataDir := filepath.Join(m.dataRoot, subdomain)
	binds := make([]string, 0, 3)
	for _, sub := range []string{"db", "media", "logs"} {
		hostPath := filepath.Join(dataDir, sub)
		if err := os.MkdirAll(hostPath, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", hostPath, err)
		}
		binds = append(binds, hostPath+":/app/"+sub+":rw")
	}
	return binds, nil
}

func (m *Manager) findByName(ctx context.Context, subdomain string) (string, error) {
	list, err := m.client.ListContainers(ctx, "host.ebuilder.subdomain="+subdomain)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "", nil
	}
	return list[0].ID, nil
}

// Start starts a stopped container. Returns ErrNotFound when the engine no
// longer knows the id.
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.client.StartContainer(ctx, id)
}

// Stop stops a container. Already-stopped and already-removed containers
// both count as success.
func (m *Manager) Stop(ctx context.Context, id string) error {
	err := m.client.StopContainer(ctx, id, 30)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Restart restarts a container. Returns ErrNotFound on drift.
func (m *Manager) Restart(ctx context.Context, id string) error {
	return m.client.RestartContainer(ctx, id, 30)
}

// Remove removes a container. Absent containers are treated as success.
func (m *Manager) Remove(ctx context.Context, id string) error {
	err := m.client.RemoveContainer(ctx, id, true)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// HealthCheck probes the instance's health endpoint on its published port.
func (m *Manager) HealthCheck(ctx context.Context, port int) Health {
	url := fmt.Sprintf("%s:%d/health/", m.probeBase, port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Unreachable
	}

	resp, err := m.probeClient.Do(req)
	if err != nil {
		return Unreachable
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return Healthy
	}
	return Unhealthy
}

// WaitHealthy polls the health endpoint at a fixed interval until the
// first healthy response or the bounded maximum wait. It never retries
// creation; exhausting the wait is the caller's signal to mark the
// instance failed.
func (m *Manager) WaitHealthy(ctx context.Context, port int) error {
	deadline := time.Now().Add(m.maxWait)

	for {
		if m.HealthCheck(ctx, port) == Healthy {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrHealthTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.pollInterval):
		}
	}
}

// Inspect returns the truth tuple for a container. ErrNotFound means the
// container is absent entirely.
func (m *Manager) Inspect(ctx context.Context, id string) (Inspection, error) {
	detail, err := m.client.InspectContainer(ctx, id)
	if err != nil {
		return Inspection{}, err
	}

	insp := Inspection{Running: detail.State.Running}
	if bindings := detail.NetworkSettings.Ports["8000/tcp"]; len(bindings) > 0 {
		insp.Port, _ = strconv.Atoi(bindings[0].HostPort)
	}
	if insp.Running {
		insp.Health = m.HealthCheck(ctx, insp.Port)
	} else {
		insp.Health = Unreachable
	}
	return insp, nil
}

// ListManaged lists every container carrying the orchestrator's label,
// running or not.
func (m *Manager) ListManaged(ctx context.Context) ([]ContainerSummary, error) {
	return m.client.ListContainers(ctx, ManagedLabel+"=true")
}

// Stats returns a CPU/memory snapshot for a container.
func (m *Manager) Stats(ctx context.Context, id string) (*ContainerStats, error) {
	return m.client.ContainerStats(ctx, id)
}

// PullImage pulls the configured hosted image.
func (m *Manager) PullImage(ctx context.Context) error {
	return m.client.PullImage(ctx, m.image)
}
