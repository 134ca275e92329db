// Package docker drives the Docker Engine HTTP API over the local control
// socket and wraps it in the idempotent lifecycle operations the
// orchestrator needs.
package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrNotFound means the engine no longer knows the container id. The
	// state machine treats this as drift, not as a crash.
	ErrNotFound = errors.New("container not found")

	// ErrPortConflict means the host port is already bound. Ports are
	// handed out by the allocation table, so this is an allocation bug
	// and is never retried.
	ErrPortConflict = errors.New("host port already allocated")
)

// Client is a minimal Docker Engine API client.
type Client struct {
	baseURL    string
	version    string
	httpClient *http.Client
}

// NewClient returns a client speaking to the engine over the unix socket.
func NewClient(socketPath, apiVersion string, timeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	return &Client{
		baseURL: "http://docker",
		version: apiVersion,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

// NewClientWithHTTP returns a client against an arbitrary engine endpoint.
// Used by tests.
func NewClientWithHTTP(baseURL, apiVersion string, httpClient *http.Client) *Client {
	return &Client{baseURL: baseURL, version: apiVersion, httpClient: httpClient}
}

// ContainerConfig is the subset of the engine's create payload we use.
type ContainerConfig struct {
	Image        string              `json:"Image"`
	Env          []string            `json:"Env,omitempty"`
	Labels       map[string]string   `json:"Labels,omitempty"`
	ExposedPorts map[string]struct{} `json:"ExposedPorts,omitempty"`
	HostConfig   HostConfig          `json:"HostConfig"`
}

type HostConfig struct {
	PortBindings  map[string][]PortBinding `json:"PortBindings,omitempty"`
	RestartPolicy RestartPolicy            `json:"RestartPolicy"`
	NetworkMode   string                   `json:"NetworkMode,omitempty"`
	Binds         []string                 `json:"Binds,omitempty"`
}

type PortBinding struct {
	HostIP   string `json:"HostIp,omitempty"`
	HostPort string `json:"HostPort"`
}

type RestartPolicy struct {
	Name string `json:"Name"`
}

type createResponse struct {
	ID       string   `json:"Id"`
	Warnings []string `json:"Warnings"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// ContainerDetail is the subset of the inspect payload we read.
type ContainerDetail struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
	} `json:"State"`
	NetworkSettings struct {
		Ports map[string][]PortBinding `json:"Ports"`
	} `json:"NetworkSettings"`
	Config struct {
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
}

// ContainerSummary is one entry from the container list endpoint.
type ContainerSummary struct {
	ID     string            `json:"Id"`
	Names  []string          `json:"Names"`
	Image  string            `json:"Image"`
	State  string            `json:"State"`
	Labels map[string]string `json:"Labels"`
}

type statsResponse struct {
	CPUStats    cpuStats `json:"cpu_stats"`
	PreCPUStats cpuStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemCPUUsage uint64 `json:"system_cpu_usage"`
}

// ContainerStats is a computed CPU/memory snapshot.
type ContainerStats struct {
	CPUPercent    float64
	MemoryUsageMB float64
	MemoryPercent float64
}

// CreateContainer creates (but does not start) a named container.
func (c *Client) CreateContainer(ctx context.Context, name string, cfg ContainerConfig) (string, error) {
	var resp createResponse
	path := "/containers/create?name=" + url.QueryEscape(name)
	if err := c.do(ctx, http.MethodPost, path, cfg, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// StartContainer starts a created or stopped container.
func (c *Client) StartContainer(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/containers/"+id+"/start", nil, nil)
}

// StopContainer stops a running container, waiting up to timeoutSec.
func (c *Client) StopContainer(ctx context.Context, id string, timeoutSec int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/containers/%s/stop?t=%d", id, timeoutSec), nil, nil)
}

// RestartContainer restarts a container, waiting up to timeoutSec for stop.
func (c *Client) RestartContainer(ctx context.Context, id string, timeoutSec int) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/containers/%s/restart?t=%d", id, timeoutSec), nil, nil)
}

// RemoveContainer removes a container, force-killing it if needed.
func (c *Client) RemoveContainer(ctx context.Context, id string, force bool) error {
	path := "/containers/" + id
	if force {
		path += "?force=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// InspectContainer returns the engine's view of a container.
func (c *Client) InspectContainer(ctx context.Context, id string) (*ContainerDetail, error) {
	var detail ContainerDetail
	if err := c.do(ctx, http.MethodGet, "/containers/"+id+"/json", nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListContainers lists containers carrying the given label (key=value),
// including stopped ones.
func (c *Client) ListContainers(ctx context.Context, label string) ([]ContainerSummary, error) {
	filters := fmt.Sprintf(`{"label":[%q]}`, label)
	path := "/containers/json?all=true&filters=" + url.QueryEscape(filters)
	var list []ContainerSummary
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// ContainerStats returns a one-shot CPU/memory reading.
func (c *Client) ContainerStats(ctx context.Context, id string) (*ContainerStats, error) {
	var raw statsResponse
	if err := c.do(ctx, http.MethodGet, "/containers/"+id+"/stats?stream=false", nil, &raw); err != nil {
		return nil, err
	}

	stats := &ContainerStats{}
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemCPUUsage) - float64(raw.PreCPUStats.SystemCPUUsage)
	if systemDelta > 0 {
		stats.CPUPercent = cpuDelta / systemDelta * 100
	}
	stats.MemoryUsageMB = float64(raw.MemoryStats.Usage) / 1024 / 1024
	if raw.MemoryStats.Limit > 0 {
		stats.MemoryPercent = float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100
	}
	return stats, nil
}

// PullImage pulls the given image reference.
func (c *Client) PullImage(ctx context.Context, image string) error {
	path := "/images/create?fromImage=" + url.QueryEscape(image)
	return c.do(ctx, http.MethodPost, path, nil, nil)
}

// EnsureNetwork creates the bridge network if it does not exist.
func (c *Client) EnsureNetwork(ctx context.Context, name string) error {
	err := c.do(ctx, http.MethodGet, "/networks/"+name, nil, nil)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	body := map[string]string{"Name": name, "Driver": "bridge"}
	return c.do(ctx, http.MethodPost, "/networks/create", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, reqBody, respBody interface{}) error {
	var bodyReader io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	u := c.baseURL + "/" + c.version + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return engineError(resp.StatusCode, data)
	}

	if respBody != nil && len(data) > 0 {
		if err := json.Unmarshal(data, respBody); err != nil {
			return fmt.Errorf("decode response: %w (body: %s)", err, string(data))
		}
	}
	return nil
}

func engineError(status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)
	msg := er.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}

	switch {
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case strings.Contains(msg, "port is already allocated"):
		return fmt.Errorf("%w: %s", ErrPortConflict, msg)
	default:
		return fmt.Errorf("engine returned status %d: %s", status, msg)
	}
}
