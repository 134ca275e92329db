// Package nginx manages per-instance reverse proxy configuration. Config
// files are written to a staging area, validated with nginx itself, and
// only then moved into the live directory, so a bad render can never take
// down the sites that are already serving.
package nginx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"
	"time"
)

var (
	// ErrInvalidConfig means the rendered config failed nginx validation
	// and was never installed.
	ErrInvalidConfig = errors.New("rendered config failed validation")

	// ErrReloadFailed means the config is installed but nginx could not
	// be reloaded after the configured retries.
	ErrReloadFailed = errors.New("nginx reload failed")
)

const serverBlockTemplate = `server {
    listen 80;
    server_name {{ .Host }};

    location / {
        proxy_pass http://127.0.0.1:{{ .Port }};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
    }
}
`

// Runner executes the nginx binary. Split out so tests can stub the
// validate and reload calls.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Manager installs and removes per-instance server blocks.
type Manager struct {
	configDir     string
	stagingDir    string
	baseDomain    string
	nginxBin      string
	runner        Runner
	reloadRetries int
	reloadBackoff time.Duration
	tmpl          *template.Template
}

func NewManager(configDir, baseDomain, nginxBin string, reloadRetries int, reloadBackoff time.Duration) *Manager {
	return &Manager{
		configDir:     configDir,
		stagingDir:    filepath.Join(configDir, ".staging"),
		baseDomain:    baseDomain,
		nginxBin:      nginxBin,
		runner:        execRunner{},
		reloadRetries: reloadRetries,
		reloadBackoff: reloadBackoff,
		tmpl:          template.Must(template.New("server").Parse(serverBlockTemplate)),
	}
}

// SetRunner replaces the command runner. Used by tests.
func (m *Manager) SetRunner(r Runner) {
	m.runner = r
}

// ConfigPath returns the live config path for a subdomain.
func (m *Manager) ConfigPath(subdomain string) string {
	return filepath.Join(m.configDir, "ebuilder-"+subdomain+".conf")
}

// Present reports whether a live config exists for the subdomain.
func (m *Manager) Present(subdomain string) bool {
	_, err := os.Stat(m.ConfigPath(subdomain))
	return err == nil
}

// Install renders, validates, and atomically installs the server block for
// one instance, then reloads nginx. Re-installing over an existing config
// is allowed and produces the same result.
func (m *Manager) Install(ctx context.Context, subdomain string, port int) (string, error) {
	var buf bytes.Buffer
	data := struct {
		Host string
		Port int
	}{
		Host: subdomain + "." + m.baseDomain,
		Port: port,
	}
	if err := m.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}

	if err := os.MkdirAll(m.stagingDir, 0o755); err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}

	staged := filepath.Join(m.stagingDir, "ebuilder-"+subdomain+".conf")
	if err := os.WriteFile(staged, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write staged config: %w", err)
	}

	if err := m.validate(ctx, staged); err != nil {
		if rmErr := os.Remove(staged); rmErr != nil {
			log.Printf("[nginx] Failed to clean up staged config %s: %v", staged, rmErr)
		}
		return "", err
	}

	live := m.ConfigPath(subdomain)
	if err := os.Rename(staged, live); err != nil {
		return "", fmt.Errorf("install config: %w", err)
	}

	if err := m.reload(ctx); err != nil {
		return live, err
	}
	return live, nil
}

// Remove deletes the server block for a subdomain and reloads nginx. A
// missing config counts as success so terminations can be retried.
func (m *Manager) Remove(ctx context.Context, subdomain string) error {
	if err := os.Remove(m.ConfigPath(subdomain)); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("remove config: %w", err)
	}
	return m.reload(ctx)
}

// validate runs nginx -t against a wrapper that includes only the staged
// file, so validation cannot be poisoned by unrelated configs and a broken
// staged file cannot poison the live set.
func (m *Manager) validate(ctx context.Context, staged string) error {
	wrapper := filepath.Join(m.stagingDir, "validate.conf")
	content := fmt.Sprintf("events {}\nhttp {\n    include %s;\n}\n", staged)
	if err := os.WriteFile(wrapper, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write validation wrapper: %w", err)
	}
	defer os.Remove(wrapper)

	out, err := m.runner.Run(ctx, m.nginxBin, "-t", "-c", wrapper, "-p", m.stagingDir)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, string(out))
	}
	return nil
}

func (m *Manager) reload(ctx context.Context) error {
	var lastOut []byte
	var lastErr error
	for attempt := 0; attempt <= m.reloadRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.reloadBackoff):
			}
		}
		lastOut, lastErr = m.runner.Run(ctx, m.nginxBin, "-s", "reload")
		if lastErr == nil {
			return nil
		}
		log.Printf("[nginx] Reload attempt %d failed: %v", attempt+1, lastErr)
	}
	return fmt.Errorf("%w after %d attempts: %s", ErrReloadFailed, m.reloadRetries+1, string(lastOut))
}
