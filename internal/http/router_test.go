package http

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ebuilderhost/provisioner/internal/alloc"
	"github.com/ebuilderhost/provisioner/internal/config"
	"github.com/ebuilderhost/provisioner/internal/docker"
	"github.com/ebuilderhost/provisioner/internal/models"
	"github.com/ebuilderhost/provisioner/internal/repository"
	"github.com/ebuilderhost/provisioner/internal/service"
)

const (
	testJWTSecret      = "jwt-secret-for-router-tests-0123456789ab"
	testInternalSecret = "internal-secret-for-router-tests-0123456789"
	testWebhookSecret  = "whsec_router_test"
)

// Null stores back routes whose handlers the router tests do not drive
// past authentication.

type nullCustomers struct{}

func (nullCustomers) Create(context.Context, *models.Customer) error { return nil }
func (nullCustomers) GetByID(context.Context, string) (*models.Customer, error) {
	return nil, repository.ErrNotFound
}
func (nullCustomers) GetByStripeID(context.Context, string) (*models.Customer, error) {
	return nil, repository.ErrNotFound
}
func (nullCustomers) List(context.Context, int, int) ([]*models.Customer, error) { return nil, nil }
func (nullCustomers) Count(context.Context) (int, error)                         { return 0, nil }

type nullSubs struct{}

func (nullSubs) Create(context.Context, *models.Subscription) error { return nil }
func (nullSubs) GetByStripeID(context.Context, string) (*models.Subscription, error) {
	return nil, repository.ErrNotFound
}
func (nullSubs) GetByCustomerID(context.Context, string) (*models.Subscription, error) {
	return nil, repository.ErrNotFound
}
func (nullSubs) Update(context.Context, *models.Subscription) error { return nil }
func (nullSubs) CountByStatus(context.Context, string) (int, error) { return 0, nil }

type nullInstances struct{}

func (nullInstances) Create(context.Context, *models.Instance) error { return nil }
func (nullInstances) GetByID(context.Context, string) (*models.Instance, error) {
	return nil, repository.ErrNotFound
}
func (nullInstances) GetBySubdomain(context.Context, string) (*models.Instance, error) {
	return nil, repository.ErrNotFound
}
func (nullInstances) GetActiveByCustomerID(context.Context, string) (*models.Instance, error) {
	return nil, repository.ErrNotFound
}
func (nullInstances) Update(context.Context, *models.Instance) error { return nil }
func (nullInstances) StampHealthCheck(context.Context, string, time.Time) error {
	return nil
}
func (nullInstances) StampReconciled(context.Context, string, time.Time) error {
	return nil
}
func (nullInstances) List(context.Context, int, int) ([]*models.Instance, error) {
	return nil, nil
}
func (nullInstances) ListNonTerminal(context.Context) ([]*models.Instance, error) { return nil, nil }
func (nullInstances) ListByStatus(context.Context, string) ([]*models.Instance, error) {
	return nil, nil
}
func (nullInstances) ListDeletedBefore(context.Context, time.Time) ([]*models.Instance, error) {
	return nil, nil
}
func (nullInstances) CountByStatus(context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

type recordedEvents struct {
	mu        sync.Mutex
	byStripe  map[string]*models.ProvisioningEvent
	recordErr error
}

func newRecordedEvents() *recordedEvents {
	return &recordedEvents{byStripe: make(map[string]*models.ProvisioningEvent)}
}

func (s *recordedEvents) Record(_ context.Context, e *models.ProvisioningEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordErr != nil {
		return s.recordErr
	}
	if _, ok := s.byStripe[e.StripeEventID]; ok {
		return repository.ErrDuplicate
	}
	cp := *e
	s.byStripe[e.StripeEventID] = &cp
	return nil
}

func (s *recordedEvents) SetOutcome(_ context.Context, stripeEventID, outcome, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byStripe[stripeEventID]
	if !ok {
		return repository.ErrNotFound
	}
	e.Outcome = outcome
	e.Error = errMsg
	return nil
}

func (s *recordedEvents) GetByStripeID(_ context.Context, stripeEventID string) (*models.ProvisioningEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byStripe[stripeEventID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *recordedEvents) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byStripe)
}

type nullLogs struct{}

func (nullLogs) LogAction(context.Context, string, string, string, string) {}
func (nullLogs) ListByInstance(context.Context, string, int) ([]*models.ProvisioningLog, error) {
	return nil, nil
}

type nullRuntime struct{}

func (nullRuntime) Create(context.Context, docker.CreateSpec) (string, error) { return "cid", nil }
func (nullRuntime) Start(context.Context, string) error                       { return nil }
func (nullRuntime) Stop(context.Context, string) error                        { return nil }
func (nullRuntime) Restart(context.Context, string) error                     { return nil }
func (nullRuntime) Remove(context.Context, string) error                      { return nil }
func (nullRuntime) Inspect(context.Context, string) (docker.Inspection, error) {
	return docker.Inspection{}, nil
}
func (nullRuntime) HealthCheck(context.Context, int) docker.Health { return docker.Healthy }
func (nullRuntime) WaitHealthy(context.Context, int) error         { return nil }
func (nullRuntime) PullImage(context.Context) error                { return nil }
func (nullRuntime) ListManaged(context.Context) ([]docker.ContainerSummary, error) {
	return nil, nil
}
func (nullRuntime) Stats(context.Context, string) (*docker.ContainerStats, error) {
	return &docker.ContainerStats{}, nil
}

type nullProxy struct{}

func (nullProxy) Install(context.Context, string, int) (string, error) { return "", nil }
func (nullProxy) Remove(context.Context, string) error                 { return nil }
func (nullProxy) Present(string) bool                                  { return false }

type nullNotifier struct{}

func (nullNotifier) InstanceRunning(*models.Instance, string)      {}
func (nullNotifier) InstanceFailed(*models.Instance, string)       {}
func (nullNotifier) InstanceUnhealthy(*models.Instance, time.Time) {}
func (nullNotifier) OrphanContainers([]string)                     {}

type routerFixture struct {
	server *Server
	events *recordedEvents
	orch   *service.Orchestrator
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	cfg := &config.Config{
		Server:         config.ServerConfig{Port: "0", Mode: "test"},
		JWT:            config.JWTConfig{SecretKey: testJWTSecret},
		Stripe:         config.StripeConfig{WebhookSecret: testWebhookSecret, SignatureTolerance: 5 * time.Minute},
		InternalSecret: testInternalSecret,
		Provisioner: config.ProvisionerConfig{
			BaseDomain:     "ebuilder.host",
			PortRangeStart: 8100,
			PortRangeEnd:   8109,
		},
	}

	events := newRecordedEvents()
	table := alloc.NewTable(cfg.Provisioner.PortRangeStart, cfg.Provisioner.PortRangeEnd)

	orch := service.NewOrchestrator(cfg, nullCustomers{}, nullSubs{}, nullInstances{},
		events, nullLogs{}, nullRuntime{}, nullProxy{}, table, nullNotifier{})
	proc := service.NewProcessor(cfg.Stripe.WebhookSecret, cfg.Stripe.SignatureTolerance,
		events, nullSubs{}, nullInstances{}, orch)
	rec := service.NewReconciler(nullInstances{}, nullRuntime{}, nullProxy{}, orch,
		nullLogs{}, nullNotifier{}, time.Minute)
	monitor := service.NewHealthMonitor(nullInstances{}, nullRuntime{}, nullNotifier{},
		time.Minute, 5*time.Minute)

	handler := NewHandler(cfg, orch, proc, rec, monitor, nullInstances{}, nullCustomers{}, nullLogs{})
	return &routerFixture{
		server: NewServer(cfg, handler),
		events: events,
		orch:   orch,
	}
}

func (f *routerFixture) do(method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func signWebhook(t *testing.T, payload string) string {
	t.Helper()
	ts := fmt.Sprintf("%d", time.Now().Unix())
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write([]byte(ts + "." + payload))
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestHealthEndpoint(t *testing.T) {
	f := newRouterFixture(t)
	w := f.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newRouterFixture(t)
	payload := `{"id":"evt_sig","type":"customer.created","data":{"object":{}}}`

	w := f.do(http.MethodPost, "/api/webhook/stripe", payload,
		map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, 0, f.events.count())
}

func TestWebhookAcceptsAndRecords(t *testing.T) {
	f := newRouterFixture(t)
	payload := `{"id":"evt_rec","type":"customer.created","data":{"object":{}}}`

	w := f.do(http.MethodPost, "/api/webhook/stripe", payload,
		map[string]string{"Stripe-Signature": signWebhook(t, payload)})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"received":true`)

	// Dispatch runs on a tracked goroutine; wait for it.
	f.orch.Drain()

	ev, err := f.events.GetByStripeID(context.Background(), "evt_rec")
	require.NoError(t, err)
	assert.Equal(t, models.EventOutcomeSkipped, ev.Outcome)
}

func TestWebhookDuplicateDelivery(t *testing.T) {
	f := newRouterFixture(t)
	payload := `{"id":"evt_dup","type":"customer.created","data":{"object":{}}}`
	headers := map[string]string{"Stripe-Signature": signWebhook(t, payload)}

	first := f.do(http.MethodPost, "/api/webhook/stripe", payload, headers)
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(http.MethodPost, "/api/webhook/stripe", payload, headers)
	assert.Equal(t, http.StatusOK, second.Code)
	assert.Contains(t, second.Body.String(), `"duplicate":true`)
	assert.Equal(t, 1, f.events.count())
}

func TestWebhookStorageFailureAnswersServerError(t *testing.T) {
	f := newRouterFixture(t)
	f.events.recordErr = assert.AnError
	payload := `{"id":"evt_store","type":"customer.created","data":{"object":{}}}`

	w := f.do(http.MethodPost, "/api/webhook/stripe", payload,
		map[string]string{"Stripe-Signature": signWebhook(t, payload)})

	// Nothing durable exists for the event, so the provider must see a
	// 5xx and redeliver. A 401 would stop redelivery for good.
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 0, f.events.count())
}

func adminToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "admin-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestAdminRequiresJWT(t *testing.T) {
	f := newRouterFixture(t)

	t.Run("missing header", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/admin/instances", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/admin/instances", "",
			map[string]string{"Authorization": "Bearer " + adminToken(t, "wrong-key-wrong-key-wrong-key-00")})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/admin/instances", "",
			map[string]string{"Authorization": "Bearer " + adminToken(t, testJWTSecret)})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"instances"`)
	})
}

func TestInternalRequiresSecret(t *testing.T) {
	f := newRouterFixture(t)

	t.Run("missing secret", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/internal/stats", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/internal/stats", "",
			map[string]string{"X-Internal-Secret": "nope"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid secret", func(t *testing.T) {
		w := f.do(http.MethodGet, "/api/internal/stats", "",
			map[string]string{"X-Internal-Secret": testInternalSecret})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"instances_by_status"`)
	})
}
