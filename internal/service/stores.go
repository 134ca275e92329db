package service

import (
	"context"
	"time"

	"github.com/ebuilderhost/provisioner/internal/docker"
	"github.com/ebuilderhost/provisioner/internal/models"
)

// CustomerStore persists customers. Implementations return
// repository.ErrNotFound-compatible errors checked via errors.Is.
type CustomerStore interface {
	Create(ctx context.Context, c *models.Customer) error
	GetByID(ctx context.Context, id string) (*models.Customer, error)
	GetByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error)
	List(ctx context.Context, limit, offset int) ([]*models.Customer, error)
	Count(ctx context.Context) (int, error)
}

// SubscriptionStore persists subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, s *models.Subscription) error
	GetByStripeID(ctx context.Context, stripeSubscriptionID string) (*models.Subscription, error)
	GetByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error)
	Update(ctx context.Context, s *models.Subscription) error
	CountByStatus(ctx context.Context, status string) (int, error)
}

// InstanceStore persists instances.
type InstanceStore interface {
	Create(ctx context.Context, i *models.Instance) error
	GetByID(ctx context.Context, id string) (*models.Instance, error)
	GetBySubdomain(ctx context.Context, subdomain string) (*models.Instance, error)
	GetActiveByCustomerID(ctx context.Context, customerID string) (*models.Instance, error)
	Update(ctx context.Context, i *models.Instance) error
	// StampHealthCheck and StampReconciled persist only their timestamp
	// column. The monitor and reconciler run outside the instance lock's
	// write path, so a full-row update here could revert a concurrent
	// transition.
	StampHealthCheck(ctx context.Context, id string, at time.Time) error
	StampReconciled(ctx context.Context, id string, at time.Time) error
	List(ctx context.Context, limit, offset int) ([]*models.Instance, error)
	ListNonTerminal(ctx context.Context) ([]*models.Instance, error)
	ListByStatus(ctx context.Context, status string) ([]*models.Instance, error)
	ListDeletedBefore(ctx context.Context, cutoff time.Time) ([]*models.Instance, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// EventStore is the idempotency ledger for inbound webhook events.
type EventStore interface {
	// Record inserts the event with outcome pending. It returns
	// repository.ErrDuplicate when the provider event id was seen before.
	Record(ctx context.Context, e *models.ProvisioningEvent) error
	SetOutcome(ctx context.Context, stripeEventID, outcome, errMsg string) error
	GetByStripeID(ctx context.Context, stripeEventID string) (*models.ProvisioningEvent, error)
}

// ActionLogger appends audit entries. Logging failures are reported but
// never abort the operation being logged.
type ActionLogger interface {
	LogAction(ctx context.Context, instanceID, action, status, message string)
	ListByInstance(ctx context.Context, instanceID string, limit int) ([]*models.ProvisioningLog, error)
}

// ContainerRuntime is the container side of provisioning.
type ContainerRuntime interface {
	Create(ctx context.Context, spec docker.CreateSpec) (string, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Restart(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (docker.Inspection, error)
	HealthCheck(ctx context.Context, port int) docker.Health
	WaitHealthy(ctx context.Context, port int) error
	PullImage(ctx context.Context) error
	ListManaged(ctx context.Context) ([]docker.ContainerSummary, error)
	Stats(ctx context.Context, id string) (*docker.ContainerStats, error)
}

// ProxyManager is the reverse proxy side of provisioning.
type ProxyManager interface {
	Install(ctx context.Context, subdomain string, port int) (string, error)
	Remove(ctx context.Context, subdomain string) error
	Present(subdomain string) bool
}

// Notifier delivers operator and customer notifications. Implementations
// must be safe for concurrent use.
type Notifier interface {
	InstanceRunning(instance *models.Instance, adminPassword string)
	InstanceFailed(instance *models.Instance, reason string)
	InstanceUnhealthy(instance *models.Instance, since time.Time)
	OrphanContainers(ids []string)
}
