package models

import (
	"crypto/rand"
	"encoding/base64"
	"math/big"
	"time"
)

// Instance status values. Deleted is terminal and never revisited.
const (
	StatusPending        = "pending"
	StatusProvisioning   = "provisioning"
	StatusRunning        = "running"
	StatusSuspended      = "suspended"
	StatusPastDueWarning = "past_due_warning"
	StatusFailed         = "failed"
	StatusTerminating    = "terminating"
	StatusDeleted        = "deleted"
)

// Subscription status values.
const (
	SubscriptionActive   = "active"
	SubscriptionPastDue  = "past_due"
	SubscriptionCanceled = "canceled"
)

// ProvisioningEvent outcome values.
const (
	EventOutcomePending   = "pending"
	EventOutcomeProcessed = "processed"
	EventOutcomeSkipped   = "skipped"
	EventOutcomeFailed    = "failed"
)

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusDeleted
}

// Customer is the person paying for hosting. Never hard-deleted so the
// audit trail stays intact.
type Customer struct {
	ID               string
	Email            string
	StoreName        string
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Subscription tracks the payment processor's subscription for a customer.
type Subscription struct {
	ID                   string
	CustomerID           string
	StripeSubscriptionID string
	StripePriceID        string
	Status               string
	CanceledAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsActive reports whether the subscription entitles the customer to a
// running instance.
func (s *Subscription) IsActive() bool {
	return s.Status == SubscriptionActive
}

// Instance is one customer's provisioned hosted container.
//
// Subdomain and Port are each unique across all non-terminal instances.
// ContainerID and ProxyConfigPath stay nil until the corresponding side
// effect succeeds and are only cleared on the transition to deleted.
type Instance struct {
	ID              string
	CustomerID      string
	Subdomain       string
	Port            int
	ContainerID     *string
	ContainerName   string
	ProxyConfigPath *string
	Status          string
	StatusMessage   string

	// Configuration injected into the container, stored for recreation.
	SiteName      string
	AdminEmail    string
	AdminPassword string
	SecretKey     string

	// The customer-facing "your site is live" notification fires once.
	WelcomeNotified bool

	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastHealthCheck *time.Time
	LastReconciled  *time.Time
}

// FullHost returns the instance's hostname under the base domain.
func (i *Instance) FullHost(baseDomain string) string {
	return i.Subdomain + "." + baseDomain
}

// ProvisioningEvent is the idempotency and audit record for one inbound
// payment event. Append-only; StripeEventID is the deduplication key.
type ProvisioningEvent struct {
	ID            string
	StripeEventID string
	Type          string
	Outcome       string
	Error         string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// ProvisioningLog is an append-only audit entry for lifecycle actions and
// state transitions. InstanceID is empty for system-level entries.
type ProvisioningLog struct {
	ID         string
	InstanceID string
	Action     string
	Status     string
	Message    string
	Metadata   map[string]interface{}
	CreatedAt  time.Time
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GeneratePassword returns a random temporary admin password.
func GeneratePassword(length int) string {
	b := make([]byte, length)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err) // crypto/rand failure is not recoverable
		}
		b[i] = passwordAlphabet[n.Int64()]
	}
	return string(b)
}

// GenerateSecretKey returns a random secret for the hosted application.
func GenerateSecretKey() string {
	b := make([]byte, 50)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
