package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/ebuilderhost/provisioner/internal/metrics"
	"github.com/ebuilderhost/provisioner/internal/models"
	"github.com/ebuilderhost/provisioner/internal/payment"
	"github.com/ebuilderhost/provisioner/internal/repository"
)

// IngestResult tells the webhook endpoint how to answer the provider.
type IngestResult int

const (
	// Accepted means the event is authentic, new, and durably recorded.
	Accepted IngestResult = iota
	// Unauthenticated means the signature failed. Answered 401.
	Unauthenticated
	// AlreadyProcessed means a duplicate delivery. Answer success and do
	// nothing.
	AlreadyProcessed
	// RecordFailed means the ledger insert failed. Answer a server error
	// so the provider redelivers once storage recovers.
	RecordFailed
)

// Processor authenticates, deduplicates, and dispatches payment webhook
// events. Ingest is the synchronous half that runs before the provider
// gets its response; Process does the actual provisioning work.
type Processor struct {
	secret    string
	tolerance time.Duration
	events    EventStore
	subs      SubscriptionStore
	instances InstanceStore
	orch      *Orchestrator
}

func NewProcessor(secret string, tolerance time.Duration, events EventStore, subs SubscriptionStore, instances InstanceStore, orch *Orchestrator) *Processor {
	return &Processor{
		secret:    secret,
		tolerance: tolerance,
		events:    events,
		subs:      subs,
		instances: instances,
		orch:      orch,
	}
}

// Ingest verifies the signature, parses the envelope, and records the
// event for idempotency. The returned event is non-nil only for Accepted.
func (p *Processor) Ingest(ctx context.Context, payload []byte, signatureHeader string) (IngestResult, *payment.Event, error) {
	if err := payment.VerifySignature(payload, signatureHeader, p.secret, p.tolerance, time.Now()); err != nil {
		return Unauthenticated, nil, err
	}

	ev, err := payment.ParseEvent(payload)
	if err != nil {
		// Authentic but unparseable. Record nothing; the provider will
		// not get anything useful from a retry either, but 200 keeps it
		// from hammering us.
		return AlreadyProcessed, nil, err
	}

	record := &models.ProvisioningEvent{
		ID:            uuid.New().String(),
		StripeEventID: ev.ID,
		Type:          ev.Type,
		Outcome:       models.EventOutcomePending,
	}
	if err := p.events.Record(ctx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return AlreadyProcessed, nil, nil
		}
		return RecordFailed, nil, fmt.Errorf("record event: %w", err)
	}

	return Accepted, ev, nil
}

// Process dispatches one accepted event and records its final outcome.
// Unhandled event types are recorded as skipped.
func (p *Processor) Process(ctx context.Context, ev *payment.Event) {
	handler, ok := p.handlers()[ev.Type]
	if !ok {
		p.finish(ctx, ev, models.EventOutcomeSkipped, "")
		return
	}

	if err := handler(ctx, ev); err != nil {
		log.Printf("[Processor] Event %s (%s) failed: %v", ev.ID, ev.Type, err)
		p.finish(ctx, ev, models.EventOutcomeFailed, err.Error())
		return
	}
	p.finish(ctx, ev, models.EventOutcomeProcessed, "")
}

func (p *Processor) finish(ctx context.Context, ev *payment.Event, outcome, errMsg string) {
	if err := p.events.SetOutcome(ctx, ev.ID, outcome, errMsg); err != nil {
		log.Printf("[Processor] Event %s: failed to record outcome %s: %v", ev.ID, outcome, err)
	}
	metrics.EventsProcessed.WithLabelValues(ev.Type, outcome).Inc()
}

type eventHandler func(ctx context.Context, ev *payment.Event) error

func (p *Processor) handlers() map[string]eventHandler {
	return map[string]eventHandler{
		payment.EventCheckoutCompleted:    p.handleCheckoutCompleted,
		payment.EventSubscriptionUpdated:  p.handleSubscriptionUpdated,
		payment.EventSubscriptionDeleted:  p.handleSubscriptionDeleted,
		payment.EventInvoicePaymentFailed: p.handleInvoicePaymentFailed,
		payment.EventInvoicePaid:          p.handleInvoicePaid,
	}
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, ev *payment.Event) error {
	session, err := ev.CheckoutSession()
	if err != nil {
		return err
	}
	return p.orch.HandleCheckout(ctx, session)
}

func (p *Processor) handleSubscriptionUpdated(ctx context.Context, ev *payment.Event) error {
	sub, err := ev.Subscription()
	if err != nil {
		return err
	}
	prev, err := ev.PreviousSubscription()
	if err != nil {
		return err
	}
	if prev.Status == "" || prev.Status == sub.Status {
		// Not a status change. Nothing to do.
		return nil
	}

	inst, err := p.instanceForStripeSubscription(ctx, sub.ID)
	if err != nil {
		return err
	}
	if inst == nil {
		return nil
	}

	if err := p.updateSubscriptionStatus(ctx, sub.ID, sub.Status); err != nil {
		return err
	}

	switch sub.Status {
	case models.SubscriptionActive:
		switch inst.Status {
		case models.StatusSuspended:
			return p.orch.ResumeInstance(ctx, inst.ID)
		case models.StatusPastDueWarning:
			return p.orch.ReactivateFromPastDue(ctx, inst.ID)
		}
		return nil
	case models.SubscriptionPastDue:
		// The provider only moves a subscription to past_due after its
		// own retry schedule is exhausted, so the grace period is over.
		// The warning state belongs to invoice.payment_failed.
		return p.orch.SuspendInstance(ctx, inst.ID, "subscription past due")
	case models.SubscriptionCanceled:
		return p.orch.SuspendInstance(ctx, inst.ID, "subscription canceled")
	default:
		return nil
	}
}

func (p *Processor) handleSubscriptionDeleted(ctx context.Context, ev *payment.Event) error {
	sub, err := ev.Subscription()
	if err != nil {
		return err
	}

	inst, err := p.instanceForStripeSubscription(ctx, sub.ID)
	if err != nil {
		return err
	}

	if err := p.updateSubscriptionStatus(ctx, sub.ID, models.SubscriptionCanceled); err != nil {
		return err
	}
	if inst == nil {
		return nil
	}
	return p.orch.TerminateInstance(ctx, inst.ID, "subscription deleted")
}

func (p *Processor) handleInvoicePaymentFailed(ctx context.Context, ev *payment.Event) error {
	inv, err := ev.Invoice()
	if err != nil {
		return err
	}
	if inv.Subscription == "" {
		return nil
	}

	inst, err := p.instanceForStripeSubscription(ctx, inv.Subscription)
	if err != nil || inst == nil {
		return err
	}
	if inst.Status != models.StatusRunning {
		return nil
	}
	return p.orch.MarkPastDue(ctx, inst.ID, "invoice payment failed")
}

func (p *Processor) handleInvoicePaid(ctx context.Context, ev *payment.Event) error {
	inv, err := ev.Invoice()
	if err != nil {
		return err
	}
	if inv.Subscription == "" {
		return nil
	}

	inst, err := p.instanceForStripeSubscription(ctx, inv.Subscription)
	if err != nil || inst == nil {
		return err
	}
	if inst.Status != models.StatusPastDueWarning {
		return nil
	}
	return p.orch.ReactivateFromPastDue(ctx, inst.ID)
}

// instanceForStripeSubscription resolves the provider's subscription id to
// the customer's non-terminal instance. Events for unknown subscriptions
// or customers without an instance resolve to nil without error.
func (p *Processor) instanceForStripeSubscription(ctx context.Context, stripeSubID string) (*models.Instance, error) {
	sub, err := p.subs.GetByStripeID(ctx, stripeSubID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up subscription %s: %w", stripeSubID, err)
	}

	inst, err := p.instances.GetActiveByCustomerID(ctx, sub.CustomerID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up instance for customer %s: %w", sub.CustomerID, err)
	}
	return inst, nil
}

func (p *Processor) updateSubscriptionStatus(ctx context.Context, stripeSubID, status string) error {
	sub, err := p.subs.GetByStripeID(ctx, stripeSubID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sub.Status == status {
		return nil
	}
	sub.Status = status
	if status == models.SubscriptionCanceled && sub.CanceledAt == nil {
		now := time.Now()
		sub.CanceledAt = &now
	}
	return p.subs.Update(ctx, sub)
}
