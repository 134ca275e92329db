package payment

import (
	"encoding/json"
	"fmt"
)

// Event types the orchestrator reacts to. Anything else is recorded and
// skipped.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaymentFailed = "invoice.payment_failed"
	EventInvoicePaid          = "invoice.paid"
)

// Event is the provider's webhook envelope.
type Event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object             json.RawMessage `json:"object"`
		PreviousAttributes json.RawMessage `json:"previous_attributes"`
	} `json:"data"`
}

// ParseEvent decodes a webhook envelope. The event id and type must be
// present; the object payload is decoded lazily by the typed accessors.
func ParseEvent(payload []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, fmt.Errorf("parse event: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return nil, fmt.Errorf("parse event: missing id or type")
	}
	return &ev, nil
}

// CheckoutSession is the object of a checkout.session.completed event.
type CheckoutSession struct {
	ID            string            `json:"id"`
	Customer      string            `json:"customer"`
	CustomerEmail string            `json:"customer_email"`
	Subscription  string            `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
}

// checkoutSessionRaw carries the nested customer_details block, which is
// where newer API versions put the email.
type checkoutSessionRaw struct {
	CheckoutSession
	CustomerDetails struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	} `json:"customer_details"`
}

func (e *Event) CheckoutSession() (*CheckoutSession, error) {
	var raw checkoutSessionRaw
	if err := json.Unmarshal(e.Data.Object, &raw); err != nil {
		return nil, fmt.Errorf("parse checkout session: %w", err)
	}
	session := raw.CheckoutSession
	if session.CustomerEmail == "" {
		session.CustomerEmail = raw.CustomerDetails.Email
	}
	return &session, nil
}

// Subscription is the object of a customer.subscription.* event.
type Subscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
}

func (e *Event) Subscription() (*Subscription, error) {
	var sub Subscription
	if err := json.Unmarshal(e.Data.Object, &sub); err != nil {
		return nil, fmt.Errorf("parse subscription: %w", err)
	}
	return &sub, nil
}

// PreviousSubscription decodes the previous_attributes block of an update
// event. Absent attributes leave zero values.
func (e *Event) PreviousSubscription() (*Subscription, error) {
	if len(e.Data.PreviousAttributes) == 0 {
		return &Subscription{}, nil
	}
	var sub Subscription
	if err := json.Unmarshal(e.Data.PreviousAttributes, &sub); err != nil {
		return nil, fmt.Errorf("parse previous attributes: %w", err)
	}
	return &sub, nil
}

// Invoice is the object of an invoice.* event.
type Invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
}

func (e *Event) Invoice() (*Invoice, error) {
	var inv Invoice
	if err := json.Unmarshal(e.Data.Object, &inv); err != nil {
		return nil, fmt.Errorf("parse invoice: %w", err)
	}
	return &inv, nil
}
