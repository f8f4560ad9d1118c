package billing

import (
	"time"

	"sentimetry.app/cloud/models"
)

// EventType enumerates the provider events the lifecycle reacts to.
type EventType string

const (
	EventCheckoutCompleted   EventType = "checkout.completed"
	EventSubscriptionCreated EventType = "subscription.created"
	EventSubscriptionUpdated EventType = "subscription.updated"
	EventSubscriptionDeleted EventType = "subscription.deleted"
	EventPaymentSucceeded    EventType = "payment.succeeded"
	EventPaymentFailed       EventType = "payment.failed"
)

// Event is a verified, normalized billing event. The webhook handler
// checks the provider signature before an Event is ever constructed, so
// the lifecycle can trust what it is given. OccurredAt is the provider's
// event time, not arrival time; the lifecycle orders by it.
type Event struct {
	ID         string
	Type       EventType
	OccurredAt time.Time

	CustomerID     string
	SubscriptionID string
	Email          string

	// Checkout fields
	Plan  string
	Trial bool

	// Subscription fields
	ProviderStatus string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	TrialEnd       time.Time
}

// statusFromProvider maps a provider subscription status onto the
// lifecycle states. Provider "canceled" lands in canceled_pending: access
// keeps running until period end, the sweep moves it to ended.
func statusFromProvider(status string) (models.Status, bool) {
	switch status {
	case "trialing":
		return models.StatusTrialing, true
	case "active":
		return models.StatusActive, true
	case "past_due", "unpaid":
		return models.StatusPastDue, true
	case "canceled":
		return models.StatusCanceledPending, true
	}
	return "", false
}
