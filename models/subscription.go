package models

import "time"

// Status is the subscription lifecycle state. It is mutated only by the
// billing lifecycle state machine; everything else reads it through
// AccessPermitted.
type Status string

const (
	StatusTrialing        Status = "trialing"
	StatusActive          Status = "active"
	StatusPastDue         Status = "past_due"
	StatusCanceledPending Status = "canceled_pending"
	StatusEnded           Status = "ended"
)

// Subscription ties a billing customer to the one license key currently
// active for them. Issuing a new key supersedes the old one; validations
// of a superseded key fail because no subscription carries it anymore.
type Subscription struct {
	ID                 string    `json:"id"`
	CustomerID         string    `json:"customer_id"`
	SubscriptionID     string    `json:"subscription_id"`
	Email              string    `json:"email"`
	LicenseKey         string    `json:"license_key"`
	Tier               Tier      `json:"tier"`
	Status             Status    `json:"status"`
	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	TrialEnd           time.Time `json:"trial_end"`
	CancelAtPeriodEnd  bool      `json:"cancel_at_period_end"`
	UsageCurrent       int64     `json:"usage_current"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AccessPermitted is the one place that decides whether a subscription
// currently grants access. A canceled subscription keeps access until its
// period end, so callers must never branch on the raw status.
func (s *Subscription) AccessPermitted(now time.Time) bool {
	switch s.Status {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceledPending:
	default:
		return false
	}
	if !s.CurrentPeriodEnd.IsZero() && !now.Before(s.CurrentPeriodEnd) {
		return false
	}
	return true
}
