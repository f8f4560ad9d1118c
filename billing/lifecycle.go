package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sentimetry.app/cloud/internal/logger"
	"sentimetry.app/cloud/internal/tasks"
	"sentimetry.app/cloud/models"
	"sentimetry.app/cloud/storage"
)

// UsageResetter manages the meter's in-memory usage counters. The meter
// implements it.
type UsageResetter interface {
	// ResetUsage zeroes the counter for a key at a period boundary.
	ResetUsage(licenseKey string)
	// Forget drops the counter for a key that no longer validates.
	Forget(licenseKey string)
}

// GrantInvalidator drops cached validation results for a key. The
// validator implements it.
type GrantInvalidator interface {
	Invalidate(licenseKey string)
}

// Mailer sends a notification email.
type Mailer interface {
	Send(to, subject, body string) error
}

// Lifecycle is the subscription state machine. It is the only component
// that mutates subscription status, and it is advanced exclusively by
// verified billing events plus the time-driven period-end sweep.
//
// Delivery is at-least-once and out-of-order, so Apply keeps a ledger per
// subscription: an event ID seen before is skipped, and an event whose
// provider timestamp is older than the last applied one is discarded. A
// stale replayed "active" event can therefore never resurrect a canceled
// subscription. Apply serializes per subscription; different
// subscriptions proceed in parallel.
type Lifecycle struct {
	store       storage.Storage
	usage       UsageResetter
	invalidator GrantInvalidator
	mailer      Mailer
	queue       *tasks.Queue

	mu     sync.Mutex
	ledger map[string]*subLedger // keyed by customer ID
}

type subLedger struct {
	mu          sync.Mutex
	lastApplied time.Time
	seen        map[string]time.Time // event ID -> provider timestamp
}

// ledgerHorizon bounds the seen set. Anything stamped before
// lastApplied is discarded as stale regardless of its ID, so IDs far
// behind the clock no longer need remembering.
const ledgerHorizon = 24 * time.Hour

func (e *subLedger) prune() {
	cutoff := e.lastApplied.Add(-ledgerHorizon)
	for id, at := range e.seen {
		if at.Before(cutoff) {
			delete(e.seen, id)
		}
	}
}

func NewLifecycle(store storage.Storage, usage UsageResetter, invalidator GrantInvalidator, mailer Mailer, queue *tasks.Queue) *Lifecycle {
	return &Lifecycle{
		store:       store,
		usage:       usage,
		invalidator: invalidator,
		mailer:      mailer,
		queue:       queue,
		ledger:      make(map[string]*subLedger),
	}
}

func (l *Lifecycle) ledgerFor(customerID string) *subLedger {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.ledger[customerID]
	if !ok {
		entry = &subLedger{seen: make(map[string]time.Time)}
		l.ledger[customerID] = entry
	}
	return entry
}

// Apply advances the state machine by one verified event. Duplicate and
// stale events return nil: the provider already delivered them, there is
// nothing left to do.
func (l *Lifecycle) Apply(ctx context.Context, ev Event) error {
	if ev.CustomerID == "" {
		return fmt.Errorf("billing event %s has no customer id", ev.ID)
	}

	entry := l.ledgerFor(ev.CustomerID)
	entry.mu.Lock()
	defer entry.mu.Unlock()

	if _, dup := entry.seen[ev.ID]; dup {
		logger.Debug("Skipping duplicate billing event", map[string]interface{}{
			"event_id":    ev.ID,
			"event_type":  string(ev.Type),
			"customer_id": ev.CustomerID,
		})
		return nil
	}
	if !ev.OccurredAt.IsZero() && ev.OccurredAt.Before(entry.lastApplied) {
		logger.Info("Discarding stale billing event", map[string]interface{}{
			"event_id":     ev.ID,
			"event_type":   string(ev.Type),
			"customer_id":  ev.CustomerID,
			"occurred_at":  ev.OccurredAt,
			"last_applied": entry.lastApplied,
		})
		return nil
	}

	var applied bool
	var err error
	switch ev.Type {
	case EventCheckoutCompleted:
		applied, err = l.handleCheckoutCompleted(ctx, ev)
	case EventSubscriptionCreated:
		applied, err = l.handleSubscriptionCreated(ctx, ev)
	case EventSubscriptionUpdated:
		applied, err = l.handleSubscriptionUpdated(ctx, ev)
	case EventSubscriptionDeleted:
		applied, err = l.handleSubscriptionDeleted(ctx, ev)
	case EventPaymentSucceeded:
		applied, err = l.handlePaymentSucceeded(ctx, ev)
	case EventPaymentFailed:
		applied, err = l.handlePaymentFailed(ctx, ev)
	default:
		logger.Info("Ignoring unhandled billing event type", map[string]interface{}{
			"event_id":   ev.ID,
			"event_type": string(ev.Type),
		})
		return nil
	}
	if err != nil {
		// Not recorded in the ledger: the provider retry must get
		// another chance at it.
		return err
	}
	if !applied {
		// A no-op (unknown customer, state guard) must not advance the
		// ledger clock. Stripe orders nothing: a subscription event for
		// a customer whose checkout has not arrived yet would otherwise
		// mark the checkout stale and the customer would never be
		// provisioned.
		return nil
	}

	entry.seen[ev.ID] = ev.OccurredAt
	if ev.OccurredAt.After(entry.lastApplied) {
		entry.lastApplied = ev.OccurredAt
	}
	entry.prune()
	return nil
}

func (l *Lifecycle) handleCheckoutCompleted(ctx context.Context, ev Event) (bool, error) {
	existing, err := l.store.GetByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		return false, fmt.Errorf("failed to look up customer: %w", err)
	}
	if existing != nil {
		logger.Info("Checkout already provisioned", map[string]interface{}{
			"customer_id": ev.CustomerID,
			"event_id":    ev.ID,
		})
		return false, nil
	}

	plan, err := PlanByName(ev.Plan)
	if err != nil {
		return false, fmt.Errorf("checkout event for unprovisionable plan: %w", err)
	}

	key := models.GenerateKey()
	status := models.StatusActive
	if ev.Trial {
		key = models.GenerateTrialKey()
		status = models.StatusTrialing
	}

	now := time.Now()
	sub := &models.Subscription{
		ID:             uuid.Must(uuid.NewRandom()).String(),
		CustomerID:     ev.CustomerID,
		SubscriptionID: ev.SubscriptionID,
		Email:          ev.Email,
		LicenseKey:     key,
		Tier:           plan.Tier,
		Status:         status,
		TrialEnd:       ev.TrialEnd,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := l.store.CreateAccount(ctx, sub); err != nil {
		return false, fmt.Errorf("failed to create account: %w", err)
	}

	logger.Info("Provisioned subscription", map[string]interface{}{
		"customer_id": ev.CustomerID,
		"license_key": key,
		"plan":        plan.Name,
		"status":      string(status),
	})

	l.sendMail(ev.Email, "Your Sentimetry license key", welcomeBody(ev.Email, key, plan))
	return true, nil
}

func (l *Lifecycle) handleSubscriptionCreated(ctx context.Context, ev Event) (bool, error) {
	sub, err := l.store.GetByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		return false, fmt.Errorf("failed to look up customer: %w", err)
	}
	if sub == nil {
		logger.Warn("Subscription created for unknown customer", map[string]interface{}{
			"customer_id": ev.CustomerID,
			"event_id":    ev.ID,
		})
		return false, nil
	}

	switch sub.Status {
	case models.StatusTrialing, models.StatusActive:
	default:
		logger.Info("Ignoring subscription created in current state", map[string]interface{}{
			"customer_id": ev.CustomerID,
			"status":      string(sub.Status),
		})
		return false, nil
	}

	status := models.StatusActive
	patch := storage.SubscriptionPatch{
		Status:             &status,
		CurrentPeriodStart: &ev.PeriodStart,
		CurrentPeriodEnd:   &ev.PeriodEnd,
	}
	if ev.SubscriptionID != "" {
		patch.SubscriptionID = &ev.SubscriptionID
	}
	if !ev.TrialEnd.IsZero() {
		patch.TrialEnd = &ev.TrialEnd
	}

	if err := l.store.UpdateSubscription(ctx, ev.CustomerID, patch); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Lifecycle) handleSubscriptionUpdated(ctx context.Context, ev Event) (bool, error) {
	sub, err := l.store.GetByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		return false, fmt.Errorf("failed to look up customer: %w", err)
	}
	if sub == nil {
		logger.Warn("Subscription updated for unknown customer", map[string]interface{}{
			"customer_id": ev.CustomerID,
			"event_id":    ev.ID,
		})
		return false, nil
	}

	patch := storage.SubscriptionPatch{
		CurrentPeriodStart: &ev.PeriodStart,
		CurrentPeriodEnd:   &ev.PeriodEnd,
	}
	if status, ok := statusFromProvider(ev.ProviderStatus); ok {
		patch.Status = &status
	} else if ev.ProviderStatus != "" {
		logger.Warn("Unmapped provider status, keeping current state", map[string]interface{}{
			"customer_id":     ev.CustomerID,
			"provider_status": ev.ProviderStatus,
		})
	}

	if err := l.store.UpdateSubscription(ctx, ev.CustomerID, patch); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Lifecycle) handleSubscriptionDeleted(ctx context.Context, ev Event) (bool, error) {
	sub, err := l.store.GetByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		return false, fmt.Errorf("failed to look up customer: %w", err)
	}
	if sub == nil {
		return false, nil
	}

	// Trialing included: a subscription deleted mid-trial cancels the
	// trial too.
	switch sub.Status {
	case models.StatusActive, models.StatusPastDue, models.StatusTrialing:
	default:
		return false, nil
	}

	// Access keeps running until the period end; the sweep finishes
	// the job.
	status := models.StatusCanceledPending
	cancel := true
	if err := l.store.UpdateSubscription(ctx, ev.CustomerID, storage.SubscriptionPatch{
		Status:            &status,
		CancelAtPeriodEnd: &cancel,
	}); err != nil {
		return false, err
	}

	l.sendMail(sub.Email, "Your Sentimetry subscription was canceled",
		cancellationBody(sub.CurrentPeriodEnd))
	return true, nil
}

func (l *Lifecycle) handlePaymentSucceeded(ctx context.Context, ev Event) (bool, error) {
	sub, err := l.store.GetByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		return false, fmt.Errorf("failed to look up customer: %w", err)
	}
	if sub == nil {
		return false, nil
	}

	// New billing period: subscription is current again and the usage
	// counter starts over.
	status := models.StatusActive
	if err := l.store.UpdateSubscription(ctx, ev.CustomerID, storage.SubscriptionPatch{
		Status: &status,
	}); err != nil {
		return false, err
	}
	if err := l.store.ResetUsage(ctx, sub.LicenseKey); err != nil {
		return false, fmt.Errorf("failed to reset stored usage: %w", err)
	}
	if l.usage != nil {
		l.usage.ResetUsage(sub.LicenseKey)
	}
	if l.invalidator != nil {
		l.invalidator.Invalidate(sub.LicenseKey)
	}

	logger.Info("Usage reset for new billing period", map[string]interface{}{
		"customer_id": ev.CustomerID,
		"license_key": sub.LicenseKey,
	})

	l.sendMail(sub.Email, "Sentimetry payment received", receiptBody())
	return true, nil
}

func (l *Lifecycle) handlePaymentFailed(ctx context.Context, ev Event) (bool, error) {
	sub, err := l.store.GetByCustomerID(ctx, ev.CustomerID)
	if err != nil {
		return false, fmt.Errorf("failed to look up customer: %w", err)
	}
	if sub == nil {
		return false, nil
	}

	switch sub.Status {
	case models.StatusActive, models.StatusPastDue:
	default:
		return false, nil
	}

	// Notify only. The key is not revoked on a failed payment alone.
	status := models.StatusPastDue
	if err := l.store.UpdateSubscription(ctx, ev.CustomerID, storage.SubscriptionPatch{
		Status: &status,
	}); err != nil {
		return false, err
	}

	l.sendMail(sub.Email, "Sentimetry payment failed", paymentFailedBody())
	return true, nil
}

// SweepEnded moves canceled subscriptions whose period has run out to
// ended and revokes their keys. It is time-driven, not webhook-driven;
// main runs it on a ticker.
func (l *Lifecycle) SweepEnded(ctx context.Context, now time.Time) error {
	subs, err := l.store.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	for _, sub := range subs {
		if sub.Status != models.StatusCanceledPending {
			continue
		}
		if sub.CurrentPeriodEnd.IsZero() || now.Before(sub.CurrentPeriodEnd) {
			continue
		}

		entry := l.ledgerFor(sub.CustomerID)
		entry.mu.Lock()
		status := models.StatusEnded
		err := l.store.UpdateSubscription(ctx, sub.CustomerID, storage.SubscriptionPatch{
			Status: &status,
		})
		entry.mu.Unlock()
		if err != nil {
			return fmt.Errorf("failed to end subscription for %s: %w", sub.CustomerID, err)
		}

		if l.usage != nil {
			l.usage.Forget(sub.LicenseKey)
		}
		if l.invalidator != nil {
			l.invalidator.Invalidate(sub.LicenseKey)
		}

		logger.Info("Subscription ended, license revoked", map[string]interface{}{
			"customer_id": sub.CustomerID,
			"license_key": sub.LicenseKey,
		})
	}

	return nil
}

func (l *Lifecycle) sendMail(to, subject, body string) {
	if l.mailer == nil || to == "" {
		return
	}

	send := func(ctx context.Context) {
		if err := l.mailer.Send(to, subject, body); err != nil {
			logger.Error("Failed to send notification email", map[string]interface{}{
				"email":   to,
				"subject": subject,
				"error":   err.Error(),
			})
		}
	}

	if l.queue != nil && l.queue.Submit(send) {
		return
	}
	send(context.Background())
}
