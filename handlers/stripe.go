package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"sentimetry.app/cloud/billing"
	"sentimetry.app/cloud/internal/logger"
)

// StripeWebhook receives signed billing events. The signature check is
// the authenticity gate: a failure is a terminal 400 with no state
// change, anything else acknowledges with {"received":"true"} so the
// provider's retry machinery stays quiet.
func (s *Server) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	logger.Info("Stripe webhook received", map[string]interface{}{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.Header.Get("User-Agent"),
	})

	const MaxBodyBytes = int64(65536)
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	var event stripe.Event
	if s.Config.TestMode {
		// Signature verification is skipped only under TEST_MODE.
		if err := json.Unmarshal(payload, &event); err != nil {
			logger.Error("Failed to parse webhook JSON", map[string]interface{}{
				"error": err.Error(),
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	} else {
		signatureHeader := r.Header.Get("Stripe-Signature")
		event, err = webhook.ConstructEvent(payload, signatureHeader, s.Config.StripeWebhookSecret)
		if err != nil {
			logger.Error("Webhook signature verification failed", map[string]interface{}{
				"error":     err.Error(),
				"signature": signatureHeader,
			})
			w.WriteHeader(http.StatusBadRequest)
			return
		}
	}

	logger.Info("Stripe event verified", map[string]interface{}{
		"event_type": event.Type,
		"event_id":   event.ID,
	})

	billingEvent, ok, err := mapStripeEvent(&event)
	if err != nil {
		logger.Error("Failed to parse event payload", map[string]interface{}{
			"error":      err.Error(),
			"event_id":   event.ID,
			"event_type": event.Type,
		})
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if !ok {
		logger.Info("Unhandled webhook event type", map[string]interface{}{
			"event_type": event.Type,
			"event_id":   event.ID,
		})
		writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
		return
	}

	if err := s.Lifecycle.Apply(r.Context(), billingEvent); err != nil {
		logger.Error("Failed to apply billing event", map[string]interface{}{
			"error":      err.Error(),
			"event_id":   event.ID,
			"event_type": event.Type,
		})
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"received": "true"})
}

// mapStripeEvent normalizes a verified provider event into the lifecycle
// event the state machine understands. ok is false for event types the
// lifecycle does not react to.
func mapStripeEvent(event *stripe.Event) (billing.Event, bool, error) {
	occurredAt := time.Unix(event.Created, 0)

	switch event.Type {
	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return billing.Event{}, false, err
		}

		customerEmail := session.CustomerEmail
		if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
			customerEmail = session.CustomerDetails.Email
		}

		ev := billing.Event{
			ID:         string(event.ID),
			Type:       billing.EventCheckoutCompleted,
			OccurredAt: occurredAt,
			Email:      customerEmail,
			Plan:       session.Metadata["plan"],
			Trial:      session.Metadata["trial"] == "true",
		}
		if session.Customer != nil {
			ev.CustomerID = session.Customer.ID
		}
		if session.Subscription != nil {
			ev.SubscriptionID = session.Subscription.ID
		}
		return ev, true, nil

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return billing.Event{}, false, err
		}

		var eventType billing.EventType
		switch event.Type {
		case "customer.subscription.created":
			eventType = billing.EventSubscriptionCreated
		case "customer.subscription.updated":
			eventType = billing.EventSubscriptionUpdated
		default:
			eventType = billing.EventSubscriptionDeleted
		}

		ev := billing.Event{
			ID:             string(event.ID),
			Type:           eventType,
			OccurredAt:     occurredAt,
			SubscriptionID: sub.ID,
			ProviderStatus: string(sub.Status),
		}
		if sub.Customer != nil {
			ev.CustomerID = sub.Customer.ID
		}
		if sub.TrialEnd > 0 {
			ev.TrialEnd = time.Unix(sub.TrialEnd, 0)
		}
		ev.PeriodStart, ev.PeriodEnd = subscriptionPeriod(&sub)
		return ev, true, nil

	case "invoice.payment_succeeded", "invoice.paid":
		ev, err := invoiceEvent(event, billing.EventPaymentSucceeded, occurredAt)
		return ev, err == nil, err

	case "invoice.payment_failed":
		ev, err := invoiceEvent(event, billing.EventPaymentFailed, occurredAt)
		return ev, err == nil, err
	}

	return billing.Event{}, false, nil
}

func invoiceEvent(event *stripe.Event, eventType billing.EventType, occurredAt time.Time) (billing.Event, error) {
	var invoice stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
		return billing.Event{}, err
	}

	ev := billing.Event{
		ID:         string(event.ID),
		Type:       eventType,
		OccurredAt: occurredAt,
	}
	if invoice.Customer != nil {
		ev.CustomerID = invoice.Customer.ID
	}
	return ev, nil
}

// subscriptionPeriod pulls the billing period off the first subscription
// item; recent API versions carry it there rather than on the
// subscription itself. Falls back to CancelAt for the end bound when no
// items are expanded.
func subscriptionPeriod(sub *stripe.Subscription) (start, end time.Time) {
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		item := sub.Items.Data[0]
		if item.CurrentPeriodStart > 0 {
			start = time.Unix(item.CurrentPeriodStart, 0)
		}
		if item.CurrentPeriodEnd > 0 {
			end = time.Unix(item.CurrentPeriodEnd, 0)
		}
		return start, end
	}
	if sub.CancelAt > 0 {
		end = time.Unix(sub.CancelAt, 0)
	}
	return start, end
}
