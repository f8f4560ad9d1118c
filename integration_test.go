package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sentimetry.app/cloud/billing"
	"sentimetry.app/cloud/handlers"
	"sentimetry.app/cloud/internal/config"
	"sentimetry.app/cloud/license"
	"sentimetry.app/cloud/models"
	"sentimetry.app/cloud/storage"
)

// End-to-end flows across the webhook, validation and metering surfaces.

type integrationEnv struct {
	server    *handlers.Server
	store     *storage.MemoryStorage
	lifecycle *billing.Lifecycle
}

func newIntegrationEnv(t *testing.T) *integrationEnv {
	t.Helper()

	store := storage.NewMemoryStorage()
	cache := license.NewCache(time.Hour)
	validator := license.NewValidator(cache, nil, store, 0)
	meter := license.NewMeter(validator, nil, nil)
	lifecycle := billing.NewLifecycle(store, meter, validator, nil, nil)

	cfg := &config.Config{
		Port:     "8080",
		TestMode: true,
		Domain:   "https://sentimetry.test",
	}

	return &integrationEnv{
		server:    handlers.NewServer(cfg, store, validator, meter, lifecycle, nil, "integration"),
		store:     store,
		lifecycle: lifecycle,
	}
}

func (e *integrationEnv) post(t *testing.T, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	switch b := body.(type) {
	case string:
		payload = []byte(b)
	default:
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
	}

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Router.ServeHTTP(w, req)
	return w
}

func (e *integrationEnv) deliverCheckout(t *testing.T, eventID, customerID, email, plan string) {
	t.Helper()

	payload := fmt.Sprintf(`{
		"id": %q,
		"type": "checkout.session.completed",
		"created": 1750000000,
		"data": {
			"object": {
				"id": "cs_int_1",
				"customer": {"id": %q},
				"customer_details": {"email": %q},
				"metadata": {"plan": %q, "email": %q}
			}
		}
	}`, eventID, customerID, email, plan, email)

	if w := e.post(t, "/api/v1/webhooks/stripe", payload); w.Code != http.StatusOK {
		t.Fatalf("checkout webhook status = %d (body %s)", w.Code, w.Body.String())
	}
}

func (e *integrationEnv) licenseKey(t *testing.T, customerID string) string {
	t.Helper()

	sub, err := e.store.GetByCustomerID(context.Background(), customerID)
	if err != nil {
		t.Fatal(err)
	}
	if sub == nil {
		t.Fatalf("no subscription for %s", customerID)
	}
	return sub.LicenseKey
}

func TestCheckoutToValidationFlow(t *testing.T) {
	env := newIntegrationEnv(t)

	env.deliverCheckout(t, "evt_int_1", "cus_int_1", "flow@example.com", "professional")
	key := env.licenseKey(t, "cus_int_1")

	w := env.post(t, "/api/v1/licenses/validate", handlers.ValidateRequest{
		LicenseKey: key,
		NodeType:   "sentiment",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("validate status = %d", w.Code)
	}

	var resp handlers.ValidateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Valid {
		t.Fatalf("freshly issued key not valid: %s", resp.Message)
	}
	if resp.Result.Tier != models.TierProfessional {
		t.Errorf("tier = %v, want professional", resp.Result.Tier)
	}
}

func TestUsageDrainsToQuota(t *testing.T) {
	env := newIntegrationEnv(t)

	env.deliverCheckout(t, "evt_int_1", "cus_int_1", "drain@example.com", "starter")
	key := env.licenseKey(t, "cus_int_1")

	// The starter quota is 1000 operations per period. Drain it in
	// batches, then push past the limit.
	batch := handlers.UsageCheckRequest{
		LicenseKey: key,
		Operation:  "sentiment",
		BatchSize:  10,
	}
	for i := 0; i < 100; i++ {
		w := env.post(t, "/api/v1/licenses/usage/check", batch)
		if w.Code != http.StatusOK {
			t.Fatalf("batch %d status = %d (body %s)", i, w.Code, w.Body.String())
		}
	}

	// Quota is spent; the next single check is rejected.
	w := env.post(t, "/api/v1/licenses/usage/check", handlers.UsageCheckRequest{
		LicenseKey: key,
		Operation:  "sentiment",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 at quota (body %s)", w.Code, w.Body.String())
	}

	var resp handlers.UsageCheckResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Current != 1000 || resp.Limit != 1000 {
		t.Errorf("current/limit = %d/%d, want 1000/1000", resp.Current, resp.Limit)
	}
}

func TestPaymentSucceededReopensQuota(t *testing.T) {
	env := newIntegrationEnv(t)

	env.deliverCheckout(t, "evt_int_1", "cus_int_1", "renew@example.com", "starter")
	key := env.licenseKey(t, "cus_int_1")

	// Spend the whole period quota.
	for i := 0; i < 100; i++ {
		env.post(t, "/api/v1/licenses/usage/check", handlers.UsageCheckRequest{
			LicenseKey: key,
			Operation:  "sentiment",
			BatchSize:  10,
		})
	}
	w := env.post(t, "/api/v1/licenses/usage/check", handlers.UsageCheckRequest{
		LicenseKey: key,
		Operation:  "sentiment",
	})
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 before renewal", w.Code)
	}

	// A successful payment opens the next billing period.
	renewal := `{
		"id": "evt_int_2",
		"type": "invoice.payment_succeeded",
		"created": 1750000100,
		"data": {"object": {"id": "in_int_1", "customer": {"id": "cus_int_1"}}}
	}`
	if w := env.post(t, "/api/v1/webhooks/stripe", renewal); w.Code != http.StatusOK {
		t.Fatalf("renewal webhook status = %d", w.Code)
	}

	w = env.post(t, "/api/v1/licenses/usage/check", handlers.UsageCheckRequest{
		LicenseKey: key,
		Operation:  "sentiment",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want fresh quota after renewal (body %s)", w.Code, w.Body.String())
	}

	var resp handlers.UsageCheckResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Current != 1 {
		t.Errorf("current = %d, want 1 after reset", resp.Current)
	}
}

func TestCancellationEndsAccessAfterPeriod(t *testing.T) {
	env := newIntegrationEnv(t)

	env.deliverCheckout(t, "evt_int_1", "cus_int_1", "cancel@example.com", "starter")
	key := env.licenseKey(t, "cus_int_1")

	// Activate with a period that has already run out, then cancel.
	periodEnd := time.Now().Add(-time.Hour)
	created := fmt.Sprintf(`{
		"id": "evt_int_2",
		"type": "customer.subscription.created",
		"created": 1750000100,
		"data": {
			"object": {
				"id": "sub_int_1",
				"customer": {"id": "cus_int_1"},
				"status": "active",
				"items": {
					"data": [
						{"current_period_start": 1750000000, "current_period_end": %d}
					]
				}
			}
		}
	}`, periodEnd.Unix())
	if w := env.post(t, "/api/v1/webhooks/stripe", created); w.Code != http.StatusOK {
		t.Fatalf("created webhook status = %d", w.Code)
	}

	deleted := `{
		"id": "evt_int_3",
		"type": "customer.subscription.deleted",
		"created": 1750000200,
		"data": {
			"object": {
				"id": "sub_int_1",
				"customer": {"id": "cus_int_1"},
				"status": "canceled"
			}
		}
	}`
	if w := env.post(t, "/api/v1/webhooks/stripe", deleted); w.Code != http.StatusOK {
		t.Fatalf("deleted webhook status = %d", w.Code)
	}

	// Period end already passed; one sweep finishes the cancellation.
	if err := env.lifecycle.SweepEnded(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}

	w := env.post(t, "/api/v1/licenses/validate", handlers.ValidateRequest{
		LicenseKey: key,
		NodeType:   "sentiment",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("validate status = %d", w.Code)
	}
	var resp handlers.ValidateResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Valid {
		t.Error("key still valid after subscription ended")
	}
}
