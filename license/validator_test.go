package license

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"sentimetry.app/cloud/models"
	"sentimetry.app/cloud/storage"
)

const wellFormedKey = "AB12-CD34-EF56-GH78"

// authorityStub serves the license authority wire protocol and counts
// validation calls.
func authorityStub(t *testing.T, calls *atomic.Int64, response ValidateResponse, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/validate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		calls.Add(1)

		w.WriteHeader(status)
		if status >= 200 && status < 300 {
			if err := json.NewEncoder(w).Encode(response); err != nil {
				t.Errorf("failed to encode stub response: %v", err)
			}
		}
	}))
}

func newTestValidator(authorityURL string, ttl time.Duration) *Validator {
	var authority *AuthorityClient
	if authorityURL != "" {
		authority = NewAuthorityClient(authorityURL, time.Second)
	}
	return NewValidator(NewCache(ttl), authority, storage.NewMemoryStorage(), 24*time.Hour)
}

func TestValidateMalformedKeyNeverHitsNetwork(t *testing.T) {
	var calls atomic.Int64
	server := authorityStub(t, &calls, ValidateResponse{Valid: true, Tier: "starter"}, http.StatusOK)
	defer server.Close()

	v := newTestValidator(server.URL, time.Hour)

	tests := []string{
		"not-a-key",
		"ab12-cd34-ef56-gh78",
		"",
		"AB12CD34EF56GH78",
	}

	for _, key := range tests {
		_, err := v.Validate(context.Background(), key, "sentiment")
		if !errors.Is(err, ErrInvalidFormat) {
			t.Errorf("Validate(%q) error = %v, want ErrInvalidFormat", key, err)
		}
	}

	if calls.Load() != 0 {
		t.Errorf("authority called %d times for malformed keys, want 0", calls.Load())
	}
}

func TestValidateCachesAuthoritativeResult(t *testing.T) {
	var calls atomic.Int64
	response := ValidateResponse{Valid: true, Tier: "professional"}
	response.Usage.Current = 42
	server := authorityStub(t, &calls, response, http.StatusOK)
	defer server.Close()

	v := newTestValidator(server.URL, time.Hour)

	first, err := v.Validate(context.Background(), wellFormedKey, "sentiment")
	if err != nil {
		t.Fatalf("first validate: %v", err)
	}
	if first.Tier != models.TierProfessional {
		t.Errorf("tier = %v, want professional", first.Tier)
	}
	if first.Usage.Current != 42 {
		t.Errorf("usage = %d, want 42", first.Usage.Current)
	}
	if first.Limits != models.TierProfessional.Limits() {
		t.Errorf("limits = %+v, want normalized professional limits", first.Limits)
	}

	second, err := v.Validate(context.Background(), wellFormedKey, "sentiment")
	if err != nil {
		t.Fatalf("second validate: %v", err)
	}
	if !reflect.DeepEqual(second, first) {
		t.Errorf("cached result differs from authoritative one:\n%+v\n%+v", second, first)
	}
	if calls.Load() != 1 {
		t.Errorf("authority called %d times, want 1 (second call served from cache)", calls.Load())
	}
}

func TestValidateExpiredCacheRevalidatesOnce(t *testing.T) {
	var calls atomic.Int64
	server := authorityStub(t, &calls, ValidateResponse{Valid: true, Tier: "starter"}, http.StatusOK)
	defer server.Close()

	v := newTestValidator(server.URL, time.Hour)

	if _, err := v.Validate(context.Background(), wellFormedKey, "sentiment"); err != nil {
		t.Fatalf("validate: %v", err)
	}

	// Jump past the TTL.
	v.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	if _, err := v.Validate(context.Background(), wellFormedKey, "sentiment"); err != nil {
		t.Fatalf("validate after expiry: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("authority called %d times, want exactly 2", calls.Load())
	}

	// Fresh again at the shifted clock.
	if _, err := v.Validate(context.Background(), wellFormedKey, "sentiment"); err != nil {
		t.Fatalf("validate within new TTL: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("authority called %d times after refresh, want 2", calls.Load())
	}
}

func TestValidateAuthoritativeInvalid(t *testing.T) {
	var calls atomic.Int64
	server := authorityStub(t, &calls, ValidateResponse{Valid: false}, http.StatusOK)
	defer server.Close()

	v := newTestValidator(server.URL, time.Hour)

	_, err := v.Validate(context.Background(), wellFormedKey, "sentiment")
	if !errors.Is(err, ErrLicenseInvalid) {
		t.Errorf("error = %v, want ErrLicenseInvalid", err)
	}
}

func TestValidateUnknownTierRejected(t *testing.T) {
	var calls atomic.Int64
	server := authorityStub(t, &calls, ValidateResponse{Valid: true, Tier: "platinum"}, http.StatusOK)
	defer server.Close()

	v := newTestValidator(server.URL, time.Hour)

	_, err := v.Validate(context.Background(), wellFormedKey, "sentiment")
	if !errors.Is(err, ErrLicenseInvalid) {
		t.Errorf("error = %v, want ErrLicenseInvalid for unknown tier", err)
	}
}

func TestValidateDegradedGrantOnOutage(t *testing.T) {
	var calls atomic.Int64
	server := authorityStub(t, &calls, ValidateResponse{}, http.StatusInternalServerError)
	defer server.Close()

	v := newTestValidator(server.URL, time.Hour)

	for i := 0; i < 2; i++ {
		got, err := v.Validate(context.Background(), wellFormedKey, "sentiment")
		if err != nil {
			t.Fatalf("validate %d: %v", i, err)
		}
		if !got.Degraded {
			t.Errorf("validate %d: expected degraded grant", i)
		}
		if got.Tier != models.TierTrial {
			t.Errorf("validate %d: degraded tier = %v, want trial", i, got.Tier)
		}
		if len(got.Features) != 1 || got.Features[0] != models.FeatureBasicSentiment {
			t.Errorf("validate %d: degraded features = %v, want minimal set only", i, got.Features)
		}
		if got.ExpiresAt.Before(time.Now()) || got.ExpiresAt.After(time.Now().Add(25*time.Hour)) {
			t.Errorf("validate %d: degraded expiry %v outside 24h horizon", i, got.ExpiresAt)
		}
	}

	// Degraded grants must not be cached: both calls hit the authority.
	if calls.Load() != 2 {
		t.Errorf("authority called %d times, want 2 (degraded results are never cached)", calls.Load())
	}
}

func TestValidateDegradedGrantOnConnectionFailure(t *testing.T) {
	// Server closed before use: connection refused.
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	v := newTestValidator(url, time.Hour)

	got, err := v.Validate(context.Background(), wellFormedKey, "sentiment")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !got.Degraded {
		t.Error("expected degraded grant on connection failure")
	}
}

func TestValidateLocalStore(t *testing.T) {
	store := storage.NewMemoryStorage()
	now := time.Now()

	active := models.Subscription{
		ID:               "sub-1",
		CustomerID:       "cus_1",
		LicenseKey:       "AB12-CD34-EF56-GH78",
		Tier:             models.TierProfessional,
		Status:           models.StatusActive,
		CurrentPeriodEnd: now.Add(20 * 24 * time.Hour),
		UsageCurrent:     7,
	}
	ended := models.Subscription{
		ID:         "sub-2",
		CustomerID: "cus_2",
		LicenseKey: "ZZ12-CD34-EF56-GH78",
		Tier:       models.TierStarter,
		Status:     models.StatusEnded,
	}
	if err := store.CreateAccount(context.Background(), &active); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateAccount(context.Background(), &ended); err != nil {
		t.Fatal(err)
	}

	v := NewValidator(NewCache(time.Hour), nil, store, 24*time.Hour)

	got, err := v.Validate(context.Background(), active.LicenseKey, "sentiment")
	if err != nil {
		t.Fatalf("validate active: %v", err)
	}
	if got.Tier != models.TierProfessional || got.Usage.Current != 7 {
		t.Errorf("validation = %+v, want professional tier with usage 7", got)
	}

	if _, err := v.Validate(context.Background(), ended.LicenseKey, "sentiment"); !errors.Is(err, ErrLicenseInvalid) {
		t.Errorf("ended subscription error = %v, want ErrLicenseInvalid", err)
	}

	if _, err := v.Validate(context.Background(), "QQ99-QQ99-QQ99-QQ99", "sentiment"); !errors.Is(err, ErrLicenseInvalid) {
		t.Errorf("unknown key error = %v, want ErrLicenseInvalid", err)
	}
}
