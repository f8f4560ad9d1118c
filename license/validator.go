package license

import (
	"context"
	"fmt"
	"time"

	"sentimetry.app/cloud/internal/logger"
	"sentimetry.app/cloud/models"
	"sentimetry.app/cloud/storage"
)

// DefaultDegradedTTL is the short horizon on an offline fallback grant.
const DefaultDegradedTTL = 24 * time.Hour

// Validator resolves a license key to its entitlement. Resolution order:
// format check, cache, then the remote authority; when no authority is
// configured it falls back to the local subscription store, which is how
// the webhook-provisioned records are consumed.
//
// A transport failure against the authority produces a degraded grant: a
// trial-equivalent tier with a single feature and a conservative quota,
// expiring after degradedTTL. Degraded grants are never cached, so the
// next call retries the authority instead of riding out the outage on
// stale permissions.
type Validator struct {
	cache       *Cache
	authority   *AuthorityClient
	store       storage.Storage
	degradedTTL time.Duration

	now func() time.Time
}

func NewValidator(cache *Cache, authority *AuthorityClient, store storage.Storage, degradedTTL time.Duration) *Validator {
	if degradedTTL <= 0 {
		degradedTTL = DefaultDegradedTTL
	}
	return &Validator{
		cache:       cache,
		authority:   authority,
		store:       store,
		degradedTTL: degradedTTL,
		now:         time.Now,
	}
}

// Validate resolves licenseKey for the given scope (node type). It fails
// with ErrInvalidFormat before any network call on a malformed key and
// with ErrLicenseInvalid on an authoritative rejection.
func (v *Validator) Validate(ctx context.Context, licenseKey, scope string) (models.Validation, error) {
	if !models.ValidKeyFormat(licenseKey) {
		return models.Validation{}, ErrInvalidFormat
	}

	now := v.now()
	if cached, ok := v.cache.Get(licenseKey, scope, now); ok {
		return cached, nil
	}

	if v.authority != nil {
		return v.validateRemote(ctx, licenseKey, scope, now)
	}
	return v.validateLocal(ctx, licenseKey, scope, now)
}

func (v *Validator) validateRemote(ctx context.Context, licenseKey, scope string, now time.Time) (models.Validation, error) {
	resp, err := v.authority.Validate(ctx, licenseKey, scope)
	if err != nil {
		logger.Warn("License authority unreachable, issuing degraded grant", map[string]interface{}{
			"license_key": licenseKey,
			"scope":       scope,
			"error":       err.Error(),
		})
		return v.degradedGrant(now), nil
	}

	if !resp.Valid {
		return models.Validation{}, ErrLicenseInvalid
	}

	tier, err := models.ParseTier(resp.Tier)
	if err != nil {
		// An authority answering with a tier we do not know is not a
		// grant we can honor.
		return models.Validation{}, fmt.Errorf("%w: %v", ErrLicenseInvalid, err)
	}

	result := models.Validation{
		Valid:    true,
		Tier:     tier,
		Features: tier.Features(),
		Limits:   tier.Limits(),
		Usage:    models.Usage{Current: resp.Usage.Current},
	}
	if resp.Expires > 0 {
		result.ExpiresAt = time.UnixMilli(resp.Expires)
	}

	v.cache.Put(licenseKey, scope, result, now)
	return result, nil
}

func (v *Validator) validateLocal(ctx context.Context, licenseKey, scope string, now time.Time) (models.Validation, error) {
	sub, err := v.store.FindByLicenseKey(ctx, licenseKey)
	if err != nil {
		logger.Warn("Subscription store unavailable, issuing degraded grant", map[string]interface{}{
			"license_key": licenseKey,
			"error":       err.Error(),
		})
		return v.degradedGrant(now), nil
	}
	if sub == nil {
		return models.Validation{}, ErrLicenseInvalid
	}
	if !sub.AccessPermitted(now) {
		return models.Validation{}, ErrLicenseInvalid
	}

	result := models.Validation{
		Valid:     true,
		Tier:      sub.Tier,
		Features:  sub.Tier.Features(),
		Limits:    sub.Tier.Limits(),
		Usage:     models.Usage{Current: sub.UsageCurrent},
		ExpiresAt: sub.CurrentPeriodEnd,
	}

	v.cache.Put(licenseKey, scope, result, now)
	return result, nil
}

// degradedGrant is the offline continuity mode: valid but minimal, and
// deliberately never promoted to full access.
func (v *Validator) degradedGrant(now time.Time) models.Validation {
	return models.Validation{
		Valid:    true,
		Tier:     models.TierTrial,
		Features: []string{models.FeatureBasicSentiment},
		Limits: models.Limits{
			Monthly:   100,
			BatchSize: 1,
			APICalls:  10,
		},
		Usage:     models.Usage{Current: 0},
		ExpiresAt: now.Add(v.degradedTTL),
		Degraded:  true,
	}
}

// Invalidate drops cached grants for a key. The lifecycle calls this when
// a key is revoked or superseded so a stale cache entry cannot outlive
// the subscription.
func (v *Validator) Invalidate(licenseKey string) {
	v.cache.Invalidate(licenseKey)
}
