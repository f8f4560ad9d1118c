package license

import (
	"context"
	"sync"

	"github.com/getsentry/sentry-go"
	"go.uber.org/atomic"

	"sentimetry.app/cloud/internal/logger"
	"sentimetry.app/cloud/internal/tasks"
	"sentimetry.app/cloud/models"
)

// Meter enforces per-license quotas and records consumption. The license
// is validated first, so an invalid or expired key is rejected before the
// quota is even consulted. Counters are per-key atomics reserved through
// a CAS loop; concurrent reservations against the same key never lose an
// increment. Counters only go down through an explicit Reset.
type Meter struct {
	validator *Validator
	authority *AuthorityClient
	queue     *tasks.Queue

	mu       sync.Mutex
	counters map[string]*atomic.Int64
}

func NewMeter(validator *Validator, authority *AuthorityClient, queue *tasks.Queue) *Meter {
	return &Meter{
		validator: validator,
		authority: authority,
		queue:     queue,
		counters:  make(map[string]*atomic.Int64),
	}
}

// counter returns the usage counter for a key, seeding a new one with the
// current usage the validation reported.
func (m *Meter) counter(licenseKey string, seed int64) *atomic.Int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[licenseKey]
	if !ok {
		c = atomic.NewInt64(seed)
		m.counters[licenseKey] = c
	}
	return c
}

// CheckAndReserve validates the key, then reserves one unit of quota.
// It fails with *QuotaExceededError once usage has reached the monthly
// limit; the Unlimited sentinel always passes.
func (m *Meter) CheckAndReserve(ctx context.Context, licenseKey, operation string) (models.Validation, error) {
	return m.reserve(ctx, licenseKey, operation, 1)
}

// CheckBatch validates the key, rejects batches beyond the tier's batch
// size with *BatchTooLargeError, then reserves size units of quota.
func (m *Meter) CheckBatch(ctx context.Context, licenseKey, operation string, size int64) (models.Validation, error) {
	if size < 1 {
		size = 1
	}

	validation, err := m.validator.Validate(ctx, licenseKey, operation)
	if err != nil {
		return models.Validation{}, err
	}

	if validation.Limits.BatchSize != models.Unlimited && size > validation.Limits.BatchSize {
		return models.Validation{}, &BatchTooLargeError{Size: size, Limit: validation.Limits.BatchSize}
	}

	return m.reserveValidated(validation, licenseKey, size)
}

func (m *Meter) reserve(ctx context.Context, licenseKey, operation string, count int64) (models.Validation, error) {
	validation, err := m.validator.Validate(ctx, licenseKey, operation)
	if err != nil {
		return models.Validation{}, err
	}
	return m.reserveValidated(validation, licenseKey, count)
}

func (m *Meter) reserveValidated(validation models.Validation, licenseKey string, count int64) (models.Validation, error) {
	c := m.counter(licenseKey, validation.Usage.Current)

	for {
		current := c.Load()
		if models.Exceeds(current, validation.Limits.Monthly) {
			return models.Validation{}, &QuotaExceededError{Current: current, Limit: validation.Limits.Monthly}
		}
		if c.CompareAndSwap(current, current+count) {
			validation.Usage.Current = current + count
			return validation, nil
		}
	}
}

// RecordUsage reports consumption to the authority off the request path.
// It never blocks and never fails the operation that already completed;
// a recording failure is logged and sent to Sentry.
func (m *Meter) RecordUsage(licenseKey, operation string, count int64) {
	if m.authority == nil || m.queue == nil {
		return
	}

	submitted := m.queue.Submit(func(ctx context.Context) {
		if err := m.authority.RecordUsage(ctx, licenseKey, operation, count); err != nil {
			logger.Warn("Failed to record usage", map[string]interface{}{
				"license_key": licenseKey,
				"operation":   operation,
				"count":       count,
				"error":       err.Error(),
			})
			sentry.CaptureException(err)
		}
	})
	if !submitted {
		logger.Warn("Usage record dropped", map[string]interface{}{
			"license_key": licenseKey,
			"operation":   operation,
		})
	}
}

// ResetUsage zeroes the counter for a key. Only the billing lifecycle
// (new period, successful payment) and administrative action call this.
func (m *Meter) ResetUsage(licenseKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[licenseKey]; ok {
		c.Store(0)
	}
}

// Forget drops the counter for a key that no longer validates, so
// revoked keys do not accumulate in the map. A reissued key reseeds from
// the authoritative usage on its next validation.
func (m *Meter) Forget(licenseKey string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.counters, licenseKey)
}

// CurrentUsage returns the in-memory usage count for a key.
func (m *Meter) CurrentUsage(licenseKey string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.counters[licenseKey]; ok {
		return c.Load()
	}
	return 0
}
