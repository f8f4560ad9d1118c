package storage

import (
	"context"
	"sync"
	"time"

	"sentimetry.app/cloud/models"
)

// Storage is the persistence contract the entitlement core depends on.
// The lifecycle writes through it; the validator reads through it.
type Storage interface {
	CreateAccount(ctx context.Context, sub *models.Subscription) error
	GetByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error)
	FindByLicenseKey(ctx context.Context, licenseKey string) (*models.Subscription, error)
	UpdateSubscription(ctx context.Context, customerID string, patch SubscriptionPatch) error
	ListSubscriptions(ctx context.Context) ([]*models.Subscription, error)
	ResetUsage(ctx context.Context, licenseKey string) error

	Close() error
}

// SubscriptionPatch is a partial update; nil fields are left untouched.
type SubscriptionPatch struct {
	SubscriptionID     *string
	LicenseKey         *string
	Tier               *models.Tier
	Status             *models.Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialEnd           *time.Time
	CancelAtPeriodEnd  *bool
	UsageCurrent       *int64
}

func (p SubscriptionPatch) apply(sub *models.Subscription, now time.Time) {
	if p.SubscriptionID != nil {
		sub.SubscriptionID = *p.SubscriptionID
	}
	if p.LicenseKey != nil {
		sub.LicenseKey = *p.LicenseKey
	}
	if p.Tier != nil {
		sub.Tier = *p.Tier
	}
	if p.Status != nil {
		sub.Status = *p.Status
	}
	if p.CurrentPeriodStart != nil {
		sub.CurrentPeriodStart = *p.CurrentPeriodStart
	}
	if p.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = *p.CurrentPeriodEnd
	}
	if p.TrialEnd != nil {
		sub.TrialEnd = *p.TrialEnd
	}
	if p.CancelAtPeriodEnd != nil {
		sub.CancelAtPeriodEnd = *p.CancelAtPeriodEnd
	}
	if p.UsageCurrent != nil {
		sub.UsageCurrent = *p.UsageCurrent
	}
	sub.UpdatedAt = now
}

// MemoryStorage is the in-memory implementation used in tests and local
// development. Starts empty, no teardown.
type MemoryStorage struct {
	mu   sync.RWMutex
	Data map[string]models.Subscription // keyed by customer ID
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{Data: make(map[string]models.Subscription)}
}

func (m *MemoryStorage) CreateAccount(ctx context.Context, sub *models.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Data == nil {
		m.Data = make(map[string]models.Subscription)
	}
	m.Data[sub.CustomerID] = *sub
	return nil
}

func (m *MemoryStorage) GetByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, exists := m.Data[customerID]
	if !exists {
		return nil, nil
	}
	return &sub, nil
}

func (m *MemoryStorage) FindByLicenseKey(ctx context.Context, licenseKey string) (*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, sub := range m.Data {
		if sub.LicenseKey == licenseKey {
			subCopy := sub
			return &subCopy, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) UpdateSubscription(ctx context.Context, customerID string, patch SubscriptionPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, exists := m.Data[customerID]
	if !exists {
		return ErrNotFound
	}

	patch.apply(&sub, time.Now())
	m.Data[customerID] = sub
	return nil
}

func (m *MemoryStorage) ListSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	subs := make([]*models.Subscription, 0, len(m.Data))
	for _, sub := range m.Data {
		subCopy := sub
		subs = append(subs, &subCopy)
	}
	return subs, nil
}

func (m *MemoryStorage) ResetUsage(ctx context.Context, licenseKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, sub := range m.Data {
		if sub.LicenseKey == licenseKey {
			sub.UsageCurrent = 0
			sub.UpdatedAt = time.Now()
			m.Data[id] = sub
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStorage) Close() error {
	return nil
}
