package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sentimetry.app/cloud/models"
)

// ErrNotFound is returned by updates against an unknown customer or key.
var ErrNotFound = errors.New("subscription not found")

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	if err := storage.migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate(ctx context.Context) error {
	schema := `
      CREATE TABLE IF NOT EXISTS subscriptions (
          id TEXT PRIMARY KEY,
          customer_id TEXT UNIQUE NOT NULL,
          subscription_id TEXT,
          email TEXT NOT NULL,
          license_key TEXT UNIQUE NOT NULL,
          tier TEXT NOT NULL,
          status TEXT NOT NULL,
          current_period_start DATETIME,
          current_period_end DATETIME,
          trial_end DATETIME,
          cancel_at_period_end INTEGER NOT NULL DEFAULT 0,
          usage_current INTEGER NOT NULL DEFAULT 0,
          created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
          updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
      );

      CREATE INDEX IF NOT EXISTS idx_subscriptions_license_key ON subscriptions(license_key);
      `

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

const subscriptionColumns = `id, customer_id, subscription_id, email, license_key, tier, status,
	current_period_start, current_period_end, trial_end, cancel_at_period_end, usage_current,
	created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (*models.Subscription, error) {
	var sub models.Subscription
	var tier string
	var periodStart, periodEnd, trialEnd sql.NullTime

	err := row.Scan(
		&sub.ID,
		&sub.CustomerID,
		&sub.SubscriptionID,
		&sub.Email,
		&sub.LicenseKey,
		&tier,
		&sub.Status,
		&periodStart,
		&periodEnd,
		&trialEnd,
		&sub.CancelAtPeriodEnd,
		&sub.UsageCurrent,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsed, err := models.ParseTier(tier)
	if err != nil {
		return nil, fmt.Errorf("corrupt tier column: %w", err)
	}
	sub.Tier = parsed

	if periodStart.Valid {
		sub.CurrentPeriodStart = periodStart.Time
	}
	if periodEnd.Valid {
		sub.CurrentPeriodEnd = periodEnd.Time
	}
	if trialEnd.Valid {
		sub.TrialEnd = trialEnd.Time
	}

	return &sub, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (s *SQLiteStorage) CreateAccount(ctx context.Context, sub *models.Subscription) error {
	query := `INSERT OR REPLACE INTO subscriptions
		(id, customer_id, subscription_id, email, license_key, tier, status,
		 current_period_start, current_period_end, trial_end, cancel_at_period_end, usage_current,
		 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		sub.ID,
		sub.CustomerID,
		sub.SubscriptionID,
		sub.Email,
		sub.LicenseKey,
		sub.Tier.String(),
		sub.Status,
		nullTime(sub.CurrentPeriodStart),
		nullTime(sub.CurrentPeriodEnd),
		nullTime(sub.TrialEnd),
		sub.CancelAtPeriodEnd,
		sub.UsageCurrent,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) GetByCustomerID(ctx context.Context, customerID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE customer_id = ?`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, customerID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SQLiteStorage) FindByLicenseKey(ctx context.Context, licenseKey string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE license_key = ?`

	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, licenseKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *SQLiteStorage) UpdateSubscription(ctx context.Context, customerID string, patch SubscriptionPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE customer_id = ?`
	sub, err := scanSubscription(tx.QueryRowContext(ctx, query, customerID))
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	patch.apply(sub, time.Now())

	update := `UPDATE subscriptions SET subscription_id = ?, license_key = ?, tier = ?, status = ?,
		current_period_start = ?, current_period_end = ?, trial_end = ?,
		cancel_at_period_end = ?, usage_current = ?, updated_at = ?
		WHERE customer_id = ?`

	_, err = tx.ExecContext(ctx, update,
		sub.SubscriptionID,
		sub.LicenseKey,
		sub.Tier.String(),
		sub.Status,
		nullTime(sub.CurrentPeriodStart),
		nullTime(sub.CurrentPeriodEnd),
		nullTime(sub.TrialEnd),
		sub.CancelAtPeriodEnd,
		sub.UsageCurrent,
		sub.UpdatedAt,
		customerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStorage) ListSubscriptions(ctx context.Context) ([]*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("Failed to close rows: %v", err)
		}
	}()

	var subs []*models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}

	return subs, nil
}

func (s *SQLiteStorage) ResetUsage(ctx context.Context, licenseKey string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET usage_current = 0, updated_at = ? WHERE license_key = ?`,
		time.Now(), licenseKey,
	)
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
