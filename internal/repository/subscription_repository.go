package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kiroku-app/kiroku-api/internal/models"
)

// SubscriptionRepository provides database access for subscription state, the
// event audit trail, and the webhook idempotency ledger.
type SubscriptionRepository struct {
	db *sqlx.DB
}

// NewSubscriptionRepository creates a new instance of SubscriptionRepository.
func NewSubscriptionRepository(db *sqlx.DB) *SubscriptionRepository {
	return &SubscriptionRepository{db: db}
}

const subscriptionColumns = `id, user_id, platform, product_id, original_transaction_id, purchase_token, status, expires_at, latest_receipt, will_renew, created_at, updated_at`

// Create inserts a subscription row.
func (r *SubscriptionRepository) Create(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now

	const query = `INSERT INTO subscriptions (id, user_id, platform, product_id, original_transaction_id, purchase_token, status, expires_at, latest_receipt, will_renew, created_at, updated_at) VALUES (:id, :user_id, :platform, :product_id, :original_transaction_id, :purchase_token, :status, :expires_at, :latest_receipt, :will_renew, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, sub); err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

// Update persists mutable subscription state.
func (r *SubscriptionRepository) Update(ctx context.Context, sub *models.Subscription) error {
	sub.UpdatedAt = time.Now().UTC()
	const query = `UPDATE subscriptions SET product_id = :product_id, original_transaction_id = :original_transaction_id, purchase_token = :purchase_token, status = :status, expires_at = :expires_at, latest_receipt = :latest_receipt, will_renew = :will_renew, updated_at = :updated_at WHERE id = :id`
	if _, err := r.db.NamedExecContext(ctx, query, sub); err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

// LatestForUser returns the most recently updated subscription row of a user.
func (r *SubscriptionRepository) LatestForUser(ctx context.Context, userID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1 ORDER BY updated_at DESC LIMIT 1`
	var sub models.Subscription
	if err := r.db.GetContext(ctx, &sub, query, userID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("latest subscription for user: %w", err)
	}
	return &sub, nil
}

// FindByOriginalTransactionID resolves the subscription an App Store
// notification correlates to.
func (r *SubscriptionRepository) FindByOriginalTransactionID(ctx context.Context, originalTransactionID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE original_transaction_id = $1 ORDER BY updated_at DESC LIMIT 1`
	var sub models.Subscription
	if err := r.db.GetContext(ctx, &sub, query, originalTransactionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find subscription by transaction id: %w", err)
	}
	return &sub, nil
}

// FindByPurchaseToken resolves the subscription a Play notification
// correlates to.
func (r *SubscriptionRepository) FindByPurchaseToken(ctx context.Context, purchaseToken string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE purchase_token = $1 ORDER BY updated_at DESC LIMIT 1`
	var sub models.Subscription
	if err := r.db.GetContext(ctx, &sub, query, purchaseToken); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find subscription by purchase token: %w", err)
	}
	return &sub, nil
}

// ExpireDue flips every active subscription whose expiry has passed to
// expired, in one set-based statement, and reports how many rows changed.
func (r *SubscriptionRepository) ExpireDue(ctx context.Context) (int64, error) {
	const query = `UPDATE subscriptions SET status = 'expired', updated_at = NOW() WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < NOW()`
	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("expire due subscriptions: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire due rows affected: %w", err)
	}
	return affected, nil
}

// AddEvent appends a subscription event record.
func (r *SubscriptionRepository) AddEvent(ctx context.Context, event *models.SubscriptionEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO subscription_events (id, user_id, platform, product_id, event_type, source, expiry_date, raw_payload, created_at) VALUES (:id, :user_id, :platform, :product_id, :event_type, :source, :expiry_date, :raw_payload, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("add subscription event: %w", err)
	}
	return nil
}

// MarkWebhookProcessed claims a webhook event id for processing. It returns
// false when another delivery already claimed the id, which is the duplicate
// signal for at-least-once providers.
func (r *SubscriptionRepository) MarkWebhookProcessed(ctx context.Context, provider, eventID string) (bool, error) {
	const query = `INSERT INTO webhook_events_processed (id, provider, event_id, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (provider, event_id) DO NOTHING`
	result, err := r.db.ExecContext(ctx, query, uuid.NewString(), provider, eventID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark webhook processed: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark webhook rows affected: %w", err)
	}
	return affected == 1, nil
}
