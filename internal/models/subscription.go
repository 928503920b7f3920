package models

import (
	"encoding/json"
	"time"
)

// Platform identifies the store a purchase came from. Client requests say
// ios/android; rows store the owning provider.
type Platform string

const (
	PlatformApple  Platform = "apple"
	PlatformGoogle Platform = "google"
)

// SubscriptionStatus is the stored lifecycle state of a subscription row.
type SubscriptionStatus string

const (
	StatusActive   SubscriptionStatus = "active"
	StatusExpired  SubscriptionStatus = "expired"
	StatusCanceled SubscriptionStatus = "canceled"
)

// EventSource records which ingestion path produced a subscription event.
type EventSource string

const (
	SourceVerify        EventSource = "verify"
	SourceAppleWebhook  EventSource = "apple_webhook"
	SourceGoogleWebhook EventSource = "google_rtdn"
	SourceSweeper       EventSource = "sweeper"
)

// Subscription is the per-user purchase state. The latest row by updated_at is
// the unit of truth for entitlement decisions.
type Subscription struct {
	ID                    string             `db:"id" json:"id"`
	UserID                string             `db:"user_id" json:"userId"`
	Platform              Platform           `db:"platform" json:"platform"`
	ProductID             *string            `db:"product_id" json:"productId,omitempty"`
	OriginalTransactionID *string            `db:"original_transaction_id" json:"-"`
	PurchaseToken         *string            `db:"purchase_token" json:"-"`
	Status                SubscriptionStatus `db:"status" json:"status"`
	ExpiresAt             *time.Time         `db:"expires_at" json:"expiresAt,omitempty"`
	LatestReceipt         *string            `db:"latest_receipt" json:"-"`
	WillRenew             *bool              `db:"will_renew" json:"willRenew,omitempty"`
	CreatedAt             time.Time          `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time          `db:"updated_at" json:"updatedAt"`
}

// SubscriptionEvent is an append-only audit record of every state-affecting
// notification or verification.
type SubscriptionEvent struct {
	ID         string          `db:"id" json:"id"`
	UserID     string          `db:"user_id" json:"userId"`
	Platform   Platform        `db:"platform" json:"platform"`
	ProductID  *string         `db:"product_id" json:"productId,omitempty"`
	EventType  string          `db:"event_type" json:"eventType"`
	Source     EventSource     `db:"source" json:"source"`
	ExpiryDate *time.Time      `db:"expiry_date" json:"expiryDate,omitempty"`
	RawPayload json.RawMessage `db:"raw_payload" json:"rawPayload,omitempty"`
	CreatedAt  time.Time       `db:"created_at" json:"createdAt"`
}
