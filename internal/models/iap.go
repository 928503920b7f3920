package models

import "time"

// Tier is the entitlement level derived from subscription state.
type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierLifetime Tier = "lifetime"
)

// VerifyPurchaseRequest submits a store receipt or purchase token. Receipt
// carries the Apple receipt for ios and the purchase token for android.
type VerifyPurchaseRequest struct {
	Platform  string `json:"platform" validate:"required,oneof=ios android"`
	Receipt   string `json:"receipt" validate:"required"`
	ProductID string `json:"productId,omitempty"`
}

// VerifyResult is the normalized outcome of a store-side receipt check.
type VerifyResult struct {
	Valid                 bool
	ProductID             string
	ExpiresAt             *time.Time
	OriginalTransactionID string
	PurchaseToken         string
	Environment           string
	ErrorCode             string
}

// VerifyPurchaseResponse is the verify endpoint's data payload.
type VerifyPurchaseResponse struct {
	IsPro      bool       `json:"isPro"`
	ProductID  string     `json:"productId,omitempty"`
	ExpiryDate *time.Time `json:"expiryDate,omitempty"`
	Status     string     `json:"status"`
	Source     Platform   `json:"source"`
	WillRenew  bool       `json:"willRenew"`
	IsLifetime bool       `json:"isLifetime"`
}

// SubscriptionStatusResponse is the iap status endpoint's data payload.
type SubscriptionStatusResponse struct {
	IsPro          bool       `json:"isPro"`
	Status         string     `json:"status"`
	ProductID      string     `json:"productId,omitempty"`
	ExpiryDate     *time.Time `json:"expiryDate,omitempty"`
	Source         Platform   `json:"source,omitempty"`
	WillRenew      bool       `json:"willRenew"`
	IsCanceled     bool       `json:"isCanceled"`
	IsLifetime     bool       `json:"isLifetime"`
	Tier           Tier       `json:"tier"`
	UpcomingExpiry bool       `json:"upcomingExpiry"`
}

// Capabilities are the feature switches gated on pro entitlement.
type Capabilities struct {
	CanTag            bool `json:"canTag"`
	CanStats          bool `json:"canStats"`
	CanCalendarExtras bool `json:"canCalendarExtras"`
}

// Entitlements is the computed snapshot of what the account may use.
type Entitlements struct {
	Tier         Tier         `json:"tier"`
	IsPro        bool         `json:"isPro"`
	IsLifetime   bool         `json:"isLifetime"`
	Capabilities Capabilities `json:"capabilities"`
}

// StorageUsage reports journal storage consumption against the plan limit.
// LimitBytes <= 0 means unlimited.
type StorageUsage struct {
	UsedBytes  int64 `json:"usedBytes"`
	LimitBytes int64 `json:"limitBytes"`
}

// EntitlementsResponse is the entitlements endpoint's data payload.
type EntitlementsResponse struct {
	Entitlements
	Storage StorageUsage `json:"storage"`
}
