package models

import (
	"encoding/json"
	"time"
)

// AuditLog is an append-only security event record.
type AuditLog struct {
	ID        string          `db:"id" json:"id"`
	UserID    *string         `db:"user_id" json:"userId,omitempty"`
	Action    string          `db:"action" json:"action"`
	Meta      json.RawMessage `db:"meta" json:"meta,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
}

// Audit actions recorded by the auth and billing flows.
const (
	AuditTokenReuse          = "refresh_token_reuse"
	AuditFingerprintMismatch = "refresh_fingerprint_mismatch"
	AuditSessionsRevoked     = "all_sessions_revoked"
	AuditWebhookRejected     = "webhook_signature_rejected"
	AuditWebhookUnknownUser  = "webhook_unknown_correlation"
	AuditAccountDeleted      = "account_deleted"
)
