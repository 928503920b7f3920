package models

import "time"

// AuthProvider identifies how an account was established.
type AuthProvider string

const (
	ProviderPassword AuthProvider = "password"
	ProviderGoogle   AuthProvider = "google"
	ProviderApple    AuthProvider = "apple"
)

// User represents an account stored in the users table. Password accounts have
// a hash; federated accounts key on (provider, provider_subject) instead.
type User struct {
	ID              string    `db:"id" json:"id"`
	Provider        AuthProvider `db:"provider" json:"provider"`
	ProviderSubject string    `db:"provider_subject" json:"-"`
	Email           *string   `db:"email" json:"email,omitempty"`
	DisplayName     *string   `db:"display_name" json:"displayName,omitempty"`
	PasswordHash    *string   `db:"password_hash" json:"-"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}
