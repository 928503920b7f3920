package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RegisterRequest creates a password account.
type RegisterRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// LoginRequest authenticates a password account.
type LoginRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required"`
	Fingerprint string `json:"-"`
}

// FederatedLoginRequest signs in with a Google or Apple identity token.
type FederatedLoginRequest struct {
	Provider      AuthProvider `json:"provider" validate:"required,oneof=google apple"`
	IdentityToken string       `json:"identityToken" validate:"required"`
	Fingerprint   string       `json:"-"`
}

// RefreshRequest exchanges a refresh token for a fresh pair.
type RefreshRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
	Fingerprint  string `json:"-"`
}

// LogoutRequest revokes the presented refresh token session.
type LogoutRequest struct {
	RefreshToken string `json:"refreshToken" validate:"required"`
}

// TokenPairResponse returns issued tokens and the account they belong to.
type TokenPairResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresIn    int64     `json:"expiresIn"`
	User         UserInfo  `json:"user"`
	IssuedAt     time.Time `json:"issuedAt"`
}

// UserInfo describes the authenticated account in responses.
type UserInfo struct {
	ID          string       `json:"id"`
	Provider    AuthProvider `json:"provider"`
	Email       *string      `json:"email,omitempty"`
	DisplayName *string      `json:"displayName,omitempty"`
}

// AccessClaims is the JWT payload of access tokens.
type AccessClaims struct {
	UserID string `json:"uid"`
	jwt.RegisteredClaims
}

// RefreshToken is a persisted refresh token session. RevokedAt set means the
// token can no longer rotate; ReusedAt additionally marks a replay detection.
// ParentTokenID links rotations into a lineage.
type RefreshToken struct {
	ID            string     `db:"id" json:"id"`
	UserID        string     `db:"user_id" json:"userId"`
	Token         string     `db:"token" json:"-"`
	ExpiresAt     time.Time  `db:"expires_at" json:"expiresAt"`
	RevokedAt     *time.Time `db:"revoked_at" json:"revokedAt,omitempty"`
	ReusedAt      *time.Time `db:"reused_at" json:"reusedAt,omitempty"`
	Fingerprint   *string    `db:"fingerprint" json:"-"`
	ParentTokenID *string    `db:"parent_token_id" json:"-"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time  `db:"updated_at" json:"updatedAt"`
}
