package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/kiroku-app/kiroku-api/internal/models"
)

// ErrRotationConflict reports that the presented refresh token was already
// rotated or revoked by the time the conditional update ran. A concurrent
// rotation race resolves to exactly one winner; every loser sees this error.
var ErrRotationConflict = errors.New("refresh token already rotated")

// TokenRepository provides database access for refresh token sessions and the
// access token revocation list.
type TokenRepository struct {
	db *sqlx.DB
}

// NewTokenRepository creates a new instance of TokenRepository.
func NewTokenRepository(db *sqlx.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const refreshTokenColumns = `id, user_id, token, expires_at, revoked_at, reused_at, fingerprint, parent_token_id, created_at, updated_at`

// Create persists a refresh token session.
func (r *TokenRepository) Create(ctx context.Context, token *models.RefreshToken) error {
	if token.ID == "" {
		token.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	const query = `INSERT INTO refresh_tokens (id, user_id, token, expires_at, revoked_at, reused_at, fingerprint, parent_token_id, created_at, updated_at) VALUES (:id, :user_id, :token, :expires_at, :revoked_at, :reused_at, :fingerprint, :parent_token_id, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, token); err != nil {
		return fmt.Errorf("create refresh token: %w", err)
	}
	return nil
}

// FindByToken returns a refresh token session by token string.
func (r *TokenRepository) FindByToken(ctx context.Context, token string) (*models.RefreshToken, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token = $1 LIMIT 1`
	var rt models.RefreshToken
	if err := r.db.GetContext(ctx, &rt, query, token); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("find refresh token: %w", err)
	}
	return &rt, nil
}

// Rotate revokes the presented token and persists its successor in one
// transaction. The revocation is conditional on the token still being live,
// so concurrent rotations of the same token produce a single winner.
func (r *TokenRepository) Rotate(ctx context.Context, oldToken string, next *models.RefreshToken) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rotate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx, `UPDATE refresh_tokens SET revoked_at = $2, updated_at = $2 WHERE token = $1 AND revoked_at IS NULL`, oldToken, now)
	if err != nil {
		return fmt.Errorf("revoke rotated token: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rotate rows affected: %w", err)
	}
	if affected != 1 {
		return ErrRotationConflict
	}

	if next.ID == "" {
		next.ID = uuid.NewString()
	}
	next.CreatedAt = now
	next.UpdatedAt = now
	const insert = `INSERT INTO refresh_tokens (id, user_id, token, expires_at, revoked_at, reused_at, fingerprint, parent_token_id, created_at, updated_at) VALUES (:id, :user_id, :token, :expires_at, :revoked_at, :reused_at, :fingerprint, :parent_token_id, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insert, next); err != nil {
		return fmt.Errorf("insert rotated token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rotate: %w", err)
	}
	return nil
}

// Revoke marks one session as revoked.
func (r *TokenRepository) Revoke(ctx context.Context, id string) error {
	const query = `UPDATE refresh_tokens SET revoked_at = $2, updated_at = $2 WHERE id = $1 AND revoked_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// MarkReused stamps a session as replayed. The session stays revoked.
func (r *TokenRepository) MarkReused(ctx context.Context, id string) error {
	const query = `UPDATE refresh_tokens SET reused_at = COALESCE(reused_at, $2), revoked_at = COALESCE(revoked_at, $2), updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark refresh token reused: %w", err)
	}
	return nil
}

// RevokeAllForUser revokes every live session of a user and reports how many
// were affected.
func (r *TokenRepository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	const query = `UPDATE refresh_tokens SET revoked_at = $2, updated_at = $2 WHERE user_id = $1 AND revoked_at IS NULL`
	result, err := r.db.ExecContext(ctx, query, userID, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user tokens rows affected: %w", err)
	}
	return affected, nil
}

// RevokeJTI adds an access token id to the revocation list.
func (r *TokenRepository) RevokeJTI(ctx context.Context, jti, userID string) error {
	const query = `INSERT INTO revoked_jtis (jti, user_id, revoked_at) VALUES ($1, $2, $3) ON CONFLICT (jti) DO NOTHING`
	if _, err := r.db.ExecContext(ctx, query, jti, userID, time.Now().UTC()); err != nil {
		return fmt.Errorf("revoke jti: %w", err)
	}
	return nil
}

// IsJTIRevoked reports whether an access token id has been revoked.
func (r *TokenRepository) IsJTIRevoked(ctx context.Context, jti string) (bool, error) {
	const query = `SELECT COUNT(*) FROM revoked_jtis WHERE jti = $1`
	var count int
	if err := r.db.GetContext(ctx, &count, query, jti); err != nil {
		return false, fmt.Errorf("check revoked jti: %w", err)
	}
	return count > 0, nil
}
