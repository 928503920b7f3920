package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroku-app/kiroku-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	cleanup := func() {
		_ = sqlxDB.Close()
		db.Close()
	}
	return sqlxDB, mock, cleanup
}

func TestTokenRepositoryRotateSingleWinner(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked_at = $2, updated_at = $2 WHERE token = $1 AND revoked_at IS NULL")).
		WithArgs("old-token", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO refresh_tokens")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	parent := "parent-id"
	err := repo.Rotate(context.Background(), "old-token", &models.RefreshToken{
		UserID:        "user-1",
		Token:         "new-token",
		ExpiresAt:     time.Now().Add(time.Hour),
		ParentTokenID: &parent,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepositoryRotateConflict(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked_at = $2, updated_at = $2 WHERE token = $1 AND revoked_at IS NULL")).
		WithArgs("old-token", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Rotate(context.Background(), "old-token", &models.RefreshToken{
		UserID:    "user-1",
		Token:     "new-token",
		ExpiresAt: time.Now().Add(time.Hour),
	})
	assert.ErrorIs(t, err, ErrRotationConflict)
}

func TestTokenRepositoryRevokeAllForUser(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE refresh_tokens SET revoked_at = $2, updated_at = $2 WHERE user_id = $1 AND revoked_at IS NULL")).
		WithArgs("user-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	affected, err := repo.RevokeAllForUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, affected)
}

func TestTokenRepositoryFindByToken(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "token", "expires_at", "revoked_at", "reused_at", "fingerprint", "parent_token_id", "created_at", "updated_at"}).
		AddRow("token-1", "user-1", "secret", now.Add(time.Hour), nil, nil, nil, nil, now, now)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("secret").
		WillReturnRows(rows)

	rt, err := repo.FindByToken(context.Background(), "secret")
	require.NoError(t, err)
	assert.Equal(t, "user-1", rt.UserID)
	assert.Nil(t, rt.RevokedAt)
}

func TestTokenRepositoryIsJTIRevoked(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewTokenRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM revoked_jtis WHERE jti = $1")).
		WithArgs("jti-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	revoked, err := repo.IsJTIRevoked(context.Background(), "jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)
}
