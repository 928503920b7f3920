package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionRepositoryLatestForUser(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSubscriptionRepository(db)

	now := time.Now()
	expiry := now.Add(24 * time.Hour)
	rows := sqlmock.NewRows([]string{"id", "user_id", "platform", "product_id", "original_transaction_id", "purchase_token", "status", "expires_at", "latest_receipt", "will_renew", "created_at", "updated_at"}).
		AddRow("sub-1", "user-1", "ios", "pro.monthly", "tx-1", nil, "active", expiry, nil, true, now, now)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("user-1").
		WillReturnRows(rows)

	sub, err := repo.LatestForUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sub-1", sub.ID)
	require.NotNil(t, sub.WillRenew)
	assert.True(t, *sub.WillRenew)
}

func TestSubscriptionRepositoryExpireDue(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSubscriptionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE subscriptions SET status = 'expired', updated_at = NOW() WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < NOW()")).
		WillReturnResult(sqlmock.NewResult(0, 4))

	affected, err := repo.ExpireDue(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, affected)
}

func TestSubscriptionRepositoryMarkWebhookProcessed(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSubscriptionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhook_events_processed")).
		WithArgs(sqlmock.AnyArg(), "apple", "event-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	claimed, err := repo.MarkWebhookProcessed(context.Background(), "apple", "event-1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSubscriptionRepositoryMarkWebhookProcessedDuplicate(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewSubscriptionRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO webhook_events_processed")).
		WithArgs(sqlmock.AnyArg(), "apple", "event-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := repo.MarkWebhookProcessed(context.Background(), "apple", "event-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}
