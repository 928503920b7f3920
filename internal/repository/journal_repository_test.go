package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJournalRepositoryTotalBytes(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewJournalRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(SUM(OCTET_LENGTH(content)), 0) FROM journal_entries WHERE user_id = $1")).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(2048))

	total, err := repo.TotalBytes(context.Background(), "user-1")
	require.NoError(t, err)
	assert.EqualValues(t, 2048, total)
}

func TestJournalRepositoryListForUser(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewJournalRepository(db)

	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "content", "created_at", "updated_at"}).
		AddRow("entry-1", "user-1", "first", now, now).
		AddRow("entry-2", "user-1", "second", now, now)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT")).
		WithArgs("user-1", 100).
		WillReturnRows(rows)

	entries, err := repo.ListForUser(context.Background(), "user-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Content)
}

func TestJournalRepositoryDeleteNotOwned(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewJournalRepository(db)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM journal_entries WHERE id = $1 AND user_id = $2")).
		WithArgs("entry-1", "user-2").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), "user-2", "entry-1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
