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

// JournalRepository provides database access for journal entries and storage
// accounting.
type JournalRepository struct {
	db *sqlx.DB
}

// NewJournalRepository creates a new instance of JournalRepository.
func NewJournalRepository(db *sqlx.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// Create inserts a journal entry.
func (r *JournalRepository) Create(ctx context.Context, entry *models.JournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	const query = `INSERT INTO journal_entries (id, user_id, content, created_at, updated_at) VALUES (:id, :user_id, :content, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("create journal entry: %w", err)
	}
	return nil
}

// ListForUser returns a user's entries, newest first.
func (r *JournalRepository) ListForUser(ctx context.Context, userID string, limit int) ([]models.JournalEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	const query = `SELECT id, user_id, content, created_at, updated_at FROM journal_entries WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`
	var entries []models.JournalEntry
	if err := r.db.SelectContext(ctx, &entries, query, userID, limit); err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	return entries, nil
}

// Delete removes one entry owned by the user.
func (r *JournalRepository) Delete(ctx context.Context, userID, entryID string) error {
	const query = `DELETE FROM journal_entries WHERE id = $1 AND user_id = $2`
	result, err := r.db.ExecContext(ctx, query, entryID, userID)
	if err != nil {
		return fmt.Errorf("delete journal entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete journal rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// TotalBytes reports the stored content size for a user.
func (r *JournalRepository) TotalBytes(ctx context.Context, userID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(OCTET_LENGTH(content)), 0) FROM journal_entries WHERE user_id = $1`
	var total int64
	if err := r.db.GetContext(ctx, &total, query, userID); err != nil {
		return 0, fmt.Errorf("journal total bytes: %w", err)
	}
	return total, nil
}
