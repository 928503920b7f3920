package models

import "time"

// JournalEntry is a stored journal record.
type JournalEntry struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// CreateJournalEntryRequest submits new journal content.
type CreateJournalEntryRequest struct {
	Content string `json:"content" validate:"required"`
}

// JournalListResponse returns a page of entries with storage accounting.
type JournalListResponse struct {
	Entries []JournalEntry `json:"entries"`
	Storage StorageUsage   `json:"storage"`
}
