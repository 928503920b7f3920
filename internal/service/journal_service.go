package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/kiroku-app/kiroku-api/internal/models"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
	"github.com/kiroku-app/kiroku-api/pkg/export"
)

type journalRepository interface {
	Create(ctx context.Context, entry *models.JournalEntry) error
	ListForUser(ctx context.Context, userID string, limit int) ([]models.JournalEntry, error)
	Delete(ctx context.Context, userID, entryID string) error
	TotalBytes(ctx context.Context, userID string) (int64, error)
}

// JournalService manages journal entries under the plan's storage limit.
type JournalService struct {
	journal      journalRepository
	entitlements *EntitlementService
	exporter     *export.PDFExporter
	metrics      *MetricsService
	validator    *validator.Validate
	logger       *zap.Logger
}

// NewJournalService constructs a JournalService instance.
func NewJournalService(journal journalRepository, entitlements *EntitlementService, exporter *export.PDFExporter, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *JournalService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if exporter == nil {
		exporter = export.NewPDFExporter()
	}
	return &JournalService{
		journal:      journal,
		entitlements: entitlements,
		exporter:     exporter,
		metrics:      metrics,
		validator:    validate,
		logger:       logger,
	}
}

// Create stores an entry after enforcing the free-plan storage limit. Pro and
// lifetime accounts are not limited.
func (s *JournalService) Create(ctx context.Context, userID string, req models.CreateJournalEntryRequest) (*models.JournalEntry, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid journal payload")
	}

	ent, err := s.entitlements.Compute(ctx, userID)
	if err != nil {
		return nil, err
	}
	usage, err := s.entitlements.StorageUsage(ctx, userID, ent)
	if err != nil {
		return nil, err
	}
	incoming := int64(len(req.Content))
	if usage.LimitBytes > 0 && usage.UsedBytes+incoming > usage.LimitBytes {
		return nil, appErrors.Clone(appErrors.ErrStorageLimitExceeded,
			fmt.Sprintf("storage limit exceeded: %d of %d bytes used", usage.UsedBytes, usage.LimitBytes)).
			WithDetails(map[string]interface{}{
				"currentBytes": usage.UsedBytes,
				"limitBytes":   usage.LimitBytes,
			})
	}

	entry := &models.JournalEntry{UserID: userID, Content: req.Content}
	if err := s.journal.Create(ctx, entry); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to store journal entry")
	}
	s.metrics.RecordJournalWrite(len(req.Content))
	return entry, nil
}

// List returns the user's entries with storage accounting.
func (s *JournalService) List(ctx context.Context, userID string, limit int) (*models.JournalListResponse, error) {
	entries, err := s.journal.ListForUser(ctx, userID, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list journal entries")
	}

	ent, err := s.entitlements.Compute(ctx, userID)
	if err != nil {
		return nil, err
	}
	usage, err := s.entitlements.StorageUsage(ctx, userID, ent)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.JournalEntry{}
	}
	return &models.JournalListResponse{Entries: entries, Storage: *usage}, nil
}

// Delete removes one entry owned by the user.
func (s *JournalService) Delete(ctx context.Context, userID, entryID string) error {
	if err := s.journal.Delete(ctx, userID, entryID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "journal entry not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete journal entry")
	}
	return nil
}

// ExportPDF renders the user's entries into a PDF document. Callers gate this
// behind the pro entitlement.
func (s *JournalService) ExportPDF(ctx context.Context, userID string) ([]byte, error) {
	entries, err := s.journal.ListForUser(ctx, userID, 500)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list journal entries")
	}

	items := make([]export.Entry, 0, len(entries))
	for _, entry := range entries {
		items = append(items, export.Entry{CreatedAt: entry.CreatedAt, Content: entry.Content})
	}
	title := "Journal Export " + time.Now().UTC().Format("2006-01-02")
	document, err := s.exporter.Render(title, items)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render journal export")
	}
	return document, nil
}
