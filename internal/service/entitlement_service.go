package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kiroku-app/kiroku-api/internal/models"
	appErrors "github.com/kiroku-app/kiroku-api/pkg/errors"
)

type journalUsageRepository interface {
	TotalBytes(ctx context.Context, userID string) (int64, error)
}

// EntitlementConfig carries plan limits.
type EntitlementConfig struct {
	LifetimeProductIDs []string
	FreeStorageBytes   int64
}

// EntitlementService derives what an account may use from its latest
// subscription row.
type EntitlementService struct {
	subs    subscriptionRepository
	journal journalUsageRepository
	logger  *zap.Logger
	config  EntitlementConfig
}

// NewEntitlementService constructs an EntitlementService instance.
func NewEntitlementService(subs subscriptionRepository, journal journalUsageRepository, logger *zap.Logger, config EntitlementConfig) *EntitlementService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EntitlementService{subs: subs, journal: journal, logger: logger, config: config}
}

func (s *EntitlementService) isLifetime(productID string) bool {
	for _, id := range s.config.LifetimeProductIDs {
		if id != "" && id == productID {
			return true
		}
	}
	return false
}

// Compute returns the entitlement snapshot for a user. A lifetime product is
// always entitled; otherwise an active or canceled-but-unexpired subscription
// grants pro.
func (s *EntitlementService) Compute(ctx context.Context, userID string) (*models.Entitlements, error) {
	row, err := s.subs.LatestForUser(ctx, userID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subscription")
	}

	tier := models.TierFree
	isPro := false
	isLifetime := false
	if row != nil {
		productID := ""
		if row.ProductID != nil {
			productID = *row.ProductID
		}
		expired := row.ExpiresAt != nil && row.ExpiresAt.Before(nowUTC())
		if s.isLifetime(productID) {
			isLifetime = true
			isPro = true
			tier = models.TierLifetime
		} else if !expired && (row.Status == models.StatusActive || row.Status == models.StatusCanceled) {
			isPro = true
			tier = models.TierPro
		}
	}

	entitled := isPro || isLifetime
	return &models.Entitlements{
		Tier:       tier,
		IsPro:      isPro,
		IsLifetime: isLifetime,
		Capabilities: models.Capabilities{
			CanTag:            entitled,
			CanStats:          entitled,
			CanCalendarExtras: entitled,
		},
	}, nil
}

// Snapshot extends Compute with storage accounting.
func (s *EntitlementService) Snapshot(ctx context.Context, userID string) (*models.EntitlementsResponse, error) {
	ent, err := s.Compute(ctx, userID)
	if err != nil {
		return nil, err
	}
	usage, err := s.StorageUsage(ctx, userID, ent)
	if err != nil {
		return nil, err
	}
	return &models.EntitlementsResponse{Entitlements: *ent, Storage: *usage}, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// StorageUsage reports consumed bytes against the plan limit. Pro and
// lifetime plans are unlimited.
func (s *EntitlementService) StorageUsage(ctx context.Context, userID string, ent *models.Entitlements) (*models.StorageUsage, error) {
	used, err := s.journal.TotalBytes(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to compute storage usage")
	}
	limit := s.config.FreeStorageBytes
	if ent != nil && (ent.IsPro || ent.IsLifetime) {
		limit = 0
	}
	return &models.StorageUsage{UsedBytes: used, LimitBytes: limit}, nil
}
