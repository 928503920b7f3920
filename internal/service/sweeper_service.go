package service

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type expiryRepository interface {
	ExpireDue(ctx context.Context) (int64, error)
}

// SweeperService periodically flips overdue active subscriptions to expired,
// so entitlement reads never depend on a lazy check having run.
type SweeperService struct {
	subs     expiryRepository
	metrics  *MetricsService
	logger   *zap.Logger
	interval time.Duration
}

// NewSweeperService constructs a SweeperService instance.
func NewSweeperService(subs expiryRepository, metrics *MetricsService, logger *zap.Logger, interval time.Duration) *SweeperService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &SweeperService{subs: subs, metrics: metrics, logger: logger, interval: interval}
}

// RunOnce performs a single sweep and returns the number of rows expired.
func (s *SweeperService) RunOnce(ctx context.Context) (int64, error) {
	count, err := s.subs.ExpireDue(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.metrics.RecordExpirySweep(count)
		s.logger.Info("expired overdue subscriptions", zap.Int64("count", count))
	}
	return count, nil
}

// Start runs the sweep loop until the context is canceled.
func (s *SweeperService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("subscription expiry sweep failed", zap.Error(err))
			}
		}
	}
}
