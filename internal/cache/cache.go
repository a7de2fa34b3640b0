package cache

import (
	"context"
	"time"

	"ardoise/internal/domain"
)

type ReportCache interface {
	Get(ctx context.Context, key string) (*domain.WeeklyStats, bool, error)
	Set(ctx context.Context, key string, value *domain.WeeklyStats, ttl time.Duration) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.WeeklyStats, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ *domain.WeeklyStats, _ time.Duration) error {
	return nil
}
