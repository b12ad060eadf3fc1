package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
)

const defaultReportTTL = 10 * time.Minute

// reportCache is the part of Cache the report wrapper needs.
type reportCache interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

var _ scheduler.ReportRepository = (*CachedReportRepository)(nil)

// CachedReportRepository puts a read-through cache in front of another
// report repository. Reports never change once saved, so entries are only
// ever expired by TTL.
type CachedReportRepository struct {
	repo   scheduler.ReportRepository
	cache  reportCache
	ttl    time.Duration
	logger *zap.Logger
}

// NewCachedReportRepository wraps repo with the given cache.
func NewCachedReportRepository(repo scheduler.ReportRepository, cache *Cache, logger *zap.Logger) *CachedReportRepository {
	return newCachedReportRepository(repo, cache, cache.reportTTL, logger)
}

func newCachedReportRepository(repo scheduler.ReportRepository, cache reportCache, ttl time.Duration, logger *zap.Logger) *CachedReportRepository {
	return &CachedReportRepository{
		repo:   repo,
		cache:  cache,
		ttl:    ttl,
		logger: logger.With(zap.String("repository", "report-cache")),
	}
}

func reportKey(id string) string {
	return fmt.Sprintf("report:%s", id)
}

// Save stores the report in the backing repository, then caches it.
func (r *CachedReportRepository) Save(ctx context.Context, report *domain.Report) error {
	if err := r.repo.Save(ctx, report); err != nil {
		return err
	}
	if err := r.cache.Set(ctx, reportKey(report.ID), report, r.ttl); err != nil {
		r.logger.Warn("Failed to cache report", zap.String("id", report.ID), zap.Error(err))
	}
	return nil
}

// Get serves the report from cache, falling back to the backing repository.
func (r *CachedReportRepository) Get(ctx context.Context, id string) (*domain.Report, error) {
	var report domain.Report
	err := r.cache.Get(ctx, reportKey(id), &report)
	if err == nil {
		return &report, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		r.logger.Warn("Report cache unavailable", zap.String("id", id), zap.Error(err))
	}

	found, err := r.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := r.cache.Set(ctx, reportKey(id), found, r.ttl); err != nil {
		r.logger.Warn("Failed to cache report", zap.String("id", id), zap.Error(err))
	}
	return found, nil
}

// List always reads the backing repository.
func (r *CachedReportRepository) List(ctx context.Context, limit int) ([]*domain.Report, error) {
	return r.repo.List(ctx, limit)
}
