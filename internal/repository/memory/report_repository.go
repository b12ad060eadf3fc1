// Package memory provides in-memory implementations of repository interfaces.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
)

var _ scheduler.ReportRepository = (*ReportRepository)(nil)

// ReportRepository is an in-memory implementation of scheduler.ReportRepository.
type ReportRepository struct {
	mu      sync.RWMutex
	reports map[string]*domain.Report
}

// NewReportRepository creates a new in-memory report repository.
func NewReportRepository() *ReportRepository {
	return &ReportRepository{
		reports: make(map[string]*domain.Report),
	}
}

// Save stores a report. Reports are immutable once saved.
func (r *ReportRepository) Save(_ context.Context, report *domain.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	if _, ok := r.reports[report.ID]; ok {
		return fmt.Errorf("report %s: %w", report.ID, domain.ErrAlreadyExists)
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}

	r.reports[report.ID] = clone(report)
	return nil
}

// Get retrieves a report by ID.
func (r *ReportRepository) Get(_ context.Context, id string) (*domain.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	report, ok := r.reports[id]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", id, domain.ErrNotFound)
	}
	return clone(report), nil
}

// List returns the most recent reports first, at most limit of them. A
// limit of zero or less returns all.
func (r *ReportRepository) List(_ context.Context, limit int) ([]*domain.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Report, 0, len(r.reports))
	for _, report := range r.reports {
		result = append(result, clone(report))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func clone(r *domain.Report) *domain.Report {
	c := *r
	c.Compliance = maps.Clone(r.Compliance)
	c.Violations = maps.Clone(r.Violations)
	c.ViolationsByClass = maps.Clone(r.ViolationsByClass)
	return &c
}
