package scheduler

import (
	"context"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

// ReportRepository stores end-of-run reports.
type ReportRepository interface {
	// Save stores a report. Saving an existing ID returns ErrAlreadyExists.
	Save(ctx context.Context, report *domain.Report) error

	// Get retrieves a report by ID.
	Get(ctx context.Context, id string) (*domain.Report, error)

	// List returns the most recent reports, newest first.
	List(ctx context.Context, limit int) ([]*domain.Report, error)
}
