package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
)

var _ scheduler.ReportRepository = (*ReportRepository)(nil)

// ReportRepository implements scheduler.ReportRepository using PostgreSQL.
type ReportRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewReportRepository creates a new PostgreSQL report repository.
func NewReportRepository(db *DB, logger *zap.Logger) *ReportRepository {
	return &ReportRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "report")),
	}
}

const reportColumns = `id, run_id, policy, finished_at_us, energy_joules,
	compliance, violations, violations_by_class,
	arrived, completed, placed, deferred, unplaced, rejections, migrations, power_requests,
	digest, created_at`

// Save stores a report.
func (r *ReportRepository) Save(ctx context.Context, report *domain.Report) error {
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}

	compliance, err := json.Marshal(report.Compliance)
	if err != nil {
		return fmt.Errorf("failed to marshal compliance: %w", err)
	}
	violations, err := json.Marshal(report.Violations)
	if err != nil {
		return fmt.Errorf("failed to marshal violations: %w", err)
	}
	byClass, err := json.Marshal(report.ViolationsByClass)
	if err != nil {
		return fmt.Errorf("failed to marshal violations by class: %w", err)
	}

	query := `INSERT INTO reports (` + reportColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	_, err = r.db.pool.Exec(ctx, query,
		report.ID, report.RunID, report.Policy, int64(report.FinishedAt), report.EnergyJoules,
		compliance, violations, byClass,
		int64(report.Arrived), int64(report.Completed), int64(report.Placed), int64(report.Deferred),
		int64(report.Unplaced), int64(report.Rejections), int64(report.Migrations), int64(report.PowerRequests),
		report.Digest, report.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("report %s: %w", report.ID, domain.ErrAlreadyExists)
		}
		r.logger.Error("Failed to save report", zap.String("id", report.ID), zap.Error(err))
		return fmt.Errorf("failed to save report: %w", err)
	}

	r.logger.Debug("Saved report", zap.String("id", report.ID), zap.String("run_id", report.RunID))
	return nil
}

// Get retrieves a report by ID.
func (r *ReportRepository) Get(ctx context.Context, id string) (*domain.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE id = $1`

	report, err := scanReport(r.db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("report %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return report, nil
}

// List returns the most recent reports first. A limit of zero or less
// returns all.
func (r *ReportRepository) List(ctx context.Context, limit int) ([]*domain.Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []*domain.Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

func scanReport(row pgx.Row) (*domain.Report, error) {
	var (
		report                          domain.Report
		finishedAt                      int64
		compliance, violations, byClass []byte
		arrived, completed, placed      int64
		deferred, unplaced, rejections  int64
		migrations, powerRequests       int64
	)
	err := row.Scan(
		&report.ID, &report.RunID, &report.Policy, &finishedAt, &report.EnergyJoules,
		&compliance, &violations, &byClass,
		&arrived, &completed, &placed, &deferred, &unplaced, &rejections, &migrations, &powerRequests,
		&report.Digest, &report.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	report.FinishedAt = domain.Time(finishedAt)
	report.Arrived = uint64(arrived)
	report.Completed = uint64(completed)
	report.Placed = uint64(placed)
	report.Deferred = uint64(deferred)
	report.Unplaced = uint64(unplaced)
	report.Rejections = uint64(rejections)
	report.Migrations = uint64(migrations)
	report.PowerRequests = uint64(powerRequests)

	if err := json.Unmarshal(compliance, &report.Compliance); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compliance: %w", err)
	}
	if err := json.Unmarshal(violations, &report.Violations); err != nil {
		return nil, fmt.Errorf("failed to unmarshal violations: %w", err)
	}
	if err := json.Unmarshal(byClass, &report.ViolationsByClass); err != nil {
		return nil, fmt.Errorf("failed to unmarshal violations by class: %w", err)
	}
	return &report, nil
}

// isUniqueViolation checks if the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
