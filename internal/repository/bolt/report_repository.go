// Package bolt provides a single-file report store backed by BoltDB.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/boltdb/bolt"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
)

var _ scheduler.ReportRepository = (*ReportRepository)(nil)

var reportsBucket = []byte("reports")

// ReportRepository stores reports as JSON values keyed by report ID.
type ReportRepository struct {
	db     *bolt.DB
	logger *zap.Logger
}

// Open opens (or creates) the database file at path.
func Open(path string, mode os.FileMode, logger *zap.Logger) (*ReportRepository, error) {
	db, err := bolt.Open(path, mode, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(reportsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	logger.Info("Opened report store", zap.String("path", path))
	return &ReportRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "report")),
	}, nil
}

// Close closes the database file.
func (r *ReportRepository) Close() error {
	return r.db.Close()
}

// Save stores a report.
func (r *ReportRepository) Save(_ context.Context, report *domain.Report) error {
	if report.ID == "" {
		report.ID = uuid.New().String()
	}
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now()
	}
	buf, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	return r.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(reportsBucket)
		if b.Get([]byte(report.ID)) != nil {
			return fmt.Errorf("report %s: %w", report.ID, domain.ErrAlreadyExists)
		}
		return b.Put([]byte(report.ID), buf)
	})
}

// Get retrieves a report by ID.
func (r *ReportRepository) Get(_ context.Context, id string) (*domain.Report, error) {
	var report domain.Report
	err := r.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(reportsBucket).Get([]byte(id))
		if raw == nil {
			return fmt.Errorf("report %s: %w", id, domain.ErrNotFound)
		}
		return json.Unmarshal(raw, &report)
	})
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// List returns the most recent reports first. A limit of zero or less
// returns all.
func (r *ReportRepository) List(_ context.Context, limit int) ([]*domain.Report, error) {
	var reports []*domain.Report
	err := r.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(reportsBucket).ForEach(func(k, v []byte) error {
			var report domain.Report
			if err := json.Unmarshal(v, &report); err != nil {
				r.logger.Warn("Skipping unreadable report", zap.ByteString("id", k), zap.Error(err))
				return nil
			}
			reports = append(reports, &report)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].CreatedAt.Equal(reports[j].CreatedAt) {
			return reports[i].CreatedAt.After(reports[j].CreatedAt)
		}
		return reports[i].ID < reports[j].ID
	})
	if limit > 0 && len(reports) > limit {
		reports = reports[:limit]
	}
	return reports, nil
}
