package bolt

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

func openTestRepo(t *testing.T, path string) *ReportRepository {
	t.Helper()
	repo, err := Open(path, 0o600, zap.NewNop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return repo
}

// ===== Tests =====

func TestReportRepositoryPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.db")
	ctx := context.Background()

	repo := openTestRepo(t, path)
	report := &domain.Report{
		RunID:      "run-1",
		Policy:     "greedy",
		Compliance: map[string]float64{"SLA2": 88},
		Violations: map[domain.ViolationKind]uint64{domain.ViolationIncompatible: 1},
		Digest:     "d1",
	}
	if err := repo.Save(ctx, report); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := repo.Save(ctx, report); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	repo = openTestRepo(t, path)
	defer repo.Close()

	got, err := repo.Get(ctx, report.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Policy != "greedy" || got.Compliance["SLA2"] != 88 || got.Violations[domain.ViolationIncompatible] != 1 {
		t.Errorf("unexpected report %+v", got)
	}
	if _, err := repo.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReportRepositoryList(t *testing.T) {
	repo := openTestRepo(t, filepath.Join(t.TempDir(), "reports.db"))
	defer repo.Close()
	ctx := context.Background()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		if err := repo.Save(ctx, &domain.Report{ID: id, CreatedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	list, err := repo.List(ctx, 2)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "new" || list[1].ID != "mid" {
		t.Errorf("unexpected list %v", list)
	}
}
