package etcd

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/config"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
)

// ===== Tests =====

func TestNewCheckpoint(t *testing.T) {
	snap := scheduler.Snapshot{
		Report: domain.Report{
			RunID:        "run-9",
			Policy:       "eeco",
			FinishedAt:   domain.Time(5_000_000),
			EnergyJoules: 1200,
			Arrived:      10,
			Completed:    7,
			Violations: map[domain.ViolationKind]uint64{
				domain.ViolationCapacity:     2,
				domain.ViolationIncompatible: 1,
			},
			Digest: "abc",
		},
		Machines: []scheduler.MachineStatus{
			{MachineInfo: domain.MachineInfo{ID: 0, State: domain.PowerActive}, Tier: "running"},
			{MachineInfo: domain.MachineInfo{ID: 1, State: domain.PowerActive}, Tier: "running"},
			{MachineInfo: domain.MachineInfo{ID: 2, State: domain.PowerStandby}, Tier: "intermediate"},
		},
		Pending: scheduler.PendingWork{Power: 1},
	}
	at := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	cp := NewCheckpoint(snap, at)
	if cp.RunID != "run-9" || cp.SimTime != domain.Time(5_000_000) || cp.Violations != 3 {
		t.Errorf("unexpected checkpoint %+v", cp)
	}
	if cp.Tiers["running"] != 2 || cp.Tiers["intermediate"] != 1 {
		t.Errorf("unexpected tiers %v", cp.Tiers)
	}
	if cp.States["ACTIVE"] != 2 || cp.States["STANDBY"] != 1 {
		t.Errorf("unexpected states %v", cp.States)
	}
	if names := cp.TierNames(); len(names) != 2 || names[0] != "intermediate" {
		t.Errorf("unexpected tier names %v", names)
	}
	if cp.Pending.Power != 1 || !cp.UpdatedAt.Equal(at) {
		t.Errorf("unexpected pending or time: %+v", cp)
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	endpoint := os.Getenv("CLOUDSIM_TEST_ETCD_ENDPOINT")
	if endpoint == "" {
		t.Skip("CLOUDSIM_TEST_ETCD_ENDPOINT not set")
	}

	client, err := NewClient(config.EtcdConfig{
		Endpoints:     []string{endpoint},
		DialTimeout:   5 * time.Second,
		CheckpointKey: "/cloudsim/test/checkpoint",
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	defer client.Close()

	ctx := context.Background()
	if err := client.Delete(ctx, "/cloudsim/test/checkpoint"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := client.LoadCheckpoint(ctx); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	want := Checkpoint{RunID: "r", Policy: "greedy", Completed: 4, Tiers: map[string]int{"running": 3}}
	if err := client.SaveCheckpoint(ctx, want); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	got, err := client.LoadCheckpoint(ctx)
	if err != nil {
		t.Fatalf("LoadCheckpoint failed: %v", err)
	}
	if got.RunID != "r" || got.Completed != 4 || got.Tiers["running"] != 3 {
		t.Errorf("unexpected checkpoint %+v", got)
	}
}
