package workload

import (
	"errors"
	"testing"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

// ===== Tests =====

func TestGenerateIsDeterministic(t *testing.T) {
	cfg := DefaultConfig()
	a, err := Generate(cfg)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	b, _ := Generate(cfg)
	if len(a) != cfg.Tasks || len(b) != cfg.Tasks {
		t.Fatalf("expected %d tasks, got %d and %d", cfg.Tasks, len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("task %d differs between runs: %+v vs %+v", i, a[i], b[i])
		}
	}

	cfg.Seed = 2
	c, _ := Generate(cfg)
	same := true
	for i := range a {
		if a[i] != c[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("expected a different seed to change the workload")
	}
}

func TestGenerateRespectsRanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tasks = 500
	tasks, err := Generate(cfg)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	var last domain.Time
	for _, task := range tasks {
		if task.Arrival < last {
			t.Fatalf("task %d arrives before its predecessor", task.ID)
		}
		last = task.Arrival
		if task.Runtime < domain.FromDuration(cfg.MinRuntime) || task.Runtime > domain.FromDuration(cfg.MaxRuntime) {
			t.Errorf("task %d runtime %s out of range", task.ID, task.Runtime)
		}
		if task.MemoryMiB < cfg.MinMemoryMiB || task.MemoryMiB > cfg.MaxMemoryMiB {
			t.Errorf("task %d memory %d out of range", task.ID, task.MemoryMiB)
		}
		if !task.VMType.SupportsArch(task.Arch) {
			t.Errorf("task %d has %s guest on %s", task.ID, task.VMType, task.Arch)
		}
	}
}

func TestGenerateRejectsBadWeights(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ArchWeights = map[string]float64{"VAX": 1}
	if _, err := Generate(cfg); err == nil {
		t.Error("expected unknown architecture to fail")
	}

	cfg = DefaultConfig()
	cfg.SLAWeights = map[string]float64{"SLA0": 0}
	if _, err := Generate(cfg); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for zero weights, got %v", err)
	}
}

func TestTopology(t *testing.T) {
	specs, err := Topology(DefaultTopology())
	if err != nil {
		t.Fatalf("Topology failed: %v", err)
	}
	if len(specs) != 18 {
		t.Fatalf("expected 18 machines, got %d", len(specs))
	}
	if specs[0].Arch != domain.ArchX86 || specs[0].State != domain.PowerActive {
		t.Errorf("unexpected first machine %+v", specs[0])
	}
	if !specs[8].GPU || specs[8].State != domain.PowerStandby {
		t.Errorf("expected machine 8 to be a standby GPU machine, got %+v", specs[8])
	}

	if _, err := Topology([]MachineGroup{{Count: 1, Arch: "X86"}}); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for empty machine, got %v", err)
	}
	if _, err := Topology(nil); err == nil {
		t.Error("expected empty topology to fail")
	}
}

func TestSummarize(t *testing.T) {
	tasks, _ := Generate(DefaultConfig())
	s := Summarize(tasks)
	if s.Tasks != len(tasks) {
		t.Errorf("expected %d tasks, got %d", len(tasks), s.Tasks)
	}
	if s.MeanRuntime < 2 || s.MeanRuntime > 60 {
		t.Errorf("mean runtime %f outside generated range", s.MeanRuntime)
	}
	if s.P95Runtime < s.MeanRuntime {
		t.Errorf("p95 %f below mean %f", s.P95Runtime, s.MeanRuntime)
	}
	total := 0
	for _, n := range s.BySLA {
		total += n
	}
	if total != len(tasks) {
		t.Errorf("SLA breakdown covers %d of %d tasks", total, len(tasks))
	}
	if got := Summarize(nil); got.Tasks != 0 {
		t.Errorf("expected empty summary, got %+v", got)
	}
}
