package placement

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/cluster"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/cluster/clustertest"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/power"
)

type fixture struct {
	harness *clustertest.Harness
	catalog *cluster.Catalog
	power   *power.Manager
	ledger  *cluster.Ledger
	placer  *Placer
}

func newFixture(t *testing.T, ranker Ranker, machines ...domain.MachineInfo) *fixture {
	t.Helper()
	h := clustertest.New(machines...)
	c := cluster.NewCatalog(h, zap.NewNop())
	cfg := power.DefaultConfig()
	pm, err := power.NewManager(c, cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	l := cluster.NewLedger(10)
	return &fixture{harness: h, catalog: c, power: pm, ledger: l, placer: New(c, pm, ranker, l, zap.NewNop())}
}

func (f *fixture) task(id domain.TaskID, arch domain.CPUArch, mem uint64) domain.TaskInfo {
	t := domain.TaskInfo{ID: id, Arch: arch, VMType: domain.VMLinux, MemoryMiB: mem, SLA: domain.SLA1}
	f.harness.AddTask(t)
	return t
}

// ===== Tests =====

func TestPlaceOnActiveMachine(t *testing.T) {
	f := newFixture(t, LeastLoaded{},
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerActive),
	)
	f.task(1, domain.ArchX86, 100)

	res := f.placer.Place(0, 1)
	if res.Outcome != Placed || res.Machine != 0 {
		t.Fatalf("expected placement on machine 0, got %+v", res)
	}
	if got := f.harness.MachineInfo(0).MemoryUsedMiB; got != 100 {
		t.Errorf("expected 100 MiB used, got %d", got)
	}
	if err := f.catalog.Check(); err != nil {
		t.Errorf("invariants violated: %v", err)
	}
}

func TestPlaceUnknownTaskIsDropped(t *testing.T) {
	f := newFixture(t, LeastLoaded{}, clustertest.Machine(domain.ArchX86, 1024, domain.PowerActive))
	res := f.placer.Place(0, 42)
	if res.Outcome != Dropped || !errors.Is(res.Err, domain.ErrNotFound) {
		t.Errorf("expected dropped unknown task, got %+v", res)
	}
	if f.ledger.Total() != 0 {
		t.Error("unknown task must not count as a violation")
	}
}

func TestPlaceIncompatibleArchIsViolation(t *testing.T) {
	f := newFixture(t, LeastLoaded{},
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerActive),
		clustertest.Machine(domain.ArchARM, 1024, domain.PowerActive),
	)
	f.task(1, domain.ArchRISCV, 100)

	res := f.placer.Place(0, 1)
	if res.Outcome != Violated || res.Kind != domain.ViolationIncompatible {
		t.Fatalf("expected incompatible violation, got %+v", res)
	}
	if f.ledger.Total() != 1 {
		t.Errorf("expected violation counter 1, got %d", f.ledger.Total())
	}
	if !errors.Is(res.Err, domain.ErrIncompatible) {
		t.Errorf("expected ErrIncompatible, got %v", res.Err)
	}
}

func TestPlaceSecondTaskElsewhereWhenFull(t *testing.T) {
	f := newFixture(t, FirstFit{},
		clustertest.Machine(domain.ArchX86, 256, domain.PowerActive),
		clustertest.Machine(domain.ArchX86, 256, domain.PowerActive),
	)
	f.task(1, domain.ArchX86, 200)
	f.task(2, domain.ArchX86, 200)

	first := f.placer.Place(0, 1)
	second := f.placer.Place(0, 2)
	if first.Machine == second.Machine && second.Outcome == Placed {
		t.Fatalf("both 200 MiB tasks placed on one 256 MiB machine")
	}
	if second.Outcome != Placed || second.Machine != 1 {
		t.Errorf("expected second task on machine 1, got %+v", second)
	}
	for _, id := range f.catalog.MachineIDs() {
		if f.catalog.UsedMiB(id) > f.catalog.Machine(id).MemoryMiB {
			t.Errorf("machine %d over capacity", id)
		}
	}
}

func TestPlaceCapacityViolationWhenNoRoom(t *testing.T) {
	f := newFixture(t, FirstFit{}, clustertest.Machine(domain.ArchX86, 256, domain.PowerActive))
	f.task(1, domain.ArchX86, 200)
	f.task(2, domain.ArchX86, 200)

	f.placer.Place(0, 1)
	res := f.placer.Place(0, 2)
	if res.Outcome != Violated || res.Kind != domain.ViolationCapacity {
		t.Errorf("expected capacity violation, got %+v", res)
	}
}

func TestPlaceRejectedTriesNextCandidate(t *testing.T) {
	f := newFixture(t, FirstFit{},
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerActive),
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerActive),
	)
	f.task(1, domain.ArchX86, 100)
	f.harness.Reject[1] = true
	res := f.placer.Place(0, 1)
	if res.Outcome == Placed {
		t.Fatalf("expected no placement while the harness rejects, got %+v", res)
	}
	if f.ledger.Rejections() != 2 {
		t.Errorf("expected both candidates tried, got %d rejections", f.ledger.Rejections())
	}
}

func TestPlaceDefersOntoStandbyMachine(t *testing.T) {
	f := newFixture(t, LeastLoaded{},
		clustertest.Machine(domain.ArchX86, 128, domain.PowerActive),
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerStandby),
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerOff),
	)
	f.task(1, domain.ArchX86, 512)

	res := f.placer.Place(0, 1)
	if res.Outcome != Deferred || res.Machine != 1 || res.Stage != "standby" {
		t.Fatalf("expected deferral onto standby machine 1, got %+v", res)
	}
	if state, ok := f.harness.PendingPower(1); !ok || state != domain.PowerActive {
		t.Errorf("expected activation request for machine 1")
	}
	if f.catalog.ReservedMiB(1) != 512 {
		t.Errorf("expected 512 MiB reserved, got %d", f.catalog.ReservedMiB(1))
	}

	// A second task joins the activating machine rather than waking another.
	f.task(2, domain.ArchX86, 256)
	res = f.placer.Place(1, 2)
	if res.Outcome != Deferred || res.Machine != 1 || res.Stage != "activating" {
		t.Fatalf("expected deferral onto activating machine, got %+v", res)
	}

	f.harness.SettlePower(1)
	if _, err := f.power.Complete(10, 1); err != nil {
		t.Fatal(err)
	}
	results := f.placer.MachineReady(10, 1)
	if len(results) != 2 {
		t.Fatalf("expected two deferred results, got %d", len(results))
	}
	for _, r := range results {
		if r.Outcome != Placed || r.Machine != 1 {
			t.Errorf("expected deferred task placed on machine 1, got %+v", r)
		}
	}
	if f.placer.DeferredCount() != 0 || f.catalog.ReservedMiB(1) != 0 {
		t.Error("expected deferred table and reservations to be empty")
	}
	if err := f.catalog.Check(); err != nil {
		t.Errorf("invariants violated: %v", err)
	}
}

func TestDeferredTaskReplacedWhenActivationFails(t *testing.T) {
	f := newFixture(t, LeastLoaded{},
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerStandby),
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerOff),
	)
	f.task(1, domain.ArchX86, 100)

	res := f.placer.Place(0, 1)
	if res.Outcome != Deferred || res.Machine != 0 {
		t.Fatalf("expected deferral onto machine 0, got %+v", res)
	}
	f.harness.FailPower(0)
	if _, err := f.power.Complete(5, 0); err != nil {
		t.Fatal(err)
	}

	results := f.placer.MachineReady(5, 0)
	if len(results) != 1 || results[0].Outcome != Deferred || results[0].Machine != 1 {
		t.Fatalf("expected task re-deferred onto machine 1, got %+v", results)
	}
}

func TestMoveRollsBackOnRejection(t *testing.T) {
	f := newFixture(t, FirstFit{},
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerActive),
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerActive),
	)
	f.task(1, domain.ArchX86, 100)
	if res := f.placer.Place(0, 1); res.Outcome != Placed || res.Machine != 0 {
		t.Fatalf("unexpected placement %+v", res)
	}

	vm, err := f.placer.Move(1, 1, 1)
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if loc, _ := f.catalog.Locate(1); loc.Machine != 1 || loc.VM != vm {
		t.Errorf("expected task on machine 1, got %+v", loc)
	}

	f.harness.RejectOn[0] = true
	if _, err := f.placer.Move(2, 1, 0); !errors.Is(err, domain.ErrAssignmentRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if loc, ok := f.catalog.Locate(1); !ok || loc.Machine != 1 || loc.VM != vm {
		t.Errorf("expected task restored on its VM on machine 1, got %+v", loc)
	}
	if err := f.catalog.Check(); err != nil {
		t.Errorf("invariants violated: %v", err)
	}
}

func TestMoveReplacesTaskWhenRestoreFails(t *testing.T) {
	f := newFixture(t, FirstFit{},
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerActive),
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerActive),
		clustertest.Machine(domain.ArchX86, 1024, domain.PowerActive),
	)
	f.task(1, domain.ArchX86, 100)
	if res := f.placer.Place(0, 1); res.Outcome != Placed || res.Machine != 0 {
		t.Fatalf("unexpected placement %+v", res)
	}

	f.harness.RejectOn[0] = true
	f.harness.RejectOn[1] = true
	if _, err := f.placer.Move(1, 1, 1); !errors.Is(err, domain.ErrAssignmentRejected) {
		t.Fatalf("expected rejection, got %v", err)
	}

	replaced := f.placer.Replaced()
	if len(replaced) != 1 || replaced[0].Outcome != Placed || replaced[0].Machine != 2 {
		t.Fatalf("expected task placed again on machine 2, got %+v", replaced)
	}
	if again := f.placer.Replaced(); len(again) != 0 {
		t.Errorf("expected replaced results cleared, got %+v", again)
	}
	if loc, ok := f.catalog.Locate(1); !ok || loc.Machine != 2 {
		t.Errorf("expected task on machine 2, got %+v", loc)
	}
	if err := f.catalog.Check(); err != nil {
		t.Errorf("invariants violated: %v", err)
	}
}

func TestDrainReleasesReservations(t *testing.T) {
	f := newFixture(t, LeastLoaded{}, clustertest.Machine(domain.ArchX86, 1024, domain.PowerStandby))
	f.task(1, domain.ArchX86, 100)
	f.placer.Place(0, 1)

	dropped := f.placer.Drain()
	if len(dropped) != 1 || dropped[0] != 1 {
		t.Errorf("expected task 1 drained, got %v", dropped)
	}
	if f.catalog.ReservationCount() != 0 {
		t.Error("expected reservations released")
	}
}
