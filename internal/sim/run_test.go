package sim_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/sim"
)

func topology() []sim.MachineSpec {
	var out []sim.MachineSpec
	for i := 0; i < 6; i++ {
		out = append(out, sim.MachineSpec{Arch: domain.ArchX86, Cores: 8, MemoryMiB: 8192, State: domain.PowerActive})
	}
	for i := 0; i < 3; i++ {
		out = append(out, sim.MachineSpec{Arch: domain.ArchARM, Cores: 4, MemoryMiB: 4096, State: domain.PowerStandby})
	}
	out = append(out, sim.MachineSpec{Arch: domain.ArchPOWER, Cores: 16, MemoryMiB: 16384, State: domain.PowerOff})
	return out
}

// workload returns n tasks, a few of which need an architecture no machine
// has.
func workload(seed int64, n int) []sim.TaskSpec {
	rng := rand.New(rand.NewSource(seed))
	archs := []domain.CPUArch{domain.ArchX86, domain.ArchX86, domain.ArchX86, domain.ArchARM, domain.ArchPOWER}
	var out []sim.TaskSpec
	at := 100 * time.Millisecond
	for i := 0; i < n; i++ {
		arch := archs[rng.Intn(len(archs))]
		vmType := domain.VMLinux
		if arch == domain.ArchPOWER && rng.Intn(2) == 0 {
			vmType = domain.VMAIX
		}
		sla := domain.SLAClass(rng.Intn(4))
		if i%25 == 24 {
			arch, vmType, sla = domain.ArchRISCV, domain.VMLinux, domain.SLA1
		}
		out = append(out, sim.TaskSpec{
			ID:        domain.TaskID(i + 1),
			Arrival:   domain.FromDuration(at),
			Runtime:   domain.FromDuration(time.Duration(1+rng.Intn(20)) * time.Second),
			Arch:      arch,
			VMType:    vmType,
			MemoryMiB: uint64(128 * (1 + rng.Intn(8))),
			SLA:       sla,
		})
		at += time.Duration(rng.Intn(800)) * time.Millisecond
	}
	return out
}

func runPolicy(t *testing.T, policy string, tasks []sim.TaskSpec) (domain.Report, *scheduler.Scheduler, *sim.Simulator) {
	t.Helper()
	cfg := sim.DefaultConfig()
	cfg.MaxTime = time.Hour
	s, err := sim.New(cfg, topology(), tasks, zap.NewNop())
	require.NoError(t, err)

	scfg := scheduler.DefaultConfig()
	scfg.CheckInvariants = true
	p, err := scheduler.NewPolicy(policy, scfg)
	require.NoError(t, err)
	sched, err := scheduler.New(s, p, scfg, zap.NewNop(), scheduler.WithRunID("test"))
	require.NoError(t, err)

	report, err := s.Run(context.Background(), sched)
	require.NoError(t, err)
	return report, sched, s
}

// ===== Tests =====

func TestPoliciesRunToCompletion(t *testing.T) {
	tasks := workload(7, 120)
	for _, name := range scheduler.Policies() {
		t.Run(name, func(t *testing.T) {
			report, sched, s := runPolicy(t, name, tasks)

			require.Equal(t, name, report.Policy)
			require.Equal(t, uint64(len(tasks)), report.Arrived)
			require.Equal(t, uint64(s.Stats().Completed), report.Completed)
			require.Equal(t, uint64(len(tasks)), report.Completed+report.Unplaced,
				"every task either completes or is counted unplaced")
			require.GreaterOrEqual(t, report.Violations[domain.ViolationIncompatible], uint64(1))
			require.Positive(t, report.EnergyJoules)
			require.NotEmpty(t, report.Digest)
			require.NoError(t, sched.Check())

			pending := sched.Pending()
			require.Zero(t, pending.Migrations)
			require.Zero(t, pending.Deferred)
			require.Zero(t, pending.Parked)

			for i := 0; i < s.MachineCount(); i++ {
				info := s.MachineInfo(domain.MachineID(i))
				require.LessOrEqual(t, info.MemoryUsedMiB, info.MemoryMiB)
				require.Zero(t, info.ActiveTasks)
			}
		})
	}
}

func TestRunsAreDeterministic(t *testing.T) {
	tasks := workload(11, 80)
	for _, name := range []string{"pmapper", "eeco"} {
		first, _, s1 := runPolicy(t, name, tasks)
		second, _, s2 := runPolicy(t, name, tasks)

		require.Equal(t, first.Digest, second.Digest, name)
		require.Equal(t, first.EnergyJoules, second.EnergyJoules, name)
		require.Equal(t, s1.Stats().EndTime, s2.Stats().EndTime, name)
	}
}

func TestConsolidationSavesEnergy(t *testing.T) {
	tasks := workload(3, 60)
	baseline, _, _ := runPolicy(t, "firstfit", tasks)
	pmapper, _, _ := runPolicy(t, "pmapper", tasks)

	require.Less(t, pmapper.EnergyJoules, baseline.EnergyJoules)
}
