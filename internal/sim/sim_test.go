package sim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

// recorder is a Handler that places every task on a fixed machine and
// records what it was told.
type recorder struct {
	sim     *Simulator
	machine domain.MachineID
	vm      domain.VMID
	hasVM   bool

	onInit    func(now domain.Time)
	onArrival func(now domain.Time, task domain.TaskID)

	completions map[domain.TaskID]domain.Time
	powerDone   []domain.MachineID
	migrated    []domain.VMID
	risks       []domain.TaskID
	overflows   []domain.MachineID
	ticks       int
	rejected    int
}

func newRecorder(s *Simulator) *recorder {
	return &recorder{sim: s, completions: make(map[domain.TaskID]domain.Time)}
}

func (r *recorder) Init(now domain.Time) {
	if r.onInit != nil {
		r.onInit(now)
	}
}

func (r *recorder) OnTaskArrival(now domain.Time, task domain.TaskID) {
	if r.onArrival != nil {
		r.onArrival(now, task)
		return
	}
	if err := r.place(task); err != nil {
		r.rejected++
	}
}

func (r *recorder) place(task domain.TaskID) error {
	info, err := r.sim.TaskInfo(task)
	if err != nil {
		return err
	}
	if !r.hasVM {
		r.vm = r.sim.CreateVM(info.VMType, info.Arch)
		if err := r.sim.AttachVM(r.vm, r.machine); err != nil {
			return err
		}
		r.hasVM = true
	}
	return r.sim.AssignTask(r.vm, task, info.SLA.Priority())
}

func (r *recorder) OnTaskCompletion(now domain.Time, task domain.TaskID) {
	r.completions[task] = now
}
func (r *recorder) OnPeriodicTick(domain.Time) { r.ticks++ }
func (r *recorder) OnMigrationComplete(_ domain.Time, vm domain.VMID) {
	r.migrated = append(r.migrated, vm)
}
func (r *recorder) OnPowerStateChangeComplete(_ domain.Time, m domain.MachineID) {
	r.powerDone = append(r.powerDone, m)
}
func (r *recorder) OnServiceLevelRisk(_ domain.Time, task domain.TaskID) {
	r.risks = append(r.risks, task)
}
func (r *recorder) OnCapacityOverflow(_ domain.Time, m domain.MachineID) {
	r.overflows = append(r.overflows, m)
}
func (r *recorder) Shutdown(now domain.Time) domain.Report {
	return domain.Report{FinishedAt: now, EnergyJoules: r.sim.ClusterEnergy()}
}

func x86(cores uint32, mem uint64, state domain.PowerState) MachineSpec {
	return MachineSpec{Arch: domain.ArchX86, Cores: cores, MemoryMiB: mem, State: state}
}

func job(id domain.TaskID, arrival, runtime time.Duration, mem uint64, sla domain.SLAClass) TaskSpec {
	return TaskSpec{
		ID:        id,
		Arrival:   domain.FromDuration(arrival),
		Runtime:   domain.FromDuration(runtime),
		Arch:      domain.ArchX86,
		VMType:    domain.VMLinux,
		MemoryMiB: mem,
		SLA:       sla,
	}
}

func newSim(t *testing.T, cfg Config, machines []MachineSpec, tasks ...TaskSpec) *Simulator {
	t.Helper()
	s, err := New(cfg, machines, tasks, zap.NewNop())
	require.NoError(t, err)
	return s
}

// ===== Tests =====

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.TickInterval = 0
	require.ErrorIs(t, cfg.Validate(), domain.ErrInvalidArgument)

	cfg = DefaultConfig()
	cfg.RiskThreshold = 1.5
	require.ErrorIs(t, cfg.Validate(), domain.ErrInvalidArgument)
}

func TestNewRejectsDuplicateTasks(t *testing.T) {
	_, err := New(DefaultConfig(), []MachineSpec{x86(4, 1024, domain.PowerActive)},
		[]TaskSpec{job(1, 0, time.Second, 10, domain.SLA1), job(1, 0, time.Second, 10, domain.SLA1)}, zap.NewNop())
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestIdleEnergyIntegration(t *testing.T) {
	s := newSim(t, DefaultConfig(), []MachineSpec{
		x86(4, 1024, domain.PowerActive),
		x86(4, 1024, domain.PowerStandby),
	})
	_, err := s.Run(context.Background(), newRecorder(s))
	require.NoError(t, err)

	// Two idle ticks end the run at 2s: 120W and 15W for two seconds.
	require.Equal(t, 2*domain.Second, s.Now())
	require.InDelta(t, 270.0, s.ClusterEnergy(), 1e-6)
}

func TestTaskCompletesAfterRuntime(t *testing.T) {
	s := newSim(t, DefaultConfig(), []MachineSpec{x86(4, 1024, domain.PowerActive)},
		job(1, 500*time.Millisecond, 3*time.Second, 100, domain.SLA1))
	r := newRecorder(s)

	_, err := s.Run(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, domain.FromDuration(3500*time.Millisecond), r.completions[1])
	require.Equal(t, 100.0, s.SLACompliance(domain.SLA1))
	require.Zero(t, s.MachineInfo(0).MemoryUsedMiB)
	require.Equal(t, 1, s.Stats().Completed)
}

func TestTasksShareCores(t *testing.T) {
	s := newSim(t, DefaultConfig(), []MachineSpec{x86(1, 1024, domain.PowerActive)},
		job(1, 0, 2*time.Second, 100, domain.SLA2),
		job(2, 0, 2*time.Second, 100, domain.SLA2),
	)
	r := newRecorder(s)

	_, err := s.Run(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, 4*domain.Second, r.completions[1])
	require.Equal(t, 4*domain.Second, r.completions[2])
	// Deadline is 2s * 2.0, met exactly.
	require.Equal(t, 100.0, s.SLACompliance(domain.SLA2))
}

func TestRiskWarningForSlowTasks(t *testing.T) {
	s := newSim(t, DefaultConfig(), []MachineSpec{x86(1, 1024, domain.PowerActive)},
		job(1, 0, 10*time.Second, 100, domain.SLA0),
		job(2, 0, 10*time.Second, 100, domain.SLA0),
		job(3, 0, 10*time.Second, 100, domain.SLA3),
	)
	r := newRecorder(s)

	_, err := s.Run(context.Background(), r)
	require.NoError(t, err)
	require.ElementsMatch(t, []domain.TaskID{1, 2}, r.risks)
	require.Equal(t, 0.0, s.SLACompliance(domain.SLA0))
}

func TestPowerTransitionCompletesAfterDelay(t *testing.T) {
	s := newSim(t, DefaultConfig(), []MachineSpec{x86(4, 1024, domain.PowerStandby)},
		job(1, time.Second, time.Second, 100, domain.SLA1))
	r := newRecorder(s)
	r.onInit = func(domain.Time) { s.RequestPowerState(0, domain.PowerActive) }

	_, err := s.Run(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, []domain.MachineID{0}, r.powerDone)
	require.Equal(t, domain.PowerActive, s.MachineInfo(0).State)
	require.Contains(t, r.completions, domain.TaskID(1))
}

func TestSupersededPowerRequestIsStale(t *testing.T) {
	s := newSim(t, DefaultConfig(), []MachineSpec{x86(4, 1024, domain.PowerActive)})
	r := newRecorder(s)
	r.onInit = func(domain.Time) {
		s.RequestPowerState(0, domain.PowerOff)
		s.RequestPowerState(0, domain.PowerStandby)
	}

	_, err := s.Run(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, []domain.MachineID{0}, r.powerDone)
	require.Equal(t, domain.PowerStandby, s.MachineInfo(0).State)
	require.Equal(t, uint64(1), s.Stats().StaleEvents)
}

func TestAssignmentRejections(t *testing.T) {
	s := newSim(t, DefaultConfig(), []MachineSpec{
		x86(4, 256, domain.PowerActive),
		x86(4, 1024, domain.PowerStandby),
		{Arch: domain.ArchARM, Cores: 4, MemoryMiB: 1024, State: domain.PowerActive},
	},
		job(1, 0, time.Second, 200, domain.SLA1),
		job(2, 0, time.Second, 200, domain.SLA1),
	)
	for _, id := range s.order {
		s.tasks[id].arrived = true
	}

	vm := s.CreateVM(domain.VMLinux, domain.ArchX86)
	require.ErrorIs(t, s.AttachVM(vm, 1), domain.ErrUnavailable)
	require.ErrorIs(t, s.AttachVM(vm, 2), domain.ErrIncompatible)
	require.NoError(t, s.AttachVM(vm, 0))
	require.ErrorIs(t, s.AttachVM(vm, 0), domain.ErrConflict)

	require.NoError(t, s.AssignTask(vm, 1, domain.PriorityHigh))
	require.ErrorIs(t, s.AssignTask(vm, 1, domain.PriorityHigh), domain.ErrAssignmentRejected)
	require.ErrorIs(t, s.AssignTask(vm, 2, domain.PriorityHigh), domain.ErrAssignmentRejected)
	require.ErrorIs(t, s.AssignTask(vm, 99, domain.PriorityHigh), domain.ErrAssignmentRejected)
	require.Equal(t, uint64(200), s.MachineInfo(0).MemoryUsedMiB)

	require.ErrorIs(t, s.ShutdownVM(vm), domain.ErrConflict)
	require.NoError(t, s.UnassignTask(vm, 1))
	require.ErrorIs(t, s.UnassignTask(vm, 1), domain.ErrNotFound)
	require.NoError(t, s.ShutdownVM(vm))
	_, err := s.VMInfo(vm)
	require.ErrorIs(t, err, domain.ErrNotFound)
	require.Zero(t, s.MachineInfo(0).ActiveVMs)
}

func TestOvercommitRaisesOverflow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowOvercommit = true
	s := newSim(t, cfg, []MachineSpec{x86(4, 256, domain.PowerActive)},
		job(1, 0, time.Second, 200, domain.SLA1),
		job(2, 0, time.Second, 200, domain.SLA1),
	)
	r := newRecorder(s)

	_, err := s.Run(context.Background(), r)
	require.NoError(t, err)
	require.Zero(t, r.rejected)
	require.Equal(t, []domain.MachineID{0}, r.overflows)
	require.Len(t, r.completions, 2)
}

func TestMigrationPausesTasks(t *testing.T) {
	s := newSim(t, DefaultConfig(), []MachineSpec{
		x86(4, 1024, domain.PowerActive),
		x86(4, 1024, domain.PowerActive),
	}, job(1, 0, 2*time.Second, 100, domain.SLA1))
	r := newRecorder(s)
	r.onArrival = func(_ domain.Time, task domain.TaskID) {
		require.NoError(t, r.place(task))
		require.ErrorIs(t, s.RequestMigration(r.vm, 0), domain.ErrInvalidArgument)
		require.NoError(t, s.RequestMigration(r.vm, 1))
		require.ErrorIs(t, s.RequestMigration(r.vm, 1), domain.ErrConflict)
	}

	_, err := s.Run(context.Background(), r)
	require.NoError(t, err)
	require.Equal(t, []domain.VMID{r.vm}, r.migrated)
	info, err := s.VMInfo(r.vm)
	require.NoError(t, err)
	require.Equal(t, domain.MachineID(1), info.MachineID)
	// One second paused plus the 50ms penalty.
	require.Equal(t, domain.FromDuration(3050*time.Millisecond), r.completions[1])
	require.Zero(t, s.MachineInfo(0).MemoryUsedMiB)
}

func TestMaxTimeStopsRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxTime = 5 * time.Second
	s := newSim(t, cfg, []MachineSpec{x86(4, 1024, domain.PowerActive)},
		job(1, 0, time.Minute, 100, domain.SLA1))

	_, err := s.Run(context.Background(), newRecorder(s))
	require.NoError(t, err)
	require.Equal(t, 5*domain.Second, s.Now())
	require.Zero(t, s.Stats().Completed)
}

func TestRunHonoursContext(t *testing.T) {
	s := newSim(t, DefaultConfig(), []MachineSpec{x86(4, 1024, domain.PowerActive)},
		job(1, 0, time.Second, 100, domain.SLA1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Run(ctx, newRecorder(s))
	require.True(t, errors.Is(err, context.Canceled))
}
