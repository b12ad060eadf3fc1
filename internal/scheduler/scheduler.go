package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/cluster"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/consolidation"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/events"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/metrics"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/placement"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/power"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/recovery"
)

// Scheduler reacts to harness events. All handlers must be called from a
// single goroutine; the harness owns the clock and passes it in.
type Scheduler struct {
	config   Config
	policy   Policy
	harness  cluster.Harness
	logger   *zap.Logger
	runID    string
	powerCfg power.Config
	consCfg  consolidation.Config

	catalog   *cluster.Catalog
	ledger    *cluster.Ledger
	power     *power.Manager
	placer    *placement.Placer
	consol    *consolidation.Engine
	recovery  *recovery.Handler
	decisions *events.Log
	metrics   *metrics.Collector

	started  bool
	finished bool
	now      domain.Time

	arrived   uint64
	completed uint64
	moves     uint64
	report    *domain.Report
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics records Prometheus metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Scheduler) { s.metrics = c }
}

// WithSinks fans every decision out to the given sinks.
func WithSinks(sinks ...events.Sink) Option {
	return func(s *Scheduler) {
		for _, sink := range sinks {
			s.decisions.AddSink(sink)
		}
	}
}

// WithRunID sets the run identifier used in reports.
func WithRunID(id string) Option {
	return func(s *Scheduler) { s.runID = id }
}

// WithPowerConfig overrides the power-management configuration.
func WithPowerConfig(cfg power.Config) Option {
	return func(s *Scheduler) { s.powerCfg = cfg }
}

// WithConsolidationConfig overrides the consolidation configuration.
func WithConsolidationConfig(cfg consolidation.Config) Option {
	return func(s *Scheduler) { s.consCfg = cfg }
}

// New creates a scheduler for a harness. Components are built on Init,
// once the harness is ready to be queried.
func New(harness cluster.Harness, policy Policy, config Config, logger *zap.Logger, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		config:    config,
		policy:    policy,
		harness:   harness,
		logger:    logger.With(zap.String("component", "scheduler"), zap.String("policy", policy.Name())),
		runID:     uuid.NewString(),
		powerCfg:  power.DefaultConfig(),
		consCfg:   consolidation.DefaultConfig(),
		decisions: events.NewLog(config.DecisionHistory),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := domain.ParsePowerState(s.powerCfg.IdleState); err != nil {
		return nil, fmt.Errorf("scheduler power config: %w", err)
	}
	return s, nil
}

// RunID returns the run identifier.
func (s *Scheduler) RunID() string {
	return s.runID
}

// Policy returns the active policy.
func (s *Scheduler) Policy() Policy {
	return s.policy
}

// Decisions returns the decision log.
func (s *Scheduler) Decisions() *events.Log {
	return s.decisions
}

// Init discovers the machines and applies the policy's initial layout.
func (s *Scheduler) Init(now domain.Time) {
	if s.started {
		s.logger.Warn("Init called twice, ignoring")
		return
	}
	s.started = true
	s.now = now

	s.catalog = cluster.NewCatalog(s.harness, s.logger)
	s.ledger = cluster.NewLedger(s.config.ViolationHistory)

	pm, err := power.NewManager(s.catalog, s.powerCfg, s.logger)
	if err != nil {
		// Config was validated in New.
		s.logger.DPanic("Failed to create power manager", zap.Error(err))
		return
	}
	s.power = pm
	s.power.OnRequest(func(t domain.Time, machine domain.MachineID, state domain.PowerState, reason string) {
		s.decisions.Record(events.Decision{Time: t, Kind: events.KindPowerRequested, Machine: machine, Detail: string(state) + " " + reason})
		s.metrics.PowerRequest(string(state))
	})

	s.placer = placement.New(s.catalog, s.power, s.policy.Ranker(), s.ledger, s.logger)
	s.consol = consolidation.NewEngine(s.consCfg, s.policy.ConsolidationTriggers(), s.catalog, s.power, s.placer, s.logger)
	s.recovery = recovery.NewHandler(s.catalog, s.power, s.placer, s.ledger, s.logger)

	s.power.ApplyLayout(now, s.policy.Layout())
	if s.policy.ResizeTiers() {
		running, _ := s.power.DesiredSizes(0)
		s.power.SetFloor(running)
	}

	s.logger.Info("Scheduler initialized",
		zap.String("run_id", s.runID),
		zap.Int("machines", s.catalog.MachineCount()),
		zap.String("ranker", s.policy.Ranker().Name()),
	)
	s.observe(now)
	s.afterEvent(now)
}

func (s *Scheduler) accept(now domain.Time, event string) bool {
	if !s.started || s.power == nil {
		s.logger.Warn("Event before Init, dropping", zap.String("event", event))
		return false
	}
	if s.finished {
		s.logger.Warn("Event after Shutdown, dropping", zap.String("event", event))
		return false
	}
	if now < s.now {
		s.logger.Warn("Event time went backwards", zap.String("event", event), zap.Stringer("now", now), zap.Stringer("last", s.now))
	}
	s.now = now
	return true
}

func (s *Scheduler) validMachine(machine domain.MachineID, event string) bool {
	if int(machine) >= s.catalog.MachineCount() {
		s.logger.Warn("Event for unknown machine, dropping", zap.String("event", event), zap.Uint32("machine_id", uint32(machine)))
		return false
	}
	return true
}

// OnTaskArrival places a newly arrived task.
func (s *Scheduler) OnTaskArrival(now domain.Time, task domain.TaskID) {
	if !s.accept(now, "task_arrival") {
		return
	}
	s.arrived++
	s.recordPlacement(now, s.placer.Place(now, task))
	s.afterEvent(now)
}

// OnTaskCompletion releases a finished task's resources and runs the
// policy's completion-driven work.
func (s *Scheduler) OnTaskCompletion(now domain.Time, task domain.TaskID) {
	if !s.accept(now, "task_completion") {
		return
	}
	info, _ := s.catalog.Task(task)
	loc, ok := s.catalog.Complete(task)
	if !ok {
		s.logger.Warn("Completion for unknown task, ignoring", zap.Uint64("task_id", uint64(task)))
		return
	}
	s.recovery.TaskCompleted(task)
	s.completed++
	s.metrics.Completion()
	s.decisions.Record(events.Decision{Time: now, Kind: events.KindTaskCompleted, Task: task, VM: loc.VM, Machine: loc.Machine})

	if obs, ok := s.policy.Ranker().(placement.Observer); ok {
		obs.Observe(loc.VM, now.Sub(info.Arrival))
	}

	if s.consol.Due(now, consolidation.TriggerCompletion) {
		s.consolidate(now)
	}
	if s.policy.ResizeTiers() {
		if s.config.ResizeEveryCompletions > 0 && s.completed%s.config.ResizeEveryCompletions == 0 {
			s.resize(now)
		}
		s.power.Proactive(now, s.completed)
	}
	s.afterEvent(now)
}

// OnPeriodicTick runs time-driven maintenance.
func (s *Scheduler) OnPeriodicTick(now domain.Time) {
	if !s.accept(now, "periodic_tick") {
		return
	}
	if s.consol.Due(now, consolidation.TriggerTick) {
		s.consolidate(now)
	}
	if s.policy.IdleSweep() {
		s.power.PowerDownIdle(now, "idle")
	}
	if s.policy.ResizeTiers() {
		s.resize(now)
	}
	s.observe(now)
	s.afterEvent(now)
}

// OnMigrationComplete reconciles a finished VM migration.
func (s *Scheduler) OnMigrationComplete(now domain.Time, vm domain.VMID) {
	if !s.accept(now, "migration_complete") {
		return
	}
	out, err := s.recovery.MigrationComplete(now, vm)
	if err != nil {
		s.afterEvent(now)
		return
	}
	s.moves++
	s.metrics.Migration("sla_risk")
	s.decisions.Record(events.Decision{Time: now, Kind: events.KindMigrationComplete, Task: out.Task, VM: vm, Machine: out.From, Target: out.To})

	if s.policy.IdleSweep() && s.catalog.Idle(out.From) {
		if _, err := s.power.Deactivate(now, out.From, s.power.IdleState(), "vacated by migration"); err != nil {
			s.logger.Warn("Failed to power down vacated machine", zap.Uint32("machine_id", uint32(out.From)), zap.Error(err))
		}
	}
	s.afterEvent(now)
}

// OnPowerStateChangeComplete reconciles a machine's power change and
// releases the work waiting for it.
func (s *Scheduler) OnPowerStateChangeComplete(now domain.Time, machine domain.MachineID) {
	if !s.accept(now, "state_change_complete") || !s.validMachine(machine, "state_change_complete") {
		return
	}
	state, err := s.power.Complete(now, machine)
	detail := string(state)
	if err != nil {
		detail += " unmatched"
	}
	s.decisions.Record(events.Decision{Time: now, Kind: events.KindPowerChanged, Machine: machine, Detail: detail})

	for _, res := range s.placer.MachineReady(now, machine) {
		s.recordPlacement(now, res)
	}
	for _, out := range s.recovery.MachineReady(now, machine) {
		s.recordMove(now, out.Task, out.VM, out.From, out.To, "sla_risk")
	}
	s.afterEvent(now)
}

// OnServiceLevelRisk tries to relocate a task that is about to miss its
// target.
func (s *Scheduler) OnServiceLevelRisk(now domain.Time, task domain.TaskID) {
	if !s.accept(now, "sla_warning") {
		return
	}
	out, err := s.recovery.HandleViolation(now, task, domain.UnknownMachine)
	s.recordRecovery(now, out, err)
	s.afterEvent(now)
}

// OnCapacityOverflow relieves a machine the harness reports as
// overcommitted.
func (s *Scheduler) OnCapacityOverflow(now domain.Time, machine domain.MachineID) {
	if !s.accept(now, "memory_warning") || !s.validMachine(machine, "memory_warning") {
		return
	}
	out, err := s.recovery.RelieveOverflow(now, machine)
	s.recordRecovery(now, out, err)
	s.afterEvent(now)
}

// Shutdown drains pending work, powers everything down and returns the
// final report. Calling it again returns the same report.
func (s *Scheduler) Shutdown(now domain.Time) domain.Report {
	if s.report != nil {
		return *s.report
	}
	if !s.started || s.power == nil {
		s.logger.Warn("Shutdown before Init")
		return domain.Report{RunID: s.runID, Policy: s.policy.Name(), FinishedAt: now}
	}
	s.now = now

	if dropped := s.placer.Drain(); len(dropped) > 0 {
		s.logger.Warn("Tasks still waiting for a machine at shutdown", zap.Int("count", len(dropped)))
	}
	s.recovery.Drain()
	s.power.ShutdownAll(now)
	s.observe(now)

	s.decisions.Record(events.Decision{Time: now, Kind: events.KindRunFinished, Detail: s.policy.Name()})
	report := s.Report(now)
	s.report = &report
	s.finished = true

	s.logger.Info("Scheduler shut down",
		zap.String("run_id", s.runID),
		zap.Float64("energy_kwh", report.EnergyKWh()),
		zap.Uint64("violations", report.TotalViolations()),
		zap.Uint64("completed", report.Completed),
		zap.String("digest", report.Digest),
	)
	return report
}

// Report builds a report of the run so far.
func (s *Scheduler) Report(now domain.Time) domain.Report {
	r := domain.Report{
		ID:                uuid.NewString(),
		RunID:             s.runID,
		Policy:            s.policy.Name(),
		FinishedAt:        now,
		EnergyJoules:      s.harness.ClusterEnergy(),
		Compliance:        make(map[string]float64, len(domain.SLAClasses)),
		Violations:        map[domain.ViolationKind]uint64{},
		ViolationsByClass: map[string]uint64{},
		Arrived:           s.arrived,
		Completed:         s.completed,
		Migrations:        s.moves,
		Digest:            s.decisions.Digest(),
		CreatedAt:         time.Now().UTC(),
	}
	for _, class := range domain.SLAClasses {
		r.Compliance[class.String()] = s.harness.SLACompliance(class)
	}
	if s.ledger != nil {
		r.Violations = s.ledger.ByKind()
		r.ViolationsByClass = s.ledger.ByClass()
		r.Unplaced = s.ledger.Unplaced()
		r.Rejections = s.ledger.Rejections()
	}
	if s.placer != nil {
		r.Placed, r.Deferred = s.placer.Stats()
	}
	if s.power != nil {
		r.PowerRequests = s.power.Requests()
	}
	return r
}

func (s *Scheduler) consolidate(now domain.Time) {
	res := s.consol.Consolidate(now)
	for _, m := range res.Moves {
		s.recordMove(now, m.Task, m.VM, m.From, m.To, "consolidation")
	}
}

func (s *Scheduler) resize(now domain.Time) {
	inFlight := s.catalog.AssignedCount() + s.placer.DeferredCount()
	s.power.Resize(now, inFlight)
}

func (s *Scheduler) recordPlacement(now domain.Time, res placement.Result) {
	s.metrics.Placement(res.Outcome.String())
	d := events.Decision{Time: now, Task: res.Task, VM: res.VM, Machine: res.Machine, Detail: res.Stage}
	switch res.Outcome {
	case placement.Placed:
		d.Kind = events.KindTaskPlaced
	case placement.Deferred:
		d.Kind = events.KindTaskDeferred
	case placement.Violated:
		d.Kind = events.KindTaskViolation
		d.Machine = domain.UnknownMachine
		d.Detail = string(res.Kind)
		if res.SLA.Tracked() {
			s.metrics.Violation(res.SLA.String(), string(res.Kind))
		}
	default:
		d.Kind = events.KindTaskDropped
		d.Machine = domain.UnknownMachine
	}
	s.decisions.Record(d)
}

func (s *Scheduler) recordMove(now domain.Time, task domain.TaskID, vm domain.VMID, from, to domain.MachineID, reason string) {
	s.moves++
	s.metrics.Migration(reason)
	s.decisions.Record(events.Decision{Time: now, Kind: events.KindTaskMoved, Task: task, VM: vm, Machine: from, Target: to, Detail: reason})
}

func (s *Scheduler) recordRecovery(now domain.Time, out recovery.Outcome, err error) {
	switch out.Action {
	case recovery.ActionMoved:
		s.recordMove(now, out.Task, out.VM, out.From, out.To, "sla_risk")
	case recovery.ActionMigrating:
		s.decisions.Record(events.Decision{Time: now, Kind: events.KindMigrationRequested, Task: out.Task, VM: out.VM, Machine: out.From, Target: out.To})
	case recovery.ActionParked:
		s.decisions.Record(events.Decision{Time: now, Kind: events.KindRelocationParked, Task: out.Task, Machine: out.From, Target: out.To})
	}
	if errors.Is(err, domain.ErrCapacityExhausted) {
		if info, ok := s.catalog.Task(out.Task); ok && info.SLA.Tracked() {
			s.metrics.Violation(info.SLA.String(), string(domain.ViolationRecovery))
		}
	}
}

func (s *Scheduler) afterEvent(now domain.Time) {
	for _, res := range s.placer.Replaced() {
		s.recordPlacement(now, res)
	}
	if !s.config.CheckInvariants {
		return
	}
	if err := s.catalog.Check(); err != nil {
		s.logger.DPanic("Scheduler invariant violated", zap.Stringer("now", now), zap.Error(err))
	}
}

func (s *Scheduler) observe(now domain.Time) {
	if s.metrics == nil {
		return
	}
	snap := metrics.Snapshot{
		Tiers: map[string]int{
			power.TierRunning.String():      s.power.Count(power.TierRunning),
			power.TierIntermediate.String(): s.power.Count(power.TierIntermediate),
			power.TierSwitchedOff.String():  s.power.Count(power.TierSwitchedOff),
		},
		Pending:       pendingMap(s.Pending()),
		EnergyJoules:  s.harness.ClusterEnergy(),
		Compliance:    make(map[string]float64, len(domain.SLAClasses)),
		SimulatedSecs: now.Seconds(),
	}
	for _, class := range domain.SLAClasses {
		snap.Compliance[class.String()] = s.harness.SLACompliance(class)
	}
	s.metrics.Observe(snap)
}
