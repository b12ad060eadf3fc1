// Package power manages machine power states: the tier each machine is
// meant to be in, requests still in flight, and the sizing rules that move
// machines between tiers.
package power

import (
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/cluster"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

// Tier groups machines by intended power state.
type Tier int

const (
	TierRunning Tier = iota
	TierIntermediate
	TierSwitchedOff
)

func (t Tier) String() string {
	switch t {
	case TierRunning:
		return "running"
	case TierIntermediate:
		return "intermediate"
	case TierSwitchedOff:
		return "switched_off"
	default:
		return "unknown"
	}
}

// TierOf maps a power state to its tier.
func TierOf(state domain.PowerState) Tier {
	switch state {
	case domain.PowerActive:
		return TierRunning
	case domain.PowerStandby:
		return TierIntermediate
	default:
		return TierSwitchedOff
	}
}

var transitions = map[domain.PowerState][]domain.PowerState{
	domain.PowerActive:  {domain.PowerStandby, domain.PowerOff},
	domain.PowerStandby: {domain.PowerActive, domain.PowerOff},
	domain.PowerOff:     {domain.PowerActive},
}

// ValidTransition reports whether the hardware supports going from one
// state to another directly.
func ValidTransition(from, to domain.PowerState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Pending is a power-state request the harness has not confirmed yet.
type Pending struct {
	Machine     domain.MachineID
	Target      domain.PowerState
	RequestedAt domain.Time
	Reason      string
	// Next is a request made while this one was in flight. It is issued
	// once this one completes.
	Next domain.PowerState
}

// RequestFunc observes power requests as they are issued.
type RequestFunc func(now domain.Time, machine domain.MachineID, state domain.PowerState, reason string)

// Manager tracks tiers and reconciles asynchronous power-state changes.
// It is not safe for concurrent use.
type Manager struct {
	catalog *cluster.Catalog
	cfg     Config
	idle    domain.PowerState
	logger  *zap.Logger

	tiers   []Tier
	settled []domain.PowerState
	pending map[domain.MachineID]*Pending
	floor   int

	requests  uint64
	onRequest RequestFunc
}

// NewManager creates a manager seeded with the harness's current states.
func NewManager(catalog *cluster.Catalog, cfg Config, logger *zap.Logger) (*Manager, error) {
	idle, err := domain.ParsePowerState(cfg.IdleState)
	if err != nil {
		return nil, fmt.Errorf("power idle state: %w", err)
	}
	if idle == domain.PowerActive {
		return nil, fmt.Errorf("%w: idle state must not be ACTIVE", domain.ErrInvalidArgument)
	}

	n := catalog.MachineCount()
	m := &Manager{
		catalog: catalog,
		cfg:     cfg,
		idle:    idle,
		logger:  logger.With(zap.String("component", "power")),
		tiers:   make([]Tier, n),
		settled: make([]domain.PowerState, n),
		pending: make(map[domain.MachineID]*Pending),
	}
	for _, id := range catalog.MachineIDs() {
		state := catalog.Info(id).State
		m.settled[id] = state
		m.tiers[id] = TierOf(state)
	}
	return m, nil
}

// OnRequest registers a callback for every request issued.
func (m *Manager) OnRequest(fn RequestFunc) {
	m.onRequest = fn
}

// IdleState returns the configured power-down target.
func (m *Manager) IdleState() domain.PowerState {
	return m.idle
}

// SetFloor raises the minimum running-tier size above MinActive.
func (m *Manager) SetFloor(n int) {
	m.floor = n
}

// Floor returns the effective minimum running-tier size.
func (m *Manager) Floor() int {
	return max(m.cfg.MinActive, m.floor)
}

// Requests returns the number of requests issued to the harness.
func (m *Manager) Requests() uint64 {
	return m.requests
}

// Tier returns the tier a machine is meant to be in.
func (m *Manager) Tier(id domain.MachineID) Tier {
	m.catalog.Machine(id)
	return m.tiers[id]
}

// State returns the last state the harness confirmed for a machine.
func (m *Manager) State(id domain.MachineID) domain.PowerState {
	m.catalog.Machine(id)
	return m.settled[id]
}

// Pending returns the in-flight request for a machine.
func (m *Manager) Pending(id domain.MachineID) (Pending, bool) {
	p, ok := m.pending[id]
	if !ok {
		return Pending{}, false
	}
	return *p, true
}

// PendingCount returns the number of machines with a request in flight.
func (m *Manager) PendingCount() int {
	return len(m.pending)
}

// Active reports whether a machine is confirmed ACTIVE with nothing in
// flight, i.e. whether work may be assigned to it now.
func (m *Manager) Active(id domain.MachineID) bool {
	_, busy := m.pending[id]
	return !busy && m.State(id) == domain.PowerActive
}

// Activating reports whether a machine is on its way to ACTIVE.
func (m *Manager) Activating(id domain.MachineID) bool {
	p, ok := m.pending[id]
	if !ok {
		return false
	}
	if p.Next != "" {
		return p.Next == domain.PowerActive
	}
	return p.Target == domain.PowerActive
}

// Settled reports whether a machine is in the given state with nothing in
// flight.
func (m *Manager) Settled(id domain.MachineID, state domain.PowerState) bool {
	_, busy := m.pending[id]
	return !busy && m.State(id) == state
}

// Count returns the number of machines in a tier.
func (m *Manager) Count(t Tier) int {
	n := 0
	for _, tier := range m.tiers {
		if tier == t {
			n++
		}
	}
	return n
}

// MachinesIn returns the machines in a tier in ascending id order.
func (m *Manager) MachinesIn(t Tier) []domain.MachineID {
	var out []domain.MachineID
	for i, tier := range m.tiers {
		if tier == t {
			out = append(out, domain.MachineID(i))
		}
	}
	return out
}

// Request asks the harness to move a machine to a state. A request made
// while another is in flight is queued behind it. Requesting the state a
// machine is already settled in is a no-op.
func (m *Manager) Request(now domain.Time, id domain.MachineID, target domain.PowerState, reason string) error {
	m.catalog.Machine(id)

	if p, ok := m.pending[id]; ok {
		if p.Target == target && p.Next == "" {
			return nil
		}
		if !ValidTransition(p.Target, target) && p.Target != target {
			return fmt.Errorf("machine %d %s -> %s: %w", id, p.Target, target, domain.ErrInvalidTransition)
		}
		if p.Target == target {
			p.Next = ""
		} else {
			p.Next = target
		}
		m.tiers[id] = TierOf(target)
		m.logger.Debug("Queued power request behind in-flight change",
			zap.Uint32("machine", uint32(id)),
			zap.String("in_flight", string(p.Target)),
			zap.String("next", string(target)),
		)
		return nil
	}

	current := m.settled[id]
	if current == target {
		return nil
	}
	if !ValidTransition(current, target) {
		return fmt.Errorf("machine %d %s -> %s: %w", id, current, target, domain.ErrInvalidTransition)
	}
	m.issue(now, id, target, reason)
	return nil
}

func (m *Manager) issue(now domain.Time, id domain.MachineID, target domain.PowerState, reason string) {
	m.pending[id] = &Pending{Machine: id, Target: target, RequestedAt: now, Reason: reason}
	m.tiers[id] = TierOf(target)
	m.requests++
	m.catalog.Harness().RequestPowerState(id, target)

	m.logger.Debug("Requested power state",
		zap.Uint32("machine", uint32(id)),
		zap.String("state", string(target)),
		zap.String("reason", reason),
	)
	if m.onRequest != nil {
		m.onRequest(now, id, target, reason)
	}
}

// Complete reconciles a state-change-complete event against the harness's
// actual state. An event with no matching request returns ErrNotFound
// after adopting the reported state.
func (m *Manager) Complete(now domain.Time, id domain.MachineID) (domain.PowerState, error) {
	actual := m.catalog.Info(id).State
	m.settled[id] = actual

	p, ok := m.pending[id]
	if !ok {
		m.tiers[id] = TierOf(actual)
		m.logger.Warn("State change with no pending request",
			zap.Uint32("machine", uint32(id)),
			zap.String("state", string(actual)),
		)
		return actual, fmt.Errorf("power request for machine %d: %w", id, domain.ErrNotFound)
	}
	delete(m.pending, id)

	if actual != p.Target {
		m.logger.Warn("Machine did not reach requested state",
			zap.Uint32("machine", uint32(id)),
			zap.String("requested", string(p.Target)),
			zap.String("actual", string(actual)),
		)
	}
	m.tiers[id] = TierOf(actual)

	if p.Next != "" && p.Next != actual {
		if err := m.Request(now, id, p.Next, "queued"); err != nil {
			m.logger.Warn("Dropped queued power request", zap.Uint32("machine", uint32(id)), zap.Error(err))
		}
	}
	return actual, nil
}

// Activate requests ACTIVE for a machine.
func (m *Manager) Activate(now domain.Time, id domain.MachineID, reason string) error {
	return m.Request(now, id, domain.PowerActive, reason)
}

// Deactivate powers down an idle running machine to target, first shutting
// its empty VMs. It refuses (false, nil) when the machine is busy, not
// settled ACTIVE, or when the running tier is at its floor.
func (m *Manager) Deactivate(now domain.Time, id domain.MachineID, target domain.PowerState, reason string) (bool, error) {
	if !m.Active(id) || !m.catalog.Idle(id) {
		return false, nil
	}
	if m.Count(TierRunning) <= m.Floor() {
		return false, nil
	}
	m.catalog.ShutdownIdleVMs(id)
	if len(m.catalog.VMsOn(id)) > 0 {
		return false, nil
	}
	if err := m.Request(now, id, target, reason); err != nil {
		return false, err
	}
	return true, nil
}

// DeactivationOrder sorts machines so that those whose architecture
// matches present work come before those that match none, then by id.
func (m *Manager) DeactivationOrder(ids []domain.MachineID) {
	archs := m.catalog.WorkloadArchs()
	sort.SliceStable(ids, func(i, j int) bool {
		mi := archs[m.catalog.Machine(ids[i]).Arch]
		mj := archs[m.catalog.Machine(ids[j]).Arch]
		if mi != mj {
			return mi
		}
		return ids[i] < ids[j]
	})
}

// IdleRunning returns active machines with no work and no reservations,
// in deactivation order.
func (m *Manager) IdleRunning() []domain.MachineID {
	var ids []domain.MachineID
	for _, id := range m.MachinesIn(TierRunning) {
		if m.Active(id) && m.catalog.Idle(id) {
			ids = append(ids, id)
		}
	}
	m.DeactivationOrder(ids)
	return ids
}

// PowerDownIdle sends idle running machines to the idle state until the
// floor is reached and returns the machines powered down.
func (m *Manager) PowerDownIdle(now domain.Time, reason string) []domain.MachineID {
	var down []domain.MachineID
	for _, id := range m.IdleRunning() {
		ok, err := m.Deactivate(now, id, m.idle, reason)
		if err != nil {
			m.logger.Warn("Failed to power down idle machine", zap.Uint32("machine", uint32(id)), zap.Error(err))
			continue
		}
		if ok {
			down = append(down, id)
		}
	}
	return down
}

// ApplyLayout assigns initial tiers, spreading the running tier across
// architectures round-robin, and requests the corresponding states.
func (m *Manager) ApplyLayout(now domain.Time, layout Layout) {
	n := m.catalog.MachineCount()
	running, intermediate := layout.Sizes(n)

	var queues [][]domain.MachineID
	for _, arch := range domain.Architectures {
		if ids := m.catalog.MachinesByArch(arch); len(ids) > 0 {
			queues = append(queues, ids)
		}
	}
	order := make([]domain.MachineID, 0, n)
	for len(order) < n {
		for i := range queues {
			if len(queues[i]) > 0 {
				order = append(order, queues[i][0])
				queues[i] = queues[i][1:]
			}
		}
	}

	for i, id := range order {
		target := domain.PowerOff
		switch {
		case i < running:
			target = domain.PowerActive
		case i < running+intermediate:
			target = domain.PowerStandby
		}
		if err := m.Request(now, id, target, "initial layout"); err != nil {
			m.logger.Debug("Initial tier unreachable, keeping current state",
				zap.Uint32("machine", uint32(id)),
				zap.String("state", string(m.settled[id])),
				zap.Error(err),
			)
		}
	}

	m.logger.Info("Applied initial power layout",
		zap.Int("running", running),
		zap.Int("intermediate", intermediate),
		zap.Int("switched_off", n-running-intermediate),
	)
}

// DesiredSizes returns the running and intermediate tier sizes for the
// given number of tasks in flight.
func (m *Manager) DesiredSizes(inFlight int) (running, intermediate int) {
	n := m.catalog.MachineCount()
	running = max(inFlight/2+1, m.cfg.MinRunning)
	running = int(math.Ceil(float64(running) * (1 + m.cfg.WorkloadMargin)))
	running = min(running, n)
	intermediate = max(int(math.Ceil(float64(n)*Tiered.IntermediateFraction)), Tiered.MinIntermediate)
	intermediate = min(intermediate, n-running)
	return running, intermediate
}

// SystemLoad returns tracked memory over capacity for machines in the
// running tier.
func (m *Manager) SystemLoad() float64 {
	capacity, used := m.catalog.TotalMemory(m.MachinesIn(TierRunning))
	if capacity == 0 {
		return 0
	}
	return float64(used) / float64(capacity)
}

// ResizeResult reports what a resize pass changed.
type ResizeResult struct {
	Activated   []domain.MachineID
	Deactivated []domain.MachineID
}

// Resize moves machines between tiers using load hysteresis: above the high
// threshold, or below the desired size, it activates standby then off
// machines; below the low threshold it deactivates idle running machines
// down to the desired size. Surplus standby machines are switched off.
func (m *Manager) Resize(now domain.Time, inFlight int) ResizeResult {
	var res ResizeResult
	desiredRunning, desiredIntermediate := m.DesiredSizes(inFlight)
	m.SetFloor(min(desiredRunning, m.catalog.MachineCount()))

	load := m.SystemLoad()
	running := m.Count(TierRunning)

	switch {
	case load > m.cfg.HighLoad || running < desiredRunning:
		want := max(desiredRunning-running, 1)
		res.Activated = m.activateSpare(now, min(want, m.cfg.MaxActivations), "tier resize")
	case load < m.cfg.LowLoad && running > desiredRunning:
		limit := min(running-desiredRunning, m.cfg.MaxDeactivations)
		for _, id := range m.IdleRunning() {
			if len(res.Deactivated) >= limit {
				break
			}
			target := domain.PowerOff
			if m.Count(TierIntermediate) < desiredIntermediate {
				target = domain.PowerStandby
			}
			ok, err := m.Deactivate(now, id, target, "tier resize")
			if err != nil {
				m.logger.Warn("Failed to deactivate machine", zap.Uint32("machine", uint32(id)), zap.Error(err))
				continue
			}
			if ok {
				res.Deactivated = append(res.Deactivated, id)
			}
		}
	}

	if surplus := m.Count(TierIntermediate) - desiredIntermediate; surplus > 0 {
		ids := m.MachinesIn(TierIntermediate)
		sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
		for _, id := range ids {
			if surplus == 0 {
				break
			}
			if !m.Settled(id, domain.PowerStandby) || !m.catalog.Idle(id) {
				continue
			}
			if err := m.Request(now, id, domain.PowerOff, "surplus standby"); err == nil {
				surplus--
			}
		}
	}

	if len(res.Activated) > 0 || len(res.Deactivated) > 0 {
		m.logger.Info("Resized tiers",
			zap.Float64("load", load),
			zap.Int("desired_running", desiredRunning),
			zap.Int("activated", len(res.Activated)),
			zap.Int("deactivated", len(res.Deactivated)),
		)
	}
	return res
}

// Proactive activates spare machines every ProactiveEvery completions when
// the running tier is below ProactiveBelow of the cluster.
func (m *Manager) Proactive(now domain.Time, completions uint64) []domain.MachineID {
	if m.cfg.ProactiveEvery == 0 || completions == 0 || completions%m.cfg.ProactiveEvery != 0 {
		return nil
	}
	n := m.catalog.MachineCount()
	if float64(m.Count(TierRunning)) >= m.cfg.ProactiveBelow*float64(n) {
		return nil
	}
	want := min(int(math.Ceil(m.cfg.ProactiveFraction*float64(n))), m.cfg.ProactiveMax)
	return m.activateSpare(now, want, "proactive")
}

// activateSpare wakes up to n settled standby machines, then off machines,
// lowest id first.
func (m *Manager) activateSpare(now domain.Time, n int, reason string) []domain.MachineID {
	var woke []domain.MachineID
	for _, state := range []domain.PowerState{domain.PowerStandby, domain.PowerOff} {
		for _, id := range m.catalog.MachineIDs() {
			if len(woke) >= n {
				return woke
			}
			if !m.Settled(id, state) {
				continue
			}
			if err := m.Activate(now, id, reason); err != nil {
				m.logger.Warn("Failed to activate machine", zap.Uint32("machine", uint32(id)), zap.Error(err))
				continue
			}
			woke = append(woke, id)
		}
	}
	return woke
}

// ShutdownAll shuts every idle VM and requests OFF for every machine.
func (m *Manager) ShutdownAll(now domain.Time) {
	for _, id := range m.catalog.MachineIDs() {
		m.catalog.ShutdownIdleVMs(id)
		if err := m.Request(now, id, domain.PowerOff, "shutdown"); err != nil {
			m.logger.Warn("Failed to power off machine", zap.Uint32("machine", uint32(id)), zap.Error(err))
		}
	}
}
