// Package consolidation packs work onto fewer machines so idle ones can be
// powered down.
package consolidation

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/cluster"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/placement"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/power"
)

// Config holds consolidation tunables.
type Config struct {
	Enabled bool `mapstructure:"enabled"`
	// EveryCompletions runs consolidation on every Nth task completion.
	EveryCompletions uint64 `mapstructure:"every_completions"`
	// Interval runs consolidation once this much simulated time has passed
	// since the last run.
	Interval time.Duration `mapstructure:"interval"`
	// MovesPerRun bounds the task moves of one run.
	MovesPerRun int `mapstructure:"moves_per_run"`
}

// DefaultConfig returns the default consolidation configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		EveryCompletions: 10,
		Interval:         5 * time.Second,
		MovesPerRun:      1,
	}
}

// Trigger is the kind of event asking for a consolidation run.
type Trigger int

const (
	TriggerCompletion Trigger = iota
	TriggerTick
)

// MachineMetrics is the utilization view of an active machine.
type MachineMetrics struct {
	Machine     domain.MachineID
	Arch        domain.CPUArch
	Utilization float64
	FreeMiB     uint64
	TaskCount   int
}

// Move records a task relocated by consolidation.
type Move struct {
	ID     string
	Task   domain.TaskID
	VM     domain.VMID
	From   domain.MachineID
	To     domain.MachineID
	Reason string
}

// Result reports what a run changed.
type Result struct {
	Moves       []Move
	PoweredDown []domain.MachineID
}

// Engine runs midpoint consolidation: the least-utilized half of the
// active machines is drained into the most-utilized half, one smallest
// task at a time.
type Engine struct {
	cfg      Config
	triggers map[Trigger]bool
	catalog  *cluster.Catalog
	power    *power.Manager
	placer   *placement.Placer
	logger   *zap.Logger

	lastRun     domain.Time
	completions uint64
	runs        uint64
	moves       uint64
}

// NewEngine creates an engine that responds to the given triggers.
func NewEngine(
	cfg Config,
	triggers []Trigger,
	catalog *cluster.Catalog,
	pm *power.Manager,
	placer *placement.Placer,
	logger *zap.Logger,
) *Engine {
	e := &Engine{
		cfg:      cfg,
		triggers: make(map[Trigger]bool),
		catalog:  catalog,
		power:    pm,
		placer:   placer,
		logger:   logger.With(zap.String("component", "consolidation")),
	}
	for _, t := range triggers {
		e.triggers[t] = true
	}
	return e
}

// Due reports whether an event of the given kind should run consolidation
// now. Completion events count towards the completion cadence; the
// interval applies to any trigger the engine listens to.
func (e *Engine) Due(now domain.Time, trigger Trigger) bool {
	if !e.cfg.Enabled || !e.triggers[trigger] {
		return false
	}
	if trigger == TriggerCompletion {
		e.completions++
		if e.cfg.EveryCompletions > 0 && e.completions%e.cfg.EveryCompletions == 0 {
			return true
		}
	}
	interval := domain.FromDuration(e.cfg.Interval)
	return interval > 0 && now.Sub(e.lastRun) >= interval
}

// Stats returns the number of runs and moves so far.
func (e *Engine) Stats() (runs, moves uint64) {
	return e.runs, e.moves
}

// Consolidate performs one run: up to MovesPerRun task moves from the low
// half to the high half, then powers down machines left idle.
func (e *Engine) Consolidate(now domain.Time) Result {
	var res Result
	e.lastRun = now
	e.runs++

	for i := 0; i < max(e.cfg.MovesPerRun, 1); i++ {
		move, ok := e.moveOne(now)
		if !ok {
			break
		}
		res.Moves = append(res.Moves, move)
		e.moves++

		if e.catalog.Idle(move.From) {
			down, err := e.power.Deactivate(now, move.From, e.power.IdleState(), "consolidated")
			if err != nil {
				e.logger.Warn("Failed to power down drained machine", zap.Uint32("machine_id", uint32(move.From)), zap.Error(err))
			} else if down {
				res.PoweredDown = append(res.PoweredDown, move.From)
			}
		}
	}

	res.PoweredDown = append(res.PoweredDown, e.power.PowerDownIdle(now, "idle after consolidation")...)

	e.logger.Debug("Consolidation run complete",
		zap.Int("moves", len(res.Moves)),
		zap.Int("powered_down", len(res.PoweredDown)),
	)
	return res
}

// metrics returns the active machines ordered by utilization, lowest
// first, ties by id.
func (e *Engine) metrics() []MachineMetrics {
	var out []MachineMetrics
	for _, id := range e.catalog.MachineIDs() {
		if !e.power.Active(id) {
			continue
		}
		out = append(out, MachineMetrics{
			Machine:     id,
			Arch:        e.catalog.Machine(id).Arch,
			Utilization: e.catalog.Utilization(id),
			FreeMiB:     e.catalog.FreeMiB(id),
			TaskCount:   e.catalog.TaskCount(id),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Utilization != out[j].Utilization {
			return out[i].Utilization < out[j].Utilization
		}
		return out[i].Machine < out[j].Machine
	})
	return out
}

func (e *Engine) moveOne(now domain.Time) (Move, bool) {
	ranked := e.metrics()
	if len(ranked) < 2 {
		return Move{}, false
	}
	mid := len(ranked) / 2
	low, high := ranked[:mid], ranked[mid:]

	var source MachineMetrics
	found := false
	for _, m := range low {
		if m.TaskCount > 0 {
			source, found = m, true
			break
		}
	}
	if !found {
		return Move{}, false
	}

	task, ok := e.smallestMovable(source.Machine)
	if !ok {
		return Move{}, false
	}

	for _, target := range high {
		if target.Machine == source.Machine || target.Arch != task.Arch {
			continue
		}
		if !e.catalog.Compatible(task, target.Machine) || !e.catalog.Fits(target.Machine, task.MemoryMiB) {
			continue
		}
		vm, err := e.placer.Move(now, task.ID, target.Machine)
		if err != nil {
			e.logger.Debug("Consolidation target refused task",
				zap.Uint64("task_id", uint64(task.ID)),
				zap.Uint32("machine_id", uint32(target.Machine)),
				zap.Error(err),
			)
			if _, still := e.catalog.Locate(task.ID); !still {
				return Move{}, false
			}
			continue
		}

		move := Move{
			ID:   uuid.NewString(),
			Task: task.ID,
			VM:   vm,
			From: source.Machine,
			To:   target.Machine,
			Reason: fmt.Sprintf("machine %d at %.1f%% drained into machine %d at %.1f%%",
				source.Machine, source.Utilization*100, target.Machine, target.Utilization*100),
		}
		e.logger.Info("Consolidated task",
			zap.String("id", move.ID),
			zap.Uint64("task_id", uint64(move.Task)),
			zap.Uint32("source_machine", uint32(move.From)),
			zap.Uint32("target_machine", uint32(move.To)),
			zap.String("reason", move.Reason),
		)
		return move, true
	}
	return Move{}, false
}

// smallestMovable returns the smallest task by memory on a machine whose VM
// is not migrating, ties by id.
func (e *Engine) smallestMovable(machine domain.MachineID) (domain.TaskInfo, bool) {
	var best domain.TaskInfo
	found := false
	for _, t := range e.catalog.TasksOn(machine) {
		loc, _ := e.catalog.Locate(t.ID)
		if view, _ := e.catalog.VM(loc.VM); view.Migrating {
			continue
		}
		if !found || t.MemoryMiB < best.MemoryMiB {
			best, found = t, true
		}
	}
	return best, found
}
