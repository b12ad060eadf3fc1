// Package workload builds simulated clusters and synthetic task streams.
package workload

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/sim"
)

// MachineGroup describes Count identical machines.
type MachineGroup struct {
	Count     int    `mapstructure:"count"`
	Arch      string `mapstructure:"arch"`
	Cores     uint32 `mapstructure:"cores"`
	MemoryMiB uint64 `mapstructure:"memory_mib"`
	GPU       bool   `mapstructure:"gpu"`
	State     string `mapstructure:"state"`
}

// Config controls task generation.
type Config struct {
	Seed             int64         `mapstructure:"seed"`
	Tasks            int           `mapstructure:"tasks"`
	MeanInterarrival time.Duration `mapstructure:"mean_interarrival"`
	MinRuntime       time.Duration `mapstructure:"min_runtime"`
	MaxRuntime       time.Duration `mapstructure:"max_runtime"`
	MinMemoryMiB     uint64        `mapstructure:"min_memory_mib"`
	MaxMemoryMiB     uint64        `mapstructure:"max_memory_mib"`
	GPUFraction      float64       `mapstructure:"gpu_fraction"`
	// ArchWeights and SLAWeights are relative; missing keys get zero.
	ArchWeights map[string]float64 `mapstructure:"arch_weights"`
	SLAWeights  map[string]float64 `mapstructure:"sla_weights"`
	// VMWeights picks the guest type among those the task's arch supports.
	VMWeights map[string]float64 `mapstructure:"vm_weights"`
}

// DefaultConfig returns a small mixed workload.
func DefaultConfig() Config {
	return Config{
		Seed:             1,
		Tasks:            200,
		MeanInterarrival: 500 * time.Millisecond,
		MinRuntime:       2 * time.Second,
		MaxRuntime:       60 * time.Second,
		MinMemoryMiB:     128,
		MaxMemoryMiB:     2048,
		ArchWeights:      map[string]float64{"X86": 0.6, "ARM": 0.25, "POWER": 0.1, "RISCV": 0.05},
		SLAWeights:       map[string]float64{"SLA0": 0.2, "SLA1": 0.3, "SLA2": 0.3, "SLA3": 0.2},
		VMWeights:        map[string]float64{"LINUX": 0.7, "LINUX_RT": 0.1, "WIN": 0.15, "AIX": 0.05},
	}
}

// DefaultTopology returns a small heterogeneous cluster.
func DefaultTopology() []MachineGroup {
	return []MachineGroup{
		{Count: 8, Arch: "X86", Cores: 16, MemoryMiB: 16384, State: "ACTIVE"},
		{Count: 2, Arch: "X86", Cores: 16, MemoryMiB: 32768, GPU: true, State: "STANDBY"},
		{Count: 4, Arch: "ARM", Cores: 8, MemoryMiB: 8192, State: "ACTIVE"},
		{Count: 2, Arch: "POWER", Cores: 32, MemoryMiB: 65536, State: "OFF"},
		{Count: 2, Arch: "RISCV", Cores: 4, MemoryMiB: 4096, State: "STANDBY"},
	}
}

// Topology expands machine groups into machine specs. Ids follow group
// order.
func Topology(groups []MachineGroup) ([]sim.MachineSpec, error) {
	var out []sim.MachineSpec
	for i, g := range groups {
		arch, err := domain.ParseCPUArch(g.Arch)
		if err != nil {
			return nil, fmt.Errorf("machine group %d: %w", i, err)
		}
		state := domain.PowerActive
		if g.State != "" {
			if state, err = domain.ParsePowerState(g.State); err != nil {
				return nil, fmt.Errorf("machine group %d: %w", i, err)
			}
		}
		if g.Count < 0 || g.Cores == 0 || g.MemoryMiB == 0 {
			return nil, fmt.Errorf("%w: machine group %d needs a count, cores and memory", domain.ErrInvalidArgument, i)
		}
		for j := 0; j < g.Count; j++ {
			out = append(out, sim.MachineSpec{Arch: arch, Cores: g.Cores, MemoryMiB: g.MemoryMiB, GPU: g.GPU, State: state})
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: topology has no machines", domain.ErrInvalidArgument)
	}
	return out, nil
}

type choice[T any] struct {
	value  T
	weight float64
}

type picker[T any] struct {
	choices []choice[T]
	total   float64
}

func newPicker[T any](weights map[string]float64, parse func(string) (T, error)) (*picker[T], error) {
	keys := make([]string, 0, len(weights))
	for k := range weights {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := &picker[T]{}
	for _, k := range keys {
		w := weights[k]
		if w < 0 {
			return nil, fmt.Errorf("%w: negative weight for %q", domain.ErrInvalidArgument, k)
		}
		if w == 0 {
			continue
		}
		v, err := parse(k)
		if err != nil {
			return nil, err
		}
		p.choices = append(p.choices, choice[T]{value: v, weight: w})
		p.total += w
	}
	if p.total == 0 {
		return nil, fmt.Errorf("%w: all weights are zero", domain.ErrInvalidArgument)
	}
	return p, nil
}

func (p *picker[T]) pick(rng *rand.Rand, allow func(T) bool) (T, bool) {
	var total float64
	for _, c := range p.choices {
		if allow(c.value) {
			total += c.weight
		}
	}
	var zero T
	if total == 0 {
		return zero, false
	}
	r := rng.Float64() * total
	for _, c := range p.choices {
		if !allow(c.value) {
			continue
		}
		if r < c.weight {
			return c.value, true
		}
		r -= c.weight
	}
	for i := len(p.choices) - 1; i >= 0; i-- {
		if allow(p.choices[i].value) {
			return p.choices[i].value, true
		}
	}
	return zero, false
}

func always[T any](T) bool { return true }

// Generate returns cfg.Tasks tasks with exponential inter-arrival times,
// ordered by arrival. The same seed always yields the same tasks.
func Generate(cfg Config) ([]sim.TaskSpec, error) {
	if cfg.Tasks < 0 || cfg.MinRuntime <= 0 || cfg.MaxRuntime < cfg.MinRuntime {
		return nil, fmt.Errorf("%w: bad task count or runtime range", domain.ErrInvalidArgument)
	}
	if cfg.MinMemoryMiB == 0 || cfg.MaxMemoryMiB < cfg.MinMemoryMiB {
		return nil, fmt.Errorf("%w: bad memory range", domain.ErrInvalidArgument)
	}
	archs, err := newPicker(cfg.ArchWeights, domain.ParseCPUArch)
	if err != nil {
		return nil, fmt.Errorf("arch weights: %w", err)
	}
	slas, err := newPicker(cfg.SLAWeights, domain.ParseSLAClass)
	if err != nil {
		return nil, fmt.Errorf("sla weights: %w", err)
	}
	vms, err := newPicker(cfg.VMWeights, domain.ParseVMType)
	if err != nil {
		return nil, fmt.Errorf("vm weights: %w", err)
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	out := make([]sim.TaskSpec, 0, cfg.Tasks)
	var at float64
	for i := 0; i < cfg.Tasks; i++ {
		at += rng.ExpFloat64() * float64(domain.FromDuration(cfg.MeanInterarrival))

		arch, _ := archs.pick(rng, always[domain.CPUArch])
		sla, _ := slas.pick(rng, always[domain.SLAClass])
		vmType, ok := vms.pick(rng, func(t domain.VMType) bool { return t.SupportsArch(arch) })
		if !ok {
			vmType = domain.VMLinux
		}

		runtime := cfg.MinRuntime
		if span := cfg.MaxRuntime - cfg.MinRuntime; span > 0 {
			runtime += time.Duration(rng.Int63n(int64(span)))
		}
		mem := cfg.MinMemoryMiB
		if span := cfg.MaxMemoryMiB - cfg.MinMemoryMiB; span > 0 {
			mem += uint64(rng.Int63n(int64(span)))
		}

		out = append(out, sim.TaskSpec{
			ID:        domain.TaskID(i + 1),
			Arrival:   domain.Time(math.Round(at)),
			Runtime:   domain.FromDuration(runtime),
			Arch:      arch,
			VMType:    vmType,
			MemoryMiB: mem,
			GPU:       rng.Float64() < cfg.GPUFraction,
			SLA:       sla,
		})
	}
	return out, nil
}

// Summary describes a generated workload.
type Summary struct {
	Tasks          int
	Span           domain.Time
	MeanRuntime    float64
	StdDevRuntime  float64
	P95Runtime     float64
	MeanMemoryMiB  float64
	ByArch         map[domain.CPUArch]int
	BySLA          map[domain.SLAClass]int
	GPUTasks       int
	TotalWorkCoreS float64
}

// Summarize computes workload statistics. Runtimes are in seconds.
func Summarize(tasks []sim.TaskSpec) Summary {
	s := Summary{
		Tasks:  len(tasks),
		ByArch: make(map[domain.CPUArch]int),
		BySLA:  make(map[domain.SLAClass]int),
	}
	if len(tasks) == 0 {
		return s
	}
	runtimes := make([]float64, len(tasks))
	memory := make([]float64, len(tasks))
	for i, t := range tasks {
		runtimes[i] = t.Runtime.Seconds()
		memory[i] = float64(t.MemoryMiB)
		s.ByArch[t.Arch]++
		s.BySLA[t.SLA]++
		if t.GPU {
			s.GPUTasks++
		}
		s.TotalWorkCoreS += runtimes[i]
		s.Span = max(s.Span, t.Arrival)
	}
	s.MeanRuntime, s.StdDevRuntime = stat.MeanStdDev(runtimes, nil)
	s.MeanMemoryMiB = stat.Mean(memory, nil)
	sort.Float64s(runtimes)
	s.P95Runtime = stat.Quantile(0.95, stat.Empirical, runtimes, nil)
	return s
}
