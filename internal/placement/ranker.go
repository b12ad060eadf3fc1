package placement

import (
	"sort"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/cluster"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

// Candidate is an active machine that can host a task right now.
type Candidate struct {
	Machine     domain.MachineID
	Utilization float64
	FreeMiB     uint64
	// VM is an attached VM of the task's type on the machine, if HasVM.
	VM    domain.VMID
	HasVM bool
}

// Ranker orders candidates by a policy's preference. Rank must be
// deterministic and break ties by lowest machine id.
type Ranker interface {
	Name() string
	Rank(task domain.TaskInfo, candidates []Candidate)
}

// Refresher is implemented by rankers that precompute state from the
// catalog before each placement.
type Refresher interface {
	Refresh(catalog *cluster.Catalog)
}

// Observer is implemented by rankers that learn from completed tasks.
type Observer interface {
	Observe(vm domain.VMID, response domain.Time)
	Forget(vm domain.VMID)
}

// LeastLoaded prefers the machine with the lowest memory utilization.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return "least-loaded" }

func (LeastLoaded) Rank(_ domain.TaskInfo, c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Utilization != c[j].Utilization {
			return c[i].Utilization < c[j].Utilization
		}
		return c[i].Machine < c[j].Machine
	})
}

// EnergyRanked prefers machines that have consumed the least energy. The
// ranking is refreshed from the harness before each placement.
type EnergyRanked struct {
	rank map[domain.MachineID]float64
}

// NewEnergyRanked returns an empty energy ranking.
func NewEnergyRanked() *EnergyRanked {
	return &EnergyRanked{rank: make(map[domain.MachineID]float64)}
}

func (*EnergyRanked) Name() string { return "energy-ranked" }

func (e *EnergyRanked) Refresh(catalog *cluster.Catalog) {
	for _, id := range catalog.MachineIDs() {
		e.rank[id] = catalog.Info(id).EnergyJoules
	}
}

func (e *EnergyRanked) Rank(_ domain.TaskInfo, c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		ei, ej := e.rank[c[i].Machine], e.rank[c[j].Machine]
		if ei != ej {
			return ei < ej
		}
		return c[i].Machine < c[j].Machine
	})
}

// ResponseTime prefers the machine whose VMs have the lowest exponentially
// weighted average response time (completion minus arrival).
type ResponseTime struct {
	alpha   float64
	average map[domain.VMID]float64
	hosts   map[domain.VMID]domain.MachineID
}

// NewResponseTime returns a ranker with smoothing factor alpha in (0,1].
func NewResponseTime(alpha float64) *ResponseTime {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.3
	}
	return &ResponseTime{
		alpha:   alpha,
		average: make(map[domain.VMID]float64),
		hosts:   make(map[domain.VMID]domain.MachineID),
	}
}

func (*ResponseTime) Name() string { return "response-time" }

// Observe folds a completed task's response time into its VM's average.
func (r *ResponseTime) Observe(vm domain.VMID, response domain.Time) {
	v := float64(response)
	if avg, ok := r.average[vm]; ok {
		r.average[vm] = r.alpha*v + (1-r.alpha)*avg
		return
	}
	r.average[vm] = v
}

// Forget drops a VM that no longer exists.
func (r *ResponseTime) Forget(vm domain.VMID) {
	delete(r.average, vm)
	delete(r.hosts, vm)
}

// Average returns the current average for a VM.
func (r *ResponseTime) Average(vm domain.VMID) (float64, bool) {
	avg, ok := r.average[vm]
	return avg, ok
}

func (r *ResponseTime) Refresh(catalog *cluster.Catalog) {
	for vm := range r.average {
		view, ok := catalog.VM(vm)
		if !ok || !view.Attached {
			r.Forget(vm)
			continue
		}
		r.hosts[vm] = view.Machine
	}
}

func (r *ResponseTime) predict(c Candidate) float64 {
	if c.HasVM {
		if avg, ok := r.average[c.VM]; ok {
			return avg
		}
	}
	var vms []domain.VMID
	for vm, host := range r.hosts {
		if host == c.Machine {
			vms = append(vms, vm)
		}
	}
	if len(vms) == 0 {
		return 0
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i] < vms[j] })
	var sum float64
	for _, vm := range vms {
		sum += r.average[vm]
	}
	return sum / float64(len(vms))
}

func (r *ResponseTime) Rank(_ domain.TaskInfo, c []Candidate) {
	predicted := make(map[domain.MachineID]float64, len(c))
	for _, cand := range c {
		predicted[cand.Machine] = r.predict(cand)
	}
	sort.SliceStable(c, func(i, j int) bool {
		pi, pj := predicted[c[i].Machine], predicted[c[j].Machine]
		if pi != pj {
			return pi < pj
		}
		if c[i].Utilization != c[j].Utilization {
			return c[i].Utilization < c[j].Utilization
		}
		return c[i].Machine < c[j].Machine
	})
}

// FirstFit prefers machines that already host a VM of the task's type, then
// the lowest id.
type FirstFit struct{}

func (FirstFit) Name() string { return "first-fit" }

func (FirstFit) Rank(_ domain.TaskInfo, c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].HasVM != c[j].HasVM {
			return c[i].HasVM
		}
		return c[i].Machine < c[j].Machine
	})
}
