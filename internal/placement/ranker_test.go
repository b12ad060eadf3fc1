package placement

import (
	"testing"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

func machines(c []Candidate) []domain.MachineID {
	out := make([]domain.MachineID, len(c))
	for i := range c {
		out[i] = c[i].Machine
	}
	return out
}

func equal(a, b []domain.MachineID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ===== Tests =====

func TestLeastLoadedTieBreaksOnID(t *testing.T) {
	c := []Candidate{
		{Machine: 3, Utilization: 0.5},
		{Machine: 2, Utilization: 0.1},
		{Machine: 1, Utilization: 0.5},
	}
	LeastLoaded{}.Rank(domain.TaskInfo{}, c)
	if got := machines(c); !equal(got, []domain.MachineID{2, 1, 3}) {
		t.Errorf("unexpected order %v", got)
	}
}

func TestEnergyRankedOrder(t *testing.T) {
	e := NewEnergyRanked()
	e.rank[0] = 500
	e.rank[1] = 100
	e.rank[2] = 100
	c := []Candidate{{Machine: 0}, {Machine: 2}, {Machine: 1}}
	e.Rank(domain.TaskInfo{}, c)
	if got := machines(c); !equal(got, []domain.MachineID{1, 2, 0}) {
		t.Errorf("unexpected order %v", got)
	}
}

func TestResponseTimeLearns(t *testing.T) {
	r := NewResponseTime(0.5)
	r.Observe(1, 100)
	r.Observe(1, 300)
	if avg, _ := r.Average(1); avg != 200 {
		t.Errorf("expected EWMA 200, got %f", avg)
	}
	r.Observe(2, 50)

	c := []Candidate{
		{Machine: 0, VM: 1, HasVM: true},
		{Machine: 5, VM: 2, HasVM: true},
	}
	r.Rank(domain.TaskInfo{}, c)
	if c[0].Machine != 5 {
		t.Errorf("expected faster VM's machine first, got %v", machines(c))
	}

	r.Forget(2)
	if _, ok := r.Average(2); ok {
		t.Error("expected forgotten VM to have no average")
	}
}

func TestFirstFitPrefersExistingVM(t *testing.T) {
	c := []Candidate{{Machine: 0}, {Machine: 4, HasVM: true}, {Machine: 2, HasVM: true}}
	FirstFit{}.Rank(domain.TaskInfo{}, c)
	if got := machines(c); !equal(got, []domain.MachineID{2, 4, 0}) {
		t.Errorf("unexpected order %v", got)
	}
}
