package etcd

import (
	"context"
	"sort"
	"time"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
)

// Checkpoint is the progress record the leader writes while a run is in
// flight. Followers read it to report where the leader is.
type Checkpoint struct {
	RunID        string                `json:"run_id"`
	Policy       string                `json:"policy"`
	SimTime      domain.Time           `json:"sim_time"`
	EnergyJoules float64               `json:"energy_joules"`
	Arrived      uint64                `json:"arrived"`
	Completed    uint64                `json:"completed"`
	Violations   uint64                `json:"violations"`
	Tiers        map[string]int        `json:"tiers"`
	States       map[string]int        `json:"states"`
	Pending      scheduler.PendingWork `json:"pending"`
	Digest       string                `json:"digest"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// NewCheckpoint summarizes a scheduler snapshot.
func NewCheckpoint(s scheduler.Snapshot, at time.Time) Checkpoint {
	cp := Checkpoint{
		RunID:        s.Report.RunID,
		Policy:       s.Report.Policy,
		SimTime:      s.Report.FinishedAt,
		EnergyJoules: s.Report.EnergyJoules,
		Arrived:      s.Report.Arrived,
		Completed:    s.Report.Completed,
		Violations:   s.Report.TotalViolations(),
		Tiers:        make(map[string]int),
		States:       make(map[string]int),
		Pending:      s.Pending,
		Digest:       s.Report.Digest,
		UpdatedAt:    at,
	}
	for _, m := range s.Machines {
		cp.Tiers[m.Tier]++
		cp.States[string(m.State)]++
	}
	return cp
}

// TierNames returns the tier names present in the checkpoint, sorted.
func (c Checkpoint) TierNames() []string {
	names := make([]string, 0, len(c.Tiers))
	for n := range c.Tiers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SaveCheckpoint overwrites the shared checkpoint.
func (c *Client) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	return c.Put(ctx, c.checkpointKey, cp)
}

// LoadCheckpoint reads the shared checkpoint. It returns ErrKeyNotFound
// when no run has checkpointed yet.
func (c *Client) LoadCheckpoint(ctx context.Context) (*Checkpoint, error) {
	var cp Checkpoint
	if err := c.Get(ctx, c.checkpointKey, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}
