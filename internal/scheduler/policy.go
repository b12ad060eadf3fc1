package scheduler

import (
	"fmt"
	"sort"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/consolidation"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/placement"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/power"
)

// Policy is a scheduling strategy. The scheduler core is the same for
// every policy; a policy only chooses the pieces that differ.
type Policy interface {
	Name() string
	// Ranker orders active candidates for placement.
	Ranker() placement.Ranker
	// Layout sizes the initial power tiers.
	Layout() power.Layout
	// ConsolidationTriggers lists the events that may run consolidation.
	ConsolidationTriggers() []consolidation.Trigger
	// ResizeTiers reports whether tiers are resized with load hysteresis.
	ResizeTiers() bool
	// IdleSweep reports whether idle machines are powered down on ticks.
	IdleSweep() bool
}

type policy struct {
	name     string
	ranker   placement.Ranker
	layout   power.Layout
	triggers []consolidation.Trigger
	resize   bool
	sweep    bool
}

func (p *policy) Name() string                                   { return p.name }
func (p *policy) Ranker() placement.Ranker                       { return p.ranker }
func (p *policy) Layout() power.Layout                           { return p.layout }
func (p *policy) ConsolidationTriggers() []consolidation.Trigger { return p.triggers }
func (p *policy) ResizeTiers() bool                              { return p.resize }
func (p *policy) IdleSweep() bool                                { return p.sweep }

var factories = map[string]func(cfg Config) Policy{
	// pmapper ranks machines by energy consumed, consolidates on a
	// completion cadence and powers idle machines down.
	"pmapper": func(Config) Policy {
		return &policy{
			name:     "pmapper",
			ranker:   placement.NewEnergyRanked(),
			layout:   power.AllRunning,
			triggers: []consolidation.Trigger{consolidation.TriggerCompletion, consolidation.TriggerTick},
			sweep:    true,
		}
	},
	// eeco keeps three tiers and resizes them with load hysteresis.
	"eeco": func(Config) Policy {
		return &policy{
			name:   "eeco",
			ranker: placement.LeastLoaded{},
			layout: power.Tiered,
			resize: true,
		}
	},
	// greedy places on the least-loaded machine and consolidates on ticks.
	"greedy": func(Config) Policy {
		return &policy{
			name:     "greedy",
			ranker:   placement.LeastLoaded{},
			layout:   power.AllRunning,
			triggers: []consolidation.Trigger{consolidation.TriggerTick},
		}
	},
	// predictive places where response times have been lowest.
	"predictive": func(cfg Config) Policy {
		return &policy{
			name:   "predictive",
			ranker: placement.NewResponseTime(cfg.PredictiveAlpha),
			layout: power.AllRunning,
			sweep:  true,
		}
	},
	// firstfit is the bare-bones baseline; it only powers idle machines
	// down.
	"firstfit": func(Config) Policy {
		return &policy{
			name:   "firstfit",
			ranker: placement.FirstFit{},
			layout: power.AllRunning,
			sweep:  true,
		}
	},
}

// Policies returns the registered policy names in sorted order.
func Policies() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewPolicy returns a fresh policy by name.
func NewPolicy(name string, cfg Config) (Policy, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown policy %q (have %v)", domain.ErrInvalidArgument, name, Policies())
	}
	return f(cfg), nil
}
