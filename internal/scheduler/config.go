// Package scheduler is the event-driven core: it receives harness events,
// keeps the catalog, tiers and pending tables in step, and drives
// placement, consolidation and recovery through the selected policy.
package scheduler

// Config holds the scheduler configuration.
type Config struct {
	// Policy selects the scheduling policy: pmapper, eeco, greedy,
	// predictive or firstfit.
	Policy string `mapstructure:"policy"`

	// CheckInvariants verifies the catalog after every event.
	CheckInvariants bool `mapstructure:"check_invariants"`

	// ResizeEveryCompletions resizes tiers every N completions for
	// policies that manage tiers.
	ResizeEveryCompletions uint64 `mapstructure:"resize_every_completions"`

	// PredictiveAlpha is the smoothing factor of the response-time average.
	PredictiveAlpha float64 `mapstructure:"predictive_alpha"`

	// DecisionHistory and ViolationHistory bound the in-memory history kept
	// for the status API.
	DecisionHistory  int `mapstructure:"decision_history"`
	ViolationHistory int `mapstructure:"violation_history"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Policy:                 "pmapper",
		CheckInvariants:        false,
		ResizeEveryCompletions: 50,
		PredictiveAlpha:        0.3,
		DecisionHistory:        256,
		ViolationHistory:       128,
	}
}
