package power

import "github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"

// Config holds power-management tunables.
type Config struct {
	// IdleState is the state idle machines are sent to: STANDBY or OFF.
	IdleState string `mapstructure:"idle_state"`

	// MinActive is the floor of running-tier machines that deactivation
	// never goes below.
	MinActive int `mapstructure:"min_active"`

	// HighLoad and LowLoad are the hysteresis thresholds on the memory
	// load of the running tier.
	HighLoad float64 `mapstructure:"high_load"`
	LowLoad  float64 `mapstructure:"low_load"`

	// MinRunning and WorkloadMargin size the running tier from the number
	// of tasks in flight.
	MinRunning     int     `mapstructure:"min_running"`
	WorkloadMargin float64 `mapstructure:"workload_margin"`

	// MaxActivations and MaxDeactivations bound one resize pass.
	MaxActivations   int `mapstructure:"max_activations"`
	MaxDeactivations int `mapstructure:"max_deactivations"`

	// ProactiveEvery is the completion count between proactive activation
	// checks. Zero disables them.
	ProactiveEvery    uint64  `mapstructure:"proactive_every"`
	ProactiveBelow    float64 `mapstructure:"proactive_below"`
	ProactiveFraction float64 `mapstructure:"proactive_fraction"`
	ProactiveMax      int     `mapstructure:"proactive_max"`
}

// DefaultConfig returns the default power configuration.
func DefaultConfig() Config {
	return Config{
		IdleState:         string(domain.PowerStandby),
		MinActive:         1,
		HighLoad:          0.70,
		LowLoad:           0.30,
		MinRunning:        3,
		WorkloadMargin:    0.20,
		MaxActivations:    8,
		MaxDeactivations:  2,
		ProactiveEvery:    500,
		ProactiveBelow:    0.70,
		ProactiveFraction: 0.10,
		ProactiveMax:      4,
	}
}

// Layout sizes the initial tiers as fractions of the cluster with minimum
// counts.
type Layout struct {
	RunningFraction      float64
	MinRunning           int
	IntermediateFraction float64
	MinIntermediate      int
}

// AllRunning keeps every machine active at start.
var AllRunning = Layout{RunningFraction: 1}

// Tiered is the three-tier start layout: most machines running, a standby
// pool and the rest switched off.
var Tiered = Layout{
	RunningFraction:      0.80,
	MinRunning:           4,
	IntermediateFraction: 0.15,
	MinIntermediate:      2,
}

// Sizes returns the running and intermediate tier sizes for n machines.
func (l Layout) Sizes(n int) (running, intermediate int) {
	running = max(int(float64(n)*l.RunningFraction), l.MinRunning)
	running = min(running, n)
	intermediate = max(int(float64(n)*l.IntermediateFraction), l.MinIntermediate)
	intermediate = min(intermediate, n-running)
	return running, intermediate
}
