package sim

import (
	"fmt"
	"time"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

// Config holds the simulator's timing and energy model.
type Config struct {
	// TickInterval is the simulated time between periodic ticks.
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// MaxTime stops the run at this simulated time. Zero means no limit.
	MaxTime time.Duration `mapstructure:"max_time"`

	// Power transition delays, keyed by the target state.
	WakeFromStandby time.Duration `mapstructure:"wake_from_standby"`
	WakeFromOff     time.Duration `mapstructure:"wake_from_off"`
	StandbyDelay    time.Duration `mapstructure:"standby_delay"`
	OffDelay        time.Duration `mapstructure:"off_delay"`

	// MigrationDelay is how long a live migration takes. MigrationPenalty
	// is added to the remaining work of every task that is moved.
	MigrationDelay   time.Duration `mapstructure:"migration_delay"`
	MigrationPenalty time.Duration `mapstructure:"migration_penalty"`

	// Power draw per state. ACTIVE machines scale from idle to peak with
	// memory load.
	ActiveIdleWatts float64 `mapstructure:"active_idle_watts"`
	ActivePeakWatts float64 `mapstructure:"active_peak_watts"`
	StandbyWatts    float64 `mapstructure:"standby_watts"`
	OffWatts        float64 `mapstructure:"off_watts"`

	// RiskThreshold is the fraction of a task's deadline budget after which
	// a task projected to miss is reported.
	RiskThreshold float64 `mapstructure:"risk_threshold"`
	// AllowOvercommit accepts assignments beyond memory capacity and raises
	// a capacity overflow event instead of rejecting them.
	AllowOvercommit bool `mapstructure:"allow_overcommit"`
}

// DefaultConfig returns the default simulator configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:     time.Second,
		WakeFromStandby:  10 * time.Millisecond,
		WakeFromOff:      2 * time.Second,
		StandbyDelay:     5 * time.Millisecond,
		OffDelay:         500 * time.Millisecond,
		MigrationDelay:   time.Second,
		MigrationPenalty: 50 * time.Millisecond,
		ActiveIdleWatts:  120,
		ActivePeakWatts:  240,
		StandbyWatts:     15,
		OffWatts:         0,
		RiskThreshold:    0.8,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick_interval must be positive", domain.ErrInvalidArgument)
	}
	if c.RiskThreshold <= 0 || c.RiskThreshold > 1 {
		return fmt.Errorf("%w: risk_threshold must be in (0, 1]", domain.ErrInvalidArgument)
	}
	if c.ActivePeakWatts < c.ActiveIdleWatts {
		return fmt.Errorf("%w: active_peak_watts below active_idle_watts", domain.ErrInvalidArgument)
	}
	for _, d := range []time.Duration{c.WakeFromStandby, c.WakeFromOff, c.StandbyDelay, c.OffDelay, c.MigrationDelay, c.MigrationPenalty, c.MaxTime} {
		if d < 0 {
			return fmt.Errorf("%w: negative duration", domain.ErrInvalidArgument)
		}
	}
	return nil
}

func (c Config) transitionDelay(from, to domain.PowerState) domain.Time {
	switch to {
	case domain.PowerActive:
		if from == domain.PowerOff {
			return domain.FromDuration(c.WakeFromOff)
		}
		return domain.FromDuration(c.WakeFromStandby)
	case domain.PowerStandby:
		return domain.FromDuration(c.StandbyDelay)
	default:
		return domain.FromDuration(c.OffDelay)
	}
}

// SLAFactor is the deadline multiplier of a class applied to a task's
// runtime. Best-effort tasks have no deadline.
func SLAFactor(class domain.SLAClass) float64 {
	switch class {
	case domain.SLA0:
		return 1.2
	case domain.SLA1:
		return 1.5
	case domain.SLA2:
		return 2.0
	default:
		return 0
	}
}
