// Package config provides configuration management for the cloudsim scheduler.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/consolidation"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/power"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/sim"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/workload"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// CLOUDSIM_SCHEDULER_POLICY=eeco.
const EnvPrefix = "CLOUDSIM"

// Config holds all configuration for the application.
type Config struct {
	Scheduler     scheduler.Config     `mapstructure:"scheduler"`
	Power         power.Config         `mapstructure:"power"`
	Consolidation consolidation.Config `mapstructure:"consolidation"`
	Sim           sim.Config           `mapstructure:"sim"`
	Workload      workload.Config      `mapstructure:"workload"`
	Cluster       ClusterConfig        `mapstructure:"cluster"`
	Server        ServerConfig         `mapstructure:"server"`
	Database      DatabaseConfig       `mapstructure:"database"`
	Storage       StorageConfig        `mapstructure:"storage"`
	Etcd          EtcdConfig           `mapstructure:"etcd"`
	Redis         RedisConfig          `mapstructure:"redis"`
	Auth          AuthConfig           `mapstructure:"auth"`
	Logging       LoggingConfig        `mapstructure:"logging"`
	CORS          CORSConfig           `mapstructure:"cors"`
}

// ClusterConfig describes the simulated machines.
type ClusterConfig struct {
	Machines []workload.MachineGroup `mapstructure:"machines"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// SnapshotEvery is the number of periodic ticks between status
	// snapshots published to the API.
	SnapshotEvery int `mapstructure:"snapshot_every"`
}

// Address returns the server address string.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GRPCAddress returns the gRPC health server address.
func (c ServerConfig) GRPCAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.GRPCPort)
}

// DatabaseConfig holds PostgreSQL configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate wants it.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

// StorageConfig selects where reports are kept.
type StorageConfig struct {
	// Backend is one of memory, bolt or postgres.
	Backend  string `mapstructure:"backend"`
	BoltPath string `mapstructure:"bolt_path"`
}

// EtcdConfig holds etcd configuration.
type EtcdConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Endpoints      []string      `mapstructure:"endpoints"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ElectionPrefix string        `mapstructure:"election_prefix"`
	CheckpointKey  string        `mapstructure:"checkpoint_key"`
	SessionTTL     int           `mapstructure:"session_ttl"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Channel  string        `mapstructure:"channel"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// Buffer is the number of decisions queued for publishing before new
	// ones are dropped.
	Buffer int `mapstructure:"buffer"`
}

// Address returns the Redis address string.
func (c RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	Issuer      string        `mapstructure:"issuer"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("cloudsim")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// fillDefaults supplies the collection-valued defaults viper cannot merge
// key by key.
func (c *Config) fillDefaults() {
	if len(c.Cluster.Machines) == 0 {
		c.Cluster.Machines = workload.DefaultTopology()
	}
	d := workload.DefaultConfig()
	if len(c.Workload.ArchWeights) == 0 {
		c.Workload.ArchWeights = d.ArchWeights
	}
	if len(c.Workload.SLAWeights) == 0 {
		c.Workload.SLAWeights = d.SLAWeights
	}
	if len(c.Workload.VMWeights) == 0 {
		c.Workload.VMWeights = d.VMWeights
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if _, err := scheduler.NewPolicy(c.Scheduler.Policy, c.Scheduler); err != nil {
		return fmt.Errorf("scheduler.policy: %w", err)
	}
	idle, err := domain.ParsePowerState(c.Power.IdleState)
	if err != nil {
		return fmt.Errorf("power.idle_state: %w", err)
	}
	if idle == domain.PowerActive {
		return fmt.Errorf("%w: power.idle_state cannot be ACTIVE", domain.ErrInvalidArgument)
	}
	if err := c.Sim.Validate(); err != nil {
		return fmt.Errorf("sim: %w", err)
	}
	switch c.Storage.Backend {
	case "memory", "postgres":
	case "bolt":
		if c.Storage.BoltPath == "" {
			return fmt.Errorf("%w: storage.bolt_path is required for the bolt backend", domain.ErrInvalidArgument)
		}
	default:
		return fmt.Errorf("%w: storage.backend %q", domain.ErrInvalidArgument, c.Storage.Backend)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: auth.jwt_secret is required when auth is enabled", domain.ErrInvalidArgument)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Scheduler
	sd := scheduler.DefaultConfig()
	v.SetDefault("scheduler.policy", sd.Policy)
	v.SetDefault("scheduler.check_invariants", sd.CheckInvariants)
	v.SetDefault("scheduler.resize_every_completions", sd.ResizeEveryCompletions)
	v.SetDefault("scheduler.predictive_alpha", sd.PredictiveAlpha)
	v.SetDefault("scheduler.decision_history", sd.DecisionHistory)
	v.SetDefault("scheduler.violation_history", sd.ViolationHistory)

	// Power
	pd := power.DefaultConfig()
	v.SetDefault("power.idle_state", pd.IdleState)
	v.SetDefault("power.min_active", pd.MinActive)
	v.SetDefault("power.high_load", pd.HighLoad)
	v.SetDefault("power.low_load", pd.LowLoad)
	v.SetDefault("power.min_running", pd.MinRunning)
	v.SetDefault("power.workload_margin", pd.WorkloadMargin)
	v.SetDefault("power.max_activations", pd.MaxActivations)
	v.SetDefault("power.max_deactivations", pd.MaxDeactivations)
	v.SetDefault("power.proactive_every", pd.ProactiveEvery)
	v.SetDefault("power.proactive_below", pd.ProactiveBelow)
	v.SetDefault("power.proactive_fraction", pd.ProactiveFraction)
	v.SetDefault("power.proactive_max", pd.ProactiveMax)

	// Consolidation
	cd := consolidation.DefaultConfig()
	v.SetDefault("consolidation.enabled", cd.Enabled)
	v.SetDefault("consolidation.every_completions", cd.EveryCompletions)
	v.SetDefault("consolidation.interval", cd.Interval)
	v.SetDefault("consolidation.moves_per_run", cd.MovesPerRun)

	// Simulator
	simd := sim.DefaultConfig()
	v.SetDefault("sim.tick_interval", simd.TickInterval)
	v.SetDefault("sim.max_time", simd.MaxTime)
	v.SetDefault("sim.wake_from_standby", simd.WakeFromStandby)
	v.SetDefault("sim.wake_from_off", simd.WakeFromOff)
	v.SetDefault("sim.standby_delay", simd.StandbyDelay)
	v.SetDefault("sim.off_delay", simd.OffDelay)
	v.SetDefault("sim.migration_delay", simd.MigrationDelay)
	v.SetDefault("sim.migration_penalty", simd.MigrationPenalty)
	v.SetDefault("sim.active_idle_watts", simd.ActiveIdleWatts)
	v.SetDefault("sim.active_peak_watts", simd.ActivePeakWatts)
	v.SetDefault("sim.standby_watts", simd.StandbyWatts)
	v.SetDefault("sim.off_watts", simd.OffWatts)
	v.SetDefault("sim.risk_threshold", simd.RiskThreshold)
	v.SetDefault("sim.allow_overcommit", simd.AllowOvercommit)

	// Workload
	wd := workload.DefaultConfig()
	v.SetDefault("workload.seed", wd.Seed)
	v.SetDefault("workload.tasks", wd.Tasks)
	v.SetDefault("workload.mean_interarrival", wd.MeanInterarrival)
	v.SetDefault("workload.min_runtime", wd.MinRuntime)
	v.SetDefault("workload.max_runtime", wd.MaxRuntime)
	v.SetDefault("workload.min_memory_mib", wd.MinMemoryMiB)
	v.SetDefault("workload.max_memory_mib", wd.MaxMemoryMiB)
	v.SetDefault("workload.gpu_fraction", wd.GPUFraction)

	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.snapshot_every", 1)

	// Database
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "cloudsim")
	v.SetDefault("database.user", "cloudsim")
	v.SetDefault("database.password", "cloudsim")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "5m")

	// Storage
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.bolt_path", "cloudsim.db")

	// etcd
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", "5s")
	v.SetDefault("etcd.election_prefix", "/cloudsim/leader")
	v.SetDefault("etcd.checkpoint_key", "/cloudsim/tiers")
	v.SetDefault("etcd.session_ttl", 10)

	// Redis
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "cloudsim:decisions")
	v.SetDefault("redis.cache_ttl", "1h")
	v.SetDefault("redis.buffer", 1024)

	// Auth
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "change-me-in-production")
	v.SetDefault("auth.issuer", "cloudsim")
	v.SetDefault("auth.token_expiry", "24h")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	// CORS
	v.SetDefault("cors.allowed_origins", []string{"http://localhost:5173"})
	v.SetDefault("cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("cors.allowed_headers", []string{"*"})
	v.SetDefault("cors.allow_credentials", true)
}
