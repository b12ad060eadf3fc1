// Package main is the entry point of the cloudsim scheduler simulator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "cloudsim",
		Short: "Energy-aware cluster scheduler and simulator.",
		Long: `cloudsim drives a scheduling policy against a simulated cluster.

It places tasks, consolidates load and powers machines up and down, then
reports energy use and service-level compliance per class.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to config file")

	root.AddCommand(newRunCmd(), newServeCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information.",
		Run: func(cmd *cobra.Command, _ []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "cloudsim")
			fmt.Fprintln(out, "Version:", version)
			fmt.Fprintln(out, "Commit:", commit)
			fmt.Fprintln(out, "Build Date:", buildDate)
		},
	}
}

// loadConfig reads the config file named by --config and applies the
// command-line overrides shared by run and serve.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("policy") {
		cfg.Scheduler.Policy, _ = flags.GetString("policy")
	}
	if flags.Changed("seed") {
		cfg.Workload.Seed, _ = flags.GetInt64("seed")
	}
	if flags.Changed("tasks") {
		cfg.Workload.Tasks, _ = flags.GetInt("tasks")
	}
	if flags.Changed("check") {
		cfg.Scheduler.CheckInvariants, _ = flags.GetBool("check")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func addRunFlags(cmd *cobra.Command) {
	cmd.Flags().StringP("policy", "p", "", "Scheduling policy (overrides scheduler.policy)")
	cmd.Flags().Int64("seed", 0, "Workload seed (overrides workload.seed)")
	cmd.Flags().IntP("tasks", "n", 0, "Number of tasks to generate (overrides workload.tasks)")
	cmd.Flags().Bool("check", false, "Verify scheduler invariants after every event")
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}
	return logger
}
