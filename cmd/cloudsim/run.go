package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/config"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/events"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/metrics"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/sim"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/workload"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one simulation to completion and print the report.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			in, err := openInfra(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer in.Close()

			var sinks []events.Sink
			if in.cache != nil {
				async := events.NewAsync(in.cache, cfg.Redis.Buffer, logger)
				async.Start(ctx)
				defer async.Close()
				sinks = append(sinks, async)
			}

			s, err := newSimulation(cfg, logger, prometheus.NewRegistry(), sinks...)
			if err != nil {
				return err
			}
			report, err := s.run(ctx)
			if err != nil {
				return err
			}
			if err := in.reports.Save(ctx, &report); err != nil {
				logger.Error("Failed to save report", zap.Error(err))
			}

			out := cmd.OutOrStdout()
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return report.WriteSummary(out)
		},
	}
	addRunFlags(cmd)
	cmd.Flags().Bool("json", false, "Print the report as JSON")
	return cmd
}

// simulation is one simulator wired to one scheduler.
type simulation struct {
	sim    *sim.Simulator
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

func newSimulation(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer, sinks ...events.Sink) (*simulation, error) {
	machines, err := workload.Topology(cfg.Cluster.Machines)
	if err != nil {
		return nil, fmt.Errorf("failed to build topology: %w", err)
	}
	tasks, err := workload.Generate(cfg.Workload)
	if err != nil {
		return nil, fmt.Errorf("failed to generate workload: %w", err)
	}
	summary := workload.Summarize(tasks)
	logger.Info("Workload generated",
		zap.Int("tasks", summary.Tasks),
		zap.Stringer("span", summary.Span),
		zap.Float64("mean_runtime_s", summary.MeanRuntime),
		zap.Float64("p95_runtime_s", summary.P95Runtime),
		zap.Float64("mean_memory_mib", summary.MeanMemoryMiB),
		zap.Int("gpu_tasks", summary.GPUTasks),
	)

	simulator, err := sim.New(cfg.Sim, machines, tasks, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create simulator: %w", err)
	}
	policy, err := scheduler.NewPolicy(cfg.Scheduler.Policy, cfg.Scheduler)
	if err != nil {
		return nil, err
	}
	sched, err := scheduler.New(simulator, policy, cfg.Scheduler, logger,
		scheduler.WithMetrics(metrics.New(reg, policy.Name())),
		scheduler.WithSinks(sinks...),
		scheduler.WithPowerConfig(cfg.Power),
		scheduler.WithConsolidationConfig(cfg.Consolidation),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return &simulation{sim: simulator, sched: sched, logger: logger}, nil
}

func (s *simulation) run(ctx context.Context) (domain.Report, error) {
	s.logger.Info("Starting run",
		zap.String("run_id", s.sched.RunID()),
		zap.String("policy", s.sched.Policy().Name()),
	)
	report, err := s.sim.Run(ctx, s.sched)
	if err != nil {
		return domain.Report{}, err
	}

	stats := s.sim.Stats()
	s.logger.Info("Run finished",
		zap.String("run_id", report.RunID),
		zap.Float64("energy_kwh", report.EnergyKWh()),
		zap.Uint64("violations", report.TotalViolations()),
		zap.Int("rejected_assignments", stats.Rejected),
		zap.Int("risk_warnings", stats.Warnings),
		zap.Uint64("stale_events", stats.StaleEvents),
		zap.String("digest", report.Digest),
	)
	return report, nil
}
