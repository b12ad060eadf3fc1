package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/config"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/events"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/repository/etcd"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/server"
)

const electionName = "scheduler"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a simulation behind the status API.",
		Long: `serve starts the status API, runs one simulation and keeps serving
its report until interrupted. With etcd enabled, several instances may be
started; only the elected leader runs the simulation.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging)
			defer logger.Sync()

			logger.Info("Starting cloudsim",
				zap.String("version", version),
				zap.String("commit", commit),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
	addRunFlags(cmd)
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	in, err := openInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer in.Close()

	reg := prometheus.NewRegistry()
	opts := []server.ServerOption{
		server.WithReports(in.reports),
		server.WithGatherer(reg),
	}
	if in.db != nil {
		opts = append(opts, server.WithPostgreSQL(in.db))
	}
	if in.cache != nil {
		opts = append(opts, server.WithRedis(in.cache))
	}
	if in.etcd != nil {
		opts = append(opts, server.WithEtcd(in.etcd))
	}
	srv := server.New(cfg, logger, opts...)

	// With Redis, every instance streams the leader's decisions from the
	// shared channel; without it, only local decisions are streamed.
	var sinks []events.Sink
	if in.cache != nil {
		async := events.NewAsync(in.cache, cfg.Redis.Buffer, logger)
		async.Start(ctx)
		defer async.Close()
		sinks = append(sinks, async)
		go srv.Decisions().Forward(ctx, in.cache.SubscribeDecisions(ctx))
	} else {
		sinks = append(sinks, srv.Decisions())
	}

	srvErr := make(chan error, 1)
	go func() {
		srvErr <- srv.Run(ctx)
	}()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if in.etcd != nil {
		leader, err := waitForLeadership(ctx, in.etcd, cancelRun, logger)
		if err != nil {
			if ctx.Err() != nil {
				return <-srvErr
			}
			return err
		}
		defer func() {
			if err := leader.Resign(context.Background()); err != nil {
				logger.Warn("Failed to resign leadership", zap.Error(err))
			}
		}()
	}

	s, err := newSimulation(cfg, logger, reg, sinks...)
	if err != nil {
		return err
	}
	publishSnapshots(runCtx, s, srv, in.etcd, cfg.Server.SnapshotEvery, logger)

	srv.SetRunning(true)
	report, err := s.run(runCtx)
	srv.SetRunning(false)
	switch {
	case err == nil:
		srv.Store().Update(s.sched.Snapshot())
		if err := in.reports.Save(ctx, &report); err != nil {
			logger.Error("Failed to save report", zap.Error(err))
		} else {
			logger.Info("Report saved", zap.String("id", report.ID))
		}
	case ctx.Err() != nil:
		// Interrupted by a signal; the server is already shutting down.
	default:
		logger.Error("Run aborted", zap.Error(err))
	}

	return <-srvErr
}

// waitForLeadership campaigns for the scheduler election and blocks until
// this instance leads. Losing leadership later calls onLoss.
func waitForLeadership(ctx context.Context, client *etcd.Client, onLoss context.CancelFunc, logger *zap.Logger) (*etcd.Leader, error) {
	changes := make(chan bool, 2)
	leader, err := client.CampaignForLeader(ctx, electionName, func(isLeader bool) {
		select {
		case changes <- isLeader:
		default:
		}
	})
	if err != nil {
		return nil, err
	}

	current, err := client.GetLeader(ctx, electionName)
	if err != nil {
		current = "none"
	}
	logger.Info("Waiting for leadership",
		zap.String("election", electionName),
		zap.String("current_leader", current),
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case isLeader := <-changes:
			if !isLeader {
				continue
			}
			go func() {
				select {
				case <-ctx.Done():
				case isLeader := <-changes:
					if !isLeader {
						logger.Warn("Lost leadership, stopping the run")
						onLoss()
					}
				}
			}()
			return leader, nil
		}
	}
}

// publishSnapshots refreshes the API snapshot every n periodic ticks and,
// with etcd, checkpoints it for the other instances. The checkpoint write
// runs off the simulation goroutine and is skipped while one is in flight.
func publishSnapshots(ctx context.Context, s *simulation, srv *server.Server, client *etcd.Client, n int, logger *zap.Logger) {
	if n <= 0 {
		n = 1
	}

	var checkpoints chan etcd.Checkpoint
	if client != nil {
		checkpoints = make(chan etcd.Checkpoint, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case cp := <-checkpoints:
					wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
					if err := client.SaveCheckpoint(wctx, cp); err != nil {
						logger.Debug("Failed to save checkpoint", zap.Error(err))
					}
					cancel()
				}
			}
		}()
	}

	ticks := 0
	s.sim.OnTick(func(domain.Time) {
		ticks++
		if ticks%n != 0 {
			return
		}
		snap := s.sched.Snapshot()
		srv.Store().Update(snap)
		if checkpoints != nil {
			select {
			case checkpoints <- etcd.NewCheckpoint(snap, time.Now()):
			default:
			}
		}
	})
}
