package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/config"
	boltrepo "github.com/ApolloResearchHQ/cloudsim-eec/internal/repository/bolt"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/repository/etcd"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/repository/memory"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/repository/postgres"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/repository/redis"
	"github.com/ApolloResearchHQ/cloudsim-eec/internal/scheduler"
)

// infra holds the optional backends of a run.
type infra struct {
	logger *zap.Logger

	db    *postgres.DB
	bolt  *boltrepo.ReportRepository
	cache *redis.Cache
	etcd  *etcd.Client

	reports scheduler.ReportRepository
}

// openInfra connects the configured report store and, when enabled, Redis
// and etcd. On error everything opened so far is closed.
func openInfra(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*infra, error) {
	in := &infra{logger: logger}

	switch cfg.Storage.Backend {
	case "postgres":
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		in.db = db
		in.reports = postgres.NewReportRepository(db, logger)
	case "bolt":
		repo, err := boltrepo.Open(cfg.Storage.BoltPath, 0o600, logger)
		if err != nil {
			return nil, err
		}
		in.bolt = repo
		in.reports = repo
	default:
		in.reports = memory.NewReportRepository()
	}

	if cfg.Redis.Enabled {
		cache, err := redis.NewCache(cfg.Redis, logger)
		if err != nil {
			in.Close()
			return nil, err
		}
		in.cache = cache
		in.reports = redis.NewCachedReportRepository(in.reports, cache, logger)
	}

	if cfg.Etcd.Enabled {
		client, err := etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			in.Close()
			return nil, err
		}
		in.etcd = client
	}

	logger.Info("Infrastructure ready",
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("redis", in.cache != nil),
		zap.Bool("etcd", in.etcd != nil),
	)
	return in, nil
}

// Close closes every open backend.
func (in *infra) Close() {
	if in.etcd != nil {
		if err := in.etcd.Close(); err != nil {
			in.logger.Warn("Failed to close etcd", zap.Error(err))
		}
	}
	if in.cache != nil {
		if err := in.cache.Close(); err != nil {
			in.logger.Warn("Failed to close Redis", zap.Error(err))
		}
	}
	if in.bolt != nil {
		if err := in.bolt.Close(); err != nil {
			in.logger.Warn("Failed to close report store", zap.Error(err))
		}
	}
	if in.db != nil {
		in.db.Close()
	}
}
