// Package commands implements the schedrun CLI subcommands.
package commands

import (
	"context"

	"github.com/hibiken/asynq"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/mohans/schedrun/internal/config"
	"github.com/mohans/schedrun/internal/errors"
	"github.com/mohans/schedrun/internal/logger"
	"github.com/mohans/schedrun/record"
	"github.com/mohans/schedrun/snapshot"
)

var loaded *config.Config

// LoadConfig reads configuration once per process, honoring --config.
func LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	if loaded != nil {
		return loaded, nil
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	loaded = cfg
	return cfg, nil
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}
}

func redisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
}

func openStore(ctx context.Context, cfg *config.Config) (*record.SQLStore, error) {
	db, err := record.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	return record.NewSQLStore(db), nil
}

func blobStore(ctx context.Context, cfg *config.Config) (snapshot.BlobStore, error) {
	switch cfg.Snapshot.Backend {
	case "s3":
		client, err := snapshot.NewS3Client(ctx, cfg.Snapshot.Region, cfg.Snapshot.Endpoint)
		if err != nil {
			return nil, err
		}
		return snapshot.NewS3Store(client, cfg.Snapshot.Bucket), nil
	case "memory", "":
		logger.Logger.Warnw("Using in-memory snapshot store; retries will not survive a restart")
		return snapshot.NewMemoryStore(), nil
	default:
		return nil, errors.Newf("unknown snapshot backend %q", cfg.Snapshot.Backend)
	}
}
