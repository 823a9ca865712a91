// Package storage selects and opens the digest store backend named in config.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/storage/file"
	"github.com/JakeFAU/pagewatch/internal/storage/gcs"
	"github.com/JakeFAU/pagewatch/internal/storage/memory"
	"github.com/JakeFAU/pagewatch/internal/storage/postgres"
	"github.com/JakeFAU/pagewatch/internal/storage/redis"
	"github.com/JakeFAU/pagewatch/internal/tracker"
)

// Open returns the DigestStore for cfg.Backend.
func Open(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (tracker.DigestStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var (
		store tracker.DigestStore
		err   error
	)
	switch cfg.Backend {
	case config.BackendFile, "":
		store, err = file.New(file.Config{BaseDir: cfg.Dir})
	case config.BackendMemory:
		store = memory.NewStore()
	case config.BackendRedis:
		store, err = redis.Open(ctx, redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
	case config.BackendPostgres:
		store, err = postgres.New(ctx, postgres.Config{
			DSN:          cfg.Postgres.DSN,
			Table:        cfg.Postgres.Table,
			MaxConns:     cfg.Postgres.MaxConns,
			EnsureSchema: cfg.Postgres.EnsureSchema,
		})
	case config.BackendGCS:
		store, err = gcs.Open(ctx, gcs.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
	default:
		return nil, &tracker.ConfigError{Field: "store.backend", Reason: fmt.Sprintf("unknown backend %q", cfg.Backend)}
	}
	if err != nil {
		return nil, &tracker.PersistError{Op: "open", Err: fmt.Errorf("%s store: %w", cfg.Backend, err)}
	}
	logger.Debug("digest store opened", zap.String("backend", cfg.Backend))
	return store, nil
}
