package storage_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/storage"
	"github.com/JakeFAU/pagewatch/internal/storage/file"
	"github.com/JakeFAU/pagewatch/internal/storage/memory"
	"github.com/JakeFAU/pagewatch/internal/storage/redis"
	"github.com/JakeFAU/pagewatch/internal/tracker"
)

func TestOpenSelectsBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	store, err := storage.Open(ctx, config.StoreConfig{Backend: config.BackendFile, Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &file.Store{}, store)

	store, err = storage.Open(ctx, config.StoreConfig{Backend: config.BackendMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &memory.Store{}, store)

	mr := miniredis.RunT(t)
	store, err = storage.Open(ctx, config.StoreConfig{
		Backend: config.BackendRedis,
		Redis:   config.RedisConfig{Addr: mr.Addr()},
	}, nil)
	require.NoError(t, err)
	assert.IsType(t, &redis.Store{}, store)
	require.NoError(t, store.Close())
}

func TestOpenErrors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := storage.Open(ctx, config.StoreConfig{Backend: "s3"}, nil)
	var cerr *tracker.ConfigError
	require.ErrorAs(t, err, &cerr)

	_, err = storage.Open(ctx, config.StoreConfig{Backend: config.BackendRedis}, nil)
	var perr *tracker.PersistError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "open", perr.Op)
}
