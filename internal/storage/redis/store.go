// Package redis keeps digests as plain string keys in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/pagewatch/internal/tracker"
)

// DefaultPrefix namespaces digest keys.
const DefaultPrefix = "pagewatch:digest:"

const connectionTimeout = 5 * time.Second

// ErrEmptyAddress is returned when the Redis address is not configured.
var ErrEmptyAddress = errors.New("redis address is required")

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Store reads with MGET and writes every digest in one MULTI/EXEC block.
type Store struct {
	client redis.UniversalClient
	prefix string
}

// Open dials Redis and verifies the connection with PING.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, ErrEmptyAddress
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, connectionTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return New(client, cfg.Prefix), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

func (s *Store) key(u tracker.TrackedURL) string {
	return s.prefix + tracker.KeyFor(u)
}

// Load fetches all digests in a single round trip.
func (s *Store) Load(ctx context.Context, urls []tracker.TrackedURL) (tracker.Digests, error) {
	out := make(tracker.Digests, len(urls))
	if len(urls) == 0 {
		return out, nil
	}
	keys := make([]string, len(urls))
	for i, u := range urls {
		keys[i] = s.key(u)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &tracker.PersistError{Op: "load", Err: err}
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			return nil, &tracker.PersistError{Op: "load", Key: keys[i], Err: fmt.Errorf("unexpected value type %T", v)}
		}
		out[urls[i]] = str
	}
	return out, nil
}

// Save writes every digest atomically.
func (s *Store) Save(ctx context.Context, digests tracker.Digests) error {
	if len(digests) == 0 {
		return nil
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for u, d := range digests {
			pipe.Set(ctx, s.key(u), d, 0)
		}
		return nil
	})
	if err != nil {
		return &tracker.PersistError{Op: "save", Err: err}
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
