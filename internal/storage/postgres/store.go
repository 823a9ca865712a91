// Package postgres stores page digests in a single Postgres table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/pagewatch/internal/tracker"
)

const defaultTable = "page_digests"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for digest rows.
type Config struct {
	DSN          string
	Table        string
	MaxConns     int32
	EnsureSchema bool
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Store reads and upserts rows of (url_key, url, digest, updated_at).
type Store struct {
	pool  pool
	table string
}

// New connects to Postgres and, when asked, creates the digest table.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if cfg.EnsureSchema {
		if err := s.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool, table string) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Store{pool: p, table: table}, nil
}

// EnsureSchema creates the digest table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url_key TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	digest TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Load returns the digests stored for urls. Rows are matched by url_key.
func (s *Store) Load(ctx context.Context, urls []tracker.TrackedURL) (tracker.Digests, error) {
	out := make(tracker.Digests, len(urls))
	if len(urls) == 0 {
		return out, nil
	}
	byKey := make(map[string]tracker.TrackedURL, len(urls))
	keys := make([]string, 0, len(urls))
	for _, u := range urls {
		k := tracker.KeyFor(u)
		if _, dup := byKey[k]; dup {
			continue
		}
		byKey[k] = u
		keys = append(keys, k)
	}

	query := fmt.Sprintf(`SELECT url_key, digest FROM %s WHERE url_key = ANY($1)`, s.table)
	rows, err := s.pool.Query(ctx, query, keys)
	if err != nil {
		return nil, &tracker.PersistError{Op: "load", Err: err}
	}
	defer rows.Close()

	for rows.Next() {
		var key, digest string
		if err := rows.Scan(&key, &digest); err != nil {
			return nil, &tracker.PersistError{Op: "load", Err: err}
		}
		if u, ok := byKey[key]; ok {
			out[u] = digest
		}
	}
	if err := rows.Err(); err != nil {
		return nil, &tracker.PersistError{Op: "load", Err: err}
	}
	return out, nil
}

// Save upserts every digest inside one transaction.
func (s *Store) Save(ctx context.Context, digests tracker.Digests) (err error) {
	if len(digests) == 0 {
		return nil
	}
	urls := make([]tracker.TrackedURL, 0, len(digests))
	for u := range digests {
		urls = append(urls, u)
	}
	sort.Slice(urls, func(i, j int) bool { return urls[i] < urls[j] })

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &tracker.PersistError{Op: "save", Err: fmt.Errorf("begin: %w", err)}
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = errors.Join(err, rbErr)
			}
		}
	}()

	query := fmt.Sprintf(`
INSERT INTO %s (url_key, url, digest, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (url_key) DO UPDATE
SET url = EXCLUDED.url, digest = EXCLUDED.digest, updated_at = EXCLUDED.updated_at`, s.table)

	for _, u := range urls {
		key := tracker.KeyFor(u)
		if _, execErr := tx.Exec(ctx, query, key, string(u), digests[u]); execErr != nil {
			return &tracker.PersistError{Op: "save", Key: key, Err: execErr}
		}
	}
	if commitErr := tx.Commit(ctx); commitErr != nil {
		return &tracker.PersistError{Op: "save", Err: fmt.Errorf("commit: %w", commitErr)}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
