// Package file implements the digest store as one small file per tracked URL.
package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/pagewatch/internal/tracker"
)

const recordExt = ".hash"

// Config captures the parameters for the file digest store.
type Config struct {
	// BaseDir is the directory holding one <key>.hash file per tracked URL.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Store keeps digests on the local filesystem.
type Store struct {
	baseDir string
	stage   func(target string, data []byte) (string, error)
}

// New creates a file-backed digest store, creating BaseDir when missing and
// checking that it is writable.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &Store{baseDir: cfg.BaseDir, stage: writeTemp}, nil
}

func (s *Store) recordPath(u tracker.TrackedURL) string {
	return filepath.Join(s.baseDir, tracker.KeyFor(u)+recordExt)
}

// Load reads the record of each URL. Missing files mean "never seen".
func (s *Store) Load(ctx context.Context, urls []tracker.TrackedURL) (tracker.Digests, error) {
	out := make(tracker.Digests, len(urls))
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return nil, &tracker.PersistError{Op: "load", Err: err}
		}
		path := s.recordPath(u)
		// #nosec G304 -- path is derived from a hex key inside baseDir.
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, &tracker.PersistError{Op: "load", Key: tracker.KeyFor(u), Err: err}
		}
		out[u] = strings.TrimSpace(string(data))
	}
	return out, nil
}

// Save writes every digest. All records are first staged in temp files next to
// their targets and synced; only then is each renamed over its target. A failure
// while staging leaves every existing record untouched.
func (s *Store) Save(ctx context.Context, digests tracker.Digests) error {
	urls := make([]tracker.TrackedURL, 0, len(digests))
	for u := range digests {
		urls = append(urls, u)
	}
	sort.Slice(urls, func(i, j int) bool { return urls[i] < urls[j] })

	staged := make([]stagedRecord, 0, len(urls))
	cleanup := func() {
		for _, rec := range staged {
			_ = os.Remove(rec.tmp)
		}
	}

	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			cleanup()
			return &tracker.PersistError{Op: "save", Err: err}
		}
		target := s.recordPath(u)
		tmp, err := s.stage(target, []byte(digests[u]))
		if err != nil {
			cleanup()
			return &tracker.PersistError{Op: "save", Key: tracker.KeyFor(u), Err: err}
		}
		staged = append(staged, stagedRecord{tmp: tmp, target: target})
	}

	for i, rec := range staged {
		if err := os.Rename(rec.tmp, rec.target); err != nil {
			for _, rest := range staged[i:] {
				_ = os.Remove(rest.tmp)
			}
			return &tracker.PersistError{Op: "save", Key: filepath.Base(rec.target), Err: err}
		}
	}
	if err := fsyncDir(s.baseDir); err != nil {
		return &tracker.PersistError{Op: "save", Err: fmt.Errorf("sync dir: %w", err)}
	}
	return nil
}

// Close is a no-op for the file store.
func (s *Store) Close() error {
	return nil
}

type stagedRecord struct {
	tmp    string
	target string
}

func writeTemp(target string, data []byte) (string, error) {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, filepath.Base(target)+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	name := tmp.Name()
	fail := func(err error) (string, error) {
		_ = tmp.Close()
		_ = os.Remove(name)
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		return fail(fmt.Errorf("write temp: %w", err))
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fail(fmt.Errorf("chmod temp: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("sync temp: %w", err))
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp: %w", err)
	}
	return name, nil
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir) // #nosec G304 -- configured store directory.
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
