// Package gcs keeps digests as small objects in a Google Cloud Storage bucket.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/pagewatch/internal/tracker"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// Store writes one <prefix>/<key>.hash object per tracked URL.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	owned  bool
}

// New creates a GCS-backed digest store around an existing client.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Open builds a client from Application Default Credentials. The store owns
// the client and closes it on Close.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	s, err := New(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

func (s *Store) objectName(u tracker.TrackedURL) string {
	name := tracker.KeyFor(u) + ".hash"
	if s.prefix == "" {
		return name
	}
	return path.Join(s.prefix, name)
}

// Load reads each URL's object. ErrObjectNotExist means "never seen".
func (s *Store) Load(ctx context.Context, urls []tracker.TrackedURL) (tracker.Digests, error) {
	out := make(tracker.Digests, len(urls))
	bkt := s.client.Bucket(s.bucket)
	for _, u := range urls {
		name := s.objectName(u)
		r, err := bkt.Object(name).NewReader(ctx)
		if err != nil {
			if errors.Is(err, storage.ErrObjectNotExist) {
				continue
			}
			return nil, &tracker.PersistError{Op: "load", Key: name, Err: err}
		}
		data, err := io.ReadAll(r)
		closeErr := r.Close()
		if err != nil {
			return nil, &tracker.PersistError{Op: "load", Key: name, Err: err}
		}
		if closeErr != nil {
			return nil, &tracker.PersistError{Op: "load", Key: name, Err: closeErr}
		}
		out[u] = strings.TrimSpace(string(data))
	}
	return out, nil
}

// Save uploads every digest. Each object write is atomic on the GCS side.
func (s *Store) Save(ctx context.Context, digests tracker.Digests) error {
	bkt := s.client.Bucket(s.bucket)
	for u, digest := range digests {
		name := s.objectName(u)
		w := bkt.Object(name).NewWriter(ctx)
		w.ContentType = "text/plain"
		if _, err := io.WriteString(w, digest); err != nil {
			if closeErr := w.Close(); closeErr != nil {
				return &tracker.PersistError{Op: "save", Key: name, Err: errors.Join(err, closeErr)}
			}
			return &tracker.PersistError{Op: "save", Key: name, Err: err}
		}
		if err := w.Close(); err != nil {
			return &tracker.PersistError{Op: "save", Key: name, Err: fmt.Errorf("close writer: %w", err)}
		}
	}
	return nil
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
