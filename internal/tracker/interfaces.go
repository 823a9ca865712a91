package tracker

import (
	"context"
	"time"
)

// DigestStore persists the last known digest for each tracked URL.
type DigestStore interface {
	// Load returns the stored digests for urls. URLs without a record are absent from the result.
	Load(ctx context.Context, urls []TrackedURL) (Digests, error)
	// Save writes every entry of digests. Records not present in digests are left untouched.
	Save(ctx context.Context, digests Digests) error
	Close() error
}

// Fetcher retrieves the raw body of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url TrackedURL) ([]byte, error)
}

// Notifier delivers a single message describing a change set.
type Notifier interface {
	Notify(ctx context.Context, changes ChangeSet) error
}

// Publisher pushes change events to a downstream channel.
type Publisher interface {
	Publish(ctx context.Context, event ChangeEvent) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
