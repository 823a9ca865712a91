package tracker

import (
	"crypto/md5" //nolint:gosec // md5 only derives a stable filename-safe key, not a security boundary.
	"encoding/hex"
	"time"
)

// TrackedURL is a webpage address configured for monitoring.
type TrackedURL string

// String returns the URL as a plain string.
func (u TrackedURL) String() string {
	return string(u)
}

// KeyFor derives the stable storage key for a tracked URL.
// The key is the lowercase hex MD5 of the URL so snapshot directories written by
// earlier versions of the tracker stay readable.
func KeyFor(u TrackedURL) string {
	sum := md5.Sum([]byte(u)) //nolint:gosec // see import note.
	return hex.EncodeToString(sum[:])
}

// Digests maps each tracked URL to the hex digest of its last seen content.
type Digests map[TrackedURL]string

// Clone returns a shallow copy of the mapping.
func (d Digests) Clone() Digests {
	out := make(Digests, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge returns a copy of d with every entry of staged written over it.
func (d Digests) Merge(staged Digests) Digests {
	out := d.Clone()
	for k, v := range staged {
		out[k] = v
	}
	return out
}

// Change records a single URL whose digest differs from (or is missing in) the store.
type Change struct {
	URL            TrackedURL `json:"url"`
	PreviousDigest string     `json:"previous_digest,omitempty"`
	Digest         string     `json:"digest"`
	FirstSeen      bool       `json:"first_seen"`
}

// ChangeSet is the ordered list of changes detected during one run.
type ChangeSet []Change

// URLs returns the changed URLs in order.
func (c ChangeSet) URLs() []TrackedURL {
	out := make([]TrackedURL, 0, len(c))
	for _, ch := range c {
		out = append(out, ch.URL)
	}
	return out
}

// Failure describes why a URL could not be checked.
type Failure struct {
	URL    TrackedURL `json:"url"`
	Reason string     `json:"reason"`
}

// RunResult summarises a run for logs and exit status.
type RunResult struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Checked    int       `json:"checked"`
	Changed    int       `json:"changed"`
	FirstSeen  int       `json:"first_seen"`
	Unchanged  int       `json:"unchanged"`
	Failed     int       `json:"failed"`
	Changes    ChangeSet `json:"changes"`
	Failures   []Failure `json:"failures,omitempty"`
	Notified   bool      `json:"notified"`
	NotifyErr  error     `json:"-"`
	DryRun     bool      `json:"dry_run"`
}

// HasFailures reports whether any URL fetch or the notification failed.
func (r RunResult) HasFailures() bool {
	return r.Failed > 0 || r.NotifyErr != nil
}

// ChangeEvent is published for each detected change once the run has persisted its digests.
type ChangeEvent struct {
	RunID          string    `json:"run_id"`
	URL            string    `json:"url"`
	PreviousDigest string    `json:"previous_digest,omitempty"`
	Digest         string    `json:"digest"`
	FirstSeen      bool      `json:"first_seen"`
	DetectedAt     time.Time `json:"detected_at"`
}
