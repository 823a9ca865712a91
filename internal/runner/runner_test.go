package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/detector"
	"github.com/JakeFAU/pagewatch/internal/hash/sha256"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	pubmemory "github.com/JakeFAU/pagewatch/internal/publisher/memory"
	"github.com/JakeFAU/pagewatch/internal/storage/memory"
	"github.com/JakeFAU/pagewatch/internal/tracker"
)

const (
	urlA = tracker.TrackedURL("https://a.example")
	urlB = tracker.TrackedURL("https://b.example")
	urlC = tracker.TrackedURL("https://c.example")
)

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[tracker.TrackedURL]string
	errs   map[tracker.TrackedURL]error
	delays map[tracker.TrackedURL]time.Duration
	calls  map[tracker.TrackedURL]int
}

func newFakeFetcher(bodies map[tracker.TrackedURL]string) *fakeFetcher {
	return &fakeFetcher{
		bodies: bodies,
		errs:   map[tracker.TrackedURL]error{},
		delays: map[tracker.TrackedURL]time.Duration{},
		calls:  map[tracker.TrackedURL]int{},
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, u tracker.TrackedURL) ([]byte, error) {
	f.mu.Lock()
	f.calls[u]++
	delay := f.delays[u]
	err := f.errs[u]
	body, ok := f.bodies[u]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &tracker.FetchError{URL: u, StatusCode: 404, Err: errors.New("not found")}
	}
	return []byte(body), nil
}

func (f *fakeFetcher) callCount(u tracker.TrackedURL) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[u]
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []tracker.ChangeSet
	err   error
}

func (n *fakeNotifier) Notify(_ context.Context, changes tracker.ChangeSet) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, changes)
	return n.err
}

type failingStore struct {
	*memory.Store
	loadErr error
	saveErr error
}

func (s *failingStore) Load(ctx context.Context, urls []tracker.TrackedURL) (tracker.Digests, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.Store.Load(ctx, urls)
}

func (s *failingStore) Save(ctx context.Context, d tracker.Digests) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Store.Save(ctx, d)
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("run-%d", s.n.Add(1)), nil
}

type harness struct {
	store     *memory.Store
	fetcher   *fakeFetcher
	notifier  *fakeNotifier
	publisher *pubmemory.Publisher
	metrics   *metrics.Recorder
}

func newHarness(bodies map[tracker.TrackedURL]string) *harness {
	return &harness{
		store:     memory.NewStore(),
		fetcher:   newFakeFetcher(bodies),
		notifier:  &fakeNotifier{},
		publisher: pubmemory.New(),
		metrics:   metrics.New("", ""),
	}
}

func (h *harness) runner(t *testing.T, cfg Config, store tracker.DigestStore) *Runner {
	t.Helper()
	if store == nil {
		store = h.store
	}
	det, err := detector.New(sha256.New())
	require.NoError(t, err)
	r, err := New(Deps{
		Store:     store,
		Fetcher:   h.fetcher,
		Detector:  det,
		Notifier:  h.notifier,
		Publisher: h.publisher,
		Clock:     fixedClock{time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		IDs:       &seqIDs{},
		Metrics:   h.metrics,
	}, cfg, zap.NewNop())
	require.NoError(t, err)
	return r
}

func digestOf(t *testing.T, s string) string {
	t.Helper()
	d, err := sha256.New().Hash([]byte(s))
	require.NoError(t, err)
	return d
}

func defaultCfg() Config {
	return Config{Concurrency: 4, NotifyFirstSeen: true}
}

func TestRun_FirstRunNotifiesAndStores(t *testing.T) {
	t.Parallel()

	h := newHarness(map[tracker.TrackedURL]string{urlA: "v1"})
	res, err := h.runner(t, defaultCfg(), nil).Run(context.Background(), []tracker.TrackedURL{urlA})
	require.NoError(t, err)

	d1 := digestOf(t, "v1")
	assert.Equal(t, tracker.Digests{urlA: d1}, h.store.Snapshot())
	require.Len(t, h.notifier.calls, 1)
	assert.Equal(t, []tracker.TrackedURL{urlA}, h.notifier.calls[0].URLs())
	assert.True(t, h.notifier.calls[0][0].FirstSeen)
	assert.Equal(t, 1, res.FirstSeen)
	assert.True(t, res.Notified)
	assert.Equal(t, "run-1", res.RunID)
}

func TestRun_UnchangedContentIsIdempotent(t *testing.T) {
	t.Parallel()

	d1 := digestOf(t, "v1")
	h := newHarness(map[tracker.TrackedURL]string{urlA: "v1"})
	h.store = memory.NewStoreWith(tracker.Digests{urlA: d1})

	r := h.runner(t, defaultCfg(), nil)
	res, err := r.Run(context.Background(), []tracker.TrackedURL{urlA})
	require.NoError(t, err)

	assert.Empty(t, res.Changes)
	assert.Equal(t, 1, res.Unchanged)
	assert.Empty(t, h.notifier.calls)
	assert.Equal(t, tracker.Digests{urlA: d1}, h.store.Snapshot())
	assert.Zero(t, h.store.Saves())
	assert.Empty(t, h.publisher.Events())
}

func TestRun_ChangedContentUpdatesDigest(t *testing.T) {
	t.Parallel()

	d1, d2 := digestOf(t, "v1"), digestOf(t, "v2")
	h := newHarness(map[tracker.TrackedURL]string{urlA: "v2"})
	h.store = memory.NewStoreWith(tracker.Digests{urlA: d1})

	res, err := h.runner(t, defaultCfg(), nil).Run(context.Background(), []tracker.TrackedURL{urlA})
	require.NoError(t, err)

	assert.Equal(t, tracker.Digests{urlA: d2}, h.store.Snapshot())
	require.Len(t, h.notifier.calls, 1)
	assert.Equal(t, tracker.ChangeSet{{URL: urlA, PreviousDigest: d1, Digest: d2}}, h.notifier.calls[0])
	assert.Equal(t, 1, res.Changed)
	assert.Zero(t, res.FirstSeen)
}

func TestRun_TwoRunsInSuccession(t *testing.T) {
	t.Parallel()

	h := newHarness(map[tracker.TrackedURL]string{urlA: "v1", urlB: "x"})
	r := h.runner(t, defaultCfg(), nil)
	urls := []tracker.TrackedURL{urlA, urlB}

	first, err := r.Run(context.Background(), urls)
	require.NoError(t, err)
	assert.Len(t, first.Changes, 2)
	snapshot := h.store.Snapshot()

	second, err := r.Run(context.Background(), urls)
	require.NoError(t, err)
	assert.Empty(t, second.Changes)
	assert.Equal(t, snapshot, h.store.Snapshot())
	assert.Len(t, h.notifier.calls, 1)
	assert.NotEqual(t, first.RunID, second.RunID)
}

func TestRun_PartialFailureIsolation(t *testing.T) {
	t.Parallel()

	dOld := digestOf(t, "old")
	h := newHarness(map[tracker.TrackedURL]string{urlB: "new"})
	h.fetcher.errs[urlA] = &tracker.FetchError{URL: urlA, Err: errors.New("connection refused")}
	h.store = memory.NewStoreWith(tracker.Digests{urlA: dOld, urlB: dOld})

	res, err := h.runner(t, defaultCfg(), nil).Run(context.Background(), []tracker.TrackedURL{urlA, urlB})
	require.NoError(t, err)

	assert.Equal(t, tracker.Digests{urlA: dOld, urlB: digestOf(t, "new")}, h.store.Snapshot())
	assert.Equal(t, []tracker.TrackedURL{urlB}, res.Changes.URLs())
	require.Len(t, res.Failures, 1)
	assert.Equal(t, urlA, res.Failures[0].URL)
	assert.Contains(t, res.Failures[0].Reason, "connection refused")
	assert.Equal(t, 1, res.Failed)
	assert.True(t, res.HasFailures())
	require.Len(t, h.notifier.calls, 1)
	assert.Equal(t, []tracker.TrackedURL{urlB}, h.notifier.calls[0].URLs())
}

func TestRun_BatchesNotificationInInputOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(map[tracker.TrackedURL]string{urlA: "1", urlB: "2", urlC: "3"})
	h.fetcher.delays[urlA] = 30 * time.Millisecond
	h.fetcher.delays[urlB] = 10 * time.Millisecond

	res, err := h.runner(t, defaultCfg(), nil).Run(context.Background(), []tracker.TrackedURL{urlA, urlB, urlC})
	require.NoError(t, err)

	require.Len(t, h.notifier.calls, 1)
	assert.Equal(t, []tracker.TrackedURL{urlA, urlB, urlC}, h.notifier.calls[0].URLs())
	assert.Equal(t, []tracker.TrackedURL{urlA, urlB, urlC}, res.Changes.URLs())
}

func TestRun_NotifyFailureDoesNotBlockPersistence(t *testing.T) {
	t.Parallel()

	h := newHarness(map[tracker.TrackedURL]string{urlA: "v1"})
	h.notifier.err = &tracker.NotifyError{Recipient: "me@example.com", Err: errors.New("535 auth failed")}

	res, err := h.runner(t, defaultCfg(), nil).Run(context.Background(), []tracker.TrackedURL{urlA})
	require.NoError(t, err)

	assert.False(t, res.Notified)
	var nerr *tracker.NotifyError
	require.ErrorAs(t, res.NotifyErr, &nerr)
	assert.True(t, res.HasFailures())
	assert.Equal(t, tracker.Digests{urlA: digestOf(t, "v1")}, h.store.Snapshot())
}

func TestRun_PersistFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(map[tracker.TrackedURL]string{urlA: "v1"})
	store := &failingStore{Store: h.store, saveErr: errors.New("disk full")}

	_, err := h.runner(t, defaultCfg(), store).Run(context.Background(), []tracker.TrackedURL{urlA})
	var perr *tracker.PersistError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save", perr.Op)
	assert.True(t, tracker.IsFatal(err))
	assert.Empty(t, h.publisher.Events(), "no events for an unsaved run")
}

func TestRun_LoadFailureIsFatal(t *testing.T) {
	t.Parallel()

	h := newHarness(map[tracker.TrackedURL]string{urlA: "v1"})
	store := &failingStore{Store: h.store, loadErr: errors.New("permission denied")}

	_, err := h.runner(t, defaultCfg(), store).Run(context.Background(), []tracker.TrackedURL{urlA})
	var perr *tracker.PersistError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "load", perr.Op)
	assert.Zero(t, h.fetcher.callCount(urlA), "nothing is fetched after a failed load")
}

func TestRun_EmptyURLListIsConfigError(t *testing.T) {
	t.Parallel()

	h := newHarness(nil)
	_, err := h.runner(t, defaultCfg(), nil).Run(context.Background(), nil)
	var cerr *tracker.ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "tracker.urls", cerr.Field)
}

func TestRun_DryRunSkipsNotifyAndSave(t *testing.T) {
	t.Parallel()

	h := newHarness(map[tracker.TrackedURL]string{urlA: "v1"})
	cfg := defaultCfg()
	cfg.DryRun = true

	res, err := h.runner(t, cfg, nil).Run(context.Background(), []tracker.TrackedURL{urlA})
	require.NoError(t, err)

	assert.True(t, res.DryRun)
	assert.Len(t, res.Changes, 1)
	assert.Empty(t, h.notifier.calls)
	assert.Zero(t, h.store.Saves())
	assert.Len(t, h.publisher.Events(), 1)
}

func TestRun_FirstSeenCanBeSilent(t *testing.T) {
	t.Parallel()

	d1 := digestOf(t, "v1")
	h := newHarness(map[tracker.TrackedURL]string{urlA: "v2", urlB: "new"})
	h.store = memory.NewStoreWith(tracker.Digests{urlA: d1})
	cfg := defaultCfg()
	cfg.NotifyFirstSeen = false

	res, err := h.runner(t, cfg, nil).Run(context.Background(), []tracker.TrackedURL{urlA, urlB})
	require.NoError(t, err)

	require.Len(t, h.notifier.calls, 1)
	assert.Equal(t, []tracker.TrackedURL{urlA}, h.notifier.calls[0].URLs())
	assert.Equal(t, 1, res.FirstSeen)
	assert.Contains(t, h.store.Snapshot(), urlB)

	// Only first-seen URLs: nothing to notify.
	h2 := newHarness(map[tracker.TrackedURL]string{urlC: "c"})
	_, err = h2.runner(t, cfg, nil).Run(context.Background(), []tracker.TrackedURL{urlC})
	require.NoError(t, err)
	assert.Empty(t, h2.notifier.calls)
	assert.Contains(t, h2.store.Snapshot(), urlC)
}

func TestRun_DuplicateURLsFetchedOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(map[tracker.TrackedURL]string{urlA: "v1"})
	res, err := h.runner(t, defaultCfg(), nil).Run(context.Background(), []tracker.TrackedURL{urlA, urlA, urlA})
	require.NoError(t, err)

	assert.Equal(t, 1, h.fetcher.callCount(urlA))
	assert.Equal(t, 1, res.Checked)
	require.Len(t, h.notifier.calls, 1)
	assert.Len(t, h.notifier.calls[0], 1)
}

func TestRun_PublishesOneEventPerChange(t *testing.T) {
	t.Parallel()

	h := newHarness(map[tracker.TrackedURL]string{urlA: "1", urlB: "2"})
	res, err := h.runner(t, defaultCfg(), nil).Run(context.Background(), []tracker.TrackedURL{urlA, urlB})
	require.NoError(t, err)

	events := h.publisher.Events()
	require.Len(t, events, 2)
	for i, e := range events {
		assert.Equal(t, res.RunID, e.RunID)
		assert.Equal(t, res.Changes[i].URL.String(), e.URL)
		assert.True(t, e.FirstSeen)
		assert.Equal(t, res.FinishedAt, e.DetectedAt)
	}
}

func TestRun_CanceledContext(t *testing.T) {
	t.Parallel()

	h := newHarness(map[tracker.TrackedURL]string{urlA: "v1"})
	h.fetcher.delays[urlA] = time.Second
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.runner(t, defaultCfg(), nil).Run(ctx, []tracker.TrackedURL{urlA})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, h.notifier.calls)
	assert.Zero(t, h.store.Saves())
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	det, err := detector.New(sha256.New())
	require.NoError(t, err)

	_, err = New(Deps{}, Config{}, nil)
	assert.Error(t, err)

	r, err := New(Deps{
		Store:    memory.NewStore(),
		Fetcher:  newFakeFetcher(nil),
		Detector: det,
		Notifier: &fakeNotifier{},
	}, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, defaultConcurrency, r.cfg.Concurrency)
}

func TestDedupe(t *testing.T) {
	t.Parallel()
	got := dedupe([]tracker.TrackedURL{urlB, urlA, "", urlB, urlC, urlA})
	assert.Equal(t, []tracker.TrackedURL{urlB, urlA, urlC}, got)
}
