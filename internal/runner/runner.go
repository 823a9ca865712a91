// Package runner drives one check run: load prior digests, fetch and compare
// every tracked URL, notify once, persist, then publish change events.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/pagewatch/internal/clock/system"
	"github.com/JakeFAU/pagewatch/internal/detector"
	"github.com/JakeFAU/pagewatch/internal/id/uuid"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/telemetry"
	"github.com/JakeFAU/pagewatch/internal/tracker"
)

// State names a phase of a run. Transitions are logged with the run ID.
type State string

// Run states in order.
const (
	StateInit        State = "init"
	StateLoading     State = "loading"
	StatePerURL      State = "per_url"
	StateAggregating State = "aggregating"
	StateNotifying   State = "notifying"
	StatePersisting  State = "persisting"
	StateDone        State = "done"
)

const defaultConcurrency = 4

// Config controls Runner behavior.
type Config struct {
	// Concurrency bounds the number of URLs checked at once.
	Concurrency int
	// NotifyFirstSeen includes never-seen URLs in the notification.
	NotifyFirstSeen bool
	// DryRun skips notifying and persisting.
	DryRun bool
}

// Deps are the collaborators of a Runner. Store, Fetcher, Detector and
// Notifier are required; the rest fall back to defaults.
type Deps struct {
	Store     tracker.DigestStore
	Fetcher   tracker.Fetcher
	Detector  *detector.Detector
	Notifier  tracker.Notifier
	Publisher tracker.Publisher
	Clock     tracker.Clock
	IDs       tracker.IDGenerator
	Metrics   *metrics.Recorder
}

// Runner executes check runs. A Runner may be reused; runs must not overlap.
type Runner struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New constructs a Runner.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Runner, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.New("runner: digest store is required")
	case deps.Fetcher == nil:
		return nil, errors.New("runner: fetcher is required")
	case deps.Detector == nil:
		return nil, errors.New("runner: detector is required")
	case deps.Notifier == nil:
		return nil, errors.New("runner: notifier is required")
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(telemetry.TracerName),
	}, nil
}

// outcome is the per-URL result, stored in the slot matching the URL's input index.
type outcome struct {
	url       tracker.TrackedURL
	detection detector.Detection
	prior     string
	err       error
}

// Run performs one check of urls. Only configuration and persistence failures
// are returned as errors; fetch and notify failures are recorded in the result.
func (r *Runner) Run(ctx context.Context, urls []tracker.TrackedURL) (tracker.RunResult, error) {
	result := tracker.RunResult{DryRun: r.cfg.DryRun, StartedAt: r.deps.Clock.Now()}

	runID, err := r.deps.IDs.NewID()
	if err != nil {
		return result, fmt.Errorf("generate run id: %w", err)
	}
	result.RunID = runID
	log := r.logger.With(zap.String("run_id", runID))

	ctx, span := r.tracer.Start(ctx, "run", trace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Bool("dry_run", r.cfg.DryRun),
	))
	defer span.End()

	transition(log, StateInit)
	urls = dedupe(urls)
	if len(urls) == 0 {
		err := &tracker.ConfigError{Field: "tracker.urls", Reason: "must list at least one URL"}
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}
	log.Info("checking tracked urls",
		zap.Int("count", len(urls)),
		zap.String("timestamp", result.StartedAt.Format("2006-01-02 15:04:05")))

	transition(log, StateLoading)
	prior, err := r.deps.Store.Load(ctx, urls)
	if err != nil {
		err = asPersistError("load", err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("load digests failed", zap.Error(err))
		return result, err
	}

	transition(log, StatePerURL)
	outcomes, staged := r.checkAll(ctx, log, urls, prior)
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, fmt.Errorf("run canceled: %w", err)
	}

	transition(log, StateAggregating)
	notifiable := r.aggregate(&result, outcomes)

	transition(log, StateNotifying)
	r.notify(ctx, log, &result, notifiable)

	transition(log, StatePersisting)
	if err := r.persist(ctx, log, prior, staged); err != nil {
		span.SetStatus(codes.Error, err.Error())
		result.FinishedAt = r.deps.Clock.Now()
		return result, err
	}

	transition(log, StateDone)
	result.FinishedAt = r.deps.Clock.Now()
	r.publish(ctx, log, &result)
	r.deps.Metrics.MarkRun(result.FinishedAt)
	if err := r.deps.Metrics.Push(ctx); err != nil {
		log.Warn("metrics push failed", zap.Error(err))
	}

	span.SetAttributes(
		attribute.Int("checked", result.Checked),
		attribute.Int("changed", result.Changed),
		attribute.Int("failed", result.Failed),
	)
	log.Info("run finished",
		zap.Int("checked", result.Checked),
		zap.Int("changed", result.Changed),
		zap.Int("first_seen", result.FirstSeen),
		zap.Int("unchanged", result.Unchanged),
		zap.Int("failed", result.Failed),
		zap.Bool("notified", result.Notified),
		zap.Bool("dry_run", result.DryRun),
		zap.Duration("duration", result.FinishedAt.Sub(result.StartedAt)))
	return result, nil
}

func (r *Runner) checkAll(
	ctx context.Context,
	log *zap.Logger,
	urls []tracker.TrackedURL,
	prior tracker.Digests,
) ([]outcome, tracker.Digests) {
	outcomes := make([]outcome, len(urls))
	staged := make(tracker.Digests)
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			out := r.checkOne(ctx, log, u, prior)
			outcomes[i] = out
			if out.err == nil && out.detection.Changed {
				mu.Lock()
				staged[u] = out.detection.Digest
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, staged
}

func (r *Runner) checkOne(ctx context.Context, log *zap.Logger, u tracker.TrackedURL, prior tracker.Digests) outcome {
	ctx, span := r.tracer.Start(ctx, "fetch", trace.WithAttributes(attribute.String("url", u.String())))
	defer span.End()

	prev, known := prior[u]
	out := outcome{url: u, prior: prev}

	start := time.Now()
	body, err := r.deps.Fetcher.Fetch(ctx, u)
	r.deps.Metrics.ObserveFetch(u.String(), time.Since(start))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Warn("fetch failed", zap.String("url", u.String()), zap.Error(err))
		out.err = err
		return out
	}

	det, err := r.deps.Detector.Detect(body, prev, known)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Warn("detect failed", zap.String("url", u.String()), zap.Error(err))
		out.err = err
		return out
	}
	out.detection = det

	switch {
	case det.FirstSeen:
		log.Info("first time tracking url", zap.String("url", u.String()), zap.String("digest", det.Digest))
	case det.Changed:
		log.Info("change detected", zap.String("url", u.String()),
			zap.String("previous_digest", prev), zap.String("digest", det.Digest))
	default:
		log.Debug("no changes", zap.String("url", u.String()))
	}
	return out
}

// aggregate fills result from outcomes in input order and returns the change
// set to notify about.
func (r *Runner) aggregate(result *tracker.RunResult, outcomes []outcome) tracker.ChangeSet {
	notifiable := make(tracker.ChangeSet, 0)
	for _, out := range outcomes {
		result.Checked++
		if out.err != nil {
			result.Failed++
			result.Failures = append(result.Failures, tracker.Failure{URL: out.url, Reason: out.err.Error()})
			r.deps.Metrics.ObserveURL(metrics.ResultFailed)
			continue
		}
		if !out.detection.Changed {
			result.Unchanged++
			r.deps.Metrics.ObserveURL(metrics.ResultUnchanged)
			continue
		}
		change := tracker.Change{
			URL:            out.url,
			PreviousDigest: out.prior,
			Digest:         out.detection.Digest,
			FirstSeen:      out.detection.FirstSeen,
		}
		result.Changes = append(result.Changes, change)
		if change.FirstSeen {
			result.FirstSeen++
			r.deps.Metrics.ObserveURL(metrics.ResultFirstSeen)
			if !r.cfg.NotifyFirstSeen {
				continue
			}
		} else {
			result.Changed++
			r.deps.Metrics.ObserveURL(metrics.ResultChanged)
		}
		notifiable = append(notifiable, change)
	}
	return notifiable
}

func (r *Runner) notify(ctx context.Context, log *zap.Logger, result *tracker.RunResult, changes tracker.ChangeSet) {
	if len(changes) == 0 {
		log.Info("no changes detected on any tracked pages")
		return
	}
	if r.cfg.DryRun {
		log.Info("dry run: notification skipped", zap.Int("changes", len(changes)))
		r.deps.Metrics.ObserveNotification(metrics.StatusSkipped)
		return
	}
	if err := r.deps.Notifier.Notify(ctx, changes); err != nil {
		result.NotifyErr = err
		r.deps.Metrics.ObserveNotification(metrics.StatusFailed)
		log.Error("notification failed", zap.Error(err))
		return
	}
	result.Notified = true
	r.deps.Metrics.ObserveNotification(metrics.StatusSent)
}

func (r *Runner) persist(ctx context.Context, log *zap.Logger, prior, staged tracker.Digests) error {
	if len(staged) == 0 {
		return nil
	}
	if r.cfg.DryRun {
		log.Info("dry run: digests not saved", zap.Int("staged", len(staged)))
		return nil
	}
	if err := r.deps.Store.Save(ctx, prior.Merge(staged)); err != nil {
		err = asPersistError("save", err)
		log.Error("save digests failed", zap.Error(err))
		return err
	}
	log.Debug("digests saved", zap.Int("staged", len(staged)))
	return nil
}

func (r *Runner) publish(ctx context.Context, log *zap.Logger, result *tracker.RunResult) {
	if r.deps.Publisher == nil {
		return
	}
	for _, c := range result.Changes {
		event := tracker.ChangeEvent{
			RunID:          result.RunID,
			URL:            c.URL.String(),
			PreviousDigest: c.PreviousDigest,
			Digest:         c.Digest,
			FirstSeen:      c.FirstSeen,
			DetectedAt:     result.FinishedAt,
		}
		id, err := r.deps.Publisher.Publish(ctx, event)
		if err != nil {
			r.deps.Metrics.ObserveEvent(metrics.StatusFailed)
			log.Warn("publish change event failed", zap.String("url", event.URL), zap.Error(err))
			continue
		}
		r.deps.Metrics.ObserveEvent(metrics.StatusSent)
		log.Debug("change event published", zap.String("url", event.URL), zap.String("message_id", id))
	}
}

func transition(log *zap.Logger, s State) {
	log.Debug("state transition", zap.String("state", string(s)))
}

// dedupe keeps the first occurrence of each URL.
func dedupe(urls []tracker.TrackedURL) []tracker.TrackedURL {
	seen := make(map[tracker.TrackedURL]struct{}, len(urls))
	out := make([]tracker.TrackedURL, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func asPersistError(op string, err error) error {
	var perr *tracker.PersistError
	if errors.As(err, &perr) {
		return err
	}
	return &tracker.PersistError{Op: op, Err: err}
}
