// Package app builds the long-lived services of a pagewatch process from one
// Config and hands out a Runner wired to them.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/detector"
	collyfetcher "github.com/JakeFAU/pagewatch/internal/fetcher/colly"
	"github.com/JakeFAU/pagewatch/internal/hash/sha256"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/notify"
	memorypublisher "github.com/JakeFAU/pagewatch/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/pagewatch/internal/publisher/pubsub"
	"github.com/JakeFAU/pagewatch/internal/runner"
	"github.com/JakeFAU/pagewatch/internal/storage"
	"github.com/JakeFAU/pagewatch/internal/tracker"
)

// Options are per-invocation switches that are not part of the config file.
type Options struct {
	DryRun bool
}

type closablePublisher interface {
	tracker.Publisher
	Close() error
}

// App holds the services shared by every run of the process.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	store     tracker.DigestStore
	publisher closablePublisher
	metrics   *metrics.Recorder
	runner    *runner.Runner
}

// Overrides lets tests swap collaborators that would otherwise reach the network.
type Overrides struct {
	Store     tracker.DigestStore
	Fetcher   tracker.Fetcher
	Notifier  tracker.Notifier
	Publisher closablePublisher
}

// New creates and initializes an App. It fails fast if any service cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	return NewWithOverrides(ctx, cfg, logger, opts, Overrides{})
}

// NewWithOverrides is New with some collaborators supplied by the caller.
func NewWithOverrides(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options, ov Overrides) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Info("initializing services",
		zap.String("store", cfg.Store.Backend),
		zap.Int("urls", len(cfg.Tracker.URLs)),
		zap.Bool("dry_run", opts.DryRun))

	a := &App{cfg: cfg, logger: logger}

	a.store = ov.Store
	if a.store == nil {
		store, err := storage.Open(ctx, cfg.Store, logger.Named("storage"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize digest store: %w", err)
		}
		a.store = store
	}

	fetcher := ov.Fetcher
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:      cfg.HTTP.UserAgent,
			Timeout:        cfg.HTTP.Timeout,
			MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
			RespectRobots:  cfg.HTTP.RespectRobots,
			MaxRetries:     cfg.HTTP.MaxRetries,
			BackoffInitial: cfg.HTTP.BackoffInitial,
			BackoffMax:     cfg.HTTP.BackoffMax,
			PerHostRPS:     cfg.HTTP.PerHostRPS,
		}, logger.Named("fetcher"))
	}

	notifier := ov.Notifier
	if notifier == nil {
		n, err := notify.New(notify.Config{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Sender:    cfg.SMTP.Sender,
			Password:  cfg.SMTP.Password,
			Recipient: cfg.SMTP.Recipient,
			Timeout:   cfg.SMTP.Timeout,
		}, logger.Named("notify"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to initialize notifier: %w", err)
		}
		notifier = n
	}

	a.publisher = ov.Publisher
	if a.publisher == nil {
		pub, err := a.openPublisher(ctx, opts)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.publisher = pub
	}

	a.metrics = metrics.New(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job)

	det, err := detector.New(sha256.New())
	if err != nil {
		a.Close()
		return nil, err
	}

	a.runner, err = runner.New(runner.Deps{
		Store:     a.store,
		Fetcher:   fetcher,
		Detector:  det,
		Notifier:  notifier,
		Publisher: a.publisher,
		Metrics:   a.metrics,
	}, runner.Config{
		Concurrency:     cfg.Tracker.Concurrency,
		NotifyFirstSeen: cfg.Tracker.NotifyFirstSeen,
		DryRun:          opts.DryRun,
	}, logger.Named("runner"))
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("services initialized")
	return a, nil
}

// openPublisher returns the Pub/Sub publisher when a topic is configured and
// this is not a dry run; otherwise events are only recorded in memory.
func (a *App) openPublisher(ctx context.Context, opts Options) (closablePublisher, error) {
	ps := a.cfg.Events.PubSub
	if ps.Topic == "" || opts.DryRun {
		return memorypublisher.New(), nil
	}
	a.logger.Info("connecting to pubsub", zap.String("project", ps.ProjectID), zap.String("topic", ps.Topic))
	pub, err := pubsubpublisher.Open(ctx, ps.ProjectID, ps.Topic)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize change events: %w", err)
	}
	return pub, nil
}

// Run performs one check of the configured URLs.
func (a *App) Run(ctx context.Context) (tracker.RunResult, error) {
	return a.runner.Run(ctx, a.cfg.TrackedURLs())
}

// Metrics returns the run metrics recorder.
func (a *App) Metrics() *metrics.Recorder {
	return a.metrics
}

// Close shuts down every service the App opened.
func (a *App) Close() {
	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error shutting down services", zap.Error(err))
	}
}
