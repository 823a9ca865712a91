// Package collyfetcher implements tracker.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/tracker"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultMaxBodyBytes = 10 * 1024 * 1024
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	Timeout        time.Duration
	MaxBodyBytes   int
	RespectRobots  bool
	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	PerHostRPS     float64
}

// Fetcher implements tracker.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	retry         *RetryPolicy
	limiter       *HostLimiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// attempt holds what the collector callbacks observed for one visit.
type attempt struct {
	body   []byte
	status int
	err    error
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}

	// Clones share the base collector's HTTP backend, so the client timeout and
	// transport are set here once and never touched per request.
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.MaxBodySize(cfg.MaxBodyBytes+1),
	)
	c.SetRequestTimeout(cfg.Timeout)
	c.WithTransport(&captureTransport{base: newHTTPTransport(), limit: cfg.MaxBodyBytes})

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		retry:         NewRetryPolicy(cfg.MaxRetries, cfg.BackoffInitial, cfg.BackoffMax),
		limiter:       NewHostLimiter(cfg.PerHostRPS, 1),
		logger:        logger,
	}
}

// Fetch GETs the URL and returns the response body byte for byte, with no
// charset conversion. A body over MaxBodyBytes is an error rather than a
// truncated digest. Transient failures are retried per the retry policy; the
// final failure is a *tracker.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url tracker.TrackedURL) ([]byte, error) {
	for n := 0; ; n++ {
		if err := f.limiter.Wait(ctx, url.String()); err != nil {
			return nil, &tracker.FetchError{URL: url, Err: err}
		}

		res := f.fetchOnce(ctx, url.String())
		if res.err == nil {
			return res.body, nil
		}
		if ctx.Err() != nil || !f.retry.ShouldRetry(res.status, res.err, n) {
			return nil, &tracker.FetchError{URL: url, StatusCode: res.status, Err: res.err}
		}

		wait := f.retry.Backoff(n)
		f.logger.Debug("retrying fetch",
			zap.String("url", url.String()),
			zap.Int("attempt", n+1),
			zap.Int("status", res.status),
			zap.Duration("backoff", wait),
			zap.Error(res.err),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, &tracker.FetchError{URL: url, StatusCode: res.status, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) attempt {
	res := &attempt{}
	capture := &rawCapture{}
	collector := f.buildCollector(withCapture(ctx, capture))
	f.configureCollectorHooks(collector, res)
	out := f.runCollector(ctx, collector, url, res)
	if out.err != nil || !capture.seen {
		return out
	}
	if capture.truncated {
		out.body = nil
		out.err = fmt.Errorf("%w of %d bytes", errBodyTooLarge, f.cfg.MaxBodyBytes)
		return out
	}
	out.body = capture.body
	return out
}

func (f *Fetcher) buildCollector(ctx context.Context) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.MaxBodySize = f.cfg.MaxBodyBytes + 1
	collector.Context = ctx
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, res *attempt) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	})

	hooks.OnResponse(func(r *colly.Response) {
		res.status = r.StatusCode
		res.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			res.status = r.StatusCode
		}
		res.err = err
	})
}

// runCollector visits url and returns the observed attempt. The callbacks may still
// be running when ctx finishes first, so that path never reads res.
func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, res *attempt) attempt {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return attempt{err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case err := <-done:
		out := *res
		switch {
		case out.err != nil:
			out.err = fmt.Errorf("colly response failed: %w", out.err)
		case err != nil:
			out.err = fmt.Errorf("colly visit failed: %w", err)
		case out.status < http.StatusOK || out.status >= http.StatusMultipleChoices:
			out.err = fmt.Errorf("unexpected status %d", out.status)
		}
		return out
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}

// IsRobotsBlocked reports whether err came from a robots.txt disallow rule.
func IsRobotsBlocked(err error) bool {
	return errors.Is(err, colly.ErrRobotsTxtBlocked)
}
