package collyfetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// errBodyTooLarge marks a page larger than Config.MaxBodyBytes. Hashing a
// truncated prefix would hide changes past the limit, so the fetch fails instead.
var errBodyTooLarge = errors.New("body exceeds limit")

type captureKey struct{}

// rawCapture receives the body of one visit exactly as it came off the wire,
// before colly rewrites declared non-UTF-8 charsets.
type rawCapture struct {
	body      []byte
	truncated bool
	seen      bool
}

func withCapture(ctx context.Context, c *rawCapture) context.Context {
	return context.WithValue(ctx, captureKey{}, c)
}

func captureFrom(ctx context.Context) *rawCapture {
	c, _ := ctx.Value(captureKey{}).(*rawCapture)
	return c
}

// captureTransport buffers up to limit+1 bytes of every response whose request
// carries a rawCapture and hands colly an identical copy. Requests without one
// (robots.txt probes) pass straight through. It is shared by every clone of the
// base collector and keeps no per-request state of its own.
type captureTransport struct {
	base  http.RoundTripper
	limit int
}

func (t *captureTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("capture transport received nil request")
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("capture transport roundtrip: %w", err)
	}
	capture := captureFrom(req.Context())
	if capture == nil {
		return resp, nil
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.limit)+1))
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if closeErr != nil {
		return nil, fmt.Errorf("close response body: %w", closeErr)
	}

	// A redirect chain calls RoundTrip once per hop; the last hop wins.
	capture.seen = true
	capture.truncated = len(raw) > t.limit
	capture.body = raw
	if capture.truncated {
		capture.body = raw[:t.limit]
	}

	resp.Body = io.NopCloser(bytes.NewReader(raw))
	resp.ContentLength = int64(len(raw))
	return resp, nil
}
