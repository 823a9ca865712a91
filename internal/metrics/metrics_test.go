package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSite(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.expected, SanitizeSite(tc.input))
		})
	}
}

func TestRecorderCounts(t *testing.T) {
	t.Parallel()

	r := New("", "")
	r.ObserveURL(ResultChanged)
	r.ObserveURL(ResultChanged)
	r.ObserveURL(ResultFailed)
	r.ObserveNotification(StatusSent)
	r.ObserveEvent(StatusFailed)
	r.ObserveFetch("https://Example.com/a", 150*time.Millisecond)
	r.MarkRun(time.Unix(1700000000, 0))

	assert.InDelta(t, 2, testutil.ToFloat64(r.urlsChecked.WithLabelValues(ResultChanged)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.urlsChecked.WithLabelValues(ResultFailed)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.notifications.WithLabelValues(StatusSent)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.events.WithLabelValues(StatusFailed)), 0)
	assert.InDelta(t, 1700000000, testutil.ToFloat64(r.lastRun), 0)
	assert.Equal(t, 1, testutil.CollectAndCount(r.fetchDuration, "pagewatch_fetch_duration_seconds"))
}

func TestNilRecorderIsNoop(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.ObserveURL(ResultChanged)
	r.ObserveNotification(StatusSent)
	r.ObserveEvent(StatusSent)
	r.ObserveFetch("https://example.com", time.Second)
	r.MarkRun(time.Now())
	assert.NoError(t, r.Push(context.Background()))
}

func TestPush(t *testing.T) {
	t.Parallel()

	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotPath = req.URL.Path
		body, _ := io.ReadAll(req.Body)
		gotBody = string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := New(srv.URL, "pagewatch-test")
	r.ObserveURL(ResultUnchanged)
	require.NoError(t, r.Push(context.Background()))
	assert.Equal(t, "/metrics/job/pagewatch-test", gotPath)
	assert.Contains(t, gotBody, "pagewatch_urls_checked_total")
}

func TestPushWithoutURLIsNoop(t *testing.T) {
	t.Parallel()
	assert.NoError(t, New("", "job").Push(context.Background()))
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://google.com", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
