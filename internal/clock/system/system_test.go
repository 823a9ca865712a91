package system

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestClockNowUTC ensures run timestamps are UTC and close to wall time.
func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	require.Equal(t, time.UTC, got.Location())
	require.True(t, !got.Before(before) && !got.After(after), "expected %v between %v and %v", got, before, after)
	require.False(t, clk.Now().Before(got), "clock went backwards")
}
