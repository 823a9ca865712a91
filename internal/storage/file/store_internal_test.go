package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/tracker"
)

// TestSaveFailedStagingKeepsCommittedRecords fails the third staged write and
// checks that no record changed and no temp file is left behind.
func TestSaveFailedStagingKeepsCommittedRecords(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	urls := []tracker.TrackedURL{"https://a.example", "https://b.example", "https://c.example"}
	prior := tracker.Digests{urls[0]: "old-a", urls[1]: "old-b", urls[2]: "old-c"}
	require.NoError(t, store.Save(context.Background(), prior))

	diskFull := errors.New("no space left on device")
	calls := 0
	store.stage = func(target string, data []byte) (string, error) {
		calls++
		if calls == 3 {
			return "", diskFull
		}
		return writeTemp(target, data)
	}

	err = store.Save(context.Background(), tracker.Digests{urls[0]: "new-a", urls[1]: "new-b", urls[2]: "new-c"})
	var persistErr *tracker.PersistError
	require.ErrorAs(t, err, &persistErr)
	require.ErrorIs(t, err, diskFull)
	require.Equal(t, "save", persistErr.Op)
	require.Equal(t, 3, calls)

	for _, u := range urls {
		data, readErr := os.ReadFile(filepath.Join(dir, tracker.KeyFor(u)+recordExt))
		require.NoError(t, readErr)
		require.Equal(t, prior[u], string(data), "record for %s must keep its committed digest", u)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, len(urls))
	for _, e := range entries {
		require.False(t, strings.Contains(e.Name(), ".tmp."), "leftover temp file %s", e.Name())
	}

	got, err := store.Load(context.Background(), urls)
	require.NoError(t, err)
	require.Equal(t, prior, got)
}
