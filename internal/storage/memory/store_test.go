package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/pagewatch/internal/tracker"
)

func TestStore_SaveMergesAndCopies(t *testing.T) {
	t.Parallel()

	seed := tracker.Digests{"https://a.example": "1"}
	store := NewStoreWith(seed)
	seed["https://a.example"] = "mutated"

	ctx := context.Background()
	staged := tracker.Digests{"https://b.example": "2"}
	require.NoError(t, store.Save(ctx, staged))
	staged["https://b.example"] = "mutated"

	got, err := store.Load(ctx, []tracker.TrackedURL{"https://a.example", "https://b.example", "https://c.example"})
	require.NoError(t, err)
	assert.Equal(t, tracker.Digests{"https://a.example": "1", "https://b.example": "2"}, got)
	assert.Equal(t, 1, store.Saves())
	assert.Len(t, store.Snapshot(), 2)
	assert.NoError(t, store.Close())
}
