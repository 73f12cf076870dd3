package conversation

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"lunchrun/app/core/orchestrator/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.NewSQLiteDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	store, err := NewStore(database.Conn())
	require.NoError(t, err)
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	state, created, err := store.LoadOrCreate(ctx, "conv-1", fixedNow)
	require.NoError(t, err)
	assert.True(t, created)

	state.Append("user", "lunch downtown?", fixedNow)
	state.Slots.Location = "downtown"
	state.SearchResults = []SearchResult{{Name: "Noodle House", Rating: 4.5, Address: "1 Main St", ID: "p1", CategoryLabel: "Noodles"}}
	state.SearchKey = SearchKeyFor(state.Slots)
	state.Artifact = &ArtifactRefs{PrimaryURL: "https://forms.example/f", SecondaryURL: "https://sheets.example/s"}
	state.Scheduled = true
	state.ScheduledTaskID = "agg-123"
	require.NoError(t, store.Save(ctx, &state))

	state.Append("assistant", "here are some places", fixedNow.Add(time.Second))
	require.NoError(t, store.Save(ctx, &state))

	loaded, created, err := store.LoadOrCreate(ctx, "conv-1", fixedNow)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, state.Slots, loaded.Slots)
	assert.Equal(t, state.SearchResults, loaded.SearchResults)
	assert.Equal(t, "downtown|", loaded.SearchKey)
	assert.True(t, loaded.HasCurrentSearch())
	assert.Equal(t, state.Artifact, loaded.Artifact)
	assert.True(t, loaded.Scheduled)
	assert.Equal(t, "agg-123", loaded.ScheduledTaskID)
	require.Len(t, loaded.Messages, 2, "messages must be appended exactly once")
	assert.Equal(t, "user", loaded.Messages[0].Role)
	assert.Equal(t, "here are some places", loaded.Messages[1].Text)
}

func TestStoreKeepsUnsetFieldsNil(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	state := New("conv-2", fixedNow)
	require.NoError(t, store.Save(ctx, &state))

	loaded, err := store.Get(ctx, "conv-2")
	require.NoError(t, err)
	assert.Nil(t, loaded.SearchResults)
	assert.Nil(t, loaded.Artifact)
	assert.False(t, loaded.Scheduled)
}

func TestStoreGetMissingWrapsErrNoRows(t *testing.T) {
	store := openTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrNoRows))
}

func TestStoreList(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	for _, id := range []string{"a", "b"} {
		state := New(id, fixedNow)
		state.Slots.Title = "order " + id
		require.NoError(t, store.Save(ctx, &state))
	}

	items, err := store.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

// Two turns for one conversation must not lose each other's slot updates
// when serialized through the Locker.
func TestLockedTurnsDoNotLoseUpdates(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	locker := NewLocker()

	extractions := []Extraction{
		{Fields: map[string]string{SlotLocation: "X"}},
		{Fields: map[string]string{SlotFoodCategory: "Y"}},
	}

	var wg sync.WaitGroup
	for _, ext := range extractions {
		ext := ext
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locker.Lock(ctx, "conv-d")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			state, _, err := store.LoadOrCreate(ctx, "conv-d", time.Now())
			if !assert.NoError(t, err) {
				return
			}
			time.Sleep(10 * time.Millisecond)
			next := Merge(state, ext)
			assert.NoError(t, store.Save(ctx, &next))
		}()
	}
	wg.Wait()

	final, err := store.Get(ctx, "conv-d")
	require.NoError(t, err)
	assert.Equal(t, "X", final.Slots.Location)
	assert.Equal(t, "Y", final.Slots.FoodCategory)
	assert.Equal(t, 0, locker.Len())
}
