package recorder

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagetrail/recorder/internal/models"
)

func entry(id string) models.IndexEntry {
	return models.IndexEntry{RecordingID: id, CreatedAt: 1700000000000, SourceURL: "https://example.com/", SourceTitle: "Example"}
}

func TestIndex_AppendPreservesOrder(t *testing.T) {
	store := newCountingStore(t)
	ix := NewIndex(store, 0, nil)
	ctx := context.Background()

	total, err := ix.AppendEvents(ctx, entry("r1"), []models.Event{models.Event(`{"n":1}`), models.Event(`{"n":2}`)})
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	total, err = ix.AppendEvents(ctx, entry("r1"), []models.Event{models.Event(`{"n":3}`)})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	events, ok, err := ix.Events(ctx, "r1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, eventStrings(events))

	list, err := ix.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, entry("r1"), list[0])
	assert.Equal(t, 1, store.setCount(IndexKey), "index written only on first flush")
}

func TestIndex_AddIsIdempotentAndCreatesBlob(t *testing.T) {
	ix := NewIndex(newCountingStore(t), 0, nil)
	ctx := context.Background()

	require.NoError(t, ix.Add(ctx, entry("r1")))
	require.NoError(t, ix.Add(ctx, entry("r1")))

	list, err := ix.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	events, ok, err := ix.Events(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, events)
}

func TestIndex_RemoveThenGetIsAbsent(t *testing.T) {
	ix := NewIndex(newCountingStore(t), 0, nil)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := ix.AppendEvents(ctx, entry(id), []models.Event{models.Event(`{}`)})
		require.NoError(t, err)
	}
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, ix.Remove(ctx, id))
		got, err := ix.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, got, id)
		_, ok, err := ix.Events(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, id)
	}

	_, err := ix.store.Get(ctx, IndexKey)
	assert.Error(t, err, "empty index key is deleted")
}

func TestIndex_RemoveManyKeepsOthers(t *testing.T) {
	ix := NewIndex(newCountingStore(t), 0, nil)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, ix.Add(ctx, entry(id)))
	}

	require.NoError(t, ix.RemoveMany(ctx, []string{"a", "c", "missing"}))

	list, err := ix.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].RecordingID)
}

func TestIndex_EvictsOldestOverLimit(t *testing.T) {
	ix := NewIndex(newCountingStore(t), 2, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := ix.AppendEvents(ctx, entry(fmt.Sprintf("r%d", i)), []models.Event{models.Event(`{}`)})
		require.NoError(t, err)
	}

	list, err := ix.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "r1", list[0].RecordingID)
	assert.Equal(t, "r2", list[1].RecordingID)

	_, ok, err := ix.Events(ctx, "r0")
	require.NoError(t, err)
	assert.False(t, ok, "evicted blob removed")
}

func TestIndex_FailedWriteLeavesNothing(t *testing.T) {
	store := newCountingStore(t)
	ix := NewIndex(store, 0, nil)
	store.setFail(true)

	_, err := ix.AppendEvents(context.Background(), entry("r1"), []models.Event{models.Event(`{}`)})
	assert.ErrorIs(t, err, errStorage)

	store.setFail(false)
	got, err := ix.Get(context.Background(), "r1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNewRecordingID(t *testing.T) {
	a := NewRecordingID(timeAt(1700000000123))
	b := NewRecordingID(timeAt(1700000000123))
	assert.Regexp(t, `^rec_1700000000123_[0-9a-f]{9}$`, a)
	assert.NotEqual(t, a, b)
}
