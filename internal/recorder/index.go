package recorder

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/pkg/kv"
)

const (
	// IndexKey holds the JSON list of pending index entries.
	IndexKey = "recordings_index"
	// DefaultMaxPending bounds how many recordings wait for upload.
	DefaultMaxPending = 100
)

// BlobKey returns the storage key of a recording's event blob.
func BlobKey(recordingID string) string { return "recording_" + recordingID }

// Index is the durable list of recordings not yet confirmed uploaded, plus
// their event blobs. An entry exists iff its blob exists; removal writes the
// index first and deletes the blob second, so a crash leaves at worst a
// dangling entry that the next drain cleans up.
type Index struct {
	store      kv.Store
	maxPending int
	mu         sync.Mutex // serializes index read-modify-write
	logger     *zap.Logger
}

// NewIndex creates an index over store. maxPending <= 0 uses DefaultMaxPending.
func NewIndex(store kv.Store, maxPending int, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Index{store: store, maxPending: maxPending, logger: logger}
}

func (ix *Index) load(ctx context.Context) ([]models.IndexEntry, error) {
	var entries []models.IndexEntry
	if _, err := kv.GetJSON(ctx, ix.store, IndexKey, &entries); err != nil {
		return nil, fmt.Errorf("load index: %w", err)
	}
	return entries, nil
}

// List returns all pending entries in insertion order.
func (ix *Index) List(ctx context.Context) ([]models.IndexEntry, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.load(ctx)
}

// Get returns the entry for id, or nil when absent.
func (ix *Index) Get(ctx context.Context, id string) (*models.IndexEntry, error) {
	entries, err := ix.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].RecordingID == id {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// Events returns the stored blob for id. ok is false when there is no blob.
func (ix *Index) Events(ctx context.Context, id string) (events []models.Event, ok bool, err error) {
	ok, err = kv.GetJSON(ctx, ix.store, BlobKey(id), &events)
	if err != nil {
		return nil, false, err
	}
	return events, ok, nil
}

// Add inserts entry if its id is not indexed yet. The entry's blob is created
// empty when missing so the entry/blob invariant holds.
func (ix *Index) Add(ctx context.Context, entry models.IndexEntry) error {
	return ix.write(ctx, entry, nil)
}

// AppendEvents appends events to the blob of entry.RecordingID and makes sure
// the entry is indexed. Blob and index land in one atomic Set. Returns the
// blob length after the append.
func (ix *Index) AppendEvents(ctx context.Context, entry models.IndexEntry, events []models.Event) (int, error) {
	var total int
	err := ix.write(ctx, entry, func(existing []models.Event) []models.Event {
		combined := make([]models.Event, 0, len(existing)+len(events))
		combined = append(combined, existing...)
		combined = append(combined, events...)
		total = len(combined)
		return combined
	})
	return total, err
}

func (ix *Index) write(ctx context.Context, entry models.IndexEntry, merge func([]models.Event) []models.Event) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries, err := ix.load(ctx)
	if err != nil {
		return err
	}
	blob, hasBlob, err := ix.Events(ctx, entry.RecordingID)
	if err != nil {
		return fmt.Errorf("load blob %s: %w", entry.RecordingID, err)
	}

	values := map[string]any{}
	if merge != nil {
		values[BlobKey(entry.RecordingID)] = merge(blob)
	} else if !hasBlob {
		values[BlobKey(entry.RecordingID)] = []models.Event{}
	}

	var evicted []string
	if !containsEntry(entries, entry.RecordingID) {
		entries = append(entries, entry)
		if over := len(entries) - ix.maxPending; over > 0 {
			for _, e := range entries[:over] {
				evicted = append(evicted, e.RecordingID)
			}
			entries = append([]models.IndexEntry(nil), entries[over:]...)
		}
		values[IndexKey] = entries
	}
	if len(values) == 0 {
		return nil
	}
	if err := kv.SetJSON(ctx, ix.store, values); err != nil {
		return fmt.Errorf("write recording %s: %w", entry.RecordingID, err)
	}
	if len(evicted) > 0 {
		ix.logger.Warn("pending recordings over limit, oldest evicted", zap.Strings("recording_ids", evicted), zap.Int("max_pending", ix.maxPending))
		ix.deleteBlobs(ctx, evicted)
	}
	return nil
}

// Remove deletes the entry and the blob for id.
func (ix *Index) Remove(ctx context.Context, id string) error {
	return ix.RemoveMany(ctx, []string{id})
}

// RemoveMany deletes the entries and blobs for ids: index rewrite first, blobs second.
func (ix *Index) RemoveMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	entries, err := ix.load(ctx)
	if err != nil {
		return err
	}
	kept := make([]models.IndexEntry, 0, len(entries))
	for _, e := range entries {
		if _, ok := drop[e.RecordingID]; !ok {
			kept = append(kept, e)
		}
	}
	if len(kept) != len(entries) {
		if len(kept) == 0 {
			err = ix.store.Remove(ctx, IndexKey)
		} else {
			err = kv.SetJSON(ctx, ix.store, map[string]any{IndexKey: kept})
		}
		if err != nil {
			return fmt.Errorf("rewrite index: %w", err)
		}
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, BlobKey(id))
	}
	if err := ix.store.Remove(ctx, keys...); err != nil {
		return fmt.Errorf("remove blobs: %w", err)
	}
	return nil
}

func (ix *Index) deleteBlobs(ctx context.Context, ids []string) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, BlobKey(id))
	}
	if err := ix.store.Remove(ctx, keys...); err != nil {
		ix.logger.Warn("remove evicted blobs failed", zap.Strings("recording_ids", ids), zap.Error(err))
	}
}

func containsEntry(entries []models.IndexEntry, id string) bool {
	for _, e := range entries {
		if e.RecordingID == id {
			return true
		}
	}
	return false
}
