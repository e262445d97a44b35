package upload

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagetrail/recorder/internal/models"
)

type memPending struct {
	mu      sync.Mutex
	entries []models.IndexEntry
	blobs   map[string][]models.Event
	listErr error
}

func newMemPending(ids ...string) *memPending {
	p := &memPending{blobs: map[string][]models.Event{}}
	for i, id := range ids {
		p.entries = append(p.entries, models.IndexEntry{RecordingID: id, CreatedAt: int64(1000 + i), SourceURL: "https://example.com"})
		p.blobs[id] = []models.Event{models.Event(`{"type":4,"timestamp":1}`)}
	}
	return p
}

func (p *memPending) List(ctx context.Context) ([]models.IndexEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]models.IndexEntry(nil), p.entries...), nil
}

func (p *memPending) Events(ctx context.Context, id string) ([]models.Event, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ev, ok := p.blobs[id]
	return ev, ok, nil
}

func (p *memPending) RemoveMany(ctx context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	drop := map[string]bool{}
	for _, id := range ids {
		drop[id] = true
		delete(p.blobs, id)
	}
	kept := p.entries[:0]
	for _, e := range p.entries {
		if !drop[e.RecordingID] {
			kept = append(kept, e)
		}
	}
	p.entries = kept
	return nil
}

func (p *memPending) ids() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.entries))
	for i, e := range p.entries {
		out[i] = e.RecordingID
	}
	return out
}

// statusTransport answers with a per-recording outcome, defaulting to success.
type statusTransport struct {
	mu       sync.Mutex
	fail     map[string]bool
	payloads []models.UploadPayload
}

func (s *statusTransport) Send(ctx context.Context, p models.UploadPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	if s.fail[p.RecordingID] {
		return ErrRejected
	}
	return nil
}

func (s *statusTransport) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.payloads))
	for i, p := range s.payloads {
		out[i] = p.RecordingID
	}
	return out
}

func TestDrain_PartialFailureKeepsFailed(t *testing.T) {
	pending := newMemPending("rec_a", "rec_b")
	tr := &statusTransport{fail: map[string]bool{"rec_a": true}}
	c := NewCoordinator(pending, tr, nil)

	res, err := c.Drain(context.Background(), "u1")
	require.NoError(t, err)

	assert.Equal(t, []string{"rec_b"}, res.Uploaded)
	assert.Equal(t, []string{"rec_a"}, res.Failed)
	assert.Equal(t, []string{"rec_a"}, pending.ids())
	assert.Equal(t, []string{"rec_a", "rec_b"}, tr.sent(), "uploads follow index order")

	tr.mu.Lock()
	p := tr.payloads[1]
	tr.mu.Unlock()
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, int64(1001), p.Timestamp)
	assert.Len(t, p.Events, 1)
}

func TestDrain_Idempotent(t *testing.T) {
	pending := newMemPending("rec_a", "rec_b")
	tr := &statusTransport{}
	c := NewCoordinator(pending, tr, nil)

	res, err := c.Drain(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, res.Uploaded, 2)
	assert.Empty(t, pending.ids())

	res, err = c.Drain(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, res.Uploaded)
	assert.Len(t, tr.sent(), 2, "nothing uploaded twice")
}

func TestDrain_CleansEntriesWithoutBlob(t *testing.T) {
	pending := newMemPending("rec_a", "rec_b")
	delete(pending.blobs, "rec_a")
	tr := &statusTransport{}
	c := NewCoordinator(pending, tr, nil)

	res, err := c.Drain(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"rec_a"}, res.Cleaned)
	assert.Equal(t, []string{"rec_b"}, res.Uploaded)
	assert.Equal(t, []string{"rec_b"}, tr.sent())
	assert.Empty(t, pending.ids())
}

func TestDrain_NoUser(t *testing.T) {
	pending := newMemPending("rec_a")
	tr := &statusTransport{}
	c := NewCoordinator(pending, tr, nil)

	res, err := c.Drain(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, res.Uploaded)
	assert.Empty(t, tr.sent())
	assert.Equal(t, []string{"rec_a"}, pending.ids())
}

func TestDrain_ListError(t *testing.T) {
	pending := newMemPending()
	pending.listErr = errors.New("boom")
	c := NewCoordinator(pending, &statusTransport{}, nil)

	_, err := c.Drain(context.Background(), "u1")
	assert.Error(t, err)
}

func TestDrain_ConcurrentCallsDoNotDoubleUpload(t *testing.T) {
	pending := newMemPending("rec_a", "rec_b", "rec_c")
	tr := &statusTransport{}
	c := NewCoordinator(pending, tr, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Drain(context.Background(), "u1")
		}()
	}
	wg.Wait()
	assert.ElementsMatch(t, []string{"rec_a", "rec_b", "rec_c"}, tr.sent())
}

func TestDrain_LeavesLiveRecordingPending(t *testing.T) {
	pending := newMemPending("rec_done", "rec_live")
	tr := &statusTransport{}
	c := NewCoordinator(pending, tr, nil)

	live := "rec_live"
	c.SkipLive(func() string { return live })

	res, err := c.Drain(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"rec_done"}, res.Uploaded)
	assert.Equal(t, "rec_live", res.Skipped)
	assert.Equal(t, []string{"rec_done"}, tr.sent())
	assert.Equal(t, []string{"rec_live"}, pending.ids())

	// once stopped, the next drain takes it
	live = ""
	res, err = c.Drain(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"rec_live"}, res.Uploaded)
	assert.Empty(t, pending.ids())
}
