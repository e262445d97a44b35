package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/pagetrail/recorder/internal/capture"
	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/internal/upload"
	"github.com/pagetrail/recorder/pkg/kv"
)

var errStorage = errors.New("storage unavailable")

// countingStore wraps a Store, counting writes per key and optionally failing them.
type countingStore struct {
	kv.Store
	mu       sync.Mutex
	sets     map[string]int
	failSets bool
}

func newCountingStore(t *testing.T) *countingStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &countingStore{Store: kv.NewRedisStore(client, "", nil), sets: map[string]int{}}
}

func (s *countingStore) Set(ctx context.Context, values map[string][]byte) error {
	s.mu.Lock()
	fail := s.failSets
	if !fail {
		for k := range values {
			s.sets[k]++
		}
	}
	s.mu.Unlock()
	if fail {
		return errStorage
	}
	return s.Store.Set(ctx, values)
}

func (s *countingStore) setCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sets[key]
}

func (s *countingStore) setFail(v bool) {
	s.mu.Lock()
	s.failSets = v
	s.mu.Unlock()
}

// fakeSource is a capture.Source driven by the test.
type fakeSource struct {
	mu      sync.Mutex
	emit    capture.Emit
	page    capture.Page
	noPage  bool
	stopped int
	opts    capture.Options
}

type fakeHandle struct{ src *fakeSource }

func (h *fakeHandle) Page() capture.Page { return h.src.page }

func (h *fakeHandle) Stop() {
	h.src.mu.Lock()
	defer h.src.mu.Unlock()
	h.src.emit = nil
	h.src.stopped++
}

func (s *fakeSource) Record(opts capture.Options, emit capture.Emit) (capture.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.noPage {
		return nil, capture.ErrNoPage
	}
	s.emit = emit
	s.opts = opts
	return &fakeHandle{src: s}, nil
}

func (s *fakeSource) send(raw string) {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit != nil {
		emit(models.Event(raw))
	}
}

// fakeDrainer records drain calls.
type fakeDrainer struct {
	mu    sync.Mutex
	users []string
	fn    func(ctx context.Context, userID string) (upload.Result, error)
}

func (d *fakeDrainer) Drain(ctx context.Context, userID string) (upload.Result, error) {
	d.mu.Lock()
	d.users = append(d.users, userID)
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		return fn(ctx, userID)
	}
	return upload.Result{}, nil
}

func (d *fakeDrainer) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.users...)
}

func eventStrings(events []models.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = string(e)
	}
	return out
}
