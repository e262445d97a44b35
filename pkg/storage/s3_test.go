package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 is a minimal path-style S3 endpoint holding objects in memory.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := r.URL.Path
	switch r.Method {
	case http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objects[key] = data
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`))
			return
		}
		w.Header().Set("Content-Type", ContentTypeEvents)
		_, _ = w.Write(data)
	case http.MethodDelete:
		delete(f.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestS3(t *testing.T) *S3 {
	t.Helper()
	srv := httptest.NewServer(&fakeS3{objects: map[string][]byte{}})
	t.Cleanup(srv.Close)
	s, err := NewS3(context.Background(), S3Config{
		Region:           "us-east-1",
		AccessKeyID:      "test",
		SecretAccessKey:  "test",
		RecordingsBucket: "recs",
		Endpoint:         srv.URL,
	}, nil)
	require.NoError(t, err)
	return s
}

func TestRecordingKey(t *testing.T) {
	assert.Equal(t, "recordings/u1/rec_1_abc.json", RecordingKey("u1", "rec_1_abc"))
	assert.Equal(t, "recordings/anonymous/rec_1.json", RecordingKey("", "rec_1"))
	assert.Equal(t, "recordings/u1/x.json", RecordingKey("u1", "../../x"))
}

func TestBlobRoundTrip(t *testing.T) {
	s := newTestS3(t)
	ctx := context.Background()
	key := RecordingKey("u1", "rec_1")

	require.NoError(t, s.PutBlob(ctx, key, []byte(`[{"type":4,"timestamp":1}]`)))
	data, err := s.GetBlob(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"type":4,"timestamp":1}]`, string(data))

	require.NoError(t, s.DeleteBlob(ctx, key))
	_, err = s.GetBlob(ctx, key)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestPresignGet(t *testing.T) {
	s := newTestS3(t)
	u, err := s.PresignGet(context.Background(), "recordings/u1/rec_1.json", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, u, "/recs/recordings/u1/rec_1.json")
	assert.Contains(t, u, "X-Amz-Signature")
}
