package control

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagetrail/recorder/internal/backend"
	"github.com/pagetrail/recorder/internal/background"
	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/internal/relay"
	"github.com/pagetrail/recorder/internal/upload"
	"github.com/pagetrail/recorder/pkg/kv"
	"github.com/pagetrail/recorder/pkg/response"
)

type listerFunc func(ctx context.Context) ([]models.IndexEntry, error)

func (f listerFunc) List(ctx context.Context) ([]models.IndexEntry, error) { return f(ctx) }

type drainerFunc func(ctx context.Context, userID string) (upload.Result, error)

func (f drainerFunc) Drain(ctx context.Context, userID string) (upload.Result, error) {
	return f(ctx, userID)
}

type fixture struct {
	bus    *relay.Bus
	store  kv.Store
	router *gin.Engine
	login  models.SessionState
	drains []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{bus: relay.NewBus(nil), store: kv.NewRedisStore(client, "", nil)}
	pending := listerFunc(func(ctx context.Context) ([]models.IndexEntry, error) {
		return []models.IndexEntry{{RecordingID: "rec_1", CreatedAt: 10, SourceURL: "https://example.com"}}, nil
	})
	drainer := drainerFunc(func(ctx context.Context, userID string) (upload.Result, error) {
		f.drains = append(f.drains, userID)
		return upload.Result{Uploaded: []string{"rec_1"}}, nil
	})
	t.Cleanup(f.bus.Register(relay.ContextCoordinator, func(ctx context.Context, from relay.Context, msg relay.Message) (any, error) {
		switch msg.Type {
		case relay.TypeGetLoginState:
			return f.login, nil
		case relay.TypeLogin:
			var cred relay.Credentials
			_ = msg.Decode(&cred)
			if cred.Password == "blocked" {
				return nil, &backend.StatusError{Code: http.StatusForbidden, Message: "user has been blocked"}
			}
			if cred.Password != "secret" {
				return nil, &backend.StatusError{Code: http.StatusUnauthorized, Message: "invalid email or password"}
			}
			f.login = models.SessionState{IsLoggedIn: true, UserID: "u1", UserName: "Ada"}
			return f.login, nil
		case relay.TypeLogout:
			f.login = models.LoggedOut
			return relay.Ack{Success: true}, nil
		}
		return nil, nil
	}))

	f.router = gin.New()
	NewHandler(f.bus, pending, drainer, f.store, nil, nil).Register(f.router)
	return f
}

func (f *fixture) registerRecorder(t *testing.T, h relay.Handler) {
	t.Helper()
	t.Cleanup(f.bus.Register(relay.ContextRecorder, h))
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, response.Body) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	var out response.Body
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.registerRecorder(t, func(ctx context.Context, from relay.Context, msg relay.Message) (any, error) {
		switch msg.Type {
		case relay.TypeStartRecording:
			return relay.Ack{Success: true, RecordingID: "rec_1"}, nil
		case relay.TypeStopRecording:
			return relay.Ack{Success: true, RecordingID: "rec_1"}, nil
		}
		return nil, nil
	})

	w, body := f.do(t, http.MethodPost, "/recording/start", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, body.Success)
	assert.Contains(t, w.Body.String(), `"recordingId":"rec_1"`)

	w, _ = f.do(t, http.MethodPost, "/recording/stop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"isRecording":false`)
}

func TestStart_NoPage(t *testing.T) {
	f := newFixture(t)
	f.registerRecorder(t, func(ctx context.Context, from relay.Context, msg relay.Message) (any, error) {
		return relay.Ack{Success: false, Error: "capture: no page attached"}, nil
	})
	w, body := f.do(t, http.MethodPost, "/recording/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "capture: no page attached", body.Error)
}

func TestStart_RecorderUnreachable(t *testing.T) {
	f := newFixture(t)
	w, _ := f.do(t, http.MethodPost, "/recording/start", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestStatus_FallsBackToStoredCopy(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, background.SaveRecordingStatus(context.Background(), f.store, models.RecordingStatus{IsRecording: true, RecordingID: "rec_7"}))

	w, _ := f.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"recordingId":"rec_7"`)

	f.registerRecorder(t, func(ctx context.Context, from relay.Context, msg relay.Message) (any, error) {
		return models.RecordingStatus{IsRecording: false}, nil
	})
	w, _ = f.do(t, http.MethodGet, "/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"isRecording":false`)
}

func TestLoginFlow(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodPost, "/login", LoginRequest{Email: "ada@example.com", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = f.do(t, http.MethodPost, "/login", LoginRequest{Email: "ada@example.com", Password: "blocked"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = f.do(t, http.MethodPost, "/login", map[string]string{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/login", LoginRequest{Email: "ada@example.com", Password: "secret"})
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = f.do(t, http.MethodGet, "/login-state", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"userId":"u1"`)

	w, _ = f.do(t, http.MethodPost, "/logout", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, f.login.IsLoggedIn)
}

func TestDrain(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodPost, "/drain", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.drains)

	f.login = models.SessionState{IsLoggedIn: true, UserID: "u1"}
	w, _ = f.do(t, http.MethodPost, "/drain", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"u1"}, f.drains)
	assert.Contains(t, w.Body.String(), `"uploaded":["rec_1"]`)
}

func TestPending(t *testing.T) {
	f := newFixture(t)
	w, _ := f.do(t, http.MethodGet, "/pending", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"id":"rec_1"`)
}
