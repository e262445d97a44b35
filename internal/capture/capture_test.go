package capture

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagetrail/recorder/internal/models"
)

func TestValidEvent(t *testing.T) {
	cases := map[string]bool{
		`{"type":2,"timestamp":1700000000000,"data":{}}`: true,
		`{"type":4,"timestamp":1}`:                       true,
		`{"type":2}`:                                     false,
		`{"timestamp":1}`:                                false,
		`[1,2,3]`:                                        false,
		`not json`:                                       false,
		`{"type":"x","timestamp":1}`:                     false,
	}
	for raw, want := range cases {
		assert.Equal(t, want, ValidEvent([]byte(raw)), raw)
	}
}

func TestDefaultOptions(t *testing.T) {
	o := DefaultOptions()
	assert.True(t, o.RecordCanvas)
	assert.True(t, o.CollectFonts)
	assert.True(t, o.InlineStylesheet)
}

func TestWSSource_RecordWithoutPage(t *testing.T) {
	s := NewWSSource(nil)
	_, err := s.Record(DefaultOptions(), func(models.Event) {})
	assert.ErrorIs(t, err, ErrNoPage)
}

type sink struct {
	mu     sync.Mutex
	events []string
}

func (k *sink) emit(ev models.Event) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.events = append(k.events, string(ev))
}

func (k *sink) snapshot() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.events...)
}

func dialPage(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/capture?url=https%3A%2F%2Fexample.com%2F&title=Example"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestWSSource_StreamsEventsToRecorder(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := NewWSSource(nil)
	detached := make(chan Handle, 1)
	src.OnDetach(func(h Handle) { detached <- h })

	r := gin.New()
	r.GET("/capture", src.ServeWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dialPage(t, srv)
	defer conn.Close()

	var h Handle
	require.Eventually(t, func() bool {
		var err error
		h, err = src.Record(DefaultOptions(), (&sink{}).emit)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	h.Stop()

	k := &sink{}
	h, err := src.Record(DefaultOptions(), k.emit)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/", h.Page().URL)
	assert.Equal(t, "Example", h.Page().Title)

	// start, stop, start
	for _, want := range []string{"start", "stop", "start"} {
		var cmd Command
		require.NoError(t, conn.ReadJSON(&cmd))
		assert.Equal(t, want, cmd.Command)
	}

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":4,"timestamp":1}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":3,"timestamp":2}`)))

	require.Eventually(t, func() bool { return len(k.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"type":4,"timestamp":1}`, `{"type":3,"timestamp":2}`}, k.snapshot())

	_ = conn.Close()
	select {
	case got := <-detached:
		assert.Same(t, h, got)
	case <-time.After(2 * time.Second):
		t.Fatal("detach callback not called")
	}
}

func TestWSSource_DetachAfterStopIsSilent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	src := NewWSSource(nil)
	detached := make(chan Handle, 1)
	src.OnDetach(func(h Handle) { detached <- h })

	r := gin.New()
	r.GET("/capture", src.ServeWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	first := dialPage(t, srv)
	var h Handle
	require.Eventually(t, func() bool {
		var err error
		h, err = src.Record(DefaultOptions(), (&sink{}).emit)
		return err == nil
	}, time.Second, 5*time.Millisecond)
	h.Stop()

	// a second page becomes active and records; the first one going away
	// must not report the second recording as detached
	second := dialPage(t, srv)
	defer second.Close()
	var next Handle
	require.Eventually(t, func() bool {
		var err error
		next, err = src.Record(DefaultOptions(), (&sink{}).emit)
		return err == nil && next.(*wsHandle).pc != h.(*wsHandle).pc
	}, time.Second, 5*time.Millisecond)

	_ = first.Close()
	select {
	case got := <-detached:
		t.Fatalf("unexpected detach for %v", got)
	case <-time.After(200 * time.Millisecond):
	}

	_ = second.Close()
	select {
	case got := <-detached:
		assert.Same(t, next, got)
	case <-time.After(2 * time.Second):
		t.Fatal("detach callback not called")
	}
}
