package session

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/internal/relay"
	"github.com/pagetrail/recorder/pkg/kv"
)

type mapCookies struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *mapCookies) Cookie(_ context.Context, name string) (*http.Cookie, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[name]
	if !ok {
		return nil, ErrNoCookie
	}
	return &http.Cookie{Name: name, Value: v}, nil
}

func (m *mapCookies) Remove(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, name)
	return nil
}

func (m *mapCookies) set(name, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[name] = value
}

func testToken(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"user_id": "u1"}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

func userValue(json string) string { return url.QueryEscape(json) }

type trackerFixture struct {
	cookies *mapCookies
	store   kv.Store
	tracker *Tracker
	states  chan models.SessionState
}

func newTrackerFixture(t *testing.T) *trackerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := relay.NewBus(nil)
	states := make(chan models.SessionState, 16)
	t.Cleanup(bus.Register(relay.ContextRecorder, func(ctx context.Context, from relay.Context, msg relay.Message) (any, error) {
		if msg.Type == relay.TypeLoginState {
			var st models.SessionState
			if err := msg.Decode(&st); err == nil {
				states <- st
			}
		}
		return nil, nil
	}))

	f := &trackerFixture{
		cookies: &mapCookies{values: map[string]string{}},
		store:   kv.NewRedisStore(client, "", nil),
		states:  states,
	}
	f.tracker = NewTracker(f.cookies, f.store, bus, 10*time.Millisecond, nil)
	return f
}

func (f *trackerFixture) next(t *testing.T) models.SessionState {
	t.Helper()
	select {
	case st := <-f.states:
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("no LOGIN_STATE broadcast")
		return models.SessionState{}
	}
}

func TestCheck_LoggedIn(t *testing.T) {
	f := newTrackerFixture(t)
	f.cookies.set(CookieToken, testToken(t))
	f.cookies.set(CookieUser, userValue(`{"id":"u1","fullName":"Ada Lovelace","profilePicture":"https://img/ada.png"}`))

	want := models.SessionState{IsLoggedIn: true, UserID: "u1", UserName: "Ada Lovelace", UserProfilePicture: "https://img/ada.png"}
	assert.Equal(t, want, f.tracker.Check(context.Background()))
	assert.Equal(t, want, f.next(t))

	cached, err := f.tracker.Cached(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, cached)
}

func TestCheck_GuestName(t *testing.T) {
	f := newTrackerFixture(t)
	f.cookies.set(CookieToken, testToken(t))
	f.cookies.set(CookieUser, userValue(`{"id":"u2"}`))

	st := f.tracker.Check(context.Background())
	assert.True(t, st.IsLoggedIn)
	assert.Equal(t, "Guest", st.UserName)
}

func TestCheck_LoggedOutCases(t *testing.T) {
	cases := []struct {
		name  string
		token string
		user  string
	}{
		{name: "no cookies"},
		{name: "token only", token: "valid"},
		{name: "malformed user cookie", token: "valid", user: "%7Bnot-json"},
		{name: "bad escape", token: "valid", user: "%zz"},
		{name: "malformed token", token: "not-a-jwt", user: userValue(`{"id":"u1"}`)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newTrackerFixture(t)
			if tc.token == "valid" {
				f.cookies.set(CookieToken, testToken(t))
			} else if tc.token != "" {
				f.cookies.set(CookieToken, tc.token)
			}
			if tc.user != "" {
				f.cookies.set(CookieUser, tc.user)
			}
			assert.Equal(t, models.LoggedOut, f.tracker.Check(context.Background()))
			assert.Equal(t, models.LoggedOut, f.next(t))
		})
	}
}

func TestRun_PublishesOnlyOnChange(t *testing.T) {
	f := newTrackerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.tracker.Run(ctx)

	assert.False(t, f.next(t).IsLoggedIn, "first poll always publishes")

	f.cookies.set(CookieToken, testToken(t))
	f.cookies.set(CookieUser, userValue(`{"id":"u3","fullName":"Grace"}`))
	st := f.next(t)
	assert.True(t, st.IsLoggedIn)
	assert.Equal(t, "u3", st.UserID)

	select {
	case extra := <-f.states:
		t.Fatalf("unexpected broadcast without cookie change: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLogout(t *testing.T) {
	f := newTrackerFixture(t)
	f.cookies.set(CookieToken, testToken(t))
	f.cookies.set(CookieUser, userValue(`{"id":"u1"}`))
	f.tracker.Check(context.Background())
	f.next(t)

	require.NoError(t, f.tracker.Logout(context.Background()))
	assert.Equal(t, models.LoggedOut, f.next(t))
	assert.Empty(t, f.cookies.values)

	cached, err := f.tracker.Cached(context.Background())
	require.NoError(t, err)
	assert.False(t, cached.IsLoggedIn)
}

func TestCached_Empty(t *testing.T) {
	f := newTrackerFixture(t)
	st, err := f.tracker.Cached(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.LoggedOut, st)
}

func TestJarSource(t *testing.T) {
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u, _ := url.Parse("http://localhost:5000/api/auth/login")
	jar.SetCookies(u, []*http.Cookie{{Name: CookieToken, Value: "abc", Path: "/"}})

	src, err := NewJarSource(jar, "http://localhost:5000")
	require.NoError(t, err)

	c, err := src.Cookie(context.Background(), CookieToken)
	require.NoError(t, err)
	assert.Equal(t, "abc", c.Value)

	_, err = src.Cookie(context.Background(), CookieUser)
	assert.ErrorIs(t, err, ErrNoCookie)

	require.NoError(t, src.Remove(context.Background(), CookieToken))
	_, err = src.Cookie(context.Background(), CookieToken)
	assert.ErrorIs(t, err, ErrNoCookie)

	_, err = NewJarSource(jar, "localhost")
	assert.Error(t, err)
}
