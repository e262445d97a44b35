// Package session derives the user's login state from the backend's cookies
// and publishes it to the other agent contexts.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/internal/relay"
	"github.com/pagetrail/recorder/pkg/kv"
)

const (
	CookieToken = "token"
	CookieUser  = "user"

	DefaultPollInterval = 2 * time.Second
	guestName           = "Guest"
)

// Keys of the stored session projection.
const (
	KeyIsLoggedIn         = "isLoggedIn"
	KeyUserName           = "userName"
	KeyUserProfilePicture = "userProfilePicture"
	KeyUserID             = "userId"
)

// userCookie is the JSON document carried URL-encoded in the user cookie.
type userCookie struct {
	ID             string `json:"id"`
	FullName       string `json:"fullName"`
	ProfilePicture string `json:"profilePicture"`
}

// Tracker watches the auth cookies and publishes LOGIN_STATE on change.
type Tracker struct {
	cookies  CookieSource
	store    kv.Store
	bus      *relay.Bus
	interval time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	last   string
	primed bool
}

// NewTracker creates a tracker. bus may be nil when nobody listens.
func NewTracker(cookies CookieSource, store kv.Store, bus *relay.Bus, interval time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Tracker{cookies: cookies, store: store, bus: bus, interval: interval, logger: logger}
}

// Check derives the login state from the cookies and publishes it.
func (t *Tracker) Check(ctx context.Context) models.SessionState {
	st, fp := t.read(ctx)
	t.mu.Lock()
	t.last, t.primed = fp, true
	t.mu.Unlock()
	t.publish(ctx, st)
	return st
}

// Run polls the cookies until ctx is done, publishing only when they changed.
// The first poll always publishes.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		t.poll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (t *Tracker) poll(ctx context.Context) {
	st, fp := t.read(ctx)
	t.mu.Lock()
	changed := !t.primed || fp != t.last
	t.last, t.primed = fp, true
	t.mu.Unlock()
	if changed {
		t.logger.Info("auth cookies changed", zap.Bool("logged_in", st.IsLoggedIn))
		t.publish(ctx, st)
	}
}

// Logout removes both auth cookies and publishes the logged-out state.
func (t *Tracker) Logout(ctx context.Context) error {
	var errs []error
	for _, name := range []string{CookieToken, CookieUser} {
		if err := t.cookies.Remove(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("remove %s cookie: %w", name, err))
		}
	}
	_, fp := t.read(ctx)
	t.mu.Lock()
	t.last, t.primed = fp, true
	t.mu.Unlock()
	t.publish(ctx, models.LoggedOut)
	return errors.Join(errs...)
}

// Cached returns the last published state from the store.
func (t *Tracker) Cached(ctx context.Context) (models.SessionState, error) {
	var st models.SessionState
	fields := []struct {
		key string
		dst any
	}{
		{KeyIsLoggedIn, &st.IsLoggedIn},
		{KeyUserName, &st.UserName},
		{KeyUserProfilePicture, &st.UserProfilePicture},
		{KeyUserID, &st.UserID},
	}
	for _, f := range fields {
		if _, err := kv.GetJSON(ctx, t.store, f.key, f.dst); err != nil {
			return models.LoggedOut, fmt.Errorf("read session %s: %w", f.key, err)
		}
	}
	return st, nil
}

// read returns the state the cookies describe and a fingerprint of them.
func (t *Tracker) read(ctx context.Context) (models.SessionState, string) {
	token, err := t.cookies.Cookie(ctx, CookieToken)
	if err != nil {
		t.logMissing(CookieToken, err)
		return models.LoggedOut, ""
	}
	user, err := t.cookies.Cookie(ctx, CookieUser)
	if err != nil {
		t.logMissing(CookieUser, err)
		return models.LoggedOut, token.Value + "\x00"
	}
	fp := token.Value + "\x00" + user.Value

	if _, _, err := jwt.NewParser().ParseUnverified(token.Value, jwt.MapClaims{}); err != nil {
		t.logger.Warn("malformed token cookie, treating as logged out", zap.Error(err))
		return models.LoggedOut, fp
	}
	info, err := decodeUserCookie(user.Value)
	if err != nil {
		t.logger.Warn("malformed user cookie, treating as logged out", zap.Error(err))
		return models.LoggedOut, fp
	}
	name := info.FullName
	if name == "" {
		name = guestName
	}
	return models.SessionState{
		IsLoggedIn:         true,
		UserID:             info.ID,
		UserName:           name,
		UserProfilePicture: info.ProfilePicture,
	}, fp
}

func (t *Tracker) logMissing(name string, err error) {
	if errors.Is(err, ErrNoCookie) {
		return
	}
	t.logger.Warn("read cookie failed", zap.String("cookie", name), zap.Error(err))
}

func decodeUserCookie(value string) (userCookie, error) {
	var u userCookie
	raw, err := url.QueryUnescape(value)
	if err != nil {
		return u, fmt.Errorf("unescape: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return u, fmt.Errorf("decode: %w", err)
	}
	return u, nil
}

// publish stores the projection and broadcasts it. Failures are logged.
func (t *Tracker) publish(ctx context.Context, st models.SessionState) {
	err := kv.SetJSON(ctx, t.store, map[string]any{
		KeyIsLoggedIn:         st.IsLoggedIn,
		KeyUserName:           st.UserName,
		KeyUserProfilePicture: st.UserProfilePicture,
		KeyUserID:             st.UserID,
	})
	if err != nil {
		t.logger.Error("store session state failed", zap.Error(err))
	}
	if t.bus == nil {
		return
	}
	msg, err := relay.NewMessage(relay.TypeLoginState, st)
	if err != nil {
		t.logger.Error("encode login state", zap.Error(err))
		return
	}
	t.bus.Broadcast(relay.ContextCoordinator, msg)
}
