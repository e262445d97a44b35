package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// ErrNoCookie is returned by a CookieSource when the cookie is not set.
var ErrNoCookie = errors.New("session: cookie not set")

// CookieSource reads and removes the cookies the backend issues.
type CookieSource interface {
	Cookie(ctx context.Context, name string) (*http.Cookie, error)
	Remove(ctx context.Context, name string) error
}

// JarSource reads cookies for one URL out of a cookie jar. The same jar backs
// the backend client, so cookies set by a login response show up here.
type JarSource struct {
	jar http.CookieJar
	url *url.URL
}

// NewJarSource creates a source for the cookies the jar would send to rawURL.
func NewJarSource(jar http.CookieJar, rawURL string) (*JarSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse cookie url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("cookie url %q must be absolute", rawURL)
	}
	return &JarSource{jar: jar, url: u}, nil
}

// Cookie implements CookieSource.
func (s *JarSource) Cookie(_ context.Context, name string) (*http.Cookie, error) {
	for _, c := range s.jar.Cookies(s.url) {
		if c.Name == name {
			return c, nil
		}
	}
	return nil, ErrNoCookie
}

// Remove implements CookieSource by expiring the cookie in the jar.
func (s *JarSource) Remove(_ context.Context, name string) error {
	s.jar.SetCookies(s.url, []*http.Cookie{{Name: name, Path: "/", MaxAge: -1}})
	return nil
}
