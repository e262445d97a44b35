package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	corsMethods = "GET, POST, PATCH, OPTIONS"
	corsHeaders = "Content-Type, Authorization"
	corsMaxAge  = "86400"
)

// corsPolicy answers which Origin value to echo for a request.
type corsPolicy struct {
	listed   map[string]struct{}
	wildcard bool
}

func newCORSPolicy(allowed string) corsPolicy {
	p := corsPolicy{listed: make(map[string]struct{})}
	for _, o := range strings.Split(allowed, ",") {
		switch o = strings.TrimSpace(o); o {
		case "":
		case "*":
			p.wildcard = true
		default:
			p.listed[strings.TrimRight(o, "/")] = struct{}{}
		}
	}
	if len(p.listed) == 0 {
		p.wildcard = true
	}
	return p
}

// allow returns the Allow-Origin value and whether credentials may be sent.
// Only explicitly listed origins get credentials.
func (p corsPolicy) allow(origin string) (string, bool) {
	if origin != "" {
		if _, ok := p.listed[origin]; ok {
			return origin, true
		}
	}
	if p.wildcard {
		return "*", false
	}
	return "", false
}

// CORS sets cross-origin headers. allowedOrigins is "*" or a comma-separated
// list (e.g. "http://localhost:5173,chrome-extension://abc"); listed origins
// may send the auth cookies.
func CORS(allowedOrigins string) gin.HandlerFunc {
	policy := newCORSPolicy(allowedOrigins)
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Add("Vary", "Origin")
		if origin, creds := policy.allow(c.GetHeader("Origin")); origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", corsMethods)
			h.Set("Access-Control-Allow-Headers", corsHeaders)
			h.Set("Access-Control-Max-Age", corsMaxAge)
			if creds {
				h.Set("Access-Control-Allow-Credentials", "true")
			}
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
