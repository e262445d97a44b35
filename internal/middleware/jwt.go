package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/pagetrail/recorder/internal/auth"
	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/pkg/response"
)

const (
	// ContextUserID is the key for user ID in gin context.
	ContextUserID = auth.ContextUserID
	// ContextUserRole is the key for user role in gin context.
	ContextUserRole = "user_role"
)

// UserLookup loads the user behind a token.
type UserLookup interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// JWT returns a middleware that validates the token from the token cookie or
// the Authorization header and sets user claims in context. When users is not
// nil the user must still exist and be active.
func JWT(jwtService *auth.JWTService, users UserLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := tokenFromRequest(c)
		if token == "" {
			response.Abort(c, http.StatusUnauthorized, "not authorized to access this route")
			return
		}
		claims, err := jwtService.Validate(token)
		if err != nil {
			clearToken(c)
			response.Abort(c, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		role := claims.Role
		if users != nil {
			user, err := users.GetByID(c.Request.Context(), claims.UserID)
			if err != nil {
				clearToken(c)
				response.Abort(c, http.StatusUnauthorized, "user not found")
				return
			}
			if user.Status == models.UserStatusInactive {
				clearToken(c)
				response.Abort(c, http.StatusForbidden, "your account has been blocked")
				return
			}
			role = string(user.Role)
		}
		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextUserRole, role)
		c.Next()
	}
}

func tokenFromRequest(c *gin.Context) string {
	if v, err := c.Cookie(auth.CookieToken); err == nil && v != "" {
		return v
	}
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && parts[0] == "Bearer" {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func clearToken(c *gin.Context) {
	c.SetCookie(auth.CookieToken, "", -1, "/", "", false, true)
}
