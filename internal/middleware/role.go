package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pagetrail/recorder/internal/models"
	"github.com/pagetrail/recorder/pkg/response"
)

// RequireRole allows only users whose role, set by JWT, is one of roles.
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	allowed := make(map[models.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		role, ok := c.Get(ContextUserRole)
		if !ok {
			response.Abort(c, http.StatusUnauthorized, "missing user context")
			return
		}
		if _, ok := allowed[roleOf(role)]; !ok {
			response.Abort(c, http.StatusForbidden, "insufficient permissions")
			return
		}
		c.Next()
	}
}

func roleOf(v any) models.Role {
	switch r := v.(type) {
	case models.Role:
		return r
	case string:
		return models.Role(r)
	}
	return ""
}
