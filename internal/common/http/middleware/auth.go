package middleware

import (
	"context"
	"strings"

	"ojforge/internal/model"
	pkgerrors "ojforge/pkg/errors"
	"ojforge/pkg/utils/contextkey"
	"ojforge/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const (
	userIDContextValue    = "user_id"
	userRoleContextValue  = "user_role"
	userTokenContextValue = "user_token"
)

// TokenVerifier resolves a bearer token to the user it belongs to. The
// user service implements it against the session store.
type TokenVerifier interface {
	Authenticate(ctx context.Context, token string) (*model.User, error)
}

// Auth validates the bearer token and stores the caller's identity in
// both the gin context and the request context, so handlers and the
// logger see the same user id.
func Auth(verifier TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			response.AbortWithErrorCode(c, pkgerrors.ServiceUnavailable, "auth unavailable")
			return
		}
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			response.AbortWithErrorCode(c, pkgerrors.TokenInvalid, "missing bearer token")
			return
		}
		user, err := verifier.Authenticate(c.Request.Context(), token)
		if err != nil {
			response.AbortWithError(c, err)
			return
		}

		c.Set(userIDContextValue, user.ID)
		c.Set(userRoleContextValue, user.Role)
		c.Set(userTokenContextValue, token)
		ctx := context.WithValue(c.Request.Context(), contextkey.UserID, user.ID)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAdmin rejects non-admin callers. Mount after Auth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if CurrentRole(c) != model.RoleAdmin {
			response.AbortWithErrorCode(c, pkgerrors.Forbidden, "admin role required")
			return
		}
		c.Next()
	}
}

// CurrentUserID returns the authenticated user id, "" when unauthenticated.
func CurrentUserID(c *gin.Context) string {
	if v, ok := c.Get(userIDContextValue); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// CurrentRole returns the authenticated user's role, "" when unauthenticated.
func CurrentRole(c *gin.Context) string {
	if v, ok := c.Get(userRoleContextValue); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// IsAdmin reports whether the caller holds the admin role.
func IsAdmin(c *gin.Context) bool {
	return CurrentRole(c) == model.RoleAdmin
}

// CurrentToken returns the verified bearer token, "" when unauthenticated.
// Logout needs it to revoke the session it arrived on.
func CurrentToken(c *gin.Context) string {
	if v, ok := c.Get(userTokenContextValue); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
