// bothost authentication middleware
// JWT bearer authentication and role checks for Gin

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"bothost/internal/auth"
	"bothost/internal/bots"
	"bothost/pkg/models"

	"github.com/gin-gonic/gin"
)

// Authenticator resolves a bearer token to an active user.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.User, error)
}

// RequireAuth middleware validates JWT tokens. Browsers cannot set headers
// on a websocket handshake, so upgrade requests may pass the token in the
// "token" query parameter instead.
func RequireAuth(authn Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, code, err := requestToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
				"code":  code,
			})
			return
		}

		user, err := authn.Authenticate(c.Request.Context(), token)
		if err != nil {
			status, code := http.StatusUnauthorized, "INVALID_TOKEN"
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				code = "TOKEN_EXPIRED"
			case errors.Is(err, auth.ErrAccountSuspended):
				status, code = http.StatusForbidden, "ACCOUNT_SUSPENDED"
			case errors.Is(err, auth.ErrInvalidToken):
			default:
				status, code = http.StatusInternalServerError, "TOKEN_VALIDATION_FAILED"
			}
			c.AbortWithStatusJSON(status, gin.H{
				"error": err.Error(),
				"code":  code,
			})
			return
		}

		// Store user information in context
		c.Set("user_id", user.ID)
		c.Set("email", user.Email)
		c.Set("role", user.Role)
		c.Set("user", user)

		c.Next()
	}
}

// RequireAnyRole middleware checks if user has any of the required roles
func RequireAnyRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRole, ok := GetUserRole(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "User role not found in context",
				"code":  "ROLE_NOT_FOUND",
			})
			return
		}

		for _, role := range roles {
			if userRole == role {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Insufficient permissions",
			"code":  "INSUFFICIENT_PERMISSIONS",
		})
	}
}

// requestToken returns the caller's token, or an error code naming what is
// wrong with the request.
func requestToken(c *gin.Context) (token, code string, err error) {
	header := c.GetHeader("Authorization")
	if header == "" {
		if isWebsocketUpgrade(c.Request) {
			if q := c.Query("token"); q != "" {
				return q, "", nil
			}
		}
		return "", "AUTH_HEADER_MISSING", errors.New("authorization header is required")
	}
	token, err = extractBearerToken(header)
	if err != nil {
		return "", "INVALID_AUTH_HEADER", err
	}
	return token, "", nil
}

// extractBearerToken extracts the token from Bearer authorization header
func extractBearerToken(authHeader string) (string, error) {
	const bearerPrefix = "Bearer "
	if len(authHeader) < len(bearerPrefix) || !strings.EqualFold(authHeader[:len(bearerPrefix)], bearerPrefix) {
		return "", errors.New("invalid authorization header format, expected 'Bearer <token>'")
	}

	token := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if token == "" {
		return "", errors.New("token cannot be empty")
	}

	return token, nil
}

func isWebsocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// GetUserID helper function to extract user ID from context
func GetUserID(c *gin.Context) (uint, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	id, ok := userID.(uint)
	return id, ok
}

// GetUserRole helper function to extract role from context
func GetUserRole(c *gin.Context) (string, bool) {
	role, exists := c.Get("role")
	if !exists {
		return "", false
	}
	r, ok := role.(string)
	return r, ok
}

// GetCaller returns the authenticated user as seen by the bot service.
func GetCaller(c *gin.Context) (bots.Caller, bool) {
	id, ok := GetUserID(c)
	if !ok {
		return bots.Caller{}, false
	}
	role, _ := GetUserRole(c)
	return bots.Caller{UserID: id, Role: role}, true
}
