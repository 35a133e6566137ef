// Package middleware provides gin middleware for the REST read path and token
// extraction helpers shared with the WebSocket handshake.
package middleware

import (
	"errors"
	"net/http"
	"strings"

	"agenthub/internal/auth"

	"github.com/gin-gonic/gin"
)

// RequireAuth validates JWT bearer tokens on REST endpoints.
func RequireAuth(authService *auth.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header is required",
				"code":  "AUTH_HEADER_MISSING",
			})
			c.Abort()
			return
		}

		token, ok := extractBearerToken(authHeader)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization header format, expected 'Bearer <token>'",
				"code":  "INVALID_AUTH_HEADER",
			})
			c.Abort()
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			var code string
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				code = "TOKEN_EXPIRED"
			case errors.Is(err, auth.ErrTokenMalformed):
				code = "TOKEN_MALFORMED"
			default:
				code = "INVALID_TOKEN"
			}
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
				"code":  code,
			})
			c.Abort()
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Set("email", claims.Email)
		c.Next()
	}
}

// WebSocketToken extracts the bearer credential from a connection
// establishment request. WebSocket clients cannot set headers from browsers,
// so the token travels in the query string.
func WebSocketToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	// Fall back to the Authorization header for non-browser clients.
	if token, ok := extractBearerToken(c.GetHeader("Authorization")); ok {
		return token
	}
	return ""
}

func extractBearerToken(authHeader string) (string, bool) {
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", false
	}
	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if token == "" {
		return "", false
	}
	return token, true
}

// GetUserID extracts the authenticated user ID from the gin context.
func GetUserID(c *gin.Context) (uint, bool) {
	userID, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	id, ok := userID.(uint)
	return id, ok
}
