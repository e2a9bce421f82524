package middleware

import (
	"strings"

	"livecast/internal/core/services"
	"livecast/pkg/errors"
	"livecast/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	ClaimsKey  = "claims"
	SubjectKey = "subject"

	// tokenQueryParam carries the token for browser WebSocket clients,
	// which cannot set request headers.
	tokenQueryParam = "access_token"
)

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if tok := c.Query(tokenQueryParam); tok != "" {
			return tok, true
		}
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// AuthMiddleware requires a valid token carrying at least the given role.
func AuthMiddleware(authService services.AuthService, required services.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWith(c, errors.NewUnauthorizedError("authorization header required"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWith(c, errors.NewUnauthorizedError(err.Error()))
			return
		}
		if !authService.HasRole(claims, required) {
			abortWith(c, errors.NewForbiddenError("insufficient permissions"))
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(SubjectKey, claims.Subject)
		c.Request = c.Request.WithContext(logger.WithValue(c.Request.Context(), logger.UserIDKey, claims.Subject))
		c.Next()
	}
}

// RequireRole narrows a group already behind AuthMiddleware.
func RequireRole(authService services.AuthService, required services.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(ClaimsKey)
		claims, ok := v.(*services.Claims)
		if !exists || !ok {
			abortWith(c, errors.NewUnauthorizedError("authentication required"))
			return
		}
		if !authService.HasRole(claims, required) {
			abortWith(c, errors.NewForbiddenError("insufficient permissions"))
			return
		}
		c.Next()
	}
}
