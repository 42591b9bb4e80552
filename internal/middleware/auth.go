package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"securevault-backend/internal/domain"
	apperrors "securevault-backend/pkg/errors"
	"securevault-backend/pkg/jwt"
	"securevault-backend/pkg/logger"
	"securevault-backend/pkg/response"
)

const principalKey = "principal"

// RevocationChecker defines interface for checking if a token is revoked
type RevocationChecker interface {
	// IsTokenRevoked checks if the token with the given id has been revoked
	IsTokenRevoked(ctx context.Context, tokenID string) (bool, error)
}

// AuthMiddleware validates the bearer token and stores the caller as a
// domain.Principal in the Gin context. revocationChecker may be nil.
func AuthMiddleware(jwtManager *jwt.JWTManager, revocationChecker RevocationChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			response.Unauthorized(c, "Authorization header required")
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
			response.Unauthorized(c, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := jwtManager.ValidateToken(parts[1])
		if err != nil {
			if errors.Is(err, jwt.ErrExpired) {
				response.FromError(c, apperrors.ExpiredTokenError())
			} else {
				response.FromError(c, apperrors.InvalidTokenError("Invalid token"))
			}
			return
		}

		if revocationChecker != nil && claims.ID != "" {
			revoked, err := revocationChecker.IsTokenRevoked(c.Request.Context(), claims.ID)
			if err != nil {
				// Fail-open: the signature already verified
				logger.FromContext(c.Request.Context(), nil).Warn("Token revocation check failed",
					zap.Error(err))
			} else if revoked {
				response.FromError(c, apperrors.InvalidTokenError("Token revoked"))
				return
			}
		}

		SetPrincipal(c, claims.Principal())
		c.Next()
	}
}

// SetPrincipal stores p as the authenticated caller
func SetPrincipal(c *gin.Context, p domain.Principal) {
	c.Set(principalKey, p)
}

// GetPrincipal returns the caller stored by AuthMiddleware
func GetPrincipal(c *gin.Context) (domain.Principal, bool) {
	v, exists := c.Get(principalKey)
	if !exists {
		return domain.Principal{}, false
	}
	p, ok := v.(domain.Principal)
	return p, ok
}

// RequireAdmin rejects callers without the admin role
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := GetPrincipal(c)
		if !ok || !p.IsAdmin() {
			response.Forbidden(c, "Admin role required")
			c.Abort()
			return
		}
		c.Next()
	}
}
