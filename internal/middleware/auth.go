package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"task-reminder/internal/authz"
	"task-reminder/internal/models"
	"task-reminder/internal/repositories"
	"task-reminder/internal/services"
)

const (
	UserIDKey = "user_id"
	ActorKey  = "actor"
)

type TokenParser interface {
	ParseToken(token string) (*services.Claims, error)
}

type UserLoader interface {
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Authenticate validates the bearer token and reloads the user so the actor
// carries the current role, not the one baked into the token.
func Authenticate(tokens TokenParser, users UserLoader, logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "missing_token",
				"message": "Authorization header is required",
			})
			return
		}

		tokenStr, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_token_format",
				"message": "Authorization header must use Bearer token",
			})
			return
		}

		claims, err := tokens.ParseToken(tokenStr)
		if err != nil {
			logger.Debug().Err(err).Msg("rejected bearer token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_token",
				"message": "Token validation failed",
			})
			return
		}

		id, err := uuid.FromString(claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_claims",
				"message": "Token claims are invalid",
			})
			return
		}

		user, err := users.FindByID(c.Request.Context(), id)
		if err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unknown_user",
					"message": "Token subject no longer exists",
				})
				return
			}

			logger.Error().Err(err).Str("user_id", id.String()).Msg("failed to load authenticated user")
			status := http.StatusInternalServerError
			if errors.Is(err, repositories.ErrStoreUnavailable) {
				status = http.StatusServiceUnavailable
			}
			c.AbortWithStatusJSON(status, gin.H{"error": "Failed to authenticate"})
			return
		}

		c.Set(UserIDKey, user.ID)
		c.Set(ActorKey, authz.Actor{ID: user.ID, Role: user.Role})
		c.Next()
	}
}

func ActorFrom(c *gin.Context) (authz.Actor, bool) {
	v, ok := c.Get(ActorKey)
	if !ok {
		return authz.Actor{}, false
	}
	actor, ok := v.(authz.Actor)
	return actor, ok
}
