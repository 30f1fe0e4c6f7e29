package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"task-reminder/internal/authz"
	"task-reminder/internal/middleware"
	"task-reminder/internal/repositories"
	"task-reminder/internal/services"
)

var denyMessages = map[authz.Reason]string{
	authz.ReasonRoleForbidden:      "Access denied",
	authz.ReasonAssignOutsideScope: "You can only assign tasks to users you manage",
	authz.ReasonStatusOnly:         "Users can only update task status",
	authz.ReasonSelfRoleChange:     "Cannot update your own role",
	authz.ReasonInvalidManager:     "Invalid manager assigned",
}

// handleError maps service errors onto HTTP responses.
func handleError(c *gin.Context, logger zerolog.Logger, err error) {
	var deny *authz.DenyError
	switch {
	case errors.Is(err, services.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
	case errors.Is(err, services.ErrUserNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "User not found"})
	case errors.As(err, &deny):
		status := http.StatusForbidden
		if deny.Reason == authz.ReasonInvalidManager || deny.Reason == authz.ReasonSelfRoleChange {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": denyMessages[deny.Reason], "reason": deny.Reason})
	case errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "Email already in use"})
	case errors.Is(err, services.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
	case errors.Is(err, repositories.ErrStoreUnavailable):
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("store unavailable")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
	default:
		logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}

func actorOrAbort(c *gin.Context) (authz.Actor, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
	}
	return actor, ok
}

func idParam(c *gin.Context, what string) (uuid.UUID, bool) {
	id, err := uuid.FromString(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + what + " ID"})
		return uuid.Nil, false
	}
	return id, true
}
