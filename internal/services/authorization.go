package services

import (
	"context"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"task-reminder/internal/authz"
	"task-reminder/internal/models"
	"task-reminder/internal/repositories"
)

const (
	ResourceTask = "task"
	ResourceUser = "user"
)

type AuthorizationService interface {
	Authorize(ctx context.Context, req authz.Request, resource string, resourceID uuid.UUID) error
}

// AuthorizationServiceImpl applies the authz decision table and records
// every decision in the audit log. Audit writes are best effort.
type AuthorizationServiceImpl struct {
	audit  repositories.AuditRepository
	logger zerolog.Logger
}

func NewAuthorizationService(audit repositories.AuditRepository, logger zerolog.Logger) *AuthorizationServiceImpl {
	return &AuthorizationServiceImpl{audit: audit, logger: logger}
}

func (s *AuthorizationServiceImpl) Authorize(ctx context.Context, req authz.Request, resource string, resourceID uuid.UUID) error {
	decision := authz.Decide(req)
	s.LogAuthorizationDecision(ctx, req, resource, resourceID, decision)
	return decision.Err()
}

func (s *AuthorizationServiceImpl) LogAuthorizationDecision(ctx context.Context, req authz.Request, resource string, resourceID uuid.UUID, decision authz.Decision) {
	outcome := models.DecisionAllowed
	event := s.logger.Debug()
	if !decision.Allowed {
		outcome = models.DecisionDenied
		event = s.logger.Info()
	}
	event.
		Str("user_id", req.Actor.ID.String()).
		Str("role", string(req.Actor.Role)).
		Str("operation", string(req.Operation)).
		Str("resource", resource).
		Str("resource_id", resourceID.String()).
		Str("decision", outcome).
		Str("reason", string(decision.Reason)).
		Msg("authorization decision")

	if s.audit == nil {
		return
	}

	entry := &models.AuditLog{
		UserID:     req.Actor.ID,
		Action:     string(req.Operation),
		Resource:   resource,
		ResourceID: resourceID,
		Decision:   outcome,
		Reason:     string(decision.Reason),
	}
	if err := s.audit.Create(ctx, entry); err != nil {
		s.logger.Warn().
			Err(err).
			Str("operation", string(req.Operation)).
			Msg("failed to write audit log")
	}
}
