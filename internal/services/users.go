package services

import (
	"context"
	"errors"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"task-reminder/internal/authz"
	"task-reminder/internal/models"
	"task-reminder/internal/repositories"
)

type UpdateProfileRequest struct {
	Name  *string `json:"name" binding:"omitempty,min=1,max=100"`
	Email *string `json:"email" binding:"omitempty,email"`
}

type ChangeRoleRequest struct {
	Role      models.Role `json:"role" binding:"required"`
	ManagedBy *uuid.UUID  `json:"managed_by"`
}

type UserService interface {
	GetUsers(ctx context.Context, actor authz.Actor) ([]models.User, error)
	GetManagedUsers(ctx context.Context, actor authz.Actor) ([]models.User, error)
	GetUserProfile(ctx context.Context, actor authz.Actor) (*models.User, error)
	UpdateUserProfile(ctx context.Context, actor authz.Actor, req UpdateProfileRequest) (*models.User, error)
	ChangeRole(ctx context.Context, actor authz.Actor, targetID uuid.UUID, req ChangeRoleRequest) (*models.User, error)
}

type UserServiceImpl struct {
	users  repositories.UserRepository
	authz  AuthorizationService
	logger zerolog.Logger
}

func NewUserService(users repositories.UserRepository, authorizer AuthorizationService, logger zerolog.Logger) *UserServiceImpl {
	return &UserServiceImpl{users: users, authz: authorizer, logger: logger}
}

func (s *UserServiceImpl) GetUsers(ctx context.Context, actor authz.Actor) ([]models.User, error) {
	if err := s.authz.Authorize(ctx, authz.Request{Actor: actor, Operation: authz.OpListUsers}, ResourceUser, uuid.Nil); err != nil {
		return nil, err
	}
	return s.users.List(ctx)
}

func (s *UserServiceImpl) GetManagedUsers(ctx context.Context, actor authz.Actor) ([]models.User, error) {
	if err := s.authz.Authorize(ctx, authz.Request{Actor: actor, Operation: authz.OpListManagedUsers}, ResourceUser, uuid.Nil); err != nil {
		return nil, err
	}
	return s.users.FindByManagerID(ctx, actor.ID)
}

func (s *UserServiceImpl) GetUserProfile(ctx context.Context, actor authz.Actor) (*models.User, error) {
	return s.load(ctx, actor.ID)
}

func (s *UserServiceImpl) UpdateUserProfile(ctx context.Context, actor authz.Actor, req UpdateProfileRequest) (*models.User, error) {
	if _, err := s.load(ctx, actor.ID); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, invalid("name must not be empty")
		}
		fields["name"] = name
	}
	if req.Email != nil {
		email := repositories.NormalizeEmail(*req.Email)
		if email == "" {
			return nil, invalid("email must not be empty")
		}
		existing, err := s.users.FindByEmail(ctx, email)
		switch {
		case err == nil && existing.ID != actor.ID:
			return nil, ErrEmailTaken
		case err != nil && !errors.Is(err, repositories.ErrNotFound):
			return nil, err
		}
		fields["email"] = email
	}
	if len(fields) == 0 {
		return nil, invalid("no fields to update")
	}

	updated, err := s.users.Update(ctx, actor.ID, fields)
	if err != nil {
		switch {
		case errors.Is(err, repositories.ErrNotFound):
			return nil, ErrUserNotFound
		case errors.Is(err, repositories.ErrDuplicate):
			return nil, ErrEmailTaken
		}
		return nil, err
	}
	return updated, nil
}

// ChangeRole sets a user's role and, for plain users, their manager. A
// manager is ignored for any other role.
func (s *UserServiceImpl) ChangeRole(ctx context.Context, actor authz.Actor, targetID uuid.UUID, req ChangeRoleRequest) (*models.User, error) {
	if !req.Role.Valid() {
		return nil, invalid("role must be one of admin, manager, user")
	}

	target, err := s.load(ctx, targetID)
	if err != nil {
		return nil, err
	}

	authReq := authz.Request{
		Actor:        actor,
		Operation:    authz.OpChangeRole,
		TargetUserID: target.ID,
		NewRole:      req.Role,
	}
	var managedBy *uuid.UUID
	if req.Role == models.RoleUser && req.ManagedBy != nil && *req.ManagedBy != uuid.Nil {
		manager, err := s.users.FindByID(ctx, *req.ManagedBy)
		if err != nil && !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
		authReq.ManagerRequested = true
		authReq.Manager = manager
		managedBy = req.ManagedBy
	}
	if err := s.authz.Authorize(ctx, authReq, ResourceUser, target.ID); err != nil {
		return nil, err
	}

	updated, err := s.users.UpdateRole(ctx, target.ID, req.Role, managedBy)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	s.logger.Info().
		Str("user_id", target.ID.String()).
		Str("from", string(target.Role)).
		Str("to", string(updated.Role)).
		Str("changed_by", actor.ID.String()).
		Msg("changed user role")
	return updated, nil
}

func (s *UserServiceImpl) load(ctx context.Context, id uuid.UUID) (*models.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}
