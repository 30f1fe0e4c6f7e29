package repositories

import (
	"context"
	"strings"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"

	"task-reminder/internal/models"
)

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.User, error)
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByManagerID(ctx context.Context, managerID uuid.UUID) ([]models.User, error)
	ManagedUserIDs(ctx context.Context, managerID uuid.UUID) ([]uuid.UUID, error)
	List(ctx context.Context) ([]models.User, error)
	Update(ctx context.Context, id uuid.UUID, fields map[string]interface{}) (*models.User, error)
	UpdateRole(ctx context.Context, id uuid.UUID, role models.Role, managedBy *uuid.UUID) (*models.User, error)
	AdminExists(ctx context.Context) (bool, error)
}

type UserRepositoryImpl struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepositoryImpl {
	return &UserRepositoryImpl{db: db}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (r *UserRepositoryImpl) Create(ctx context.Context, user *models.User) error {
	user.Email = NormalizeEmail(user.Email)
	return translate("create user", r.db.WithContext(ctx).Create(user).Error)
}

func (r *UserRepositoryImpl) FindByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, translate("find user", err)
	}
	return &user, nil
}

func (r *UserRepositoryImpl) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, "email = ?", NormalizeEmail(email)).Error; err != nil {
		return nil, translate("find user by email", err)
	}
	return &user, nil
}

func (r *UserRepositoryImpl) FindByManagerID(ctx context.Context, managerID uuid.UUID) ([]models.User, error) {
	users := []models.User{}
	err := r.db.WithContext(ctx).
		Where("managed_by = ? AND role = ?", managerID, string(models.RoleUser)).
		Order("created_at ASC").
		Find(&users).Error
	if err != nil {
		return nil, translate("find managed users", err)
	}
	return users, nil
}

func (r *UserRepositoryImpl) ManagedUserIDs(ctx context.Context, managerID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("managed_by = ? AND role = ?", managerID, string(models.RoleUser)).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, translate("managed user ids", err)
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return ids, nil
}

func (r *UserRepositoryImpl) List(ctx context.Context) ([]models.User, error) {
	users := []models.User{}
	if err := r.db.WithContext(ctx).Order("created_at ASC").Find(&users).Error; err != nil {
		return nil, translate("list users", err)
	}
	return users, nil
}

func (r *UserRepositoryImpl) Update(ctx context.Context, id uuid.UUID, fields map[string]interface{}) (*models.User, error) {
	if email, ok := fields["email"].(string); ok {
		fields["email"] = NormalizeEmail(email)
	}
	if len(fields) > 0 {
		res := r.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", id).Updates(fields)
		if res.Error != nil {
			return nil, translate("update user", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, ErrNotFound
		}
	}
	return r.FindByID(ctx, id)
}

// UpdateRole sets the role and manager of a user. managed_by is kept only
// for plain users. Demoting a manager releases their users in the same
// transaction so no user is left pointing at a non-manager.
func (r *UserRepositoryImpl) UpdateRole(ctx context.Context, id uuid.UUID, role models.Role, managedBy *uuid.UUID) (*models.User, error) {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, "id = ?", id).Error; err != nil {
			return err
		}

		if user.Role == models.RoleManager && role != models.RoleManager {
			err := tx.Model(&models.User{}).
				Where("managed_by = ?", id).
				Update("managed_by", nil).Error
			if err != nil {
				return err
			}
		}

		updates := map[string]interface{}{
			"role":       string(role),
			"managed_by": nil,
		}
		if role == models.RoleUser && managedBy != nil {
			updates["managed_by"] = *managedBy
		}
		return tx.Model(&models.User{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return nil, translate("update role", err)
	}
	return r.FindByID(ctx, id)
}

func (r *UserRepositoryImpl) AdminExists(ctx context.Context) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("role = ?", string(models.RoleAdmin)).
		Count(&count).Error
	if err != nil {
		return false, translate("count admins", err)
	}
	return count > 0, nil
}
