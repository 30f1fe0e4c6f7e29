package repositories

import (
	"context"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"

	"task-reminder/internal/models"
)

type AuditRepository interface {
	Create(ctx context.Context, entry *models.AuditLog) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.AuditLog, error)
}

type AuditRepositoryImpl struct {
	db *gorm.DB
}

func NewAuditRepository(db *gorm.DB) *AuditRepositoryImpl {
	return &AuditRepositoryImpl{db: db}
}

func (r *AuditRepositoryImpl) Create(ctx context.Context, entry *models.AuditLog) error {
	return translate("create audit log", r.db.WithContext(ctx).Create(entry).Error)
}

func (r *AuditRepositoryImpl) ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.AuditLog, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	entries := []models.AuditLog{}
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("timestamp DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, translate("list audit logs", err)
	}
	return entries, nil
}
