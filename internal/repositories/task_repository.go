package repositories

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"

	"task-reminder/internal/models"
)

const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

// TaskFilter narrows a task query. A nil AssignedTo means no assignee
// restriction; an empty non-nil slice matches nothing.
type TaskFilter struct {
	Status     string
	Priority   string
	AssignedTo []uuid.UUID
}

type Pagination struct {
	Page  int
	Limit int
}

func (p Pagination) Normalize() Pagination {
	if p.Page < 1 {
		p.Page = DefaultPage
	}
	if p.Limit < 1 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

func TotalPages(total int64, limit int) int {
	if limit <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(limit) - 1) / int64(limit))
}

type TaskRepository interface {
	Create(ctx context.Context, task *models.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error)
	Update(ctx context.Context, id uuid.UUID, fields map[string]interface{}) (*models.Task, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Query(ctx context.Context, filter TaskFilter, page Pagination) ([]models.Task, int64, error)
	FindDueReminders(ctx context.Context, from, to time.Time) ([]models.Task, error)
	AdvanceReminder(ctx context.Context, id uuid.UUID) error
}

type TaskRepositoryImpl struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepositoryImpl {
	return &TaskRepositoryImpl{db: db}
}

func (r *TaskRepositoryImpl) Create(ctx context.Context, task *models.Task) error {
	return translate("create task", r.db.WithContext(ctx).Create(task).Error)
}

func (r *TaskRepositoryImpl) GetByID(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	var task models.Task
	if err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error; err != nil {
		return nil, translate("get task", err)
	}
	return &task, nil
}

// Update applies a partial update keyed by column name and returns the
// stored task.
func (r *TaskRepositoryImpl) Update(ctx context.Context, id uuid.UUID, fields map[string]interface{}) (*models.Task, error) {
	if len(fields) > 0 {
		res := r.db.WithContext(ctx).Model(&models.Task{}).Where("id = ?", id).Updates(fields)
		if res.Error != nil {
			return nil, translate("update task", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil, ErrNotFound
		}
	}
	return r.GetByID(ctx, id)
}

func (r *TaskRepositoryImpl) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&models.Task{}, "id = ?", id)
	if res.Error != nil {
		return translate("delete task", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *TaskRepositoryImpl) Query(ctx context.Context, filter TaskFilter, page Pagination) ([]models.Task, int64, error) {
	page = page.Normalize()
	tasks := []models.Task{}

	if filter.AssignedTo != nil && len(filter.AssignedTo) == 0 {
		return tasks, 0, nil
	}

	scope := func(db *gorm.DB) *gorm.DB {
		if filter.Status != "" {
			db = db.Where("status = ?", filter.Status)
		}
		if filter.Priority != "" {
			db = db.Where("priority = ?", filter.Priority)
		}
		if filter.AssignedTo != nil {
			db = db.Where("assigned_to IN ?", filter.AssignedTo)
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&models.Task{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, translate("count tasks", err)
	}

	err := r.db.WithContext(ctx).
		Scopes(scope).
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(page.Limit).
		Find(&tasks).Error
	if err != nil {
		return nil, 0, translate("query tasks", err)
	}

	return tasks, total, nil
}

// FindDueReminders returns tasks whose undelivered reminder falls inside
// [from, to] and that are not completed. A delivered reminder sits on the
// due date, so the strict reminder_at < due_date test excludes it.
func (r *TaskRepositoryImpl) FindDueReminders(ctx context.Context, from, to time.Time) ([]models.Task, error) {
	var tasks []models.Task
	err := r.db.WithContext(ctx).
		Where("reminder_at IS NOT NULL").
		Where("reminder_at >= ? AND reminder_at <= ?", from.UTC(), to.UTC()).
		Where("status <> ?", models.StatusCompleted).
		Where("reminder_at < due_date").
		Order("reminder_at ASC").
		Find(&tasks).Error
	if err != nil {
		return nil, translate("find due reminders", err)
	}
	return tasks, nil
}

// AdvanceReminder marks the reminder as delivered by moving it onto the
// due date. Only reminder_at is written.
func (r *TaskRepositoryImpl) AdvanceReminder(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Model(&models.Task{}).
		Where("id = ?", id).
		UpdateColumn("reminder_at", gorm.Expr("due_date"))
	if res.Error != nil {
		return translate("advance reminder", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
