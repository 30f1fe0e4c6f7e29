package models

import (
	"time"

	"github.com/gofrs/uuid"
	"gorm.io/gorm"
)

const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

type Task struct {
	ID          uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	Title       string     `json:"title" gorm:"not null"`
	Description string     `json:"description"`
	Priority    string     `json:"priority" gorm:"not null;default:'medium';index"`
	Status      string     `json:"status" gorm:"not null;default:'pending';index"`
	DueDate     time.Time  `json:"due_date" gorm:"not null"`
	ReminderAt  *time.Time `json:"reminder_at,omitempty" gorm:"index"`
	AssignedTo  uuid.UUID  `json:"assigned_to" gorm:"type:uuid;not null;index"`
	CreatedBy   uuid.UUID  `json:"created_by" gorm:"type:uuid;not null"`
	CreatedAt   time.Time  `json:"created_at" gorm:"index"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (t *Task) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return err
		}
		t.ID = id
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	return nil
}

func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

// ReminderPending reports whether the reminder has not been delivered yet.
// Delivery moves ReminderAt onto DueDate, so equality means "sent".
func (t *Task) ReminderPending() bool {
	return t.ReminderAt != nil && t.ReminderAt.Before(t.DueDate)
}
