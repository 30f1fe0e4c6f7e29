package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"

	"task-reminder/internal/authz"
	"task-reminder/internal/models"
	"task-reminder/internal/repositories"
)

type CreateTaskInput struct {
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	DueDate     time.Time  `json:"due_date" binding:"required"`
	ReminderAt  *time.Time `json:"reminder_at"`
	AssignedTo  uuid.UUID  `json:"assigned_to" binding:"required"`
}

// UpdateTaskInput is a partial update; nil fields are left untouched.
type UpdateTaskInput struct {
	Title         *string    `json:"title"`
	Description   *string    `json:"description"`
	Priority      *string    `json:"priority"`
	Status        *string    `json:"status"`
	DueDate       *time.Time `json:"due_date"`
	ReminderAt    *time.Time `json:"reminder_at"`
	ClearReminder bool       `json:"clear_reminder"`
	AssignedTo    *uuid.UUID `json:"assigned_to"`
}

// Fields returns the column names the update touches.
func (in UpdateTaskInput) Fields() []string {
	var fields []string
	if in.Title != nil {
		fields = append(fields, "title")
	}
	if in.Description != nil {
		fields = append(fields, "description")
	}
	if in.Priority != nil {
		fields = append(fields, "priority")
	}
	if in.Status != nil {
		fields = append(fields, authz.FieldStatus)
	}
	if in.DueDate != nil {
		fields = append(fields, "due_date")
	}
	if in.ReminderAt != nil || in.ClearReminder {
		fields = append(fields, "reminder_at")
	}
	if in.AssignedTo != nil {
		fields = append(fields, "assigned_to")
	}
	return fields
}

type ListTasksInput struct {
	Status   string `form:"status"`
	Priority string `form:"priority"`
	Page     int    `form:"page"`
	Limit    int    `form:"limit"`
}

type TaskPage struct {
	Tasks      []models.Task `json:"tasks"`
	Total      int64         `json:"total"`
	Page       int           `json:"page"`
	Limit      int           `json:"limit"`
	TotalPages int           `json:"total_pages"`
}

type TaskService interface {
	ListTasks(ctx context.Context, actor authz.Actor, in ListTasksInput) (*TaskPage, error)
	GetTask(ctx context.Context, actor authz.Actor, id uuid.UUID) (*models.Task, error)
	CreateTask(ctx context.Context, actor authz.Actor, in CreateTaskInput) (*models.Task, error)
	UpdateTask(ctx context.Context, actor authz.Actor, id uuid.UUID, in UpdateTaskInput) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, actor authz.Actor, id uuid.UUID, status string) (*models.Task, error)
	DeleteTask(ctx context.Context, actor authz.Actor, id uuid.UUID) error
}

type TaskServiceImpl struct {
	tasks  repositories.TaskRepository
	users  repositories.UserRepository
	authz  AuthorizationService
	logger zerolog.Logger
}

func NewTaskService(
	tasks repositories.TaskRepository,
	users repositories.UserRepository,
	authorizer AuthorizationService,
	logger zerolog.Logger,
) *TaskServiceImpl {
	return &TaskServiceImpl{
		tasks:  tasks,
		users:  users,
		authz:  authorizer,
		logger: logger,
	}
}

func (s *TaskServiceImpl) ListTasks(ctx context.Context, actor authz.Actor, in ListTasksInput) (*TaskPage, error) {
	if err := s.authz.Authorize(ctx, authz.Request{Actor: actor, Operation: authz.OpListTasks}, ResourceTask, uuid.Nil); err != nil {
		return nil, err
	}

	var managed []uuid.UUID
	if actor.Role == models.RoleManager {
		ids, err := s.users.ManagedUserIDs(ctx, actor.ID)
		if err != nil {
			return nil, err
		}
		managed = ids
	}

	filter := repositories.TaskFilter{Status: in.Status, Priority: in.Priority}
	if vis := authz.ListVisibility(actor, managed); !vis.All {
		filter.AssignedTo = vis.AssignedTo
	}

	page := repositories.Pagination{Page: in.Page, Limit: in.Limit}.Normalize()
	tasks, total, err := s.tasks.Query(ctx, filter, page)
	if err != nil {
		return nil, err
	}

	return &TaskPage{
		Tasks:      tasks,
		Total:      total,
		Page:       page.Page,
		Limit:      page.Limit,
		TotalPages: repositories.TotalPages(total, page.Limit),
	}, nil
}

func (s *TaskServiceImpl) GetTask(ctx context.Context, actor authz.Actor, id uuid.UUID) (*models.Task, error) {
	task, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	req := authz.Request{Actor: actor, Operation: authz.OpReadTask, Task: authz.RefOf(task)}
	if err := s.authz.Authorize(ctx, req, ResourceTask, task.ID); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *TaskServiceImpl) CreateTask(ctx context.Context, actor authz.Actor, in CreateTaskInput) (*models.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, invalid("title is required")
	}
	if in.DueDate.IsZero() {
		return nil, invalid("due_date is required")
	}
	if in.Priority != "" && !models.ValidPriority(in.Priority) {
		return nil, invalid("priority must be one of low, medium, high")
	}
	if in.ReminderAt != nil && !in.ReminderAt.Before(in.DueDate) {
		return nil, invalid("reminder_at must be before due_date")
	}

	assignee, err := s.resolveUser(ctx, in.AssignedTo)
	if err != nil {
		return nil, err
	}

	req := authz.Request{
		Actor:             actor,
		Operation:         authz.OpCreateTask,
		AssigneeRequested: true,
		Assignee:          assignee,
	}
	if err := s.authz.Authorize(ctx, req, ResourceTask, uuid.Nil); err != nil {
		return nil, err
	}
	if assignee == nil {
		return nil, invalid("assignee does not exist")
	}

	task := &models.Task{
		Title:       title,
		Description: in.Description,
		Priority:    in.Priority,
		DueDate:     in.DueDate.UTC(),
		ReminderAt:  utcPtr(in.ReminderAt),
		AssignedTo:  assignee.ID,
		CreatedBy:   actor.ID,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("task_id", task.ID.String()).
		Str("created_by", actor.ID.String()).
		Str("assigned_to", task.AssignedTo.String()).
		Msg("created task")
	return task, nil
}

func (s *TaskServiceImpl) UpdateTask(ctx context.Context, actor authz.Actor, id uuid.UUID, in UpdateTaskInput) (*models.Task, error) {
	task, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	req := authz.Request{
		Actor:     actor,
		Operation: authz.OpUpdateTask,
		Task:      authz.RefOf(task),
		Fields:    in.Fields(),
	}
	if in.AssignedTo != nil {
		assignee, err := s.resolveUser(ctx, *in.AssignedTo)
		if err != nil {
			return nil, err
		}
		req.AssigneeRequested = true
		req.Assignee = assignee
	}
	if err := s.authz.Authorize(ctx, req, ResourceTask, task.ID); err != nil {
		return nil, err
	}

	fields, err := updateFields(task, in, req.Assignee)
	if err != nil {
		return nil, err
	}

	updated, err := s.tasks.Update(ctx, task.ID, fields)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	s.logger.Info().
		Str("task_id", task.ID.String()).
		Str("updated_by", actor.ID.String()).
		Strs("fields", req.Fields).
		Msg("updated task")
	return updated, nil
}

func (s *TaskServiceImpl) UpdateTaskStatus(ctx context.Context, actor authz.Actor, id uuid.UUID, status string) (*models.Task, error) {
	task, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	req := authz.Request{Actor: actor, Operation: authz.OpUpdateTaskStatus, Task: authz.RefOf(task)}
	if err := s.authz.Authorize(ctx, req, ResourceTask, task.ID); err != nil {
		return nil, err
	}

	status = strings.TrimSpace(status)
	if status == "" {
		return nil, invalid("status is required")
	}

	updated, err := s.tasks.Update(ctx, task.ID, map[string]interface{}{authz.FieldStatus: status})
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}

	s.logger.Info().
		Str("task_id", task.ID.String()).
		Str("status", status).
		Msg("updated task status")
	return updated, nil
}

func (s *TaskServiceImpl) DeleteTask(ctx context.Context, actor authz.Actor, id uuid.UUID) error {
	task, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	req := authz.Request{Actor: actor, Operation: authz.OpDeleteTask, Task: authz.RefOf(task)}
	if err := s.authz.Authorize(ctx, req, ResourceTask, task.ID); err != nil {
		return err
	}

	if err := s.tasks.Delete(ctx, task.ID); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrTaskNotFound
		}
		return err
	}

	s.logger.Info().
		Str("task_id", task.ID.String()).
		Str("deleted_by", actor.ID.String()).
		Msg("deleted task")
	return nil
}

func (s *TaskServiceImpl) load(ctx context.Context, id uuid.UUID) (*models.Task, error) {
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// resolveUser returns nil without error when the user does not exist so
// the authorization engine can judge the missing assignee.
func (s *TaskServiceImpl) resolveUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	user, err := s.users.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return user, nil
}

func updateFields(task *models.Task, in UpdateTaskInput, assignee *models.User) (map[string]interface{}, error) {
	fields := map[string]interface{}{}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, invalid("title must not be empty")
		}
		fields["title"] = title
	}
	if in.Description != nil {
		fields["description"] = *in.Description
	}
	if in.Priority != nil {
		if !models.ValidPriority(*in.Priority) {
			return nil, invalid("priority must be one of low, medium, high")
		}
		fields["priority"] = *in.Priority
	}
	if in.Status != nil {
		status := strings.TrimSpace(*in.Status)
		if status == "" {
			return nil, invalid("status must not be empty")
		}
		fields[authz.FieldStatus] = status
	}
	if in.AssignedTo != nil {
		if assignee == nil {
			return nil, invalid("assignee does not exist")
		}
		fields["assigned_to"] = assignee.ID
	}

	due := task.DueDate
	if in.DueDate != nil {
		if in.DueDate.IsZero() {
			return nil, invalid("due_date must not be empty")
		}
		due = in.DueDate.UTC()
		fields["due_date"] = due
	}

	switch {
	case in.ClearReminder:
		fields["reminder_at"] = nil
	case in.ReminderAt != nil:
		if !in.ReminderAt.Before(due) {
			return nil, invalid("reminder_at must be before due_date")
		}
		fields["reminder_at"] = in.ReminderAt.UTC()
	case in.DueDate != nil && task.ReminderAt != nil:
		if !task.ReminderPending() {
			// a delivered reminder stays delivered when the deadline moves
			fields["reminder_at"] = due
		} else if !task.ReminderAt.Before(due) {
			return nil, invalid("reminder_at must be before due_date")
		}
	}

	if len(fields) == 0 {
		return nil, invalid("no fields to update")
	}
	return fields, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
