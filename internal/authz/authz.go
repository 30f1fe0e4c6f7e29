// Package authz decides which actor may see or mutate which tasks.
//
// Every decision is a pure function of the request: callers resolve the
// facts it needs (target task, prospective assignee, requested manager)
// from the store beforehand, and the engine never touches the store.
package authz

import (
	"errors"
	"fmt"

	"task-reminder/internal/models"

	"github.com/gofrs/uuid"
)

// Operation names an action an actor attempts.
type Operation string

const (
	OpListTasks        Operation = "list_tasks"
	OpReadTask         Operation = "read_task"
	OpCreateTask       Operation = "create_task"
	OpUpdateTask       Operation = "update_task"
	OpUpdateTaskStatus Operation = "update_task_status"
	OpDeleteTask       Operation = "delete_task"
	OpChangeRole       Operation = "change_role"
	OpListUsers        Operation = "list_users"
	OpListManagedUsers Operation = "list_managed_users"
)

// Reason explains why a request was denied.
type Reason string

const (
	ReasonRoleForbidden      Reason = "role-forbidden"
	ReasonAssignOutsideScope Reason = "assign-outside-scope"
	ReasonStatusOnly         Reason = "status-only"
	ReasonSelfRoleChange     Reason = "self-role-change"
	ReasonInvalidManager     Reason = "invalid-manager"
)

// FieldStatus is the only task field a plain user may touch.
const FieldStatus = "status"

// Actor is the authenticated caller with its current role.
type Actor struct {
	ID   uuid.UUID
	Role models.Role
}

// TaskRef holds the task facts the rules look at.
type TaskRef struct {
	CreatedBy  uuid.UUID
	AssignedTo uuid.UUID
}

func RefOf(task *models.Task) *TaskRef {
	return &TaskRef{CreatedBy: task.CreatedBy, AssignedTo: task.AssignedTo}
}

// Request carries the actor, the operation and every fact the rules need,
// resolved from the store beforehand.
type Request struct {
	Actor     Actor
	Operation Operation

	// Task is the target of read, update, status and delete operations.
	Task *TaskRef

	// AssigneeRequested is set when the operation names an assignee; Assignee
	// is that user as found in the store, nil if it does not exist.
	AssigneeRequested bool
	Assignee          *models.User

	// Fields lists the task fields an update touches.
	Fields []string

	TargetUserID     uuid.UUID
	NewRole          models.Role
	ManagerRequested bool
	Manager          *models.User
}

// Decision is the outcome of Decide. Reason is empty when Allowed.
type Decision struct {
	Allowed bool
	Reason  Reason
}

func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &DenyError{Reason: d.Reason}
}

// DenyError is returned by services when a request is denied.
type DenyError struct {
	Reason Reason
}

func (e *DenyError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Reason)
}

// IsDenied reports whether err is a denial, optionally with the given reason.
func IsDenied(err error, reason ...Reason) bool {
	var deny *DenyError
	if !errors.As(err, &deny) {
		return false
	}
	if len(reason) == 0 {
		return true
	}
	return deny.Reason == reason[0]
}

// Decide looks up the rule for the actor role and operation and applies it.
// Unknown roles and operations are denied.
func Decide(req Request) Decision {
	rules, ok := policy[req.Actor.Role]
	if !ok {
		return Decision{Reason: ReasonRoleForbidden}
	}
	rule, ok := rules[req.Operation]
	if !ok {
		return Decision{Reason: ReasonRoleForbidden}
	}
	if reason := rule(Relate(req)); reason != "" {
		return Decision{Reason: reason}
	}
	return Decision{Allowed: true}
}

// Visibility is the list filter an actor is entitled to. When All is false
// only tasks assigned to one of AssignedTo are visible; an empty set hides
// everything.
type Visibility struct {
	All        bool
	AssignedTo []uuid.UUID
}

func ListVisibility(actor Actor, managedIDs []uuid.UUID) Visibility {
	switch actor.Role {
	case models.RoleAdmin:
		return Visibility{All: true}
	case models.RoleManager:
		ids := make([]uuid.UUID, len(managedIDs))
		copy(ids, managedIDs)
		return Visibility{AssignedTo: ids}
	case models.RoleUser:
		return Visibility{AssignedTo: []uuid.UUID{actor.ID}}
	default:
		return Visibility{AssignedTo: []uuid.UUID{}}
	}
}
