package authz

import (
	"task-reminder/internal/models"
)

// Relation is the capability set of an actor towards the target of a request.
type Relation struct {
	Creator         bool
	Assignee        bool
	AssigneeInScope bool
	StatusOnly      bool
	Self            bool
	ManagerValid    bool
}

func Relate(req Request) Relation {
	rel := Relation{
		AssigneeInScope: true,
		ManagerValid:    true,
		StatusOnly:      len(req.Fields) > 0,
		Self:            req.TargetUserID == req.Actor.ID,
	}

	if req.Task != nil {
		rel.Creator = req.Task.CreatedBy == req.Actor.ID
		rel.Assignee = req.Task.AssignedTo == req.Actor.ID
	}

	if req.AssigneeRequested {
		rel.AssigneeInScope = req.Assignee != nil && req.Assignee.IsManagedBy(req.Actor.ID)
	}

	for _, f := range req.Fields {
		if f != FieldStatus {
			rel.StatusOnly = false
			break
		}
	}

	if req.NewRole == models.RoleUser && req.ManagerRequested {
		rel.ManagerValid = req.Manager != nil &&
			req.Manager.Role == models.RoleManager &&
			req.Manager.ID != req.TargetUserID
	}

	return rel
}

// Rule returns the deny reason for a relation, or "" to allow.
type Rule func(Relation) Reason

func allow(Relation) Reason { return "" }

func forbid(Relation) Reason { return ReasonRoleForbidden }

func participant(r Relation) Reason {
	if r.Creator || r.Assignee {
		return ""
	}
	return ReasonRoleForbidden
}

func assignInScope(r Relation) Reason {
	if !r.AssigneeInScope {
		return ReasonAssignOutsideScope
	}
	return ""
}

func statusOnly(r Relation) Reason {
	if !r.StatusOnly {
		return ReasonStatusOnly
	}
	return participant(r)
}

func changeRole(r Relation) Reason {
	if r.Self {
		return ReasonSelfRoleChange
	}
	if !r.ManagerValid {
		return ReasonInvalidManager
	}
	return ""
}

// Operations missing from a role's row are denied with role-forbidden.
var policy = map[models.Role]map[Operation]Rule{
	models.RoleAdmin: {
		OpListTasks:        allow,
		OpReadTask:         allow,
		OpCreateTask:       allow,
		OpUpdateTask:       allow,
		OpUpdateTaskStatus: allow,
		OpDeleteTask:       allow,
		OpChangeRole:       changeRole,
		OpListUsers:        allow,
	},
	models.RoleManager: {
		OpListTasks:        allow,
		OpReadTask:         allow,
		OpCreateTask:       assignInScope,
		OpUpdateTask:       assignInScope,
		OpUpdateTaskStatus: allow,
		OpDeleteTask:       forbid,
		OpChangeRole:       forbid,
		OpListManagedUsers: allow,
	},
	models.RoleUser: {
		OpListTasks:        allow,
		OpReadTask:         participant,
		OpCreateTask:       forbid,
		OpUpdateTask:       statusOnly,
		OpUpdateTaskStatus: participant,
		OpDeleteTask:       forbid,
		OpChangeRole:       forbid,
	},
}
