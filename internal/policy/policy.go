// Package policy holds the membership resolver and authorization rules for
// projects, tasks, messages, and notifications. All functions are pure:
// they operate on already-loaded records and perform no I/O.
package policy

import "collabboard/api/internal/store"

type Role string

const (
	RoleNonMember Role = "non-member"
	RoleMember    Role = "member"
	RoleCreator   Role = "creator"
)

// Decision is the result of an authorization check. Reason is a stable
// human-readable string surfaced verbatim in 403 responses.
type Decision struct {
	Allowed bool
	Reason  string
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

const (
	ReasonNotMember       = "Access denied. You are not a member of this project"
	ReasonNotCreator      = "Only the project creator or an admin can modify this project"
	ReasonCannotAssign    = "Only project creators and admins can assign team members to tasks"
	ReasonNotSender       = "You can only modify your own messages"
	ReasonNotCommentOwner = "You can only delete your own comments"
	ReasonNotManager      = "Only the project creator can manage members"
	ReasonNotTarget       = "This notification does not belong to you"
)

// RoleOf resolves a user's project role. The creator is always a member
// even when no membership row exists.
func RoleOf(userID string, project store.Project) Role {
	if userID == project.CreatedBy {
		return RoleCreator
	}
	for _, member := range project.Members {
		if member == userID {
			return RoleMember
		}
	}
	return RoleNonMember
}

func IsSystemAdmin(accountRole string) bool {
	return accountRole == "admin"
}

// Actor identifies the authenticated user making a request.
type Actor struct {
	ID   string
	Role string // account role: "admin" or "user"
}

func CanViewProject(actor Actor, project store.Project) Decision {
	if RoleOf(actor.ID, project) != RoleNonMember {
		return allow()
	}
	return deny(ReasonNotMember)
}

func CanModifyProject(actor Actor, project store.Project) Decision {
	if RoleOf(actor.ID, project) == RoleCreator || IsSystemAdmin(actor.Role) {
		return allow()
	}
	return deny(ReasonNotCreator)
}

func CanDeleteProject(actor Actor, project store.Project) Decision {
	return CanModifyProject(actor, project)
}

// CanAssignTask gates setting a task's assignee to a real user. Clearing
// the assignment is always allowed and must not be routed through here.
func CanAssignTask(actor Actor, project store.Project) Decision {
	if RoleOf(actor.ID, project) == RoleCreator || IsSystemAdmin(actor.Role) {
		return allow()
	}
	return deny(ReasonCannotAssign)
}

// CanManageMembers is creator-only. System admins are deliberately not
// granted this, matching the product's member-management rules.
func CanManageMembers(actor Actor, project store.Project) Decision {
	if RoleOf(actor.ID, project) == RoleCreator {
		return allow()
	}
	return deny(ReasonNotManager)
}

func CanEditMessage(actor Actor, message store.Message) Decision {
	if message.Sender == actor.ID {
		return allow()
	}
	return deny(ReasonNotSender)
}

func CanDeleteMessage(actor Actor, message store.Message) Decision {
	return CanEditMessage(actor, message)
}

func CanDeleteComment(actor Actor, comment store.TaskComment) Decision {
	if comment.Author == actor.ID {
		return allow()
	}
	return deny(ReasonNotCommentOwner)
}

func CanTouchNotification(actor Actor, notification store.Notification) Decision {
	if notification.UserID == actor.ID {
		return allow()
	}
	return deny(ReasonNotTarget)
}
