package policy

import (
	"testing"

	"collabboard/api/internal/store"
)

func TestRoleOfCreatorIsAlwaysMember(t *testing.T) {
	// Creator not present in the members slice still resolves as creator.
	project := store.Project{ID: "proj-1", CreatedBy: "user-x", Members: []string{"user-y"}}

	if got := RoleOf("user-x", project); got != RoleCreator {
		t.Fatalf("expected creator role, got %s", got)
	}
	if got := RoleOf("user-y", project); got != RoleMember {
		t.Fatalf("expected member role, got %s", got)
	}
	if got := RoleOf("user-z", project); got != RoleNonMember {
		t.Fatalf("expected non-member role, got %s", got)
	}
}

func TestCanViewProjectMatchesMembership(t *testing.T) {
	project := store.Project{ID: "proj-1", CreatedBy: "user-x", Members: []string{"user-x", "user-y"}}

	cases := []struct {
		userID string
		want   bool
	}{
		{"user-x", true},
		{"user-y", true},
		{"user-z", false},
	}
	for _, tc := range cases {
		decision := CanViewProject(Actor{ID: tc.userID, Role: "user"}, project)
		if decision.Allowed != tc.want {
			t.Fatalf("CanViewProject(%s) = %v, want %v", tc.userID, decision.Allowed, tc.want)
		}
		if !decision.Allowed && decision.Reason != ReasonNotMember {
			t.Fatalf("expected stable denial reason, got %q", decision.Reason)
		}
	}
}

func TestCanModifyProjectRequiresCreatorOrAdmin(t *testing.T) {
	project := store.Project{ID: "proj-1", CreatedBy: "user-x", Members: []string{"user-x", "user-y"}}

	if !CanModifyProject(Actor{ID: "user-x", Role: "user"}, project).Allowed {
		t.Fatalf("creator should modify")
	}
	if CanModifyProject(Actor{ID: "user-y", Role: "user"}, project).Allowed {
		t.Fatalf("plain member should not modify")
	}
	if !CanModifyProject(Actor{ID: "user-z", Role: "admin"}, project).Allowed {
		t.Fatalf("system admin should modify")
	}
}

func TestCanAssignTaskGating(t *testing.T) {
	project := store.Project{ID: "proj-1", CreatedBy: "user-x", Members: []string{"user-x", "user-y"}}

	if !CanAssignTask(Actor{ID: "user-x", Role: "user"}, project).Allowed {
		t.Fatalf("creator should assign")
	}
	if !CanAssignTask(Actor{ID: "user-q", Role: "admin"}, project).Allowed {
		t.Fatalf("system admin should assign")
	}
	decision := CanAssignTask(Actor{ID: "user-y", Role: "user"}, project)
	if decision.Allowed {
		t.Fatalf("plain member should not assign")
	}
	if decision.Reason != "Only project creators and admins can assign team members to tasks" {
		t.Fatalf("unexpected denial reason: %q", decision.Reason)
	}
}

func TestCanManageMembersExcludesSystemAdmin(t *testing.T) {
	project := store.Project{ID: "proj-1", CreatedBy: "user-x", Members: []string{"user-x"}}

	if !CanManageMembers(Actor{ID: "user-x", Role: "user"}, project).Allowed {
		t.Fatalf("creator should manage members")
	}
	if CanManageMembers(Actor{ID: "user-a", Role: "admin"}, project).Allowed {
		t.Fatalf("system admin must not manage members of projects they do not own")
	}
}

func TestMessageAndCommentOwnership(t *testing.T) {
	message := store.Message{ID: "msg-1", Sender: "user-x"}
	if !CanEditMessage(Actor{ID: "user-x"}, message).Allowed {
		t.Fatalf("sender should edit own message")
	}
	if CanDeleteMessage(Actor{ID: "user-y"}, message).Allowed {
		t.Fatalf("non-sender should not delete message")
	}

	comment := store.TaskComment{ID: "cmt-1", Author: "user-x"}
	if !CanDeleteComment(Actor{ID: "user-x"}, comment).Allowed {
		t.Fatalf("author should delete own comment")
	}
	if CanDeleteComment(Actor{ID: "user-y"}, comment).Allowed {
		t.Fatalf("non-author should not delete comment")
	}
}

func TestNotificationOwnership(t *testing.T) {
	notification := store.Notification{ID: "ntf-1", UserID: "user-x"}
	if !CanTouchNotification(Actor{ID: "user-x"}, notification).Allowed {
		t.Fatalf("target should touch own notification")
	}
	if CanTouchNotification(Actor{ID: "user-y"}, notification).Allowed {
		t.Fatalf("other users must not touch the notification")
	}
}
