package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"collabboard/api/internal/policy"
	"collabboard/api/internal/realtime"
	"collabboard/api/internal/store"
	"collabboard/api/internal/util"
)

func (s *Service) CreateProject(ctx context.Context, session Session, name, description string) (map[string]any, error) {
	projectName := strings.TrimSpace(name)
	if projectName == "" {
		return nil, errValidation("Project name is required")
	}

	project := store.Project{
		ID:          util.NewID("proj"),
		Name:        projectName,
		Description: strings.TrimSpace(description),
		CreatedBy:   session.UserID,
		Members:     []string{session.UserID},
	}
	if err := s.store.InsertProject(ctx, project); err != nil {
		return nil, err
	}

	created, err := s.store.GetProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	return projectView(created), nil
}

func (s *Service) ListProjects(ctx context.Context, session Session) ([]map[string]any, error) {
	projects, err := s.store.ListProjectsByMember(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		items = append(items, projectView(project))
	}
	return items, nil
}

// loadProjectForView resolves a project and applies the membership gate.
// A project that exists but is not visible yields 403, not 404.
func (s *Service) loadProjectForView(ctx context.Context, session Session, projectID string) (store.Project, error) {
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Project{}, errNotFound("Project not found")
		}
		return store.Project{}, err
	}
	if decision := policy.CanViewProject(session.actor(), project); !decision.Allowed {
		return store.Project{}, errForbidden(decision.Reason)
	}
	return project, nil
}

func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, err := s.loadProjectForView(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	return projectView(project), nil
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID, name, description string) (map[string]any, error) {
	project, err := s.loadProjectForView(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if decision := policy.CanModifyProject(session.actor(), project); !decision.Allowed {
		return nil, errForbidden(decision.Reason)
	}

	projectName := strings.TrimSpace(name)
	if projectName == "" {
		return nil, errValidation("Project name is required")
	}
	if err := s.store.UpdateProject(ctx, projectID, projectName, strings.TrimSpace(description)); err != nil {
		return nil, err
	}

	updated, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return projectView(updated), nil
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	project, err := s.loadProjectForView(ctx, session, projectID)
	if err != nil {
		return err
	}
	if decision := policy.CanDeleteProject(session.actor(), project); !decision.Allowed {
		return errForbidden(decision.Reason)
	}
	// Tasks, comments, messages, and membership rows cascade in the store.
	return s.store.DeleteProject(ctx, projectID)
}

func (s *Service) ListProjectMembers(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.loadProjectForView(ctx, session, projectID); err != nil {
		return nil, err
	}
	members, err := s.store.ListProjectMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, member := range members {
		items = append(items, memberView(member))
	}
	return items, nil
}

// InviteMember creates a project-invite notification for an existing
// user. Membership only changes when the invitee accepts.
func (s *Service) InviteMember(ctx context.Context, session Session, projectID, inviteeEmail string) (map[string]any, error) {
	project, err := s.loadProjectForView(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if decision := policy.CanManageMembers(session.actor(), project); !decision.Allowed {
		return nil, errForbidden(decision.Reason)
	}

	normalized := strings.TrimSpace(strings.ToLower(inviteeEmail))
	if normalized == "" {
		return nil, errValidation("Email is required")
	}
	invitee, err := s.store.GetUserByEmail(ctx, normalized)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("No user found with that email")
		}
		return nil, err
	}

	if policy.RoleOf(invitee.ID, project) != policy.RoleNonMember {
		return nil, errConflict("User is already a member of this project")
	}

	pending, err := s.store.HasUnreadProjectInvite(ctx, invitee.ID, project.ID)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, errConflict("User already has a pending invitation to this project")
	}

	notification, err := s.createNotification(ctx, invitee.ID, "project-invite",
		fmt.Sprintf("%s invited you to join %s", session.UserName, project.Name),
		ProjectInviteData{
			ProjectID:   project.ID,
			ProjectName: project.Name,
			InvitedBy:   session.UserID,
		})
	if err != nil {
		return nil, err
	}

	if s.SMTPConfigured() {
		// Courtesy copy; the in-app notification is authoritative.
		go func() {
			if err := s.mail.SendProjectInviteEmail(invitee.Email, invitee.DisplayName, session.UserName, project.Name, s.cfg.AppBaseURL); err != nil {
				log.Printf("app: invite email to %s: %v", invitee.Email, err)
			}
		}()
	}

	return map[string]any{
		"message":      "Invitation sent",
		"notification": notificationView(notification),
	}, nil
}

func (s *Service) RemoveProjectMember(ctx context.Context, session Session, projectID, userID string) (map[string]any, error) {
	project, err := s.loadProjectForView(ctx, session, projectID)
	if err != nil {
		return nil, err
	}
	if decision := policy.CanManageMembers(session.actor(), project); !decision.Allowed {
		return nil, errForbidden(decision.Reason)
	}
	if userID == project.CreatedBy {
		return nil, errValidation("The project creator cannot be removed")
	}
	if policy.RoleOf(userID, project) == policy.RoleNonMember {
		return nil, errNotFound("User is not a member of this project")
	}

	if err := s.store.RemoveProjectMember(ctx, projectID, userID); err != nil {
		return nil, err
	}

	s.gateway.NotifyProject(project.ID, realtime.EventProjectNotification, map[string]any{
		"type":      "member-removed",
		"projectId": project.ID,
		"userId":    userID,
	})

	updated, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return projectView(updated), nil
}
