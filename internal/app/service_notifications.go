package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"collabboard/api/internal/policy"
	"collabboard/api/internal/realtime"
	"collabboard/api/internal/store"
	"collabboard/api/internal/util"
)

// createNotification persists the record then pushes it to the target's
// user room. The push is best-effort; the record is the source of truth.
func (s *Service) createNotification(ctx context.Context, targetUserID, ntype, message string, data any) (store.Notification, error) {
	notification := store.Notification{
		ID:      util.NewID("ntf"),
		UserID:  targetUserID,
		Type:    ntype,
		Message: message,
		Data:    mustJSON(data),
	}
	if err := s.store.InsertNotification(ctx, notification); err != nil {
		return store.Notification{}, err
	}
	stored, err := s.store.GetNotification(ctx, notification.ID)
	if err != nil {
		stored = notification
	}
	s.gateway.NotifyUser(targetUserID, realtime.EventNewNotification, notificationView(stored))
	return stored, nil
}

func (s *Service) ListNotifications(ctx context.Context, session Session) ([]map[string]any, error) {
	notifications, err := s.store.ListNotificationsByUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(notifications))
	for _, notification := range notifications {
		items = append(items, notificationView(notification))
	}
	return items, nil
}

func (s *Service) UnreadNotificationCount(ctx context.Context, session Session) (int, error) {
	return s.store.UnreadNotificationCount(ctx, session.UserID)
}

// CreateNotification is the REST entry point for explicitly pushing a
// notification to a user.
func (s *Service) CreateNotification(ctx context.Context, session Session, targetUserID, ntype, message string, data json.RawMessage) (map[string]any, error) {
	if strings.TrimSpace(targetUserID) == "" {
		return nil, errValidation("userId is required")
	}
	if _, ok := allowedNotificationTypes[ntype]; !ok {
		return nil, errValidation("Unknown notification type")
	}
	if strings.TrimSpace(message) == "" {
		return nil, errValidation("Notification message is required")
	}
	if _, err := s.store.GetUserByID(ctx, targetUserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errNotFound("User not found")
		}
		return nil, err
	}

	var payload any
	if len(data) > 0 {
		payload = data
	}
	notification, err := s.createNotification(ctx, targetUserID, ntype, strings.TrimSpace(message), payload)
	if err != nil {
		return nil, err
	}
	return notificationView(notification), nil
}

func (s *Service) loadOwnNotification(ctx context.Context, session Session, notificationID string) (store.Notification, error) {
	notification, err := s.store.GetNotification(ctx, notificationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Notification{}, errNotFound("Notification not found")
		}
		return store.Notification{}, err
	}
	if decision := policy.CanTouchNotification(session.actor(), notification); !decision.Allowed {
		return store.Notification{}, errForbidden(decision.Reason)
	}
	return notification, nil
}

// AcceptInvite adds the actor to the invited project and marks the
// notification read. Accepting twice is harmless: an existing member
// short-circuits to mark-read.
func (s *Service) AcceptInvite(ctx context.Context, session Session, notificationID string) (map[string]any, error) {
	notification, err := s.loadOwnNotification(ctx, session, notificationID)
	if err != nil {
		return nil, err
	}
	if notification.Type != "project-invite" {
		return nil, errValidation("Notification is not a project invitation")
	}

	var data ProjectInviteData
	if err := json.Unmarshal(notification.Data, &data); err != nil || data.ProjectID == "" {
		return nil, errValidation("Invitation is missing project information")
	}

	project, err := s.store.GetProject(ctx, data.ProjectID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Project was deleted after the invite went out.
			_ = s.store.MarkNotificationRead(ctx, notification.ID)
			return nil, errNotFound("Project no longer exists")
		}
		return nil, err
	}

	if policy.RoleOf(session.UserID, project) == policy.RoleNonMember {
		if err := s.store.AddProjectMember(ctx, project.ID, session.UserID); err != nil {
			return nil, err
		}
	}
	if err := s.store.MarkNotificationRead(ctx, notification.ID); err != nil {
		return nil, err
	}

	notification.Read = true
	s.gateway.NotifyUser(session.UserID, realtime.EventNotificationUpdated, notificationView(notification))
	s.gateway.NotifyProject(project.ID, realtime.EventProjectNotification, map[string]any{
		"type":      "member-joined",
		"projectId": project.ID,
		"userId":    session.UserID,
		"userName":  session.UserName,
	})

	updated, err := s.store.GetProject(ctx, project.ID)
	if err != nil {
		updated = project
	}
	return map[string]any{
		"notification": notificationView(notification),
		"project":      projectView(updated),
	}, nil
}

// DeclineInvite marks the invitation read without touching membership.
func (s *Service) DeclineInvite(ctx context.Context, session Session, notificationID string) (map[string]any, error) {
	notification, err := s.loadOwnNotification(ctx, session, notificationID)
	if err != nil {
		return nil, err
	}
	if notification.Type != "project-invite" {
		return nil, errValidation("Notification is not a project invitation")
	}
	if err := s.store.MarkNotificationRead(ctx, notification.ID); err != nil {
		return nil, err
	}
	notification.Read = true
	s.gateway.NotifyUser(session.UserID, realtime.EventNotificationUpdated, notificationView(notification))
	return notificationView(notification), nil
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) (map[string]any, error) {
	notification, err := s.loadOwnNotification(ctx, session, notificationID)
	if err != nil {
		return nil, err
	}
	if err := s.store.MarkNotificationRead(ctx, notification.ID); err != nil {
		return nil, err
	}
	notification.Read = true
	s.gateway.NotifyUser(session.UserID, realtime.EventNotificationUpdated, notificationView(notification))
	return notificationView(notification), nil
}

func (s *Service) DeleteNotification(ctx context.Context, session Session, notificationID string) error {
	notification, err := s.loadOwnNotification(ctx, session, notificationID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteNotification(ctx, notification.ID); err != nil {
		return err
	}
	s.gateway.NotifyUser(session.UserID, realtime.EventNotificationDeleted, map[string]any{
		"id": notification.ID,
	})
	return nil
}
