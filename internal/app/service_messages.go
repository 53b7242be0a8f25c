package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"collabboard/api/internal/policy"
	"collabboard/api/internal/realtime"
	"collabboard/api/internal/search"
	"collabboard/api/internal/store"
	"collabboard/api/internal/util"
)

// messageHistoryLimit caps chat history to the newest messages; older
// history is not paginated.
const messageHistoryLimit = 100

func (s *Service) ListMessages(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.loadProjectForView(ctx, session, projectID); err != nil {
		return nil, err
	}
	messages, err := s.store.ListRecentMessages(ctx, projectID, messageHistoryLimit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(messages))
	for _, message := range messages {
		items = append(items, messageView(message))
	}
	return items, nil
}

// SendMessage persists a chat message and fans it out to the project
// room. A socket-originated send passes its own client as origin so the
// sender does not receive its own echo; REST sends broadcast to all and
// clients dedup by id.
func (s *Service) SendMessage(ctx context.Context, session Session, projectID, content string, origin *realtime.Client) (map[string]any, error) {
	project, err := s.loadProjectForView(ctx, session, projectID)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, errValidation("Message content cannot be empty")
	}

	message := store.Message{
		ID:          util.NewID("msg"),
		ProjectID:   project.ID,
		Sender:      session.UserID,
		Content:     trimmed,
		MessageType: "text",
	}
	if err := s.store.InsertMessage(ctx, message); err != nil {
		return nil, err
	}
	stored, err := s.store.GetMessage(ctx, message.ID)
	if err != nil {
		stored = message
	}

	payload := messageView(stored)
	payload["senderName"] = session.UserName
	if origin != nil {
		s.gateway.NotifyProjectExcept(project.ID, origin, realtime.EventNewMessage, payload)
	} else {
		s.gateway.NotifyProject(project.ID, realtime.EventNewMessage, payload)
	}
	s.indexMessage(stored)

	return messageView(stored), nil
}

func (s *Service) loadOwnMessage(ctx context.Context, session Session, messageID string) (store.Message, error) {
	message, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Message{}, errNotFound("Message not found")
		}
		return store.Message{}, err
	}
	return message, nil
}

func (s *Service) UpdateMessage(ctx context.Context, session Session, messageID, content string, origin *realtime.Client) (map[string]any, error) {
	message, err := s.loadOwnMessage(ctx, session, messageID)
	if err != nil {
		return nil, err
	}
	if decision := policy.CanEditMessage(session.actor(), message); !decision.Allowed {
		return nil, errForbidden(decision.Reason)
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, errValidation("Message content cannot be empty")
	}

	if err := s.store.UpdateMessageContent(ctx, message.ID, trimmed); err != nil {
		return nil, err
	}
	updated, err := s.store.GetMessage(ctx, message.ID)
	if err != nil {
		updated = message
		updated.Content = trimmed
	}

	payload := messageView(updated)
	if origin != nil {
		s.gateway.NotifyProjectExcept(updated.ProjectID, origin, realtime.EventMessageUpdated, payload)
	} else {
		s.gateway.NotifyProject(updated.ProjectID, realtime.EventMessageUpdated, payload)
	}
	s.indexMessage(updated)

	return messageView(updated), nil
}

func (s *Service) DeleteMessage(ctx context.Context, session Session, messageID string, origin *realtime.Client) error {
	message, err := s.loadOwnMessage(ctx, session, messageID)
	if err != nil {
		return err
	}
	if decision := policy.CanDeleteMessage(session.actor(), message); !decision.Allowed {
		return errForbidden(decision.Reason)
	}

	if err := s.store.DeleteMessage(ctx, message.ID); err != nil {
		return err
	}

	payload := map[string]any{
		"id":        message.ID,
		"projectId": message.ProjectID,
	}
	if origin != nil {
		s.gateway.NotifyProjectExcept(message.ProjectID, origin, realtime.EventMessageDeleted, payload)
	} else {
		s.gateway.NotifyProject(message.ProjectID, realtime.EventMessageDeleted, payload)
	}
	if s.search != nil {
		s.search.DeleteMessage(message.ID)
	}
	return nil
}

func (s *Service) indexMessage(message store.Message) {
	if s.search == nil {
		return
	}
	s.search.IndexMessage(search.MessageRecord{
		ID:        message.ID,
		Content:   message.Content,
		ProjectID: message.ProjectID,
		Sender:    message.Sender,
	})
}
