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
	"collabboard/api/internal/search"
	"collabboard/api/internal/store"
	"collabboard/api/internal/util"
)

type CreateTaskInput struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	AssignedTo  string   `json:"assignedTo"`
	Priority    string   `json:"priority"`
	Status      string   `json:"status"`
	Labels      []string `json:"labels"`
}

// UpdateTaskInput patches a task; nil fields are left untouched.
type UpdateTaskInput struct {
	Title       *string   `json:"title"`
	Description *string   `json:"description"`
	AssignedTo  *string   `json:"assignedTo"`
	Priority    *string   `json:"priority"`
	Status      *string   `json:"status"`
	Labels      *[]string `json:"labels"`
}

// normalizeAssignee maps the wire representation ("" or "unassigned")
// to the store's nullable assignee.
func normalizeAssignee(raw string) *string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "unassigned" {
		return nil
	}
	return &trimmed
}

func sameAssignee(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (s *Service) CreateTask(ctx context.Context, session Session, projectID string, input CreateTaskInput) (map[string]any, error) {
	project, err := s.loadProjectForView(ctx, session, projectID)
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, errValidation("Task title is required")
	}

	priority := input.Priority
	if priority == "" {
		priority = "medium"
	}
	if _, ok := allowedTaskPriorities[priority]; !ok {
		return nil, errValidation("Priority must be low, medium, or high")
	}
	status := input.Status
	if status == "" {
		status = "todo"
	}
	if _, ok := allowedTaskStatuses[status]; !ok {
		return nil, errValidation("Status must be todo, in-progress, or done")
	}

	assignee := normalizeAssignee(input.AssignedTo)
	if assignee != nil {
		if decision := policy.CanAssignTask(session.actor(), project); !decision.Allowed {
			return nil, errForbidden(decision.Reason)
		}
	}

	task := store.Task{
		ID:          util.NewID("task"),
		ProjectID:   project.ID,
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		AssignedTo:  assignee,
		Priority:    priority,
		Status:      status,
		Labels:      input.Labels,
		CreatedBy:   session.UserID,
	}
	if err := s.store.InsertTask(ctx, task); err != nil {
		return nil, err
	}

	created, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		created = task
	}

	if assignee != nil && *assignee != session.UserID {
		s.notifyTaskAssignment(ctx, session, created)
	}
	s.gateway.NotifyProject(project.ID, realtime.EventProjectNotification, map[string]any{
		"type":      "task-created",
		"projectId": project.ID,
		"task":      taskView(created),
	})
	s.indexTask(created)

	return taskView(created), nil
}

func (s *Service) ListProjectTasks(ctx context.Context, session Session, projectID string) ([]map[string]any, error) {
	if _, err := s.loadProjectForView(ctx, session, projectID); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTasksByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, taskView(task))
	}
	return items, nil
}

func (s *Service) ListMyTasks(ctx context.Context, session Session) ([]map[string]any, error) {
	tasks, err := s.store.ListTasksByAssignee(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(tasks))
	for _, task := range tasks {
		items = append(items, taskView(task))
	}
	return items, nil
}

// loadTaskForMember resolves a task and requires project membership.
func (s *Service) loadTaskForMember(ctx context.Context, session Session, taskID string) (store.Task, store.Project, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Task{}, store.Project{}, errNotFound("Task not found")
		}
		return store.Task{}, store.Project{}, err
	}
	project, err := s.loadProjectForView(ctx, session, task.ProjectID)
	if err != nil {
		return store.Task{}, store.Project{}, err
	}
	return task, project, nil
}

func (s *Service) GetTask(ctx context.Context, session Session, taskID string) (map[string]any, error) {
	task, _, err := s.loadTaskForMember(ctx, session, taskID)
	if err != nil {
		return nil, err
	}
	comments, err := s.store.ListTaskComments(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	view := taskView(task)
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentView(comment))
	}
	view["comments"] = items
	return view, nil
}

func (s *Service) UpdateTask(ctx context.Context, session Session, taskID string, patch UpdateTaskInput) (map[string]any, error) {
	task, project, err := s.loadTaskForMember(ctx, session, taskID)
	if err != nil {
		return nil, err
	}

	prevStatus := task.Status
	prevAssignee := task.AssignedTo

	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return nil, errValidation("Task title is required")
		}
		task.Title = title
	}
	if patch.Description != nil {
		task.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Priority != nil {
		if _, ok := allowedTaskPriorities[*patch.Priority]; !ok {
			return nil, errValidation("Priority must be low, medium, or high")
		}
		task.Priority = *patch.Priority
	}
	if patch.Status != nil {
		if _, ok := allowedTaskStatuses[*patch.Status]; !ok {
			return nil, errValidation("Status must be todo, in-progress, or done")
		}
		task.Status = *patch.Status
	}
	if patch.Labels != nil {
		task.Labels = *patch.Labels
	}

	assignmentChanged := false
	if patch.AssignedTo != nil {
		next := normalizeAssignee(*patch.AssignedTo)
		if !sameAssignee(next, prevAssignee) {
			// Clearing the assignment is open to any member; setting it
			// to a real user goes through the assignment policy.
			if next != nil {
				if decision := policy.CanAssignTask(session.actor(), project); !decision.Allowed {
					return nil, errForbidden(decision.Reason)
				}
				assignmentChanged = true
			}
			task.AssignedTo = next
		}
	}

	// Last write wins on concurrent updates; there is no version check.
	if err := s.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	updated, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		updated = task
	}

	if assignmentChanged && updated.AssignedTo != nil && *updated.AssignedTo != session.UserID {
		s.notifyTaskAssignment(ctx, session, updated)
	}
	if updated.Status == "done" && prevStatus != "done" && updated.AssignedTo != nil && *updated.AssignedTo != session.UserID {
		s.notifyTaskCompleted(ctx, session, updated)
	}
	s.gateway.NotifyProject(project.ID, realtime.EventProjectNotification, map[string]any{
		"type":      "task-updated",
		"projectId": project.ID,
		"task":      taskView(updated),
	})
	s.indexTask(updated)

	return taskView(updated), nil
}

func (s *Service) DeleteTask(ctx context.Context, session Session, taskID string) error {
	task, project, err := s.loadTaskForMember(ctx, session, taskID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, task.ID); err != nil {
		return err
	}
	s.gateway.NotifyProject(project.ID, realtime.EventProjectNotification, map[string]any{
		"type":      "task-deleted",
		"projectId": project.ID,
		"taskId":    task.ID,
	})
	if s.search != nil {
		s.search.DeleteTask(task.ID)
	}
	return nil
}

func (s *Service) AddTaskComment(ctx context.Context, session Session, taskID, content string) (map[string]any, error) {
	task, project, err := s.loadTaskForMember(ctx, session, taskID)
	if err != nil {
		return nil, err
	}

	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil, errValidation("Comment content cannot be empty")
	}

	comment := store.TaskComment{
		ID:      util.NewID("cmt"),
		TaskID:  task.ID,
		Author:  session.UserID,
		Content: trimmed,
	}
	if err := s.store.InsertTaskComment(ctx, comment); err != nil {
		return nil, err
	}
	stored, err := s.store.GetTaskComment(ctx, task.ID, comment.ID)
	if err != nil {
		stored = comment
	}

	if task.AssignedTo != nil && *task.AssignedTo != session.UserID {
		if _, err := s.createNotification(ctx, *task.AssignedTo, "task-comment",
			fmt.Sprintf("%s commented on %q", session.UserName, task.Title),
			TaskCommentData{
				TaskID:    task.ID,
				ProjectID: project.ID,
				TaskTitle: task.Title,
				CommentID: stored.ID,
				Author:    session.UserID,
			}); err != nil {
			log.Printf("app: task-comment notification for %s: %v", task.ID, err)
		}
	}
	s.gateway.NotifyProject(project.ID, realtime.EventProjectNotification, map[string]any{
		"type":      "task-comment-added",
		"projectId": project.ID,
		"taskId":    task.ID,
		"comment":   commentView(stored),
	})

	return commentView(stored), nil
}

func (s *Service) DeleteTaskComment(ctx context.Context, session Session, taskID, commentID string) error {
	task, project, err := s.loadTaskForMember(ctx, session, taskID)
	if err != nil {
		return err
	}
	comment, err := s.store.GetTaskComment(ctx, task.ID, commentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errNotFound("Comment not found")
		}
		return err
	}
	if decision := policy.CanDeleteComment(session.actor(), comment); !decision.Allowed {
		return errForbidden(decision.Reason)
	}
	deleted, err := s.store.DeleteTaskComment(ctx, task.ID, commentID)
	if err != nil {
		return err
	}
	if !deleted {
		return errNotFound("Comment not found")
	}
	s.gateway.NotifyProject(project.ID, realtime.EventProjectNotification, map[string]any{
		"type":      "task-comment-deleted",
		"projectId": project.ID,
		"taskId":    task.ID,
		"commentId": commentID,
	})
	return nil
}

func (s *Service) notifyTaskAssignment(ctx context.Context, session Session, task store.Task) {
	if _, err := s.createNotification(ctx, *task.AssignedTo, "task-assignment",
		fmt.Sprintf("%s assigned you to %q", session.UserName, task.Title),
		TaskAssignmentData{
			TaskID:     task.ID,
			ProjectID:  task.ProjectID,
			TaskTitle:  task.Title,
			AssignedBy: session.UserID,
		}); err != nil {
		log.Printf("app: task-assignment notification for %s: %v", task.ID, err)
	}
}

func (s *Service) notifyTaskCompleted(ctx context.Context, session Session, task store.Task) {
	if _, err := s.createNotification(ctx, *task.AssignedTo, "task-completed",
		fmt.Sprintf("%q was marked as done", task.Title),
		TaskCompletedData{
			TaskID:      task.ID,
			ProjectID:   task.ProjectID,
			TaskTitle:   task.Title,
			CompletedBy: session.UserID,
		}); err != nil {
		log.Printf("app: task-completed notification for %s: %v", task.ID, err)
	}
}

func (s *Service) indexTask(task store.Task) {
	if s.search == nil {
		return
	}
	s.search.IndexTask(search.TaskRecord{
		ID:          task.ID,
		Title:       task.Title,
		Description: task.Description,
		ProjectID:   task.ProjectID,
		Status:      task.Status,
		Priority:    task.Priority,
	})
}
