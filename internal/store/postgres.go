package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ── Users ──

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, role, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6, $7)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, role, is_email_verified
		FROM users
		WHERE email = LOWER($1)
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, email).Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	const query = `
		SELECT id, display_name, email, password_hash, role, is_email_verified
		FROM users
		WHERE id = $1
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("update verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_token <> ''
			AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ── Refresh sessions (Postgres fallback when Redis is not configured) ──

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ── Projects ──

func (s *PostgresStore) InsertProject(ctx context.Context, project Project) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, created_by)
		VALUES ($1, $2, $3, $4)
	`, project.ID, project.Name, project.Description, project.CreatedBy); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert project: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, project.ID, project.CreatedBy); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("insert creator membership: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert project: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, created_by, created_at, updated_at
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&project.ID, &project.Name, &project.Description, &project.CreatedBy, &project.CreatedAt, &project.UpdatedAt)
	if err != nil {
		return Project{}, err
	}
	members, err := s.memberIDs(ctx, projectID)
	if err != nil {
		return Project{}, err
	}
	project.Members = members
	return project, nil
}

func (s *PostgresStore) memberIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM project_members WHERE project_id=$1 ORDER BY added_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list member ids: %w", err)
	}
	defer rows.Close()

	members := make([]string, 0)
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		members = append(members, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate member ids: %w", err)
	}
	return members, nil
}

func (s *PostgresStore) ListProjectsByMember(ctx context.Context, userID string) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.description, p.created_by, p.created_at, p.updated_at
		FROM projects p
		JOIN project_members pm ON pm.project_id = p.id
		WHERE pm.user_id = $1
		ORDER BY p.updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		var project Project
		if err := rows.Scan(&project.ID, &project.Name, &project.Description, &project.CreatedBy, &project.CreatedAt, &project.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, project)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate projects: %w", err)
	}
	for i := range projects {
		members, err := s.memberIDs(ctx, projects[i].ID)
		if err != nil {
			return nil, err
		}
		projects[i].Members = members
	}
	return projects, nil
}

func (s *PostgresStore) UpdateProject(ctx context.Context, projectID, name, description string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE projects SET name=$2, description=$3, updated_at=NOW() WHERE id=$1
	`, projectID, name, description)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	return nil
}

// DeleteProject removes the project row; tasks, comments, messages, and
// membership rows go with it via ON DELETE CASCADE.
func (s *PostgresStore) DeleteProject(ctx context.Context, projectID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id=$1`, projectID)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return nil
}

func (s *PostgresStore) AddProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO project_members (project_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("add project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID)
	if err != nil {
		return fmt.Errorf("remove project member: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListProjectMembers(ctx context.Context, projectID string) ([]ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pm.user_id, u.display_name, u.email, pm.added_at
		FROM project_members pm
		JOIN users u ON u.id = pm.user_id
		WHERE pm.project_id=$1
		ORDER BY pm.added_at
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	members := make([]ProjectMember, 0)
	for rows.Next() {
		var member ProjectMember
		if err := rows.Scan(&member.UserID, &member.DisplayName, &member.Email, &member.AddedAt); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project members: %w", err)
	}
	return members, nil
}

// ── Tasks ──

func (s *PostgresStore) InsertTask(ctx context.Context, task Task) error {
	labels, err := json.Marshal(nonNilLabels(task.Labels))
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, assigned_to, priority, status, labels, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, task.ID, task.ProjectID, task.Title, task.Description, nullable(task.AssignedTo), task.Priority, task.Status, labels, task.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (Task, error) {
	const query = `
		SELECT id, project_id, title, description, assigned_to, priority, status, labels, created_by, created_at, updated_at
		FROM tasks
		WHERE id=$1
	`
	row := s.db.QueryRowContext(ctx, query, taskID)
	return scanTask(row)
}

func (s *PostgresStore) ListTasksByProject(ctx context.Context, projectID string) ([]Task, error) {
	const query = `
		SELECT id, project_id, title, description, assigned_to, priority, status, labels, created_by, created_at, updated_at
		FROM tasks
		WHERE project_id=$1
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *PostgresStore) ListTasksByAssignee(ctx context.Context, userID string) ([]Task, error) {
	const query = `
		SELECT id, project_id, title, description, assigned_to, priority, status, labels, created_by, created_at, updated_at
		FROM tasks
		WHERE assigned_to=$1
		ORDER BY created_at
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list assigned tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *PostgresStore) UpdateTask(ctx context.Context, task Task) error {
	labels, err := json.Marshal(nonNilLabels(task.Labels))
	if err != nil {
		return fmt.Errorf("marshal labels: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks
		SET title=$2, description=$3, assigned_to=$4, priority=$5, status=$6, labels=$7, updated_at=NOW()
		WHERE id=$1
	`, task.ID, task.Title, task.Description, nullable(task.AssignedTo), task.Priority, task.Status, labels)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=$1`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertTaskComment(ctx context.Context, comment TaskComment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_comments (id, task_id, author, content)
		VALUES ($1, $2, $3, $4)
	`, comment.ID, comment.TaskID, comment.Author, comment.Content)
	if err != nil {
		return fmt.Errorf("insert task comment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTaskComment(ctx context.Context, taskID, commentID string) (TaskComment, error) {
	var comment TaskComment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, author, content, created_at
		FROM task_comments
		WHERE id=$1 AND task_id=$2
	`, commentID, taskID).Scan(&comment.ID, &comment.TaskID, &comment.Author, &comment.Content, &comment.CreatedAt)
	if err != nil {
		return TaskComment{}, err
	}
	return comment, nil
}

func (s *PostgresStore) ListTaskComments(ctx context.Context, taskID string) ([]TaskComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, author, content, created_at
		FROM task_comments
		WHERE task_id=$1
		ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task comments: %w", err)
	}
	defer rows.Close()

	comments := make([]TaskComment, 0)
	for rows.Next() {
		var comment TaskComment
		if err := rows.Scan(&comment.ID, &comment.TaskID, &comment.Author, &comment.Content, &comment.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task comment: %w", err)
		}
		comments = append(comments, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task comments: %w", err)
	}
	return comments, nil
}

func (s *PostgresStore) DeleteTaskComment(ctx context.Context, taskID, commentID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM task_comments WHERE id=$1 AND task_id=$2`, commentID, taskID)
	if err != nil {
		return false, fmt.Errorf("delete task comment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete task comment rows: %w", err)
	}
	return affected > 0, nil
}

// ── Messages ──

func (s *PostgresStore) InsertMessage(ctx context.Context, message Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, project_id, sender, content, message_type)
		VALUES ($1, $2, $3, $4, $5)
	`, message.ID, message.ProjectID, message.Sender, message.Content, message.MessageType)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var message Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, sender, content, message_type, created_at, updated_at
		FROM messages
		WHERE id=$1
	`, messageID).Scan(&message.ID, &message.ProjectID, &message.Sender, &message.Content, &message.MessageType, &message.CreatedAt, &message.UpdatedAt)
	if err != nil {
		return Message{}, err
	}
	return message, nil
}

// ListRecentMessages returns the newest `limit` messages for a project in
// creation order (oldest of the window first).
func (s *PostgresStore) ListRecentMessages(ctx context.Context, projectID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, sender, content, message_type, created_at, updated_at
		FROM (
			SELECT id, project_id, sender, content, message_type, created_at, updated_at
			FROM messages
			WHERE project_id=$1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at
	`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		var message Message
		if err := rows.Scan(&message.ID, &message.ProjectID, &message.Sender, &message.Content, &message.MessageType, &message.CreatedAt, &message.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) UpdateMessageContent(ctx context.Context, messageID, content string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE messages SET content=$2, updated_at=NOW() WHERE id=$1`, messageID, content)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// ── Notifications ──

func (s *PostgresStore) InsertNotification(ctx context.Context, notification Notification) error {
	data := notification.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, message, data, read)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, notification.ID, notification.UserID, notification.Type, notification.Message, []byte(data), notification.Read)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, notificationID string) (Notification, error) {
	var notification Notification
	var data []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, type, message, data, read, created_at
		FROM notifications
		WHERE id=$1
	`, notificationID).Scan(&notification.ID, &notification.UserID, &notification.Type, &notification.Message, &data, &notification.Read, &notification.CreatedAt)
	if err != nil {
		return Notification{}, err
	}
	notification.Data = json.RawMessage(data)
	return notification, nil
}

func (s *PostgresStore) ListNotificationsByUser(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, type, message, data, read, created_at
		FROM notifications
		WHERE user_id=$1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]Notification, 0)
	for rows.Next() {
		var notification Notification
		var data []byte
		if err := rows.Scan(&notification.ID, &notification.UserID, &notification.Type, &notification.Message, &data, &notification.Read, &notification.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notification.Data = json.RawMessage(data)
		notifications = append(notifications, notification)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return notifications, nil
}

func (s *PostgresStore) UnreadNotificationCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM notifications WHERE user_id=$1 AND read=FALSE`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE notifications SET read=TRUE WHERE id=$1`, notificationID)
	if err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteNotification(ctx context.Context, notificationID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id=$1`, notificationID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	return nil
}

// HasUnreadProjectInvite reports whether the user already has an unread
// project-invite notification for the project. Read or deleted invites do
// not block a re-invite.
func (s *PostgresStore) HasUnreadProjectInvite(ctx context.Context, userID, projectID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM notifications
			WHERE user_id=$1 AND type='project-invite' AND read=FALSE AND data->>'projectId'=$2
		)
	`, userID, projectID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending invite: %w", err)
	}
	return exists, nil
}

// ── helpers ──

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (Task, error) {
	var task Task
	var assignedTo sql.NullString
	var labels []byte
	if err := row.Scan(&task.ID, &task.ProjectID, &task.Title, &task.Description, &assignedTo, &task.Priority, &task.Status, &labels, &task.CreatedBy, &task.CreatedAt, &task.UpdatedAt); err != nil {
		return Task{}, err
	}
	if assignedTo.Valid {
		task.AssignedTo = &assignedTo.String
	}
	if len(labels) > 0 {
		if err := json.Unmarshal(labels, &task.Labels); err != nil {
			return Task{}, fmt.Errorf("unmarshal labels: %w", err)
		}
	}
	if task.Labels == nil {
		task.Labels = []string{}
	}
	return task, nil
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	tasks := make([]Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func nullable(value *string) any {
	if value == nil || *value == "" {
		return nil
	}
	return *value
}

func nonNilLabels(labels []string) []string {
	if labels == nil {
		return []string{}
	}
	return labels
}
