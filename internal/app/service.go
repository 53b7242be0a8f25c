package app

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"time"

	"collabboard/api/internal/auth"
	"collabboard/api/internal/authpw"
	"collabboard/api/internal/config"
	"collabboard/api/internal/email"
	"collabboard/api/internal/policy"
	"collabboard/api/internal/realtime"
	"collabboard/api/internal/search"
	"collabboard/api/internal/store"
	"collabboard/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) actor() policy.Actor {
	return policy.Actor{ID: s.UserID, Role: s.Role}
}

var allowedTaskPriorities = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
}

var allowedTaskStatuses = map[string]struct{}{
	"todo":        {},
	"in-progress": {},
	"done":        {},
}

var allowedNotificationTypes = map[string]struct{}{
	"project-invite":  {},
	"task-assignment": {},
	"task-completed":  {},
	"task-comment":    {},
}

// Notification data payloads, one variant per notification type.

type ProjectInviteData struct {
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
	InvitedBy   string `json:"invitedBy"`
}

type TaskAssignmentData struct {
	TaskID     string `json:"taskId"`
	ProjectID  string `json:"projectId"`
	TaskTitle  string `json:"taskTitle"`
	AssignedBy string `json:"assignedBy"`
}

type TaskCompletedData struct {
	TaskID      string `json:"taskId"`
	ProjectID   string `json:"projectId"`
	TaskTitle   string `json:"taskTitle"`
	CompletedBy string `json:"completedBy"`
}

type TaskCommentData struct {
	TaskID    string `json:"taskId"`
	ProjectID string `json:"projectId"`
	TaskTitle string `json:"taskTitle"`
	CommentID string `json:"commentId"`
	Author    string `json:"author"`
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	InsertProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjectsByMember(context.Context, string) ([]store.Project, error)
	UpdateProject(context.Context, string, string, string) error
	DeleteProject(context.Context, string) error
	AddProjectMember(context.Context, string, string) error
	RemoveProjectMember(context.Context, string, string) error
	ListProjectMembers(context.Context, string) ([]store.ProjectMember, error)
	InsertTask(context.Context, store.Task) error
	GetTask(context.Context, string) (store.Task, error)
	ListTasksByProject(context.Context, string) ([]store.Task, error)
	ListTasksByAssignee(context.Context, string) ([]store.Task, error)
	UpdateTask(context.Context, store.Task) error
	DeleteTask(context.Context, string) error
	InsertTaskComment(context.Context, store.TaskComment) error
	GetTaskComment(context.Context, string, string) (store.TaskComment, error)
	ListTaskComments(context.Context, string) ([]store.TaskComment, error)
	DeleteTaskComment(context.Context, string, string) (bool, error)
	InsertMessage(context.Context, store.Message) error
	GetMessage(context.Context, string) (store.Message, error)
	ListRecentMessages(context.Context, string, int) ([]store.Message, error)
	UpdateMessageContent(context.Context, string, string) error
	DeleteMessage(context.Context, string) error
	InsertNotification(context.Context, store.Notification) error
	GetNotification(context.Context, string) (store.Notification, error)
	ListNotificationsByUser(context.Context, string) ([]store.Notification, error)
	UnreadNotificationCount(context.Context, string) (int, error)
	MarkNotificationRead(context.Context, string) error
	DeleteNotification(context.Context, string) error
	HasUnreadProjectInvite(context.Context, string, string) (bool, error)
	Ping(ctx context.Context) error
}

// SessionStore holds refresh sessions; Redis in production, Postgres as
// the fallback when Redis is not configured.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// gateway is the realtime fan-out surface the mutation services push
// through. All pushes are best-effort.
type gateway interface {
	NotifyUser(userID, event string, payload any)
	NotifyProject(projectID, event string, payload any)
	NotifyProjectExcept(projectID string, except *realtime.Client, event string, payload any)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexTask(t search.TaskRecord)
	IndexMessage(m search.MessageRecord)
	DeleteTask(id string)
	DeleteMessage(id string)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions SessionStore
	gateway  gateway
	authpw   *authpw.Service
	mail     *email.Service
	search   searchIndex
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions SessionStore, hub *realtime.Hub, authSvc *authpw.Service, mail *email.Service, searchSvc *search.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		gateway:  hub,
		authpw:   authSvc,
		mail:     mail,
	}
	if searchSvc != nil {
		svc.search = searchSvc
	}
	return svc
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Account emails are best-effort; the tokens stay valid either way.

func (s *Service) sendVerificationEmail(to, userName, token string) {
	verifyURL := s.cfg.AppBaseURL + "/verify-email?token=" + url.QueryEscape(token)
	go func() {
		if err := s.mail.SendVerificationEmail(to, userName, verifyURL); err != nil {
			log.Printf("app: verification email to %s: %v", to, err)
		}
	}()
}

func (s *Service) sendPasswordResetEmail(to, userName, token string) {
	resetURL := s.cfg.AppBaseURL + "/reset-password?token=" + url.QueryEscape(token)
	go func() {
		if err := s.mail.SendPasswordResetEmail(to, userName, resetURL); err != nil {
			log.Printf("app: password reset email to %s: %v", to, err)
		}
	}()
}

// CreateSession issues access and refresh tokens for a signed-in user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token and issues a fresh access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	cached, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// Re-read the user so role or name changes take effect on rotation.
	user, err := s.store.GetUserByID(ctx, cached.ID)
	if err != nil {
		user = cached
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Name:  user.DisplayName,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Search runs a full-text query scoped to the actor's member projects.
func (s *Service) Search(ctx context.Context, session Session, text, filterType, projectID string, limit, offset int) (search.Response, error) {
	projects, err := s.store.ListProjectsByMember(ctx, session.UserID)
	if err != nil {
		return search.Response{}, err
	}
	projectIDs := make([]string, 0, len(projects))
	for _, project := range projects {
		projectIDs = append(projectIDs, project.ID)
	}
	if projectID != "" {
		found := false
		for _, id := range projectIDs {
			if id == projectID {
				found = true
				break
			}
		}
		if !found {
			return search.Response{}, errForbidden(policy.ReasonNotMember)
		}
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:            text,
		FilterType:      search.ResultType(filterType),
		FilterProjectID: projectID,
		ProjectIDs:      projectIDs,
		Limit:           limit,
		Offset:          offset,
	}), nil
}

// View builders shared by the REST and socket payloads.

func projectView(p store.Project) map[string]any {
	members := p.Members
	if members == nil {
		members = []string{}
	}
	return map[string]any{
		"id":          p.ID,
		"name":        p.Name,
		"description": p.Description,
		"createdBy":   p.CreatedBy,
		"members":     members,
		"createdAt":   p.CreatedAt,
		"updatedAt":   p.UpdatedAt,
	}
}

func memberView(m store.ProjectMember) map[string]any {
	return map[string]any{
		"userId":      m.UserID,
		"displayName": m.DisplayName,
		"email":       m.Email,
		"addedAt":     m.AddedAt,
	}
}

func taskView(t store.Task) map[string]any {
	labels := t.Labels
	if labels == nil {
		labels = []string{}
	}
	var assignedTo any
	if t.AssignedTo != nil {
		assignedTo = *t.AssignedTo
	}
	return map[string]any{
		"id":          t.ID,
		"projectId":   t.ProjectID,
		"title":       t.Title,
		"description": t.Description,
		"assignedTo":  assignedTo,
		"priority":    t.Priority,
		"status":      t.Status,
		"labels":      labels,
		"createdBy":   t.CreatedBy,
		"createdAt":   t.CreatedAt,
		"updatedAt":   t.UpdatedAt,
	}
}

func commentView(c store.TaskComment) map[string]any {
	return map[string]any{
		"id":        c.ID,
		"taskId":    c.TaskID,
		"author":    c.Author,
		"content":   c.Content,
		"createdAt": c.CreatedAt,
	}
}

func messageView(m store.Message) map[string]any {
	return map[string]any{
		"id":          m.ID,
		"projectId":   m.ProjectID,
		"sender":      m.Sender,
		"content":     m.Content,
		"messageType": m.MessageType,
		"createdAt":   m.CreatedAt,
		"updatedAt":   m.UpdatedAt,
	}
}

func notificationView(n store.Notification) map[string]any {
	var data any
	if len(n.Data) > 0 {
		data = json.RawMessage(n.Data)
	}
	return map[string]any{
		"id":        n.ID,
		"userId":    n.UserID,
		"type":      n.Type,
		"message":   n.Message,
		"data":      data,
		"read":      n.Read,
		"createdAt": n.CreatedAt,
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
