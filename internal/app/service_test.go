package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"collabboard/api/internal/config"
	"collabboard/api/internal/policy"
	"collabboard/api/internal/realtime"
	"collabboard/api/internal/store"
)

type fakeStore struct {
	getUserByIDFn             func(context.Context, string) (store.User, error)
	getUserByEmailFn          func(context.Context, string) (store.User, error)
	revokeAccessTokenFn       func(context.Context, string, time.Time) error
	isAccessTokenRevokedFn    func(context.Context, string) (bool, error)
	insertProjectFn           func(context.Context, store.Project) error
	getProjectFn              func(context.Context, string) (store.Project, error)
	listProjectsByMemberFn    func(context.Context, string) ([]store.Project, error)
	updateProjectFn           func(context.Context, string, string, string) error
	deleteProjectFn           func(context.Context, string) error
	addProjectMemberFn        func(context.Context, string, string) error
	removeProjectMemberFn     func(context.Context, string, string) error
	listProjectMembersFn      func(context.Context, string) ([]store.ProjectMember, error)
	insertTaskFn              func(context.Context, store.Task) error
	getTaskFn                 func(context.Context, string) (store.Task, error)
	listTasksByProjectFn      func(context.Context, string) ([]store.Task, error)
	listTasksByAssigneeFn     func(context.Context, string) ([]store.Task, error)
	updateTaskFn              func(context.Context, store.Task) error
	deleteTaskFn              func(context.Context, string) error
	insertTaskCommentFn       func(context.Context, store.TaskComment) error
	getTaskCommentFn          func(context.Context, string, string) (store.TaskComment, error)
	listTaskCommentsFn        func(context.Context, string) ([]store.TaskComment, error)
	deleteTaskCommentFn       func(context.Context, string, string) (bool, error)
	insertMessageFn           func(context.Context, store.Message) error
	getMessageFn              func(context.Context, string) (store.Message, error)
	listRecentMessagesFn      func(context.Context, string, int) ([]store.Message, error)
	updateMessageContentFn    func(context.Context, string, string) error
	deleteMessageFn           func(context.Context, string) error
	insertNotificationFn      func(context.Context, store.Notification) error
	getNotificationFn         func(context.Context, string) (store.Notification, error)
	listNotificationsByUserFn func(context.Context, string) ([]store.Notification, error)
	unreadCountFn             func(context.Context, string) (int, error)
	markNotificationReadFn    func(context.Context, string) error
	deleteNotificationFn      func(context.Context, string) error
	hasUnreadProjectInviteFn  func(context.Context, string, string) (bool, error)
}

func (f *fakeStore) GetUserByID(ctx context.Context, id string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, id)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, expiresAt time.Time) error {
	if f.revokeAccessTokenFn != nil {
		return f.revokeAccessTokenFn(ctx, jti, expiresAt)
	}
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	if f.isAccessTokenRevokedFn != nil {
		return f.isAccessTokenRevokedFn(ctx, jti)
	}
	return false, nil
}

func (f *fakeStore) InsertProject(ctx context.Context, p store.Project) error {
	if f.insertProjectFn != nil {
		return f.insertProjectFn(ctx, p)
	}
	return nil
}

func (f *fakeStore) GetProject(ctx context.Context, id string) (store.Project, error) {
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, id)
	}
	return store.Project{}, sql.ErrNoRows
}

func (f *fakeStore) ListProjectsByMember(ctx context.Context, userID string) ([]store.Project, error) {
	if f.listProjectsByMemberFn != nil {
		return f.listProjectsByMemberFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateProject(ctx context.Context, id, name, description string) error {
	if f.updateProjectFn != nil {
		return f.updateProjectFn(ctx, id, name, description)
	}
	return nil
}

func (f *fakeStore) DeleteProject(ctx context.Context, id string) error {
	if f.deleteProjectFn != nil {
		return f.deleteProjectFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) AddProjectMember(ctx context.Context, projectID, userID string) error {
	if f.addProjectMemberFn != nil {
		return f.addProjectMemberFn(ctx, projectID, userID)
	}
	return nil
}

func (f *fakeStore) RemoveProjectMember(ctx context.Context, projectID, userID string) error {
	if f.removeProjectMemberFn != nil {
		return f.removeProjectMemberFn(ctx, projectID, userID)
	}
	return nil
}

func (f *fakeStore) ListProjectMembers(ctx context.Context, projectID string) ([]store.ProjectMember, error) {
	if f.listProjectMembersFn != nil {
		return f.listProjectMembersFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) InsertTask(ctx context.Context, t store.Task) error {
	if f.insertTaskFn != nil {
		return f.insertTaskFn(ctx, t)
	}
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, id string) (store.Task, error) {
	if f.getTaskFn != nil {
		return f.getTaskFn(ctx, id)
	}
	return store.Task{}, sql.ErrNoRows
}

func (f *fakeStore) ListTasksByProject(ctx context.Context, projectID string) ([]store.Task, error) {
	if f.listTasksByProjectFn != nil {
		return f.listTasksByProjectFn(ctx, projectID)
	}
	return nil, nil
}

func (f *fakeStore) ListTasksByAssignee(ctx context.Context, userID string) ([]store.Task, error) {
	if f.listTasksByAssigneeFn != nil {
		return f.listTasksByAssigneeFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateTask(ctx context.Context, t store.Task) error {
	if f.updateTaskFn != nil {
		return f.updateTaskFn(ctx, t)
	}
	return nil
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) error {
	if f.deleteTaskFn != nil {
		return f.deleteTaskFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) InsertTaskComment(ctx context.Context, c store.TaskComment) error {
	if f.insertTaskCommentFn != nil {
		return f.insertTaskCommentFn(ctx, c)
	}
	return nil
}

func (f *fakeStore) GetTaskComment(ctx context.Context, taskID, commentID string) (store.TaskComment, error) {
	if f.getTaskCommentFn != nil {
		return f.getTaskCommentFn(ctx, taskID, commentID)
	}
	return store.TaskComment{}, sql.ErrNoRows
}

func (f *fakeStore) ListTaskComments(ctx context.Context, taskID string) ([]store.TaskComment, error) {
	if f.listTaskCommentsFn != nil {
		return f.listTaskCommentsFn(ctx, taskID)
	}
	return nil, nil
}

func (f *fakeStore) DeleteTaskComment(ctx context.Context, taskID, commentID string) (bool, error) {
	if f.deleteTaskCommentFn != nil {
		return f.deleteTaskCommentFn(ctx, taskID, commentID)
	}
	return true, nil
}

func (f *fakeStore) InsertMessage(ctx context.Context, m store.Message) error {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, m)
	}
	return nil
}

func (f *fakeStore) GetMessage(ctx context.Context, id string) (store.Message, error) {
	if f.getMessageFn != nil {
		return f.getMessageFn(ctx, id)
	}
	return store.Message{}, sql.ErrNoRows
}

func (f *fakeStore) ListRecentMessages(ctx context.Context, projectID string, limit int) ([]store.Message, error) {
	if f.listRecentMessagesFn != nil {
		return f.listRecentMessagesFn(ctx, projectID, limit)
	}
	return nil, nil
}

func (f *fakeStore) UpdateMessageContent(ctx context.Context, id, content string) error {
	if f.updateMessageContentFn != nil {
		return f.updateMessageContentFn(ctx, id, content)
	}
	return nil
}

func (f *fakeStore) DeleteMessage(ctx context.Context, id string) error {
	if f.deleteMessageFn != nil {
		return f.deleteMessageFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) InsertNotification(ctx context.Context, n store.Notification) error {
	if f.insertNotificationFn != nil {
		return f.insertNotificationFn(ctx, n)
	}
	return nil
}

func (f *fakeStore) GetNotification(ctx context.Context, id string) (store.Notification, error) {
	if f.getNotificationFn != nil {
		return f.getNotificationFn(ctx, id)
	}
	return store.Notification{}, sql.ErrNoRows
}

func (f *fakeStore) ListNotificationsByUser(ctx context.Context, userID string) ([]store.Notification, error) {
	if f.listNotificationsByUserFn != nil {
		return f.listNotificationsByUserFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) UnreadNotificationCount(ctx context.Context, userID string) (int, error) {
	if f.unreadCountFn != nil {
		return f.unreadCountFn(ctx, userID)
	}
	return 0, nil
}

func (f *fakeStore) MarkNotificationRead(ctx context.Context, id string) error {
	if f.markNotificationReadFn != nil {
		return f.markNotificationReadFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) DeleteNotification(ctx context.Context, id string) error {
	if f.deleteNotificationFn != nil {
		return f.deleteNotificationFn(ctx, id)
	}
	return nil
}

func (f *fakeStore) HasUnreadProjectInvite(ctx context.Context, userID, projectID string) (bool, error) {
	if f.hasUnreadProjectInviteFn != nil {
		return f.hasUnreadProjectInviteFn(ctx, userID, projectID)
	}
	return false, nil
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

type gatewayCall struct {
	kind    string // "user", "project", "project-except"
	target  string
	event   string
	payload any
}

type fakeGateway struct {
	calls []gatewayCall
}

func (g *fakeGateway) NotifyUser(userID, event string, payload any) {
	g.calls = append(g.calls, gatewayCall{kind: "user", target: userID, event: event, payload: payload})
}

func (g *fakeGateway) NotifyProject(projectID, event string, payload any) {
	g.calls = append(g.calls, gatewayCall{kind: "project", target: projectID, event: event, payload: payload})
}

func (g *fakeGateway) NotifyProjectExcept(projectID string, except *realtime.Client, event string, payload any) {
	g.calls = append(g.calls, gatewayCall{kind: "project-except", target: projectID, event: event, payload: payload})
}

func (g *fakeGateway) eventsNamed(event string) []gatewayCall {
	var out []gatewayCall
	for _, call := range g.calls {
		if call.event == event {
			out = append(out, call)
		}
	}
	return out
}

type fakeSessionStore struct {
	sessions map[string]store.User
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: map[string]store.User{}}
}

func (f *fakeSessionStore) SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error {
	f.sessions[tokenHash] = user
	return nil
}

func (f *fakeSessionStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	user, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeSessionStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(f.sessions, tokenHash)
	return nil
}

func newTestService(fs *fakeStore) (*Service, *fakeGateway) {
	gw := &fakeGateway{}
	svc := &Service{
		cfg: config.Config{
			JWTSecret:  "test-secret",
			AccessTTL:  15 * time.Minute,
			RefreshTTL: time.Hour,
		},
		store:    fs,
		sessions: newFakeSessionStore(),
		gateway:  gw,
	}
	return svc, gw
}

func memberSession(userID, userName string) Session {
	return Session{UserID: userID, UserName: userName, Role: "user"}
}

func testProject() store.Project {
	return store.Project{
		ID:        "proj-1",
		Name:      "Apollo",
		CreatedBy: "user-creator",
		Members:   []string{"user-creator", "user-member", "user-other"},
	}
}

func projectStore(project store.Project) *fakeStore {
	return &fakeStore{
		getProjectFn: func(_ context.Context, id string) (store.Project, error) {
			if id == project.ID {
				return project, nil
			}
			return store.Project{}, sql.ErrNoRows
		},
	}
}

func assertDomainError(t *testing.T, err error, wantStatus int, wantMessage string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	if domainErr.Status != wantStatus {
		t.Fatalf("status = %d, want %d (message %q)", domainErr.Status, wantStatus, domainErr.Message)
	}
	if wantMessage != "" && domainErr.Message != wantMessage {
		t.Fatalf("message = %q, want %q", domainErr.Message, wantMessage)
	}
}

func TestCreateProjectRequiresName(t *testing.T) {
	svc, _ := newTestService(&fakeStore{})
	_, err := svc.CreateProject(context.Background(), memberSession("user-1", "Avery"), "   ", "desc")
	assertDomainError(t, err, 400, "Project name is required")
}

func TestCreateProjectSeedsCreatorAsMember(t *testing.T) {
	var inserted store.Project
	fs := &fakeStore{
		insertProjectFn: func(_ context.Context, p store.Project) error {
			inserted = p
			return nil
		},
	}
	fs.getProjectFn = func(_ context.Context, id string) (store.Project, error) {
		if id == inserted.ID {
			return inserted, nil
		}
		return store.Project{}, sql.ErrNoRows
	}
	svc, _ := newTestService(fs)

	view, err := svc.CreateProject(context.Background(), memberSession("user-1", "Avery"), "  Apollo  ", " rockets ")
	if err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if inserted.CreatedBy != "user-1" {
		t.Fatalf("createdBy = %q", inserted.CreatedBy)
	}
	if len(inserted.Members) != 1 || inserted.Members[0] != "user-1" {
		t.Fatalf("members = %v, want creator only", inserted.Members)
	}
	if view["name"] != "Apollo" {
		t.Fatalf("name = %v, want trimmed", view["name"])
	}
}

func TestProjectVisibility(t *testing.T) {
	svc, _ := newTestService(projectStore(testProject()))
	ctx := context.Background()

	t.Run("member sees project", func(t *testing.T) {
		view, err := svc.GetProject(ctx, memberSession("user-member", "Sam"), "proj-1")
		if err != nil {
			t.Fatalf("GetProject: %v", err)
		}
		if view["id"] != "proj-1" {
			t.Fatalf("id = %v", view["id"])
		}
	})

	t.Run("non-member gets 403", func(t *testing.T) {
		_, err := svc.GetProject(ctx, memberSession("user-stranger", "Kai"), "proj-1")
		assertDomainError(t, err, 403, policy.ReasonNotMember)
	})

	t.Run("unknown project gets 404", func(t *testing.T) {
		_, err := svc.GetProject(ctx, memberSession("user-member", "Sam"), "proj-missing")
		assertDomainError(t, err, 404, "Project not found")
	})
}

func TestUpdateProjectCreatorOnly(t *testing.T) {
	svc, _ := newTestService(projectStore(testProject()))
	_, err := svc.UpdateProject(context.Background(), memberSession("user-member", "Sam"), "proj-1", "New name", "")
	assertDomainError(t, err, 403, policy.ReasonNotCreator)
}

func TestInviteMember(t *testing.T) {
	ctx := context.Background()
	creator := memberSession("user-creator", "Avery")
	invitee := store.User{ID: "user-new", DisplayName: "Robin", Email: "robin@example.com", Role: "user"}

	newStore := func() (*fakeStore, *store.Notification) {
		fs := projectStore(testProject())
		fs.getUserByEmailFn = func(_ context.Context, email string) (store.User, error) {
			if email == invitee.Email {
				return invitee, nil
			}
			return store.User{}, sql.ErrNoRows
		}
		var saved store.Notification
		fs.insertNotificationFn = func(_ context.Context, n store.Notification) error {
			saved = n
			return nil
		}
		fs.getNotificationFn = func(_ context.Context, id string) (store.Notification, error) {
			if id == saved.ID {
				return saved, nil
			}
			return store.Notification{}, sql.ErrNoRows
		}
		return fs, &saved
	}

	t.Run("creator invites by email", func(t *testing.T) {
		fs, saved := newStore()
		svc, gw := newTestService(fs)

		_, err := svc.InviteMember(ctx, creator, "proj-1", "Robin@Example.com ")
		if err != nil {
			t.Fatalf("InviteMember: %v", err)
		}
		if saved.UserID != "user-new" || saved.Type != "project-invite" {
			t.Fatalf("notification = %+v", saved)
		}
		var data ProjectInviteData
		if err := json.Unmarshal(saved.Data, &data); err != nil {
			t.Fatalf("unmarshal data: %v", err)
		}
		if data.ProjectID != "proj-1" || data.InvitedBy != "user-creator" {
			t.Fatalf("data = %+v", data)
		}
		pushes := gw.eventsNamed("new-notification")
		if len(pushes) != 1 || pushes[0].target != "user-new" {
			t.Fatalf("pushes = %+v", pushes)
		}
	})

	t.Run("non-creator cannot invite", func(t *testing.T) {
		fs, _ := newStore()
		svc, _ := newTestService(fs)
		_, err := svc.InviteMember(ctx, memberSession("user-member", "Sam"), "proj-1", invitee.Email)
		assertDomainError(t, err, 403, policy.ReasonNotManager)
	})

	t.Run("unknown email gets 404", func(t *testing.T) {
		fs, _ := newStore()
		svc, _ := newTestService(fs)
		_, err := svc.InviteMember(ctx, creator, "proj-1", "nobody@example.com")
		assertDomainError(t, err, 404, "No user found with that email")
	})

	t.Run("existing member gets 409", func(t *testing.T) {
		fs, _ := newStore()
		fs.getUserByEmailFn = func(context.Context, string) (store.User, error) {
			return store.User{ID: "user-member", Email: "sam@example.com"}, nil
		}
		svc, _ := newTestService(fs)
		_, err := svc.InviteMember(ctx, creator, "proj-1", "sam@example.com")
		assertDomainError(t, err, 409, "User is already a member of this project")
	})

	t.Run("pending invite gets 409", func(t *testing.T) {
		fs, _ := newStore()
		fs.hasUnreadProjectInviteFn = func(context.Context, string, string) (bool, error) {
			return true, nil
		}
		svc, _ := newTestService(fs)
		_, err := svc.InviteMember(ctx, creator, "proj-1", invitee.Email)
		assertDomainError(t, err, 409, "User already has a pending invitation to this project")
	})

	t.Run("read invite allows a fresh one", func(t *testing.T) {
		fs, _ := newStore()
		fs.hasUnreadProjectInviteFn = func(context.Context, string, string) (bool, error) {
			return false, nil
		}
		svc, _ := newTestService(fs)
		if _, err := svc.InviteMember(ctx, creator, "proj-1", invitee.Email); err != nil {
			t.Fatalf("re-invite after read: %v", err)
		}
	})
}

func TestAcceptInvite(t *testing.T) {
	ctx := context.Background()
	invitee := memberSession("user-new", "Robin")

	invite := store.Notification{
		ID:     "ntf-1",
		UserID: "user-new",
		Type:   "project-invite",
		Data:   mustJSON(ProjectInviteData{ProjectID: "proj-1", ProjectName: "Apollo", InvitedBy: "user-creator"}),
	}

	t.Run("accept joins project and marks read", func(t *testing.T) {
		fs := projectStore(testProject())
		fs.getNotificationFn = func(context.Context, string) (store.Notification, error) {
			return invite, nil
		}
		var joinedProject, joinedUser string
		fs.addProjectMemberFn = func(_ context.Context, projectID, userID string) error {
			joinedProject, joinedUser = projectID, userID
			return nil
		}
		var markedRead string
		fs.markNotificationReadFn = func(_ context.Context, id string) error {
			markedRead = id
			return nil
		}
		svc, gw := newTestService(fs)

		result, err := svc.AcceptInvite(ctx, invitee, "ntf-1")
		if err != nil {
			t.Fatalf("AcceptInvite: %v", err)
		}
		if joinedProject != "proj-1" || joinedUser != "user-new" {
			t.Fatalf("joined %s/%s", joinedProject, joinedUser)
		}
		if markedRead != "ntf-1" {
			t.Fatalf("marked read = %q", markedRead)
		}
		if result["project"] == nil || result["notification"] == nil {
			t.Fatalf("result = %v", result)
		}
		if got := gw.eventsNamed("project-notification"); len(got) != 1 || got[0].target != "proj-1" {
			t.Fatalf("project pushes = %+v", got)
		}
	})

	t.Run("someone else's invite gets 403", func(t *testing.T) {
		fs := projectStore(testProject())
		fs.getNotificationFn = func(context.Context, string) (store.Notification, error) {
			return invite, nil
		}
		svc, _ := newTestService(fs)
		_, err := svc.AcceptInvite(ctx, memberSession("user-other", "Kai"), "ntf-1")
		assertDomainError(t, err, 403, policy.ReasonNotTarget)
	})

	t.Run("deleted project marks read and 404s", func(t *testing.T) {
		fs := &fakeStore{}
		fs.getNotificationFn = func(context.Context, string) (store.Notification, error) {
			return invite, nil
		}
		var markedRead string
		fs.markNotificationReadFn = func(_ context.Context, id string) error {
			markedRead = id
			return nil
		}
		svc, _ := newTestService(fs)
		_, err := svc.AcceptInvite(ctx, invitee, "ntf-1")
		assertDomainError(t, err, 404, "Project no longer exists")
		if markedRead != "ntf-1" {
			t.Fatalf("stale invite should be marked read, got %q", markedRead)
		}
	})

	t.Run("non-invite notification gets 400", func(t *testing.T) {
		fs := &fakeStore{}
		fs.getNotificationFn = func(context.Context, string) (store.Notification, error) {
			return store.Notification{ID: "ntf-2", UserID: "user-new", Type: "task-comment"}, nil
		}
		svc, _ := newTestService(fs)
		_, err := svc.AcceptInvite(ctx, invitee, "ntf-2")
		assertDomainError(t, err, 400, "Notification is not a project invitation")
	})
}

func TestDeclineInviteKeepsMembershipUnchanged(t *testing.T) {
	fs := &fakeStore{}
	fs.getNotificationFn = func(context.Context, string) (store.Notification, error) {
		return store.Notification{ID: "ntf-1", UserID: "user-new", Type: "project-invite"}, nil
	}
	added := false
	fs.addProjectMemberFn = func(context.Context, string, string) error {
		added = true
		return nil
	}
	svc, _ := newTestService(fs)

	view, err := svc.DeclineInvite(context.Background(), memberSession("user-new", "Robin"), "ntf-1")
	if err != nil {
		t.Fatalf("DeclineInvite: %v", err)
	}
	if added {
		t.Fatal("decline must not add membership")
	}
	if view["read"] != true {
		t.Fatalf("read = %v", view["read"])
	}
}

func TestRemoveProjectMember(t *testing.T) {
	ctx := context.Background()
	creator := memberSession("user-creator", "Avery")

	t.Run("creator cannot be removed", func(t *testing.T) {
		svc, _ := newTestService(projectStore(testProject()))
		_, err := svc.RemoveProjectMember(ctx, creator, "proj-1", "user-creator")
		assertDomainError(t, err, 400, "The project creator cannot be removed")
	})

	t.Run("non-member target gets 404", func(t *testing.T) {
		svc, _ := newTestService(projectStore(testProject()))
		_, err := svc.RemoveProjectMember(ctx, creator, "proj-1", "user-stranger")
		assertDomainError(t, err, 404, "User is not a member of this project")
	})

	t.Run("removal broadcasts to the room", func(t *testing.T) {
		svc, gw := newTestService(projectStore(testProject()))
		if _, err := svc.RemoveProjectMember(ctx, creator, "proj-1", "user-member"); err != nil {
			t.Fatalf("RemoveProjectMember: %v", err)
		}
		pushes := gw.eventsNamed("project-notification")
		if len(pushes) != 1 {
			t.Fatalf("pushes = %+v", pushes)
		}
		payload := pushes[0].payload.(map[string]any)
		if payload["type"] != "member-removed" || payload["userId"] != "user-member" {
			t.Fatalf("payload = %v", payload)
		}
	})
}

// taskStore serves one task and reflects updates back on the next read.
func taskStore(project store.Project, task store.Task) *fakeStore {
	fs := projectStore(project)
	current := task
	fs.getTaskFn = func(_ context.Context, id string) (store.Task, error) {
		if id == current.ID {
			return current, nil
		}
		return store.Task{}, sql.ErrNoRows
	}
	fs.updateTaskFn = func(_ context.Context, t store.Task) error {
		current = t
		return nil
	}
	return fs
}

func TestCreateTask(t *testing.T) {
	ctx := context.Background()

	t.Run("defaults applied", func(t *testing.T) {
		var inserted store.Task
		fs := projectStore(testProject())
		fs.insertTaskFn = func(_ context.Context, task store.Task) error {
			inserted = task
			return nil
		}
		fs.getTaskFn = func(context.Context, string) (store.Task, error) {
			return inserted, nil
		}
		svc, _ := newTestService(fs)

		view, err := svc.CreateTask(ctx, memberSession("user-member", "Sam"), "proj-1", CreateTaskInput{Title: " Ship it "})
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if view["priority"] != "medium" || view["status"] != "todo" {
			t.Fatalf("defaults = %v/%v", view["priority"], view["status"])
		}
		if view["title"] != "Ship it" {
			t.Fatalf("title = %v", view["title"])
		}
		if view["assignedTo"] != nil {
			t.Fatalf("assignedTo = %v, want nil", view["assignedTo"])
		}
	})

	t.Run("title required", func(t *testing.T) {
		svc, _ := newTestService(projectStore(testProject()))
		_, err := svc.CreateTask(ctx, memberSession("user-member", "Sam"), "proj-1", CreateTaskInput{Title: "  "})
		assertDomainError(t, err, 400, "Task title is required")
	})

	t.Run("invalid priority rejected", func(t *testing.T) {
		svc, _ := newTestService(projectStore(testProject()))
		_, err := svc.CreateTask(ctx, memberSession("user-member", "Sam"), "proj-1", CreateTaskInput{Title: "x", Priority: "urgent"})
		assertDomainError(t, err, 400, "Priority must be low, medium, or high")
	})

	t.Run("member cannot assign", func(t *testing.T) {
		svc, _ := newTestService(projectStore(testProject()))
		_, err := svc.CreateTask(ctx, memberSession("user-member", "Sam"), "proj-1", CreateTaskInput{Title: "x", AssignedTo: "user-other"})
		assertDomainError(t, err, 403, policy.ReasonCannotAssign)
	})

	t.Run("creator assignment notifies assignee", func(t *testing.T) {
		fs := projectStore(testProject())
		var notified store.Notification
		fs.insertNotificationFn = func(_ context.Context, n store.Notification) error {
			notified = n
			return nil
		}
		svc, _ := newTestService(fs)

		_, err := svc.CreateTask(ctx, memberSession("user-creator", "Avery"), "proj-1", CreateTaskInput{Title: "x", AssignedTo: "user-member"})
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if notified.UserID != "user-member" || notified.Type != "task-assignment" {
			t.Fatalf("notification = %+v", notified)
		}
	})

	t.Run("self-assignment is silent", func(t *testing.T) {
		fs := projectStore(testProject())
		notified := false
		fs.insertNotificationFn = func(context.Context, store.Notification) error {
			notified = true
			return nil
		}
		svc, _ := newTestService(fs)

		_, err := svc.CreateTask(ctx, memberSession("user-creator", "Avery"), "proj-1", CreateTaskInput{Title: "x", AssignedTo: "user-creator"})
		if err != nil {
			t.Fatalf("CreateTask: %v", err)
		}
		if notified {
			t.Fatal("self-assignment must not create a notification")
		}
	})
}

func TestUpdateTask(t *testing.T) {
	ctx := context.Background()
	baseTask := store.Task{
		ID:        "task-1",
		ProjectID: "proj-1",
		Title:     "Ship it",
		Priority:  "medium",
		Status:    "todo",
		CreatedBy: "user-creator",
	}
	strPtr := func(s string) *string { return &s }

	t.Run("member cannot assign someone", func(t *testing.T) {
		svc, _ := newTestService(taskStore(testProject(), baseTask))
		_, err := svc.UpdateTask(ctx, memberSession("user-member", "Sam"), "task-1", UpdateTaskInput{AssignedTo: strPtr("user-other")})
		assertDomainError(t, err, 403, policy.ReasonCannotAssign)
	})

	t.Run("member can clear assignment", func(t *testing.T) {
		assigned := baseTask
		assignee := "user-other"
		assigned.AssignedTo = &assignee
		fs := taskStore(testProject(), assigned)
		var updated store.Task
		fs.updateTaskFn = func(_ context.Context, task store.Task) error {
			updated = task
			return nil
		}
		svc, _ := newTestService(fs)

		_, err := svc.UpdateTask(ctx, memberSession("user-member", "Sam"), "task-1", UpdateTaskInput{AssignedTo: strPtr("unassigned")})
		if err != nil {
			t.Fatalf("clearing assignment: %v", err)
		}
		if updated.AssignedTo != nil {
			t.Fatalf("assignedTo = %v, want nil", *updated.AssignedTo)
		}
	})

	t.Run("reassignment notifies new assignee", func(t *testing.T) {
		fs := taskStore(testProject(), baseTask)
		var notified store.Notification
		fs.insertNotificationFn = func(_ context.Context, n store.Notification) error {
			notified = n
			return nil
		}
		svc, _ := newTestService(fs)

		_, err := svc.UpdateTask(ctx, memberSession("user-creator", "Avery"), "task-1", UpdateTaskInput{AssignedTo: strPtr("user-member")})
		if err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
		if notified.Type != "task-assignment" || notified.UserID != "user-member" {
			t.Fatalf("notification = %+v", notified)
		}
		var data TaskAssignmentData
		if err := json.Unmarshal(notified.Data, &data); err != nil || data.TaskID != "task-1" {
			t.Fatalf("data = %s (%v)", notified.Data, err)
		}
	})

	t.Run("same assignee is a no-op for policy", func(t *testing.T) {
		assigned := baseTask
		assignee := "user-other"
		assigned.AssignedTo = &assignee
		svc, _ := newTestService(taskStore(testProject(), assigned))

		// An ordinary member echoing back the current assignee must not
		// trip the assignment gate.
		_, err := svc.UpdateTask(ctx, memberSession("user-member", "Sam"), "task-1", UpdateTaskInput{AssignedTo: strPtr("user-other")})
		if err != nil {
			t.Fatalf("unchanged assignee: %v", err)
		}
	})

	t.Run("completion notifies assignee", func(t *testing.T) {
		assigned := baseTask
		assignee := "user-other"
		assigned.AssignedTo = &assignee
		fs := taskStore(testProject(), assigned)
		var notified store.Notification
		fs.insertNotificationFn = func(_ context.Context, n store.Notification) error {
			notified = n
			return nil
		}
		svc, _ := newTestService(fs)

		_, err := svc.UpdateTask(ctx, memberSession("user-member", "Sam"), "task-1", UpdateTaskInput{Status: strPtr("done")})
		if err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
		if notified.Type != "task-completed" || notified.UserID != "user-other" {
			t.Fatalf("notification = %+v", notified)
		}
	})

	t.Run("completing your own task is silent", func(t *testing.T) {
		assigned := baseTask
		assignee := "user-member"
		assigned.AssignedTo = &assignee
		fs := taskStore(testProject(), assigned)
		notified := false
		fs.insertNotificationFn = func(context.Context, store.Notification) error {
			notified = true
			return nil
		}
		svc, _ := newTestService(fs)

		_, err := svc.UpdateTask(ctx, memberSession("user-member", "Sam"), "task-1", UpdateTaskInput{Status: strPtr("done")})
		if err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
		if notified {
			t.Fatal("own completion must not create a notification")
		}
	})

	t.Run("update broadcasts to project room", func(t *testing.T) {
		svc, gw := newTestService(taskStore(testProject(), baseTask))
		_, err := svc.UpdateTask(ctx, memberSession("user-member", "Sam"), "task-1", UpdateTaskInput{Title: strPtr("Renamed")})
		if err != nil {
			t.Fatalf("UpdateTask: %v", err)
		}
		pushes := gw.eventsNamed("project-notification")
		if len(pushes) != 1 || pushes[0].target != "proj-1" {
			t.Fatalf("pushes = %+v", pushes)
		}
	})
}

func TestTaskComments(t *testing.T) {
	ctx := context.Background()
	assignee := "user-other"
	task := store.Task{
		ID:         "task-1",
		ProjectID:  "proj-1",
		Title:      "Ship it",
		AssignedTo: &assignee,
		Priority:   "medium",
		Status:     "todo",
		CreatedBy:  "user-creator",
	}

	t.Run("empty comment rejected", func(t *testing.T) {
		svc, _ := newTestService(taskStore(testProject(), task))
		_, err := svc.AddTaskComment(ctx, memberSession("user-member", "Sam"), "task-1", "   ")
		assertDomainError(t, err, 400, "Comment content cannot be empty")
	})

	t.Run("comment notifies the assignee", func(t *testing.T) {
		fs := taskStore(testProject(), task)
		var notified store.Notification
		fs.insertNotificationFn = func(_ context.Context, n store.Notification) error {
			notified = n
			return nil
		}
		svc, _ := newTestService(fs)

		view, err := svc.AddTaskComment(ctx, memberSession("user-member", "Sam"), "task-1", " looks good ")
		if err != nil {
			t.Fatalf("AddTaskComment: %v", err)
		}
		if view["content"] != "looks good" {
			t.Fatalf("content = %v", view["content"])
		}
		if notified.Type != "task-comment" || notified.UserID != "user-other" {
			t.Fatalf("notification = %+v", notified)
		}
	})

	t.Run("assignee commenting is silent", func(t *testing.T) {
		fs := taskStore(testProject(), task)
		notified := false
		fs.insertNotificationFn = func(context.Context, store.Notification) error {
			notified = true
			return nil
		}
		svc, _ := newTestService(fs)

		if _, err := svc.AddTaskComment(ctx, memberSession("user-other", "Kai"), "task-1", "on it"); err != nil {
			t.Fatalf("AddTaskComment: %v", err)
		}
		if notified {
			t.Fatal("assignee's own comment must not notify")
		}
	})

	t.Run("only the author deletes a comment", func(t *testing.T) {
		fs := taskStore(testProject(), task)
		fs.getTaskCommentFn = func(context.Context, string, string) (store.TaskComment, error) {
			return store.TaskComment{ID: "cmt-1", TaskID: "task-1", Author: "user-member"}, nil
		}
		svc, _ := newTestService(fs)

		err := svc.DeleteTaskComment(ctx, memberSession("user-other", "Kai"), "task-1", "cmt-1")
		assertDomainError(t, err, 403, policy.ReasonNotCommentOwner)

		if err := svc.DeleteTaskComment(ctx, memberSession("user-member", "Sam"), "task-1", "cmt-1"); err != nil {
			t.Fatalf("author delete: %v", err)
		}
	})
}

func TestMessages(t *testing.T) {
	ctx := context.Background()

	t.Run("non-member cannot read history", func(t *testing.T) {
		svc, _ := newTestService(projectStore(testProject()))
		_, err := svc.ListMessages(ctx, memberSession("user-stranger", "Kai"), "proj-1")
		assertDomainError(t, err, 403, policy.ReasonNotMember)
	})

	t.Run("history is capped", func(t *testing.T) {
		fs := projectStore(testProject())
		var gotLimit int
		fs.listRecentMessagesFn = func(_ context.Context, _ string, limit int) ([]store.Message, error) {
			gotLimit = limit
			return nil, nil
		}
		svc, _ := newTestService(fs)
		if _, err := svc.ListMessages(ctx, memberSession("user-member", "Sam"), "proj-1"); err != nil {
			t.Fatalf("ListMessages: %v", err)
		}
		if gotLimit != messageHistoryLimit {
			t.Fatalf("limit = %d, want %d", gotLimit, messageHistoryLimit)
		}
	})

	t.Run("whitespace message rejected", func(t *testing.T) {
		svc, _ := newTestService(projectStore(testProject()))
		_, err := svc.SendMessage(ctx, memberSession("user-member", "Sam"), "proj-1", " \n\t ", nil)
		assertDomainError(t, err, 400, "Message content cannot be empty")
	})

	t.Run("send trims and broadcasts", func(t *testing.T) {
		fs := projectStore(testProject())
		var inserted store.Message
		fs.insertMessageFn = func(_ context.Context, m store.Message) error {
			inserted = m
			return nil
		}
		svc, gw := newTestService(fs)

		view, err := svc.SendMessage(ctx, memberSession("user-member", "Sam"), "proj-1", "  hello  ", nil)
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		if inserted.Content != "hello" || inserted.MessageType != "text" {
			t.Fatalf("inserted = %+v", inserted)
		}
		if view["content"] != "hello" {
			t.Fatalf("content = %v", view["content"])
		}
		pushes := gw.eventsNamed("new-message")
		if len(pushes) != 1 || pushes[0].kind != "project" {
			t.Fatalf("pushes = %+v", pushes)
		}
		payload := pushes[0].payload.(map[string]any)
		if payload["senderName"] != "Sam" {
			t.Fatalf("senderName = %v", payload["senderName"])
		}
	})

	t.Run("only the sender edits", func(t *testing.T) {
		fs := projectStore(testProject())
		fs.getMessageFn = func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg-1", ProjectID: "proj-1", Sender: "user-member", Content: "hello"}, nil
		}
		svc, _ := newTestService(fs)

		_, err := svc.UpdateMessage(ctx, memberSession("user-other", "Kai"), "msg-1", "edited", nil)
		assertDomainError(t, err, 403, policy.ReasonNotSender)
	})

	t.Run("delete broadcasts id and project", func(t *testing.T) {
		fs := projectStore(testProject())
		fs.getMessageFn = func(context.Context, string) (store.Message, error) {
			return store.Message{ID: "msg-1", ProjectID: "proj-1", Sender: "user-member"}, nil
		}
		svc, gw := newTestService(fs)

		if err := svc.DeleteMessage(ctx, memberSession("user-member", "Sam"), "msg-1", nil); err != nil {
			t.Fatalf("DeleteMessage: %v", err)
		}
		pushes := gw.eventsNamed("message-deleted")
		if len(pushes) != 1 {
			t.Fatalf("pushes = %+v", pushes)
		}
		payload := pushes[0].payload.(map[string]any)
		if payload["id"] != "msg-1" || payload["projectId"] != "proj-1" {
			t.Fatalf("payload = %v", payload)
		}
	})
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	user := store.User{ID: "user-1", DisplayName: "Avery", Email: "avery@example.com", Role: "user"}
	revoked := map[string]bool{}
	fs := &fakeStore{
		getUserByIDFn: func(_ context.Context, id string) (store.User, error) {
			if id == user.ID {
				return user, nil
			}
			return store.User{}, sql.ErrNoRows
		},
		revokeAccessTokenFn: func(_ context.Context, jti string, _ time.Time) error {
			revoked[jti] = true
			return nil
		},
		isAccessTokenRevokedFn: func(_ context.Context, jti string) (bool, error) {
			return revoked[jti], nil
		},
	}
	svc, _ := newTestService(fs)

	session, err := svc.CreateSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected both tokens")
	}

	parsed, err := svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != "user-1" || parsed.UserName != "Avery" || parsed.Email != "avery@example.com" {
		t.Fatalf("parsed = %+v", parsed)
	}

	rotated, err := svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Fatal("refresh token must rotate")
	}
	if _, err := svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatal("old refresh token must be dead after rotation")
	}

	if err := svc.Logout(ctx, rotated, rotated.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.SessionFromToken(ctx, rotated.Token); err == nil {
		t.Fatal("access token must be revoked after logout")
	}
	if _, err := svc.Refresh(ctx, rotated.RefreshToken); err == nil {
		t.Fatal("refresh token must be revoked after logout")
	}
}

func TestSearchScope(t *testing.T) {
	ctx := context.Background()
	fs := &fakeStore{
		listProjectsByMemberFn: func(context.Context, string) ([]store.Project, error) {
			return []store.Project{{ID: "proj-1"}}, nil
		},
	}
	svc, _ := newTestService(fs)

	t.Run("foreign project filter gets 403", func(t *testing.T) {
		_, err := svc.Search(ctx, memberSession("user-1", "Avery"), "hello", "", "proj-99", 10, 0)
		assertDomainError(t, err, 403, policy.ReasonNotMember)
	})

	t.Run("no search backend yields empty response", func(t *testing.T) {
		resp, err := svc.Search(ctx, memberSession("user-1", "Avery"), "hello", "", "", 10, 0)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(resp.Results) != 0 {
			t.Fatalf("results = %+v", resp.Results)
		}
	})
}

func TestCreateNotificationValidation(t *testing.T) {
	ctx := context.Background()
	session := memberSession("user-1", "Avery")

	t.Run("unknown type rejected", func(t *testing.T) {
		svc, _ := newTestService(&fakeStore{})
		_, err := svc.CreateNotification(ctx, session, "user-2", "shoulder-tap", "hi", nil)
		assertDomainError(t, err, 400, "Unknown notification type")
	})

	t.Run("missing target rejected", func(t *testing.T) {
		svc, _ := newTestService(&fakeStore{})
		_, err := svc.CreateNotification(ctx, session, "user-ghost", "task-comment", "hi", nil)
		assertDomainError(t, err, 404, "User not found")
	})

	t.Run("blank message rejected", func(t *testing.T) {
		svc, _ := newTestService(&fakeStore{})
		_, err := svc.CreateNotification(ctx, session, "user-2", "task-comment", strings.Repeat(" ", 4), nil)
		assertDomainError(t, err, 400, "Notification message is required")
	})
}

func TestDeleteNotificationPushesRemoval(t *testing.T) {
	fs := &fakeStore{}
	fs.getNotificationFn = func(context.Context, string) (store.Notification, error) {
		return store.Notification{ID: "ntf-1", UserID: "user-1", Type: "task-comment"}, nil
	}
	svc, gw := newTestService(fs)

	if err := svc.DeleteNotification(context.Background(), memberSession("user-1", "Avery"), "ntf-1"); err != nil {
		t.Fatalf("DeleteNotification: %v", err)
	}
	pushes := gw.eventsNamed("notification-deleted")
	if len(pushes) != 1 || pushes[0].target != "user-1" {
		t.Fatalf("pushes = %+v", pushes)
	}
}
