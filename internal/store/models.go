package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string // "admin" or "user"
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Project struct {
	ID          string
	Name        string
	Description string
	CreatedBy   string
	// Members holds user ids in join order. The creator is seeded as a
	// member at creation time.
	Members   []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type ProjectMember struct {
	UserID      string
	DisplayName string
	Email       string
	AddedAt     time.Time
}

type Task struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	AssignedTo  *string
	Priority    string // low, medium, high
	Status      string // todo, in-progress, done
	Labels      []string
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type TaskComment struct {
	ID        string
	TaskID    string
	Author    string
	Content   string
	CreatedAt time.Time
}

type Message struct {
	ID          string
	ProjectID   string
	Sender      string
	Content     string
	MessageType string // text, system
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Notification struct {
	ID        string
	UserID    string
	Type      string // project-invite, task-assignment, task-completed, task-comment
	Message   string
	Data      json.RawMessage
	Read      bool
	CreatedAt time.Time
}
