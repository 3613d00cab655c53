package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned (wrapped) when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

type ResourceType string

const (
	ResourcePlan       ResourceType = "plan"
	ResourceGoal       ResourceType = "goal"
	ResourceInitiative ResourceType = "initiative"
	ResourceDashboard  ResourceType = "dashboard"
)

func (t ResourceType) Valid() bool {
	switch t {
	case ResourcePlan, ResourceGoal, ResourceInitiative, ResourceDashboard:
		return true
	default:
		return false
	}
}

type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	return s == StatusOnline || s == StatusAway || s == StatusOffline
}

type NotificationType string

const (
	NotificationMention    NotificationType = "mention"
	NotificationComment    NotificationType = "comment"
	NotificationEdit       NotificationType = "edit"
	NotificationAssignment NotificationType = "assignment"
	NotificationDeadline   NotificationType = "deadline"
	NotificationApproval   NotificationType = "approval"
	NotificationSystem     NotificationType = "system"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotificationMention, NotificationComment, NotificationEdit, NotificationAssignment,
		NotificationDeadline, NotificationApproval, NotificationSystem:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh || p == PriorityUrgent
}

type ActivityType string

const (
	ActivityCreate   ActivityType = "create"
	ActivityUpdate   ActivityType = "update"
	ActivityDelete   ActivityType = "delete"
	ActivityComment  ActivityType = "comment"
	ActivityAssign   ActivityType = "assign"
	ActivityComplete ActivityType = "complete"
	ActivityApprove  ActivityType = "approve"
	ActivityReject   ActivityType = "reject"
)

func (t ActivityType) Valid() bool {
	switch t {
	case ActivityCreate, ActivityUpdate, ActivityDelete, ActivityComment,
		ActivityAssign, ActivityComplete, ActivityApprove, ActivityReject:
		return true
	default:
		return false
	}
}

type User struct {
	ID          string    `json:"id"`
	Handle      string    `json:"handle"`
	DisplayName string    `json:"displayName"`
	Email       string    `json:"email"`
	AvatarURL   string    `json:"avatarUrl,omitempty"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Session is a collaboration session scoped to one resource.
type Session struct {
	ID            string        `json:"id"`
	ResourceType  ResourceType  `json:"resourceType"`
	ResourceID    string        `json:"resourceId"`
	Participants  []Participant `json:"participants"`
	ActiveEditors []string      `json:"activeEditors"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	ExpiresAt     time.Time     `json:"expiresAt"`
	// EndedAt is set when the session emptied out and was cleaned up. An
	// ended session no longer claims its resource but can still be rejoined
	// by id until it expires.
	EndedAt *time.Time `json:"endedAt,omitempty"`
}

type Participant struct {
	UserID      string         `json:"userId"`
	DisplayName string         `json:"displayName"`
	Email       string         `json:"email"`
	AvatarURL   string         `json:"avatarUrl,omitempty"`
	Role        string         `json:"role"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"lastSeen"`
	JoinedAt    time.Time      `json:"joinedAt"`
	Cursor      *Cursor        `json:"cursor,omitempty"`
}

// Cursor is a pointer position or an in-field caret/selection. It is never
// persisted on its own; it only rides along with a participant snapshot.
type Cursor struct {
	X         float64        `json:"x"`
	Y         float64        `json:"y"`
	ElementID string         `json:"elementId,omitempty"`
	Selection *TextSelection `json:"selection,omitempty"`
}

type TextSelection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Comment struct {
	ID           string       `json:"id"`
	ResourceType ResourceType `json:"resourceType"`
	ResourceID   string       `json:"resourceId"`
	ParentID     *string      `json:"parentId,omitempty"`
	AuthorID     string       `json:"authorId"`
	AuthorName   string       `json:"authorName"`
	AuthorAvatar string       `json:"authorAvatar,omitempty"`
	Content      string       `json:"content"`
	Mentions     []string     `json:"mentions"`
	Attachments  []Attachment `json:"attachments"`
	Reactions    []Reaction   `json:"reactions"`
	Resolved     bool         `json:"resolved"`
	ResolvedBy   *string      `json:"resolvedBy,omitempty"`
	ResolvedAt   *time.Time   `json:"resolvedAt,omitempty"`
	Position     *Position    `json:"position,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

type Attachment struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
}

type Reaction struct {
	Emoji     string    `json:"emoji"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Position anchors a comment spatially on the resource view.
type Position struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ElementID string  `json:"elementId,omitempty"`
}

// CommentPatch carries the fields of a partial comment update; nil means
// "leave unchanged". Setting Resolved to false clears the resolver fields.
type CommentPatch struct {
	Content     *string
	Mentions    *[]string
	Attachments *[]Attachment
	Reactions   *[]Reaction
	Resolved    *bool
	ResolvedBy  *string
	ResolvedAt  *time.Time
	Position    *Position
}

type CommentFilter struct {
	ResourceType ResourceType
	ResourceID   string
	AuthorID     string
	Limit        int
}

type Notification struct {
	ID           string           `json:"id"`
	UserID       string           `json:"userId"`
	Type         NotificationType `json:"type"`
	Title        string           `json:"title"`
	Message      string           `json:"message"`
	ResourceType ResourceType     `json:"resourceType,omitempty"`
	ResourceID   string           `json:"resourceId,omitempty"`
	ActionURL    string           `json:"actionUrl,omitempty"`
	ActionLabel  string           `json:"actionLabel,omitempty"`
	Priority     Priority         `json:"priority"`
	Read         bool             `json:"read"`
	ReadAt       *time.Time       `json:"readAt,omitempty"`
	Data         map[string]any   `json:"data,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
	ExpiresAt    *time.Time       `json:"expiresAt,omitempty"`
}

// ActivityItem is an append-only activity feed entry.
type ActivityItem struct {
	ID            string         `json:"id"`
	Type          ActivityType   `json:"type"`
	ActorID       string         `json:"actorId"`
	ActorName     string         `json:"actorName"`
	ActorAvatar   string         `json:"actorAvatar,omitempty"`
	ResourceType  ResourceType   `json:"resourceType"`
	ResourceID    string         `json:"resourceId"`
	ResourceTitle string         `json:"resourceTitle"`
	Action        string         `json:"action"`
	Description   string         `json:"description"`
	Changes       []FieldChange  `json:"changes,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
}

type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue"`
	NewValue any    `json:"newValue"`
}

type ActivityFilter struct {
	ResourceType ResourceType
	ResourceID   string
	ActorID      string
	Limit        int
}
