// Package events holds the in-process event bus and the envelope shared by
// every real-time delivery path.
package events

import "time"

// Client-facing event names.
const (
	UserJoined     = "user_joined"
	UserLeft       = "user_left"
	CursorMove     = "cursor_move"
	LiveEdit       = "live_edit"
	CommentAdded   = "comment_added"
	CommentUpdated = "comment_updated"
	CommentDeleted = "comment_deleted"
	Notification   = "notification"
	PresenceUpdate = "presence_update"
	FieldLocked    = "field_locked"
	FieldUnlocked  = "field_unlocked"
	ActivityAdded  = "activity_added"
	SessionEnded   = "session_ended"
	SessionState   = "session_state"
	Error          = "error"
	Pong           = "pong"
)

// Envelope is the unit pushed to a remote connection.
type Envelope struct {
	Type      string    `json:"type"`
	SessionID string    `json:"sessionId,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	At        time.Time `json:"at"`
}

func NewEnvelope(eventType, sessionID string, payload any, at time.Time) Envelope {
	return Envelope{Type: eventType, SessionID: sessionID, Payload: payload, At: at.UTC()}
}
