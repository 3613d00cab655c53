package collab

import (
	"context"
	"sort"
	"time"

	"civicplan/api/internal/events"
	"civicplan/api/internal/rbac"
	"civicplan/api/internal/store"
	"civicplan/api/internal/util"
)

type Operation string

const (
	OpInsert  Operation = "insert"
	OpDelete  Operation = "delete"
	OpUpdate  Operation = "update"
	OpReplace Operation = "replace"
	OpMove    Operation = "move"
)

func (o Operation) Valid() bool {
	switch o {
	case OpInsert, OpDelete, OpUpdate, OpReplace, OpMove:
		return true
	default:
		return false
	}
}

// LiveEdit describes one change to a collaboratively edited field. Path is a
// dotted locator such as "description" or "milestones.2.title". Position and
// Length are rune offsets used by insert and delete.
type LiveEdit struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"sessionId"`
	UserID       string             `json:"userId"`
	UserName     string             `json:"userName,omitempty"`
	ResourceType store.ResourceType `json:"resourceType"`
	ResourceID   string             `json:"resourceId"`
	Operation    Operation          `json:"operation"`
	Path         string             `json:"path"`
	OldValue     any                `json:"oldValue,omitempty"`
	NewValue     any                `json:"newValue,omitempty"`
	Position     int                `json:"position,omitempty"`
	Length       int                `json:"length,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
	Applied      bool               `json:"applied"`
}

// FieldLock grants one participant exclusive editing of a field.
type FieldLock struct {
	SessionID string    `json:"sessionId"`
	Path      string    `json:"path"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	LockedAt  time.Time `json:"lockedAt"`
}

// BroadcastEdit stamps an edit and relays it to the other online
// participants of its session. The sender must be an online participant
// allowed to edit, and the field must not be locked by someone else.
func (e *Engine) BroadcastEdit(ctx context.Context, edit LiveEdit) (result LiveEdit, err error) {
	defer e.finish("broadcast_edit", time.Now(), &err, "session_id", edit.SessionID, "user_id", edit.UserID, "path", edit.Path)

	if edit.Path == "" {
		return LiveEdit{}, Invalid("PATH_REQUIRED", "Edit path is required")
	}
	if !edit.Operation.Valid() {
		return LiveEdit{}, Invalid("INVALID_OPERATION", "Unknown edit operation").WithDetails(map[string]any{"operation": edit.Operation})
	}
	if edit.Position < 0 || edit.Length < 0 {
		return LiveEdit{}, Invalid("INVALID_RANGE", "Edit position and length must not be negative")
	}
	if err := e.ensureLoaded(ctx, edit.SessionID); err != nil {
		return LiveEdit{}, err
	}

	now := e.now()
	e.mu.Lock()
	ls, p, err := e.activeParticipantLocked(edit.SessionID, edit.UserID, rbac.ActionEdit)
	if err != nil {
		e.mu.Unlock()
		return LiveEdit{}, err
	}
	if lock, locked := ls.locks[edit.Path]; locked && lock.UserID != edit.UserID {
		e.mu.Unlock()
		return LiveEdit{}, fieldLocked(lock)
	}
	edit.ID = util.NewID("edit")
	edit.UserName = p.DisplayName
	edit.ResourceType = ls.session.ResourceType
	edit.ResourceID = ls.session.ResourceID
	edit.Timestamp = now
	edit.Applied = false
	ls.session.ActiveEditors = appendUnique(ls.session.ActiveEditors, edit.UserID)
	ls.session.UpdatedAt = now
	if pr, ok := e.presence[edit.UserID]; ok {
		pr.Activity = ActivityEditing
		pr.LastActivity = now
	}
	recipients := onlineRecipients(ls.session, edit.UserID)
	e.mu.Unlock()

	e.bus.Publish(events.LiveEdit, edit)
	e.deliver(ctx, recipients, e.envelope(events.LiveEdit, edit.SessionID, edit))
	e.metrics.EditBroadcast(string(edit.Operation))
	return edit, nil
}

// LockField gives the caller exclusive edit rights on path. Locking a field
// the caller already holds is a no-op.
func (e *Engine) LockField(ctx context.Context, sessionID, userID, path string) (result FieldLock, err error) {
	defer e.finish("lock_field", time.Now(), &err, "session_id", sessionID, "user_id", userID, "path", path)

	if path == "" {
		return FieldLock{}, Invalid("PATH_REQUIRED", "Field path is required")
	}
	if err := e.ensureLoaded(ctx, sessionID); err != nil {
		return FieldLock{}, err
	}

	e.mu.Lock()
	ls, p, err := e.activeParticipantLocked(sessionID, userID, rbac.ActionLock)
	if err != nil {
		e.mu.Unlock()
		return FieldLock{}, err
	}
	if existing, locked := ls.locks[path]; locked {
		e.mu.Unlock()
		if existing.UserID == userID {
			return existing, nil
		}
		return FieldLock{}, fieldLocked(existing)
	}
	lock := FieldLock{SessionID: sessionID, Path: path, UserID: userID, UserName: p.DisplayName, LockedAt: e.now()}
	ls.locks[path] = lock
	recipients := onlineRecipients(ls.session, userID)
	e.mu.Unlock()

	e.bus.Publish(events.FieldLocked, lock)
	e.deliver(ctx, recipients, e.envelope(events.FieldLocked, sessionID, lock))
	return lock, nil
}

// UnlockField releases a lock. Only the holder or the session owner may
// release it; releasing an unlocked field is a no-op.
func (e *Engine) UnlockField(ctx context.Context, sessionID, userID, path string) (err error) {
	defer e.finish("unlock_field", time.Now(), &err, "session_id", sessionID, "user_id", userID, "path", path)

	if err := e.ensureLoaded(ctx, sessionID); err != nil {
		return err
	}

	e.mu.Lock()
	ls, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return sessionNotFound(sessionID)
	}
	lock, locked := ls.locks[path]
	if !locked {
		e.mu.Unlock()
		return nil
	}
	if lock.UserID != userID {
		idx := participantIndex(ls.session, userID)
		if idx < 0 || !rbac.Can(rbac.Normalize(ls.session.Participants[idx].Role), rbac.ActionManage) {
			e.mu.Unlock()
			return fieldLocked(lock)
		}
	}
	delete(ls.locks, path)
	recipients := onlineRecipients(ls.session, userID)
	e.mu.Unlock()

	e.bus.Publish(events.FieldUnlocked, lock)
	e.deliver(ctx, recipients, e.envelope(events.FieldUnlocked, sessionID, lock))
	return nil
}

// FieldLocks lists the current locks of a live session ordered by path.
func (e *Engine) FieldLocks(sessionID string) []FieldLock {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls, ok := e.sessions[sessionID]
	if !ok {
		return []FieldLock{}
	}
	out := make([]FieldLock, 0, len(ls.locks))
	for _, lock := range ls.locks {
		out = append(out, lock)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (e *Engine) activeParticipantLocked(sessionID, userID string, action rbac.Action) (*liveSession, store.Participant, error) {
	ls, ok := e.sessions[sessionID]
	if !ok {
		return nil, store.Participant{}, sessionNotFound(sessionID)
	}
	if !e.now().Before(ls.session.ExpiresAt) {
		return nil, store.Participant{}, Gone("SESSION_EXPIRED", "Session has expired")
	}
	idx := participantIndex(ls.session, userID)
	if idx < 0 || ls.session.Participants[idx].Status == store.StatusOffline {
		return nil, store.Participant{}, Forbidden("NOT_A_PARTICIPANT", "Join the session first")
	}
	p := ls.session.Participants[idx]
	if !rbac.Can(rbac.Normalize(p.Role), action) {
		return nil, store.Participant{}, Forbidden("ROLE_FORBIDDEN", "Your role does not allow this action").
			WithDetails(map[string]any{"role": p.Role, "action": string(action)})
	}
	return ls, p, nil
}

func fieldLocked(lock FieldLock) *Error {
	return Forbidden("FIELD_LOCKED", "Field is locked by another user").WithDetails(map[string]any{
		"path":     lock.Path,
		"lockedBy": lock.UserID,
		"userName": lock.UserName,
	})
}
