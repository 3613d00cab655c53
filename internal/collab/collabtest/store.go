// Package collabtest provides an in-memory persistence adapter for tests of
// the collaboration engine and the layers built on it.
package collabtest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"civicplan/api/internal/store"
)

// Store is an in-memory collab.Store. The Fn fields override single methods
// to inject failures; set them before the store is shared.
type Store struct {
	mu            sync.Mutex
	users         map[string]store.User
	sessions      map[string]store.Session
	comments      map[string]store.Comment
	notifications map[string]store.Notification
	activity      []store.ActivityItem

	InsertSessionFn      func(context.Context, store.Session) error
	InsertNotificationFn func(context.Context, store.Notification) error
	InsertActivityFn     func(context.Context, store.ActivityItem) error
	GetUserByIDFn        func(context.Context, string) (store.User, error)

	userLookups int
}

// NewStore returns an empty store seeded with users.
func NewStore(users ...store.User) *Store {
	s := &Store{
		users:         map[string]store.User{},
		sessions:      map[string]store.Session{},
		comments:      map[string]store.Comment{},
		notifications: map[string]store.Notification{},
	}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	s.mu.Lock()
	s.userLookups++
	u, ok := s.users[userID]
	s.mu.Unlock()
	if s.GetUserByIDFn != nil {
		return s.GetUserByIDFn(ctx, userID)
	}
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) FindUserByHandle(_ context.Context, handle string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Handle, handle) {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (s *Store) InsertSession(ctx context.Context, session store.Session) error {
	if s.InsertSessionFn != nil {
		if err := s.InsertSessionFn(ctx, session); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s *Store) UpdateSession(_ context.Context, session store.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; !ok {
		return store.ErrNotFound
	}
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s *Store) GetSession(_ context.Context, sessionID string) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.sessions[sessionID]
	if !ok {
		return store.Session{}, store.ErrNotFound
	}
	return copySession(found), nil
}

func (s *Store) FindActiveSession(_ context.Context, resourceType store.ResourceType, resourceID string, now time.Time) (store.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, found := range s.sessions {
		if found.ResourceType == resourceType && found.ResourceID == resourceID && found.EndedAt == nil && now.Before(found.ExpiresAt) {
			return copySession(found), nil
		}
	}
	return store.Session{}, store.ErrNotFound
}

func (s *Store) EndSession(_ context.Context, sessionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.sessions[sessionID]
	if !ok {
		return store.ErrNotFound
	}
	found.EndedAt = &at
	found.UpdatedAt = at
	s.sessions[sessionID] = found
	return nil
}

func (s *Store) HasSession(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// StoredSession returns the persisted row for a session.
func (s *Store) StoredSession(sessionID string) (store.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found, ok := s.sessions[sessionID]
	return copySession(found), ok
}

func (s *Store) InsertComment(_ context.Context, comment store.Comment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.comments[comment.ID] = comment
	return nil
}

func (s *Store) GetComment(_ context.Context, commentID string) (store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok {
		return store.Comment{}, store.ErrNotFound
	}
	return c, nil
}

func (s *Store) ListComments(_ context.Context, filter store.CommentFilter) ([]store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []store.Comment{}
	for _, c := range s.comments {
		if c.ResourceType == filter.ResourceType && c.ResourceID == filter.ResourceID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *Store) UpdateComment(_ context.Context, commentID string, patch store.CommentPatch, updatedAt time.Time) (store.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok {
		return store.Comment{}, store.ErrNotFound
	}
	if patch.Content != nil {
		c.Content = *patch.Content
	}
	if patch.Mentions != nil {
		c.Mentions = *patch.Mentions
	}
	if patch.Attachments != nil {
		c.Attachments = *patch.Attachments
	}
	if patch.Reactions != nil {
		c.Reactions = *patch.Reactions
	}
	if patch.Position != nil {
		c.Position = patch.Position
	}
	if patch.Resolved != nil {
		c.Resolved = *patch.Resolved
		if c.Resolved {
			c.ResolvedBy = patch.ResolvedBy
			c.ResolvedAt = patch.ResolvedAt
		} else {
			c.ResolvedBy = nil
			c.ResolvedAt = nil
		}
	}
	c.UpdatedAt = updatedAt
	s.comments[commentID] = c
	return c, nil
}

func (s *Store) ToggleCommentReaction(_ context.Context, commentID, userID, emoji string, at time.Time) (store.Comment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok {
		return store.Comment{}, false, store.ErrNotFound
	}
	next := make([]store.Reaction, 0, len(c.Reactions)+1)
	removed := false
	for _, r := range c.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			removed = true
			continue
		}
		next = append(next, r)
	}
	if !removed {
		next = append(next, store.Reaction{Emoji: emoji, UserID: userID, CreatedAt: at})
	}
	c.Reactions = next
	c.UpdatedAt = at
	s.comments[commentID] = c
	return c, !removed, nil
}

func (s *Store) DeleteComment(_ context.Context, commentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.comments[commentID]; !ok {
		return store.ErrNotFound
	}
	delete(s.comments, commentID)
	for id, c := range s.comments {
		if c.ParentID != nil && *c.ParentID == commentID {
			delete(s.comments, id)
		}
	}
	return nil
}

func (s *Store) InsertNotification(ctx context.Context, item store.Notification) error {
	if s.InsertNotificationFn != nil {
		if err := s.InsertNotificationFn(ctx, item); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[item.ID] = item
	return nil
}

func (s *Store) GetNotification(_ context.Context, notificationID string) (store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[notificationID]
	if !ok {
		return store.Notification{}, store.ErrNotFound
	}
	return n, nil
}

func (s *Store) ListNotifications(_ context.Context, userID string, limit int, now time.Time) ([]store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []store.Notification{}
	for _, n := range s.notifications {
		if n.UserID != userID || (n.ExpiresAt != nil && !n.ExpiresAt.After(now)) {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkNotificationRead(_ context.Context, notificationID string, at time.Time) (store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[notificationID]
	if !ok {
		return store.Notification{}, store.ErrNotFound
	}
	if !n.Read {
		n.Read = true
		n.ReadAt = &at
	}
	s.notifications[notificationID] = n
	return n, nil
}

func (s *Store) MarkAllNotificationsRead(_ context.Context, userID string, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var updated int64
	for id, n := range s.notifications {
		if n.UserID == userID && !n.Read {
			n.Read = true
			n.ReadAt = &at
			s.notifications[id] = n
			updated++
		}
	}
	return updated, nil
}

func (s *Store) CountUnreadNotifications(_ context.Context, userID string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.notifications {
		if n.UserID == userID && !n.Read && (n.ExpiresAt == nil || n.ExpiresAt.After(now)) {
			count++
		}
	}
	return count, nil
}

func (s *Store) DeleteNotification(_ context.Context, notificationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notifications[notificationID]; !ok {
		return store.ErrNotFound
	}
	delete(s.notifications, notificationID)
	return nil
}

func (s *Store) NotificationsFor(userID string) []store.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Notification
	for _, n := range s.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) InsertActivity(ctx context.Context, item store.ActivityItem) error {
	if s.InsertActivityFn != nil {
		if err := s.InsertActivityFn(ctx, item); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, item)
	return nil
}

func (s *Store) ListActivity(_ context.Context, filter store.ActivityFilter) ([]store.ActivityItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []store.ActivityItem{}
	for i := len(s.activity) - 1; i >= 0; i-- {
		item := s.activity[i]
		if filter.ResourceType != "" && item.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && item.ResourceID != filter.ResourceID {
			continue
		}
		if filter.ActorID != "" && item.ActorID != filter.ActorID {
			continue
		}
		out = append(out, item)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ActivityItems() []store.ActivityItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.ActivityItem(nil), s.activity...)
}

// AddUser registers or replaces a user.
func (s *Store) AddUser(u store.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// UserLookups counts GetUserByID calls.
func (s *Store) UserLookups() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userLookups
}

func copySession(in store.Session) store.Session {
	out := in
	out.Participants = append([]store.Participant(nil), in.Participants...)
	out.ActiveEditors = append([]string(nil), in.ActiveEditors...)
	if in.EndedAt != nil {
		ended := *in.EndedAt
		out.EndedAt = &ended
	}
	return out
}
