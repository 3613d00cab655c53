package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"civicplan/api/internal/events"
	"civicplan/api/internal/rbac"
	"civicplan/api/internal/session"
	"civicplan/api/internal/store"
	"civicplan/api/internal/util"
)

// ParticipantEvent is the payload of user_joined and user_left.
type ParticipantEvent struct {
	SessionID   string            `json:"sessionId"`
	Participant store.Participant `json:"participant"`
}

// SessionEvent is the payload of session_ended.
type SessionEvent struct {
	SessionID    string             `json:"sessionId"`
	ResourceType store.ResourceType `json:"resourceType"`
	ResourceID   string             `json:"resourceId"`
}

// CreateSession opens the collaboration session for a resource, or joins the
// live one when it already exists. The creator becomes its owner.
func (e *Engine) CreateSession(ctx context.Context, resourceID string, resourceType store.ResourceType, userID string) (result store.Session, err error) {
	defer e.finish("create_session", time.Now(), &err, "resource_type", string(resourceType), "resource_id", resourceID, "user_id", userID)

	if !resourceType.Valid() {
		return store.Session{}, Invalid("INVALID_RESOURCE_TYPE", "Unknown resource type").WithDetails(map[string]any{"resourceType": resourceType})
	}
	if resourceID == "" {
		return store.Session{}, Invalid("RESOURCE_REQUIRED", "Resource id is required")
	}
	user, err := e.user(ctx, userID)
	if err != nil {
		return store.Session{}, err
	}

	key := resourceKey{resourceType: resourceType, resourceID: resourceID}
	if existingID, ok := e.liveSessionFor(ctx, key); ok {
		joined, err := e.join(ctx, existingID, user)
		if err == nil {
			return joined, nil
		}
		if k := KindOf(err); k != KindGone && k != KindNotFound {
			return store.Session{}, err
		}
	}

	now := e.now()
	created := store.Session{
		ID:            util.NewID("ses"),
		ResourceType:  resourceType,
		ResourceID:    resourceID,
		Participants:  []store.Participant{newParticipant(user, rbac.RoleOwner, now)},
		ActiveEditors: []string{user.ID},
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(e.sessionTTL),
	}

	e.mu.Lock()
	if racedID, ok := e.byResource[key]; ok {
		e.mu.Unlock()
		return e.join(ctx, racedID, user)
	}
	e.sessions[created.ID] = &liveSession{session: created, locks: map[string]FieldLock{}}
	e.byResource[key] = created.ID
	e.trackSessionLocked(user.ID, created.ID, now)
	e.mu.Unlock()

	if err := e.store.InsertSession(ctx, created); err != nil {
		e.forget(created.ID)
		return store.Session{}, fmt.Errorf("persist session: %w", err)
	}
	e.cacheSession(ctx, created)
	e.metrics.SessionOpened()

	participant := created.Participants[0]
	e.bus.Publish(events.UserJoined, ParticipantEvent{SessionID: created.ID, Participant: participant})
	return cloneSession(created), nil
}

// JoinSession adds the user to a session or reactivates their entry.
func (e *Engine) JoinSession(ctx context.Context, sessionID, userID string) (result store.Session, err error) {
	defer e.finish("join_session", time.Now(), &err, "session_id", sessionID, "user_id", userID)

	user, err := e.user(ctx, userID)
	if err != nil {
		return store.Session{}, err
	}
	return e.join(ctx, sessionID, user)
}

func (e *Engine) join(ctx context.Context, sessionID string, user store.User) (store.Session, error) {
	if err := e.ensureLoaded(ctx, sessionID); err != nil {
		return store.Session{}, err
	}

	now := e.now()
	e.mu.Lock()
	ls, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return store.Session{}, sessionNotFound(sessionID)
	}
	if !now.Before(ls.session.ExpiresAt) {
		e.mu.Unlock()
		e.evict(ctx, sessionID, false)
		return store.Session{}, Gone("SESSION_EXPIRED", "Session has expired").WithDetails(map[string]any{"sessionId": sessionID})
	}
	ls.session.EndedAt = nil

	idx := participantIndex(ls.session, user.ID)
	if idx < 0 {
		ls.session.Participants = append(ls.session.Participants, newParticipant(user, rbac.ForParticipant(user.Role, false), now))
		idx = len(ls.session.Participants) - 1
	} else {
		p := &ls.session.Participants[idx]
		p.DisplayName = user.DisplayName
		p.Email = user.Email
		p.AvatarURL = user.AvatarURL
		p.Status = store.StatusOnline
		p.LastSeen = now
	}
	participant := ls.session.Participants[idx]
	if rbac.Can(rbac.Normalize(participant.Role), rbac.ActionEdit) {
		ls.session.ActiveEditors = appendUnique(ls.session.ActiveEditors, user.ID)
	}
	ls.session.UpdatedAt = now
	if ls.cleanup != nil {
		ls.cleanup.Stop()
		ls.cleanup = nil
	}
	e.trackSessionLocked(user.ID, sessionID, now)
	snapshot := cloneSession(ls.session)
	recipients := onlineRecipients(ls.session, user.ID)
	e.mu.Unlock()

	if err := e.persistSession(ctx, snapshot); err != nil {
		return store.Session{}, err
	}

	payload := ParticipantEvent{SessionID: sessionID, Participant: participant}
	e.bus.Publish(events.UserJoined, payload)
	e.deliver(ctx, recipients, e.envelope(events.UserJoined, sessionID, payload))
	return snapshot, nil
}

// LeaveSession marks the participant offline and drops them from the active
// editors. When nobody is left online the session is cleaned up after the
// empty-session grace period unless someone rejoins first.
func (e *Engine) LeaveSession(ctx context.Context, sessionID, userID string) (err error) {
	defer e.finish("leave_session", time.Now(), &err, "session_id", sessionID, "user_id", userID)

	if err := e.ensureLoaded(ctx, sessionID); err != nil {
		return err
	}
	return e.leave(ctx, sessionID, userID)
}

func (e *Engine) leave(ctx context.Context, sessionID, userID string) error {
	now := e.now()
	e.mu.Lock()
	ls, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return sessionNotFound(sessionID)
	}
	idx := participantIndex(ls.session, userID)
	if idx < 0 {
		e.mu.Unlock()
		return nil
	}
	p := &ls.session.Participants[idx]
	p.Status = store.StatusOffline
	p.LastSeen = now
	p.Cursor = nil
	participant := *p
	ls.session.ActiveEditors = removeString(ls.session.ActiveEditors, userID)
	ls.session.UpdatedAt = now
	if pr, ok := e.presence[userID]; ok {
		pr.Sessions = removeString(pr.Sessions, sessionID)
	}
	if len(onlineRecipients(ls.session, "")) == 0 {
		e.scheduleCleanupLocked(sessionID, ls)
	}
	snapshot := cloneSession(ls.session)
	recipients := onlineRecipients(ls.session, userID)
	e.mu.Unlock()

	if err := e.persistSession(ctx, snapshot); err != nil {
		return err
	}

	payload := ParticipantEvent{SessionID: sessionID, Participant: participant}
	e.bus.Publish(events.UserLeft, payload)
	e.deliver(ctx, recipients, e.envelope(events.UserLeft, sessionID, payload))
	return nil
}

// Session returns a snapshot of a session, rehydrating it when needed.
func (e *Engine) Session(ctx context.Context, sessionID string) (result store.Session, err error) {
	defer e.finish("get_session", time.Now(), &err, "session_id", sessionID)

	if err := e.ensureLoaded(ctx, sessionID); err != nil {
		return store.Session{}, err
	}
	e.mu.Lock()
	ls, ok := e.sessions[sessionID]
	if !ok {
		e.mu.Unlock()
		return store.Session{}, sessionNotFound(sessionID)
	}
	expired := !e.now().Before(ls.session.ExpiresAt)
	snapshot := cloneSession(ls.session)
	e.mu.Unlock()

	if expired {
		e.evict(ctx, sessionID, false)
		return store.Session{}, Gone("SESSION_EXPIRED", "Session has expired")
	}
	return snapshot, nil
}

// SessionsFor lists the ids of the sessions the user is currently online in.
func (e *Engine) SessionsFor(userID string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	pr, ok := e.presence[userID]
	if !ok {
		return nil
	}
	return append([]string(nil), pr.Sessions...)
}

// liveSessionFor finds the session currently bound to a resource in memory,
// the shared cache or the store.
func (e *Engine) liveSessionFor(ctx context.Context, key resourceKey) (string, bool) {
	e.mu.Lock()
	id, ok := e.byResource[key]
	e.mu.Unlock()
	if ok {
		return id, true
	}

	if e.cache != nil {
		id, err := e.cache.ResourceSession(ctx, key.resourceType, key.resourceID)
		if err == nil {
			return id, true
		}
		if !errors.Is(err, session.ErrCacheMiss) {
			e.logger.Warn().Err(err).Str("resource_id", key.resourceID).Msg("session cache lookup failed")
		}
	}

	found, err := e.store.FindActiveSession(ctx, key.resourceType, key.resourceID, e.now())
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn().Err(err).Str("resource_id", key.resourceID).Msg("session store lookup failed")
		}
		return "", false
	}
	e.register(found)
	return found.ID, true
}

// ensureLoaded makes sure the session is in memory, reading through the
// cache and then the store on a miss. An ended session whose resource has
// since moved on to a newer session is reported gone.
func (e *Engine) ensureLoaded(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return Invalid("SESSION_REQUIRED", "Session id is required")
	}
	e.mu.Lock()
	_, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if ok {
		return nil
	}

	loaded, err := e.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if loaded.EndedAt != nil {
		key := resourceKey{resourceType: loaded.ResourceType, resourceID: loaded.ResourceID}
		if liveID, ok := e.liveSessionFor(ctx, key); ok && liveID != loaded.ID {
			return sessionEnded(sessionID)
		}
	}
	if !e.register(loaded) {
		return sessionEnded(sessionID)
	}
	return nil
}

func (e *Engine) loadSession(ctx context.Context, sessionID string) (store.Session, error) {
	if e.cache != nil {
		cached, err := e.cache.LookupSession(ctx, sessionID)
		if err == nil {
			return cached, nil
		}
		if !errors.Is(err, session.ErrCacheMiss) {
			e.logger.Warn().Err(err).Str("session_id", sessionID).Msg("session cache lookup failed")
		}
	}

	stored, err := e.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Session{}, sessionNotFound(sessionID)
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return stored, nil
}

// register installs a rehydrated session. It reports false when another
// session is already bound to the same resource.
func (e *Engine) register(s store.Session) bool {
	key := resourceKey{resourceType: s.ResourceType, resourceID: s.ResourceID}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.sessions[s.ID]; ok {
		return true
	}
	if boundID, ok := e.byResource[key]; ok && boundID != s.ID {
		return false
	}
	if s.Participants == nil {
		s.Participants = []store.Participant{}
	}
	if s.ActiveEditors == nil {
		s.ActiveEditors = []string{}
	}
	ls := &liveSession{session: s, locks: map[string]FieldLock{}}
	e.sessions[s.ID] = ls
	e.byResource[key] = s.ID
	for _, p := range s.Participants {
		if p.Status != store.StatusOffline {
			e.trackSessionLocked(p.UserID, s.ID, p.LastSeen)
		}
	}
	if len(onlineRecipients(s, "")) == 0 && e.now().Before(s.ExpiresAt) {
		e.scheduleCleanupLocked(s.ID, ls)
	}
	e.metrics.SessionOpened()
	return true
}

func (e *Engine) scheduleCleanupLocked(sessionID string, ls *liveSession) {
	if ls.cleanup != nil {
		ls.cleanup.Stop()
	}
	ls.cleanup = time.AfterFunc(e.emptyGrace, func() {
		e.cleanupIfEmpty(sessionID)
	})
}

func (e *Engine) cleanupIfEmpty(sessionID string) {
	e.mu.Lock()
	ls, ok := e.sessions[sessionID]
	if !ok || len(onlineRecipients(ls.session, "")) > 0 {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.evict(ctx, sessionID, true)
}

// evict drops a session from memory and the shared cache. The stored row
// stays so a later join by id can rehydrate it or report it expired; with
// end set it is marked ended and stops claiming its resource.
func (e *Engine) evict(ctx context.Context, sessionID string, end bool) {
	snapshot, ok := e.forget(sessionID)
	if !ok {
		return
	}
	if e.cache != nil {
		if err := e.cache.DeleteSession(ctx, snapshot); err != nil {
			e.logger.Warn().Err(err).Str("session_id", sessionID).Msg("evict session from cache failed")
		}
	}
	if end {
		if err := e.store.EndSession(ctx, sessionID, e.now()); err != nil {
			e.logger.Warn().Err(err).Str("session_id", sessionID).Msg("end session failed")
		}
	}
	e.metrics.SessionClosed()
	e.logger.Debug().Str("session_id", sessionID).Msg("session evicted")
	e.bus.Publish(events.SessionEnded, SessionEvent{SessionID: sessionID, ResourceType: snapshot.ResourceType, ResourceID: snapshot.ResourceID})
}

func (e *Engine) forget(sessionID string) (store.Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ls, ok := e.sessions[sessionID]
	if !ok {
		return store.Session{}, false
	}
	if ls.cleanup != nil {
		ls.cleanup.Stop()
	}
	delete(e.sessions, sessionID)
	key := resourceKey{resourceType: ls.session.ResourceType, resourceID: ls.session.ResourceID}
	if e.byResource[key] == sessionID {
		delete(e.byResource, key)
	}
	for _, pr := range e.presence {
		pr.Sessions = removeString(pr.Sessions, sessionID)
	}
	return ls.session, true
}

func (e *Engine) persistSession(ctx context.Context, snapshot store.Session) error {
	err := e.store.UpdateSession(ctx, snapshot)
	if errors.Is(err, store.ErrNotFound) {
		err = e.store.InsertSession(ctx, snapshot)
	}
	if err != nil {
		return fmt.Errorf("persist session %s: %w", snapshot.ID, err)
	}
	e.cacheSession(ctx, snapshot)
	return nil
}

func (e *Engine) cacheSession(ctx context.Context, snapshot store.Session) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SaveSession(ctx, snapshot); err != nil {
		e.logger.Warn().Err(err).Str("session_id", snapshot.ID).Msg("cache session failed")
	}
}

// trackSessionLocked records that the user is online in a session.
func (e *Engine) trackSessionLocked(userID, sessionID string, at time.Time) {
	pr, ok := e.presence[userID]
	if !ok {
		pr = &Presence{UserID: userID, Status: store.StatusOnline, Activity: ActivityViewing, LastActivity: at}
		e.presence[userID] = pr
	}
	if pr.Status == store.StatusOffline {
		pr.Status = store.StatusOnline
		pr.LastActivity = at
	}
	pr.Sessions = appendUnique(pr.Sessions, sessionID)
}

func sessionNotFound(sessionID string) *Error {
	return NotFound("SESSION_NOT_FOUND", "Session not found").WithDetails(map[string]any{"sessionId": sessionID})
}

func sessionEnded(sessionID string) *Error {
	return Gone("SESSION_ENDED", "Session has ended").WithDetails(map[string]any{"sessionId": sessionID})
}

func newParticipant(user store.User, role rbac.Role, now time.Time) store.Participant {
	return store.Participant{
		UserID:      user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		AvatarURL:   user.AvatarURL,
		Role:        string(role),
		Status:      store.StatusOnline,
		LastSeen:    now,
		JoinedAt:    now,
	}
}

func participantIndex(s store.Session, userID string) int {
	for i, p := range s.Participants {
		if p.UserID == userID {
			return i
		}
	}
	return -1
}

// onlineRecipients lists non-offline participants other than exclude.
func onlineRecipients(s store.Session, exclude string) []string {
	out := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		if p.Status == store.StatusOffline || p.UserID == exclude {
			continue
		}
		out = append(out, p.UserID)
	}
	return out
}

func cloneSession(s store.Session) store.Session {
	out := s
	out.Participants = make([]store.Participant, len(s.Participants))
	for i, p := range s.Participants {
		if p.Cursor != nil {
			cursor := *p.Cursor
			if cursor.Selection != nil {
				selection := *cursor.Selection
				cursor.Selection = &selection
			}
			p.Cursor = &cursor
		}
		out.Participants[i] = p
	}
	out.ActiveEditors = append([]string{}, s.ActiveEditors...)
	return out
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

func removeString(list []string, value string) []string {
	out := list[:0]
	for _, v := range list {
		if v != value {
			out = append(out, v)
		}
	}
	return out
}
