package collab

import (
	"context"
	"time"

	"civicplan/api/internal/events"
	"civicplan/api/internal/store"
)

type Activity string

const (
	ActivityViewing    Activity = "viewing"
	ActivityEditing    Activity = "editing"
	ActivityCommenting Activity = "commenting"
	ActivityIdle       Activity = "idle"
)

func (a Activity) Valid() bool {
	return a == ActivityViewing || a == ActivityEditing || a == ActivityCommenting || a == ActivityIdle
}

type ResourceRef struct {
	Type store.ResourceType `json:"type"`
	ID   string             `json:"id"`
}

// Presence is the last known state of a user, independent of any session.
type Presence struct {
	UserID          string               `json:"userId"`
	Status          store.PresenceStatus `json:"status"`
	Activity        Activity             `json:"activity"`
	Cursor          *store.Cursor        `json:"cursor,omitempty"`
	CurrentResource *ResourceRef         `json:"currentResource,omitempty"`
	LastActivity    time.Time            `json:"lastActivity"`
	Sessions        []string             `json:"sessions"`
}

// PresenceUpdate carries partial presence fields; nil keeps the previous
// value. SessionID, when set, scopes the cursor to that session.
type PresenceUpdate struct {
	SessionID       string                `json:"sessionId,omitempty"`
	Status          *store.PresenceStatus `json:"status,omitempty"`
	Activity        *Activity             `json:"activity,omitempty"`
	Cursor          *store.Cursor         `json:"cursor,omitempty"`
	CurrentResource *ResourceRef          `json:"currentResource,omitempty"`
}

// CursorEvent is the payload of cursor_move.
type CursorEvent struct {
	SessionID string       `json:"sessionId"`
	UserID    string       `json:"userId"`
	Cursor    store.Cursor `json:"cursor"`
}

type sessionFanout struct {
	sessionID  string
	recipients []string
}

// UpdatePresence merges update into the user's presence, stamps the activity
// time and fans the result out to every session the user is online in.
// Presence is best effort: invalid fields are ignored and delivery failures
// are only logged.
func (e *Engine) UpdatePresence(ctx context.Context, userID string, update PresenceUpdate) Presence {
	if update.Status != nil && *update.Status == store.StatusOffline {
		e.Disconnect(ctx, userID)
		return e.PresenceOf(userID)
	}

	now := e.now()
	e.mu.Lock()
	pr, ok := e.presence[userID]
	if !ok {
		pr = &Presence{UserID: userID, Status: store.StatusOnline, Activity: ActivityViewing}
		e.presence[userID] = pr
	}
	if update.Status != nil {
		if update.Status.Valid() {
			pr.Status = *update.Status
		} else {
			e.logger.Debug().Str("user_id", userID).Str("status", string(*update.Status)).Msg("ignoring unknown presence status")
		}
	} else if pr.Status != store.StatusOnline {
		pr.Status = store.StatusOnline
	}
	if update.Activity != nil && update.Activity.Valid() {
		pr.Activity = *update.Activity
	}
	if update.Cursor != nil {
		cursor := *update.Cursor
		pr.Cursor = &cursor
	}
	if update.CurrentResource != nil {
		ref := *update.CurrentResource
		pr.CurrentResource = &ref
	}
	pr.LastActivity = now

	fanout := make([]sessionFanout, 0, len(pr.Sessions))
	var cursorTargets []sessionFanout
	for _, sessionID := range pr.Sessions {
		ls, ok := e.sessions[sessionID]
		if !ok {
			continue
		}
		idx := participantIndex(ls.session, userID)
		if idx < 0 {
			continue
		}
		p := &ls.session.Participants[idx]
		p.Status = pr.Status
		p.LastSeen = now
		target := sessionFanout{sessionID: sessionID, recipients: onlineRecipients(ls.session, userID)}
		if update.Cursor != nil && (update.SessionID == "" || update.SessionID == sessionID) {
			cursor := *update.Cursor
			p.Cursor = &cursor
			cursorTargets = append(cursorTargets, target)
		}
		fanout = append(fanout, target)
	}
	snapshot := clonePresence(pr)
	e.mu.Unlock()

	e.bus.Publish(events.PresenceUpdate, snapshot)
	for _, target := range fanout {
		e.deliver(ctx, target.recipients, e.envelope(events.PresenceUpdate, target.sessionID, snapshot))
	}
	for _, target := range cursorTargets {
		payload := CursorEvent{SessionID: target.sessionID, UserID: userID, Cursor: *update.Cursor}
		e.bus.Publish(events.CursorMove, payload)
		e.deliver(ctx, target.recipients, e.envelope(events.CursorMove, target.sessionID, payload))
	}
	e.cachePresence(ctx, snapshot)
	return snapshot
}

// PresenceOf returns the user's presence; unknown users are offline.
func (e *Engine) PresenceOf(userID string) Presence {
	e.mu.Lock()
	defer e.mu.Unlock()
	pr, ok := e.presence[userID]
	if !ok {
		return Presence{UserID: userID, Status: store.StatusOffline, Sessions: []string{}}
	}
	return clonePresence(pr)
}

// reachable reports whether the user currently has a live presence. Away
// users still hold an open connection, so they count as reachable.
func (e *Engine) reachable(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	pr, ok := e.presence[userID]
	return ok && pr.Status != store.StatusOffline
}

// Disconnect takes the user offline and leaves every session they are in.
func (e *Engine) Disconnect(ctx context.Context, userID string) {
	for _, sessionID := range e.SessionsFor(userID) {
		if err := e.leave(ctx, sessionID, userID); err != nil {
			e.logger.Warn().Err(err).Str("session_id", sessionID).Str("user_id", userID).Msg("leave on disconnect failed")
		}
	}

	e.mu.Lock()
	pr, ok := e.presence[userID]
	if !ok {
		e.mu.Unlock()
		return
	}
	pr.Status = store.StatusOffline
	pr.Cursor = nil
	pr.LastActivity = e.now()
	snapshot := clonePresence(pr)
	e.mu.Unlock()

	e.bus.Publish(events.PresenceUpdate, snapshot)
	e.cachePresence(ctx, snapshot)
}

// SweepPresence demotes idle users: online users idle past the away timeout
// become away; users idle past the offline timeout are disconnected.
func (e *Engine) SweepPresence(ctx context.Context) (away, offline int) {
	now := e.now()
	var toAway []Presence
	var toOffline []string
	var fanout [][]sessionFanout

	e.mu.Lock()
	for userID, pr := range e.presence {
		if pr.Status == store.StatusOffline {
			continue
		}
		idle := now.Sub(pr.LastActivity)
		switch {
		case e.offlineAfter > 0 && idle >= e.offlineAfter:
			toOffline = append(toOffline, userID)
		case e.awayAfter > 0 && idle >= e.awayAfter && pr.Status == store.StatusOnline:
			pr.Status = store.StatusAway
			targets := make([]sessionFanout, 0, len(pr.Sessions))
			for _, sessionID := range pr.Sessions {
				ls, ok := e.sessions[sessionID]
				if !ok {
					continue
				}
				if idx := participantIndex(ls.session, userID); idx >= 0 {
					ls.session.Participants[idx].Status = store.StatusAway
				}
				targets = append(targets, sessionFanout{sessionID: sessionID, recipients: onlineRecipients(ls.session, userID)})
			}
			toAway = append(toAway, clonePresence(pr))
			fanout = append(fanout, targets)
		}
	}
	e.mu.Unlock()

	for i, snapshot := range toAway {
		e.bus.Publish(events.PresenceUpdate, snapshot)
		for _, target := range fanout[i] {
			e.deliver(ctx, target.recipients, e.envelope(events.PresenceUpdate, target.sessionID, snapshot))
		}
		e.cachePresence(ctx, snapshot)
	}
	for _, userID := range toOffline {
		e.Disconnect(ctx, userID)
	}
	return len(toAway), len(toOffline)
}

// Run sweeps presence periodically until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := sweepInterval(e.awayAfter, e.offlineAfter)
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			away, offline := e.SweepPresence(ctx)
			if away > 0 || offline > 0 {
				e.logger.Debug().Int("away", away).Int("offline", offline).Msg("presence sweep")
			}
		}
	}
}

func sweepInterval(away, offline time.Duration) time.Duration {
	shortest := away
	if shortest <= 0 || (offline > 0 && offline < shortest) {
		shortest = offline
	}
	if shortest <= 0 {
		return 0
	}
	interval := shortest / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	return interval
}

func (e *Engine) cachePresence(ctx context.Context, snapshot Presence) {
	if e.cache == nil {
		return
	}
	ttl := e.offlineAfter
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if err := e.cache.SavePresence(ctx, snapshot.UserID, snapshot, ttl); err != nil {
		e.logger.Debug().Err(err).Str("user_id", snapshot.UserID).Msg("cache presence failed")
	}
}

func clonePresence(pr *Presence) Presence {
	out := *pr
	if pr.Cursor != nil {
		cursor := *pr.Cursor
		out.Cursor = &cursor
	}
	if pr.CurrentResource != nil {
		ref := *pr.CurrentResource
		out.CurrentResource = &ref
	}
	out.Sessions = append([]string{}, pr.Sessions...)
	return out
}
