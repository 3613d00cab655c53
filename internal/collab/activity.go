package collab

import (
	"context"
	"fmt"
	"time"

	"civicplan/api/internal/events"
	"civicplan/api/internal/store"
	"civicplan/api/internal/util"
)

type ActivityInput struct {
	Type          store.ActivityType  `json:"type"`
	ActorID       string              `json:"actorId"`
	ResourceType  store.ResourceType  `json:"resourceType"`
	ResourceID    string              `json:"resourceId"`
	ResourceTitle string              `json:"resourceTitle"`
	Action        string              `json:"action"`
	Description   string              `json:"description"`
	Changes       []store.FieldChange `json:"changes,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
}

// ActivityDay is one calendar day of the feed.
type ActivityDay struct {
	Day   string               `json:"day"`
	Date  time.Time            `json:"date"`
	Items []store.ActivityItem `json:"items"`
}

// RecordActivity appends an item to the feed and broadcasts it to the
// resource's live session.
func (e *Engine) RecordActivity(ctx context.Context, in ActivityInput) (result store.ActivityItem, err error) {
	defer e.finish("record_activity", time.Now(), &err, "actor_id", in.ActorID, "resource_id", in.ResourceID)

	if !in.Type.Valid() {
		return store.ActivityItem{}, Invalid("INVALID_ACTIVITY_TYPE", "Unknown activity type").WithDetails(map[string]any{"type": in.Type})
	}
	if !in.ResourceType.Valid() || in.ResourceID == "" {
		return store.ActivityItem{}, Invalid("RESOURCE_REQUIRED", "A valid resource is required")
	}
	if in.Action == "" {
		return store.ActivityItem{}, Invalid("ACTION_REQUIRED", "Activity action is required")
	}
	actor, err := e.user(ctx, in.ActorID)
	if err != nil {
		return store.ActivityItem{}, err
	}
	return e.record(ctx, actor, store.ActivityItem{
		Type:          in.Type,
		ResourceType:  in.ResourceType,
		ResourceID:    in.ResourceID,
		ResourceTitle: in.ResourceTitle,
		Action:        in.Action,
		Description:   in.Description,
		Changes:       in.Changes,
		Metadata:      in.Metadata,
	})
}

func (e *Engine) record(ctx context.Context, actor store.User, item store.ActivityItem) (store.ActivityItem, error) {
	item.ID = util.NewID("act")
	item.ActorID = actor.ID
	item.ActorName = actor.DisplayName
	item.ActorAvatar = actor.AvatarURL
	item.CreatedAt = e.now()
	if err := e.store.InsertActivity(ctx, item); err != nil {
		return store.ActivityItem{}, fmt.Errorf("persist activity: %w", err)
	}
	e.broadcastToResource(ctx, item.ResourceType, item.ResourceID, events.ActivityAdded, item)
	return item, nil
}

func (e *Engine) recordBestEffort(ctx context.Context, actor store.User, item store.ActivityItem) {
	if _, err := e.record(ctx, actor, item); err != nil {
		e.logger.Warn().Err(err).Str("resource_id", item.ResourceID).Str("type", string(item.Type)).Msg("record activity failed")
	}
}

func (e *Engine) ActivityForResource(ctx context.Context, resourceType store.ResourceType, resourceID string, limit int) (result []store.ActivityItem, err error) {
	defer e.finish("activity_for_resource", time.Now(), &err, "resource_id", resourceID)

	if !resourceType.Valid() || resourceID == "" {
		return nil, Invalid("RESOURCE_REQUIRED", "A valid resource is required")
	}
	return e.store.ListActivity(ctx, store.ActivityFilter{ResourceType: resourceType, ResourceID: resourceID, Limit: limit})
}

func (e *Engine) ActivityForUser(ctx context.Context, userID string, limit int) (result []store.ActivityItem, err error) {
	defer e.finish("activity_for_user", time.Now(), &err, "user_id", userID)

	if userID == "" {
		return nil, Invalid("USER_REQUIRED", "User id is required")
	}
	return e.store.ListActivity(ctx, store.ActivityFilter{ActorID: userID, Limit: limit})
}

// ActivityForSession lists the activity of the resource a session is bound to.
func (e *Engine) ActivityForSession(ctx context.Context, sessionID string, limit int) (result []store.ActivityItem, err error) {
	defer e.finish("activity_for_session", time.Now(), &err, "session_id", sessionID)

	if err := e.ensureLoaded(ctx, sessionID); err != nil {
		return nil, err
	}
	e.mu.Lock()
	ls, ok := e.sessions[sessionID]
	var filter store.ActivityFilter
	if ok {
		filter = store.ActivityFilter{ResourceType: ls.session.ResourceType, ResourceID: ls.session.ResourceID, Limit: limit}
	}
	e.mu.Unlock()
	if !ok {
		return nil, sessionNotFound(sessionID)
	}
	return e.store.ListActivity(ctx, filter)
}

// GroupActivityByDay buckets items by calendar day in loc, keeping the input
// order inside each day. Days appear in order of first occurrence, so a
// newest-first feed yields newest-first days.
func GroupActivityByDay(items []store.ActivityItem, loc *time.Location) []ActivityDay {
	if loc == nil {
		loc = time.UTC
	}
	var days []ActivityDay
	index := map[string]int{}
	for _, item := range items {
		local := item.CreatedAt.In(loc)
		key := local.Format("2006-01-02")
		i, ok := index[key]
		if !ok {
			i = len(days)
			index[key] = i
			days = append(days, ActivityDay{
				Day:  key,
				Date: time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc),
			})
		}
		days[i].Items = append(days[i].Items, item)
	}
	if days == nil {
		return []ActivityDay{}
	}
	return days
}
