package collab

import (
	"context"
	"fmt"
	"strings"
	"time"

	"civicplan/api/internal/events"
	"civicplan/api/internal/store"
	"civicplan/api/internal/util"
)

type NotificationInput struct {
	UserID       string                 `json:"userId"`
	Type         store.NotificationType `json:"type"`
	Title        string                 `json:"title"`
	Message      string                 `json:"message"`
	ResourceType store.ResourceType     `json:"resourceType,omitempty"`
	ResourceID   string                 `json:"resourceId,omitempty"`
	ActionURL    string                 `json:"actionUrl,omitempty"`
	ActionLabel  string                 `json:"actionLabel,omitempty"`
	Priority     store.Priority         `json:"priority,omitempty"`
	Data         map[string]any         `json:"data,omitempty"`
	ExpiresAt    *time.Time             `json:"expiresAt,omitempty"`
}

// CreateNotification persists a notification, pushes it to the recipient's
// live connections when they are present and always publishes it on the
// bus. High and urgent notifications for absent recipients are emailed.
func (e *Engine) CreateNotification(ctx context.Context, in NotificationInput) (result store.Notification, err error) {
	defer e.finish("create_notification", time.Now(), &err, "user_id", in.UserID, "type", string(in.Type))

	if in.UserID == "" {
		return store.Notification{}, Invalid("RECIPIENT_REQUIRED", "Recipient is required")
	}
	if !in.Type.Valid() {
		return store.Notification{}, Invalid("INVALID_NOTIFICATION_TYPE", "Unknown notification type").WithDetails(map[string]any{"type": in.Type})
	}
	if strings.TrimSpace(in.Title) == "" {
		return store.Notification{}, Invalid("TITLE_REQUIRED", "Notification title is required")
	}
	if in.Priority == "" {
		in.Priority = store.PriorityMedium
	}
	if !in.Priority.Valid() {
		return store.Notification{}, Invalid("INVALID_PRIORITY", "Unknown notification priority").WithDetails(map[string]any{"priority": in.Priority})
	}
	if in.ResourceType != "" && !in.ResourceType.Valid() {
		return store.Notification{}, Invalid("INVALID_RESOURCE_TYPE", "Unknown resource type")
	}

	item := store.Notification{
		ID:           util.NewID("ntf"),
		UserID:       in.UserID,
		Type:         in.Type,
		Title:        strings.TrimSpace(in.Title),
		Message:      in.Message,
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		ActionURL:    in.ActionURL,
		ActionLabel:  in.ActionLabel,
		Priority:     in.Priority,
		Data:         in.Data,
		CreatedAt:    e.now(),
		ExpiresAt:    in.ExpiresAt,
	}
	if err := e.store.InsertNotification(ctx, item); err != nil {
		return store.Notification{}, fmt.Errorf("persist notification: %w", err)
	}

	if e.reachable(item.UserID) {
		e.deliver(ctx, []string{item.UserID}, e.envelope(events.Notification, "", item))
		e.metrics.NotificationDelivered(string(item.Type), "realtime")
	} else if e.mailer != nil && (item.Priority == store.PriorityHigh || item.Priority == store.PriorityUrgent) {
		e.goBackground(ctx, func(ctx context.Context) {
			e.mailOffline(ctx, item)
		})
	} else {
		e.metrics.NotificationDelivered(string(item.Type), "stored")
	}
	e.bus.Publish(events.Notification, item)
	return item, nil
}

func (e *Engine) mailOffline(ctx context.Context, item store.Notification) {
	recipient, err := e.user(ctx, item.UserID)
	if err != nil {
		e.logger.Warn().Err(err).Str("notification_id", item.ID).Msg("notification email skipped")
		return
	}
	if recipient.Email == "" {
		return
	}
	if err := e.mailer.NotifyOffline(ctx, recipient, item); err != nil {
		e.logger.Warn().Err(err).Str("notification_id", item.ID).Msg("notification email failed")
		return
	}
	e.metrics.NotificationDelivered(string(item.Type), "email")
}

// GetUserNotifications returns the newest unexpired notifications, at most
// limit (the configured default when limit <= 0).
func (e *Engine) GetUserNotifications(ctx context.Context, userID string, limit int) (result []store.Notification, err error) {
	defer e.finish("list_notifications", time.Now(), &err, "user_id", userID)

	if userID == "" {
		return nil, Invalid("USER_REQUIRED", "User id is required")
	}
	if limit <= 0 {
		limit = e.notificationLimit
	}
	return e.store.ListNotifications(ctx, userID, limit, e.now())
}

// MarkNotificationAsRead is idempotent. A non-empty userID must be the
// recipient.
func (e *Engine) MarkNotificationAsRead(ctx context.Context, notificationID, userID string) (result store.Notification, err error) {
	defer e.finish("mark_notification_read", time.Now(), &err, "notification_id", notificationID, "user_id", userID)

	item, err := e.ownedNotification(ctx, notificationID, userID)
	if err != nil {
		return store.Notification{}, err
	}
	if item.Read {
		return item, nil
	}
	return e.store.MarkNotificationRead(ctx, notificationID, e.now())
}

func (e *Engine) MarkAllAsRead(ctx context.Context, userID string) (updated int64, err error) {
	defer e.finish("mark_all_notifications_read", time.Now(), &err, "user_id", userID)

	if userID == "" {
		return 0, Invalid("USER_REQUIRED", "User id is required")
	}
	return e.store.MarkAllNotificationsRead(ctx, userID, e.now())
}

func (e *Engine) UnreadCount(ctx context.Context, userID string) (count int, err error) {
	defer e.finish("unread_count", time.Now(), &err, "user_id", userID)

	if userID == "" {
		return 0, Invalid("USER_REQUIRED", "User id is required")
	}
	return e.store.CountUnreadNotifications(ctx, userID, e.now())
}

// DeleteNotification removes a notification; only its recipient may.
func (e *Engine) DeleteNotification(ctx context.Context, notificationID, userID string) (err error) {
	defer e.finish("delete_notification", time.Now(), &err, "notification_id", notificationID, "user_id", userID)

	if userID == "" {
		return Invalid("USER_REQUIRED", "User id is required")
	}
	if _, err := e.ownedNotification(ctx, notificationID, userID); err != nil {
		return err
	}
	return e.store.DeleteNotification(ctx, notificationID)
}

func (e *Engine) ownedNotification(ctx context.Context, notificationID, userID string) (store.Notification, error) {
	if notificationID == "" {
		return store.Notification{}, Invalid("NOTIFICATION_REQUIRED", "Notification id is required")
	}
	item, err := e.store.GetNotification(ctx, notificationID)
	if err != nil {
		return store.Notification{}, err
	}
	if userID != "" && item.UserID != userID {
		return store.Notification{}, Forbidden("NOT_RECIPIENT", "Notification belongs to another user")
	}
	return item, nil
}
