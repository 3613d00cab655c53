package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const notificationColumns = `
	id, user_id, type, title, message, COALESCE(resource_type, ''), COALESCE(resource_id, ''),
	COALESCE(action_url, ''), COALESCE(action_label, ''), priority, read, read_at, data, created_at, expires_at`

func scanNotification(row rowScanner) (Notification, error) {
	var item Notification
	var readAt, expiresAt sql.NullTime
	var dataRaw []byte
	if err := row.Scan(
		&item.ID,
		&item.UserID,
		&item.Type,
		&item.Title,
		&item.Message,
		&item.ResourceType,
		&item.ResourceID,
		&item.ActionURL,
		&item.ActionLabel,
		&item.Priority,
		&item.Read,
		&readAt,
		&dataRaw,
		&item.CreatedAt,
		&expiresAt,
	); err != nil {
		return Notification{}, err
	}
	item.ReadAt = nullTimePtr(readAt)
	item.ExpiresAt = nullTimePtr(expiresAt)
	if len(dataRaw) > 0 {
		if err := json.Unmarshal(dataRaw, &item.Data); err != nil {
			return Notification{}, fmt.Errorf("decode notification data: %w", err)
		}
	}
	return item, nil
}

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) error {
	data, err := encodeJSON(item.Data, "{}")
	if err != nil {
		return fmt.Errorf("encode notification data: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notifications (
			id, user_id, type, title, message, resource_type, resource_id, action_url, action_label,
			priority, read, read_at, data, created_at, expires_at
		)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12, $13::jsonb, $14, $15)
	`,
		item.ID, item.UserID, item.Type, item.Title, item.Message, string(item.ResourceType), item.ResourceID,
		item.ActionURL, item.ActionLabel, item.Priority, item.Read, item.ReadAt, data, item.CreatedAt, item.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert notification %s: %w", item.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetNotification(ctx context.Context, notificationID string) (Notification, error) {
	item, err := scanNotification(s.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id=$1`, notificationID))
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, fmt.Errorf("get notification %s: %w", notificationID, ErrNotFound)
	}
	if err != nil {
		return Notification{}, fmt.Errorf("get notification %s: %w", notificationID, err)
	}
	return item, nil
}

// ListNotifications returns the newest unexpired notifications for a user.
func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, limit int, now time.Time) ([]Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id=$1 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, userID, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	items := make([]Notification, 0)
	for rows.Next() {
		item, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return items, nil
}

// MarkNotificationRead is idempotent; the first read timestamp is kept.
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, notificationID string, at time.Time) (Notification, error) {
	item, err := scanNotification(s.db.QueryRowContext(ctx, `
		UPDATE notifications
		SET read=TRUE, read_at=COALESCE(read_at, $2)
		WHERE id=$1
		RETURNING `+notificationColumns,
		notificationID, at))
	if errors.Is(err, sql.ErrNoRows) {
		return Notification{}, fmt.Errorf("mark notification %s read: %w", notificationID, ErrNotFound)
	}
	if err != nil {
		return Notification{}, fmt.Errorf("mark notification %s read: %w", notificationID, err)
	}
	return item, nil
}

func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE notifications
		SET read=TRUE, read_at=$2
		WHERE user_id=$1 AND read=FALSE
	`, userID, at)
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark all notifications read rows: %w", err)
	}
	return affected, nil
}

func (s *PostgresStore) CountUnreadNotifications(ctx context.Context, userID string, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM notifications
		WHERE user_id=$1 AND read=FALSE AND (expires_at IS NULL OR expires_at > $2)
	`, userID, now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) DeleteNotification(ctx context.Context, notificationID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notifications WHERE id=$1`, notificationID)
	if err != nil {
		return fmt.Errorf("delete notification %s: %w", notificationID, err)
	}
	return expectAffected(result, fmt.Sprintf("delete notification %s", notificationID))
}

const activityColumns = `
	id, type, actor_id, actor_name, COALESCE(actor_avatar, ''), resource_type, resource_id,
	resource_title, action, description, changes, metadata, created_at`

func (s *PostgresStore) InsertActivity(ctx context.Context, item ActivityItem) error {
	changes, err := encodeJSON(item.Changes, "[]")
	if err != nil {
		return fmt.Errorf("encode activity changes: %w", err)
	}
	metadata, err := encodeJSON(item.Metadata, "{}")
	if err != nil {
		return fmt.Errorf("encode activity metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity_log (
			id, type, actor_id, actor_name, actor_avatar, resource_type, resource_id,
			resource_title, action, description, changes, metadata, created_at
		)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13)
	`,
		item.ID, item.Type, item.ActorID, item.ActorName, item.ActorAvatar, item.ResourceType, item.ResourceID,
		item.ResourceTitle, item.Action, item.Description, changes, metadata, item.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity %s: %w", item.ID, err)
	}
	return nil
}

// ListActivity returns activity newest first. Empty filter fields match all.
func (s *PostgresStore) ListActivity(ctx context.Context, filter ActivityFilter) ([]ActivityItem, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activityColumns+`
		FROM activity_log
		WHERE ($1='' OR resource_type=$1)
		  AND ($2='' OR resource_id=$2)
		  AND ($3='' OR actor_id=$3)
		ORDER BY created_at DESC
		LIMIT $4
	`, string(filter.ResourceType), filter.ResourceID, filter.ActorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityItem, 0)
	for rows.Next() {
		var item ActivityItem
		var changesRaw, metadataRaw []byte
		if err := rows.Scan(
			&item.ID,
			&item.Type,
			&item.ActorID,
			&item.ActorName,
			&item.ActorAvatar,
			&item.ResourceType,
			&item.ResourceID,
			&item.ResourceTitle,
			&item.Action,
			&item.Description,
			&changesRaw,
			&metadataRaw,
			&item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		_ = json.Unmarshal(changesRaw, &item.Changes)
		_ = json.Unmarshal(metadataRaw, &item.Metadata)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}
