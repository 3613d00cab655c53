package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

const commentColumns = `
	c.id, c.resource_type, c.resource_id, c.parent_id, c.author_id, c.author_name, COALESCE(c.author_avatar, ''),
	c.content, c.mentions, c.attachments, c.resolved, c.resolved_by, c.resolved_at, c.position,
	c.created_at, c.updated_at,
	COALESCE((
		SELECT jsonb_agg(jsonb_build_object('emoji', r.emoji, 'userId', r.user_id, 'createdAt', r.created_at) ORDER BY r.created_at, r.emoji)
		FROM comment_reactions r
		WHERE r.comment_id = c.id
	), '[]'::jsonb)`

func scanComment(row rowScanner) (Comment, error) {
	var comment Comment
	var parentID, resolvedBy sql.NullString
	var resolvedAt sql.NullTime
	var mentionsRaw, attachmentsRaw, positionRaw, reactionsRaw []byte
	if err := row.Scan(
		&comment.ID,
		&comment.ResourceType,
		&comment.ResourceID,
		&parentID,
		&comment.AuthorID,
		&comment.AuthorName,
		&comment.AuthorAvatar,
		&comment.Content,
		&mentionsRaw,
		&attachmentsRaw,
		&comment.Resolved,
		&resolvedBy,
		&resolvedAt,
		&positionRaw,
		&comment.CreatedAt,
		&comment.UpdatedAt,
		&reactionsRaw,
	); err != nil {
		return Comment{}, err
	}
	comment.ParentID = nullStringPtr(parentID)
	comment.ResolvedBy = nullStringPtr(resolvedBy)
	comment.ResolvedAt = nullTimePtr(resolvedAt)

	if err := json.Unmarshal(mentionsRaw, &comment.Mentions); err != nil {
		return Comment{}, fmt.Errorf("decode mentions: %w", err)
	}
	if err := json.Unmarshal(attachmentsRaw, &comment.Attachments); err != nil {
		return Comment{}, fmt.Errorf("decode attachments: %w", err)
	}
	if err := json.Unmarshal(reactionsRaw, &comment.Reactions); err != nil {
		return Comment{}, fmt.Errorf("decode reactions: %w", err)
	}
	if len(positionRaw) > 0 {
		var position Position
		if err := json.Unmarshal(positionRaw, &position); err != nil {
			return Comment{}, fmt.Errorf("decode position: %w", err)
		}
		comment.Position = &position
	}
	normalizeComment(&comment)
	return comment, nil
}

func normalizeComment(comment *Comment) {
	if comment.Mentions == nil {
		comment.Mentions = []string{}
	}
	if comment.Attachments == nil {
		comment.Attachments = []Attachment{}
	}
	if comment.Reactions == nil {
		comment.Reactions = []Reaction{}
	}
}

func (s *PostgresStore) InsertComment(ctx context.Context, comment Comment) error {
	mentions, err := encodeJSON(comment.Mentions, "[]")
	if err != nil {
		return fmt.Errorf("encode mentions: %w", err)
	}
	attachments, err := encodeJSON(comment.Attachments, "[]")
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}
	position, err := nullableJSON(comment.Position)
	if err != nil {
		return fmt.Errorf("encode position: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO comments (
			id, resource_type, resource_id, parent_id, author_id, author_name, author_avatar,
			content, mentions, attachments, resolved, resolved_by, resolved_at, position, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9::jsonb, $10::jsonb, $11, $12, $13, $14::jsonb, $15, $16)
	`,
		comment.ID, comment.ResourceType, comment.ResourceID, comment.ParentID, comment.AuthorID, comment.AuthorName, comment.AuthorAvatar,
		comment.Content, mentions, attachments, comment.Resolved, comment.ResolvedBy, comment.ResolvedAt, position,
		comment.CreatedAt, comment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert comment %s: %w", comment.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	return getComment(ctx, s.db, commentID)
}

func getComment(ctx context.Context, q querier, commentID string) (Comment, error) {
	comment, err := scanComment(q.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments c WHERE c.id=$1`, commentID))
	if errors.Is(err, sql.ErrNoRows) {
		return Comment{}, fmt.Errorf("get comment %s: %w", commentID, ErrNotFound)
	}
	if err != nil {
		return Comment{}, fmt.Errorf("get comment %s: %w", commentID, err)
	}
	return comment, nil
}

// ListComments returns comments oldest first. Empty filter fields match all.
// Without a limit every matching comment is returned; with one, the newest
// Limit comments are kept.
func (s *PostgresStore) ListComments(ctx context.Context, filter CommentFilter) ([]Comment, error) {
	var limit any
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM comments c
		WHERE ($1='' OR c.resource_type=$1)
		  AND ($2='' OR c.resource_id=$2)
		  AND ($3='' OR c.author_id=$3)
		ORDER BY c.created_at DESC, c.id DESC
		LIMIT $4
	`, string(filter.ResourceType), filter.ResourceID, filter.AuthorID, limit)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		comment, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, comment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	slices.Reverse(items)
	return items, nil
}

// UpdateComment merges the non-nil patch fields into the stored comment and
// returns the result. Reactions in a patch replace the full reaction set.
func (s *PostgresStore) UpdateComment(ctx context.Context, commentID string, patch CommentPatch, updatedAt time.Time) (Comment, error) {
	mentions, err := nullableJSON(patch.Mentions)
	if err != nil {
		return Comment{}, fmt.Errorf("encode mentions: %w", err)
	}
	attachments, err := nullableJSON(patch.Attachments)
	if err != nil {
		return Comment{}, fmt.Errorf("encode attachments: %w", err)
	}
	position, err := nullableJSON(patch.Position)
	if err != nil {
		return Comment{}, fmt.Errorf("encode position: %w", err)
	}

	var updated Comment
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE comments SET
				content = COALESCE($2, content),
				mentions = COALESCE($3::jsonb, mentions),
				attachments = COALESCE($4::jsonb, attachments),
				resolved = COALESCE($5::boolean, resolved),
				resolved_by = CASE WHEN $5::boolean IS NULL THEN resolved_by WHEN $5::boolean THEN COALESCE($6, resolved_by) ELSE NULL END,
				resolved_at = CASE WHEN $5::boolean IS NULL THEN resolved_at WHEN $5::boolean THEN COALESCE($7, resolved_at) ELSE NULL END,
				position = COALESCE($8::jsonb, position),
				updated_at = $9
			WHERE id=$1
		`, commentID, patch.Content, mentions, attachments, patch.Resolved, patch.ResolvedBy, patch.ResolvedAt, position, updatedAt)
		if err != nil {
			return fmt.Errorf("update comment %s: %w", commentID, err)
		}
		if err := expectAffected(result, fmt.Sprintf("update comment %s", commentID)); err != nil {
			return err
		}

		if patch.Reactions != nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM comment_reactions WHERE comment_id=$1`, commentID); err != nil {
				return fmt.Errorf("clear comment reactions: %w", err)
			}
			for _, reaction := range *patch.Reactions {
				createdAt := reaction.CreatedAt
				if createdAt.IsZero() {
					createdAt = updatedAt
				}
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO comment_reactions (comment_id, user_id, emoji, created_at)
					VALUES ($1, $2, $3, $4)
					ON CONFLICT DO NOTHING
				`, commentID, reaction.UserID, reaction.Emoji, createdAt); err != nil {
					return fmt.Errorf("insert comment reaction: %w", err)
				}
			}
		}

		updated, err = getComment(ctx, tx, commentID)
		return err
	})
	if err != nil {
		return Comment{}, err
	}
	return updated, nil
}

// ToggleCommentReaction removes the (user, emoji) reaction when present and
// adds it otherwise. added reports which branch ran.
func (s *PostgresStore) ToggleCommentReaction(ctx context.Context, commentID, userID, emoji string, at time.Time) (comment Comment, added bool, err error) {
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := getComment(ctx, tx, commentID); err != nil {
			return err
		}

		result, err := tx.ExecContext(ctx, `
			DELETE FROM comment_reactions
			WHERE comment_id=$1 AND user_id=$2 AND emoji=$3
		`, commentID, userID, emoji)
		if err != nil {
			return fmt.Errorf("delete comment reaction: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete comment reaction rows: %w", err)
		}
		if affected == 0 {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO comment_reactions (comment_id, user_id, emoji, created_at)
				VALUES ($1, $2, $3, $4)
			`, commentID, userID, emoji, at); err != nil {
				return fmt.Errorf("insert comment reaction: %w", err)
			}
			added = true
		}
		if _, err := tx.ExecContext(ctx, `UPDATE comments SET updated_at=$2 WHERE id=$1`, commentID, at); err != nil {
			return fmt.Errorf("touch comment %s: %w", commentID, err)
		}

		comment, err = getComment(ctx, tx, commentID)
		return err
	})
	if err != nil {
		return Comment{}, false, err
	}
	return comment, added, nil
}

// DeleteComment removes a comment; replies cascade.
func (s *PostgresStore) DeleteComment(ctx context.Context, commentID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id=$1`, commentID)
	if err != nil {
		return fmt.Errorf("delete comment %s: %w", commentID, err)
	}
	return expectAffected(result, fmt.Sprintf("delete comment %s", commentID))
}

// nullableJSON encodes a pointer value, mapping nil to SQL NULL.
func nullableJSON[T any](value *T) (any, error) {
	if value == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if string(encoded) == "null" {
		return nil, nil
	}
	return string(encoded), nil
}
