package collab

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"civicplan/api/internal/events"
	"civicplan/api/internal/store"
	"civicplan/api/internal/util"
)

// activityPreviewLength bounds comment bodies quoted in activity and
// notification text.
const activityPreviewLength = 100

var mentionPattern = regexp.MustCompile(`(?:^|[^\w@])@([A-Za-z0-9][A-Za-z0-9._-]*)`)

type CommentInput struct {
	ResourceType  store.ResourceType `json:"resourceType"`
	ResourceID    string             `json:"resourceId"`
	ResourceTitle string             `json:"resourceTitle,omitempty"`
	ParentID      string             `json:"parentId,omitempty"`
	AuthorID      string             `json:"authorId"`
	Content       string             `json:"content"`
	Mentions      []string           `json:"mentions,omitempty"`
	Attachments   []store.Attachment `json:"attachments,omitempty"`
	Position      *store.Position    `json:"position,omitempty"`
}

// CommentDeleted is the payload of comment_deleted.
type CommentDeleted struct {
	ID           string             `json:"id"`
	ResourceType store.ResourceType `json:"resourceType"`
	ResourceID   string             `json:"resourceId"`
	ParentID     *string            `json:"parentId,omitempty"`
}

// Thread is a root comment with its replies flattened to one level.
type Thread struct {
	Comment store.Comment   `json:"comment"`
	Replies []store.Comment `json:"replies"`
}

// AddComment stores a comment, notifies mentioned users and the parent
// author of a reply, broadcasts comment_added to the resource's live session
// and records a comment activity.
func (e *Engine) AddComment(ctx context.Context, in CommentInput) (result store.Comment, err error) {
	defer e.finish("add_comment", time.Now(), &err, "resource_id", in.ResourceID, "author_id", in.AuthorID)

	if !in.ResourceType.Valid() {
		return store.Comment{}, Invalid("INVALID_RESOURCE_TYPE", "Unknown resource type")
	}
	if in.ResourceID == "" {
		return store.Comment{}, Invalid("RESOURCE_REQUIRED", "Resource id is required")
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return store.Comment{}, Invalid("CONTENT_REQUIRED", "Comment content is required")
	}
	author, err := e.user(ctx, in.AuthorID)
	if err != nil {
		return store.Comment{}, err
	}

	var parent *store.Comment
	if in.ParentID != "" {
		found, err := e.store.GetComment(ctx, in.ParentID)
		if errors.Is(err, store.ErrNotFound) {
			return store.Comment{}, NotFound("PARENT_NOT_FOUND", "Parent comment not found")
		}
		if err != nil {
			return store.Comment{}, fmt.Errorf("load parent comment: %w", err)
		}
		if found.ResourceType != in.ResourceType || found.ResourceID != in.ResourceID {
			return store.Comment{}, Invalid("PARENT_RESOURCE_MISMATCH", "Reply must target the parent's resource")
		}
		parent = &found
	}

	now := e.now()
	comment := store.Comment{
		ID:           util.NewID("cmt"),
		ResourceType: in.ResourceType,
		ResourceID:   in.ResourceID,
		AuthorID:     author.ID,
		AuthorName:   author.DisplayName,
		AuthorAvatar: author.AvatarURL,
		Content:      content,
		Mentions:     e.resolveMentions(ctx, content, in.Mentions, author.ID),
		Attachments:  in.Attachments,
		Reactions:    []store.Reaction{},
		Position:     in.Position,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if comment.Attachments == nil {
		comment.Attachments = []store.Attachment{}
	}
	if parent != nil {
		comment.ParentID = &parent.ID
	}

	if err := e.store.InsertComment(ctx, comment); err != nil {
		return store.Comment{}, fmt.Errorf("persist comment: %w", err)
	}

	e.notifyMentions(ctx, comment, author, comment.Mentions)
	if parent != nil && parent.AuthorID != author.ID && !containsString(comment.Mentions, parent.AuthorID) {
		e.notifyBestEffort(ctx, NotificationInput{
			UserID:       parent.AuthorID,
			Type:         store.NotificationComment,
			Title:        fmt.Sprintf("%s replied to your comment", author.DisplayName),
			Message:      util.Truncate(content, activityPreviewLength),
			ResourceType: comment.ResourceType,
			ResourceID:   comment.ResourceID,
			ActionURL:    commentURL(comment),
			ActionLabel:  "View reply",
			Data:         map[string]any{"commentId": comment.ID, "parentId": parent.ID},
		})
	}

	e.broadcastToResource(ctx, comment.ResourceType, comment.ResourceID, events.CommentAdded, comment)
	e.recordBestEffort(ctx, author, store.ActivityItem{
		Type:          store.ActivityComment,
		ResourceType:  comment.ResourceType,
		ResourceID:    comment.ResourceID,
		ResourceTitle: in.ResourceTitle,
		Action:        "commented",
		Description:   util.Truncate(content, activityPreviewLength),
		Metadata:      map[string]any{"commentId": comment.ID},
	})
	e.index(ctx, comment)
	return comment, nil
}

// UpdateComment merges patch into a comment. Only the author may edit. New
// @mentions introduced by a content change are notified.
func (e *Engine) UpdateComment(ctx context.Context, commentID string, patch store.CommentPatch, actingUserID string) (result store.Comment, err error) {
	defer e.finish("update_comment", time.Now(), &err, "comment_id", commentID, "user_id", actingUserID)

	existing, err := e.loadComment(ctx, commentID)
	if err != nil {
		return store.Comment{}, err
	}
	if existing.AuthorID != actingUserID {
		return store.Comment{}, Forbidden("NOT_AUTHOR", "Only the author can edit this comment")
	}
	author, err := e.user(ctx, actingUserID)
	if err != nil {
		return store.Comment{}, err
	}

	now := e.now()
	if patch.Content != nil {
		content := strings.TrimSpace(*patch.Content)
		if content == "" {
			return store.Comment{}, Invalid("CONTENT_REQUIRED", "Comment content is required")
		}
		patch.Content = &content
		explicit := existing.Mentions
		if patch.Mentions != nil {
			explicit = *patch.Mentions
		}
		mentions := e.resolveMentions(ctx, content, explicit, actingUserID)
		patch.Mentions = &mentions
	}
	if patch.Resolved != nil && *patch.Resolved {
		if patch.ResolvedBy == nil {
			patch.ResolvedBy = &actingUserID
		}
		if patch.ResolvedAt == nil {
			patch.ResolvedAt = &now
		}
	}

	updated, err := e.store.UpdateComment(ctx, commentID, patch, now)
	if err != nil {
		return store.Comment{}, err
	}

	e.notifyMentions(ctx, updated, author, newEntries(existing.Mentions, updated.Mentions))
	e.broadcastToResource(ctx, updated.ResourceType, updated.ResourceID, events.CommentUpdated, updated)

	var changes []store.FieldChange
	if existing.Content != updated.Content {
		changes = append(changes, store.FieldChange{
			Field:    "content",
			OldValue: util.Truncate(existing.Content, activityPreviewLength),
			NewValue: util.Truncate(updated.Content, activityPreviewLength),
		})
	}
	if existing.Resolved != updated.Resolved {
		changes = append(changes, store.FieldChange{Field: "resolved", OldValue: existing.Resolved, NewValue: updated.Resolved})
	}
	e.recordBestEffort(ctx, author, store.ActivityItem{
		Type:         store.ActivityUpdate,
		ResourceType: updated.ResourceType,
		ResourceID:   updated.ResourceID,
		Action:       "edited a comment",
		Description:  util.Truncate(updated.Content, activityPreviewLength),
		Changes:      changes,
		Metadata:     map[string]any{"commentId": updated.ID},
	})
	e.index(ctx, updated)
	return updated, nil
}

// ResolveComment sets or clears the resolved state. Any known user may do it.
func (e *Engine) ResolveComment(ctx context.Context, commentID, userID string, resolved bool) (result store.Comment, err error) {
	defer e.finish("resolve_comment", time.Now(), &err, "comment_id", commentID, "user_id", userID)

	actor, err := e.user(ctx, userID)
	if err != nil {
		return store.Comment{}, err
	}
	if _, err := e.loadComment(ctx, commentID); err != nil {
		return store.Comment{}, err
	}

	now := e.now()
	patch := store.CommentPatch{Resolved: &resolved}
	if resolved {
		patch.ResolvedBy = &actor.ID
		patch.ResolvedAt = &now
	}
	updated, err := e.store.UpdateComment(ctx, commentID, patch, now)
	if err != nil {
		return store.Comment{}, err
	}

	e.broadcastToResource(ctx, updated.ResourceType, updated.ResourceID, events.CommentUpdated, updated)
	item := store.ActivityItem{
		Type:         store.ActivityComplete,
		ResourceType: updated.ResourceType,
		ResourceID:   updated.ResourceID,
		Action:       "resolved a comment",
		Description:  util.Truncate(updated.Content, activityPreviewLength),
		Metadata:     map[string]any{"commentId": updated.ID},
	}
	if !resolved {
		item.Type = store.ActivityUpdate
		item.Action = "reopened a comment"
	}
	e.recordBestEffort(ctx, actor, item)
	return updated, nil
}

// ToggleReaction adds the user's emoji reaction or removes it when present.
func (e *Engine) ToggleReaction(ctx context.Context, commentID, userID, emoji string) (result store.Comment, err error) {
	defer e.finish("toggle_reaction", time.Now(), &err, "comment_id", commentID, "user_id", userID)

	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return store.Comment{}, Invalid("EMOJI_REQUIRED", "Emoji is required")
	}
	if _, err := e.user(ctx, userID); err != nil {
		return store.Comment{}, err
	}
	updated, _, err := e.store.ToggleCommentReaction(ctx, commentID, userID, emoji, e.now())
	if err != nil {
		return store.Comment{}, err
	}
	e.broadcastToResource(ctx, updated.ResourceType, updated.ResourceID, events.CommentUpdated, updated)
	return updated, nil
}

// DeleteComment hard-deletes a comment and its replies. Only the author may
// delete; a delete activity keeps the audit trail.
func (e *Engine) DeleteComment(ctx context.Context, commentID, actingUserID string) (err error) {
	defer e.finish("delete_comment", time.Now(), &err, "comment_id", commentID, "user_id", actingUserID)

	existing, err := e.loadComment(ctx, commentID)
	if err != nil {
		return err
	}
	if existing.AuthorID != actingUserID {
		return Forbidden("NOT_AUTHOR", "Only the author can delete this comment")
	}
	author, err := e.user(ctx, actingUserID)
	if err != nil {
		return err
	}
	if err := e.store.DeleteComment(ctx, commentID); err != nil {
		return err
	}

	e.broadcastToResource(ctx, existing.ResourceType, existing.ResourceID, events.CommentDeleted, CommentDeleted{
		ID:           existing.ID,
		ResourceType: existing.ResourceType,
		ResourceID:   existing.ResourceID,
		ParentID:     existing.ParentID,
	})
	e.recordBestEffort(ctx, author, store.ActivityItem{
		Type:         store.ActivityDelete,
		ResourceType: existing.ResourceType,
		ResourceID:   existing.ResourceID,
		Action:       "deleted a comment",
		Description:  util.Truncate(existing.Content, activityPreviewLength),
		Metadata:     map[string]any{"commentId": existing.ID},
	})
	if e.indexer != nil {
		if err := e.indexer.DeleteComment(ctx, existing.ID); err != nil {
			e.logger.Warn().Err(err).Str("comment_id", existing.ID).Msg("remove comment from index failed")
		}
	}
	return nil
}

func (e *Engine) Comment(ctx context.Context, commentID string) (result store.Comment, err error) {
	defer e.finish("get_comment", time.Now(), &err, "comment_id", commentID)
	return e.loadComment(ctx, commentID)
}

// ListComments returns a resource's comments oldest first.
func (e *Engine) ListComments(ctx context.Context, resourceType store.ResourceType, resourceID string) (result []store.Comment, err error) {
	defer e.finish("list_comments", time.Now(), &err, "resource_id", resourceID)

	if !resourceType.Valid() || resourceID == "" {
		return nil, Invalid("RESOURCE_REQUIRED", "A valid resource is required")
	}
	return e.store.ListComments(ctx, store.CommentFilter{ResourceType: resourceType, ResourceID: resourceID})
}

// BuildThreads groups comments into root threads. Replies of replies are
// attached to their root so rendering never nests deeper than two levels.
// Comments whose parent is missing are treated as roots.
func BuildThreads(comments []store.Comment) []Thread {
	byID := make(map[string]store.Comment, len(comments))
	for _, c := range comments {
		byID[c.ID] = c
	}

	rootOf := func(c store.Comment) string {
		seen := map[string]bool{c.ID: true}
		current := c
		for current.ParentID != nil {
			parent, ok := byID[*current.ParentID]
			if !ok || seen[parent.ID] {
				break
			}
			seen[parent.ID] = true
			current = parent
		}
		return current.ID
	}

	threads := make(map[string]*Thread)
	var order []string
	for _, c := range comments {
		root := rootOf(c)
		thread, ok := threads[root]
		if !ok {
			thread = &Thread{Comment: byID[root], Replies: []store.Comment{}}
			threads[root] = thread
			order = append(order, root)
		}
		if root != c.ID {
			thread.Replies = append(thread.Replies, c)
		}
	}

	out := make([]Thread, 0, len(order))
	for _, id := range order {
		thread := threads[id]
		sort.SliceStable(thread.Replies, func(i, j int) bool {
			return thread.Replies[i].CreatedAt.Before(thread.Replies[j].CreatedAt)
		})
		out = append(out, *thread)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Comment.CreatedAt.Before(out[j].Comment.CreatedAt)
	})
	return out
}

// ExtractMentionHandles returns the distinct @handles in content in order of
// appearance, without the @ and without trailing punctuation.
func ExtractMentionHandles(content string) []string {
	var handles []string
	seen := map[string]bool{}
	for _, match := range mentionPattern.FindAllStringSubmatch(content, -1) {
		handle := strings.TrimRight(match[1], "._-")
		key := strings.ToLower(handle)
		if handle == "" || seen[key] {
			continue
		}
		seen[key] = true
		handles = append(handles, handle)
	}
	return handles
}

// resolveMentions unions explicit user ids with the users behind @handles in
// content, dropping duplicates, unknown handles and the author.
func (e *Engine) resolveMentions(ctx context.Context, content string, explicit []string, authorID string) []string {
	out := make([]string, 0, len(explicit))
	add := func(userID string) {
		if userID == "" || userID == authorID || containsString(out, userID) {
			return
		}
		out = append(out, userID)
	}
	for _, id := range explicit {
		add(strings.TrimSpace(id))
	}
	for _, handle := range ExtractMentionHandles(content) {
		user, err := e.store.FindUserByHandle(ctx, handle)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				e.logger.Warn().Err(err).Str("handle", handle).Msg("resolve mention failed")
			}
			continue
		}
		add(user.ID)
	}
	return out
}

func (e *Engine) notifyMentions(ctx context.Context, comment store.Comment, author store.User, recipients []string) {
	for _, userID := range recipients {
		e.notifyBestEffort(ctx, NotificationInput{
			UserID:       userID,
			Type:         store.NotificationMention,
			Title:        fmt.Sprintf("%s mentioned you", author.DisplayName),
			Message:      util.Truncate(comment.Content, activityPreviewLength),
			ResourceType: comment.ResourceType,
			ResourceID:   comment.ResourceID,
			ActionURL:    commentURL(comment),
			ActionLabel:  "View comment",
			Data:         map[string]any{"commentId": comment.ID, "authorId": author.ID},
		})
	}
}

func (e *Engine) notifyBestEffort(ctx context.Context, in NotificationInput) {
	if _, err := e.CreateNotification(ctx, in); err != nil {
		e.logger.Warn().Err(err).Str("user_id", in.UserID).Str("type", string(in.Type)).Msg("comment notification failed")
	}
}

// broadcastToResource publishes on the bus and delivers to every online
// participant of the resource's live session, if there is one.
func (e *Engine) broadcastToResource(ctx context.Context, resourceType store.ResourceType, resourceID, eventType string, payload any) {
	e.bus.Publish(eventType, payload)

	e.mu.Lock()
	sessionID, ok := e.byResource[resourceKey{resourceType: resourceType, resourceID: resourceID}]
	var recipients []string
	if ok {
		if ls, live := e.sessions[sessionID]; live {
			recipients = onlineRecipients(ls.session, "")
		}
	}
	e.mu.Unlock()

	if len(recipients) > 0 {
		e.deliver(ctx, recipients, e.envelope(eventType, sessionID, payload))
	}
}

func (e *Engine) loadComment(ctx context.Context, commentID string) (store.Comment, error) {
	if commentID == "" {
		return store.Comment{}, Invalid("COMMENT_REQUIRED", "Comment id is required")
	}
	comment, err := e.store.GetComment(ctx, commentID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Comment{}, NotFound("COMMENT_NOT_FOUND", "Comment not found").WithDetails(map[string]any{"commentId": commentID})
	}
	if err != nil {
		return store.Comment{}, fmt.Errorf("load comment %s: %w", commentID, err)
	}
	return comment, nil
}

func (e *Engine) index(ctx context.Context, comment store.Comment) {
	if e.indexer == nil {
		return
	}
	if err := e.indexer.IndexComment(ctx, comment); err != nil {
		e.logger.Warn().Err(err).Str("comment_id", comment.ID).Msg("index comment failed")
	}
}

func commentURL(comment store.Comment) string {
	return fmt.Sprintf("/%ss/%s?comment=%s", comment.ResourceType, comment.ResourceID, comment.ID)
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}

// newEntries returns the values in next that are not in previous.
func newEntries(previous, next []string) []string {
	var out []string
	for _, v := range next {
		if !containsString(previous, v) {
			out = append(out, v)
		}
	}
	return out
}
