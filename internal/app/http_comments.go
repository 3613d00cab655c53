package app

import (
	"errors"
	"net/http"
	"strings"

	"civicplan/api/internal/attachments"
	"civicplan/api/internal/collab"
	"civicplan/api/internal/search"
	"civicplan/api/internal/store"
)

// uploadOverhead is the multipart framing allowed on top of the file itself.
const uploadOverhead = 1 << 20

// handleResources serves /api/resources/{type}/{id}/{comments|threads|activity|attachments}.
func (s *HTTPServer) handleResources(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	resourceType, resourceID := store.ResourceType(parts[0]), parts[1]

	switch {
	case parts[2] == "comments" && r.Method == http.MethodGet:
		comments, err := s.engine.ListComments(r.Context(), resourceType, resourceID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(comments)})
	case parts[2] == "comments" && r.Method == http.MethodPost:
		var in collab.CommentInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		in.ResourceType, in.ResourceID, in.AuthorID = resourceType, resourceID, session.UserID
		comment, err := s.engine.AddComment(r.Context(), in)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, comment)
	case parts[2] == "threads" && r.Method == http.MethodGet:
		comments, err := s.engine.ListComments(r.Context(), resourceType, resourceID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(collab.BuildThreads(comments))})
	case parts[2] == "activity" && r.Method == http.MethodGet:
		items, err := s.engine.ActivityForResource(r.Context(), resourceType, resourceID, queryInt(r, "limit", 0))
		if err != nil {
			s.fail(w, err)
			return
		}
		s.writeActivity(w, r, items)
	case parts[2] == "activity" && r.Method == http.MethodPost:
		var in collab.ActivityInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		in.ResourceType, in.ResourceID, in.ActorID = resourceType, resourceID, session.UserID
		item, err := s.engine.RecordActivity(r.Context(), in)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, item)
	case parts[2] == "attachments" && r.Method == http.MethodPost:
		s.handleUpload(w, r, resourceType, resourceID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	if len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet {
		s.handleSearch(w, r)
		return
	}
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	commentID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		comment, err := s.engine.Comment(r.Context(), commentID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, comment)
	case len(parts) == 1 && r.Method == http.MethodPatch:
		var body struct {
			Content     *string             `json:"content"`
			Mentions    *[]string           `json:"mentions"`
			Attachments *[]store.Attachment `json:"attachments"`
			Position    *store.Position     `json:"position"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.engine.UpdateComment(r.Context(), commentID, store.CommentPatch{
			Content:     body.Content,
			Mentions:    body.Mentions,
			Attachments: body.Attachments,
			Position:    body.Position,
		}, session.UserID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.engine.DeleteComment(r.Context(), commentID, session.UserID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case len(parts) == 2 && parts[1] == "resolve" && r.Method == http.MethodPost:
		body := struct {
			Resolved *bool `json:"resolved"`
		}{}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		resolved := body.Resolved == nil || *body.Resolved
		comment, err := s.engine.ResolveComment(r.Context(), commentID, session.UserID, resolved)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, comment)
	case len(parts) == 2 && parts[1] == "reactions" && r.Method == http.MethodPost:
		var body struct {
			Emoji string `json:"emoji"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := s.engine.ToggleReaction(r.Context(), commentID, session.UserID, body.Emoji)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, comment)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	if s.search == nil {
		writeError(w, http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
		return
	}
	query := r.URL.Query()
	text := strings.TrimSpace(query.Get("q"))
	if text == "" {
		writeError(w, http.StatusUnprocessableEntity, "QUERY_REQUIRED", "Search query is required", nil)
		return
	}
	resp := s.search.Search(r.Context(), search.Query{
		Text:         text,
		ResourceType: store.ResourceType(query.Get("resourceType")),
		ResourceID:   query.Get("resourceId"),
		Limit:        queryInt(r, "limit", 0),
		Offset:       queryInt(r, "offset", 0),
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request, resourceType store.ResourceType, resourceID string) {
	if s.attachments == nil {
		writeError(w, http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured", nil)
		return
	}
	if !resourceType.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "INVALID_RESOURCE_TYPE", "Unknown resource type", nil)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, attachments.DefaultMaxSize+uploadOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.fail(w, attachments.ErrTooLarge)
			return
		}
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Multipart field \"file\" is required", nil)
		return
	}
	defer file.Close()

	attachment, err := s.attachments.Put(r.Context(), attachments.Upload{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Name:         header.Filename,
		ContentType:  header.Header.Get("Content-Type"),
		Size:         header.Size,
		Body:         file,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, attachment)
}

// handleAttachmentLink serves /api/attachments/link?key=.
func (s *HTTPServer) handleAttachmentLink(w http.ResponseWriter, r *http.Request, parts []string) {
	if len(parts) != 1 || parts[0] != "link" || r.Method != http.MethodGet {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	if s.attachments == nil {
		writeError(w, http.StatusServiceUnavailable, "ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured", nil)
		return
	}
	link, err := s.attachments.PresignedURL(r.Context(), r.URL.Query().Get("key"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": link})
}
