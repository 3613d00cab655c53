package app

import (
	"net/http"

	"civicplan/api/internal/collab"
)

// roleAdmin is the account role allowed to send notifications to other users.
const roleAdmin = "admin"

func (s *HTTPServer) handleNotifications(w http.ResponseWriter, r *http.Request, session Session, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		items, err := s.engine.GetUserNotifications(r.Context(), session.UserID, queryInt(r, "limit", 0))
		if err != nil {
			s.fail(w, err)
			return
		}
		unread, err := s.engine.UnreadCount(r.Context(), session.UserID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items), "unread": unread})
	case len(parts) == 0 && r.Method == http.MethodPost:
		if session.Role != roleAdmin {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var in collab.NotificationInput
		if err := decodeBody(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		created, err := s.engine.CreateNotification(r.Context(), in)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case len(parts) == 1 && parts[0] == "unread-count" && r.Method == http.MethodGet:
		unread, err := s.engine.UnreadCount(r.Context(), session.UserID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"unread": unread})
	case len(parts) == 1 && parts[0] == "read-all" && r.Method == http.MethodPost:
		updated, err := s.engine.MarkAllAsRead(r.Context(), session.UserID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"updated": updated})
	case len(parts) == 2 && parts[1] == "read" && r.Method == http.MethodPost:
		s.markRead(w, r, session, parts[0])
	case len(parts) == 1 && r.Method == http.MethodPatch:
		var body struct {
			Read bool `json:"read"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if !body.Read {
			writeError(w, http.StatusUnprocessableEntity, "UNSUPPORTED_PATCH", "Notifications can only be marked as read", nil)
			return
		}
		s.markRead(w, r, session, parts[0])
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.engine.DeleteNotification(r.Context(), parts[0], session.UserID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) markRead(w http.ResponseWriter, r *http.Request, session Session, notificationID string) {
	item, err := s.engine.MarkNotificationAsRead(r.Context(), notificationID, session.UserID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}
