package app

import (
	"net/http"
	"testing"

	"civicplan/api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notificationList struct {
	Items  []store.Notification `json:"items"`
	Unread int                  `json:"unread"`
}

func TestNotificationRoutes(t *testing.T) {
	h := newHarness(t, Options{})

	rr := h.do(t, &ana, http.MethodPost, "/api/notifications", `{"userId":"u-ben","type":"system","title":"Hi"}`)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = h.do(t, &clerk, http.MethodPost, "/api/notifications", `{"userId":"u-ben","type":"deadline","title":"Budget due Friday","priority":"high"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	first := decode[store.Notification](t, rr)
	assert.Equal(t, store.PriorityHigh, first.Priority)

	rr = h.do(t, &clerk, http.MethodPost, "/api/notifications", `{"userId":"u-ben","type":"system","title":"Maintenance tonight"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	second := decode[store.Notification](t, rr)
	assert.Equal(t, store.PriorityMedium, second.Priority)

	rr = h.do(t, &ben, http.MethodGet, "/api/notifications", "")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[notificationList](t, rr)
	assert.Len(t, list.Items, 2)
	assert.Equal(t, 2, list.Unread)

	rr = h.do(t, &ana, http.MethodGet, "/api/notifications", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[notificationList](t, rr).Items)

	rr = h.do(t, &ana, http.MethodPost, "/api/notifications/"+first.ID+"/read", "")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, "NOT_RECIPIENT", decode[map[string]any](t, rr)["code"])

	rr = h.do(t, &ben, http.MethodPost, "/api/notifications/"+first.ID+"/read", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, decode[store.Notification](t, rr).Read)

	rr = h.do(t, &ben, http.MethodGet, "/api/notifications/unread-count", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1.0, decode[map[string]any](t, rr)["unread"])

	rr = h.do(t, &ben, http.MethodPatch, "/api/notifications/"+second.ID, `{"read":false}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	rr = h.do(t, &ben, http.MethodPatch, "/api/notifications/"+second.ID, `{"read":true}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, &ben, http.MethodPost, "/api/notifications/read-all", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 0.0, decode[map[string]any](t, rr)["updated"])

	assert.Equal(t, http.StatusForbidden, h.do(t, &ana, http.MethodDelete, "/api/notifications/"+first.ID, "").Code)
	require.Equal(t, http.StatusOK, h.do(t, &ben, http.MethodDelete, "/api/notifications/"+first.ID, "").Code)
	assert.Equal(t, http.StatusNotFound, h.do(t, &ben, http.MethodDelete, "/api/notifications/"+first.ID, "").Code)

	rr = h.do(t, &ben, http.MethodGet, "/api/notifications", "")
	list = decode[notificationList](t, rr)
	require.Len(t, list.Items, 1)
	assert.Equal(t, second.ID, list.Items[0].ID)
	assert.Zero(t, list.Unread)
}

func TestCreateNotificationValidation(t *testing.T) {
	h := newHarness(t, Options{})

	tests := []struct {
		name     string
		body     string
		wantCode string
	}{
		{name: "no recipient", body: `{"type":"system","title":"x"}`, wantCode: "RECIPIENT_REQUIRED"},
		{name: "bad type", body: `{"userId":"u-ben","type":"gossip","title":"x"}`, wantCode: "INVALID_NOTIFICATION_TYPE"},
		{name: "no title", body: `{"userId":"u-ben","type":"system","title":"  "}`, wantCode: "TITLE_REQUIRED"},
		{name: "bad priority", body: `{"userId":"u-ben","type":"system","title":"x","priority":"meh"}`, wantCode: "INVALID_PRIORITY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := h.do(t, &clerk, http.MethodPost, "/api/notifications", tt.body)
			require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
			assert.Equal(t, tt.wantCode, decode[map[string]any](t, rr)["code"])
		})
	}
}

func TestMentionNotifiesThroughREST(t *testing.T) {
	h := newHarness(t, Options{})

	rr := h.do(t, &ana, http.MethodPost, "/api/resources/goal/G2/comments", `{"content":"@ben please review"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = h.do(t, &ben, http.MethodGet, "/api/notifications", "")
	list := decode[notificationList](t, rr)
	require.Len(t, list.Items, 1)
	assert.Equal(t, store.NotificationMention, list.Items[0].Type)
	assert.Equal(t, store.ResourceGoal, list.Items[0].ResourceType)
}
