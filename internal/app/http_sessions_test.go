package app

import (
	"context"
	"net/http"
	"testing"

	"civicplan/api/internal/collab"
	"civicplan/api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoutes(t *testing.T) {
	h := newHarness(t, Options{})

	rr := h.do(t, &ana, http.MethodPost, "/api/sessions", `{"resourceType":"goal","resourceId":"G7"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	created := decode[store.Session](t, rr)
	require.Len(t, created.Participants, 1)
	assert.Equal(t, "owner", created.Participants[0].Role)

	rr = h.do(t, &ben, http.MethodPost, "/api/sessions/"+created.ID+"/join", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	joined := decode[store.Session](t, rr)
	assert.Len(t, joined.Participants, 2)
	assert.ElementsMatch(t, []string{"u-ana", "u-ben"}, joined.ActiveEditors)

	_, err := h.engine.LockField(context.Background(), created.ID, ben.ID, "title")
	require.NoError(t, err)
	rr = h.do(t, &ana, http.MethodGet, "/api/sessions/"+created.ID+"/locks", "")
	require.Equal(t, http.StatusOK, rr.Code)
	locks := decode[struct{ Items []collab.FieldLock }](t, rr).Items
	require.Len(t, locks, 1)
	assert.Equal(t, "title", locks[0].Path)
	assert.Equal(t, "u-ben", locks[0].UserID)

	rr = h.do(t, &ben, http.MethodPost, "/api/sessions/"+created.ID+"/leave", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, &ana, http.MethodGet, "/api/sessions/"+created.ID, "")
	require.Equal(t, http.StatusOK, rr.Code)
	got := decode[store.Session](t, rr)
	assert.Equal(t, []string{"u-ana"}, got.ActiveEditors)

	rr = h.do(t, &ana, http.MethodGet, "/api/sessions/ses_missing", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr = h.do(t, &ana, http.MethodGet, "/api/sessions/ses_missing/locks", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestCreateSessionValidation(t *testing.T) {
	h := newHarness(t, Options{})

	rr := h.do(t, &ana, http.MethodPost, "/api/sessions", `{"resourceType":"report","resourceId":"R1"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	body := decode[map[string]any](t, rr)
	assert.Equal(t, "INVALID_RESOURCE_TYPE", body["code"])
	assert.Equal(t, map[string]any{"resourceType": "report"}, body["details"])

	assert.Equal(t, http.StatusMethodNotAllowed, h.do(t, &ana, http.MethodGet, "/api/sessions", "").Code)
}

func TestPresenceRoutes(t *testing.T) {
	h := newHarness(t, Options{})

	rr := h.do(t, &ana, http.MethodPut, "/api/presence", `{"status":"away","activity":"viewing","currentResource":{"type":"plan","id":"P1"}}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	updated := decode[collab.Presence](t, rr)
	assert.Equal(t, store.StatusAway, updated.Status)
	assert.Equal(t, collab.ActivityViewing, updated.Activity)

	rr = h.do(t, &ben, http.MethodGet, "/api/presence/u-ana", "")
	require.Equal(t, http.StatusOK, rr.Code)
	seen := decode[collab.Presence](t, rr)
	assert.Equal(t, "u-ana", seen.UserID)
	assert.Equal(t, store.StatusAway, seen.Status)
	require.NotNil(t, seen.CurrentResource)
	assert.Equal(t, "P1", seen.CurrentResource.ID)

	rr = h.do(t, &ben, http.MethodGet, "/api/presence/u-nobody", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, store.StatusOffline, decode[collab.Presence](t, rr).Status)
}

func TestActivityRoutes(t *testing.T) {
	h := newHarness(t, Options{})

	rr := h.do(t, &ana, http.MethodPost, "/api/resources/initiative/I3/activity", `{"type":"update","resourceTitle":"Bike Lanes","action":"updated","description":"Changed the budget","changes":[{"field":"budget","oldValue":10,"newValue":12}]}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	item := decode[store.ActivityItem](t, rr)
	assert.Equal(t, "u-ana", item.ActorID)
	assert.Equal(t, "Ana Ruiz", item.ActorName)

	rr = h.do(t, &ana, http.MethodPost, "/api/resources/initiative/I3/comments", `{"content":"Done"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	rr = h.do(t, &ben, http.MethodGet, "/api/resources/initiative/I3/activity?limit=1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	items := decode[struct{ Items []store.ActivityItem }](t, rr).Items
	require.Len(t, items, 1)
	assert.Equal(t, store.ActivityComment, items[0].Type)

	rr = h.do(t, &ben, http.MethodGet, "/api/users/u-ana/activity", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[struct{ Items []store.ActivityItem }](t, rr).Items, 2)

	rr = h.do(t, &ben, http.MethodGet, "/api/resources/initiative/I3/activity?group=day&tz=America/Chicago", "")
	require.Equal(t, http.StatusOK, rr.Code)
	days := decode[struct{ Days []collab.ActivityDay }](t, rr).Days
	require.NotEmpty(t, days)
	total := 0
	for _, day := range days {
		total += len(day.Items)
	}
	assert.Equal(t, 2, total)

	rr = h.do(t, &ben, http.MethodGet, "/api/resources/initiative/I3/activity?group=day&tz=Mars/Olympus", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Equal(t, "INVALID_TIMEZONE", decode[map[string]any](t, rr)["code"])
}

func TestSessionActivity(t *testing.T) {
	h := newHarness(t, Options{})

	created, err := h.engine.CreateSession(context.Background(), "D1", store.ResourceDashboard, ana.ID)
	require.NoError(t, err)
	_, err = h.engine.AddComment(context.Background(), collab.CommentInput{ResourceType: store.ResourceDashboard, ResourceID: "D1", AuthorID: ben.ID, Content: "Chart is stale"})
	require.NoError(t, err)
	_, err = h.engine.AddComment(context.Background(), collab.CommentInput{ResourceType: store.ResourceDashboard, ResourceID: "D2", AuthorID: ben.ID, Content: "Elsewhere"})
	require.NoError(t, err)

	rr := h.do(t, &ana, http.MethodGet, "/api/sessions/"+created.ID+"/activity", "")
	require.Equal(t, http.StatusOK, rr.Code)
	items := decode[struct{ Items []store.ActivityItem }](t, rr).Items
	require.NotEmpty(t, items)
	for _, item := range items {
		assert.Equal(t, "D1", item.ResourceID)
	}
}
