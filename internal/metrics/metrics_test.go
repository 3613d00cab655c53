package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.SessionOpened()
		c.SessionClosed()
		c.ConnectionOpened()
		c.MessageSent("pong")
		c.Observe("join_session", time.Now(), "forbidden")
	})
	assert.Nil(t, c.Registry())
}

func TestSessionGaugeTracksOpenAndClose(t *testing.T) {
	c := New()
	c.SessionOpened()
	c.SessionOpened()
	c.SessionClosed()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.ActiveSessions))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.SessionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SessionsCleanedUp))
}

func TestObserveCountsFailuresByKind(t *testing.T) {
	c := New()
	c.Observe("update_comment", time.Now(), "")
	c.Observe("update_comment", time.Now(), "forbidden")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.OperationErrors.WithLabelValues("update_comment", "forbidden")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.EditBroadcast("insert")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `civicplan_live_edits_total{operation="insert"} 1`)
}

func TestHTTPRequestBucketsStatus(t *testing.T) {
	c := New()
	c.HTTPRequest("GET", 200)
	c.HTTPRequest("GET", 204)
	c.HTTPRequest("POST", 422)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("GET", "2xx")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.HTTPRequests.WithLabelValues("POST", "4xx")))
}
