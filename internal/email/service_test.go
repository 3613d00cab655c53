package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"

	"civicplan/api/internal/store"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var configured = Config{
	Host:     "smtp.example.com",
	Port:     "587",
	From:     "noreply@civicplan.test",
	FromName: "CivicPlan",
	BaseURL:  "https://plans.example.gov",
}

type capturedMail struct {
	addr string
	to   []string
	msg  string
}

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{name: "empty config", config: Config{}, expected: false},
		{name: "missing host", config: Config{Port: "587", From: "test@example.com"}, expected: false},
		{name: "missing port", config: Config{Host: "smtp.example.com", From: "test@example.com"}, expected: false},
		{name: "missing from", config: Config{Host: "smtp.example.com", Port: "587"}, expected: false},
		{name: "fully configured", config: Config{Host: "smtp.example.com", Port: "587", From: "test@example.com"}, expected: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NewService(tt.config).IsConfigured())
		})
	}
}

func TestNotifyOfflineSendsRenderedMail(t *testing.T) {
	var sent []capturedMail
	svc := NewService(configured, WithSendFunc(func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		sent = append(sent, capturedMail{addr: addr, to: to, msg: string(msg)})
		return nil
	}))

	err := svc.NotifyOffline(context.Background(),
		store.User{ID: "u-ben", DisplayName: "Ben Ortiz", Email: "ben@example.gov"},
		store.Notification{
			ID:        "ntf_1",
			Title:     "Budget review due",
			Message:   "The FY27 budget needs sign-off.",
			Priority:  store.PriorityUrgent,
			ActionURL: "/plans/P1",
		})
	require.NoError(t, err)

	require.Len(t, sent, 1)
	assert.Equal(t, "smtp.example.com:587", sent[0].addr)
	assert.Equal(t, []string{"ben@example.gov"}, sent[0].to)
	assert.Contains(t, sent[0].msg, "Subject: [CivicPlan] Urgent: Budget review due")
	assert.Contains(t, sent[0].msg, "From: CivicPlan <noreply@civicplan.test>")
	assert.Contains(t, sent[0].msg, "Hi Ben Ortiz")
	assert.Contains(t, sent[0].msg, `href="https://plans.example.gov/plans/P1"`)
	assert.Contains(t, sent[0].msg, "Open in CivicPlan")
}

func TestNotifyOfflineRejectsUnusableInput(t *testing.T) {
	calls := 0
	send := WithSendFunc(func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		return nil
	})

	err := NewService(Config{}, send).NotifyOffline(context.Background(), store.User{Email: "a@b.c"}, store.Notification{})
	assert.ErrorIs(t, err, ErrNotConfigured)

	err = NewService(configured, send).NotifyOffline(context.Background(), store.User{ID: "u-x"}, store.Notification{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = NewService(configured, send).NotifyOffline(ctx, store.User{ID: "u-x", Email: "x@example.gov"}, store.Notification{})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Zero(t, calls)
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	calls := 0
	relayDown := errors.New("connection refused")
	svc := NewService(configured, WithSendFunc(func(string, smtp.Auth, string, []string, []byte) error {
		calls++
		return relayDown
	}))
	user := store.User{ID: "u-ben", Email: "ben@example.gov"}

	for i := 0; i < 3; i++ {
		err := svc.NotifyOffline(context.Background(), user, store.Notification{ID: "ntf", Title: "x"})
		require.ErrorIs(t, err, relayDown)
	}
	err := svc.NotifyOffline(context.Background(), user, store.Notification{ID: "ntf", Title: "x"})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, calls)
}

func TestActionURL(t *testing.T) {
	svc := NewService(configured)
	assert.Equal(t, "https://plans.example.gov/goals/G1", svc.actionURL("goals/G1"))
	assert.Equal(t, "https://other.example/x", svc.actionURL("https://other.example/x"))
	assert.Empty(t, svc.actionURL(""))
	assert.Empty(t, NewService(Config{}).actionURL("/plans/P1"))
}

func TestRenderNotificationTemplateEscapes(t *testing.T) {
	html, err := renderTemplate(notificationEmailTemplate, notificationData{
		AppName:  "CivicPlan",
		UserName: "Test User",
		Title:    "<script>alert(1)</script>",
	})
	require.NoError(t, err)
	assert.False(t, strings.Contains(html, "<script>alert(1)</script>"))
	assert.NotContains(t, html, "Urgent:")
}
