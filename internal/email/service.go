// Package email delivers high-priority notifications by SMTP to recipients
// who are not connected.
package email

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
	"time"

	"civicplan/api/internal/store"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

var ErrNotConfigured = errors.New("email not configured")

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
	// BaseURL prefixes relative notification action links.
	BaseURL string
}

// SendFunc matches smtp.SendMail.
type SendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Service sends notification emails through a circuit breaker so a dead SMTP
// relay fails fast instead of stalling every offline notification.
type Service struct {
	config  Config
	server  string
	auth    smtp.Auth
	send    SendFunc
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

type Option func(*Service)

// WithSendFunc replaces smtp.SendMail, mainly for tests.
func WithSendFunc(fn SendFunc) Option {
	return func(s *Service) { s.send = fn }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(config Config, opts ...Option) *Service {
	s := &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		send:   smtp.SendMail,
		logger: zerolog.Nop(),
	}
	if config.Username != "" {
		s.auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	for _, opt := range opts {
		opt(s)
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "smtp",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return s
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// NotifyOffline emails a notification to its recipient.
func (s *Service) NotifyOffline(ctx context.Context, recipient store.User, n store.Notification) error {
	if !s.IsConfigured() {
		return ErrNotConfigured
	}
	if recipient.Email == "" {
		return fmt.Errorf("notify %s: recipient has no email address", recipient.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	html, err := renderTemplate(notificationEmailTemplate, notificationData{
		AppName:     "CivicPlan",
		UserName:    firstNonEmpty(recipient.DisplayName, recipient.Handle),
		Title:       n.Title,
		Message:     n.Message,
		Urgent:      n.Priority == store.PriorityUrgent,
		ActionURL:   s.actionURL(n.ActionURL),
		ActionLabel: firstNonEmpty(n.ActionLabel, "Open in CivicPlan"),
	})
	if err != nil {
		return fmt.Errorf("render notification template: %w", err)
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.sendHTML([]string{recipient.Email}, subjectFor(n), html)
	})
	if err != nil {
		return fmt.Errorf("send notification %s: %w", n.ID, err)
	}
	return nil
}

func (s *Service) sendHTML(to []string, subject, htmlBody string) error {
	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	boundary := "boundary-civicplan"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", subject)
	fmt.Fprintf(&msg, "\r\n")

	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return s.send(s.server, s.auth, s.config.From, to, msg.Bytes())
}

func (s *Service) actionURL(link string) string {
	if link == "" || strings.HasPrefix(link, "http://") || strings.HasPrefix(link, "https://") {
		return link
	}
	if s.config.BaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.config.BaseURL, "/") + "/" + strings.TrimLeft(link, "/")
}

func subjectFor(n store.Notification) string {
	subject := "[CivicPlan] " + n.Title
	if n.Priority == store.PriorityUrgent {
		subject = "[CivicPlan] Urgent: " + n.Title
	}
	return subject
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

type notificationData struct {
	AppName     string
	UserName    string
	Title       string
	Message     string
	Urgent      bool
	ActionURL   string
	ActionLabel string
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const notificationEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.Title}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #1f6f43; padding-bottom: 10px; margin-bottom: 20px; }
        .button { display: inline-block; padding: 12px 24px; background: #1f6f43; color: white; text-decoration: none; border-radius: 4px; margin: 20px 0; }
        .urgent { background: #fdecea; padding: 12px; border-radius: 4px; margin: 20px 0; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
    </div>

    <p>Hi {{.UserName}},</p>

    {{if .Urgent}}<div class="urgent"><strong>Urgent:</strong> this needs your attention.</div>{{end}}

    <h2>{{.Title}}</h2>
    {{if .Message}}<p>{{.Message}}</p>{{end}}

    {{if .ActionURL}}<p><a href="{{.ActionURL}}" class="button">{{.ActionLabel}}</a></p>{{end}}

    <div class="footer">
        <p>You received this because you were offline when the notification was sent.</p>
    </div>
</body>
</html>`
