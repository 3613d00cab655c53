// Package collab is the collaboration engine: it owns live sessions, user
// presence, live-edit fan-out with field locks, comment threads,
// notifications and the activity feed for planning resources.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"civicplan/api/internal/events"
	"civicplan/api/internal/metrics"
	"civicplan/api/internal/store"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// Store is the persistence contract the engine depends on.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	FindUserByHandle(ctx context.Context, handle string) (store.User, error)

	InsertSession(ctx context.Context, session store.Session) error
	UpdateSession(ctx context.Context, session store.Session) error
	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	FindActiveSession(ctx context.Context, resourceType store.ResourceType, resourceID string, now time.Time) (store.Session, error)
	EndSession(ctx context.Context, sessionID string, at time.Time) error

	InsertComment(ctx context.Context, comment store.Comment) error
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListComments(ctx context.Context, filter store.CommentFilter) ([]store.Comment, error)
	UpdateComment(ctx context.Context, commentID string, patch store.CommentPatch, updatedAt time.Time) (store.Comment, error)
	ToggleCommentReaction(ctx context.Context, commentID, userID, emoji string, at time.Time) (store.Comment, bool, error)
	DeleteComment(ctx context.Context, commentID string) error

	InsertNotification(ctx context.Context, item store.Notification) error
	GetNotification(ctx context.Context, notificationID string) (store.Notification, error)
	ListNotifications(ctx context.Context, userID string, limit int, now time.Time) ([]store.Notification, error)
	MarkNotificationRead(ctx context.Context, notificationID string, at time.Time) (store.Notification, error)
	MarkAllNotificationsRead(ctx context.Context, userID string, at time.Time) (int64, error)
	CountUnreadNotifications(ctx context.Context, userID string, now time.Time) (int, error)
	DeleteNotification(ctx context.Context, notificationID string) error

	InsertActivity(ctx context.Context, item store.ActivityItem) error
	ListActivity(ctx context.Context, filter store.ActivityFilter) ([]store.ActivityItem, error)
}

// Transport delivers envelopes to a user's live connections. Delivery is
// best effort; the engine never waits for acknowledgement.
type Transport interface {
	Send(ctx context.Context, userID string, envelope events.Envelope) error
}

// SessionCache is a shared cache of session snapshots and presence records,
// used to rehydrate state across restarts and instances.
type SessionCache interface {
	SaveSession(ctx context.Context, session store.Session) error
	LookupSession(ctx context.Context, sessionID string) (store.Session, error)
	ResourceSession(ctx context.Context, resourceType store.ResourceType, resourceID string) (string, error)
	DeleteSession(ctx context.Context, session store.Session) error
	SavePresence(ctx context.Context, userID string, presence any, ttl time.Duration) error
}

// Mailer delivers notifications to recipients who are not connected.
type Mailer interface {
	NotifyOffline(ctx context.Context, recipient store.User, notification store.Notification) error
}

// CommentIndexer keeps an external search index in step with comments.
type CommentIndexer interface {
	IndexComment(ctx context.Context, comment store.Comment) error
	DeleteComment(ctx context.Context, commentID string) error
}

type Option func(*Engine)

func WithTransport(t Transport) Option {
	return func(e *Engine) { e.transport = t }
}

func WithBus(bus *events.Bus) Option {
	return func(e *Engine) { e.bus = bus }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger.With().Str("component", "collab").Logger() }
}

func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithSessionTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.sessionTTL = ttl
		}
	}
}

func WithEmptySessionGrace(grace time.Duration) Option {
	return func(e *Engine) {
		if grace >= 0 {
			e.emptyGrace = grace
		}
	}
}

// WithPresenceTimeouts sets the idle time after which the presence sweep
// marks users away and then offline. Zero disables that step.
func WithPresenceTimeouts(away, offline time.Duration) Option {
	return func(e *Engine) {
		e.awayAfter = away
		e.offlineAfter = offline
	}
}

func WithNotificationLimit(limit int) Option {
	return func(e *Engine) {
		if limit > 0 {
			e.notificationLimit = limit
		}
	}
}

func WithSessionCache(cache SessionCache) Option {
	return func(e *Engine) { e.cache = cache }
}

func WithMailer(mailer Mailer) Option {
	return func(e *Engine) { e.mailer = mailer }
}

func WithIndexer(indexer CommentIndexer) Option {
	return func(e *Engine) { e.indexer = indexer }
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = collector }
}

// Engine coordinates all collaboration state. It is safe for concurrent use.
// Persistence and transport calls are made outside the engine lock, so a
// read-modify-write of one session may race with another; the last write
// wins for persisted session snapshots.
type Engine struct {
	store     Store
	transport Transport
	bus       *events.Bus
	cache     SessionCache
	mailer    Mailer
	indexer   CommentIndexer
	metrics   *metrics.Collector
	logger    zerolog.Logger
	clock     func() time.Time
	users     *expirable.LRU[string, store.User]

	sessionTTL        time.Duration
	emptyGrace        time.Duration
	awayAfter         time.Duration
	offlineAfter      time.Duration
	notificationLimit int

	mu         sync.Mutex
	sessions   map[string]*liveSession
	byResource map[resourceKey]string
	presence   map[string]*Presence

	background sync.WaitGroup
}

type resourceKey struct {
	resourceType store.ResourceType
	resourceID   string
}

type liveSession struct {
	session store.Session
	locks   map[string]FieldLock
	cleanup *time.Timer
}

func New(s Store, opts ...Option) *Engine {
	e := &Engine{
		store:             s,
		logger:            zerolog.Nop(),
		clock:             time.Now,
		users:             expirable.NewLRU[string, store.User](1024, nil, 5*time.Minute),
		sessionTTL:        24 * time.Hour,
		emptyGrace:        5 * time.Minute,
		awayAfter:         2 * time.Minute,
		offlineAfter:      10 * time.Minute,
		notificationLimit: 50,
		sessions:          make(map[string]*liveSession),
		byResource:        make(map[resourceKey]string),
		presence:          make(map[string]*Presence),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.bus == nil {
		e.bus = events.NewBus(e.logger)
	}
	return e
}

// Bus exposes the in-process event bus for same-process listeners.
func (e *Engine) Bus() *events.Bus {
	return e.bus
}

// Shutdown stops pending cleanup timers and waits for background deliveries.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, ls := range e.sessions {
		if ls.cleanup != nil {
			ls.cleanup.Stop()
			ls.cleanup = nil
		}
	}
	e.mu.Unlock()
	e.background.Wait()
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// finish normalizes *errp, logs failures with the operation's ids and records
// the operation in metrics. Call it deferred from every public operation.
func (e *Engine) finish(op string, started time.Time, errp *error, fields ...string) {
	var kind string
	if *errp != nil {
		*errp = normalize(op, *errp)
		kind = string(KindOf(*errp))

		event := e.logger.Error()
		if kind != string(KindServer) {
			event = e.logger.Warn()
		}
		for i := 0; i+1 < len(fields); i += 2 {
			event = event.Str(fields[i], fields[i+1])
		}
		event.Str("op", op).Str("kind", kind).Err(errors.Unwrap(*errp)).Msg((*errp).(*Error).Message)
	}
	e.metrics.Observe(op, started, kind)
}

// user resolves identity through a short-lived LRU in front of the store.
func (e *Engine) user(ctx context.Context, userID string) (store.User, error) {
	if userID == "" {
		return store.User{}, Invalid("USER_REQUIRED", "User id is required")
	}
	if cached, ok := e.users.Get(userID); ok {
		return cached, nil
	}
	user, err := e.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, NotFound("USER_NOT_FOUND", "User not found").WithDetails(map[string]any{"userId": userID})
	}
	if err != nil {
		return store.User{}, fmt.Errorf("resolve user %s: %w", userID, err)
	}
	e.users.Add(userID, user)
	return user, nil
}

// deliver pushes an envelope to each recipient, logging failures.
func (e *Engine) deliver(ctx context.Context, recipients []string, envelope events.Envelope) {
	if e.transport == nil {
		return
	}
	for _, userID := range recipients {
		if err := e.transport.Send(ctx, userID, envelope); err != nil {
			e.logger.Debug().Err(err).Str("user_id", userID).Str("event", envelope.Type).Msg("realtime delivery failed")
		}
	}
}

func (e *Engine) envelope(eventType, sessionID string, payload any) events.Envelope {
	return events.NewEnvelope(eventType, sessionID, payload, e.now())
}

// goBackground runs fn detached from the caller's cancellation and tracked by
// Shutdown.
func (e *Engine) goBackground(ctx context.Context, fn func(ctx context.Context)) {
	e.background.Add(1)
	detached := context.WithoutCancel(ctx)
	go func() {
		defer e.background.Done()
		fn(detached)
	}()
}
