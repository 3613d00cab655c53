package collab

import (
	"context"
	"sync"
	"testing"
	"time"

	"civicplan/api/internal/collab/collabtest"
	"civicplan/api/internal/events"
	"civicplan/api/internal/store"
	"github.com/stretchr/testify/require"
)

type sentEnvelope struct {
	userID   string
	envelope events.Envelope
}

// recordingTransport captures every envelope the engine sends.
type recordingTransport struct {
	mu   sync.Mutex
	sent []sentEnvelope
	err  error
}

func (t *recordingTransport) Send(_ context.Context, userID string, envelope events.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, sentEnvelope{userID: userID, envelope: envelope})
	return t.err
}

func (t *recordingTransport) to(userID, eventType string) []events.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []events.Envelope
	for _, s := range t.sent {
		if s.userID == userID && s.envelope.Type == eventType {
			out = append(out, s.envelope)
		}
	}
	return out
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []store.Notification
}

func (m *fakeMailer) NotifyOffline(_ context.Context, _ store.User, n store.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, n)
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type fakeIndexer struct {
	mu      sync.Mutex
	indexed map[string]store.Comment
	deleted []string
}

func (f *fakeIndexer) IndexComment(_ context.Context, c store.Comment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexed == nil {
		f.indexed = map[string]store.Comment{}
	}
	f.indexed[c.ID] = c
	return nil
}

func (f *fakeIndexer) DeleteComment(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

// fakeClock is a settable clock shared by the engine under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

var (
	alice = store.User{ID: "u-alice", Handle: "alice", DisplayName: "Alice Able", Email: "alice@example.gov", Role: "editor"}
	bob   = store.User{ID: "u-bob", Handle: "bob", DisplayName: "Bob Baker", Email: "bob@example.gov", Role: "editor"}
	carol = store.User{ID: "u-carol", Handle: "carol", DisplayName: "Carol Chen", Email: "carol@example.gov", Role: "viewer"}
)

type harness struct {
	engine    *Engine
	store     *collabtest.Store
	transport *recordingTransport
	clock     *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		store:     collabtest.NewStore(alice, bob, carol),
		transport: &recordingTransport{},
		clock:     newFakeClock(),
	}
	base := []Option{WithTransport(h.transport), WithClock(h.clock.Now)}
	h.engine = New(h.store, append(base, opts...)...)
	t.Cleanup(h.engine.Shutdown)
	return h
}

func requireKind(t *testing.T, err error, kind Kind, code string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, kind, KindOf(err), "error: %v", err)
	if code != "" {
		var engineErr *Error
		require.ErrorAs(t, err, &engineErr)
		require.Equal(t, code, engineErr.Code)
	}
}
