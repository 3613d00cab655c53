package editor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"civicplan/api/internal/collab"
	"civicplan/api/internal/collab/collabtest"
	"civicplan/api/internal/events"
	"civicplan/api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fieldTransport hands every live edit sent to a user to that user's field.
type fieldTransport struct {
	mu     sync.Mutex
	fields map[string]*Field
	got    map[string][]Outcome
}

func (t *fieldTransport) Send(_ context.Context, userID string, envelope events.Envelope) error {
	if envelope.Type != events.LiveEdit {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if f, ok := t.fields[userID]; ok {
		t.got[userID] = append(t.got[userID], f.ApplyRemote(envelope.Payload.(collab.LiveEdit)))
	}
	return nil
}

func TestReplicasConvergeThroughEngine(t *testing.T) {
	alice := store.User{ID: "u-alice", Handle: "alice", DisplayName: "Alice Able", Role: "editor"}
	bob := store.User{ID: "u-bob", Handle: "bob", DisplayName: "Bob Baker", Role: "editor"}

	run := func(t *testing.T, bobTypes string) (*Field, []Outcome) {
		bobField := NewField("description", "Draft v1", Options{})
		t.Cleanup(bobField.Close)
		transport := &fieldTransport{fields: map[string]*Field{bob.ID: bobField}, got: map[string][]Outcome{}}
		engine := collab.New(collabtest.NewStore(alice, bob), collab.WithTransport(transport))
		t.Cleanup(engine.Shutdown)

		ctx := context.Background()
		session, err := engine.CreateSession(ctx, "G1", store.ResourceGoal, alice.ID)
		require.NoError(t, err)
		_, err = engine.JoinSession(ctx, session.ID, bob.ID)
		require.NoError(t, err)

		if bobTypes != "" {
			bobField.Edit(bobTypes)
		}
		_, err = engine.BroadcastEdit(ctx, collab.LiveEdit{
			SessionID: session.ID,
			UserID:    alice.ID,
			Operation: collab.OpReplace,
			Path:      "description",
			OldValue:  "Draft v1",
			NewValue:  "Draft v2",
		})
		require.NoError(t, err)
		return bobField, transport.got[bob.ID]
	}

	t.Run("clean replica applies the edit", func(t *testing.T) {
		field, outcomes := run(t, "")
		assert.Equal(t, []Outcome{Applied}, outcomes)
		assert.Equal(t, "Draft v2", field.Content())
		assert.Empty(t, field.Conflicts())
		assert.False(t, field.HasUnsavedChanges())
	})

	t.Run("unsaved local change queues one conflict", func(t *testing.T) {
		field, outcomes := run(t, "Draft v3")
		assert.Equal(t, []Outcome{Conflicted}, outcomes)
		assert.Equal(t, "Draft v3", field.Content())
		conflicts := field.Conflicts()
		require.Len(t, conflicts, 1)
		assert.NotEmpty(t, conflicts[0].EditID)
		assert.Equal(t, alice.ID, conflicts[0].UserID)
		assert.Equal(t, "Alice Able", conflicts[0].UserName)
		assert.Equal(t, "Draft v2", conflicts[0].Content)
	})
}

func TestApplyRemote(t *testing.T) {
	tests := []struct {
		name      string
		local     string
		edit      collab.LiveEdit
		want      Outcome
		content   string
		conflicts int
		dirty     bool
	}{
		{
			name:    "other path",
			edit:    collab.LiveEdit{Operation: collab.OpReplace, Path: "title", NewValue: "x"},
			want:    Ignored,
			content: "hello world",
		},
		{
			name:    "unknown operation",
			edit:    collab.LiveEdit{Operation: "merge", Path: "body", NewValue: "x"},
			want:    Ignored,
			content: "hello world",
		},
		{
			name:    "replace on clean field",
			edit:    collab.LiveEdit{Operation: collab.OpUpdate, Path: "body", NewValue: "goodbye"},
			want:    Applied,
			content: "goodbye",
		},
		{
			name:    "identical replace on dirty field settles it",
			local:   "hello there",
			edit:    collab.LiveEdit{Operation: collab.OpReplace, Path: "body", NewValue: "hello there"},
			want:    Applied,
			content: "hello there",
		},
		{
			name:      "replace on dirty field conflicts",
			local:     "hello there",
			edit:      collab.LiveEdit{Operation: collab.OpReplace, Path: "body", NewValue: "goodbye"},
			want:      Conflicted,
			content:   "hello there",
			conflicts: 1,
			dirty:     true,
		},
		{
			name:    "insert",
			edit:    collab.LiveEdit{Operation: collab.OpInsert, Path: "body", Position: 5, NewValue: ","},
			want:    Applied,
			content: "hello, world",
		},
		{
			name:    "insert past the end appends",
			edit:    collab.LiveEdit{Operation: collab.OpInsert, Path: "body", Position: 99, NewValue: "!"},
			want:    Applied,
			content: "hello world!",
		},
		{
			name:    "delete clamps length",
			edit:    collab.LiveEdit{Operation: collab.OpDelete, Path: "body", Position: 5, Length: 50},
			want:    Applied,
			content: "hello",
		},
		{
			name:    "insert into dirty field keeps it dirty",
			local:   "hello world again",
			edit:    collab.LiveEdit{Operation: collab.OpInsert, Path: "body", Position: 0, NewValue: ">"},
			want:    Applied,
			content: ">hello world again",
			dirty:   true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewField("body", "hello world", Options{Debounce: time.Hour})
			defer f.Close()
			if tt.local != "" {
				f.Edit(tt.local)
			}
			assert.Equal(t, tt.want, f.ApplyRemote(tt.edit))
			assert.Equal(t, tt.content, f.Content())
			assert.Len(t, f.Conflicts(), tt.conflicts)
			assert.Equal(t, tt.dirty, f.HasUnsavedChanges())
		})
	}
}

func TestInsertCountsRunes(t *testing.T) {
	f := NewField("body", "café au lait", Options{})
	defer f.Close()
	f.ApplyRemote(collab.LiveEdit{Operation: collab.OpInsert, Path: "body", Position: 4, NewValue: "!"})
	assert.Equal(t, "café! au lait", f.Content())
}

func TestSaveInFlightKeepsAcceptedBaseline(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var saved []string
	f := NewField("summary", "Draft", Options{
		Debounce: time.Hour,
		Saver: func(_ context.Context, _ string, content string) error {
			saved = append(saved, content)
			close(started)
			<-release
			return nil
		},
	})
	defer f.Close()

	f.Edit("Draft v3")
	require.Equal(t, Conflicted, f.ApplyRemote(collab.LiveEdit{ID: "e-2", Operation: collab.OpReplace, Path: "summary", NewValue: "Draft v2"}))
	conflict := f.Conflicts()[0]

	done := make(chan error, 1)
	go func() { done <- f.Save(context.Background()) }()
	<-started
	require.NoError(t, f.Accept(conflict.ID))
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, []string{"Draft v3"}, saved)
	assert.Equal(t, "Draft v2", f.Content())
	assert.False(t, f.HasUnsavedChanges())
	assert.False(t, f.LastSaved().IsZero())

	outcome := f.ApplyRemote(collab.LiveEdit{ID: "e-4", Operation: collab.OpReplace, Path: "summary", NewValue: "Draft v4"})
	assert.Equal(t, Applied, outcome)
	assert.Empty(t, f.Conflicts())
	assert.Equal(t, "Draft v4", f.Content())
}

func TestSaveMovesBaselineWhenTypingContinues(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	f := NewField("summary", "Draft", Options{
		Debounce: time.Hour,
		Saver: func(context.Context, string, string) error {
			close(started)
			<-release
			return nil
		},
	})
	defer f.Close()

	f.Edit("Draft with notes")
	done := make(chan error, 1)
	go func() { done <- f.Save(context.Background()) }()
	<-started
	f.Edit("Draft with more notes")
	close(release)
	require.NoError(t, <-done)

	assert.True(t, f.HasUnsavedChanges())
	outcome := f.ApplyRemote(collab.LiveEdit{ID: "e-5", Operation: collab.OpReplace, Path: "summary", NewValue: "Draft with notes"})
	assert.Equal(t, Conflicted, outcome)
}

func TestAcceptAndRejectConflicts(t *testing.T) {
	f := NewField("body", "v1", Options{Debounce: time.Hour})
	defer f.Close()
	f.Edit("v1 with my own notes")

	remote := func(value string) collab.LiveEdit {
		return collab.LiveEdit{ID: "edit-" + value, Operation: collab.OpReplace, Path: "body", NewValue: value}
	}
	require.Equal(t, Conflicted, f.ApplyRemote(remote("v2")))
	require.Equal(t, Conflicted, f.ApplyRemote(remote("v3")))
	conflicts := f.Conflicts()
	require.Len(t, conflicts, 2)
	assert.Equal(t, "edit-v2", conflicts[0].EditID)

	require.NoError(t, f.Reject(conflicts[0].ID))
	assert.Equal(t, "v1 with my own notes", f.Content())
	require.Len(t, f.Conflicts(), 1)

	require.NoError(t, f.Accept(conflicts[1].ID))
	assert.Equal(t, "v3", f.Content())
	assert.False(t, f.HasUnsavedChanges())
	assert.Empty(t, f.Conflicts())

	assert.ErrorIs(t, f.Accept(conflicts[1].ID), ErrConflictNotFound)
	assert.ErrorIs(t, f.Reject("body#99"), ErrConflictNotFound)

	undone, ok := f.Undo()
	require.True(t, ok)
	assert.Equal(t, "v1 with my own notes", undone)
}

func TestUndoRedo(t *testing.T) {
	f := NewField("body", "The plan", Options{Debounce: time.Hour})
	defer f.Close()
	assert.False(t, f.CanUndo())

	f.Edit("The plan ")
	f.Edit("The plan covers")
	f.Edit("The plan covers parks")
	f.Edit("The plan covers parks.")

	undone, ok := f.Undo()
	require.True(t, ok)
	assert.Equal(t, "The plan covers parks", undone, "trailing small edits fold into the last entry")
	undone, ok = f.Undo()
	require.True(t, ok)
	assert.Equal(t, "The plan covers", undone)
	undone, ok = f.Undo()
	require.True(t, ok)
	assert.Equal(t, "The plan", undone)
	_, ok = f.Undo()
	assert.False(t, ok)

	redone, ok := f.Redo()
	require.True(t, ok)
	assert.Equal(t, "The plan covers", redone)
	assert.True(t, f.CanRedo())

	f.Edit("The plan covers transit and housing")
	assert.False(t, f.CanRedo(), "a new edit drops the redo tail")
	_, ok = f.Redo()
	assert.False(t, ok)
}

func TestDebounceAnnouncesAndAutosaves(t *testing.T) {
	var (
		mu     sync.Mutex
		stable []collab.LiveEdit
		saved  []string
	)
	f := NewField("description", "Draft v1", Options{
		Debounce:  10 * time.Millisecond,
		SaveDelay: 30 * time.Millisecond,
		OnStable: func(edit collab.LiveEdit) {
			mu.Lock()
			defer mu.Unlock()
			stable = append(stable, edit)
		},
		Saver: func(_ context.Context, path, content string) error {
			mu.Lock()
			defer mu.Unlock()
			saved = append(saved, path+"="+content)
			return nil
		},
	})
	defer f.Close()

	f.Edit("Draft v1.")
	f.Edit("Draft v1.1")
	f.Edit("Draft v2")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(saved) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	require.Len(t, stable, 1, "bursts are announced once")
	assert.Equal(t, collab.OpReplace, stable[0].Operation)
	assert.Equal(t, "Draft v1", stable[0].OldValue)
	assert.Equal(t, "Draft v2", stable[0].NewValue)
	assert.Equal(t, []string{"description=Draft v2"}, saved)
	mu.Unlock()

	assert.False(t, f.HasUnsavedChanges())
	assert.False(t, f.LastSaved().IsZero())
}

func TestSaveNow(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	calls := 0
	fail := errors.New("offline")
	var saveErr error
	f := NewField("title", "Parks", Options{
		Debounce: time.Hour,
		Clock:    func() time.Time { return now },
		Saver: func(context.Context, string, string) error {
			calls++
			return saveErr
		},
	})
	defer f.Close()

	require.NoError(t, f.Save(context.Background()))
	assert.Zero(t, calls, "unchanged content is not saved")

	f.Edit("Parks and trails")
	saveErr = fail
	err := f.Save(context.Background())
	require.ErrorIs(t, err, fail)
	assert.True(t, f.HasUnsavedChanges())
	assert.True(t, f.LastSaved().IsZero())

	saveErr = nil
	require.NoError(t, f.Save(context.Background()))
	assert.Equal(t, 2, calls)
	assert.False(t, f.HasUnsavedChanges())
	assert.Equal(t, now, f.LastSaved())
}

func TestClosedFieldIgnoresInput(t *testing.T) {
	f := NewField("title", "Parks", Options{})
	f.Close()
	f.Edit("Trails")
	assert.Equal(t, "Parks", f.Content())
	assert.Equal(t, Ignored, f.ApplyRemote(collab.LiveEdit{Operation: collab.OpReplace, Path: "title", NewValue: "x"}))
}
