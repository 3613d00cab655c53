// Package editor is the client-side replica of one collaboratively edited
// field. It applies remote live edits, queues the ones that would overwrite
// unsaved local work, keeps an undo history and autosaves after a pause.
package editor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"civicplan/api/internal/collab"
	"github.com/rs/zerolog"
)

const (
	DefaultDebounce  = 300 * time.Millisecond
	DefaultSaveDelay = 2000 * time.Millisecond

	// historyLengthDelta is the minimum change in length that records a new
	// undo entry when the word count stays the same.
	historyLengthDelta = 5
)

var ErrConflictNotFound = errors.New("conflict not found")

// Outcome reports what ApplyRemote did with an incoming edit.
type Outcome int

const (
	Ignored Outcome = iota
	Applied
	Conflicted
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Conflicted:
		return "conflicted"
	default:
		return "ignored"
	}
}

// Conflict is a remote edit held back because the field has unsaved local
// changes that differ from it.
type Conflict struct {
	ID        string    `json:"id"`
	EditID    string    `json:"editId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Saver persists the field's content.
type Saver func(ctx context.Context, path, content string) error

type Options struct {
	Debounce  time.Duration
	SaveDelay time.Duration
	Saver     Saver
	Clock     func() time.Time
	Logger    zerolog.Logger
	// OnStable receives a replace edit once local typing has paused for the
	// debounce interval. Callers broadcast it to the session.
	OnStable func(edit collab.LiveEdit)
}

type Field struct {
	path string
	opts Options

	mu        sync.Mutex
	content   string
	baseline  string
	announced string
	lastSaved time.Time
	history   []string
	index     int
	conflicts []Conflict
	seq       int
	debounce  *time.Timer
	saveTimer *time.Timer
	closed    bool
}

// NewField returns a field at path whose saved content is initial.
func NewField(path, initial string, opts Options) *Field {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.SaveDelay <= 0 {
		opts.SaveDelay = DefaultSaveDelay
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Field{
		path:      path,
		opts:      opts,
		content:   initial,
		baseline:  initial,
		announced: initial,
		history:   []string{initial},
	}
}

func (f *Field) Path() string { return f.path }

func (f *Field) Content() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content
}

// HasUnsavedChanges reports whether the content differs from what was last
// saved or received.
func (f *Field) HasUnsavedChanges() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.content != f.baseline
}

// LastSaved is the zero time until the first successful save.
func (f *Field) LastSaved() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSaved
}

// Edit replaces the content with a local change and restarts the debounce.
func (f *Field) Edit(content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || content == f.content {
		return
	}
	f.content = content
	f.recordLocked(content, false)
	f.scheduleLocked()
}

// ApplyRemote merges an edit received from another participant. Replacing
// edits that would overwrite unsaved local content are queued as conflicts;
// everything else is applied and becomes the new saved baseline.
func (f *Field) ApplyRemote(edit collab.LiveEdit) Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || edit.Path != f.path {
		return Ignored
	}

	switch edit.Operation {
	case collab.OpReplace, collab.OpUpdate, collab.OpMove:
		incoming := valueString(edit.NewValue)
		if incoming == f.content {
			f.baseline = incoming
			f.announced = incoming
			return Applied
		}
		if f.content != f.baseline {
			f.seq++
			f.conflicts = append(f.conflicts, Conflict{
				ID:        fmt.Sprintf("%s#%d", f.path, f.seq),
				EditID:    edit.ID,
				UserID:    edit.UserID,
				UserName:  edit.UserName,
				Content:   incoming,
				Timestamp: edit.Timestamp,
			})
			return Conflicted
		}
		f.content = incoming
		f.baseline = incoming
		f.announced = incoming
		f.recordLocked(incoming, false)
		return Applied

	case collab.OpInsert, collab.OpDelete:
		splice := func(s string) string {
			if edit.Operation == collab.OpInsert {
				return insertAt(s, edit.Position, valueString(edit.NewValue))
			}
			return deleteAt(s, edit.Position, edit.Length)
		}
		clean := f.content == f.baseline
		f.content = splice(f.content)
		if clean {
			f.baseline = f.content
		} else {
			f.baseline = splice(f.baseline)
		}
		f.announced = splice(f.announced)
		f.recordLocked(f.content, false)
		return Applied

	default:
		return Ignored
	}
}

// Conflicts lists pending conflicts oldest first.
func (f *Field) Conflicts() []Conflict {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Conflict(nil), f.conflicts...)
}

// Accept takes the remote content of a conflict as the local state.
func (f *Field) Accept(conflictID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.conflictIndexLocked(conflictID)
	if i < 0 {
		return fmt.Errorf("accept %s: %w", conflictID, ErrConflictNotFound)
	}
	c := f.conflicts[i]
	f.conflicts = append(f.conflicts[:i], f.conflicts[i+1:]...)
	f.content = c.Content
	f.baseline = c.Content
	f.announced = c.Content
	f.recordLocked(c.Content, true)
	f.stopTimersLocked()
	return nil
}

// Reject drops a conflict without touching the content.
func (f *Field) Reject(conflictID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.conflictIndexLocked(conflictID)
	if i < 0 {
		return fmt.Errorf("reject %s: %w", conflictID, ErrConflictNotFound)
	}
	f.conflicts = append(f.conflicts[:i], f.conflicts[i+1:]...)
	return nil
}

func (f *Field) conflictIndexLocked(id string) int {
	for i, c := range f.conflicts {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (f *Field) CanUndo() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index > 0 || f.content != f.history[f.index]
}

func (f *Field) CanRedo() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index < len(f.history)-1
}

// Undo restores the current history entry if the content has drifted from
// it, otherwise moves back one entry. The restored content is treated as a
// local edit once it settles.
func (f *Field) Undo() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return f.content, false
	}
	switch {
	case f.content != f.history[f.index]:
	case f.index > 0:
		f.index--
	default:
		return f.content, false
	}
	f.content = f.history[f.index]
	f.scheduleLocked()
	return f.content, true
}

func (f *Field) Redo() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.index >= len(f.history)-1 {
		return f.content, false
	}
	f.index++
	f.content = f.history[f.index]
	f.scheduleLocked()
	return f.content, true
}

// Save writes the content immediately, bypassing the debounce. Saving
// unchanged content is a no-op.
func (f *Field) Save(ctx context.Context) error {
	f.mu.Lock()
	f.stopTimersLocked()
	content, prior := f.content, f.baseline
	f.mu.Unlock()

	f.announce()
	if content == prior {
		return nil
	}
	return f.save(ctx, content, prior)
}

// Close stops pending timers. Unsaved content is discarded.
func (f *Field) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.stopTimersLocked()
}

// save persists content, which was read while the baseline was prior. The
// baseline only moves to content if no remote edit or accepted conflict
// replaced it while the save was in flight.
func (f *Field) save(ctx context.Context, content, prior string) error {
	if f.opts.Saver != nil {
		if err := f.opts.Saver(ctx, f.path, content); err != nil {
			return fmt.Errorf("save %s: %w", f.path, err)
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.content == content || f.baseline == prior {
		f.baseline = content
	}
	f.lastSaved = f.opts.Clock()
	return nil
}

// recordLocked appends content to the undo history when it differs enough
// from the current entry, discarding any redo tail.
func (f *Field) recordLocked(content string, force bool) {
	current := f.history[f.index]
	if !force && !significant(current, content) {
		return
	}
	if current == content {
		return
	}
	f.history = append(f.history[:f.index+1], content)
	f.index = len(f.history) - 1
}

func (f *Field) scheduleLocked() {
	if f.debounce != nil {
		f.debounce.Stop()
	}
	if f.saveTimer != nil {
		f.saveTimer.Stop()
		f.saveTimer = nil
	}
	f.debounce = time.AfterFunc(f.opts.Debounce, f.stable)
}

func (f *Field) stopTimersLocked() {
	if f.debounce != nil {
		f.debounce.Stop()
		f.debounce = nil
	}
	if f.saveTimer != nil {
		f.saveTimer.Stop()
		f.saveTimer = nil
	}
}

// stable runs when typing has paused: the edit is announced and an autosave
// is scheduled.
func (f *Field) stable() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.debounce = nil
	f.saveTimer = time.AfterFunc(f.opts.SaveDelay, f.autosave)
	f.mu.Unlock()
	f.announce()
}

func (f *Field) announce() {
	f.mu.Lock()
	if f.content == f.announced {
		f.mu.Unlock()
		return
	}
	edit := collab.LiveEdit{
		Operation: collab.OpReplace,
		Path:      f.path,
		OldValue:  f.announced,
		NewValue:  f.content,
		Timestamp: f.opts.Clock(),
	}
	f.announced = f.content
	onStable := f.opts.OnStable
	f.mu.Unlock()

	if onStable != nil {
		onStable(edit)
	}
}

func (f *Field) autosave() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.saveTimer = nil
	content, prior := f.content, f.baseline
	f.mu.Unlock()
	if content == prior {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.save(ctx, content, prior); err != nil {
		f.opts.Logger.Warn().Err(err).Str("path", f.path).Msg("autosave failed")
	}
}

// significant reports whether next differs enough from prev to deserve its
// own undo entry.
func significant(prev, next string) bool {
	delta := utf8.RuneCountInString(next) - utf8.RuneCountInString(prev)
	if delta < 0 {
		delta = -delta
	}
	return delta > historyLengthDelta || len(strings.Fields(prev)) != len(strings.Fields(next))
}

func valueString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case fmt.Stringer:
		return value.String()
	default:
		return fmt.Sprint(value)
	}
}

func clamp(pos, max int) int {
	if pos < 0 {
		return 0
	}
	if pos > max {
		return max
	}
	return pos
}

func insertAt(s string, pos int, text string) string {
	runes := []rune(s)
	pos = clamp(pos, len(runes))
	return string(runes[:pos]) + text + string(runes[pos:])
}

func deleteAt(s string, pos, length int) string {
	runes := []rune(s)
	pos = clamp(pos, len(runes))
	end := clamp(pos+length, len(runes))
	return string(runes[:pos]) + string(runes[end:])
}
