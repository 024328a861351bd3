package drafts

import (
	"sync"
	"time"

	"assembly/client/internal/observable"
)

// DefaultDebounceWindow is the idle period after the last edit before a
// flush fires.
const DefaultDebounceWindow = time.Second

// Autosaver coalesces rapid draft edits: each ScheduleUpdate restarts
// the idle timer, and exactly one persisted write happens per idle
// period no matter how many edits arrived.
type Autosaver struct {
	mu      sync.Mutex
	store   *Store
	window  time.Duration
	timer   *time.Timer
	pending map[string]*Patch
	order   []string
	dirty   bool
	closed  bool

	lastSavedAt *observable.Value[time.Time]
	now         func() time.Time
}

// NewAutosaver wraps store with a debounce window. window <= 0 selects
// DefaultDebounceWindow.
func NewAutosaver(store *Store, window time.Duration) *Autosaver {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &Autosaver{
		store:       store,
		window:      window,
		pending:     map[string]*Patch{},
		lastSavedAt: observable.New(time.Time{}),
		now:         time.Now,
	}
}

// ScheduleUpdate merges patch into the pending set for id and restarts
// the idle timer. Later patches win per field.
func (a *Autosaver) ScheduleUpdate(id string, patch Patch) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if existing, ok := a.pending[id]; ok {
		existing.merge(patch)
	} else {
		p := patch
		a.pending[id] = &p
		a.order = append(a.order, id)
	}
	a.dirty = true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.window, func() { a.FlushNow() })
}

// FlushNow applies all pending patches immediately in one persisted
// write. With nothing pending it is a no-op and leaves LastSavedAt
// untouched.
func (a *Autosaver) FlushNow() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return
	}
	pending, order := a.pending, a.order
	a.pending, a.order = map[string]*Patch{}, nil
	persisted := a.store.applyAll(order, pending)
	a.dirty = false
	now := a.now()
	a.mu.Unlock()

	// A write that degraded to memory-only is not a save; the surface
	// must not claim durability that did not happen.
	if persisted {
		a.lastSavedAt.Set(now)
	}
}

// HasPendingChanges reports whether edits are waiting to be flushed.
func (a *Autosaver) HasPendingChanges() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dirty
}

// LastSavedAt exposes the time of the most recent successful flush.
func (a *Autosaver) LastSavedAt() *observable.Value[time.Time] {
	return a.lastSavedAt
}

// Close flushes pending edits and stops the timer. Safe to call more
// than once.
func (a *Autosaver) Close() {
	a.FlushNow()
	a.mu.Lock()
	a.closed = true
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.mu.Unlock()
}
