// Package notify emits member-facing notifications behind a sliding
// rate window and a per-subject dedupe window.
package notify

import (
	"time"

	"assembly/client/internal/observable"
	"assembly/client/internal/persist"
	"assembly/client/internal/storage"
	"assembly/client/internal/util"
)

// StorageKey and PrefsKey are the slots the notification list and the
// class preferences persist under; other instances watch them for
// re-hydration.
const (
	StorageKey = "assembly.notifications"
	PrefsKey   = "assembly.notification_prefs"
)

const (
	listSchemaVersion  = 1
	prefsSchemaVersion = 1
)

// Notification is a stored member-facing message, newest first in the
// list.
type Notification struct {
	ID        string    `json:"id"`
	Class     string    `json:"class"`
	Subject   string    `json:"subject"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// Options tunes the center. Zero values select the defaults.
type Options struct {
	// Cap bounds the stored list; older entries are dropped.
	Cap int
	// RateWindow and RateLimit bound emissions per class: at most
	// RateLimit notifications per class inside a sliding RateWindow.
	RateWindow time.Duration
	RateLimit  int
	// DedupeWindow suppresses repeats of the same (class, subject).
	DedupeWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.Cap <= 0 {
		o.Cap = 100
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Hour
	}
	if o.RateLimit <= 0 {
		o.RateLimit = 5
	}
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = time.Hour
	}
	return o
}

// pruneNotifications drops the older half for the quota retry.
func pruneNotifications(list []Notification) ([]Notification, bool) {
	if len(list) == 0 {
		return nil, false
	}
	return list[:(len(list)+1)/2], true
}

// Center stores notifications and enforces the emission policy. Methods
// are not safe for concurrent use; the engine serializes access.
type Center struct {
	kv     storage.KV
	opts   Options
	list   []Notification
	ledger map[string][]time.Time
	prefs  map[string]bool
	unread *observable.Value[int]
	now    func() time.Time
}

// NewCenter loads persisted notifications and class preferences from
// kv. The rate ledger is in-memory only: a restart resets the window.
func NewCenter(kv storage.KV, opts Options) *Center {
	c := &Center{
		kv:     kv,
		opts:   opts.withDefaults(),
		list:   persist.Load(kv, StorageKey, []Notification{}, listSchemaVersion, nil),
		ledger: map[string][]time.Time{},
		prefs:  persist.Load(kv, PrefsKey, map[string]bool{}, prefsSchemaVersion, nil),
		unread: observable.New(0),
		now:    time.Now,
	}
	c.unread.Set(c.countUnread())
	return c
}

// TryEmit creates a notification unless the class is disabled, the
// class's rate window is full, or the same (class, subject) fired
// inside the dedupe window. Suppressed emissions return nil.
func (c *Center) TryEmit(class, subject, title, body string) *Notification {
	if enabled, ok := c.prefs[class]; ok && !enabled {
		return nil
	}
	now := c.now()

	stamps := c.ledger[class][:0]
	for _, ts := range c.ledger[class] {
		if now.Sub(ts) < c.opts.RateWindow {
			stamps = append(stamps, ts)
		}
	}
	c.ledger[class] = stamps
	if len(stamps) >= c.opts.RateLimit {
		return nil
	}

	for _, n := range c.list {
		if n.Class == class && n.Subject == subject && now.Sub(n.CreatedAt) < c.opts.DedupeWindow {
			return nil
		}
	}

	n := Notification{
		ID:        util.NewID("ntf"),
		Class:     class,
		Subject:   subject,
		Title:     title,
		Body:      body,
		CreatedAt: now,
	}
	c.list = append([]Notification{n}, c.list...)
	if len(c.list) > c.opts.Cap {
		c.list = c.list[:c.opts.Cap]
	}
	c.persistList()
	c.ledger[class] = append(c.ledger[class], now)
	c.unread.Set(c.countUnread())
	return &n
}

// List returns stored notifications newest first.
func (c *Center) List() []Notification {
	out := make([]Notification, len(c.list))
	copy(out, c.list)
	return out
}

func (c *Center) MarkRead(id string) bool {
	for i := range c.list {
		if c.list[i].ID == id {
			if !c.list[i].Read {
				c.list[i].Read = true
				c.persistList()
				c.unread.Set(c.countUnread())
			}
			return true
		}
	}
	return false
}

func (c *Center) MarkAllRead() {
	changed := false
	for i := range c.list {
		if !c.list[i].Read {
			c.list[i].Read = true
			changed = true
		}
	}
	if changed {
		c.persistList()
		c.unread.Set(0)
	}
}

// Unread exposes the unread count as an observable.
func (c *Center) Unread() *observable.Value[int] { return c.unread }

// SetEnabled toggles a notification class. Classes default to enabled.
func (c *Center) SetEnabled(class string, enabled bool) {
	c.prefs[class] = enabled
	persist.Save(c.kv, PrefsKey, c.prefs, prefsSchemaVersion, nil)
}

func (c *Center) Enabled(class string) bool {
	if enabled, ok := c.prefs[class]; ok {
		return enabled
	}
	return true
}

// Replace swaps the stored list for one re-hydrated from another
// instance's write. The rate ledger stays local.
func (c *Center) Replace(list []Notification) {
	c.list = make([]Notification, len(list))
	copy(c.list, list)
	c.unread.Set(c.countUnread())
}

// ReplacePrefs swaps the class preferences for ones re-hydrated from
// another instance's write.
func (c *Center) ReplacePrefs(prefs map[string]bool) {
	next := make(map[string]bool, len(prefs))
	for class, enabled := range prefs {
		next[class] = enabled
	}
	c.prefs = next
}

func (c *Center) countUnread() int {
	n := 0
	for _, x := range c.list {
		if !x.Read {
			n++
		}
	}
	return n
}

func (c *Center) persistList() bool {
	return persist.Save(c.kv, StorageKey, c.list, listSchemaVersion, pruneNotifications)
}
