package notify

import (
	"testing"
	"time"

	"assembly/client/internal/storage"
)

func newTestCenter(t *testing.T, opts Options) (*Center, *time.Time) {
	t.Helper()
	c := NewCenter(storage.NewMemStore(0).Open(), opts)
	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }
	return c, &clock
}

func TestEmitAndUnreadCount(t *testing.T) {
	c, _ := newTestCenter(t, Options{})

	n := c.TryEmit("proposal", "prop_1", "New proposal", "Treasury reallocation")
	if n == nil {
		t.Fatal("first emission suppressed")
	}
	if got := c.Unread().Get(); got != 1 {
		t.Errorf("unread = %d, want 1", got)
	}

	if !c.MarkRead(n.ID) {
		t.Fatal("MarkRead lost the notification")
	}
	if got := c.Unread().Get(); got != 0 {
		t.Errorf("unread after read = %d, want 0", got)
	}
}

func TestDedupeSameSubjectInsideWindow(t *testing.T) {
	c, clock := newTestCenter(t, Options{DedupeWindow: time.Hour})

	if c.TryEmit("proposal", "prop_1", "New proposal", "") == nil {
		t.Fatal("first emission suppressed")
	}
	if c.TryEmit("proposal", "prop_1", "New proposal", "") != nil {
		t.Error("duplicate inside dedupe window not suppressed")
	}
	if c.TryEmit("proposal", "prop_2", "New proposal", "") == nil {
		t.Error("different subject wrongly suppressed")
	}

	*clock = clock.Add(61 * time.Minute)
	if c.TryEmit("proposal", "prop_1", "New proposal", "") == nil {
		t.Error("emission suppressed after dedupe window expired")
	}
}

func TestRateLimitPerClass(t *testing.T) {
	c, clock := newTestCenter(t, Options{RateLimit: 5, RateWindow: time.Hour})

	for i := 0; i < 5; i++ {
		if c.TryEmit("deadline", string(rune('a'+i)), "Vote closing", "") == nil {
			t.Fatalf("emission %d suppressed under the limit", i)
		}
		*clock = clock.Add(time.Minute)
	}
	if c.TryEmit("deadline", "z", "Vote closing", "") != nil {
		t.Error("sixth emission inside window not suppressed")
	}
	// Another class is unaffected by the full window.
	if c.TryEmit("kyc", "status", "Verification updated", "") == nil {
		t.Error("other class suppressed by full deadline window")
	}

	*clock = clock.Add(time.Hour)
	if c.TryEmit("deadline", "z", "Vote closing", "") == nil {
		t.Error("emission suppressed after the window slid past")
	}
}

func TestDisabledClassSuppressed(t *testing.T) {
	c, _ := newTestCenter(t, Options{})
	c.SetEnabled("deadline", false)

	if c.TryEmit("deadline", "prop_1", "Vote closing", "") != nil {
		t.Error("disabled class emitted")
	}
	if c.Enabled("deadline") {
		t.Error("Enabled reports true for disabled class")
	}
	if !c.Enabled("proposal") {
		t.Error("unset class should default to enabled")
	}
	if c.TryEmit("proposal", "prop_1", "New proposal", "") == nil {
		t.Error("enabled class suppressed")
	}
}

func TestCapDropsOldest(t *testing.T) {
	c, clock := newTestCenter(t, Options{Cap: 3, RateLimit: 100})

	var first *Notification
	for i := 0; i < 4; i++ {
		n := c.TryEmit("proposal", string(rune('a'+i)), "New proposal", "")
		if n == nil {
			t.Fatalf("emission %d suppressed", i)
		}
		if i == 0 {
			first = n
		}
		*clock = clock.Add(time.Minute)
	}

	list := c.List()
	if len(list) != 3 {
		t.Fatalf("list length = %d, want 3", len(list))
	}
	for _, n := range list {
		if n.ID == first.ID {
			t.Error("oldest notification survived past the cap")
		}
	}
}

func TestPersistsAcrossReload(t *testing.T) {
	kv := storage.NewMemStore(0).Open()
	c := NewCenter(kv, Options{})
	clock := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	n := c.TryEmit("proposal", "prop_1", "New proposal", "")
	if n == nil {
		t.Fatal("emission suppressed")
	}
	c.SetEnabled("deadline", false)

	c2 := NewCenter(kv, Options{})
	if got := c2.Unread().Get(); got != 1 {
		t.Errorf("unread after reload = %d, want 1", got)
	}
	if c2.Enabled("deadline") {
		t.Error("class preference lost across reload")
	}
	list := c2.List()
	if len(list) != 1 || list[0].ID != n.ID {
		t.Fatalf("list lost across reload: %+v", list)
	}
}

func TestMarkAllRead(t *testing.T) {
	c, clock := newTestCenter(t, Options{})
	c.TryEmit("proposal", "prop_1", "a", "")
	*clock = clock.Add(time.Minute)
	c.TryEmit("kyc", "status", "b", "")

	c.MarkAllRead()
	if got := c.Unread().Get(); got != 0 {
		t.Errorf("unread = %d, want 0", got)
	}
	for _, n := range c.List() {
		if !n.Read {
			t.Errorf("notification %s left unread", n.ID)
		}
	}
}
