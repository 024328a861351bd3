package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), "assembly:")
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestRedisStorePing(t *testing.T) {
	store, _ := setupTestRedis(t)

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestRedisStoreSetGetRemove(t *testing.T) {
	store, s := setupTestRedis(t)

	if err := store.SetItem("drafts", `{"schemaVersion":1}`); err != nil {
		t.Fatalf("SetItem failed: %v", err)
	}
	// Keys live under the configured prefix.
	if !s.Exists("assembly:drafts") {
		t.Error("expected prefixed key in redis")
	}

	value, ok := store.GetItem("drafts")
	if !ok || value != `{"schemaVersion":1}` {
		t.Errorf("expected stored value, got %q (ok=%v)", value, ok)
	}

	store.RemoveItem("drafts")
	if _, ok := store.GetItem("drafts"); ok {
		t.Error("expected key removed")
	}
}

func TestRedisStoreCrossInstanceEvents(t *testing.T) {
	writer, s := setupTestRedis(t)

	reader, err := NewRedisStore("redis://"+s.Addr(), "assembly:")
	if err != nil {
		t.Fatalf("failed to create second store: %v", err)
	}
	defer reader.Close()

	got := &collector{}
	stop := reader.Watch(got.add)
	defer stop()

	// Give the subscription a moment to establish.
	time.Sleep(50 * time.Millisecond)

	if err := writer.SetItem("prefs", `{"lang":"nl"}`); err != nil {
		t.Fatalf("SetItem failed: %v", err)
	}

	events := waitForEvents(t, got, 1, 2*time.Second)
	if events[0].Origin != writer.Origin() {
		t.Errorf("expected writer origin %s, got %s", writer.Origin(), events[0].Origin)
	}
	if events[0].Key != "prefs" || events[0].NewValue != `{"lang":"nl"}` {
		t.Errorf("unexpected event payload: %+v", events[0])
	}
}

func TestRedisStoreWriterSeesOwnEventsTagged(t *testing.T) {
	store, _ := setupTestRedis(t)

	got := &collector{}
	stop := store.Watch(got.add)
	defer stop()

	time.Sleep(50 * time.Millisecond)

	if err := store.SetItem("k", "v"); err != nil {
		t.Fatalf("SetItem failed: %v", err)
	}

	events := waitForEvents(t, got, 1, 2*time.Second)
	// The writer receives its own event; consumers filter on Origin.
	if events[0].Origin != store.Origin() {
		t.Errorf("expected own origin on self event, got %s", events[0].Origin)
	}
}
