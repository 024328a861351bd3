package tabsync

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"assembly/client/internal/persist"
	"assembly/client/internal/storage"
)

type change struct {
	key     string
	version int
	data    string
}

type recorder struct {
	mu      sync.Mutex
	changes []change
}

func (r *recorder) record(key string, version int, data json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change{key: key, version: version, data: string(data)})
}

func (r *recorder) snapshot() []change {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]change, len(r.changes))
	copy(out, r.changes)
	return out
}

func (r *recorder) waitFor(t *testing.T, n int) []change {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		got := r.snapshot()
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected %d changes, got %d: %v", n, len(got), got)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestForeignWriteReachesCallback(t *testing.T) {
	backend := storage.NewMemStore(0)
	tabA := backend.Open()
	tabB := backend.Open()

	got := &recorder{}
	unsub := Setup(tabB, []string{"assembly.prefs"}, got.record)
	defer unsub()

	if !persist.Save(tabA, "assembly.prefs", map[string]string{"theme": "dark"}, 3, nil) {
		t.Fatal("Save failed")
	}

	changes := got.waitFor(t, 1)
	if changes[0].key != "assembly.prefs" || changes[0].version != 3 {
		t.Errorf("unexpected change: %+v", changes[0])
	}
	var prefs map[string]string
	if err := json.Unmarshal([]byte(changes[0].data), &prefs); err != nil {
		t.Fatalf("payload did not round-trip: %v", err)
	}
	if prefs["theme"] != "dark" {
		t.Errorf("expected theme=dark, got %v", prefs)
	}
}

func TestOwnWritesAreIgnored(t *testing.T) {
	backend := storage.NewMemStore(0)
	tab := backend.Open()

	got := &recorder{}
	unsub := Setup(tab, []string{"assembly.prefs"}, got.record)
	defer unsub()

	if !persist.Save(tab, "assembly.prefs", "self", 1, nil) {
		t.Fatal("Save failed")
	}

	time.Sleep(50 * time.Millisecond)
	if changes := got.snapshot(); len(changes) != 0 {
		t.Errorf("own writes must not re-enter, got %v", changes)
	}
}

func TestUnownedKeysAreIgnored(t *testing.T) {
	backend := storage.NewMemStore(0)
	tabA := backend.Open()
	tabB := backend.Open()

	got := &recorder{}
	unsub := Setup(tabB, []string{"assembly.prefs"}, got.record)
	defer unsub()

	if !persist.Save(tabA, "assembly.other", "x", 1, nil) {
		t.Fatal("Save failed")
	}

	time.Sleep(50 * time.Millisecond)
	if changes := got.snapshot(); len(changes) != 0 {
		t.Errorf("unowned keys must be filtered, got %v", changes)
	}
}

func TestMalformedWriteIsSwallowed(t *testing.T) {
	backend := storage.NewMemStore(0)
	tabA := backend.Open()
	tabB := backend.Open()

	got := &recorder{}
	unsub := Setup(tabB, []string{"assembly.prefs"}, got.record)
	defer unsub()

	if err := tabA.SetItem("assembly.prefs", "{broken"); err != nil {
		t.Fatal(err)
	}
	// A well-formed write afterwards still gets through.
	if !persist.Save(tabA, "assembly.prefs", "ok", 1, nil) {
		t.Fatal("Save failed")
	}

	changes := got.waitFor(t, 1)
	if len(changes) != 1 || changes[0].data != `"ok"` {
		t.Errorf("expected only the valid write, got %v", changes)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	backend := storage.NewMemStore(0)
	tabA := backend.Open()
	tabB := backend.Open()

	got := &recorder{}
	unsub := Setup(tabB, []string{"assembly.prefs"}, got.record)
	unsub()
	unsub()

	if !persist.Save(tabA, "assembly.prefs", "late", 1, nil) {
		t.Fatal("Save failed")
	}

	time.Sleep(50 * time.Millisecond)
	if changes := got.snapshot(); len(changes) != 0 {
		t.Errorf("expected no delivery after unsubscribe, got %v", changes)
	}
}
