package drafts

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"assembly/client/internal/persist"
	"assembly/client/internal/storage"
)

// countingKV wraps a KV and counts writes.
type countingKV struct {
	storage.KV
	sets int
}

func (c *countingKV) SetItem(key, value string) error {
	c.sets++
	return c.KV.SetItem(key, value)
}

// failingKV rejects writes once fail is set, as an exhausted quota does.
type failingKV struct {
	storage.KV
	fail bool
}

func (f *failingKV) SetItem(key, value string) error {
	if f.fail {
		return storage.ErrQuotaExceeded
	}
	return f.KV.SetItem(key, value)
}

func newTestKV(t *testing.T) storage.KV {
	t.Helper()
	return storage.NewMemStore(0).Open()
}

func strptr(s string) *string { return &s }

func TestCreateListDelete(t *testing.T) {
	st := NewStore(newTestKV(t), "", 0)

	first, err := st.Create("budget", "q3 numbers")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := st.Create("bylaws", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	list := st.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 drafts, got %d", len(list))
	}
	if list[0].ID != second.ID || list[1].ID != first.ID {
		t.Errorf("expected newest first, got %s then %s", list[0].ID, list[1].ID)
	}
	if list[0].Status != "open" {
		t.Errorf("expected status open, got %q", list[0].Status)
	}

	if err := st.Delete(first.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok := st.Get(first.ID); ok {
		t.Error("deleted draft still present")
	}
	if err := st.Delete(first.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCeilingLeavesStateUnchanged(t *testing.T) {
	st := NewStore(newTestKV(t), "", 2)
	if _, err := st.Create("a", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.Create("b", ""); err != nil {
		t.Fatalf("create: %v", err)
	}

	before := st.List()
	if _, err := st.Create("c", ""); !errors.Is(err, ErrDraftLimit) {
		t.Fatalf("expected ErrDraftLimit, got %v", err)
	}
	after := st.List()
	if len(after) != len(before) {
		t.Fatalf("count changed after rejected create: %d -> %d", len(before), len(after))
	}
	for i := range before {
		if after[i].ID != before[i].ID {
			t.Errorf("draft %d changed after rejected create", i)
		}
	}
}

func TestLoadSurvivesRestart(t *testing.T) {
	kv := newTestKV(t)
	st := NewStore(kv, "mem_42", 0)
	created, err := st.Create("agenda", "items")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	st2 := NewStore(kv, "mem_42", 0)
	got, ok := st2.Get(created.ID)
	if !ok {
		t.Fatal("draft lost across reload")
	}
	if got.Title != "agenda" || got.Body != "items" {
		t.Errorf("unexpected draft after reload: %+v", got)
	}
}

func TestMigrateV1AddsStatus(t *testing.T) {
	kv := newTestKV(t)
	old := []Draft{{ID: "draft_old", Title: "legacy", SchemaVersion: 1}}
	data, err := json.Marshal(old)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	env, err := json.Marshal(persist.Record{SchemaVersion: 1, Data: data})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := kv.SetItem(Key(""), string(env)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	st := NewStore(kv, "", 0)
	got, ok := st.Get("draft_old")
	if !ok {
		t.Fatal("migrated draft missing")
	}
	if got.Status != "open" {
		t.Errorf("expected migrated status open, got %q", got.Status)
	}
	if got.SchemaVersion != SchemaVersion {
		t.Errorf("expected schema %d, got %d", SchemaVersion, got.SchemaVersion)
	}
}

func TestAutosaverOneWritePerIdleWindow(t *testing.T) {
	kv := &countingKV{KV: newTestKV(t)}
	st := NewStore(kv, "", 0)
	d, err := st.Create("notes", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	kv.sets = 0

	a := NewAutosaver(st, 30*time.Millisecond)
	defer a.Close()
	a.ScheduleUpdate(d.ID, Patch{Body: strptr("v1")})
	a.ScheduleUpdate(d.ID, Patch{Body: strptr("v2")})
	a.ScheduleUpdate(d.ID, Patch{Title: strptr("meeting notes")})
	if !a.HasPendingChanges() {
		t.Error("expected pending changes before flush")
	}

	deadline := time.Now().Add(2 * time.Second)
	for kv.sets == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	// Give a second timer a chance to misfire.
	time.Sleep(60 * time.Millisecond)

	if kv.sets != 1 {
		t.Fatalf("expected exactly 1 persisted write, got %d", kv.sets)
	}
	got, _ := st.Get(d.ID)
	if got.Body != "v2" || got.Title != "meeting notes" {
		t.Errorf("patches not merged last-write-wins: %+v", got)
	}
	if a.HasPendingChanges() {
		t.Error("expected no pending changes after flush")
	}
}

func TestFlushNowNoPendingIsNoop(t *testing.T) {
	kv := &countingKV{KV: newTestKV(t)}
	st := NewStore(kv, "", 0)
	a := NewAutosaver(st, time.Hour)
	defer a.Close()

	before := a.LastSavedAt().Get()
	kv.sets = 0
	a.FlushNow()
	if kv.sets != 0 {
		t.Errorf("expected no write, got %d", kv.sets)
	}
	if !a.LastSavedAt().Get().Equal(before) {
		t.Error("LastSavedAt changed on empty flush")
	}
}

func TestFlushFailureLeavesLastSavedAt(t *testing.T) {
	kv := &failingKV{KV: newTestKV(t)}
	st := NewStore(kv, "", 0)
	d, err := st.Create("motion", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	a := NewAutosaver(st, time.Hour)
	defer a.Close()

	kv.fail = true
	a.ScheduleUpdate(d.ID, Patch{Body: strptr("unsaved")})
	a.FlushNow()
	if !a.LastSavedAt().Get().IsZero() {
		t.Error("LastSavedAt advanced for a write that degraded to memory-only")
	}
	if got, _ := st.Get(d.ID); got.Body != "unsaved" {
		t.Errorf("in-memory edit lost: %+v", got)
	}

	kv.fail = false
	a.ScheduleUpdate(d.ID, Patch{Body: strptr("saved")})
	a.FlushNow()
	if a.LastSavedAt().Get().IsZero() {
		t.Error("LastSavedAt not updated after a successful flush")
	}
}

func TestFlushNowAppliesImmediately(t *testing.T) {
	st := NewStore(newTestKV(t), "", 0)
	d, err := st.Create("motion", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	a := NewAutosaver(st, time.Hour)
	defer a.Close()
	a.ScheduleUpdate(d.ID, Patch{Status: strptr("submitted")})
	a.FlushNow()

	got, _ := st.Get(d.ID)
	if got.Status != "submitted" {
		t.Errorf("expected submitted, got %q", got.Status)
	}
	if a.LastSavedAt().Get().IsZero() {
		t.Error("LastSavedAt not updated after flush")
	}
}
