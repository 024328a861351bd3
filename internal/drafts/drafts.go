// Package drafts persists member-authored work items and coalesces rapid
// edits into debounced writes.
package drafts

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"assembly/client/internal/persist"
	"assembly/client/internal/storage"
	"assembly/client/internal/util"
)

// SchemaVersion of the persisted draft list. v1 predates the status
// field.
const SchemaVersion = 2

// DefaultCeiling caps the drafts one profile may hold.
const DefaultCeiling = 50

var (
	ErrDraftLimit = errors.New("draft limit reached")
	ErrNotFound   = errors.New("draft not found")
)

// Draft is a member-authored work item. It has no TTL; deletion is
// explicit only.
type Draft struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Body          string    `json:"body"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	SchemaVersion int       `json:"schemaVersion"`
}

// Patch is a partial draft update; nil fields leave the target field
// untouched. Later patches win per field.
type Patch struct {
	Title  *string
	Body   *string
	Status *string
}

func (p *Patch) merge(next Patch) {
	if next.Title != nil {
		p.Title = next.Title
	}
	if next.Body != nil {
		p.Body = next.Body
	}
	if next.Status != nil {
		p.Status = next.Status
	}
}

func (p Patch) apply(d *Draft) {
	if p.Title != nil {
		d.Title = *p.Title
	}
	if p.Body != nil {
		d.Body = *p.Body
	}
	if p.Status != nil {
		d.Status = *p.Status
	}
}

// Key returns the storage slot for a profile's draft list.
func Key(profileID string) string {
	if profileID == "" {
		return "assembly.drafts"
	}
	return "assembly.drafts." + profileID
}

// migrate upgrades v1 draft lists, which predate the status field.
func migrate(oldVersion int, data json.RawMessage) (json.RawMessage, error) {
	if oldVersion != 1 {
		return nil, fmt.Errorf("unknown drafts schema %d", oldVersion)
	}
	var list []Draft
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, err
	}
	for i := range list {
		if list[i].Status == "" {
			list[i].Status = "open"
		}
		list[i].SchemaVersion = SchemaVersion
	}
	return json.Marshal(list)
}

// pruneOldest drops the older half of the list for the quota retry.
func pruneOldest(list []Draft) ([]Draft, bool) {
	if len(list) == 0 {
		return nil, false
	}
	return list[:(len(list)+1)/2], true
}

// Store holds all drafts of one profile in a single storage slot,
// newest first. Safe for concurrent use; the autosaver's timer flushes
// from its own goroutine.
type Store struct {
	kv      storage.KV
	key     string
	ceiling int
	now     func() time.Time

	mu   sync.Mutex
	list []Draft
}

// NewStore loads the profile's drafts from kv, migrating older records.
// ceiling <= 0 selects DefaultCeiling.
func NewStore(kv storage.KV, profileID string, ceiling int) *Store {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	key := Key(profileID)
	return &Store{
		kv:      kv,
		key:     key,
		ceiling: ceiling,
		list:    persist.Load(kv, key, []Draft{}, SchemaVersion, migrate),
		now:     time.Now,
	}
}

// Create adds a new draft. Beyond the ceiling it fails without mutating
// state.
func (s *Store) Create(title, body string) (Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.list) >= s.ceiling {
		return Draft{}, ErrDraftLimit
	}
	now := s.now()
	draft := Draft{
		ID:            util.NewID("draft"),
		Title:         title,
		Body:          body,
		Status:        "open",
		CreatedAt:     now,
		UpdatedAt:     now,
		SchemaVersion: SchemaVersion,
	}
	s.list = append([]Draft{draft}, s.list...)
	s.persistLocked()
	return draft, nil
}

func (s *Store) Get(id string) (Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.list {
		if d.ID == id {
			return d, true
		}
	}
	return Draft{}, false
}

// List returns the drafts newest first.
func (s *Store) List() []Draft {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Draft, len(s.list))
	copy(out, s.list)
	return out
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.list)
}

func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, d := range s.list {
		if d.ID == id {
			s.list = append(s.list[:i:i], s.list[i+1:]...)
			s.persistLocked()
			return nil
		}
	}
	return ErrNotFound
}

// Replace swaps the in-memory list for one re-hydrated from another
// instance's write. It does not persist: the data is already committed.
func (s *Store) Replace(list []Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = make([]Draft, len(list))
	copy(s.list, list)
}

// applyAll applies pre-merged patches in submission order and persists
// once. Patches for unknown drafts are skipped.
func (s *Store) applyAll(order []string, patches map[string]*Patch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	changed := false
	for _, id := range order {
		patch, ok := patches[id]
		if !ok {
			continue
		}
		for i := range s.list {
			if s.list[i].ID == id {
				patch.apply(&s.list[i])
				s.list[i].UpdatedAt = now
				changed = true
				break
			}
		}
	}
	if !changed {
		return true
	}
	return s.persistLocked()
}

func (s *Store) persistLocked() bool {
	return persist.Save(s.kv, s.key, s.list, SchemaVersion, pruneOldest)
}
