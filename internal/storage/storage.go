// Package storage provides the shared key/value surface the engine
// persists into, plus the change events that propagate committed writes
// between client instances sharing the same backend.
package storage

import "errors"

// ErrQuotaExceeded is returned by SetItem when a backend refuses the
// write for size reasons. Callers may retry once with a smaller payload;
// anything beyond that degrades to memory-only state.
var ErrQuotaExceeded = errors.New("storage quota exceeded")

// Event describes a committed write observed on the backend. Origin is
// the writing handle's instance ID: backends deliver events to every
// watcher, including the writer's own, so consumers that only care about
// foreign writes filter on Origin.
type Event struct {
	Origin   string `json:"origin"`
	Key      string `json:"key"`
	NewValue string `json:"newValue"`
	Removed  bool   `json:"removed,omitempty"`
}

// KV is the synchronous key/value API every persisted slot goes through.
type KV interface {
	// GetItem returns the stored value and whether the key exists.
	GetItem(key string) (string, bool)
	// SetItem stores value under key. It may return ErrQuotaExceeded.
	SetItem(key, value string) error
	// RemoveItem deletes key. Removing a missing key is a no-op.
	RemoveItem(key string)
	// Origin identifies this handle in change events.
	Origin() string
}

// Watcher delivers change events for writes committed on the backend.
// The returned stop function unregisters the watcher and is idempotent.
// The goroutine events arrive on varies per backend; callbacks must be
// safe for concurrent invocation.
type Watcher interface {
	Watch(fn func(Event)) (stop func())
}

// Store is a KV backend that can also report changes.
type Store interface {
	KV
	Watcher
}
