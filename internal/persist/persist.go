// Package persist stores versioned JSON records in storage slots and
// recovers from corruption, stale schemas and quota exhaustion. Load
// never fails; everything unexpected degrades to the caller's default.
package persist

import (
	"encoding/json"
	"errors"
	"log"

	"assembly/client/internal/storage"
)

// Record is the on-storage envelope for every persisted slot.
type Record struct {
	SchemaVersion int             `json:"schemaVersion"`
	Data          json.RawMessage `json:"data"`
}

// Migrate transforms data written under an older schema version into the
// current shape. It must be pure; an error discards the slot.
type Migrate func(oldVersion int, data json.RawMessage) (json.RawMessage, error)

// Pruner returns a smaller copy of value for the single retry after a
// quota failure (list-valued records drop their oldest entries).
// Returning false means nothing more can be dropped.
type Pruner[T any] func(value T) (T, bool)

// Load reads the record at key. Missing keys, unparsable payloads and
// failed migrations all yield def; corrupted slots are removed so the
// next write starts clean. A record under an older schema version passes
// through migrate and the migrated form is persisted back.
func Load[T any](kv storage.KV, key string, def T, version int, migrate Migrate) T {
	raw, ok := kv.GetItem(key)
	if !ok {
		return def
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		log.Printf("persist: clearing corrupt slot %s: %v", key, err)
		kv.RemoveItem(key)
		return def
	}

	data := rec.Data
	migrated := false
	if rec.SchemaVersion != version {
		if migrate == nil {
			log.Printf("persist: clearing slot %s: schema %d has no migration", key, rec.SchemaVersion)
			kv.RemoveItem(key)
			return def
		}
		next, err := migrate(rec.SchemaVersion, data)
		if err != nil {
			log.Printf("persist: clearing slot %s: migrate from schema %d: %v", key, rec.SchemaVersion, err)
			kv.RemoveItem(key)
			return def
		}
		data = next
		migrated = true
	}

	var value T
	if err := json.Unmarshal(data, &value); err != nil {
		log.Printf("persist: clearing corrupt slot %s: %v", key, err)
		kv.RemoveItem(key)
		return def
	}

	if migrated {
		Save[T](kv, key, value, version, nil)
	}
	return value
}

// Save writes value under key at the current schema version. On a quota
// failure it retries once with a pruned payload. It returns false when
// the write ultimately failed and the in-memory value is the only copy;
// that is a degraded state, not an error.
func Save[T any](kv storage.KV, key string, value T, version int, prune Pruner[T]) bool {
	err := write(kv, key, value, version)
	if err == nil {
		return true
	}
	if errors.Is(err, storage.ErrQuotaExceeded) && prune != nil {
		if pruned, ok := prune(value); ok {
			if retryErr := write(kv, key, pruned, version); retryErr == nil {
				log.Printf("persist: saved %s with pruned payload after quota failure", key)
				return true
			}
		}
	}
	log.Printf("persist: %s degraded to memory-only: %v", key, err)
	return false
}

func write[T any](kv storage.KV, key string, value T, version int) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Record{SchemaVersion: version, Data: data})
	if err != nil {
		return err
	}
	return kv.SetItem(key, string(payload))
}
