// Package tabsync reconciles in-memory state from writes committed by
// other client instances sharing the same storage backend.
package tabsync

import (
	"encoding/json"
	"log"

	"assembly/client/internal/persist"
	"assembly/client/internal/storage"
)

// Setup watches st for foreign writes to the owned keys and hands each
// parsed record payload to onExternalChange, so the caller can replace
// its in-memory mirror. A payload that does not parse as a record
// envelope is logged and dropped; a malformed write from one instance
// must never crash another. The returned unsubscribe is idempotent.
//
// Concurrent writes from two instances stay last-write-wins at the
// storage layer; no field merge or conflict warning is attempted.
func Setup(st storage.Store, keys []string, onExternalChange func(key string, version int, data json.RawMessage)) func() {
	owned := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		owned[key] = struct{}{}
	}
	origin := st.Origin()

	return st.Watch(func(ev storage.Event) {
		if ev.Origin == origin {
			return
		}
		if _, ok := owned[ev.Key]; !ok {
			return
		}
		if ev.Removed || ev.NewValue == "" {
			return
		}

		var rec persist.Record
		if err := json.Unmarshal([]byte(ev.NewValue), &rec); err != nil {
			log.Printf("tabsync: ignoring malformed write for %s: %v", ev.Key, err)
			return
		}
		if len(rec.Data) == 0 {
			log.Printf("tabsync: ignoring write for %s: no record payload", ev.Key)
			return
		}
		onExternalChange(ev.Key, rec.SchemaVersion, rec.Data)
	})
}
