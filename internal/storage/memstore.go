package storage

import (
	"sync"

	"assembly/client/internal/util"
)

// MemStore is an in-memory backend with a byte quota. It backs tests and
// single-process runs. Open returns per-instance handles over the shared
// data, each with its own origin ID, so one process can host several
// "tabs" of the same profile.
type MemStore struct {
	mu       sync.Mutex
	quota    int
	items    map[string]string
	watchers map[int]chan Event
	nextID   int
}

// NewMemStore creates a memory backend holding at most quotaBytes of
// keys plus values. quotaBytes <= 0 means unbounded.
func NewMemStore(quotaBytes int) *MemStore {
	return &MemStore{
		quota:    quotaBytes,
		items:    make(map[string]string),
		watchers: make(map[int]chan Event),
	}
}

// Open returns a new handle with a fresh origin over the shared data.
func (m *MemStore) Open() *MemSession {
	return &MemSession{store: m, origin: util.NewID("mem")}
}

func (m *MemStore) usedLocked() int {
	used := 0
	for k, v := range m.items {
		used += len(k) + len(v)
	}
	return used
}

// notify queues the event for every watcher. Delivery happens on each
// watcher's own goroutine, in write order, never on the writer's stack.
func (m *MemStore) notify(ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.watchers {
		select {
		case ch <- ev:
		default:
			// Slow consumer; dropping keeps writers from blocking.
		}
	}
}

// MemSession is one handle over a MemStore.
type MemSession struct {
	store  *MemStore
	origin string
}

func (s *MemSession) Origin() string { return s.origin }

func (s *MemSession) GetItem(key string) (string, bool) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	value, ok := s.store.items[key]
	return value, ok
}

func (s *MemSession) SetItem(key, value string) error {
	s.store.mu.Lock()
	if s.store.quota > 0 {
		used := s.store.usedLocked()
		if prev, ok := s.store.items[key]; ok {
			used -= len(key) + len(prev)
		}
		if used+len(key)+len(value) > s.store.quota {
			s.store.mu.Unlock()
			return ErrQuotaExceeded
		}
	}
	s.store.items[key] = value
	s.store.mu.Unlock()

	s.store.notify(Event{Origin: s.origin, Key: key, NewValue: value})
	return nil
}

func (s *MemSession) RemoveItem(key string) {
	s.store.mu.Lock()
	_, existed := s.store.items[key]
	delete(s.store.items, key)
	s.store.mu.Unlock()

	if existed {
		s.store.notify(Event{Origin: s.origin, Key: key, Removed: true})
	}
}

func (s *MemSession) Watch(fn func(Event)) func() {
	ch := make(chan Event, 256)
	s.store.mu.Lock()
	id := s.store.nextID
	s.store.nextID++
	s.store.watchers[id] = ch
	s.store.mu.Unlock()

	go func() {
		for ev := range ch {
			fn(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.store.mu.Lock()
			delete(s.store.watchers, id)
			s.store.mu.Unlock()
			close(ch)
		})
	}
}
