// Package observable provides a minimal value cell with manual
// subscription: a holder plus an ordered list of listeners, with an
// explicit unsubscribe returned at registration time.
package observable

import "sync"

type listener[T any] struct {
	id int
	fn func(T)
}

// Value is a mutable cell of T. Set replaces the value and notifies
// listeners synchronously in registration order. The creating component
// owns the cell; consumers hold a reference plus the unsubscribe handle,
// which they must call on teardown to avoid leaked listeners.
type Value[T any] struct {
	mu        sync.Mutex
	value     T
	nextID    int
	listeners []listener[T]
}

func New[T any](initial T) *Value[T] {
	return &Value[T]{value: initial}
}

func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set replaces the current value and notifies every listener on the
// caller's goroutine, in the order they subscribed.
func (v *Value[T]) Set(next T) {
	v.mu.Lock()
	v.value = next
	subs := make([]listener[T], len(v.listeners))
	copy(subs, v.listeners)
	v.mu.Unlock()

	for _, l := range subs {
		l.fn(next)
	}
}

// Subscribe registers fn and returns its unsubscribe function. Calling
// the returned function more than once is a no-op.
func (v *Value[T]) Subscribe(fn func(T)) func() {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.listeners = append(v.listeners, listener[T]{id: id, fn: fn})
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		for i, l := range v.listeners {
			if l.id == id {
				v.listeners = append(v.listeners[:i:i], v.listeners[i+1:]...)
				return
			}
		}
	}
}
