// Package observable provides a shared value with explicit subscribe/notify
// semantics.
//
// Notifications are serialized and coalesced: subscribers always observe the
// latest value last, and a subscriber may call Set on the value it observes
// without deadlocking (the new value is delivered after the current round).
package observable

import (
	"sync"

	"github.com/rs/zerolog"
)

// Value holds a value of type T and notifies subscribers when it changes.
type Value[T any] struct {
	mu        sync.Mutex
	val       T
	version   uint64
	delivered uint64
	notifying bool
	nextID    uint64
	subs      []subscriber[T]
	onPanic   func(recovered any)
}

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// NewValue creates a Value with the given initial value.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{val: initial}
}

// WithPanicHandler sets fn to receive panics raised by subscribers. A
// panicking subscriber never stops delivery to the others or to later
// values; without a handler the panic is dropped.
func (v *Value[T]) WithPanicHandler(fn func(recovered any)) *Value[T] {
	v.mu.Lock()
	v.onPanic = fn
	v.mu.Unlock()
	return v
}

// LogPanics returns a panic handler that logs to log.
func LogPanics(log zerolog.Logger) func(recovered any) {
	return func(r any) {
		log.Error().Interface("panic", r).Msg("state subscriber panicked")
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.val
}

// Version returns the number of Set/Update calls applied so far.
func (v *Value[T]) Version() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.version
}

// Set replaces the value and notifies subscribers.
func (v *Value[T]) Set(val T) {
	v.mu.Lock()
	v.val = val
	v.version++
	v.flushLocked()
}

// Update applies fn to the current value atomically and notifies subscribers.
// fn must not call back into v.
func (v *Value[T]) Update(fn func(T) T) {
	v.mu.Lock()
	v.val = fn(v.val)
	v.version++
	v.flushLocked()
}

// flushLocked delivers pending versions. It is entered with v.mu held and
// returns with it released. Only one goroutine delivers at a time; others
// just bump the version and leave the delivery to the active notifier.
func (v *Value[T]) flushLocked() {
	if v.notifying {
		v.mu.Unlock()
		return
	}
	v.notifying = true
	defer func() {
		v.notifying = false
		v.mu.Unlock()
	}()

	for v.delivered != v.version {
		v.delivered = v.version
		cur := v.val
		subs := make([]subscriber[T], len(v.subs))
		copy(subs, v.subs)
		onPanic := v.onPanic
		v.mu.Unlock()

		for _, s := range subs {
			deliver(s.fn, cur, onPanic)
		}

		v.mu.Lock()
	}
}

func deliver[T any](fn func(T), val T, onPanic func(any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(r)
		}
	}()
	fn(val)
}

// Subscribe registers fn to be called with every new value. The returned
// function removes the subscription and is safe to call more than once.
func (v *Value[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	v.mu.Lock()
	v.nextID++
	id := v.nextID
	v.subs = append(v.subs, subscriber[T]{id: id, fn: fn})
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			for i, s := range v.subs {
				if s.id == id {
					v.subs = append(v.subs[:i:i], v.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Len returns the number of active subscribers.
func (v *Value[T]) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}
