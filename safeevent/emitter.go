// Package safeevent is an event emitter whose subscribers cannot hurt the
// emitter. A panicking subscriber is recovered and logged, and the remaining
// subscribers still receive the event.
package safeevent

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Emitter delivers values of type T to subscribers in subscription order.
// The zero value is not usable; use New.
type Emitter[T any] struct {
	name   string
	logger *slog.Logger

	mu     sync.RWMutex
	subs   []subscriber[T]
	nextID uint64
}

// New returns an emitter. name labels log records about failing subscribers.
func New[T any](name string, logger *slog.Logger) *Emitter[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter[T]{name: name, logger: logger}
}

// Subscribe registers fn and returns a function that removes it.
func (e *Emitter[T]) Subscribe(fn func(T)) (cancel func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.subs = append(e.subs, subscriber[T]{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(id) })
	}
}

func (e *Emitter[T]) remove(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, s := range e.subs {
		if s.id == id {
			e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
			return
		}
	}
}

// Emit calls every subscriber with v and returns the number that returned
// normally. Subscribers added or removed during Emit do not affect this call.
func (e *Emitter[T]) Emit(v T) int {
	e.mu.RLock()
	subs := e.subs
	e.mu.RUnlock()

	delivered := 0
	for _, s := range subs {
		if e.call(s.fn, v) {
			delivered++
		}
	}
	return delivered
}

func (e *Emitter[T]) call(fn func(T), v T) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event subscriber panicked",
				"event", e.name,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			ok = false
		}
	}()
	fn(v)
	return true
}

// Len returns the number of subscribers.
func (e *Emitter[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subs)
}
