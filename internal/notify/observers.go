// Package notify provides observer lists with deterministic delivery order.
package notify

import (
	"sync"

	"github.com/elliotchance/orderedmap/v2"
)

// List delivers values to subscribers in subscription order. Subscribe and
// unsubscribe are safe from any goroutine; Emit runs callbacks on the caller's
// goroutine.
type List[T any] struct {
	mu        sync.Mutex
	nextID    uint64
	observers *orderedmap.OrderedMap[uint64, func(T)]
}

// Subscribe registers fn and returns the function that removes it.
func (l *List[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	if l == nil || fn == nil {
		return func() {}
	}
	l.mu.Lock()
	if l.observers == nil {
		l.observers = orderedmap.NewOrderedMap[uint64, func(T)]()
	}
	l.nextID++
	id := l.nextID
	l.observers.Set(id, fn)
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if l.observers != nil {
				l.observers.Delete(id)
			}
		})
	}
}

// Emit calls every observer with value.
func (l *List[T]) Emit(value T) {
	for _, fn := range l.snapshot() {
		fn(value)
	}
}

// Len reports the number of active observers.
func (l *List[T]) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.observers == nil {
		return 0
	}
	return l.observers.Len()
}

// Clear drops every observer.
func (l *List[T]) Clear() {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = nil
}

func (l *List[T]) snapshot() []func(T) {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.observers == nil || l.observers.Len() == 0 {
		return nil
	}
	fns := make([]func(T), 0, l.observers.Len())
	for el := l.observers.Front(); el != nil; el = el.Next() {
		fns = append(fns, el.Value)
	}
	return fns
}
