// Package dispatch routes decoded messages to handlers keyed by message kind.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"paddlesync/server/internal/net/proto"
)

// ErrUnknownKind is returned when no handler is registered for a kind.
var ErrUnknownKind = errors.New("unknown message kind")

// Handler processes one message from a sender. from is the peer id of the
// sender, or empty when the message came from the authority.
type Handler func(ctx context.Context, from string, msg proto.Message) error

// Table maps message kinds to handlers.
type Table struct {
	mu       sync.RWMutex
	handlers map[proto.Kind]Handler
}

// NewTable constructs an empty dispatch table.
func NewTable() *Table {
	return &Table{handlers: make(map[proto.Kind]Handler)}
}

// Handle registers h for kind, replacing any previous handler.
func (t *Table) Handle(kind proto.Kind, h Handler) {
	if t == nil || h == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[kind] = h
}

// On registers a typed handler for the schema T.
func On[T proto.Message](t *Table, fn func(ctx context.Context, from string, msg T) error) {
	var zero T
	t.Handle(zero.Kind(), func(ctx context.Context, from string, msg proto.Message) error {
		typed, ok := msg.(T)
		if !ok {
			return fmt.Errorf("dispatch %s: unexpected payload %T", zero.Kind(), msg)
		}
		return fn(ctx, from, typed)
	})
}

// Dispatch invokes the handler registered for msg's kind.
func (t *Table) Dispatch(ctx context.Context, from string, msg proto.Message) error {
	if msg == nil {
		return fmt.Errorf("dispatch: nil message")
	}
	t.mu.RLock()
	h, ok := t.handlers[msg.Kind()]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w for %s", ErrUnknownKind, msg.Kind())
	}
	return h(ctx, from, msg)
}

// Has reports whether a handler exists for kind.
func (t *Table) Has(kind proto.Kind) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.handlers[kind]
	return ok
}
