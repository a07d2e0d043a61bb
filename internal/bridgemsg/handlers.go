package bridgemsg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// HandlerFunc processes one inbound message of a registered kind.
type HandlerFunc func(ctx context.Context, msg *Message) error

// HandlerID identifies a registration so it can be removed later.
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn HandlerFunc
}

// Handlers is a concurrency-safe registry of per-kind handlers.
type Handlers struct {
	mu     sync.RWMutex
	nextID HandlerID
	byKind map[Kind][]handlerEntry
}

func NewHandlers() *Handlers {
	return &Handlers{byKind: make(map[Kind][]handlerEntry)}
}

// Add appends fn to the handlers for kind.
func (h *Handlers) Add(kind Kind, fn HandlerFunc) HandlerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.byKind[kind] = append(h.byKind[kind], handlerEntry{id: h.nextID, fn: fn})
	return h.nextID
}

// Remove unregisters a handler. It reports whether the id was found.
func (h *Handlers) Remove(kind Kind, id HandlerID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := h.byKind[kind]
	for i, e := range entries {
		if e.id == id {
			h.byKind[kind] = append(entries[:i:i], entries[i+1:]...)
			if len(h.byKind[kind]) == 0 {
				delete(h.byKind, kind)
			}
			return true
		}
	}
	return false
}

// Has reports whether any handler is registered for kind.
func (h *Handlers) Has(kind Kind) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byKind[kind]) > 0
}

// Counts returns the number of handlers per kind.
func (h *Handlers) Counts() map[Kind]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[Kind]int, len(h.byKind))
	for k, v := range h.byKind {
		out[k] = len(v)
	}
	return out
}

// Dispatch runs every handler for msg.Kind in registration order and returns
// how many ran. Errors and panics are logged and never stop later handlers.
func (h *Handlers) Dispatch(ctx context.Context, msg *Message) int {
	h.mu.RLock()
	entries := make([]handlerEntry, len(h.byKind[msg.Kind]))
	copy(entries, h.byKind[msg.Kind])
	h.mu.RUnlock()

	for _, e := range entries {
		if err := safeCall(ctx, e.fn, msg); err != nil {
			slog.Error("message handler", "kind", msg.Kind, "id", msg.ID, "error", err)
		}
	}
	return len(entries)
}

func safeCall(ctx context.Context, fn HandlerFunc, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, msg)
}
