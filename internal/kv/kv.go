// Package kv defines the shared-store contract both clients communicate
// through: a hierarchical key-value namespace with write/remove/atomicUpdate
// primitives, an order-preserving push for append collections, and per-path
// change subscriptions.
//
// Guarantees (and non-guarantees) the engines rely on:
//   - a subscriber eventually observes every write under its path, in writer
//     order for that path; delivery is at-least-once, so duplicates happen;
//   - Subscribe first replays the current subtree as put events, then streams
//     live changes;
//   - there is no ordering or atomicity across different paths. The only
//     multi-client synchronization primitive is the single-key AtomicUpdate.
package kv

import (
	"context"
	"encoding/json"
)

// Op is the kind of change carried by an Event.
type Op int

const (
	// OpPut reports a key written or overwritten.
	OpPut Op = iota
	// OpRemove reports a key removed.
	OpRemove
)

// Event is one observed change to a leaf key.
type Event struct {
	Op    Op
	Path  string
	Value json.RawMessage // nil for OpRemove
}

// Handler receives change events. Handlers for one subscription are invoked
// sequentially; a slow handler delays later events for that subscriber only.
type Handler func(Event)

// Store is the shared-store adapter surface.
type Store interface {
	// Write marshals value as JSON and stores it at path.
	Write(ctx context.Context, path string, value any) error

	// Push appends value under path with a store-assigned key whose
	// lexicographic order matches insertion order. Returns the new key.
	Push(ctx context.Context, path string, value any) (string, error)

	// Remove deletes the key at path, or every key under it when path is a
	// subtree. Removing an absent path is not an error.
	Remove(ctx context.Context, path string) error

	// AtomicUpdate performs a single-key read-modify-write. fn receives the
	// current value (nil if absent) and returns the replacement. The update
	// retries internally until it applies against a stable read.
	AtomicUpdate(ctx context.Context, path string, fn func(cur json.RawMessage) (any, error)) error

	// Subscribe registers h for all changes at or under path. The current
	// subtree is replayed as put events before live changes. The returned
	// cancel stops delivery; it does not block on an in-flight handler.
	Subscribe(path string, h Handler) (cancel func())

	// Close releases the backend connection and cancels all subscriptions.
	Close() error
}
