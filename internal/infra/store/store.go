// Package store provides the durable key-value storage the outbox persists
// its queue record into. The queue is serialized as one JSON document under a
// single key, rewritten in full on every mutation.
package store

import "context"

// Store is the durable KV interface the outbox writes through.
type Store interface {
	// Get returns the stored value for key, or ok=false if absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes value under key, replacing any previous value.
	Set(ctx context.Context, key string, value string) error
}
