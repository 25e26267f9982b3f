// Package store defines the backing store collaborator: any durable
// key/value interface the write policies and replicas persist into.
package store

import "context"

// Backend is a durable key/value store.
//
// Get reports a missing key as (nil, false, nil); errors are reserved for
// genuine failures. Set and Delete must be durable once they return nil.
// Delete of a missing key is not an error.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Scanner is implemented by backends that can enumerate keys by prefix.
// The engine uses it to warm the cache on start.
type Scanner interface {
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error
}
