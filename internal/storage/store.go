// Package storage mirrors two key-value stores, one persistent and one
// session-scoped, into an in-memory item list.
//
// The [Mirror] re-enumerates both stores whenever it is told something may
// have changed: by the store's own cross-process [ChangeSource], by a
// same-process [Bus] message from another mirror, after one of its own
// mutations, or on an explicit [Mirror.Refresh].
package storage

import (
	"context"
	"errors"
)

// ErrStoreUnavailable is returned when an operation targets a store kind the
// mirror was not given.
var ErrStoreUnavailable = errors.New("storage kind not available")

// KeyValueStore is the port over one string-to-string store.
// Implemented by [sqlitestore.Store] for both kinds.
type KeyValueStore interface {
	// Keys returns the keys currently present.
	Keys(ctx context.Context) ([]string, error)
	// Get returns the raw value for key; ok is false if the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// ChangeSource delivers the store's native change notification. It only
// reports writes made outside this process, mirroring how the browser
// "storage" event only fires for other tabs. Implemented by
// [sqlitestore.ExternalChanges].
type ChangeSource interface {
	Subscribe(fn func()) (cancel func(), err error)
}
