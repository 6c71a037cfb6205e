package sqlitestore

import (
	"context"
	"log/slog"
	"sync"
)

// Watcher delivers "the database files were touched" signals.
// Implemented by [watch.File].
type Watcher interface {
	Subscribe(fn func()) (cancel func(), err error)
}

// ExternalChanges turns file-touch signals into a native storage change
// notification that, like the browser storage event, only fires for writes
// made by other processes. Our own commits leave data_version unchanged and
// are filtered out.
type ExternalChanges struct {
	store   *Store
	watcher Watcher
	log     *slog.Logger
}

// NewExternalChanges wires store to watcher.
func NewExternalChanges(store *Store, watcher Watcher, logger *slog.Logger) *ExternalChanges {
	return &ExternalChanges{store: store, watcher: watcher, log: logger}
}

// Subscribe calls fn after every file signal that coincides with a commit
// from another connection.
func (c *ExternalChanges) Subscribe(fn func()) (func(), error) {
	last, err := c.store.DataVersion(context.Background())
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	return c.watcher.Subscribe(func() {
		v, err := c.store.DataVersion(context.Background())
		if err != nil {
			c.log.Error("checking storage data_version", "error", err)
			return
		}
		mu.Lock()
		changed := v != last
		last = v
		mu.Unlock()
		if changed {
			fn()
		}
	})
}
