package sqlitestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrNoSession is returned by [OpenSession] when no watch session with the
// given id exists.
var ErrNoSession = errors.New("no such storage session")

// SessionPath returns the database file of session id. Session stores live
// in the system temp directory and are removed when their session ends.
func SessionPath(id string) string {
	return filepath.Join(os.TempDir(), "devpeek-session-"+id+".db")
}

// CreateSession opens a new, empty session store for id.
func CreateSession(id, driver string) (*Store, error) {
	path := SessionPath(id)
	if err := RemoveSession(id); err != nil {
		return nil, err
	}
	return Open(path, driver)
}

// OpenSession attaches to the store of a running session.
func OpenSession(id, driver string) (*Store, error) {
	path := SessionPath(id)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoSession, id)
		}
		return nil, fmt.Errorf("checking session %s: %w", id, err)
	}
	return Open(path, driver)
}

// RemoveSession deletes the session database and its -wal and -shm files.
// Removing a session that does not exist is not an error.
func RemoveSession(id string) error {
	path := SessionPath(id)
	var errs []error
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("removing session %s: %w", id, err)
	}
	return nil
}
