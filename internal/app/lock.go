package app

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrDaemonRunning is returned when another process holds the dispatch lock.
var ErrDaemonRunning = errors.New("another broadcastd daemon is already running")

// tryLock takes the dispatch lock without blocking. ok=false means another
// process owns dispatch for this database.
func tryLock(path string) (*flock.Flock, bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, false, fmt.Errorf("lock dir: %w", err)
	}
	lk := flock.New(path)
	ok, err := lk.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return lk, true, nil
}

func releaseLock(lk *flock.Flock) error {
	if lk == nil {
		return nil
	}
	return lk.Unlock()
}
