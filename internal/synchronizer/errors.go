package synchronizer

import (
	"context"
	"errors"
	"fmt"

	"github.com/jotsync/jotsync/internal/locks"
)

var (
	ErrSyncAlreadyRunning = errors.New("sync already running")
	// ErrTargetLocked wraps *locks.LockExpiredError when another client holds
	// an exclusive lock, typically during an upgrade.
	ErrTargetLocked = errors.New("sync target is locked by another client")
	errCancelled    = errors.New("sync cancelled")
)

func isStop(err error) bool {
	return errors.Is(err, errCancelled) || errors.Is(err, context.Canceled) || errors.Is(err, locks.ErrLockLost)
}

// ItemError records an item that could not be synced in this run. The run
// carries on without it.
type ItemError struct {
	ItemID string `json:"itemId"`
	Path   string `json:"path"`
	Op     string `json:"op"`
	Err    error  `json:"-"`
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}
