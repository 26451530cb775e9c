package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jotsync/jotsync/internal/fileapi"
)

// AutoRefresh is a running lock heartbeat. The first refresh failure is
// delivered on Err and ends the heartbeat; the lock owner must then abort
// whatever the lock was protecting.
type AutoRefresh struct {
	cancel context.CancelFunc
	done   chan struct{}
	errCh  chan error
	once   sync.Once
}

func (a *AutoRefresh) Err() <-chan error {
	return a.errCh
}

// Stop ends the heartbeat and waits for it to exit. It does not release the
// lock.
func (a *AutoRefresh) Stop() {
	a.once.Do(func() {
		a.cancel()
		<-a.done
	})
}

// StartAutoLockRefresh rewrites the lock's updated_time every
// AutoRefreshInterval until stopped.
func (h *LockHandler) StartAutoLockRefresh(ctx context.Context, lock *Lock) *AutoRefresh {
	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a := &AutoRefresh{
		cancel: cancel,
		done:   make(chan struct{}),
		errCh:  make(chan error, 1),
	}

	current := *lock
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(h.opts.AutoRefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := h.refreshLock(ctx, &current)
			if err == nil {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			h.logger.Warn("lock refresh failed", "lock", current.String(), "error", err)
			a.errCh <- err
			return
		}
	}()

	return a
}

func (h *LockHandler) refreshLock(ctx context.Context, lock *Lock) error {
	p := Path(lock.Type, lock.ClientID)
	data, err := h.api.Get(ctx, p)
	if errors.Is(err, fileapi.ErrNotFound) {
		return fmt.Errorf("%w: %s was deleted", ErrLockLost, lock)
	}
	if err != nil {
		return fmt.Errorf("refresh %s: %w", lock, err)
	}
	if _, err := parseLock(data); err != nil {
		return fmt.Errorf("%w: %s is corrupt: %v", ErrLockLost, lock, err)
	}

	locks, err := h.Locks(ctx, LockTypeExclusive)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", lock, err)
	}
	for i := range locks {
		other := &locks[i]
		if other.ClientID == lock.ClientID {
			continue
		}
		if lock.Type == LockTypeSync || exclusiveWinner(locks).ClientID != lock.ClientID {
			return fmt.Errorf("%w: superseded by %s", ErrLockLost, other)
		}
	}

	refreshed, err := h.writeLock(ctx, lock.Type, lock.ClientType, lock.ClientID)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", lock, err)
	}
	lock.UpdatedTime = refreshed.UpdatedTime
	return nil
}
