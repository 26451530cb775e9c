package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/utils"
)

const (
	DefaultLockTTL             = 3 * time.Minute
	DefaultAutoRefreshInterval = time.Minute
	DefaultVerifyPause         = time.Second
	DefaultRetryInterval       = time.Second
)

type Options struct {
	// LockTTL is how old a lock may get before others ignore it.
	LockTTL time.Duration
	// AutoRefreshInterval is the heartbeat period of StartAutoLockRefresh.
	AutoRefreshInterval time.Duration
	// VerifyPause is the wait between writing an exclusive lock and checking
	// for competitors.
	VerifyPause   time.Duration
	RetryInterval time.Duration
	Now           func() time.Time
}

type AcquireOptions struct {
	// Timeout bounds the time spent waiting for competitors to go away. Zero
	// means a single attempt.
	Timeout time.Duration
}

// LockHandler implements readers-writer locking between clients that only
// share the sync target. Sync locks are shared; an exclusive lock excludes
// every other client's lock.
type LockHandler struct {
	api    *fileapi.FileAPI
	opts   Options
	logger *slog.Logger
}

func NewLockHandler(api *fileapi.FileAPI, opts Options) *LockHandler {
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.AutoRefreshInterval <= 0 {
		opts.AutoRefreshInterval = DefaultAutoRefreshInterval
	}
	if opts.VerifyPause <= 0 {
		opts.VerifyPause = DefaultVerifyPause
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LockHandler{
		api:    api,
		opts:   opts,
		logger: slog.Default().With("component", "locks"),
	}
}

func (h *LockHandler) LockTTL() time.Duration {
	return h.opts.LockTTL
}

func (h *LockHandler) now() int64 {
	return h.opts.Now().UnixMilli()
}

func (h *LockHandler) isStale(l *Lock) bool {
	return h.now()-l.UpdatedTime > h.opts.LockTTL.Milliseconds()
}

type lockFile struct {
	path        string
	updatedTime int64
	lock        *Lock
}

// lockFiles lists every lock file. Unreadable or torn files have a nil lock.
func (h *LockHandler) lockFiles(ctx context.Context) ([]lockFile, error) {
	var (
		files  []lockFile
		marker string
	)
	for {
		page, err := h.api.List(ctx, Dir, fileapi.ListOptions{Context: marker})
		if err != nil {
			return nil, fmt.Errorf("list locks: %w", err)
		}
		for _, st := range page.Items {
			if st.IsDir || !strings.HasSuffix(st.Path, ".json") {
				continue
			}
			p := Dir + "/" + st.Path
			lf := lockFile{path: p, updatedTime: st.UpdatedTime}

			data, err := h.api.Get(ctx, p)
			if errors.Is(err, fileapi.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("read lock %s: %w", p, err)
			}
			if l, err := parseLock(data); err != nil {
				h.logger.Debug("ignoring invalid lock file", "path", p, "error", err)
			} else {
				lf.lock = l
			}
			files = append(files, lf)
		}
		if !page.HasMore {
			return files, nil
		}
		marker = page.Context
	}
}

// Locks returns the live locks of the given type, or of every type when
// lockType is empty. Stale and unparsable lock files are skipped.
func (h *LockHandler) Locks(ctx context.Context, lockType LockType) ([]Lock, error) {
	files, err := h.lockFiles(ctx)
	if err != nil {
		return nil, err
	}
	var out []Lock
	for _, f := range files {
		if f.lock == nil || h.isStale(f.lock) {
			continue
		}
		if lockType != "" && f.lock.Type != lockType {
			continue
		}
		out = append(out, *f.lock)
	}
	return out, nil
}

// HasActiveLock reports whether the given client holds a live lock of lockType.
func (h *LockHandler) HasActiveLock(ctx context.Context, lockType LockType, clientType ClientType, clientID string) (bool, error) {
	locks, err := h.Locks(ctx, lockType)
	if err != nil {
		return false, err
	}
	for _, l := range locks {
		if l.ClientID == clientID && l.ClientType == clientType {
			return true, nil
		}
	}
	return false, nil
}

func (h *LockHandler) writeLock(ctx context.Context, lockType LockType, clientType ClientType, clientID string) (*Lock, error) {
	l := &Lock{
		Type:        lockType,
		ClientType:  clientType,
		ClientID:    clientID,
		UpdatedTime: h.now(),
	}
	data, err := utils.JSONMarshal(l)
	if err != nil {
		return nil, err
	}
	if err := h.api.Put(ctx, Path(lockType, clientID), data); err != nil {
		return nil, fmt.Errorf("write %s: %w", l, err)
	}
	return l, nil
}

// exclusiveWinner picks the owner of contested exclusive locks: the oldest,
// then the lowest client id.
func exclusiveWinner(locks []Lock) *Lock {
	var winner *Lock
	for i := range locks {
		l := &locks[i]
		if l.Type != LockTypeExclusive {
			continue
		}
		if winner == nil || l.UpdatedTime < winner.UpdatedTime ||
			(l.UpdatedTime == winner.UpdatedTime && l.ClientID < winner.ClientID) {
			winner = l
		}
	}
	return winner
}

// conflicting returns a live lock of another client that prevents clientID
// from holding lockType, or nil.
func conflicting(locks []Lock, lockType LockType, clientID string) *Lock {
	for i := range locks {
		l := &locks[i]
		if l.ClientID == clientID {
			continue
		}
		if lockType == LockTypeExclusive || l.Type == LockTypeExclusive {
			return l
		}
	}
	return nil
}

// AcquireLock writes a lock file for the client and then checks again for
// competitors that wrote theirs concurrently. When it loses, it removes its
// own file and retries until opts.Timeout elapses.
func (h *LockHandler) AcquireLock(ctx context.Context, lockType LockType, clientType ClientType, clientID string, opts AcquireOptions) (*Lock, error) {
	start := time.Now()
	for {
		holder, l, err := h.tryAcquire(ctx, lockType, clientType, clientID)
		if err != nil {
			return nil, err
		}
		if l != nil {
			h.logger.Debug("lock acquired", "type", lockType, "clientId", clientID)
			return l, nil
		}

		if time.Since(start)+h.opts.RetryInterval > opts.Timeout {
			return nil, &LockExpiredError{Type: lockType, Timeout: opts.Timeout, Holder: holder}
		}
		h.logger.Debug("lock busy, retrying", "type", lockType, "holder", holder)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(h.opts.RetryInterval):
		}
	}
}

// tryAcquire makes one attempt. It returns either the acquired lock or the
// competing lock that blocked it.
func (h *LockHandler) tryAcquire(ctx context.Context, lockType LockType, clientType ClientType, clientID string) (holder, acquired *Lock, err error) {
	locks, err := h.Locks(ctx, "")
	if err != nil {
		return nil, nil, err
	}
	if c := conflicting(locks, lockType, clientID); c != nil {
		return c, nil, nil
	}

	l, err := h.writeLock(ctx, lockType, clientType, clientID)
	if err != nil {
		return nil, nil, err
	}

	if lockType == LockTypeExclusive {
		select {
		case <-ctx.Done():
			_ = h.ReleaseLock(context.WithoutCancel(ctx), lockType, clientType, clientID)
			return nil, nil, ctx.Err()
		case <-time.After(h.opts.VerifyPause):
		}
	}

	locks, err = h.Locks(ctx, "")
	if err != nil {
		return nil, nil, err
	}

	var blocker *Lock
	switch lockType {
	case LockTypeExclusive:
		for i := range locks {
			if locks[i].ClientID != clientID && locks[i].Type == LockTypeSync {
				blocker = &locks[i]
				break
			}
		}
		if blocker == nil {
			if w := exclusiveWinner(locks); w != nil && w.ClientID != clientID {
				blocker = w
			}
		}
	case LockTypeSync:
		blocker = conflicting(locks, LockTypeSync, clientID)
	}

	if blocker != nil {
		if err := h.ReleaseLock(ctx, lockType, clientType, clientID); err != nil {
			return nil, nil, err
		}
		return blocker, nil, nil
	}
	return nil, l, nil
}

// ReleaseLock deletes the client's lock file. Releasing a lock that does not
// exist is not an error.
func (h *LockHandler) ReleaseLock(ctx context.Context, lockType LockType, clientType ClientType, clientID string) error {
	if err := h.api.Delete(ctx, Path(lockType, clientID)); err != nil {
		return fmt.Errorf("release %s lock: %w", lockType, err)
	}
	h.logger.Debug("lock released", "type", lockType, "clientType", clientType, "clientId", clientID)
	return nil
}

// ClearStaleLocks deletes lock files older than the TTL, including torn ones,
// and returns how many were removed.
func (h *LockHandler) ClearStaleLocks(ctx context.Context) (int, error) {
	files, err := h.lockFiles(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, f := range files {
		stale := false
		if f.lock != nil {
			stale = h.isStale(f.lock)
		} else {
			stale = h.now()-f.updatedTime > h.opts.LockTTL.Milliseconds()
		}
		if !stale {
			continue
		}
		if err := h.api.Delete(ctx, f.path); err != nil {
			return removed, fmt.Errorf("delete stale lock %s: %w", f.path, err)
		}
		removed++
	}
	return removed, nil
}
