package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jotsync/jotsync/internal/encryption"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/locks"
	"github.com/jotsync/jotsync/internal/migration"
	"github.com/jotsync/jotsync/internal/store"
	"github.com/jotsync/jotsync/internal/syncinfo"
	"github.com/jotsync/jotsync/internal/taskqueue"
)

const (
	DefaultMaxConcurrentConnections = taskqueue.DefaultConcurrency
	DefaultMaxRetries               = 3
	DefaultRetryInitialInterval     = 500 * time.Millisecond
	DefaultLockTimeout              = 30 * time.Second
	pushPageSize                    = 100
)

// Deps are the collaborators of a Synchronizer. Nothing is looked up
// globally, so several clients can live in one process.
type Deps struct {
	API        *fileapi.FileAPI
	Store      *store.Store
	Encryption encryption.Service
	Locks      *locks.LockHandler
	Migrations *migration.MigrationHandler
	ClientID   string
	ClientType locks.ClientType
}

type Options struct {
	MaxConcurrentConnections int
	// MaxRetries bounds the retries of a transient failure on one item.
	MaxRetries           int
	RetryInitialInterval time.Duration
	LockTimeout          time.Duration
	// DeltaOutputLimit is the number of remote changes fetched per page.
	DeltaOutputLimit int
	// IgnorePatterns are gitignore lines for remote paths that are never
	// sync items.
	IgnorePatterns []string
	Now            func() time.Time
}

type StartOptions struct {
	// SkipPull and SkipPush disable a phase, mostly for tests and tooling.
	SkipPull bool
	SkipPush bool
}

// keyManager is implemented by encryption services that track master keys
// and can be switched on and off following the target's info.json.
type keyManager interface {
	LoadMasterKey(mk *item.MasterKey)
	Enable(keyID string) error
	Disable()
	ActiveMasterKeyID() string
}

type Synchronizer struct {
	deps     Deps
	opts     Options
	filter   *pathFilter
	progress *progress
	logger   *slog.Logger

	running atomic.Bool

	abortMu sync.Mutex
	abort   error
}

func New(deps Deps, opts Options) *Synchronizer {
	if opts.MaxConcurrentConnections <= 0 {
		opts.MaxConcurrentConnections = DefaultMaxConcurrentConnections
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryInitialInterval <= 0 {
		opts.RetryInitialInterval = DefaultRetryInitialInterval
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.DeltaOutputLimit <= 0 {
		opts.DeltaOutputLimit = fileapi.DefaultDeltaOutputLimit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if deps.Encryption == nil {
		deps.Encryption = encryption.NewE2EEService()
	}
	return &Synchronizer{
		deps:     deps,
		opts:     opts,
		filter:   newPathFilter(opts.IgnorePatterns),
		progress: newProgress(),
		logger:   slog.Default().With("component", "sync", "client", deps.ClientID),
	}
}

func (s *Synchronizer) State() State {
	return s.progress.currentState()
}

// Report returns a snapshot of the current or last run.
func (s *Synchronizer) Report() *Report {
	return s.progress.snapshot()
}

// Subscribe returns a channel of report snapshots. Slow readers miss
// updates rather than block the sync.
func (s *Synchronizer) Subscribe() <-chan *Report {
	return s.progress.subscribe()
}

func (s *Synchronizer) Unsubscribe(ch <-chan *Report) {
	s.progress.unsubscribe(ch)
}

// Cancel asks the running sync to stop after the item in progress.
func (s *Synchronizer) Cancel() {
	if !s.running.Load() {
		return
	}
	s.setAbort(errCancelled)
	s.progress.setState(StateCancelling)
	s.logger.Info("sync cancel requested")
}

func (s *Synchronizer) setAbort(err error) {
	s.abortMu.Lock()
	defer s.abortMu.Unlock()
	if s.abort == nil {
		s.abort = err
	}
}

// stopRequested is checked between items. It never interrupts one.
func (s *Synchronizer) stopRequested(ctx context.Context) error {
	s.abortMu.Lock()
	err := s.abort
	s.abortMu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

// enterState moves to a new phase unless a stop was requested, in which case
// the run stays in StateCancelling.
func (s *Synchronizer) enterState(st State) {
	s.abortMu.Lock()
	stopping := s.abort != nil
	s.abortMu.Unlock()
	if stopping {
		return
	}
	s.progress.setState(st)
}

func (s *Synchronizer) now() int64 {
	return s.opts.Now().UnixMilli()
}

// Start runs one synchronization: version check, sync lock, remote changes
// then local changes. Per-item failures end up in the report; whole-run
// failures are returned. A cancelled run returns its report and no error.
func (s *Synchronizer) Start(ctx context.Context, opts StartOptions) (report *Report, err error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncAlreadyRunning
	}
	defer s.running.Store(false)

	s.abortMu.Lock()
	s.abort = nil
	s.abortMu.Unlock()

	s.progress.reset(s.opts.Now())
	tStart := time.Now()
	s.logger.Info("sync start")

	defer func() {
		s.progress.update(func(r *Report) {
			r.CompletedTime = s.opts.Now()
		})
		switch {
		case err != nil:
			s.progress.setState(StateError)
			s.logger.Error("sync failed", "error", err, "took", time.Since(tStart))
		default:
			s.progress.setState(StateIdle)
		}
		report = s.progress.snapshot()
	}()

	info, err := s.checkTarget(ctx)
	if err != nil {
		return nil, err
	}

	lock, err := s.deps.Locks.AcquireLock(ctx, locks.LockTypeSync, s.deps.ClientType, s.deps.ClientID,
		locks.AcquireOptions{Timeout: s.opts.LockTimeout})
	if err != nil {
		var lockErr *locks.LockExpiredError
		if errors.As(err, &lockErr) {
			return nil, fmt.Errorf("%w: %w", ErrTargetLocked, err)
		}
		return nil, fmt.Errorf("acquire sync lock: %w", err)
	}
	defer func() {
		if err := s.deps.Locks.ReleaseLock(context.WithoutCancel(ctx), locks.LockTypeSync, s.deps.ClientType, s.deps.ClientID); err != nil {
			s.logger.Error("release sync lock", "error", err)
		}
	}()

	refresh := s.deps.Locks.StartAutoLockRefresh(ctx, lock)
	defer refresh.Stop()
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case err := <-refresh.Err():
			s.logger.Warn("sync lock lost", "error", err)
			s.setAbort(fmt.Errorf("sync aborted: %w", err))
		case <-watchDone:
		}
	}()

	if err := s.loadLocalMasterKeys(ctx); err != nil {
		return nil, err
	}

	if !opts.SkipPull {
		if err := s.pull(ctx); err != nil {
			return s.finishAborted(err)
		}
	}

	if !opts.SkipPush {
		if err := s.setupEncryption(ctx, info); err != nil {
			s.logger.Warn("push skipped", "reason", err)
			s.progress.update(func(r *Report) { r.Warning = err.Error() })
		} else if err := s.push(ctx); err != nil {
			return s.finishAborted(err)
		}
	}

	s.enterState(StateFinalizing)
	snap := s.progress.snapshot()
	s.logger.Info("sync done", "summary", snap.String(), "took", time.Since(tStart))
	return nil, nil
}

// finishAborted turns a stop request into a clean cancelled run and lets
// every other error through.
func (s *Synchronizer) finishAborted(err error) (*Report, error) {
	if errors.Is(err, errCancelled) {
		s.progress.update(func(r *Report) { r.Cancelled = true })
		s.logger.Info("sync cancelled")
		return nil, nil
	}
	return nil, err
}

// checkTarget fails unless the target is at the supported version. A
// brand new target is initialized on the fly.
func (s *Synchronizer) checkTarget(ctx context.Context) (*syncinfo.Info, error) {
	info, err := s.deps.Migrations.CheckCanSync(ctx)
	var verr *migration.VersionError
	if errors.As(err, &verr) && verr.Code == migration.CodeOutdatedSyncTarget && !info.Exists {
		initialized, ierr := s.deps.Migrations.InitializeEmptyTarget(ctx)
		if ierr != nil {
			return nil, fmt.Errorf("initialize sync target: %w", ierr)
		}
		if initialized {
			info, err = s.deps.Migrations.CheckCanSync(ctx)
		}
	}
	if err != nil {
		if errors.As(err, &verr) {
			return nil, err
		}
		var lockErr *locks.LockExpiredError
		if errors.As(err, &lockErr) {
			return nil, fmt.Errorf("%w: %w", ErrTargetLocked, err)
		}
		return nil, fmt.Errorf("check sync target: %w", err)
	}
	return info, nil
}

func (s *Synchronizer) keyManager() (keyManager, bool) {
	km, ok := s.deps.Encryption.(keyManager)
	return km, ok
}

func (s *Synchronizer) loadLocalMasterKeys(ctx context.Context) error {
	km, ok := s.keyManager()
	if !ok {
		return nil
	}
	keys, err := s.deps.Store.LoadAll(ctx, item.TypeMasterKey)
	if err != nil {
		return err
	}
	for _, it := range keys {
		km.LoadMasterKey(it.(*item.MasterKey))
	}
	return nil
}

// setupEncryption follows the target's E2EE setting before anything is
// uploaded. It fails when the target is encrypted but this client cannot
// unlock the active key, since pushing would then leak plain text.
func (s *Synchronizer) setupEncryption(ctx context.Context, info *syncinfo.Info) error {
	// re-read: another client may have changed it while we pulled
	latest, err := s.deps.Migrations.FetchSyncTargetInfo(ctx)
	if err == nil {
		info = latest
	}

	km, ok := s.keyManager()
	if !ok {
		if info.E2EE.Value && !s.deps.Encryption.IsEncryptionEnabled() {
			return fmt.Errorf("sync target is encrypted: %w", encryption.ErrMasterKeyNotAvailable)
		}
		return nil
	}

	if !info.E2EE.Value {
		if s.deps.Encryption.IsEncryptionEnabled() {
			s.logger.Info("e2ee disabled on sync target")
			km.Disable()
		}
		return nil
	}
	if s.deps.Encryption.IsEncryptionEnabled() && km.ActiveMasterKeyID() == info.ActiveMasterKeyID {
		return nil
	}
	if err := km.Enable(info.ActiveMasterKeyID); err != nil {
		return fmt.Errorf("sync target is encrypted: %w", err)
	}
	s.logger.Info("e2ee enabled from sync target", "masterKey", info.ActiveMasterKeyID)
	return nil
}

func (s *Synchronizer) newTaskQueue(name string) *taskqueue.TaskQueue[*transfer] {
	return taskqueue.New[*transfer](name,
		taskqueue.WithConcurrency(s.opts.MaxConcurrentConnections),
		taskqueue.WithPollInterval(10*time.Millisecond))
}

func (s *Synchronizer) itemError(op, id, path string, err error) {
	ie := &ItemError{ItemID: id, Path: path, Op: op, Err: err}
	s.logger.Warn("sync item failed", "op", op, "id", id, "path", path, "error", err)
	s.progress.update(func(r *Report) { r.Errors = append(r.Errors, ie) })
}
