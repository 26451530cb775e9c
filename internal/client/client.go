package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/jotsync/jotsync/internal/config"
	"github.com/jotsync/jotsync/internal/encryption"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/locks"
	"github.com/jotsync/jotsync/internal/migration"
	"github.com/jotsync/jotsync/internal/store"
	"github.com/jotsync/jotsync/internal/synchronizer"
	"github.com/jotsync/jotsync/internal/syncinfo"
	"github.com/jotsync/jotsync/internal/utils"
	"github.com/jotsync/jotsync/internal/watcher"
)

const lockFileName = "jotsync.lock"

var (
	ErrProfileLocked    = errors.New("profile is in use by another jotsync process")
	ErrWatchUnsupported = errors.New("only filesystem and server targets can be watched")
)

// Client wires one profile to one sync target. Everything a sync needs is
// owned here, so tests can run several clients against a shared remote.
type Client struct {
	config *config.Config
	flock  *flock.Flock

	api        *fileapi.FileAPI
	store      *store.Store
	encryption *encryption.E2EEService
	locks      *locks.LockHandler
	migrations *migration.MigrationHandler
	sync       *synchronizer.Synchronizer
}

// New builds the driver for cfg.Target and the rest of the stack on top.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	driver, err := NewDriver(ctx, cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("sync target: %w", err)
	}
	return NewWithDeps(cfg, fileapi.New(driver, cfg.Target.BaseDir))
}

func NewDriver(ctx context.Context, t config.TargetConfig) (fileapi.Driver, error) {
	switch t.Type {
	case config.TargetFilesystem:
		return fileapi.NewOsFsDriver(t.Path)
	case config.TargetMemory:
		return fileapi.NewMemoryDriver(), nil
	case config.TargetS3:
		return fileapi.NewS3Driver(ctx, *t.S3)
	case config.TargetServer:
		return fileapi.NewServerDriver(*t.Server)
	default:
		return nil, fmt.Errorf("unknown target type %q", t.Type)
	}
}

// NewWithDeps builds a client on an existing FileAPI. The profile is locked
// until Close.
func NewWithDeps(cfg *config.Config, api *fileapi.FileAPI) (*Client, error) {
	if err := utils.EnsureDir(cfg.ProfileDir); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	fl := flock.New(filepath.Join(cfg.ProfileDir, lockFileName))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock profile: %w", err)
	}
	if !locked {
		return nil, ErrProfileLocked
	}

	st, err := store.Open(cfg.ProfileDir)
	if err != nil {
		fl.Unlock()
		return nil, err
	}

	enc := encryption.NewE2EEService()
	if cfg.MasterPassword != "" {
		enc.SetMasterPassword(cfg.MasterPassword)
	}

	lh := locks.NewLockHandler(api, locks.Options{
		LockTTL:             cfg.Sync.LockTTL.Std(),
		AutoRefreshInterval: cfg.Sync.LockAutoRefreshInterval.Std(),
	})
	mh := migration.NewMigrationHandler(api, lh, migration.Options{
		ClientID:    cfg.ClientID,
		ClientType:  cfg.ClientType,
		LockTimeout: cfg.Sync.LockTimeout.Std(),
	})
	s := synchronizer.New(synchronizer.Deps{
		API:        api,
		Store:      st,
		Encryption: enc,
		Locks:      lh,
		Migrations: mh,
		ClientID:   cfg.ClientID,
		ClientType: cfg.ClientType,
	}, synchronizer.Options{
		MaxConcurrentConnections: cfg.Sync.MaxConcurrentConnections,
		MaxRetries:               cfg.Sync.MaxRetries,
		LockTimeout:              cfg.Sync.LockTimeout.Std(),
		DeltaOutputLimit:         cfg.Sync.DeltaOutputLimit,
		IgnorePatterns:           cfg.Sync.IgnorePatterns,
	})

	return &Client{
		config:     cfg,
		flock:      fl,
		api:        api,
		store:      st,
		encryption: enc,
		locks:      lh,
		migrations: mh,
		sync:       s,
	}, nil
}

func (c *Client) Config() *config.Config                  { return c.config }
func (c *Client) API() *fileapi.FileAPI                   { return c.api }
func (c *Client) Store() *store.Store                     { return c.store }
func (c *Client) Encryption() *encryption.E2EEService     { return c.encryption }
func (c *Client) Locks() *locks.LockHandler               { return c.locks }
func (c *Client) Migrations() *migration.MigrationHandler { return c.migrations }
func (c *Client) Synchronizer() *synchronizer.Synchronizer {
	return c.sync
}

func (c *Client) Close() error {
	err := c.store.Close()
	if c.flock.Locked() {
		if uerr := c.flock.Unlock(); uerr != nil {
			return errors.Join(err, fmt.Errorf("unlock profile: %w", uerr))
		}
		os.Remove(c.flock.Path())
	}
	return err
}

func (c *Client) Sync(ctx context.Context) (*synchronizer.Report, error) {
	return c.sync.Start(ctx, synchronizer.StartOptions{})
}

// Run syncs now and then every interval until ctx is done. A signal on wake
// (nil to disable) starts the next run early. A failed run is logged and
// retried on the next tick.
func (c *Client) Run(ctx context.Context, interval time.Duration, wake <-chan struct{}, onReport func(*synchronizer.Report, error)) error {
	// a timer, not a ticker: a sync longer than interval must not queue ticks
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.sync.Cancel()
			return nil
		case <-timer.C:
		case <-wake:
			slog.Debug("sync woken by target change")
		}

		report, err := c.Sync(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("sync failed", "error", err)
		}
		if onReport != nil {
			onReport(report, err)
		}
		timer.Reset(interval)
	}
}

// WatchTarget starts a watcher that signals changes other clients make to
// the sync target. Filesystem targets are watched directly, server targets
// through the server's change feed. The caller stops it.
func (c *Client) WatchTarget(ctx context.Context) (*watcher.Watcher, error) {
	ignore := watcher.WithIgnore(
		locks.Dir, locks.Dir+"/**",
		fileapi.TempDirName, fileapi.TempDirName+"/**",
	)

	var w *watcher.Watcher
	t := c.config.Target
	switch t.Type {
	case config.TargetFilesystem:
		w = watcher.New(filepath.Join(t.Path, filepath.FromSlash(t.BaseDir)), ignore)
	case config.TargetServer:
		feed, ok := c.api.Driver().(changeFeed)
		if !ok {
			return nil, fmt.Errorf("%w: %s target", ErrWatchUnsupported, t.Type)
		}
		w = watcher.NewFromSource(feedSource(feed, c.api.BaseDir()), ignore)
	default:
		return nil, fmt.Errorf("%w: %s target", ErrWatchUnsupported, t.Type)
	}

	if err := w.Start(ctx); err != nil {
		return nil, fmt.Errorf("watch sync target: %w", err)
	}
	return w, nil
}

type changeFeed interface {
	Events(ctx context.Context) (<-chan fileapi.ChangeEvent, error)
}

// feedSource maps feed events to paths relative to baseDir, dropping the
// ones outside it.
func feedSource(feed changeFeed, baseDir string) watcher.Source {
	prefix := ""
	if baseDir != "" {
		prefix = baseDir + "/"
	}
	return func(ctx context.Context) (<-chan string, error) {
		events, err := feed.Events(ctx)
		if err != nil {
			return nil, err
		}
		paths := make(chan string)
		go func() {
			defer close(paths)
			for ev := range events {
				rel, ok := strings.CutPrefix(ev.Path, prefix)
				if !ok || rel == "" {
					continue
				}
				select {
				case paths <- rel:
				case <-ctx.Done():
					return
				}
			}
		}()
		return paths, nil
	}
}

// Upgrade migrates the sync target to the version this client supports.
func (c *Client) Upgrade(ctx context.Context) error {
	return c.migrations.Upgrade(ctx, c.migrations.SupportedVersion())
}

func (c *Client) TargetInfo(ctx context.Context) (*syncinfo.Info, error) {
	return c.migrations.FetchSyncTargetInfo(ctx)
}

// ClearTarget deletes everything on the sync target and forgets what was
// synced, so the next sync uploads the whole local database.
func (c *Client) ClearTarget(ctx context.Context) error {
	if err := c.api.Format(ctx); err != nil {
		return fmt.Errorf("clear sync target: %w", err)
	}
	return c.store.ClearSyncState(ctx)
}

type E2EEStatus struct {
	Enabled           bool
	ActiveMasterKeyID string
	// Unlocked is false when this client cannot decrypt with the active key.
	Unlocked   bool
	MasterKeys []string
}

func (c *Client) E2EEStatus(ctx context.Context) (*E2EEStatus, error) {
	if err := c.loadMasterKeys(ctx); err != nil {
		return nil, err
	}
	info, err := c.TargetInfo(ctx)
	if err != nil {
		return nil, err
	}
	st := &E2EEStatus{
		Enabled:           info.E2EE.Value,
		ActiveMasterKeyID: info.ActiveMasterKeyID,
		MasterKeys:        info.MasterKeys,
	}
	if st.ActiveMasterKeyID != "" {
		pw := c.config.MasterPassword
		st.Unlocked = pw != "" && c.encryption.CheckPassword(st.ActiveMasterKeyID, pw)
	}
	return st, nil
}

// EnableE2EE creates a master key protected by password and turns
// encryption on for the whole target. Every item is re-uploaded encrypted
// by the next sync.
func (c *Client) EnableE2EE(ctx context.Context, password string) (*item.MasterKey, error) {
	var mk *item.MasterKey
	err := c.withExclusiveLock(ctx, func(info *syncinfo.Info) error {
		var err error
		if mk, err = c.encryption.GenerateMasterKey(password); err != nil {
			return err
		}
		if err := c.store.Save(ctx, mk); err != nil {
			return err
		}
		if err := c.encryption.Enable(mk.ID); err != nil {
			return err
		}
		info.E2EE = syncinfo.E2EE{Value: true, UpdatedTime: time.Now().UnixMilli()}
		info.ActiveMasterKeyID = mk.ID
		info.AddMasterKey(mk.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("e2ee enabled", "masterKey", mk.ID)
	return mk, nil
}

// DisableE2EE turns encryption off. Items are re-uploaded in clear text by
// the next sync; master keys stay so old data can still be read.
func (c *Client) DisableE2EE(ctx context.Context) error {
	return c.withExclusiveLock(ctx, func(info *syncinfo.Info) error {
		c.encryption.Disable()
		info.E2EE = syncinfo.E2EE{Value: false, UpdatedTime: time.Now().UnixMilli()}
		return nil
	})
}

// withExclusiveLock runs fn on the target's info.json while no other client
// syncs, writes the result back and queues every synced item for upload.
func (c *Client) withExclusiveLock(ctx context.Context, fn func(info *syncinfo.Info) error) error {
	if _, err := c.migrations.InitializeEmptyTarget(ctx); err != nil {
		return err
	}
	if _, err := c.migrations.CheckCanSync(ctx); err != nil {
		return err
	}
	if err := c.loadMasterKeys(ctx); err != nil {
		return err
	}

	_, err := c.locks.AcquireLock(ctx, locks.LockTypeExclusive, c.config.ClientType, c.config.ClientID,
		locks.AcquireOptions{Timeout: c.config.Sync.LockTimeout.Std()})
	if err != nil {
		return err
	}
	defer func() {
		if err := c.locks.ReleaseLock(context.WithoutCancel(ctx), locks.LockTypeExclusive, c.config.ClientType, c.config.ClientID); err != nil {
			slog.Error("release exclusive lock", "error", err)
		}
	}()

	info, err := syncinfo.Fetch(ctx, c.api)
	if err != nil {
		return err
	}
	if err := fn(info); err != nil {
		return err
	}
	if err := syncinfo.Save(ctx, c.api, info); err != nil {
		return err
	}
	return c.store.MarkAllForUpload(ctx)
}

func (c *Client) loadMasterKeys(ctx context.Context) error {
	keys, err := c.store.LoadAll(ctx, item.TypeMasterKey)
	if err != nil {
		return err
	}
	for _, it := range keys {
		c.encryption.LoadMasterKey(it.(*item.MasterKey))
	}
	return nil
}
