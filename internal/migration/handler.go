package migration

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/locks"
	"github.com/jotsync/jotsync/internal/syncinfo"
)

const DefaultLockTimeout = 30 * time.Second

type Options struct {
	ClientID    string
	ClientType  locks.ClientType
	LockTimeout time.Duration
	// Migrations defaults to DefaultMigrations. SupportedVersion defaults to
	// the highest migration version.
	Migrations       []Migration
	SupportedVersion int
}

type MigrationHandler struct {
	api        *fileapi.FileAPI
	locks      *locks.LockHandler
	opts       Options
	migrations []Migration
	logger     *slog.Logger
}

func NewMigrationHandler(api *fileapi.FileAPI, lockHandler *locks.LockHandler, opts Options) *MigrationHandler {
	migrations := opts.Migrations
	if migrations == nil {
		migrations = DefaultMigrations()
	}
	migrations = append([]Migration(nil), migrations...)
	sort.Slice(migrations, func(i, j int) bool { return migrations[i].Version < migrations[j].Version })

	if opts.SupportedVersion <= 0 {
		opts.SupportedVersion = syncinfo.LegacyVersion
		if n := len(migrations); n > 0 {
			opts.SupportedVersion = migrations[n-1].Version
		}
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}

	return &MigrationHandler{
		api:        api,
		locks:      lockHandler,
		opts:       opts,
		migrations: migrations,
		logger:     slog.Default().With("component", "migration"),
	}
}

func (m *MigrationHandler) SupportedVersion() int {
	return m.opts.SupportedVersion
}

func (m *MigrationHandler) FetchSyncTargetInfo(ctx context.Context) (*syncinfo.Info, error) {
	return syncinfo.Fetch(ctx, m.api)
}

// CheckCanSync fails with a *VersionError when the target's version differs
// from the supported one.
func (m *MigrationHandler) CheckCanSync(ctx context.Context) (*syncinfo.Info, error) {
	info, err := m.FetchSyncTargetInfo(ctx)
	if err != nil {
		return nil, err
	}
	if err := CheckVersion(info.Version, m.opts.SupportedVersion); err != nil {
		return info, err
	}
	return info, nil
}

// IsEmptyTarget reports whether the target has neither info.json nor items.
func (m *MigrationHandler) IsEmptyTarget(ctx context.Context) (bool, error) {
	info, err := m.FetchSyncTargetInfo(ctx)
	if err != nil {
		return false, err
	}
	if info.Exists {
		return false, nil
	}

	marker := ""
	for {
		page, err := m.api.List(ctx, "", fileapi.ListOptions{Context: marker})
		if err != nil {
			return false, err
		}
		for _, st := range page.Items {
			if !st.IsDir && item.IsSystemPath(st.Path) {
				return false, nil
			}
		}
		if !page.HasMore {
			return true, nil
		}
		marker = page.Context
	}
}

// InitializeEmptyTarget brings a brand new target to the supported version.
// It returns false without touching anything when the target is not empty.
func (m *MigrationHandler) InitializeEmptyTarget(ctx context.Context) (bool, error) {
	empty, err := m.IsEmptyTarget(ctx)
	if err != nil || !empty {
		return false, err
	}
	m.logger.Info("initializing empty sync target", "version", m.opts.SupportedVersion)
	if err := m.Upgrade(ctx, m.opts.SupportedVersion); err != nil {
		return false, err
	}
	return true, nil
}

// Upgrade migrates the target to targetVersion under an exclusive lock.
// Scripts run in ascending order; info.json is written once, after the last
// one succeeds. The lock is released whatever happens, and losing it
// mid-upgrade aborts before the next script.
func (m *MigrationHandler) Upgrade(ctx context.Context, targetVersion int) error {
	if targetVersion <= 0 {
		targetVersion = m.opts.SupportedVersion
	}
	if targetVersion > m.opts.SupportedVersion {
		return fmt.Errorf("cannot upgrade to version %d: this client supports up to %d", targetVersion, m.opts.SupportedVersion)
	}

	info, err := m.FetchSyncTargetInfo(ctx)
	if err != nil {
		return err
	}
	if info.Version >= targetVersion {
		m.logger.Debug("sync target already up to date", "version", info.Version)
		return nil
	}

	lock, err := m.locks.AcquireLock(ctx, locks.LockTypeExclusive, m.opts.ClientType, m.opts.ClientID,
		locks.AcquireOptions{Timeout: m.opts.LockTimeout})
	if err != nil {
		return fmt.Errorf("upgrade sync target: another client is syncing or upgrading it: %w", err)
	}
	defer func() {
		if err := m.locks.ReleaseLock(context.WithoutCancel(ctx), locks.LockTypeExclusive, m.opts.ClientType, m.opts.ClientID); err != nil {
			m.logger.Error("release exclusive lock", "error", err)
		}
	}()

	refresh := m.locks.StartAutoLockRefresh(ctx, lock)
	defer refresh.Stop()

	// another client may have upgraded while we waited for the lock
	info, err = m.FetchSyncTargetInfo(ctx)
	if err != nil {
		return err
	}
	if info.Version >= targetVersion {
		return nil
	}

	pending, err := m.pending(info.Version, targetVersion)
	if err != nil {
		return err
	}

	for _, mig := range pending {
		if err := lockLost(refresh); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		m.logger.Info("running sync target migration", "version", mig.Version, "name", mig.Name)
		if err := mig.Run(ctx, m.api, info); err != nil {
			return fmt.Errorf("migration %d (%s): %w", mig.Version, mig.Name, err)
		}
	}
	if err := lockLost(refresh); err != nil {
		return err
	}

	from := info.Version
	info.Version = targetVersion
	if err := syncinfo.Save(ctx, m.api, info); err != nil {
		return err
	}
	m.logger.Info("sync target upgraded", "from", from, "to", targetVersion)
	return nil
}

func lockLost(refresh *locks.AutoRefresh) error {
	select {
	case err := <-refresh.Err():
		return fmt.Errorf("upgrade aborted: %w", err)
	default:
		return nil
	}
}

// pending returns the scripts for versions from+1..to, failing if one is
// missing.
func (m *MigrationHandler) pending(from, to int) ([]Migration, error) {
	var out []Migration
	next := from + 1
	for _, mig := range m.migrations {
		if mig.Version <= from || mig.Version > to {
			continue
		}
		if mig.Version != next {
			return nil, fmt.Errorf("no migration to version %d", next)
		}
		out = append(out, mig)
		next++
	}
	if next != to+1 {
		return nil, fmt.Errorf("no migration to version %d", next)
	}
	return out, nil
}
