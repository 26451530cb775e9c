package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/locks"
	"github.com/jotsync/jotsync/internal/syncinfo"
)

const SupportedSyncTargetVersion = 3

// Migration moves a target from Version-1 to Version. Run may be called
// again after a partial run and must be idempotent. Changes to info are
// persisted once every script of an upgrade has succeeded.
type Migration struct {
	Version int
	Name    string
	Run     func(ctx context.Context, api *fileapi.FileAPI, info *syncinfo.Info) error
}

func DefaultMigrations() []Migration {
	return []Migration{
		{Version: 2, Name: "create-directories", Run: createDirectories},
		{Version: 3, Name: "index-master-keys", Run: indexMasterKeys},
	}
}

func createDirectories(ctx context.Context, api *fileapi.FileAPI, _ *syncinfo.Info) error {
	for _, dir := range []string{locks.Dir, api.TempDirName(), item.ResourceDirName} {
		if err := api.Mkdir(ctx, dir); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	return nil
}

func indexMasterKeys(ctx context.Context, api *fileapi.FileAPI, info *syncinfo.Info) error {
	marker := ""
	for {
		page, err := api.List(ctx, "", fileapi.ListOptions{Context: marker})
		if err != nil {
			return err
		}
		for _, st := range page.Items {
			if st.IsDir || !item.IsSystemPath(st.Path) {
				continue
			}
			data, err := api.Get(ctx, st.Path)
			if errors.Is(err, fileapi.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			hdr, err := item.PeekHeader(data)
			if err != nil {
				slog.Warn("migration: skipping unreadable item", "path", st.Path, "error", err)
				continue
			}
			if hdr.Type == item.TypeMasterKey {
				info.AddMasterKey(hdr.ID)
			}
		}
		if !page.HasMore {
			return nil
		}
		marker = page.Context
	}
}
