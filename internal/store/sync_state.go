package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/jotsync/jotsync/internal/db"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/utils"
)

const settingDeltaContext = "sync.delta_context"

// SyncRecord is what the client remembers about the last exchange of an
// item with the sync target.
type SyncRecord struct {
	ItemID      string         `db:"item_id"`
	ItemType    item.ModelType `db:"item_type"`
	SyncTime    int64          `db:"sync_time"`
	RemoteMtime int64          `db:"remote_mtime"`
	// ForceUpload keeps the item pending until it is pushed again, whatever
	// its sync time says.
	ForceUpload bool           `db:"force_upload"`
}

type DeletedItem struct {
	ItemID      string         `db:"item_id"`
	ItemType    item.ModelType `db:"item_type"`
	DeletedTime int64          `db:"deleted_time"`
}

// SkippedItem is a remote file that could not be applied locally. It is
// retried at the start of every sync.
type SkippedItem struct {
	ItemID      string `db:"item_id"`
	Path        string `db:"path"`
	Reason      string `db:"reason"`
	Attempts    int    `db:"attempts"`
	UpdatedTime int64  `db:"updated_time"`
}

// SyncRecord returns nil when the item has never been synced.
func (s *Store) SyncRecord(ctx context.Context, id string) (*SyncRecord, error) {
	var rec SyncRecord
	err := s.db.GetContext(ctx, &rec, "SELECT * FROM sync_items WHERE item_id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync record %s: %w", id, err)
	}
	return &rec, nil
}

const upsertSyncRecordSQL = `
		INSERT INTO sync_items (item_id, item_type, sync_time, remote_mtime)
		VALUES (:item_id, :item_type, :sync_time, :remote_mtime)
		ON CONFLICT(item_id) DO UPDATE SET
			item_type = excluded.item_type,
			sync_time = excluded.sync_time,
			remote_mtime = excluded.remote_mtime`

// upsertSyncRecord leaves force_upload alone unless pushed is set: only an
// upload satisfies a forced re-upload.
func upsertSyncRecord(ctx context.Context, ex execer, rec *SyncRecord, pushed bool) error {
	q := upsertSyncRecordSQL
	if pushed {
		q += ",\n\t\t\tforce_upload = 0"
	}
	if _, err := ex.NamedExecContext(ctx, q, rec); err != nil {
		return fmt.Errorf("save sync record %s: %w", rec.ItemID, err)
	}
	return nil
}

// SaveSynced stores an item received from the target together with its sync
// record. Timestamps are kept as received. A pending forced re-upload stays
// pending.
func (s *Store) SaveSynced(ctx context.Context, it item.Item, rec *SyncRecord) error {
	row, err := toRow(it)
	if err != nil {
		return err
	}
	rec.ItemID = row.ID
	rec.ItemType = row.Type

	return db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := upsertItem(ctx, tx, row); err != nil {
			return err
		}
		if err := upsertSyncRecord(ctx, tx, rec, false); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM skipped_items WHERE item_id = ?", row.ID)
		return err
	})
}

// DeleteSynced applies a remote deletion. Nothing is journalled.
func (s *Store) DeleteSynced(ctx context.Context, id string) error {
	var t item.ModelType
	err := s.db.GetContext(ctx, &t, "SELECT type FROM items WHERE id = ?", id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("delete synced item %s: %w", id, err)
	}

	err = db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := deleteItemTx(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM deleted_items WHERE item_id = ?", id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete synced item %s: %w", id, err)
	}

	if t == item.TypeResource {
		s.removeResourceBlob(id)
	}
	return nil
}

// MarkAsSynced records that the item's current version is on the target.
func (s *Store) MarkAsSynced(ctx context.Context, it item.Item, remoteMtime int64) error {
	c := it.Base()
	return upsertSyncRecord(ctx, s.db, &SyncRecord{
		ItemID:      c.ID,
		ItemType:    it.Type(),
		SyncTime:    c.UpdatedTime,
		RemoteMtime: remoteMtime,
	}, true)
}

// TouchRemoteMtime remembers the remote mtime last seen for an item without
// touching its sync time. An item with no record gets one with sync time 0,
// which keeps it pending.
func (s *Store) TouchRemoteMtime(ctx context.Context, id string, t item.ModelType, remoteMtime int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_items (item_id, item_type, sync_time, remote_mtime)
		VALUES (?, ?, 0, ?)
		ON CONFLICT(item_id) DO UPDATE SET remote_mtime = excluded.remote_mtime`,
		id, t, remoteMtime)
	if err != nil {
		return fmt.Errorf("touch sync record %s: %w", id, err)
	}
	return nil
}

// MarkAllForUpload makes the next sync push every synced item again, after
// encryption was switched on or off. Sync times are kept, so edits made
// elsewhere in the meantime still win over the stale local copy.
func (s *Store) MarkAllForUpload(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE sync_items SET force_upload = 1"); err != nil {
		return fmt.Errorf("mark all for upload: %w", err)
	}
	return nil
}

func (s *Store) DeletedItems(ctx context.Context) ([]DeletedItem, error) {
	var out []DeletedItem
	if err := s.db.SelectContext(ctx, &out, "SELECT * FROM deleted_items ORDER BY deleted_time, item_id"); err != nil {
		return nil, fmt.Errorf("list deleted items: %w", err)
	}
	return out, nil
}

func (s *Store) RemoveDeletedItem(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM deleted_items WHERE item_id = ?", id); err != nil {
		return fmt.Errorf("remove deleted item %s: %w", id, err)
	}
	return nil
}

// SkipItem records a failed remote item, bumping the attempt counter when it
// was already skipped.
func (s *Store) SkipItem(ctx context.Context, id, path, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO skipped_items (item_id, path, reason, attempts, updated_time)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			path = excluded.path,
			reason = excluded.reason,
			attempts = skipped_items.attempts + 1,
			updated_time = excluded.updated_time`,
		id, path, reason, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("skip item %s: %w", id, err)
	}
	return nil
}

func (s *Store) SkippedItems(ctx context.Context) ([]SkippedItem, error) {
	var out []SkippedItem
	if err := s.db.SelectContext(ctx, &out, "SELECT * FROM skipped_items ORDER BY updated_time, item_id"); err != nil {
		return nil, fmt.Errorf("list skipped items: %w", err)
	}
	return out, nil
}

func (s *Store) UnskipItem(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM skipped_items WHERE item_id = ?", id); err != nil {
		return fmt.Errorf("unskip item %s: %w", id, err)
	}
	return nil
}

func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.GetContext(ctx, &v, "SELECT value FROM settings WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// LoadDeltaContext returns nil before the first sync.
func (s *Store) LoadDeltaContext(ctx context.Context) (*fileapi.DeltaContext, error) {
	raw, ok, err := s.Setting(ctx, settingDeltaContext)
	if err != nil || !ok {
		return nil, err
	}
	var dc fileapi.DeltaContext
	if err := utils.JSONUnmarshal([]byte(raw), &dc); err != nil {
		return nil, fmt.Errorf("decode delta context: %w", err)
	}
	return &dc, nil
}

func (s *Store) SaveDeltaContext(ctx context.Context, dc *fileapi.DeltaContext) error {
	if dc == nil {
		_, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", settingDeltaContext)
		return err
	}
	raw, err := utils.JSONMarshal(dc)
	if err != nil {
		return fmt.Errorf("encode delta context: %w", err)
	}
	return s.SetSetting(ctx, settingDeltaContext, string(raw))
}

// ClearSyncState forgets everything learned from the current target, so the
// next sync starts from scratch. Local items are kept.
func (s *Store) ClearSyncState(ctx context.Context) error {
	return db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		for _, q := range []string{
			"DELETE FROM sync_items",
			"DELETE FROM deleted_items",
			"DELETE FROM skipped_items",
		} {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return err
			}
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", settingDeltaContext)
		return err
	})
}
