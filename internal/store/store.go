package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jotsync/jotsync/internal/db"
	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/utils"
)

const (
	DBFileName      = "jotsync.db"
	ResourceDirName = "resources"
)

var ErrNotFound = errors.New("store: item not found")

const schema = `
CREATE TABLE IF NOT EXISTS items (
    id TEXT PRIMARY KEY,
    type INTEGER NOT NULL,
    parent_id TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    created_time INTEGER NOT NULL,
    updated_time INTEGER NOT NULL,
    is_conflict INTEGER NOT NULL DEFAULT 0,
    content BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_items_type ON items(type);
CREATE INDEX IF NOT EXISTS idx_items_conflict ON items(is_conflict);

CREATE TABLE IF NOT EXISTS sync_items (
    item_id TEXT PRIMARY KEY,
    item_type INTEGER NOT NULL,
    sync_time INTEGER NOT NULL,
    remote_mtime INTEGER NOT NULL DEFAULT 0,
    force_upload INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS deleted_items (
    item_id TEXT PRIMARY KEY,
    item_type INTEGER NOT NULL,
    deleted_time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS skipped_items (
    item_id TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    reason TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 1,
    updated_time INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// Store is the local note database: items, their sync state and the
// journal of local deletions. It is owned by a single client.
type Store struct {
	db          *sqlx.DB
	profileDir  string
	resourceDir string
	now         func() time.Time

	// serializes updated_time allocation
	mu sync.Mutex
}

type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// Open opens or creates the store in profileDir.
func Open(profileDir string, opts ...Option) (*Store, error) {
	if err := utils.EnsureDir(profileDir); err != nil {
		return nil, fmt.Errorf("create profile dir: %w", err)
	}

	database, err := db.NewSqliteDB(
		db.WithPath(filepath.Join(profileDir, DBFileName)),
		db.WithMaxOpenConns(1),
		db.WithSchema(schema),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{
		db:          database,
		profileDir:  profileDir,
		resourceDir: filepath.Join(profileDir, ResourceDirName),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		slog.Error("close store", "error", err)
		return err
	}
	return nil
}

func (s *Store) ProfileDir() string {
	return s.profileDir
}

type itemRow struct {
	ID          string         `db:"id"`
	Type        item.ModelType `db:"type"`
	ParentID    string         `db:"parent_id"`
	Title       string         `db:"title"`
	CreatedTime int64          `db:"created_time"`
	UpdatedTime int64          `db:"updated_time"`
	IsConflict  bool           `db:"is_conflict"`
	Content     []byte         `db:"content"`
}

func toRow(it item.Item) (*itemRow, error) {
	content, err := item.Serialize(it)
	if err != nil {
		return nil, err
	}
	c := it.Base()
	row := &itemRow{
		ID:          c.ID,
		Type:        it.Type(),
		Title:       item.Title(it),
		CreatedTime: c.CreatedTime,
		UpdatedTime: c.UpdatedTime,
		IsConflict:  c.IsConflict,
		Content:     content,
	}
	switch v := it.(type) {
	case *item.Note:
		row.ParentID = v.ParentID
	case *item.Folder:
		row.ParentID = v.ParentID
	}
	return row, nil
}

func (r *itemRow) item() (item.Item, error) {
	it, err := item.Unserialize(r.Content)
	if err != nil {
		return nil, fmt.Errorf("decode stored item %s: %w", r.ID, err)
	}
	return it, nil
}

func rowsToItems(rows []itemRow) ([]item.Item, error) {
	out := make([]item.Item, 0, len(rows))
	for i := range rows {
		it, err := rows[i].item()
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
}

func upsertItem(ctx context.Context, ex execer, row *itemRow) error {
	_, err := ex.NamedExecContext(ctx, `
		INSERT INTO items (id, type, parent_id, title, created_time, updated_time, is_conflict, content)
		VALUES (:id, :type, :parent_id, :title, :created_time, :updated_time, :is_conflict, :content)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			parent_id = excluded.parent_id,
			title = excluded.title,
			created_time = excluded.created_time,
			updated_time = excluded.updated_time,
			is_conflict = excluded.is_conflict,
			content = excluded.content`, row)
	if err != nil {
		return fmt.Errorf("save item %s: %w", row.ID, err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (item.Item, error) {
	var row itemRow
	err := s.db.GetContext(ctx, &row, "SELECT * FROM items WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load item %s: %w", id, err)
	}
	return row.item()
}

// LoadAll returns every item of type t ordered by title.
func (s *Store) LoadAll(ctx context.Context, t item.ModelType) ([]item.Item, error) {
	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM items WHERE type = ? ORDER BY title, id", t); err != nil {
		return nil, fmt.Errorf("load %s items: %w", t, err)
	}
	return rowsToItems(rows)
}

func (s *Store) AllIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, "SELECT id FROM items ORDER BY id"); err != nil {
		return nil, fmt.Errorf("list item ids: %w", err)
	}
	return ids, nil
}

// Conflicts returns the conflict copies created by sync.
func (s *Store) Conflicts(ctx context.Context) ([]item.Item, error) {
	var rows []itemRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM items WHERE is_conflict = 1 ORDER BY updated_time DESC"); err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	return rowsToItems(rows)
}

// Save records a local edit. It assigns an id and created_time to new items
// and moves updated_time forward, strictly past its previous value, so the
// change is picked up by the next sync.
func (s *Store) Save(ctx context.Context, it item.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := it.Base()
	if c.ID == "" {
		c.ID = item.NewID()
	}

	var prev int64
	err := s.db.GetContext(ctx, &prev, "SELECT updated_time FROM items WHERE id = ?", c.ID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("save item %s: %w", c.ID, err)
	}

	now := s.now().UnixMilli()
	c.UpdatedTime = max(now, prev+1, c.UpdatedTime)
	if c.CreatedTime == 0 {
		c.CreatedTime = c.UpdatedTime
	}

	row, err := toRow(it)
	if err != nil {
		return err
	}
	return upsertItem(ctx, s.db, row)
}

// Delete removes an item after a local delete. If the item had been synced,
// the deletion is journalled so the next sync removes the remote copy.
func (s *Store) Delete(ctx context.Context, id string) error {
	it, err := s.Load(ctx, id)
	if err != nil {
		return err
	}

	err = db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var synced int
		if err := tx.GetContext(ctx, &synced, "SELECT COUNT(*) FROM sync_items WHERE item_id = ?", id); err != nil {
			return err
		}
		if synced > 0 {
			if _, err := tx.ExecContext(ctx,
				"INSERT OR REPLACE INTO deleted_items (item_id, item_type, deleted_time) VALUES (?, ?, ?)",
				id, it.Type(), s.now().UnixMilli()); err != nil {
				return err
			}
		}
		return deleteItemTx(ctx, tx, id)
	})
	if err != nil {
		return fmt.Errorf("delete item %s: %w", id, err)
	}

	if it.Type() == item.TypeResource {
		s.removeResourceBlob(id)
	}
	return nil
}

func deleteItemTx(ctx context.Context, tx *sqlx.Tx, id string) error {
	for _, q := range []string{
		"DELETE FROM items WHERE id = ?",
		"DELETE FROM sync_items WHERE item_id = ?",
		"DELETE FROM skipped_items WHERE item_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return err
		}
	}
	return nil
}

// ItemsThatNeedSync returns items never synced or edited since their last
// sync, dependencies first (see item.SyncPriority).
func (s *Store) ItemsThatNeedSync(ctx context.Context, limit, offset int) ([]item.Item, error) {
	var rows []itemRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT i.* FROM items i
		LEFT JOIN sync_items s ON s.item_id = i.id
		WHERE s.item_id IS NULL OR i.updated_time > s.sync_time OR s.force_upload = 1
		ORDER BY CASE i.type
			WHEN ? THEN 0
			WHEN ? THEN 1
			WHEN ? THEN 2
			WHEN ? THEN 3
			WHEN ? THEN 4
			ELSE 5 END,
			i.updated_time, i.id
		LIMIT ? OFFSET ?`,
		item.TypeMasterKey, item.TypeResource, item.TypeFolder, item.TypeTag, item.TypeNote,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("items that need sync: %w", err)
	}
	return rowsToItems(rows)
}
