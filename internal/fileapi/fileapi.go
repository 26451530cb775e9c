package fileapi

import (
	"context"
	"log/slog"

	"github.com/jotsync/jotsync/internal/utils"
)

const (
	DefaultPageSize = 1000
	TempDirName     = "temp"
)

// Stat describes one remote entry. UpdatedTime is in milliseconds.
type Stat struct {
	Path        string `json:"path"`
	IsDir       bool   `json:"isDir"`
	UpdatedTime int64  `json:"updated_time"`
	Size        int64  `json:"size"`
}

// ListOptions.Context is the opaque continuation marker returned by the
// previous page.
type ListOptions struct {
	Context  string
	PageSize int
}

// ListResult paths are relative to the listed directory.
type ListResult struct {
	Items   []Stat `json:"items"`
	HasMore bool   `json:"hasMore"`
	Context string `json:"context,omitempty"`
}

// Driver is the uniform per-backend file interface. Paths are slash
// separated and relative to the driver's root.
//
// Stat of a missing path returns (nil, nil). Get of a missing path returns
// an error wrapping ErrNotFound. Delete of a missing path succeeds.
type Driver interface {
	Stat(ctx context.Context, path string) (*Stat, error)
	List(ctx context.Context, path string, opts ListOptions) (*ListResult, error)
	Get(ctx context.Context, path string) ([]byte, error)
	GetToFile(ctx context.Context, path string, localPath string) error
	Put(ctx context.Context, path string, content []byte) error
	PutFromFile(ctx context.Context, path string, localPath string) error
	Delete(ctx context.Context, path string) error
	Mkdir(ctx context.Context, path string) error
	Move(ctx context.Context, oldPath, newPath string) error
	ClearRoot(ctx context.Context, path string) error
}

// DeltaDriver is implemented by backends with native change tracking.
type DeltaDriver interface {
	Delta(ctx context.Context, path string, opts DeltaOptions) (*DeltaResult, error)
}

// FileAPI is what the sync core talks to: a driver scoped to a base
// directory.
type FileAPI struct {
	driver  Driver
	baseDir string
	logger  *slog.Logger
}

func New(driver Driver, baseDir string) *FileAPI {
	return &FileAPI{
		driver:  driver,
		baseDir: utils.JoinRemote(baseDir),
		logger:  slog.Default().With("component", "fileapi"),
	}
}

func (a *FileAPI) Driver() Driver {
	return a.driver
}

func (a *FileAPI) BaseDir() string {
	return a.baseDir
}

func (a *FileAPI) TempDirName() string {
	return TempDirName
}

func (a *FileAPI) fullPath(path string) string {
	return utils.JoinRemote(a.baseDir, path)
}

func (a *FileAPI) Stat(ctx context.Context, path string) (*Stat, error) {
	st, err := a.driver.Stat(ctx, a.fullPath(path))
	if err != nil || st == nil {
		return nil, err
	}
	st.Path = path
	return st, nil
}

func (a *FileAPI) List(ctx context.Context, path string, opts ListOptions) (*ListResult, error) {
	a.logger.Debug("list", "path", path, "context", opts.Context)
	return a.driver.List(ctx, a.fullPath(path), opts)
}

func (a *FileAPI) Get(ctx context.Context, path string) ([]byte, error) {
	a.logger.Debug("get", "path", path)
	return a.driver.Get(ctx, a.fullPath(path))
}

func (a *FileAPI) GetToFile(ctx context.Context, path, localPath string) error {
	a.logger.Debug("get", "path", path, "target", localPath)
	if err := utils.EnsureParent(localPath); err != nil {
		return err
	}
	return a.driver.GetToFile(ctx, a.fullPath(path), localPath)
}

func (a *FileAPI) Put(ctx context.Context, path string, content []byte) error {
	a.logger.Debug("put", "path", path, "size", len(content))
	return a.driver.Put(ctx, a.fullPath(path), content)
}

func (a *FileAPI) PutFromFile(ctx context.Context, path, localPath string) error {
	a.logger.Debug("put", "path", path, "source", localPath)
	return a.driver.PutFromFile(ctx, a.fullPath(path), localPath)
}

func (a *FileAPI) Delete(ctx context.Context, path string) error {
	a.logger.Debug("delete", "path", path)
	return a.driver.Delete(ctx, a.fullPath(path))
}

func (a *FileAPI) Mkdir(ctx context.Context, path string) error {
	return a.driver.Mkdir(ctx, a.fullPath(path))
}

func (a *FileAPI) Move(ctx context.Context, oldPath, newPath string) error {
	a.logger.Debug("move", "from", oldPath, "to", newPath)
	return a.driver.Move(ctx, a.fullPath(oldPath), a.fullPath(newPath))
}

// ClearRoot deletes everything under path, keeping path itself.
func (a *FileAPI) ClearRoot(ctx context.Context, path string) error {
	return a.driver.ClearRoot(ctx, a.fullPath(path))
}

// Format wipes the whole sync target.
func (a *FileAPI) Format(ctx context.Context) error {
	a.logger.Warn("formatting sync target", "baseDir", a.baseDir)
	return a.driver.ClearRoot(ctx, a.baseDir)
}

// Delta returns remote changes under path since opts.Context, using the
// driver's native change feed when it has one.
func (a *FileAPI) Delta(ctx context.Context, path string, opts DeltaOptions) (*DeltaResult, error) {
	if dd, ok := a.driver.(DeltaDriver); ok {
		return dd.Delta(ctx, a.fullPath(path), opts)
	}
	return BasicDelta(ctx, path, a.List, opts)
}
