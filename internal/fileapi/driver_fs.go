package fileapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// FsDriver stores the sync target in an afero filesystem: a directory on
// disk for the filesystem target, or memory for tests and the memory target.
//
// Every write leaves the file with an mtime strictly greater than the one it
// replaced, at millisecond resolution, so timestamp based change detection
// never misses two writes landing in the same millisecond.
type FsDriver struct {
	fs afero.Fs
	mu sync.Mutex
}

func NewFsDriver(fsys afero.Fs) *FsDriver {
	return &FsDriver{fs: fsys}
}

// NewOsFsDriver roots the driver at dir, creating it if needed.
func NewOsFsDriver(dir string) (*FsDriver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sync target dir: %w", err)
	}
	return NewFsDriver(afero.NewBasePathFs(afero.NewOsFs(), dir)), nil
}

func NewMemoryDriver() *FsDriver {
	return NewFsDriver(afero.NewMemMapFs())
}

// Fs exposes the underlying filesystem, e.g. to share a memory target
// between two clients.
func (d *FsDriver) Fs() afero.Fs {
	return d.fs
}

func fsPath(p string) string {
	return path.Clean("/" + p)
}

func (d *FsDriver) Stat(ctx context.Context, p string) (*Stat, error) {
	info, err := d.fs.Stat(fsPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toStat(p, info), nil
}

func toStat(p string, info fs.FileInfo) *Stat {
	st := &Stat{
		Path:        p,
		IsDir:       info.IsDir(),
		UpdatedTime: info.ModTime().UnixMilli(),
	}
	if !st.IsDir {
		st.Size = info.Size()
	}
	return st
}

// List pages through a directory in name order. The continuation marker is
// the offset of the next entry.
func (d *FsDriver) List(ctx context.Context, p string, opts ListOptions) (*ListResult, error) {
	infos, err := afero.ReadDir(d.fs, fsPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return &ListResult{}, nil
	}
	if err != nil {
		return nil, err
	}

	offset := 0
	if opts.Context != "" {
		if offset, err = strconv.Atoi(opts.Context); err != nil || offset < 0 {
			return nil, fmt.Errorf("invalid list context %q", opts.Context)
		}
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	res := &ListResult{Items: []Stat{}}
	end := min(offset+pageSize, len(infos))
	for i := offset; i < end; i++ {
		res.Items = append(res.Items, *toStat(infos[i].Name(), infos[i]))
	}
	if end < len(infos) {
		res.HasMore = true
		res.Context = strconv.Itoa(end)
	}
	return res, nil
}

func (d *FsDriver) Get(ctx context.Context, p string) ([]byte, error) {
	data, err := afero.ReadFile(d.fs, fsPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return data, err
}

func (d *FsDriver) GetToFile(ctx context.Context, p, localPath string) error {
	src, err := d.fs.Open(fsPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}

// Put writes to a temporary sibling and renames it into place so readers
// never observe a partial file.
func (d *FsDriver) Put(ctx context.Context, p string, content []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	target := fsPath(p)
	if err := d.fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		return err
	}

	var prevMtime int64
	if info, err := d.fs.Stat(target); err == nil {
		prevMtime = info.ModTime().UnixMilli()
	}

	tmp := target + ".tmp-" + uuid.NewString()[:8]
	if err := afero.WriteFile(d.fs, tmp, content, 0o644); err != nil {
		_ = d.fs.Remove(tmp)
		return err
	}
	if err := d.fs.Rename(tmp, target); err != nil {
		_ = d.fs.Remove(tmp)
		return err
	}

	info, err := d.fs.Stat(target)
	if err != nil {
		return err
	}
	if info.ModTime().UnixMilli() <= prevMtime {
		bumped := time.UnixMilli(prevMtime + 1)
		if err := d.fs.Chtimes(target, bumped, bumped); err != nil {
			return fmt.Errorf("bump mtime: %w", err)
		}
	}
	return nil
}

func (d *FsDriver) PutFromFile(ctx context.Context, p, localPath string) error {
	content, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return d.Put(ctx, p, content)
}

func (d *FsDriver) Delete(ctx context.Context, p string) error {
	err := d.fs.RemoveAll(fsPath(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (d *FsDriver) Mkdir(ctx context.Context, p string) error {
	return d.fs.MkdirAll(fsPath(p), 0o755)
}

func (d *FsDriver) Move(ctx context.Context, oldPath, newPath string) error {
	target := fsPath(newPath)
	if err := d.fs.MkdirAll(path.Dir(target), 0o755); err != nil {
		return err
	}
	err := d.fs.Rename(fsPath(oldPath), target)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, oldPath)
	}
	return err
}

func (d *FsDriver) ClearRoot(ctx context.Context, p string) error {
	root := fsPath(p)
	infos, err := afero.ReadDir(d.fs, root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.fs.RemoveAll(path.Join(root, info.Name())); err != nil {
			return err
		}
	}
	return nil
}

var _ Driver = (*FsDriver)(nil)
