package store

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/utils"
)

// ResourcePath is where the blob of resource id is kept locally.
func (s *Store) ResourcePath(id string) string {
	return filepath.Join(s.resourceDir, id)
}

func (s *Store) HasResourceBlob(id string) bool {
	return utils.FileExists(s.ResourcePath(id))
}

// CreateResource imports a local file as a new resource.
func (s *Store) CreateResource(ctx context.Context, srcPath, title string) (*item.Resource, error) {
	if title == "" {
		title = filepath.Base(srcPath)
	}
	res := &item.Resource{
		Title:         title,
		Mime:          utils.DetectMimeType(srcPath),
		FileExtension: utils.FileExtension(srcPath),
	}
	res.ID = item.NewID()

	size, err := utils.CopyFile(srcPath, s.ResourcePath(res.ID))
	if err != nil {
		return nil, fmt.Errorf("import resource %s: %w", srcPath, err)
	}
	res.Size = size
	res.BlobUpdatedTime = s.now().UnixMilli()

	if err := s.Save(ctx, res); err != nil {
		s.removeResourceBlob(res.ID)
		return nil, err
	}
	return res, nil
}

// SaveResourceBlob stores a downloaded blob for resource id.
func (s *Store) SaveResourceBlob(id string, r io.Reader) (int64, error) {
	n, err := utils.WriteFileAtomic(s.ResourcePath(id), r)
	if err != nil {
		return 0, fmt.Errorf("save resource blob %s: %w", id, err)
	}
	return n, nil
}

// ImportResourceBlob moves a file already on disk into place as the blob of
// resource id.
func (s *Store) ImportResourceBlob(id, tmpPath string) error {
	dst := s.ResourcePath(id)
	if err := utils.EnsureParent(dst); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("import resource blob %s: %w", id, err)
	}
	return nil
}

func (s *Store) removeResourceBlob(id string) {
	if err := os.Remove(s.ResourcePath(id)); err != nil && !os.IsNotExist(err) {
		slog.Warn("remove resource blob", "id", id, "error", err)
	}
}
