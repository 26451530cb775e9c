package utils

import (
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteFileAtomic streams r into path through a temporary sibling, so
// readers never observe a partial file. It returns the bytes written.
func WriteFileAtomic(path string, r io.Reader) (int64, error) {
	if err := EnsureParent(path); err != nil {
		return 0, err
	}

	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp-"+uuid.NewString()[:8])
	f, err := os.Create(tmp)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return 0, err
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// CopyFile copies src to dst atomically.
func CopyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	return WriteFileAtomic(dst, in)
}
