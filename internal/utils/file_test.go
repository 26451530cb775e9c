package utils

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sub", "blob")

	n, err := WriteFileAtomic(target, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must not be left behind")
}

func TestCopyFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.png")
	require.NoError(t, os.WriteFile(src, []byte{1, 2, 3}, 0o644))

	n, err := CopyFile(src, filepath.Join(dir, "out", "dst"))
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	_, err = CopyFile(filepath.Join(dir, "missing"), filepath.Join(dir, "x"))
	assert.Error(t, err)
}

func TestDetectMimeType(t *testing.T) {
	assert.Equal(t, "text/markdown", DetectMimeType("note.MD"))
	assert.Equal(t, "image/png", DetectMimeType("a.png"))
	assert.Equal(t, DefaultMimeType, DetectMimeType("noext"))
	assert.Equal(t, "png", FileExtension("photo.PNG"))
	assert.Equal(t, "", FileExtension("noext"))
}
