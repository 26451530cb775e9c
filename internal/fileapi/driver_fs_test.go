package fileapi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFsDriver(t *testing.T) {
	drivers := map[string]func(t *testing.T) *FsDriver{
		"memory": func(t *testing.T) *FsDriver { return NewMemoryDriver() },
		"os": func(t *testing.T) *FsDriver {
			d, err := NewOsFsDriver(filepath.Join(t.TempDir(), "target"))
			require.NoError(t, err)
			return d
		},
	}

	for name, newDriver := range drivers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			api := New(newDriver(t), "root")

			st, err := api.Stat(ctx, "a.md")
			require.NoError(t, err)
			assert.Nil(t, st)

			_, err = api.Get(ctx, "a.md")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NoError(t, api.Delete(ctx, "a.md"), "delete is idempotent")

			require.NoError(t, api.Put(ctx, "a.md", []byte("hello")))
			require.NoError(t, api.Put(ctx, "locks/sync_x.json", []byte("{}")))

			data, err := api.Get(ctx, "a.md")
			require.NoError(t, err)
			assert.Equal(t, "hello", string(data))

			st, err = api.Stat(ctx, "a.md")
			require.NoError(t, err)
			require.NotNil(t, st)
			assert.Equal(t, "a.md", st.Path)
			assert.Equal(t, int64(5), st.Size)
			assert.False(t, st.IsDir)

			res, err := api.List(ctx, "", ListOptions{})
			require.NoError(t, err)
			require.Len(t, res.Items, 2)
			assert.Equal(t, "a.md", res.Items[0].Path)
			assert.Equal(t, "locks", res.Items[1].Path)
			assert.True(t, res.Items[1].IsDir)

			local := filepath.Join(t.TempDir(), "out", "a.md")
			require.NoError(t, api.GetToFile(ctx, "a.md", local))
			got, err := os.ReadFile(local)
			require.NoError(t, err)
			assert.Equal(t, "hello", string(got))

			require.NoError(t, api.PutFromFile(ctx, ".resource/r1", local))
			require.NoError(t, api.Move(ctx, ".resource/r1", "temp/r1"))
			st, err = api.Stat(ctx, ".resource/r1")
			require.NoError(t, err)
			assert.Nil(t, st)
			data, err = api.Get(ctx, "temp/r1")
			require.NoError(t, err)
			assert.Equal(t, "hello", string(data))

			require.NoError(t, api.Mkdir(ctx, "empty"))
			st, err = api.Stat(ctx, "empty")
			require.NoError(t, err)
			assert.True(t, st.IsDir)

			require.NoError(t, api.Format(ctx))
			res, err = api.List(ctx, "", ListOptions{})
			require.NoError(t, err)
			assert.Empty(t, res.Items)
		})
	}
}

func TestFsDriver_ListPaging(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDriver()
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, d.Put(ctx, name+".md", []byte(name)))
	}

	var got []string
	opts := ListOptions{PageSize: 2}
	for {
		res, err := d.List(ctx, "", opts)
		require.NoError(t, err)
		for _, it := range res.Items {
			got = append(got, it.Path)
		}
		if !res.HasMore {
			break
		}
		opts.Context = res.Context
	}
	assert.Equal(t, []string{"a.md", "b.md", "c.md", "d.md", "e.md"}, got)

	_, err := d.List(ctx, "", ListOptions{Context: "nope"})
	assert.Error(t, err)
}

func TestFsDriver_MtimeStrictlyIncreases(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	d := NewFsDriver(fs)

	require.NoError(t, d.Put(ctx, "a.md", []byte("1")))
	future := time.Now().Add(time.Hour)
	require.NoError(t, fs.Chtimes("/a.md", future, future))

	prev := future.UnixMilli()
	for i := 0; i < 5; i++ {
		require.NoError(t, d.Put(ctx, "a.md", []byte{byte(i)}))
		st, err := d.Stat(ctx, "a.md")
		require.NoError(t, err)
		assert.Greater(t, st.UpdatedTime, prev)
		prev = st.UpdatedTime
	}
}

func TestFileAPI_DeltaFallsBackToBasicDelta(t *testing.T) {
	ctx := context.Background()
	api := New(NewMemoryDriver(), "")
	require.NoError(t, api.Put(ctx, "a.md", []byte("a")))
	require.NoError(t, api.Mkdir(ctx, "locks"))

	res, err := api.Delta(ctx, "", DeltaOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "a.md", res.Items[0].Path)

	require.NoError(t, api.Delete(ctx, "a.md"))
	res, err = api.Delta(ctx, "", DeltaOptions{Context: res.Context})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.True(t, res.Items[0].IsDeleted)
}

// feedDriver is a backend with its own change feed.
type feedDriver struct {
	*FsDriver
	calls []string
}

func (d *feedDriver) Delta(_ context.Context, path string, opts DeltaOptions) (*DeltaResult, error) {
	d.calls = append(d.calls, path)
	return &DeltaResult{
		Items:   []ChangeEntry{{Path: "native.md", UpdatedTime: 7}},
		Context: opts.Context,
	}, nil
}

func TestFileAPI_DeltaUsesNativeFeed(t *testing.T) {
	ctx := context.Background()
	d := &feedDriver{FsDriver: NewMemoryDriver()}
	api := New(d, "jot")

	res, err := api.Delta(ctx, "", DeltaOptions{})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "native.md", res.Items[0].Path)
	assert.Equal(t, []string{"jot"}, d.calls)
}
