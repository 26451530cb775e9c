package syncinfo

import (
	"context"
	"testing"

	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchMissingIsLegacy(t *testing.T) {
	api := fileapi.New(fileapi.NewMemoryDriver(), "")
	info, err := Fetch(context.Background(), api)
	require.NoError(t, err)
	assert.Equal(t, LegacyVersion, info.Version)
	assert.False(t, info.Exists)
}

func TestSaveAndFetch(t *testing.T) {
	ctx := context.Background()
	api := fileapi.New(fileapi.NewMemoryDriver(), "")

	info := &Info{Version: 3, E2EE: E2EE{Value: true, UpdatedTime: 42}, ActiveMasterKeyID: "k1"}
	assert.True(t, info.AddMasterKey("k2"))
	assert.True(t, info.AddMasterKey("k1"))
	assert.False(t, info.AddMasterKey("k2"))
	require.NoError(t, Save(ctx, api, info))

	got, err := Fetch(ctx, api)
	require.NoError(t, err)
	assert.True(t, got.Exists)
	assert.Equal(t, 3, got.Version)
	assert.Equal(t, E2EE{Value: true, UpdatedTime: 42}, got.E2EE)
	assert.Equal(t, []string{"k1", "k2"}, got.MasterKeys)
}

func TestFetchCorrupt(t *testing.T) {
	ctx := context.Background()
	api := fileapi.New(fileapi.NewMemoryDriver(), "")

	require.NoError(t, api.Put(ctx, FileName, []byte(`{"version":`)))
	_, err := Fetch(ctx, api)
	assert.Error(t, err)

	require.NoError(t, api.Put(ctx, FileName, []byte(`{"version":0}`)))
	_, err = Fetch(ctx, api)
	assert.ErrorContains(t, err, "invalid version")
}

func TestFetchKeepsUnknownVersionNumbers(t *testing.T) {
	ctx := context.Background()
	api := fileapi.New(fileapi.NewMemoryDriver(), "")
	require.NoError(t, api.Put(ctx, FileName, []byte(`{"version":99,"extra":true}`)))

	info, err := Fetch(ctx, api)
	require.NoError(t, err)
	assert.Equal(t, 99, info.Version)
}
