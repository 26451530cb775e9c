package client

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jotsync/jotsync/internal/config"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/synchronizer"
	"github.com/jotsync/jotsync/internal/syncinfo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConfig(t *testing.T, clientID string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		ProfileDir: t.TempDir(),
		ClientID:   clientID,
		Target:     config.TargetConfig{Type: config.TargetMemory},
		Sync:       config.SyncConfig{LockTimeout: config.Duration(time.Second)},
	}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestClient(t *testing.T, remote afero.Fs, cfg *config.Config) *Client {
	t.Helper()
	c, err := NewWithDeps(cfg, fileapi.New(fileapi.NewFsDriver(remote), ""))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_ProfileIsExclusive(t *testing.T) {
	remote := afero.NewMemMapFs()
	cfg := newTestConfig(t, "clientA")
	c := newTestClient(t, remote, cfg)

	_, err := NewWithDeps(cfg, c.API())
	assert.ErrorIs(t, err, ErrProfileLocked)

	require.NoError(t, c.Close())
	again, err := NewWithDeps(cfg, c.API())
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestClient_NewDriver(t *testing.T) {
	ctx := context.Background()

	d, err := NewDriver(ctx, config.TargetConfig{Type: config.TargetFilesystem, Path: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &fileapi.FsDriver{}, d)

	d, err = NewDriver(ctx, config.TargetConfig{Type: config.TargetServer, Server: &fileapi.ServerConfig{URL: "http://127.0.0.1:1"}})
	require.NoError(t, err)
	assert.IsType(t, &fileapi.ServerDriver{}, d)

	_, err = NewDriver(ctx, config.TargetConfig{Type: "webdav"})
	assert.Error(t, err)
}

func TestClient_SyncBetweenProfiles(t *testing.T) {
	ctx := context.Background()
	remote := afero.NewMemMapFs()
	a := newTestClient(t, remote, newTestConfig(t, "clientA"))
	b := newTestClient(t, remote, newTestConfig(t, "clientB"))

	n := &item.Note{Title: "shared"}
	require.NoError(t, a.Store().Save(ctx, n))
	_, err := a.Sync(ctx)
	require.NoError(t, err)

	r, err := b.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.CreateLocal)

	got, err := b.Store().Load(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "shared", item.Title(got))
}

func TestClient_EnableE2EE(t *testing.T) {
	ctx := context.Background()
	remote := afero.NewMemMapFs()
	a := newTestClient(t, remote, newTestConfig(t, "clientA"))

	n := &item.Note{Title: "private"}
	require.NoError(t, a.Store().Save(ctx, n))
	_, err := a.Sync(ctx)
	require.NoError(t, err)

	mk, err := a.EnableE2EE(ctx, "hunter2")
	require.NoError(t, err)

	info, err := a.TargetInfo(ctx)
	require.NoError(t, err)
	assert.True(t, info.E2EE.Value)
	assert.Equal(t, mk.ID, info.ActiveMasterKeyID)
	assert.Contains(t, info.MasterKeys, mk.ID)

	r, err := a.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, r.Errors)

	data, err := a.API().Get(ctx, item.SystemPath(n.ID))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "private")

	cfgB := newTestConfig(t, "clientB")
	cfgB.MasterPassword = "hunter2"
	b := newTestClient(t, remote, cfgB)
	r, err = b.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, r.Errors)
	got, err := b.Store().Load(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "private", item.Title(got))

	st, err := b.E2EEStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.True(t, st.Unlocked)

	require.NoError(t, a.DisableE2EE(ctx))
	info, err = syncinfo.Fetch(ctx, a.API())
	require.NoError(t, err)
	assert.False(t, info.E2EE.Value)

	_, err = a.Sync(ctx)
	require.NoError(t, err)
	data, err = a.API().Get(ctx, item.SystemPath(n.ID))
	require.NoError(t, err)
	assert.Contains(t, string(data), "private")
}

func TestClient_EnableE2EEKeepsNewerRemoteEdits(t *testing.T) {
	ctx := context.Background()
	remote := afero.NewMemMapFs()
	a := newTestClient(t, remote, newTestConfig(t, "clientA"))
	cfgB := newTestConfig(t, "clientB")
	cfgB.MasterPassword = "hunter2"
	b := newTestClient(t, remote, cfgB)

	n := &item.Note{Title: "first draft"}
	require.NoError(t, a.Store().Save(ctx, n))
	_, err := a.Sync(ctx)
	require.NoError(t, err)
	_, err = b.Sync(ctx)
	require.NoError(t, err)

	onB, err := b.Store().Load(ctx, n.ID)
	require.NoError(t, err)
	onB.(*item.Note).Title = "second draft"
	require.NoError(t, b.Store().Save(ctx, onB))
	_, err = b.Sync(ctx)
	require.NoError(t, err)

	// A never pulled the second draft before switching encryption on
	_, err = a.EnableE2EE(ctx, "hunter2")
	require.NoError(t, err)
	r, err := a.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, r.Errors)
	assert.Zero(t, r.Conflicts)

	got, err := a.Store().Load(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "second draft", item.Title(got))

	data, err := a.API().Get(ctx, item.SystemPath(n.ID))
	require.NoError(t, err)
	hdr, err := item.PeekHeader(data)
	require.NoError(t, err)
	assert.True(t, hdr.EncryptionApplied)
	assert.NotContains(t, string(data), "second draft")

	rec, err := a.Store().SyncRecord(ctx, n.ID)
	require.NoError(t, err)
	assert.False(t, rec.ForceUpload)

	r, err = b.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, r.Errors)
	assert.Zero(t, r.Conflicts)
	got, err = b.Store().Load(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "second draft", item.Title(got))
}

func TestClient_ClearTarget(t *testing.T) {
	ctx := context.Background()
	remote := afero.NewMemMapFs()
	c := newTestClient(t, remote, newTestConfig(t, "clientA"))

	n := &item.Note{Title: "n"}
	require.NoError(t, c.Store().Save(ctx, n))
	_, err := c.Sync(ctx)
	require.NoError(t, err)

	require.NoError(t, c.ClearTarget(ctx))
	st, err := c.API().Stat(ctx, item.SystemPath(n.ID))
	require.NoError(t, err)
	assert.Nil(t, st)

	// the next sync rebuilds the target from the local database
	r, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.CreateRemote)
}

func TestClient_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, afero.NewMemMapFs(), newTestConfig(t, "clientA"))

	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, 10*time.Millisecond, nil, func(r *synchronizer.Report, err error) {
			assert.NoError(t, err)
			if runs.Add(1) == 3 {
				cancel()
			}
		})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run loop did not stop")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
}

func TestClient_WatchTarget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := newTestClient(t, afero.NewMemMapFs(), newTestConfig(t, "clientM"))
	_, err := mem.WatchTarget(ctx)
	require.ErrorIs(t, err, ErrWatchUnsupported)

	target := t.TempDir()
	fsConfig := func(id string) *config.Config {
		cfg := newTestConfig(t, id)
		cfg.Target = config.TargetConfig{Type: config.TargetFilesystem, Path: target}
		require.NoError(t, cfg.Validate())
		return cfg
	}
	a, err := New(ctx, fsConfig("clientA"))
	require.NoError(t, err)
	defer a.Close()
	b, err := New(ctx, fsConfig("clientB"))
	require.NoError(t, err)
	defer b.Close()

	w, err := a.WatchTarget(ctx)
	require.NoError(t, err)
	defer w.Stop()

	reports := make(chan *synchronizer.Report, 16)
	done := make(chan error, 1)
	go func() {
		done <- a.Run(ctx, time.Hour, w.Changes(), func(r *synchronizer.Report, err error) {
			assert.NoError(t, err)
			reports <- r
		})
	}()

	select {
	case <-reports:
	case <-time.After(5 * time.Second):
		t.Fatal("first run did not happen")
	}

	require.NoError(t, b.Store().Save(ctx, &item.Note{Title: "from b"}))
	_, err = b.Sync(ctx)
	require.NoError(t, err)

	deadline := time.After(10 * time.Second)
	for pulled := false; !pulled; {
		select {
		case r := <-reports:
			pulled = r.CreateLocal == 1
		case <-deadline:
			t.Fatal("target change did not wake the run loop")
		}
	}

	cancel()
	require.NoError(t, <-done)
}
