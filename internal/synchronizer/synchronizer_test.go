package synchronizer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jotsync/jotsync/internal/encryption"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/locks"
	"github.com/jotsync/jotsync/internal/migration"
	"github.com/jotsync/jotsync/internal/store"
	"github.com/jotsync/jotsync/internal/syncinfo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastKDF = encryption.KDFParams{Time: 1, Memory: 1024, Threads: 1}

type testClient struct {
	id    string
	api   *fileapi.FileAPI
	store *store.Store
	enc   *encryption.E2EEService
	locks *locks.LockHandler
	sync  *Synchronizer
}

func newTestClient(t *testing.T, remote afero.Fs, id string, opts ...func(*Deps, *Options)) *testClient {
	t.Helper()

	api := fileapi.New(fileapi.NewFsDriver(remote), "")
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	lh := locks.NewLockHandler(api, locks.Options{
		VerifyPause:   5 * time.Millisecond,
		RetryInterval: 5 * time.Millisecond,
	})
	mh := migration.NewMigrationHandler(api, lh, migration.Options{
		ClientID:    id,
		ClientType:  locks.ClientTypeCLI,
		LockTimeout: time.Second,
	})
	enc := encryption.NewE2EEService(encryption.WithKDFParams(fastKDF))

	deps := Deps{
		API:        api,
		Store:      st,
		Encryption: enc,
		Locks:      lh,
		Migrations: mh,
		ClientID:   id,
		ClientType: locks.ClientTypeCLI,
	}
	o := Options{
		RetryInitialInterval: time.Millisecond,
		LockTimeout:          100 * time.Millisecond,
		DeltaOutputLimit:     2,
	}
	for _, fn := range opts {
		fn(&deps, &o)
	}

	return &testClient{id: id, api: api, store: st, enc: enc, locks: lh, sync: New(deps, o)}
}

func (c *testClient) syncOK(t *testing.T) *Report {
	t.Helper()
	r, err := c.sync.Start(context.Background(), StartOptions{})
	require.NoError(t, err)
	require.Empty(t, r.Errors, "item errors: %v", r.Errors)
	return r
}

func (c *testClient) loadNote(t *testing.T, id string) *item.Note {
	t.Helper()
	it, err := c.store.Load(context.Background(), id)
	require.NoError(t, err)
	return it.(*item.Note)
}

func (c *testClient) save(t *testing.T, it item.Item) {
	t.Helper()
	require.NoError(t, c.store.Save(context.Background(), it))
}

// twoSyncedClients returns clients A and B that both hold folder F and note
// N1 ("hello") inside it.
func twoSyncedClients(t *testing.T) (a, b *testClient, folder *item.Folder, note *item.Note) {
	t.Helper()
	remote := afero.NewMemMapFs()
	a = newTestClient(t, remote, "clientA")
	b = newTestClient(t, remote, "clientB")

	folder = &item.Folder{Title: "F"}
	a.save(t, folder)
	note = &item.Note{Title: "hello", ParentID: folder.ID, Body: "body"}
	a.save(t, note)

	r := a.syncOK(t)
	assert.Equal(t, 2, r.CreateRemote)
	r = b.syncOK(t)
	assert.Equal(t, 2, r.CreateLocal)
	return a, b, folder, note
}

func TestSync_EndToEnd(t *testing.T) {
	ctx := context.Background()
	a, b, folder, note := twoSyncedClients(t)

	got := b.loadNote(t, note.ID)
	assert.Equal(t, "hello", got.Title)
	assert.Equal(t, folder.ID, got.ParentID)
	assert.Equal(t, "body", got.Body)
	f, err := b.store.Load(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, "F", item.Title(f))

	// nothing to do the second time round
	r := b.syncOK(t)
	assert.False(t, r.HasChanges())

	got.Title = "hi"
	b.save(t, got)
	r = b.syncOK(t)
	assert.Equal(t, 1, r.UpdateRemote)

	r = a.syncOK(t)
	assert.Equal(t, 1, r.UpdateLocal)
	assert.Zero(t, r.Conflicts)
	assert.Equal(t, "hi", a.loadNote(t, note.ID).Title)

	conflicts, err := a.store.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	info, err := syncinfo.Fetch(ctx, a.api)
	require.NoError(t, err)
	assert.Equal(t, migration.SupportedSyncTargetVersion, info.Version)

	// the sync lock is released after each run
	held, err := a.locks.Locks(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestSync_ConcurrentEditCreatesConflictCopy(t *testing.T) {
	ctx := context.Background()
	a, b, _, note := twoSyncedClients(t)

	na := a.loadNote(t, note.ID)
	na.Title = "aaa"
	a.save(t, na)

	nb := b.loadNote(t, note.ID)
	nb.Title = "bbb"
	b.save(t, nb)
	b.syncOK(t)

	r := a.syncOK(t)
	assert.Equal(t, 1, r.Conflicts)
	assert.Equal(t, "aaa", a.loadNote(t, note.ID).Title)

	conflicts, err := a.store.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	cp := conflicts[0].(*item.Note)
	assert.Equal(t, "bbb", cp.Title)
	assert.True(t, cp.IsConflict)
	assert.Equal(t, note.ID, cp.ConflictOriginalID)
	assert.NotEqual(t, note.ID, cp.ID)

	// B converges on A's resolution without a second conflict
	r = b.syncOK(t)
	assert.Zero(t, r.Conflicts)
	assert.Equal(t, "aaa", b.loadNote(t, note.ID).Title)
	bConflicts, err := b.store.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, bConflicts, 1)
	assert.Equal(t, cp.ID, bConflicts[0].Base().ID)
}

func TestSync_FolderConflictKeepsLocal(t *testing.T) {
	ctx := context.Background()
	a, b, folder, _ := twoSyncedClients(t)

	fa, err := a.store.Load(ctx, folder.ID)
	require.NoError(t, err)
	fa.(*item.Folder).Title = "from A"
	a.save(t, fa)

	fb, err := b.store.Load(ctx, folder.ID)
	require.NoError(t, err)
	fb.(*item.Folder).Title = "from B"
	b.save(t, fb)
	b.syncOK(t)

	r := a.syncOK(t)
	assert.Zero(t, r.Conflicts)
	got, err := a.store.Load(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, "from A", item.Title(got))

	b.syncOK(t)
	got, err = b.store.Load(ctx, folder.ID)
	require.NoError(t, err)
	assert.Equal(t, "from A", item.Title(got))

	folders, err := b.store.LoadAll(ctx, item.TypeFolder)
	require.NoError(t, err)
	assert.Len(t, folders, 1)
}

func TestSync_DeletionsPropagate(t *testing.T) {
	ctx := context.Background()
	a, b, _, note := twoSyncedClients(t)

	require.NoError(t, a.store.Delete(ctx, note.ID))
	r := a.syncOK(t)
	assert.Equal(t, 1, r.DeleteRemote)

	st, err := a.api.Stat(ctx, item.SystemPath(note.ID))
	require.NoError(t, err)
	assert.Nil(t, st)

	r = b.syncOK(t)
	assert.Equal(t, 1, r.DeleteLocal)
	_, err = b.store.Load(ctx, note.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	deleted, err := a.store.DeletedItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestSync_RemoteDeleteWinsOverLocalEdit(t *testing.T) {
	ctx := context.Background()
	a, b, _, note := twoSyncedClients(t)

	nb := b.loadNote(t, note.ID)
	nb.Title = "edited"
	b.save(t, nb)

	require.NoError(t, a.store.Delete(ctx, note.ID))
	a.syncOK(t)

	b.syncOK(t)
	_, err := b.store.Load(ctx, note.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSync_Resources(t *testing.T) {
	ctx := context.Background()
	remote := afero.NewMemMapFs()
	a := newTestClient(t, remote, "clientA")
	b := newTestClient(t, remote, "clientB")

	src := filepath.Join(t.TempDir(), "photo.png")
	require.NoError(t, os.WriteFile(src, []byte("pixels"), 0o644))
	res, err := a.store.CreateResource(ctx, src, "")
	require.NoError(t, err)
	note := &item.Note{Title: "with image", Body: "see ![](:/" + res.ID + ")"}
	a.save(t, note)

	r := a.syncOK(t)
	assert.Equal(t, 2, r.CreateRemote)
	blobStat, err := a.api.Stat(ctx, item.ResourceBlobPath(res.ID))
	require.NoError(t, err)
	require.NotNil(t, blobStat)

	b.syncOK(t)
	data, err := os.ReadFile(b.store.ResourcePath(res.ID))
	require.NoError(t, err)
	assert.Equal(t, "pixels", string(data))
	assert.Contains(t, b.loadNote(t, note.ID).Body, res.ID)

	// a title-only edit does not upload the blob again
	rb, err := b.store.Load(ctx, res.ID)
	require.NoError(t, err)
	rb.(*item.Resource).Title = "renamed"
	b.save(t, rb)
	time.Sleep(5 * time.Millisecond)
	b.syncOK(t)

	after, err := a.api.Stat(ctx, item.ResourceBlobPath(res.ID))
	require.NoError(t, err)
	assert.Equal(t, blobStat.UpdatedTime, after.UpdatedTime)

	a.syncOK(t)
	ra, err := a.store.Load(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", item.Title(ra))
}

func TestSync_NoteWaitsForItsResources(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t, afero.NewMemMapFs(), "clientA")

	src := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(src, []byte("%PDF"), 0o644))
	res, err := c.store.CreateResource(ctx, src, "")
	require.NoError(t, err)
	note := &item.Note{Title: "n", Body: "[doc](:/" + res.ID + ")"}
	c.save(t, note)

	tr, err := c.sync.upload(ctx, note)
	require.NoError(t, err)
	assert.True(t, tr.deferred)

	// a link to a resource this client does not have does not block
	other := &item.Note{Title: "m", Body: "[x](:/" + item.NewID() + ")"}
	ready, err := c.sync.linkedResourcesSynced(ctx, other)
	require.NoError(t, err)
	assert.True(t, ready)
}

func TestSync_EncryptedTarget(t *testing.T) {
	ctx := context.Background()
	remote := afero.NewMemMapFs()
	a := newTestClient(t, remote, "clientA")
	b := newTestClient(t, remote, "clientB")

	note := &item.Note{Title: "secret title", Body: "secret body"}
	a.save(t, note)
	a.syncOK(t)

	mk, err := a.enc.GenerateMasterKey("pw")
	require.NoError(t, err)
	a.save(t, mk)
	info, err := syncinfo.Fetch(ctx, a.api)
	require.NoError(t, err)
	info.E2EE = syncinfo.E2EE{Value: true, UpdatedTime: time.Now().UnixMilli()}
	info.ActiveMasterKeyID = mk.ID
	info.AddMasterKey(mk.ID)
	require.NoError(t, syncinfo.Save(ctx, a.api, info))
	require.NoError(t, a.store.MarkAllForUpload(ctx))

	a.syncOK(t)
	assert.True(t, a.enc.IsEncryptionEnabled())

	data, err := a.api.Get(ctx, item.SystemPath(note.ID))
	require.NoError(t, err)
	hdr, err := item.PeekHeader(data)
	require.NoError(t, err)
	assert.True(t, hdr.EncryptionApplied)
	assert.NotContains(t, string(data), "secret")

	// B has the key but not the password: the note is skipped, not lost
	r, err := b.sync.Start(ctx, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Skipped)
	require.Len(t, r.Errors, 1)
	assert.ErrorIs(t, r.Errors[0], encryption.ErrMasterKeyNotAvailable)
	assert.NotEmpty(t, r.Warning)
	assert.True(t, b.enc.HasMasterKey(mk.ID))

	b.enc.SetMasterPassword("pw")
	r = b.syncOK(t)
	assert.Equal(t, 1, r.CreateLocal)
	assert.Equal(t, "secret title", b.loadNote(t, note.ID).Title)
	assert.True(t, b.enc.IsEncryptionEnabled())

	skipped, err := b.store.SkippedItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

// A forced re-upload of an item that was not edited locally must not
// overwrite a remote edit that landed after the pull phase.
func TestSync_ForcedUploadAdoptsRemoteEdit(t *testing.T) {
	ctx := context.Background()
	a, b, _, note := twoSyncedClients(t)

	onB := b.loadNote(t, note.ID)
	onB.Title = "from B"
	b.save(t, onB)
	b.syncOK(t)

	require.NoError(t, a.store.MarkAllForUpload(ctx))
	stale := a.loadNote(t, note.ID)
	tr, err := a.sync.upload(ctx, stale)
	require.NoError(t, err)
	assert.False(t, tr.conflict)
	assert.Equal(t, "from B", item.Title(tr.item))
	assert.Equal(t, "from B", a.loadNote(t, note.ID).Title)

	data, err := a.api.Get(ctx, item.SystemPath(note.ID))
	require.NoError(t, err)
	assert.Contains(t, string(data), "from B")

	a.syncOK(t)
	r := b.syncOK(t)
	assert.Zero(t, r.Conflicts)
	assert.Equal(t, "from B", b.loadNote(t, note.ID).Title)
}

func TestSync_MalformedRemoteItemIsSkipped(t *testing.T) {
	ctx := context.Background()
	remote := afero.NewMemMapFs()
	a := newTestClient(t, remote, "clientA")
	good := &item.Note{Title: "fine"}
	a.save(t, good)
	a.syncOK(t)

	id := item.NewID()
	require.NoError(t, a.api.Put(ctx, item.SystemPath(id), []byte("not front matter")))

	b := newTestClient(t, remote, "clientB")
	r, err := b.sync.Start(ctx, StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Skipped)
	assert.Equal(t, 1, r.CreateLocal)
	require.Len(t, r.Errors, 1)
	assert.ErrorIs(t, r.Errors[0], item.ErrMalformed)

	// repaired remotely: picked up from the skipped journal
	fixed := &item.Note{Title: "repaired"}
	fixed.ID = id
	fixed.CreatedTime = 1
	fixed.UpdatedTime = 2
	data, err := item.Serialize(fixed)
	require.NoError(t, err)
	require.NoError(t, a.api.Put(ctx, item.SystemPath(id), data))

	b.syncOK(t)
	assert.Equal(t, "repaired", b.loadNote(t, id).Title)
	skipped, err := b.store.SkippedItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, skipped)
}

func TestSync_LockedTarget(t *testing.T) {
	ctx := context.Background()
	remote := afero.NewMemMapFs()
	a := newTestClient(t, remote, "clientA")
	a.syncOK(t)

	_, err := a.locks.AcquireLock(ctx, locks.LockTypeExclusive, locks.ClientTypeDesktop, "upgrader", locks.AcquireOptions{})
	require.NoError(t, err)

	_, err = a.sync.Start(ctx, StartOptions{})
	require.ErrorIs(t, err, ErrTargetLocked)
	var lockErr *locks.LockExpiredError
	assert.ErrorAs(t, err, &lockErr)
	assert.Equal(t, StateError, a.sync.State())
}

func TestSync_VersionErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("newer target", func(t *testing.T) {
		remote := afero.NewMemMapFs()
		c := newTestClient(t, remote, "clientA")
		require.NoError(t, syncinfo.Save(ctx, c.api, &syncinfo.Info{Version: 99}))

		_, err := c.sync.Start(ctx, StartOptions{})
		var verr *migration.VersionError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, migration.CodeOutdatedClient, verr.Code)
	})

	t.Run("legacy target with data", func(t *testing.T) {
		remote := afero.NewMemMapFs()
		c := newTestClient(t, remote, "clientA")
		n := &item.Note{Title: "old"}
		n.ID = item.NewID()
		data, err := item.Serialize(n)
		require.NoError(t, err)
		require.NoError(t, c.api.Put(ctx, item.SystemPath(n.ID), data))

		_, err = c.sync.Start(ctx, StartOptions{})
		var verr *migration.VersionError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, migration.CodeOutdatedSyncTarget, verr.Code)
	})
}

func TestSync_AlreadyRunning(t *testing.T) {
	c := newTestClient(t, afero.NewMemMapFs(), "clientA")
	c.sync.running.Store(true)
	_, err := c.sync.Start(context.Background(), StartOptions{})
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)
}

// cancelAfter cancels the sync on the nth item serialized for upload.
type cancelAfter struct {
	encryption.Service
	n      int32
	count  atomic.Int32
	cancel func()
}

func (c *cancelAfter) EncryptAndSerialize(it item.Item) ([]byte, error) {
	if c.count.Add(1) == c.n {
		c.cancel()
	}
	return c.Service.EncryptAndSerialize(it)
}

func TestSync_CancelBetweenItems(t *testing.T) {
	ctx := context.Background()
	remote := afero.NewMemMapFs()

	var s *Synchronizer
	wrapper := &cancelAfter{n: 3, cancel: func() { s.Cancel() }}
	c := newTestClient(t, remote, "clientA", func(d *Deps, o *Options) {
		wrapper.Service = d.Encryption
		d.Encryption = wrapper
		o.MaxConcurrentConnections = 1
	})
	s = c.sync

	var ids []string
	for i := 0; i < 10; i++ {
		n := &item.Note{Title: "note"}
		c.save(t, n)
		ids = append(ids, n.ID)
	}

	r, err := c.sync.Start(ctx, StartOptions{})
	require.NoError(t, err)
	assert.True(t, r.Cancelled)
	assert.Equal(t, 3, r.CreateRemote)
	assert.Empty(t, r.Errors)
	assert.Equal(t, StateIdle, c.sync.State())

	// every item on the target is marked synced and vice versa
	for _, id := range ids {
		st, err := c.api.Stat(ctx, item.SystemPath(id))
		require.NoError(t, err)
		rec, err := c.store.SyncRecord(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, st != nil, rec != nil, "item %s", id)
	}

	r = c.syncOK(t)
	assert.False(t, r.Cancelled)
	assert.Equal(t, 7, r.CreateRemote)
}

func TestSync_ProgressSubscription(t *testing.T) {
	c := newTestClient(t, afero.NewMemMapFs(), "clientA")
	c.save(t, &item.Note{Title: "n"})

	ch := c.sync.Subscribe()
	var states []State
	done := make(chan struct{})
	go func() {
		defer close(done)
		for r := range ch {
			states = append(states, r.State)
		}
	}()

	c.syncOK(t)
	c.sync.Unsubscribe(ch)
	<-done

	assert.Contains(t, states, StatePushingLocalChanges)
	require.NotEmpty(t, states)
	assert.Equal(t, StateIdle, states[len(states)-1])

	final := c.sync.Report()
	assert.Equal(t, 1, final.CreateRemote)
	assert.False(t, final.CompletedTime.IsZero())
}

func TestPathFilter(t *testing.T) {
	f := newPathFilter([]string{"ignored*"})
	id := item.NewID()

	assert.True(t, f.IsItemPath(item.SystemPath(id)))
	assert.False(t, f.IsItemPath("info.json"))
	assert.False(t, f.IsItemPath("locks/sync_a.json"))
	assert.False(t, f.IsItemPath(item.ResourceBlobPath(id)))
	assert.False(t, f.IsItemPath(item.SystemPath(id)+".tmp-1234"))
	assert.False(t, f.IsItemPath("readme.md"))
}

func TestWithRetry(t *testing.T) {
	ctx := context.Background()
	calls := 0
	_, err := withRetry(ctx, 2, time.Millisecond, func() (int, error) {
		calls++
		return 0, fileapi.NewAPIError(503, fileapi.CodeInternalError, "busy")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	_, err = withRetry(ctx, 5, time.Millisecond, func() (int, error) {
		calls++
		return 0, errors.New("permanent")
	})
	assert.EqualError(t, err, "permanent")
	assert.Equal(t, 1, calls)
}
