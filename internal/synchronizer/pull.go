package synchronizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/jotsync/jotsync/internal/encryption"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/queue"
	"github.com/jotsync/jotsync/internal/store"
	"github.com/jotsync/jotsync/internal/utils"
)

var errBlobMissing = errors.New("resource blob not on sync target yet")

// transfer carries one item between a network task and the goroutine that
// commits it to the store.
type transfer struct {
	id   string
	path string
	// mtime is the remote file's mtime after the transfer
	mtime int64
	item  item.Item
	// blob is the decrypted resource payload, when it had to be fetched
	blob []byte

	gone      bool
	created   bool
	conflict  bool
	deferred  bool
	unchanged bool
}

// pull applies remote changes: previously skipped items first, then the
// delta page by page. The delta context is saved only once its page has
// been fully applied, so an interrupted run resumes where it stopped.
func (s *Synchronizer) pull(ctx context.Context) error {
	s.enterState(StateFetchingDelta)

	deleted, err := s.pendingLocalDeletes(ctx)
	if err != nil {
		return err
	}
	if err := s.retrySkipped(ctx, deleted); err != nil {
		return err
	}

	dc, err := s.deps.Store.LoadDeltaContext(ctx)
	if err != nil {
		return err
	}

	// items encrypted with a master key that arrives later in the delta
	var locked []fileapi.ChangeEntry

	for {
		if err := s.stopRequested(ctx); err != nil {
			return err
		}

		s.enterState(StateFetchingDelta)
		res, err := s.deps.API.Delta(ctx, "", fileapi.DeltaOptions{
			Context:     dc,
			OutputLimit: s.opts.DeltaOutputLimit,
			PathFilter:  s.filter.IsItemPath,
			Now:         s.opts.Now,
		})
		if err != nil {
			return fmt.Errorf("fetch delta: %w", err)
		}
		s.progress.update(func(r *Report) { r.FetchingTotal += len(res.Items) })

		s.enterState(StateApplyingRemoteChanges)
		if err := s.applyPage(ctx, res.Items, deleted, &locked); err != nil {
			return err
		}
		if err := s.deps.Store.SaveDeltaContext(ctx, res.Context); err != nil {
			return err
		}
		dc = res.Context
		if !res.HasMore {
			return s.retryLocked(ctx, locked, deleted)
		}
	}
}

func (s *Synchronizer) pendingLocalDeletes(ctx context.Context) (mapset.Set[string], error) {
	deleted, err := s.deps.Store.DeletedItems(ctx)
	if err != nil {
		return nil, err
	}
	set := mapset.NewThreadUnsafeSet[string]()
	for _, d := range deleted {
		set.Add(d.ItemID)
	}
	return set, nil
}

// applyPage downloads the changed items of one delta page concurrently, then
// applies them in dependency order and finally applies the deletions.
func (s *Synchronizer) applyPage(ctx context.Context, entries []fileapi.ChangeEntry, deleted mapset.Set[string], locked *[]fileapi.ChangeEntry) error {
	q := s.newTaskQueue("download")
	defer q.Stop(context.WithoutCancel(ctx))

	var pushed []fileapi.ChangeEntry
	var removals []fileapi.ChangeEntry
	for _, e := range entries {
		if e.IsDeleted {
			removals = append(removals, e)
			continue
		}
		id, _ := item.PathToID(e.Path)
		rec, err := s.deps.Store.SyncRecord(ctx, id)
		if err != nil {
			return err
		}
		if rec != nil && rec.RemoteMtime == e.UpdatedTime {
			// our own upload coming back
			s.progress.update(func(r *Report) { r.FetchingProcessed++ })
			continue
		}
		if err := q.Push(ctx, id, func(ctx context.Context) (*transfer, error) {
			return s.download(ctx, e)
		}); err != nil {
			return err
		}
		pushed = append(pushed, e)
	}

	ordered := queue.NewPriorityQueue[*transfer]()
	for _, e := range pushed {
		id, _ := item.PathToID(e.Path)
		res, err := q.WaitForResult(ctx, id)
		if err != nil {
			return err
		}
		switch {
		case errors.Is(res.Err, encryption.ErrMasterKeyNotAvailable):
			// journaled now so an interrupted run still retries it
			if err := s.deps.Store.SkipItem(ctx, id, e.Path, res.Err.Error()); err != nil {
				return err
			}
			*locked = append(*locked, e)
		case res.Err != nil:
			s.skipRemote(ctx, "download", id, e.Path, res.Err)
		case res.Value.gone:
			s.progress.update(func(r *Report) { r.FetchingProcessed++ })
		default:
			ordered.Enqueue(res.Value, item.SyncPriority(res.Value.item.Type()))
		}
	}

	for ordered.Len() > 0 {
		group, _ := ordered.DequeueGroup()
		for _, tr := range group {
			if err := s.stopRequested(ctx); err != nil {
				return err
			}
			if err := s.applyRemote(ctx, tr, deleted); err != nil {
				s.skipRemote(ctx, "apply", tr.id, tr.path, err)
				continue
			}
			s.progress.update(func(r *Report) { r.FetchingProcessed++ })
		}
	}

	for _, e := range removals {
		if err := s.stopRequested(ctx); err != nil {
			return err
		}
		id, _ := item.PathToID(e.Path)
		if err := s.applyRemoteDelete(ctx, id); err != nil {
			s.itemError("deleteLocal", id, e.Path, err)
			continue
		}
		s.progress.update(func(r *Report) { r.FetchingProcessed++ })
	}
	return nil
}

// retrySkipped gives items that failed in earlier runs another chance.
func (s *Synchronizer) retrySkipped(ctx context.Context, deleted mapset.Set[string]) error {
	skipped, err := s.deps.Store.SkippedItems(ctx)
	if err != nil {
		return err
	}
	for _, sk := range skipped {
		if err := s.stopRequested(ctx); err != nil {
			return err
		}

		st, err := s.stat(ctx, sk.Path)
		if err != nil {
			s.itemError("retrySkipped", sk.ItemID, sk.Path, err)
			continue
		}
		if st == nil {
			if err := s.deps.Store.UnskipItem(ctx, sk.ItemID); err != nil {
				return err
			}
			continue
		}

		tr, err := s.download(ctx, fileapi.ChangeEntry{Path: sk.Path, UpdatedTime: st.UpdatedTime})
		if err == nil && !tr.gone {
			err = s.applyRemote(ctx, tr, deleted)
		}
		if err != nil {
			s.skipRemote(ctx, "retrySkipped", sk.ItemID, sk.Path, err)
			continue
		}
		if err := s.deps.Store.UnskipItem(ctx, sk.ItemID); err != nil {
			return err
		}
		s.logger.Info("sync", "op", "retrySkipped", "id", sk.ItemID, "attempts", sk.Attempts)
	}
	return nil
}

// retryLocked gives items that could not be decrypted a second chance once
// every master key of the delta has been applied.
func (s *Synchronizer) retryLocked(ctx context.Context, entries []fileapi.ChangeEntry, deleted mapset.Set[string]) error {
	ordered := queue.NewPriorityQueue[*transfer]()
	for _, e := range entries {
		if err := s.stopRequested(ctx); err != nil {
			return err
		}
		id, _ := item.PathToID(e.Path)
		tr, err := s.download(ctx, e)
		switch {
		case err != nil:
			s.skipRemote(ctx, "download", id, e.Path, err)
		case tr.gone:
			if err := s.deps.Store.UnskipItem(ctx, id); err != nil {
				return err
			}
			s.progress.update(func(r *Report) { r.FetchingProcessed++ })
		default:
			ordered.Enqueue(tr, item.SyncPriority(tr.item.Type()))
		}
	}

	for ordered.Len() > 0 {
		group, _ := ordered.DequeueGroup()
		for _, tr := range group {
			if err := s.stopRequested(ctx); err != nil {
				return err
			}
			if err := s.applyRemote(ctx, tr, deleted); err != nil {
				s.skipRemote(ctx, "apply", tr.id, tr.path, err)
				continue
			}
			if err := s.deps.Store.UnskipItem(ctx, tr.id); err != nil {
				return err
			}
			s.progress.update(func(r *Report) { r.FetchingProcessed++ })
		}
	}
	return nil
}

// skipRemote journals a remote item that could not be applied so the next
// run retries it.
func (s *Synchronizer) skipRemote(ctx context.Context, op, id, path string, cause error) {
	if err := s.deps.Store.SkipItem(ctx, id, path, cause.Error()); err != nil {
		s.logger.Error("journal skipped item", "id", id, "error", err)
	}
	s.progress.update(func(r *Report) { r.Skipped++ })
	s.itemError(op, id, path, cause)
}

func (s *Synchronizer) stat(ctx context.Context, path string) (*fileapi.Stat, error) {
	return withRetry(ctx, s.opts.MaxRetries, s.opts.RetryInitialInterval, func() (*fileapi.Stat, error) {
		return s.deps.API.Stat(ctx, path)
	})
}

func (s *Synchronizer) get(ctx context.Context, path string) ([]byte, error) {
	return withRetry(ctx, s.opts.MaxRetries, s.opts.RetryInitialInterval, func() ([]byte, error) {
		return s.deps.API.Get(ctx, path)
	})
}

// download fetches and decodes one remote item, plus its blob when the local
// copy of a resource is missing or outdated. It runs on a task queue
// goroutine and does not write to the store.
func (s *Synchronizer) download(ctx context.Context, e fileapi.ChangeEntry) (*transfer, error) {
	id, _ := item.PathToID(e.Path)
	tr := &transfer{id: id, path: e.Path, mtime: e.UpdatedTime}

	data, err := s.get(ctx, e.Path)
	if errors.Is(err, fileapi.ErrNotFound) {
		// deleted since the listing, the next delta reports it
		tr.gone = true
		return tr, nil
	}
	if err != nil {
		return nil, err
	}

	remote, err := s.deps.Encryption.DecryptAndParse(data)
	if err != nil {
		return nil, err
	}
	if remote.Base().ID != id {
		return nil, fmt.Errorf("%w: %s holds item %s", item.ErrMalformed, e.Path, remote.Base().ID)
	}
	tr.item = remote

	if res, ok := remote.(*item.Resource); ok && s.needsBlob(ctx, res) {
		blob, err := s.fetchBlob(ctx, id)
		if err != nil {
			return nil, err
		}
		tr.blob = blob
	}
	return tr, nil
}

func (s *Synchronizer) needsBlob(ctx context.Context, remote *item.Resource) bool {
	if !s.deps.Store.HasResourceBlob(remote.ID) {
		return true
	}
	local, err := s.deps.Store.Load(ctx, remote.ID)
	if err != nil {
		return true
	}
	lr, ok := local.(*item.Resource)
	return !ok || lr.BlobUpdatedTime != remote.BlobUpdatedTime
}

func (s *Synchronizer) fetchBlob(ctx context.Context, id string) ([]byte, error) {
	data, err := s.get(ctx, item.ResourceBlobPath(id))
	if errors.Is(err, fileapi.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", errBlobMissing, id)
	}
	if err != nil {
		return nil, err
	}
	blob, err := s.deps.Encryption.DecryptBlob(data)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("sync", "op", "downloadBlob", "id", id, "size", humanize.Bytes(uint64(len(blob))))
	return blob, nil
}

func (s *Synchronizer) loadLocal(ctx context.Context, id string) (item.Item, error) {
	it, err := s.deps.Store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	return it, err
}

// applyRemote reconciles one downloaded item with the local database.
//
// A pending local edit is never overwritten: when both sides changed, the
// incoming remote content is kept as a conflict copy under a new id and the
// local version wins the original id. Folders and tags have no conflict
// copies and simply keep the local version.
func (s *Synchronizer) applyRemote(ctx context.Context, tr *transfer, deleted mapset.Set[string]) error {
	remote := tr.item
	id := tr.id
	if mk, ok := remote.(*item.MasterKey); ok {
		if km, ok := s.keyManager(); ok {
			km.LoadMasterKey(mk)
		}
	}

	local, err := s.loadLocal(ctx, id)
	if err != nil {
		return err
	}
	rec, err := s.deps.Store.SyncRecord(ctx, id)
	if err != nil {
		return err
	}
	synced := &store.SyncRecord{SyncTime: remote.Base().UpdatedTime, RemoteMtime: tr.mtime}

	switch {
	case local == nil && deleted.Contains(id):
		// the pending local delete wins, push removes the remote copy
		s.logger.Info("sync", "op", "ignoreRemote", "id", id, "reason", "deleted locally")
		return nil

	case local == nil:
		if err := s.saveBlob(id, tr.blob); err != nil {
			return err
		}
		if err := s.deps.Store.SaveSynced(ctx, remote, synced); err != nil {
			return err
		}
		s.logger.Info("sync", "op", "createLocal", "id", id, "type", remote.Type())
		s.progress.update(func(r *Report) { r.CreateLocal++ })

	case rec != nil && remote.Base().UpdatedTime <= rec.SyncTime:
		// nothing newer than what we last exchanged
		return s.deps.Store.TouchRemoteMtime(ctx, id, remote.Type(), tr.mtime)

	case rec != nil && local.Base().UpdatedTime <= rec.SyncTime:
		if err := s.saveBlob(id, tr.blob); err != nil {
			return err
		}
		if err := s.deps.Store.SaveSynced(ctx, remote, synced); err != nil {
			return err
		}
		s.logger.Info("sync", "op", "updateLocal", "id", id, "type", remote.Type())
		s.progress.update(func(r *Report) { r.UpdateLocal++ })

	case item.SameContent(local, remote):
		// adopt the remote timestamps, the content is the same
		return s.deps.Store.SaveSynced(ctx, remote, synced)

	default:
		if _, err := s.keepAsConflict(ctx, remote, tr.blob); err != nil {
			return err
		}
		if err := s.supersede(ctx, local, remote); err != nil {
			return err
		}
		return s.deps.Store.TouchRemoteMtime(ctx, id, remote.Type(), tr.mtime)
	}
	return nil
}

// supersede makes local newer than remote, so that once pushed every other
// client sees it as a successor of the version it replaces.
func (s *Synchronizer) supersede(ctx context.Context, local, remote item.Item) error {
	c := local.Base()
	c.UpdatedTime = max(c.UpdatedTime, remote.Base().UpdatedTime+1)
	return s.deps.Store.Save(ctx, local)
}

// keepAsConflict stores remote content as a new conflict item. It reports
// false for types that have no conflict copies.
func (s *Synchronizer) keepAsConflict(ctx context.Context, remote item.Item, blob []byte) (bool, error) {
	id := remote.Base().ID
	dup, ok := item.ConflictCopy(remote, s.now())
	if !ok {
		s.logger.Info("sync", "op", "keepLocal", "id", id, "type", remote.Type())
		return false, nil
	}

	if _, isResource := dup.(*item.Resource); isResource {
		var err error
		if blob != nil {
			err = s.saveBlob(dup.Base().ID, blob)
		} else {
			_, err = utils.CopyFile(s.deps.Store.ResourcePath(id), s.deps.Store.ResourcePath(dup.Base().ID))
		}
		if err != nil {
			return false, fmt.Errorf("conflict copy of %s: %w", id, err)
		}
	}
	if err := s.deps.Store.Save(ctx, dup); err != nil {
		return false, err
	}

	s.logger.Warn("sync", "op", "conflict", "id", id, "copy", dup.Base().ID, "type", remote.Type())
	s.progress.update(func(r *Report) { r.Conflicts++ })
	return true, nil
}

func (s *Synchronizer) saveBlob(id string, blob []byte) error {
	if blob == nil {
		return nil
	}
	_, err := s.deps.Store.SaveResourceBlob(id, bytes.NewReader(blob))
	return err
}

// applyRemoteDelete removes the local copy of an item deleted remotely.
// Remote deletions win over pending local edits.
func (s *Synchronizer) applyRemoteDelete(ctx context.Context, id string) error {
	local, err := s.loadLocal(ctx, id)
	if err != nil {
		return err
	}
	if err := s.deps.Store.DeleteSynced(ctx, id); err != nil {
		return err
	}
	if local != nil {
		s.logger.Info("sync", "op", "deleteLocal", "id", id, "type", local.Type())
		s.progress.update(func(r *Report) { r.DeleteLocal++ })
	}
	return nil
}
