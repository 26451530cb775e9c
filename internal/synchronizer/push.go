package synchronizer

import (
	"context"
	"errors"
	"fmt"
	"os"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"
	"github.com/jotsync/jotsync/internal/encryption"
	"github.com/jotsync/jotsync/internal/fileapi"
	"github.com/jotsync/jotsync/internal/item"
	"github.com/jotsync/jotsync/internal/queue"
	"github.com/jotsync/jotsync/internal/store"
	"github.com/jotsync/jotsync/internal/taskqueue"
)

// push uploads local changes, dependencies first, then propagates local
// deletions. Each uploaded item is marked synced by this goroutine right
// after its task completes, so a cancelled run never leaves an item pushed
// but unmarked.
func (s *Synchronizer) push(ctx context.Context) error {
	s.enterState(StatePushingLocalChanges)

	q := s.newTaskQueue("upload")
	defer q.Stop(context.WithoutCancel(ctx))

	// Items that stay pending after an attempt sort ahead of the rest of
	// the journal, so they are stepped over with the page offset.
	leftovers := 0
	attempted := mapset.NewThreadUnsafeSet[string]()
	for {
		if err := s.stopRequested(ctx); err != nil {
			return err
		}
		items, err := s.deps.Store.ItemsThatNeedSync(ctx, pushPageSize, leftovers)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			break
		}

		ordered := queue.NewPriorityQueue[item.Item]()
		for _, it := range items {
			if !attempted.Add(it.Base().ID) {
				leftovers++
				continue
			}
			ordered.Enqueue(it, item.SyncPriority(it.Type()))
		}

		for ordered.Len() > 0 {
			group, _ := ordered.DequeueGroup()
			pending, err := s.pushGroup(ctx, q, group)
			leftovers += pending
			if err != nil {
				return err
			}
		}
	}

	return s.pushDeletes(ctx)
}

// pushGroup uploads items of equal sync priority concurrently and commits
// each result. It returns how many items are still pending afterwards.
// Tasks that had not started when a stop was requested do nothing.
func (s *Synchronizer) pushGroup(ctx context.Context, q *taskqueue.TaskQueue[*transfer], group []item.Item) (int, error) {
	for _, it := range group {
		if err := q.Push(ctx, it.Base().ID, func(ctx context.Context) (*transfer, error) {
			if err := s.stopRequested(ctx); err != nil {
				return nil, err
			}
			return s.upload(ctx, it)
		}); err != nil {
			return 0, err
		}
	}

	pending := 0
	for _, it := range group {
		res, err := q.WaitForResult(context.WithoutCancel(ctx), it.Base().ID)
		if err != nil {
			return pending, err
		}
		if !s.commitPush(ctx, it, res) {
			pending++
		}
	}
	return pending, s.stopRequested(ctx)
}

func (s *Synchronizer) commitPush(ctx context.Context, it item.Item, res taskqueue.Result[*transfer]) bool {
	id := it.Base().ID
	path := item.SystemPath(id)
	if res.Err != nil {
		if s.stopRequested(ctx) == nil || !isStop(res.Err) {
			s.itemError("upload", id, path, res.Err)
		}
		return false
	}

	tr := res.Value
	if tr.deferred {
		s.logger.Debug("sync", "op", "deferUpload", "id", id, "reason", "linked resources not synced")
		return false
	}
	if tr.unchanged {
		return true
	}
	if err := s.deps.Store.MarkAsSynced(ctx, tr.item, tr.mtime); err != nil {
		s.itemError("markSynced", id, path, err)
		return false
	}

	switch {
	case tr.created:
		s.logger.Info("sync", "op", "createRemote", "id", id, "type", it.Type())
		s.progress.update(func(r *Report) { r.CreateRemote++ })
	default:
		s.logger.Info("sync", "op", "updateRemote", "id", id, "type", it.Type())
		s.progress.update(func(r *Report) { r.UpdateRemote++ })
	}
	return true
}

// linkedResourcesSynced reports whether every local resource a note links to
// has been pushed, blob included.
func (s *Synchronizer) linkedResourcesSynced(ctx context.Context, n *item.Note) (bool, error) {
	for _, rid := range item.ResourceIDs(n.Body) {
		rec, err := s.deps.Store.SyncRecord(ctx, rid)
		if err != nil {
			return false, err
		}
		if rec != nil && rec.SyncTime > 0 {
			continue
		}
		local, err := s.loadLocal(ctx, rid)
		if err != nil {
			return false, err
		}
		if local != nil {
			return false, nil
		}
	}
	return true, nil
}

// upload pushes one local item. If the remote copy moved since we last saw
// it, it is fetched first and the same conflict rule as the pull phase is
// applied before overwriting it.
func (s *Synchronizer) upload(ctx context.Context, it item.Item) (*transfer, error) {
	id := it.Base().ID
	path := item.SystemPath(id)
	tr := &transfer{id: id, path: path, item: it}

	if n, ok := it.(*item.Note); ok {
		ready, err := s.linkedResourcesSynced(ctx, n)
		if err != nil {
			return nil, err
		}
		if !ready {
			tr.deferred = true
			return tr, nil
		}
	}

	rec, err := s.deps.Store.SyncRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	st, err := s.stat(ctx, path)
	if err != nil {
		return nil, err
	}
	tr.created = st == nil

	if st != nil && (rec == nil || st.UpdatedTime != rec.RemoteMtime) {
		tr.mtime = st.UpdatedTime
		done, err := s.reconcileBeforePush(ctx, it, rec, tr)
		if err != nil || done {
			return tr, err
		}
		it = tr.item
	}

	if res, ok := it.(*item.Resource); ok && (rec == nil || rec.ForceUpload || res.BlobUpdatedTime > rec.SyncTime) {
		if err := s.uploadBlob(ctx, res); err != nil {
			return nil, err
		}
	}

	data, err := s.deps.Encryption.EncryptAndSerialize(it)
	if err != nil {
		return nil, err
	}
	if _, err := withRetry(ctx, s.opts.MaxRetries, s.opts.RetryInitialInterval, func() (struct{}, error) {
		return struct{}{}, s.deps.API.Put(ctx, path, data)
	}); err != nil {
		return nil, err
	}

	after, err := s.stat(ctx, path)
	if err != nil {
		return nil, err
	}
	if after == nil {
		return nil, fmt.Errorf("put %s: file missing right after upload", path)
	}
	tr.mtime = after.UpdatedTime
	return tr, nil
}

// reconcileBeforePush handles a remote copy changed by someone else since our
// last exchange. done means nothing needs uploading.
func (s *Synchronizer) reconcileBeforePush(ctx context.Context, it item.Item, rec *store.SyncRecord, tr *transfer) (done bool, err error) {
	data, err := s.get(ctx, tr.path)
	if errors.Is(err, fileapi.ErrNotFound) {
		tr.created = true
		return false, nil
	}
	if err != nil {
		return false, err
	}

	remote, err := s.deps.Encryption.DecryptAndParse(data)
	switch {
	case errors.Is(err, encryption.ErrMasterKeyNotAvailable):
		// cannot tell what would be overwritten
		return false, err
	case errors.Is(err, item.ErrMalformed):
		s.logger.Warn("sync", "op", "overwriteMalformed", "id", tr.id, "error", err)
		return false, nil
	case err != nil:
		return false, err
	}

	forced := rec != nil && rec.ForceUpload
	if item.SameContent(it, remote) {
		if forced {
			// same content, but stored the old way
			return false, nil
		}
		// adopt the remote version as is, nothing to upload
		tr.unchanged = true
		return true, s.deps.Store.SaveSynced(ctx, remote, &store.SyncRecord{
			SyncTime:    remote.Base().UpdatedTime,
			RemoteMtime: tr.mtime,
		})
	}
	if forced && it.Base().UpdatedTime <= rec.SyncTime {
		// no local edit, only a re-upload: the remote edit wins as it
		// would have in the pull phase, and is what gets uploaded
		return false, s.adoptRemote(ctx, remote, tr)
	}
	if rec == nil || remote.Base().UpdatedTime > rec.SyncTime {
		var blob []byte
		if res, ok := remote.(*item.Resource); ok {
			if blob, err = s.fetchBlob(ctx, res.ID); err != nil && !errors.Is(err, errBlobMissing) {
				return false, err
			}
			if blob == nil {
				// nothing to keep but metadata, keep it anyway
				blob = []byte{}
			}
		}
		if tr.conflict, err = s.keepAsConflict(ctx, remote, blob); err != nil {
			return false, err
		}
	}
	return false, s.supersede(ctx, it, remote)
}

func (s *Synchronizer) adoptRemote(ctx context.Context, remote item.Item, tr *transfer) error {
	if res, ok := remote.(*item.Resource); ok {
		blob, err := s.fetchBlob(ctx, res.ID)
		if err != nil {
			return err
		}
		if err := s.saveBlob(res.ID, blob); err != nil {
			return err
		}
	}
	if err := s.deps.Store.SaveSynced(ctx, remote, &store.SyncRecord{
		SyncTime:    remote.Base().UpdatedTime,
		RemoteMtime: tr.mtime,
	}); err != nil {
		return err
	}
	tr.item = remote
	s.logger.Info("sync", "op", "updateLocal", "id", tr.id, "type", remote.Type())
	s.progress.update(func(r *Report) { r.UpdateLocal++ })
	return nil
}

func (s *Synchronizer) uploadBlob(ctx context.Context, res *item.Resource) error {
	data, err := os.ReadFile(s.deps.Store.ResourcePath(res.ID))
	if err != nil {
		return fmt.Errorf("read resource blob %s: %w", res.ID, err)
	}
	sealed, err := s.deps.Encryption.EncryptBlob(data)
	if err != nil {
		return err
	}
	if _, err := withRetry(ctx, s.opts.MaxRetries, s.opts.RetryInitialInterval, func() (struct{}, error) {
		return struct{}{}, s.deps.API.Put(ctx, item.ResourceBlobPath(res.ID), sealed)
	}); err != nil {
		return fmt.Errorf("upload resource blob %s: %w", res.ID, err)
	}
	s.logger.Info("sync", "op", "uploadBlob", "id", res.ID, "size", humanize.Bytes(uint64(len(data))))
	return nil
}

// pushDeletes removes from the target the items deleted locally since they
// were last synced.
func (s *Synchronizer) pushDeletes(ctx context.Context) error {
	deleted, err := s.deps.Store.DeletedItems(ctx)
	if err != nil {
		return err
	}
	for _, d := range deleted {
		if err := s.stopRequested(ctx); err != nil {
			return err
		}

		path := item.SystemPath(d.ItemID)
		paths := []string{path}
		if d.ItemType == item.TypeResource {
			paths = append(paths, item.ResourceBlobPath(d.ItemID))
		}
		var failed error
		for _, p := range paths {
			if _, err := withRetry(ctx, s.opts.MaxRetries, s.opts.RetryInitialInterval, func() (struct{}, error) {
				return struct{}{}, s.deps.API.Delete(ctx, p)
			}); err != nil {
				failed = err
				break
			}
		}
		if failed != nil {
			s.itemError("deleteRemote", d.ItemID, path, failed)
			continue
		}

		if err := s.deps.Store.RemoveDeletedItem(ctx, d.ItemID); err != nil {
			return err
		}
		s.logger.Info("sync", "op", "deleteRemote", "id", d.ItemID, "type", d.ItemType)
		s.progress.update(func(r *Report) { r.DeleteRemote++ })
	}
	return nil
}
