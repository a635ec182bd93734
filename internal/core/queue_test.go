package core

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cloudfs/cloudsync/internal/model"
)

// recordingSyncer records SyncFile calls and returns err.
type recordingSyncer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingSyncer) SyncFile(_ context.Context, file *model.OfflineFile, _ SyncOptions) (*model.SyncConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, file.FileID)
	return nil, r.err
}

func (r *recordingSyncer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newQueueWith(env *testEnv, syncer FileSyncer) *WorkQueue {
	q := NewWorkQueue(env.db.DB(), env.store, syncer, env.locks, QueueConfig{}, zaptest.NewLogger(env.t), nil)
	q.now = env.clock.Now
	env.t.Cleanup(q.Cleanup)
	return q
}

func TestWorkQueue_RetryThenFail(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("f1", "a.txt", "aaa", t0)
	syncer := &recordingSyncer{err: errBoom}
	q := newQueueWith(env, syncer)

	id, err := q.AddToQueue(env.ctx, "f1", "a.txt", model.QueueOperationUpdate, QueueOptions{MaxRetries: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		n, err := q.ProcessQueue(env.ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		item, err := q.GetQueueItem(env.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.QueueStatusPending, item.Status)
		assert.Equal(t, i+1, item.RetryCount)
		assert.Equal(t, "boom", item.Error)
	}

	_, err = q.ProcessQueue(env.ctx)
	require.NoError(t, err)

	item, err := q.GetQueueItem(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusFailed, item.Status)
	assert.Equal(t, 3, item.RetryCount)

	// Failed is terminal.
	n, err := q.ProcessQueue(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 4, syncer.count())

	stats, err := q.GetQueueStats(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncQueueStats{TotalItems: 1, FailedItems: 1}, *stats)
}

func TestWorkQueue_PriorityOrderAndConcurrencyCap(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	syncer := &recordingSyncer{}
	q := newQueueWith(env, syncer)

	for i := 1; i <= 5; i++ {
		env.download(fileID(i), "f.txt", "x", t0)
	}
	for i := 1; i <= 3; i++ {
		_, err := q.AddToQueue(env.ctx, fileID(i), "f.txt", model.QueueOperationUpdate, QueueOptions{})
		require.NoError(t, err)
	}
	for i := 4; i <= 5; i++ {
		_, err := q.AddToQueue(env.ctx, fileID(i), "f.txt", model.QueueOperationUpdate, QueueOptions{Priority: model.QueuePriorityHigh})
		require.NoError(t, err)
	}

	pending, err := q.GetPendingItems(env.ctx, 3)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []string{"file-4", "file-5", "file-1"},
		[]string{pending[0].FileID, pending[1].FileID, pending[2].FileID})

	n, err := q.ProcessQueue(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.ElementsMatch(t, []string{"file-4", "file-5", "file-1"}, syncer.calls)

	stats, err := q.GetQueueStats(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.CompletedItems)
	assert.Equal(t, 2, stats.PendingItems)

	cleared, err := q.ClearCompleted(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), cleared)

	all, err := q.GetAllItems(env.ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestWorkQueue_Handlers(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("synced", "s.txt", "s", t0)
	env.download("gone", "g.txt", "g", t0)
	q := env.queue

	uploadID, err := q.AddToQueue(env.ctx, "synced", "s.txt", model.QueueOperationUpload, QueueOptions{MaxRetries: 1})
	require.NoError(t, err)
	deleteID, err := q.AddToQueue(env.ctx, "gone", "g.txt", model.QueueOperationDelete, QueueOptions{})
	require.NoError(t, err)
	downloadID, err := q.AddToQueue(env.ctx, "remote-only", "r.txt", model.QueueOperationDownload, QueueOptions{})
	require.NoError(t, err)

	_, err = q.ProcessQueue(env.ctx)
	require.NoError(t, err)

	upload, err := q.GetQueueItem(env.ctx, uploadID)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusPending, upload.Status, "upload of an unmodified file must fail and retry")
	assert.Contains(t, upload.Error, "not modified")

	for _, id := range []string{deleteID, downloadID} {
		item, err := q.GetQueueItem(env.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.QueueStatusCompleted, item.Status, item.Operation)
	}

	available, err := env.store.IsFileAvailableOffline(env.ctx, "gone")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestWorkQueue_UploadModifiedFile(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("f1", "a.txt", "aaa", t0)
	require.NoError(t, env.store.UpdateContent(env.ctx, "f1", "edited"))

	id, err := env.queue.AddToQueue(env.ctx, "f1", "a.txt", model.QueueOperationUpload, QueueOptions{Priority: model.QueuePriorityHigh})
	require.NoError(t, err)

	_, err = env.queue.ProcessQueue(env.ctx)
	require.NoError(t, err)

	item, err := env.queue.GetQueueItem(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusCompleted, item.Status)
	assert.Equal(t, []string{"edited"}, env.files.uploadsFor("f1"))
	assert.Equal(t, model.FileSyncStatusSynced, env.mustFile("f1").SyncStatus)
}

func TestWorkQueue_CancelRemoveAndValidation(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	q := env.queue

	_, err := q.AddToQueue(env.ctx, "f1", "a.txt", model.QueueOperation("rename"), QueueOptions{})
	assert.Error(t, err)
	_, err = q.AddToQueue(env.ctx, "f1", "a.txt", model.QueueOperationUpdate, QueueOptions{Priority: "urgent"})
	assert.Error(t, err)

	id, err := q.AddToQueue(env.ctx, "f1", "a.txt", model.QueueOperationUpdate, QueueOptions{
		Metadata: map[string]interface{}{"source": "cli"},
	})
	require.NoError(t, err)

	item, err := q.GetQueueItem(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.QueuePriorityNormal, item.Priority)
	assert.Equal(t, DefaultItemMaxRetries, item.MaxRetries)
	assert.Equal(t, "cli", item.Metadata["source"])

	require.NoError(t, q.CancelItem(env.ctx, id))
	assert.ErrorIs(t, q.CancelItem(env.ctx, id), ErrQueueItemNotFound)

	require.NoError(t, q.RemoveFromQueue(env.ctx, id))
	assert.ErrorIs(t, q.RemoveFromQueue(env.ctx, id), ErrQueueItemNotFound)

	item, err = q.GetQueueItem(env.ctx, id)
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestWorkQueue_ListenersAndStaleReset(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	q := env.queue

	var mu sync.Mutex
	var seen []model.SyncQueueStats
	unsubscribe := q.AddStatusListener(func(s model.SyncQueueStats) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	id, err := q.AddToQueue(env.ctx, "f1", "a.txt", model.QueueOperationDownload, QueueOptions{})
	require.NoError(t, err)
	require.NoError(t, q.UpdateItemStatus(env.ctx, id, model.QueueStatusProcessing, ""))

	mu.Lock()
	require.Len(t, seen, 2)
	assert.Equal(t, 1, seen[0].PendingItems)
	assert.Equal(t, 1, seen[1].ProcessingItems)
	mu.Unlock()

	unsubscribe()
	require.NoError(t, q.StartProcessing(env.ctx))
	q.StopProcessing()

	item, err := q.GetQueueItem(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.QueueStatusPending, item.Status)

	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
}
