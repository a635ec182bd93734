package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cloudfs/cloudsync/internal/model"
)

func newTestManager(t *testing.T, env *testEnv, opts ManagerOptions) *SyncManager {
	t.Helper()
	m := NewSyncManager(env.store, env.engine, env.queue, env.journal, env.network, zaptest.NewLogger(t))
	require.NoError(t, m.Initialize(env.ctx, opts))
	t.Cleanup(m.Cleanup)
	return m
}

func TestSyncManager_InitialStatusOnSubscribe(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("f1", "a.txt", "aaa", t0)
	require.NoError(t, env.store.UpdateContent(env.ctx, "f1", "edited"))
	m := newTestManager(t, env, ManagerOptions{SyncInterval: time.Minute})

	var got []model.SyncManagerStatus
	unsubscribe := m.AddStatusListener(env.ctx, func(s model.SyncManagerStatus) {
		got = append(got, s)
	})
	defer unsubscribe()

	require.Len(t, got, 1)
	assert.True(t, got[0].IsOnline)
	assert.False(t, got[0].AutoSyncEnabled)
	assert.Equal(t, time.Minute, got[0].SyncInterval)
	assert.Equal(t, 1, got[0].SyncStats.PendingFiles)
}

func TestSyncManager_TriggerSyncReportsConflicts(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("f1", "a.txt", "base", t0)
	require.NoError(t, env.store.UpdateContent(env.ctx, "f1", "local"))
	env.files.put("f1", "a.txt", "remote", future)

	var mu sync.Mutex
	var detected []*model.SyncConflict
	var completed int
	m := newTestManager(t, env, ManagerOptions{
		OnConflictDetected: func(c *model.SyncConflict) {
			mu.Lock()
			detected = append(detected, c)
			mu.Unlock()
		},
		OnSyncComplete: func(*model.SyncResult) { completed++ },
	})

	result, err := m.TriggerSync(env.ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.ConflictFiles)
	assert.Equal(t, 1, completed)
	require.Len(t, detected, 1)
	assert.Equal(t, "f1", detected[0].FileID)

	stats, err := m.GetSyncStatistics(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalConflicts)

	require.NoError(t, m.ResolveConflict(env.ctx, "f1", model.ResolutionRemote))
	assert.Equal(t, "remote", env.content("f1"))

	stats, err = m.GetSyncStatistics(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalConflicts)

	assert.ErrorIs(t, m.ResolveConflict(env.ctx, "missing", model.ResolutionLocal), ErrNotOffline)
}

func TestSyncManager_SyncErrorCallback(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.engine.sleep = func(_ context.Context, _ time.Duration) error { return nil }

	var errs []error
	m := newTestManager(t, env, ManagerOptions{
		MaxRetries:  2,
		OnSyncError: func(err error) { errs = append(errs, err) },
	})
	env.network.Set(false)

	_, err := m.TriggerSync(env.ctx, true)
	assert.ErrorIs(t, err, ErrOffline)

	_, err = m.ForceSyncWithRetry(env.ctx, 0)
	var exhausted *RetryExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 2, exhausted.Attempts)

	assert.Len(t, errs, 2)
}

func TestSyncManager_QueueAndOptions(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("f1", "a.txt", "aaa", t0)
	m := newTestManager(t, env, ManagerOptions{MaxRetries: 5})

	id, err := m.AddFileToSyncQueue(env.ctx, "f1", "a.txt", model.QueueOperationDownload, model.QueuePriorityHigh)
	require.NoError(t, err)

	item, err := env.queue.GetQueueItem(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 5, item.MaxRetries)

	_, err = env.queue.ProcessQueue(env.ctx)
	require.NoError(t, err)

	stats, err := m.GetSyncStatistics(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatistics{TotalFilesSynced: 1, TotalFilesInQueue: 1}, *stats)

	cleared, err := m.ClearCompletedQueueItems(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	opts := m.Options()
	opts.EnableAutoSync = true
	require.NoError(t, m.UpdateOptions(env.ctx, opts))
	status, err := m.GetStatus(env.ctx)
	require.NoError(t, err)
	assert.True(t, status.AutoSyncEnabled)
	assert.True(t, env.engine.AutoSyncEnabled())

	opts.EnableAutoSync = false
	require.NoError(t, m.UpdateOptions(env.ctx, opts))
	assert.False(t, env.engine.AutoSyncEnabled())

	second, err := m.AddFileToSyncQueue(env.ctx, "f1", "a.txt", model.QueueOperationUpdate, "")
	require.NoError(t, err)
	require.NoError(t, m.RemoveFileFromSyncQueue(env.ctx, second))
}

func TestSyncManager_StatusChangeOnNetwork(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})

	var mu sync.Mutex
	var online []bool
	newTestManager(t, env, ManagerOptions{
		OnStatusChange: func(s model.SyncManagerStatus) {
			mu.Lock()
			online = append(online, s.IsOnline)
			mu.Unlock()
		},
	})

	env.network.Set(false)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, online)
	assert.True(t, online[0])
	assert.False(t, online[len(online)-1])
}

func TestSyncManager_UpdateOptionsReschedules(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	m := newTestManager(t, env, ManagerOptions{EnableAutoSync: true, SyncInterval: time.Minute})
	assert.Equal(t, time.Minute, env.engine.Config().SyncInterval)

	opts := m.Options()
	opts.SyncInterval = 2 * time.Hour
	require.NoError(t, m.UpdateOptions(env.ctx, opts))

	assert.Equal(t, 2*time.Hour, env.engine.Config().SyncInterval)
	assert.True(t, env.engine.AutoSyncEnabled())

	engineStatus, err := env.engine.GetSyncStatus(env.ctx)
	require.NoError(t, err)
	require.NotNil(t, engineStatus.NextSyncTime)
	assert.True(t, engineStatus.NextSyncTime.After(time.Now().Add(time.Hour)))

	status, err := m.GetStatus(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, status.SyncInterval)
}

func TestSyncManager_GetPendingConflicts(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("f1", "a.txt", "base", t0)
	env.download("f2", "b.txt", "clean", t0)
	require.NoError(t, env.store.UpdateContent(env.ctx, "f1", "local"))
	env.files.put("f1", "a.txt", "remote", future)
	m := newTestManager(t, env, ManagerOptions{})

	conflicts, failures, err := m.GetPendingConflicts(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts, "nothing recorded before a pass")
	assert.Empty(t, failures)

	_, err = m.TriggerSync(env.ctx, false)
	require.NoError(t, err)

	conflicts, failures, err = m.GetPendingConflicts(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, failures)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "f1", conflicts[0].FileID)

	env.network.Set(false)
	_, _, err = m.GetPendingConflicts(env.ctx)
	assert.ErrorIs(t, err, ErrOffline)
}
