package core

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfs/cloudsync/internal/model"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestDownloadForOffline_StoresRowAndBlob(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})

	file := env.download("f1", "notes.txt", "hello", t0)

	assert.Equal(t, "f1", file.FileID)
	assert.Equal(t, "notes.txt", file.OriginalName)
	assert.Equal(t, int64(5), file.Size)
	assert.Equal(t, model.FileSyncStatusSynced, file.SyncStatus)
	assert.True(t, file.LastModified.Equal(t0))

	data, err := os.ReadFile(file.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	available, err := env.store.IsFileAvailableOffline(env.ctx, "f1")
	require.NoError(t, err)
	assert.True(t, available)
}

func TestDownloadForOffline_Idempotent(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})

	first := env.download("f1", "a.txt", "aaaa", t0)
	second, err := env.store.DownloadForOffline(env.ctx, model.FileDescriptor{ID: "f1", Name: "a.txt", Size: 4})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.LocalPath, second.LocalPath)

	all, err := env.store.GetAllOfflineFiles(env.ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestDownloadForOffline_EvictsLeastRecentlyAccessed(t *testing.T) {
	env := newTestEnv(t, StoreConfig{MaxStorageSize: 10})

	env.download("A", "a.txt", "aaaa", t0)
	env.download("B", "b.txt", "bbbb", t0)
	require.NoError(t, env.store.UpdateAccessTime(env.ctx, "A"))

	env.download("C", "c.txt", "cccc", t0)

	for id, want := range map[string]bool{"A": true, "B": false, "C": true} {
		available, err := env.store.IsFileAvailableOffline(env.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, available, "file %s", id)
	}

	stats, err := env.store.GetStorageStats(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), stats.UsedSize)
	assert.Equal(t, 2, stats.FileCount)
	assert.Equal(t, int64(2), stats.AvailableSize)
}

func TestDownloadForOffline_EvictsStarredToo(t *testing.T) {
	env := newTestEnv(t, StoreConfig{MaxStorageSize: 10})

	env.download("A", "a.txt", "aaaa", t0)
	require.NoError(t, env.store.SetStarred(env.ctx, "A", true))
	env.download("B", "b.txt", "bbbb", t0)
	require.NoError(t, env.store.UpdateAccessTime(env.ctx, "B"))

	env.download("C", "c.txt", "cccc", t0)

	available, err := env.store.IsFileAvailableOffline(env.ctx, "A")
	require.NoError(t, err)
	assert.False(t, available, "least recently accessed starred file is evicted")
	assert.Equal(t, model.FileSyncStatusSynced, env.mustFile("B").SyncStatus)
}

func TestDownloadForOffline_Limits(t *testing.T) {
	env := newTestEnv(t, StoreConfig{MaxStorageSize: 10, MaxFileSize: 20})

	env.files.put("big", "big.bin", "0123456789012345678901", t0)
	_, err := env.store.DownloadForOffline(env.ctx, model.FileDescriptor{ID: "big", Name: "big.bin", Size: 22})
	assert.ErrorIs(t, err, ErrFileTooLarge)

	env.download("small", "s.txt", "ssss", t0)
	env.files.put("wide", "wide.bin", "012345678901", t0)
	_, err = env.store.DownloadForOffline(env.ctx, model.FileDescriptor{ID: "wide", Name: "wide.bin", Size: 12})
	assert.ErrorIs(t, err, ErrInsufficientStorage)

	// Eviction ran before giving up.
	available, err := env.store.IsFileAvailableOffline(env.ctx, "small")
	require.NoError(t, err)
	assert.False(t, available)
}

func TestDownloadForOffline_TransportFailureLeavesNothing(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.files.put("f1", "a.txt", "aaaa", t0)
	env.files.status = 500

	_, err := env.store.DownloadForOffline(env.ctx, model.FileDescriptor{ID: "f1", Name: "a.txt", Size: 4})

	var dlErr *DownloadFailedError
	require.True(t, errors.As(err, &dlErr))
	assert.Equal(t, 500, dlErr.StatusCode)

	file, err := env.store.GetOfflineFile(env.ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, file)

	entries, err := os.ReadDir(env.store.BlobDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOfflineStore_ModifiedAndFailed(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("f1", "a.txt", "aaaa", t0)
	env.download("f2", "b.txt", "bbbb", t0)

	require.NoError(t, env.store.UpdateContent(env.ctx, "f1", "changed"))
	file := env.mustFile("f1")
	assert.Equal(t, model.FileSyncStatusModified, file.SyncStatus)
	assert.Equal(t, int64(7), file.Size)
	assert.True(t, file.LastModified.After(t0))

	counts, err := env.store.GetSyncStatusCounts(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusCounts{Synced: 1, Modified: 1}, *counts)

	env.clock.Advance(25 * time.Hour)

	failed, err := env.store.GetFailedFiles(env.ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "f1", failed[0].FileID)

	counts, err = env.store.GetSyncStatusCounts(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, model.SyncStatusCounts{Synced: 1, Failed: 1}, *counts)
}

func TestOfflineStore_RemoveOfflineFile(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	file := env.download("f1", "a.txt", "aaaa", t0)

	require.NoError(t, env.store.RemoveOfflineFile(env.ctx, "f1"))
	require.NoError(t, env.store.RemoveOfflineFile(env.ctx, "unknown"))

	_, err := os.Stat(file.LocalPath)
	assert.True(t, os.IsNotExist(err))

	got, err := env.store.GetOfflineFile(env.ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestOfflineStore_MissingBlobIsNotAvailable(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	file := env.download("f1", "a.txt", "aaaa", t0)
	require.NoError(t, os.Remove(file.LocalPath))

	available, err := env.store.IsFileAvailableOffline(env.ctx, "f1")
	require.NoError(t, err)
	assert.False(t, available)

	path, err := env.store.GetLocalFilePath(env.ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, path)

	removed, err := env.store.RemoveOrphan(env.ctx, file.LocalPath)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestSanitizeFileName(t *testing.T) {
	assert.Equal(t, "my_report__v2_.txt", sanitizeFileName("my report (v2).txt"))
	assert.Equal(t, "file", sanitizeFileName(""))
	assert.Len(t, sanitizeFileName(string(make([]byte, 300))), 100)
}

func TestEncryptedDB_WrongPassphraseFails(t *testing.T) {
	path := t.TempDir() + "/enc.db"

	db, err := OpenEncryptedDB(path, "correct-passphrase")
	require.NoError(t, err)
	assert.True(t, db.IsEncrypted())

	version, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, version)
	require.NoError(t, db.Close())

	_, err = OpenEncryptedDB(path, "wrong-passphrase")
	assert.Error(t, err)

	db, err = OpenEncryptedDB(path, "correct-passphrase")
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
