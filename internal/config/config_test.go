package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfs/cloudsync/internal/core"
	"github.com/cloudfs/cloudsync/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.Dir)
	assert.Equal(t, core.DefaultMaxStorageSize, cfg.Storage.MaxStorageSize)
	assert.Equal(t, core.DefaultMaxFileSize, cfg.Storage.MaxFileSize)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)
	assert.Equal(t, 5*time.Second, cfg.Queue.TickInterval)
	assert.Equal(t, 3, cfg.Queue.MaxConcurrent)
	assert.Equal(t, 100, cfg.Edits.MaxQueueSize)
	assert.True(t, cfg.Sync.AutoSync)
	assert.Equal(t, "rclone", cfg.Remote.Primary)
	assert.Equal(t, filepath.Join(dir, "index.db"), cfg.IndexPath())
	assert.Equal(t, filepath.Join(dir, "offline"), cfg.StoreConfig().BlobDir)

	auto := cfg.AutoDownloadConfig()
	assert.False(t, auto.Starred)
	assert.False(t, auto.Recent)
	assert.Equal(t, core.DefaultAutoDownloadMaxSize, auto.MaxFileSize)
	assert.Equal(t, core.DefaultAutoDownloadRecentLimit, auto.RecentLimit)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := `
sync:
  interval: 1m
  conflict_resolution: merge
queue:
  max_concurrent: 5
remote:
  primary: http
  http:
    base_url: https://api.example.com/api
auto_download:
  starred: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cloudsync.yaml"), []byte(yaml), 0600))
	t.Setenv("CLOUDSYNC_PASSPHRASE", "hunter2")
	t.Setenv("CLOUDSYNC_QUEUE_MAX_CONCURRENT", "7")
	t.Setenv("CLOUDSYNC_SYNC_AUTO_SYNC", "false")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "hunter2", cfg.Passphrase)
	assert.Equal(t, time.Minute, cfg.Sync.Interval)
	assert.Equal(t, 7, cfg.Queue.MaxConcurrent)
	assert.Equal(t, "https://api.example.com/api", cfg.Remote.HTTP.BaseURL)

	opts := cfg.ManagerOptions()
	assert.False(t, opts.EnableAutoSync)
	assert.Equal(t, time.Minute, opts.SyncInterval)
	assert.Equal(t, model.ResolutionMerge, opts.ConflictResolution)
	assert.True(t, cfg.AutoDownloadConfig().Starred)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad resolution", "sync:\n  conflict_resolution: newest\n"},
		{"bad backend", "remote:\n  primary: ftp\n"},
		{"file over quota", "storage:\n  max_storage_size: 10\n  max_file_size: 20\n"},
		{"no workers", "queue:\n  max_concurrent: 0\n"},
		{"zero auto-download limit", "auto_download:\n  recent_limit: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, "cloudsync.yaml"), []byte(tt.yaml), 0600))
			_, err := Load(dir)
			assert.Error(t, err)
		})
	}
}

func TestWriteDefault_RoundTrips(t *testing.T) {
	dir := t.TempDir()

	path, err := WriteDefault(dir)
	require.NoError(t, err)
	assert.FileExists(t, path)

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Sync.Interval)

	// Existing files are left alone.
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  interval: 2m\n"), 0600))
	_, err = WriteDefault(dir)
	require.NoError(t, err)
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Sync.Interval)
}

func TestFindDir(t *testing.T) {
	assert.Equal(t, "/tmp/explicit", FindDir("/tmp/explicit"))

	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())
	assert.Equal(t, filepath.Join(home, DirName), FindDir(""))

	require.NoError(t, os.Mkdir(DirName, 0700))
	cwd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cwd, DirName), FindDir(""))
}
