package core

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestBlobWatcher_DropsOrphanRows(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	file := env.download("f1", "a.txt", "aaa", t0)
	env.download("f2", "b.txt", "bbb", t0)

	w, err := NewBlobWatcher(env.store, zaptest.NewLogger(t))
	require.NoError(t, err)
	orphans := make(chan string, 1)
	w.onOrphan = func(path string) { orphans <- path }

	require.NoError(t, w.Start(env.ctx))
	defer w.Stop()

	require.NoError(t, os.Remove(file.LocalPath))

	select {
	case path := <-orphans:
		assert.Equal(t, file.LocalPath, path)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the removed blob")
	}

	got, err := env.store.GetOfflineFile(env.ctx, "f1")
	require.NoError(t, err)
	assert.Nil(t, got)
	env.mustFile("f2")
}
