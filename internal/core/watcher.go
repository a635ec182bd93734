package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// BlobWatcher watches the blob directory and drops rows whose blob was
// removed or renamed away by something other than the store.
type BlobWatcher struct {
	store   *OfflineStore
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup

	// onOrphan is called after an orphan row was removed.
	onOrphan func(path string)
}

// NewBlobWatcher creates a watcher for store's blob directory.
func NewBlobWatcher(store *OfflineStore, logger *zap.Logger) (*BlobWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlobWatcher{
		store:   store,
		watcher: w,
		logger:  logger.Named("watcher"),
		done:    make(chan struct{}),
	}, nil
}

// Start begins watching. Events are handled until Stop.
func (bw *BlobWatcher) Start(ctx context.Context) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.running {
		return fmt.Errorf("watcher already running")
	}

	dir := bw.store.BlobDir()
	if err := bw.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch blob directory %s: %w", dir, err)
	}

	bw.running = true
	bw.wg.Add(1)
	go bw.loop(ctx)

	bw.logger.Info("watching blob directory", zap.String("dir", dir))
	return nil
}

// Stop ends watching and waits for the event loop to exit.
func (bw *BlobWatcher) Stop() error {
	bw.mu.Lock()
	if !bw.running {
		bw.mu.Unlock()
		return bw.watcher.Close()
	}
	bw.running = false
	bw.mu.Unlock()

	close(bw.done)
	err := bw.watcher.Close()
	bw.wg.Wait()
	if err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (bw *BlobWatcher) loop(ctx context.Context) {
	defer bw.wg.Done()

	for {
		select {
		case <-bw.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-bw.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				bw.handleGone(ctx, event.Name)
			}

		case err, ok := <-bw.watcher.Errors:
			if !ok {
				return
			}
			bw.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (bw *BlobWatcher) handleGone(ctx context.Context, path string) {
	removed, err := bw.store.RemoveOrphan(ctx, path)
	if err != nil {
		bw.logger.Error("failed to remove orphan row", zap.String("path", path), zap.Error(err))
		return
	}
	if !removed {
		return
	}

	bw.logger.Warn("blob removed externally, dropped offline row", zap.String("path", path))
	if bw.onOrphan != nil {
		bw.onOrphan(path)
	}
}
