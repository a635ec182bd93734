package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfs/cloudsync/internal/model"
)

// ManagerOptions configure the sync manager. Callbacks are optional.
type ManagerOptions struct {
	EnableAutoSync bool
	SyncInterval   time.Duration
	MaxRetries     int

	// ConflictResolution is applied to every conflict of a triggered pass.
	// Empty or manual leaves conflicts to OnConflictDetected and resolvers.
	ConflictResolution model.Resolution

	OnStatusChange     func(model.SyncManagerStatus)
	OnSyncComplete     func(*model.SyncResult)
	OnSyncError        func(error)
	OnConflictDetected func(*model.SyncConflict)
}

// DefaultManagerOptions returns auto-sync on, 30s interval, 3 retries.
func DefaultManagerOptions() ManagerOptions {
	return ManagerOptions{
		EnableAutoSync: true,
		SyncInterval:   DefaultSyncInterval,
		MaxRetries:     DefaultMaxRetries,
	}
}

// SyncManager is the facade over the engine, the queue and the journal.
// It owns only configuration and listener registries.
type SyncManager struct {
	store   *OfflineStore
	engine  *SyncEngine
	queue   *WorkQueue
	journal *EditJournal
	network NetworkMonitor
	logger  *zap.Logger

	mu            sync.RWMutex
	opts          ManagerOptions
	autoSync      bool
	initialized   bool
	unsubscribers []func()

	listeners *listeners[model.SyncManagerStatus]
}

// NewSyncManager wires a manager. journal may be nil.
func NewSyncManager(store *OfflineStore, engine *SyncEngine, queue *WorkQueue, journal *EditJournal, network NetworkMonitor, logger *zap.Logger) *SyncManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncManager{
		store:     store,
		engine:    engine,
		queue:     queue,
		journal:   journal,
		network:   network,
		logger:    logger.Named("manager"),
		opts:      DefaultManagerOptions(),
		listeners: newListeners[model.SyncManagerStatus]("manager", logger),
	}
}

// Initialize subscribes to collaborators and starts auto-sync if enabled.
func (m *SyncManager) Initialize(ctx context.Context, opts ManagerOptions) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.opts = normalizeManagerOptions(opts)
	m.initialized = true
	m.mu.Unlock()

	if err := m.engine.SetSyncInterval(m.Options().SyncInterval); err != nil {
		return err
	}
	m.engine.Start(ctx)

	notify := func() { m.notifyStatusChange(ctx) }
	unsubs := []func(){
		m.network.Subscribe(func(bool) { notify() }),
		m.engine.AddStatusListener(func(model.SyncStatus) { notify() }),
		m.queue.AddStatusListener(func(model.SyncQueueStats) { notify() }),
	}
	m.mu.Lock()
	m.unsubscribers = unsubs
	m.mu.Unlock()

	if m.Options().EnableAutoSync {
		if err := m.StartAutoSync(ctx); err != nil {
			return err
		}
	}

	m.logger.Info("sync manager initialized",
		zap.Bool("auto_sync", m.Options().EnableAutoSync),
		zap.Duration("interval", m.Options().SyncInterval),
	)
	m.notifyStatusChange(ctx)
	return nil
}

func normalizeManagerOptions(opts ManagerOptions) ManagerOptions {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = DefaultSyncInterval
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	return opts
}

// Options returns a copy of the current options.
func (m *SyncManager) Options() ManagerOptions {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.opts
}

// StartAutoSync starts the engine timer and queue processing.
func (m *SyncManager) StartAutoSync(ctx context.Context) error {
	m.mu.Lock()
	if m.autoSync {
		m.mu.Unlock()
		return nil
	}
	m.autoSync = true
	m.mu.Unlock()

	if err := m.engine.StartAutoSync(); err != nil {
		m.setAutoSync(false)
		return err
	}
	if err := m.queue.StartProcessing(ctx); err != nil {
		m.engine.StopAutoSync()
		m.setAutoSync(false)
		return err
	}
	return nil
}

// StopAutoSync stops the engine timer and queue processing.
func (m *SyncManager) StopAutoSync() {
	m.setAutoSync(false)
	m.engine.StopAutoSync()
	m.queue.StopProcessing()
}

func (m *SyncManager) setAutoSync(v bool) {
	m.mu.Lock()
	m.autoSync = v
	m.mu.Unlock()
}

// TriggerSync runs one pass. Conflicts are reported to OnConflictDetected.
func (m *SyncManager) TriggerSync(ctx context.Context, force bool) (*model.SyncResult, error) {
	opts := m.Options()

	result, err := m.engine.SyncAll(ctx, SyncOptions{
		ForceSync:        force,
		ResolveConflicts: opts.ConflictResolution,
		OnConflict: func(_ context.Context, conflict *model.SyncConflict) (model.Resolution, error) {
			if opts.OnConflictDetected != nil {
				opts.OnConflictDetected(conflict)
			}
			// Defer to registered resolvers, then manual.
			return model.ResolutionNone, nil
		},
		OnComplete: opts.OnSyncComplete,
	})
	m.notifyStatusChange(ctx)
	if err != nil {
		if opts.OnSyncError != nil {
			opts.OnSyncError(err)
		}
		return nil, err
	}
	return result, nil
}

// AddFileToSyncQueue queues op for fileID with the manager's retry limit.
func (m *SyncManager) AddFileToSyncQueue(ctx context.Context, fileID, fileName string, op model.QueueOperation, priority model.QueuePriority) (string, error) {
	return m.queue.AddToQueue(ctx, fileID, fileName, op, QueueOptions{
		Priority:   priority,
		MaxRetries: m.Options().MaxRetries,
	})
}

// RemoveFileFromSyncQueue deletes a queue item.
func (m *SyncManager) RemoveFileFromSyncQueue(ctx context.Context, id string) error {
	return m.queue.RemoveFromQueue(ctx, id)
}

// GetStatus merges the engine status, queue stats and journal status.
func (m *SyncManager) GetStatus(ctx context.Context) (*model.SyncManagerStatus, error) {
	syncStatus, err := m.engine.GetSyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	queueStats, err := m.queue.GetQueueStats(ctx)
	if err != nil {
		return nil, err
	}

	status := &model.SyncManagerStatus{
		IsOnline:     m.network.IsConnected(ctx),
		IsSyncing:    syncStatus.IsSyncing || queueStats.ProcessingItems > 0,
		LastSyncTime: syncStatus.LastSyncTime,
		NextSyncTime: syncStatus.NextSyncTime,
		SyncStats:    *syncStatus,
		QueueStats:   *queueStats,
	}
	if downloads := m.store.DownloadQueue(); len(downloads) > 0 {
		status.ActiveDownloads = downloads
	}

	if m.journal != nil {
		edits, err := m.journal.GetWorkQueueStatus(ctx)
		if err != nil {
			return nil, err
		}
		status.EditStats = *edits
	}

	m.mu.RLock()
	status.AutoSyncEnabled = m.autoSync
	status.SyncInterval = m.opts.SyncInterval
	m.mu.RUnlock()
	return status, nil
}

// ResolveConflict re-syncs fileID forcing resolution.
func (m *SyncManager) ResolveConflict(ctx context.Context, fileID string, resolution model.Resolution) error {
	if resolution == model.ResolutionNone {
		return fmt.Errorf("resolution is required")
	}
	file, err := m.store.GetOfflineFile(ctx, fileID)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("%w: %s", ErrNotOffline, fileID)
	}

	if _, err := m.engine.SyncFile(ctx, file, SyncOptions{
		ForceSync:        true,
		ResolveConflicts: resolution,
	}); err != nil {
		return fmt.Errorf("failed to resolve conflict for %s: %w", fileID, err)
	}

	m.logger.Info("conflict resolved", zap.String("file_id", fileID), zap.String("resolution", string(resolution)))
	m.notifyStatusChange(ctx)
	return nil
}

// GetPendingConflicts re-runs detection for every file left in conflict and
// returns the conflicts that still hold. Files whose check fails are reported
// in the second result instead.
func (m *SyncManager) GetPendingConflicts(ctx context.Context) ([]*model.SyncConflict, []model.FileError, error) {
	if !m.network.IsConnected(ctx) {
		return nil, nil, ErrOffline
	}
	files, err := m.store.GetConflictFiles(ctx)
	if err != nil {
		return nil, nil, err
	}

	var conflicts []*model.SyncConflict
	var failures []model.FileError
	for _, f := range files {
		c, err := m.engine.CheckConflict(ctx, f.FileID)
		if err != nil {
			failures = append(failures, model.FileError{FileID: f.FileID, Error: err.Error()})
			continue
		}
		if c != nil {
			conflicts = append(conflicts, c)
		}
	}
	return conflicts, failures, nil
}

// ClearCompletedQueueItems deletes completed queue items.
func (m *SyncManager) ClearCompletedQueueItems(ctx context.Context) (int64, error) {
	return m.queue.ClearCompleted(ctx)
}

// GetSyncStatistics summarizes the queue and the engine.
func (m *SyncManager) GetSyncStatistics(ctx context.Context) (*model.SyncStatistics, error) {
	queueStats, err := m.queue.GetQueueStats(ctx)
	if err != nil {
		return nil, err
	}
	syncStatus, err := m.engine.GetSyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &model.SyncStatistics{
		TotalFilesSynced:  queueStats.CompletedItems,
		TotalFilesInQueue: queueStats.TotalItems,
		TotalConflicts:    syncStatus.ConflictFiles,
		TotalErrors:       queueStats.FailedItems,
	}, nil
}

// ForceSyncWithRetry delegates to the engine and reports failure to OnSyncError.
func (m *SyncManager) ForceSyncWithRetry(ctx context.Context, maxRetries int) (*model.SyncResult, error) {
	if maxRetries <= 0 {
		maxRetries = m.Options().MaxRetries
	}
	result, err := m.engine.ForceSyncWithRetry(ctx, maxRetries)
	m.notifyStatusChange(ctx)
	if err != nil {
		if cb := m.Options().OnSyncError; cb != nil {
			cb(err)
		}
		return nil, err
	}
	return result, nil
}

// AddStatusListener subscribes fn and sends it the current status at once.
func (m *SyncManager) AddStatusListener(ctx context.Context, fn func(model.SyncManagerStatus)) func() {
	unsubscribe := m.listeners.add(fn)

	status, err := m.GetStatus(ctx)
	if err != nil {
		m.logger.Error("failed to get initial status", zap.Error(err))
		return unsubscribe
	}
	m.listeners.call(fn, *status)
	return unsubscribe
}

// UpdateOptions replaces the options; a new SyncInterval reschedules the
// engine timer and toggling EnableAutoSync starts or stops auto-sync.
func (m *SyncManager) UpdateOptions(ctx context.Context, opts ManagerOptions) error {
	opts = normalizeManagerOptions(opts)

	m.mu.Lock()
	prev := m.opts
	m.opts = opts
	m.mu.Unlock()

	if prev.SyncInterval != opts.SyncInterval {
		if err := m.engine.SetSyncInterval(opts.SyncInterval); err != nil {
			return err
		}
	}
	if prev.EnableAutoSync != opts.EnableAutoSync {
		if opts.EnableAutoSync {
			if err := m.StartAutoSync(ctx); err != nil {
				return err
			}
		} else {
			m.StopAutoSync()
		}
	}
	m.notifyStatusChange(ctx)
	return nil
}

// Cleanup unsubscribes, stops the engine and queue and drops listeners.
func (m *SyncManager) Cleanup() {
	m.mu.Lock()
	unsubs := m.unsubscribers
	m.unsubscribers = nil
	m.autoSync = false
	m.initialized = false
	m.mu.Unlock()

	for _, unsubscribe := range unsubs {
		unsubscribe()
	}
	m.engine.Cleanup()
	m.queue.Cleanup()
	m.listeners.clear()
	m.logger.Info("sync manager cleaned up")
}

func (m *SyncManager) notifyStatusChange(ctx context.Context) {
	cb := m.Options().OnStatusChange
	if cb == nil && m.listeners.len() == 0 {
		return
	}

	status, err := m.GetStatus(context.WithoutCancel(ctx))
	if err != nil {
		m.logger.Error("failed to get status", zap.Error(err))
		return
	}
	if cb != nil {
		m.listeners.call(cb, *status)
	}
	m.listeners.notify(*status)
}
