package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/cloudfs/cloudsync/internal/metrics"
	"github.com/cloudfs/cloudsync/internal/model"
	"github.com/cloudfs/cloudsync/internal/remote"
)

// Engine defaults.
const (
	DefaultSyncInterval = 30 * time.Second
	DefaultRetryDelay   = 5 * time.Second
	DefaultMaxRetries   = 3
	DefaultSettleDelay  = 2 * time.Second
)

// ConflictResolver picks a resolution for a conflict. Returning
// model.ResolutionNone defers to the next resolver in line.
type ConflictResolver func(ctx context.Context, conflict *model.SyncConflict) (model.Resolution, error)

// SyncOptions controls one pass or one file sync.
type SyncOptions struct {
	// ForceSync allows a pass to start while another one runs.
	ForceSync bool

	// ResolveConflicts applies to every conflict unless it is manual or empty.
	ResolveConflicts model.Resolution

	// OnConflict is consulted after ResolveConflicts.
	OnConflict ConflictResolver

	OnProgress func(model.SyncProgress)
	OnComplete func(*model.SyncResult)
	OnError    func(error)
}

// EngineConfig configures the sync engine.
type EngineConfig struct {
	SyncInterval time.Duration
	RetryDelay   time.Duration
	MaxRetries   int
	SettleDelay  time.Duration
}

// SyncEngine reconciles modified offline files against the remote store.
//
// INVARIANTS:
// - Files within one pass are processed SEQUENTIALLY in query order
// - Per-file failures land in SyncResult.Errors and never abort the pass
// - Offline and already-in-progress abort BEFORE any file is touched
// - lastSyncTime moves only when a whole pass completes
// - Every file mutation happens under the file's FileLocks entry
type SyncEngine struct {
	store   *OfflineStore
	journal *EditJournal
	files   remote.FileAPI
	network NetworkMonitor
	locks   *FileLocks
	logger  *zap.Logger
	metrics *metrics.Recorder
	cfg     EngineConfig

	active   atomic.Int32
	online   atomic.Bool
	lastSync atomic.Pointer[time.Time]

	resolversMu sync.RWMutex
	resolvers   map[string]ConflictResolver

	listeners *listeners[model.SyncStatus]

	mu          sync.Mutex
	scheduler   *cron.Cron
	entryID     cron.EntryID
	settleTimer *time.Timer
	unsubscribe func()
	closed      bool
	baseCtx     context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// NewSyncEngine wires the engine. journal may be nil.
func NewSyncEngine(
	store *OfflineStore,
	journal *EditJournal,
	files remote.FileAPI,
	network NetworkMonitor,
	locks *FileLocks,
	cfg EngineConfig,
	logger *zap.Logger,
	rec *metrics.Recorder,
) *SyncEngine {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if locks == nil {
		locks = NewFileLocks()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SyncEngine{
		store:     store,
		journal:   journal,
		files:     files,
		network:   network,
		locks:     locks,
		logger:    logger.Named("engine"),
		metrics:   rec,
		cfg:       cfg,
		resolvers: make(map[string]ConflictResolver),
		listeners: newListeners[model.SyncStatus]("engine", logger),
		baseCtx:   ctx,
		cancel:    cancel,
		sleep:     sleepContext,
		now:       time.Now,
	}
}

// Config returns the effective configuration.
func (e *SyncEngine) Config() EngineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetSyncInterval changes the auto-sync period, rescheduling the timer when
// it is running.
func (e *SyncEngine) SetSyncInterval(d time.Duration) error {
	if d <= 0 {
		d = DefaultSyncInterval
	}
	e.mu.Lock()
	if e.cfg.SyncInterval == d {
		e.mu.Unlock()
		return nil
	}
	e.cfg.SyncInterval = d
	running := e.scheduler != nil
	e.mu.Unlock()

	if !running {
		return nil
	}
	e.StopAutoSync()
	return e.StartAutoSync()
}

// Start reads the initial connectivity and follows later changes.
// The initial reading never triggers a pass.
func (e *SyncEngine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unsubscribe != nil || e.closed {
		return
	}

	online := e.network.IsConnected(ctx)
	e.online.Store(online)
	e.metrics.Online(online)
	e.unsubscribe = e.network.Subscribe(e.HandleConnectivity)
}

// HandleConnectivity records a connectivity change. An offline to online
// transition schedules a forced pass after the settle delay.
func (e *SyncEngine) HandleConnectivity(connected bool) {
	prev := e.online.Swap(connected)
	e.metrics.Online(connected)

	if !prev && connected {
		e.logger.Info("connectivity restored, scheduling sync", zap.Duration("settle", e.cfg.SettleDelay))
		e.mu.Lock()
		if !e.closed {
			if e.settleTimer != nil {
				e.settleTimer.Stop()
			}
			e.settleTimer = time.AfterFunc(e.cfg.SettleDelay, e.reconnectSync)
		}
		e.mu.Unlock()
	}

	e.notify(e.baseCtx)
}

func (e *SyncEngine) reconnectSync() {
	e.background(func(ctx context.Context) {
		result, err := e.SyncAll(ctx, SyncOptions{ForceSync: true, OnProgress: e.logProgress})
		if err != nil {
			e.logger.Error("sync after connectivity restoration failed", zap.Error(err))
			return
		}
		e.logger.Info("sync after connectivity restoration completed",
			zap.Int("synced", result.SyncedFiles),
			zap.Int("total", result.TotalFiles),
		)
	})
}

// StartAutoSync runs a non-forced pass every SyncInterval while online and idle.
func (e *SyncEngine) StartAutoSync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.scheduler != nil {
		return nil
	}
	if e.closed {
		return fmt.Errorf("sync engine is closed")
	}

	cl := cronLogger{e.logger.Sugar()}
	scheduler := cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	id, err := scheduler.AddFunc(fmt.Sprintf("@every %s", e.cfg.SyncInterval), e.autoSync)
	if err != nil {
		return fmt.Errorf("failed to schedule auto-sync: %w", err)
	}
	scheduler.Start()

	e.scheduler = scheduler
	e.entryID = id
	e.logger.Info("auto-sync started", zap.Duration("interval", e.cfg.SyncInterval))
	return nil
}

// StopAutoSync stops the timer. A running pass is not interrupted.
func (e *SyncEngine) StopAutoSync() {
	e.mu.Lock()
	scheduler := e.scheduler
	e.scheduler = nil
	e.mu.Unlock()

	if scheduler != nil {
		<-scheduler.Stop().Done()
		e.logger.Info("auto-sync stopped")
	}
}

// AutoSyncEnabled reports whether the auto-sync timer is running.
func (e *SyncEngine) AutoSyncEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduler != nil
}

func (e *SyncEngine) autoSync() {
	e.background(func(ctx context.Context) {
		if !e.network.IsConnected(ctx) || e.active.Load() > 0 {
			return
		}
		if _, err := e.SyncAll(ctx, SyncOptions{}); err != nil && !errors.Is(err, ErrAlreadyInProgress) {
			e.logger.Error("auto-sync failed", zap.Error(err))
		}
	})
}

// background runs fn unless the engine is closed; Cleanup waits for it.
func (e *SyncEngine) background(fn func(ctx context.Context)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	defer e.wg.Done()
	fn(e.baseCtx)
}

// SyncAll runs one reconciliation pass over every modified file.
func (e *SyncEngine) SyncAll(ctx context.Context, opts SyncOptions) (*model.SyncResult, error) {
	if !e.network.IsConnected(ctx) {
		return nil, ErrOffline
	}

	if opts.ForceSync {
		e.active.Add(1)
	} else if !e.active.CompareAndSwap(0, 1) {
		return nil, ErrAlreadyInProgress
	}
	start := e.now()
	defer func() {
		e.active.Add(-1)
		e.notify(ctx)
	}()
	e.notify(ctx)

	result, err := e.runPass(ctx, opts)
	e.metrics.SyncPass(err, e.now().Sub(start))
	if err != nil {
		e.logger.Error("sync pass failed", zap.Error(err))
		if opts.OnError != nil {
			opts.OnError(err)
		}
		return nil, err
	}

	done := e.now()
	e.lastSync.Store(&done)
	e.logger.Info("sync pass completed",
		zap.Int("total", result.TotalFiles),
		zap.Int("synced", result.SyncedFiles),
		zap.Int("conflicts", result.ConflictFiles),
		zap.Int("failed", result.FailedFiles),
		zap.Duration("duration", done.Sub(start)),
	)
	if opts.OnComplete != nil {
		opts.OnComplete(result)
	}
	return result, nil
}

func (e *SyncEngine) runPass(ctx context.Context, opts SyncOptions) (*model.SyncResult, error) {
	files, err := e.store.GetModifiedFiles(ctx)
	if err != nil {
		return nil, err
	}

	result := &model.SyncResult{
		TotalFiles: len(files),
		Conflicts:  []*model.SyncConflict{},
		Errors:     []model.FileError{},
	}

	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		progress := model.SyncProgress{
			FileID:   file.FileID,
			FileName: file.OriginalName,
			Status:   model.ProgressPending,
		}
		emit(opts.OnProgress, progress)

		progress.Status = model.ProgressSyncing
		progress.Progress = 50
		emit(opts.OnProgress, progress)

		conflict, err := e.SyncFile(ctx, file, opts)
		progress.Progress = 100
		switch {
		case err != nil:
			result.FailedFiles++
			result.Errors = append(result.Errors, model.FileError{FileID: file.FileID, Error: err.Error()})
			progress.Status = model.ProgressFailed
			progress.Error = err.Error()
			e.metrics.FileOutcome("failed")
			e.logger.Warn("file sync failed", zap.String("file_id", file.FileID), zap.Error(err))
		case conflict != nil:
			result.ConflictFiles++
			result.Conflicts = append(result.Conflicts, conflict)
			progress.Status = model.ProgressConflict
			progress.Conflict = conflict
			e.metrics.FileOutcome("conflict")
		default:
			result.SyncedFiles++
			progress.Status = model.ProgressCompleted
			e.metrics.FileOutcome("synced")
		}
		emit(opts.OnProgress, progress)
	}

	if e.journal != nil {
		if err := e.journal.SyncPendingEdits(ctx); err != nil {
			e.logger.Error("failed to sync offline edits", zap.Error(err))
		}
	}
	return result, nil
}

// SyncFile reconciles one file. It returns the conflict when the file was
// left for manual resolution, nil when the file is now synced.
func (e *SyncEngine) SyncFile(ctx context.Context, file *model.OfflineFile, opts SyncOptions) (*model.SyncConflict, error) {
	unlock := e.locks.Lock(file.FileID)
	defer unlock()

	// The queue may have changed or removed the row since it was listed.
	current, err := e.store.GetOfflineFile(ctx, file.FileID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotOffline, file.FileID)
	}

	local, remoteSnap, err := e.snapshots(ctx, current)
	if err != nil {
		return nil, err
	}

	conflict := DetectConflict(local, remoteSnap)
	if conflict == nil {
		if remoteSnap.UpdatedAt.After(local.LastModified) {
			// Remote is newer but identical: nothing to transfer.
			return nil, e.markSynced(ctx, current, local.Content)
		}
		if local.ContentErr != nil {
			return nil, fmt.Errorf("failed to read local content: %w", local.ContentErr)
		}
		if local.Content != nil {
			if err := e.files.UpdateFileContent(ctx, current.FileID, *local.Content); err != nil {
				return nil, fmt.Errorf("failed to upload changes: %w", err)
			}
		}
		return nil, e.markSynced(ctx, current, local.Content)
	}

	resolution, err := e.chooseResolution(ctx, conflict, opts)
	if err != nil {
		return nil, err
	}
	conflict.Resolution = resolution

	if resolution == model.ResolutionManual {
		if err := e.store.UpdateSyncStatus(ctx, current.FileID, model.FileSyncStatusConflict); err != nil {
			return nil, err
		}
		e.logger.Info("conflict left for manual resolution",
			zap.String("file_id", conflict.FileID),
			zap.String("type", string(conflict.ConflictType)),
		)
		return conflict, nil
	}

	content, err := e.applyResolution(ctx, conflict, resolution)
	if err != nil {
		return nil, err
	}
	e.logger.Info("conflict resolved",
		zap.String("file_id", conflict.FileID),
		zap.String("resolution", string(resolution)),
	)
	return nil, e.markSynced(ctx, current, &content)
}

// CheckConflict runs detection for fileID without changing anything.
func (e *SyncEngine) CheckConflict(ctx context.Context, fileID string) (*model.SyncConflict, error) {
	file, err := e.store.GetOfflineFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotOffline, fileID)
	}
	local, remoteSnap, err := e.snapshots(ctx, file)
	if err != nil {
		return nil, err
	}
	return DetectConflict(local, remoteSnap), nil
}

func (e *SyncEngine) snapshots(ctx context.Context, file *model.OfflineFile) (LocalSnapshot, RemoteSnapshot, error) {
	meta, err := e.files.GetFileMetadata(ctx, file.FileID)
	if err != nil {
		return LocalSnapshot{}, RemoteSnapshot{}, fmt.Errorf("failed to get remote metadata: %w", err)
	}

	local := LocalSnapshot{
		FileID:       file.FileID,
		Name:         file.OriginalName,
		Size:         file.Size,
		LastModified: file.LastModified,
	}
	local.Content, local.ContentErr = e.localContent(ctx, file)

	remoteSnap := RemoteSnapshot{
		Name:      meta.Name,
		Size:      meta.Size,
		UpdatedAt: meta.UpdatedAt,
	}
	// Remote content only matters when the remote is newer.
	if meta.UpdatedAt.After(file.LastModified) {
		content, err := e.files.GetFileContent(ctx, file.FileID)
		if err != nil {
			remoteSnap.ContentErr = err
		} else {
			remoteSnap.Content = &content
		}
	}
	return local, remoteSnap, nil
}

func (e *SyncEngine) localContent(ctx context.Context, file *model.OfflineFile) (*string, error) {
	var content *string
	var err error
	if e.journal != nil && isDocument(file) {
		content, err = e.journal.GetOfflineDocumentContent(ctx, file.FileID)
	} else {
		content, err = e.store.ReadContent(ctx, file.FileID)
	}
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotOffline, file.FileID)
	}
	return content, nil
}

func isDocument(file *model.OfflineFile) bool {
	return strings.Contains(file.MimeType, "document")
}

// chooseResolution: explicit option, then OnConflict, then the file's
// registered resolver, then manual.
func (e *SyncEngine) chooseResolution(ctx context.Context, conflict *model.SyncConflict, opts SyncOptions) (model.Resolution, error) {
	if opts.ResolveConflicts != model.ResolutionNone && opts.ResolveConflicts != model.ResolutionManual {
		return opts.ResolveConflicts, nil
	}

	if opts.OnConflict != nil {
		r, err := opts.OnConflict(ctx, conflict)
		if err != nil {
			return model.ResolutionNone, fmt.Errorf("conflict callback failed: %w", err)
		}
		if r != model.ResolutionNone {
			return r, nil
		}
	}

	e.resolversMu.RLock()
	resolver := e.resolvers[conflict.FileID]
	e.resolversMu.RUnlock()
	if resolver != nil {
		r, err := resolver(ctx, conflict)
		if err != nil {
			return model.ResolutionNone, fmt.Errorf("conflict resolver failed: %w", err)
		}
		if r != model.ResolutionNone {
			return r, nil
		}
	}

	return model.ResolutionManual, nil
}

// applyResolution returns the content both sides now agree on.
func (e *SyncEngine) applyResolution(ctx context.Context, conflict *model.SyncConflict, resolution model.Resolution) (string, error) {
	local, remoteContent := conflict.LocalVersion.Content, conflict.RemoteVersion.Content

	switch resolution {
	case model.ResolutionLocal:
		if local == nil {
			return "", fmt.Errorf("cannot keep local version of %s: local content unavailable", conflict.FileID)
		}
		if err := e.files.UpdateFileContent(ctx, conflict.FileID, *local); err != nil {
			return "", fmt.Errorf("failed to upload local version: %w", err)
		}
		return *local, nil

	case model.ResolutionRemote:
		if remoteContent == nil {
			return "", fmt.Errorf("cannot keep remote version of %s: remote content unavailable", conflict.FileID)
		}
		if err := e.store.WriteContent(ctx, conflict.FileID, *remoteContent); err != nil {
			return "", fmt.Errorf("failed to store remote version: %w", err)
		}
		return *remoteContent, nil

	case model.ResolutionMerge:
		if local == nil || remoteContent == nil {
			return "", fmt.Errorf("cannot merge %s: content unavailable", conflict.FileID)
		}
		merged := MergeContent(*local, *remoteContent)
		if err := e.files.UpdateFileContent(ctx, conflict.FileID, merged); err != nil {
			return "", fmt.Errorf("failed to upload merged version: %w", err)
		}
		if err := e.store.WriteContent(ctx, conflict.FileID, merged); err != nil {
			return "", fmt.Errorf("failed to store merged version: %w", err)
		}
		return merged, nil
	}

	return "", fmt.Errorf("unknown resolution %q", resolution)
}

func (e *SyncEngine) markSynced(ctx context.Context, file *model.OfflineFile, content *string) error {
	if e.journal != nil && isDocument(file) && content != nil {
		if err := e.journal.SettleDocument(ctx, file.FileID, *content); err != nil {
			return err
		}
	}
	return e.store.MarkSynced(ctx, file.FileID)
}

// ForceSyncWithRetry runs forced passes until one succeeds, sleeping
// RetryDelay * 2^(attempt-1) between attempts. After the last failure it
// returns a RetryExhaustedError wrapping that failure.
func (e *SyncEngine) ForceSyncWithRetry(ctx context.Context, maxRetries int) (*model.SyncResult, error) {
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		result, err := e.SyncAll(ctx, SyncOptions{ForceSync: true})
		if err == nil {
			return result, nil
		}
		lastErr = err
		e.logger.Warn("sync attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxRetries),
			zap.Error(err),
		)

		if attempt < maxRetries {
			delay := e.cfg.RetryDelay * time.Duration(1<<(attempt-1))
			if err := e.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
	}
	return nil, &RetryExhaustedError{Attempts: maxRetries, Err: lastErr}
}

// RegisterConflictResolver sets the resolver consulted for fileID.
func (e *SyncEngine) RegisterConflictResolver(fileID string, resolver ConflictResolver) {
	e.resolversMu.Lock()
	defer e.resolversMu.Unlock()
	e.resolvers[fileID] = resolver
}

// UnregisterConflictResolver removes the resolver for fileID.
func (e *SyncEngine) UnregisterConflictResolver(fileID string) {
	e.resolversMu.Lock()
	defer e.resolversMu.Unlock()
	delete(e.resolvers, fileID)
}

// IsSyncing reports whether any pass is running.
func (e *SyncEngine) IsSyncing() bool {
	return e.active.Load() > 0
}

// LastSyncTime returns when the last pass completed, or nil.
func (e *SyncEngine) LastSyncTime() *time.Time {
	if t := e.lastSync.Load(); t != nil {
		v := *t
		return &v
	}
	return nil
}

// GetSyncStatus recomputes the engine read model.
func (e *SyncEngine) GetSyncStatus(ctx context.Context) (*model.SyncStatus, error) {
	counts, err := e.store.GetSyncStatusCounts(ctx)
	if err != nil {
		return nil, err
	}

	status := &model.SyncStatus{
		IsOnline:      e.network.IsConnected(ctx),
		IsSyncing:     e.IsSyncing(),
		LastSyncTime:  e.LastSyncTime(),
		PendingFiles:  counts.Modified,
		ConflictFiles: counts.Conflict,
		FailedFiles:   counts.Failed,
	}

	e.mu.Lock()
	if e.scheduler != nil {
		if next := e.scheduler.Entry(e.entryID).Next; !next.IsZero() {
			status.NextSyncTime = &next
		}
	}
	e.mu.Unlock()
	return status, nil
}

// AddStatusListener subscribes fn to status changes.
func (e *SyncEngine) AddStatusListener(fn func(model.SyncStatus)) func() {
	return e.listeners.add(fn)
}

func (e *SyncEngine) notify(ctx context.Context) {
	if e.listeners.len() == 0 {
		return
	}
	status, err := e.GetSyncStatus(context.WithoutCancel(ctx))
	if err != nil {
		e.logger.Error("failed to get sync status for listeners", zap.Error(err))
		return
	}
	e.listeners.notify(*status)
}

// Cleanup stops timers, drops subscriptions and waits for background passes.
func (e *SyncEngine) Cleanup() {
	e.mu.Lock()
	e.closed = true
	if e.settleTimer != nil {
		e.settleTimer.Stop()
		e.settleTimer = nil
	}
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	// In-flight passes observe the cancellation, so the scheduler stops promptly.
	e.cancel()
	e.StopAutoSync()

	if unsubscribe != nil {
		unsubscribe()
	}
	e.wg.Wait()

	e.listeners.clear()
	e.resolversMu.Lock()
	e.resolvers = make(map[string]ConflictResolver)
	e.resolversMu.Unlock()
}

func (e *SyncEngine) logProgress(p model.SyncProgress) {
	e.logger.Debug("sync progress",
		zap.String("file", p.FileName),
		zap.String("status", string(p.Status)),
		zap.Int("progress", p.Progress),
	)
}

func emit(fn func(model.SyncProgress), p model.SyncProgress) {
	if fn != nil {
		fn(p)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// cronLogger adapts zap to cron's logger interface.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
