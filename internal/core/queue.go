package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudfs/cloudsync/internal/metrics"
	"github.com/cloudfs/cloudsync/internal/model"
)

// Queue defaults.
const (
	DefaultQueueTick      = 5 * time.Second
	DefaultMaxConcurrent  = 3
	DefaultItemMaxRetries = 3
)

// QueueConfig configures the work queue.
type QueueConfig struct {
	TickInterval  time.Duration
	MaxConcurrent int
	MaxRetries    int // default for items added without one
}

// QueueOptions are per-item settings for AddToQueue.
type QueueOptions struct {
	Priority   model.QueuePriority
	MaxRetries int
	Metadata   map[string]interface{}
}

// FileSyncer syncs a single offline file. *SyncEngine satisfies it.
type FileSyncer interface {
	SyncFile(ctx context.Context, file *model.OfflineFile, opts SyncOptions) (*model.SyncConflict, error)
}

// WorkQueue is the durable queue of discrete per-file operations.
//
// INVARIANTS:
// - Dequeue order is priority (high, normal, low) then created_at ascending
// - At most MaxConcurrent items run per tick; a tick never overlaps another
// - retry_count <= max_retries; failed and cancelled are terminal
// - Items stay in the table until removed or cleared
type WorkQueue struct {
	db      *sql.DB
	store   *OfflineStore
	syncer  FileSyncer
	locks   *FileLocks
	logger  *zap.Logger
	metrics *metrics.Recorder
	cfg     QueueConfig

	mu         sync.RWMutex
	processing atomic.Bool
	listeners  *listeners[model.SyncQueueStats]

	loopMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	now func() time.Time
}

// NewWorkQueue creates a queue over the sync_queue table.
func NewWorkQueue(db *sql.DB, store *OfflineStore, syncer FileSyncer, locks *FileLocks, cfg QueueConfig, logger *zap.Logger, rec *metrics.Recorder) *WorkQueue {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultQueueTick
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultItemMaxRetries
	}
	if locks == nil {
		locks = NewFileLocks()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WorkQueue{
		db:        db,
		store:     store,
		syncer:    syncer,
		locks:     locks,
		logger:    logger.Named("queue"),
		metrics:   rec,
		cfg:       cfg,
		listeners: newListeners[model.SyncQueueStats]("queue", logger),
		now:       time.Now,
	}
}

// Config returns the effective configuration.
func (q *WorkQueue) Config() QueueConfig {
	return q.cfg
}

// AddToQueue inserts a pending item and returns its id.
func (q *WorkQueue) AddToQueue(ctx context.Context, fileID, fileName string, op model.QueueOperation, opts QueueOptions) (string, error) {
	if !op.Valid() {
		return "", fmt.Errorf("invalid queue operation: %q", op)
	}
	if opts.Priority == "" {
		opts.Priority = model.QueuePriorityNormal
	}
	if !opts.Priority.Valid() {
		return "", fmt.Errorf("invalid queue priority: %q", opts.Priority)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = q.cfg.MaxRetries
	}

	var metadata sql.NullString
	if len(opts.Metadata) > 0 {
		encoded, err := json.Marshal(opts.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(encoded), Valid: true}
	}

	id := uuid.New().String()
	now := formatTime(q.now())

	q.mu.Lock()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_queue (id, file_id, file_name, operation, priority, status,
		                        retry_count, max_retries, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, 'pending', 0, ?, ?, ?, ?)
	`, id, fileID, fileName, string(op), string(opts.Priority), opts.MaxRetries, now, now, metadata)
	q.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to add to queue: %w", err)
	}

	q.logger.Info("queued operation",
		zap.String("id", id),
		zap.String("file_id", fileID),
		zap.String("operation", string(op)),
		zap.String("priority", string(opts.Priority)),
	)
	q.notify(ctx)
	return id, nil
}

// RemoveFromQueue deletes an item regardless of status.
func (q *WorkQueue) RemoveFromQueue(ctx context.Context, id string) error {
	if err := q.execOne(ctx, "remove queue item", id, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return err
	}
	q.notify(ctx)
	return nil
}

// UpdateItemStatus sets status and error (empty clears it).
func (q *WorkQueue) UpdateItemStatus(ctx context.Context, id string, status model.QueueStatus, errMsg string) error {
	err := q.execOne(ctx, "update queue item", id, `
		UPDATE sync_queue SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, string(status), nullString(errMsg), formatTime(q.now()), id)
	if err != nil {
		return err
	}
	q.notify(ctx)
	return nil
}

// IncrementRetryCount bumps retry_count and returns the item to pending.
func (q *WorkQueue) IncrementRetryCount(ctx context.Context, id string, errMsg string) error {
	err := q.execOne(ctx, "increment retry count", id, `
		UPDATE sync_queue
		SET retry_count = retry_count + 1, status = 'pending', error = ?, updated_at = ?
		WHERE id = ?
	`, nullString(errMsg), formatTime(q.now()), id)
	if err != nil {
		return err
	}
	q.notify(ctx)
	return nil
}

// CancelItem cancels a pending item.
func (q *WorkQueue) CancelItem(ctx context.Context, id string) error {
	q.mu.Lock()
	result, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, formatTime(q.now()), id)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to cancel queue item: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w or not pending: %s", ErrQueueItemNotFound, id)
	}
	q.notify(ctx)
	return nil
}

// GetQueueItem returns the item or nil if unknown.
func (q *WorkQueue) GetQueueItem(ctx context.Context, id string) (*model.SyncQueueItem, error) {
	items, err := q.list(ctx, `WHERE id = ?`, id)
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

// GetPendingItems returns up to limit pending items in dequeue order.
func (q *WorkQueue) GetPendingItems(ctx context.Context, limit int) ([]*model.SyncQueueItem, error) {
	if limit <= 0 {
		limit = q.cfg.MaxConcurrent
	}
	return q.list(ctx, `
		WHERE status = 'pending'
		ORDER BY CASE priority WHEN 'high' THEN 1 WHEN 'normal' THEN 2 ELSE 3 END,
		         created_at ASC
		LIMIT ?`, limit)
}

// GetAllItems returns every item, newest first.
func (q *WorkQueue) GetAllItems(ctx context.Context) ([]*model.SyncQueueItem, error) {
	return q.list(ctx, `ORDER BY created_at DESC`)
}

// GetQueueStats counts items by status.
func (q *WorkQueue) GetQueueStats(ctx context.Context) (*model.SyncQueueStats, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var stats model.SyncQueueStats
	var pending, processing, completed, failed sql.NullInt64
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END)
		FROM sync_queue
	`).Scan(&stats.TotalItems, &pending, &processing, &completed, &failed)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	stats.PendingItems = int(pending.Int64)
	stats.ProcessingItems = int(processing.Int64)
	stats.CompletedItems = int(completed.Int64)
	stats.FailedItems = int(failed.Int64)
	return &stats, nil
}

// ClearCompleted deletes completed items and returns how many.
func (q *WorkQueue) ClearCompleted(ctx context.Context) (int64, error) {
	return q.clear(ctx, `DELETE FROM sync_queue WHERE status = 'completed'`)
}

// ClearAll deletes every item and returns how many.
func (q *WorkQueue) ClearAll(ctx context.Context) (int64, error) {
	return q.clear(ctx, `DELETE FROM sync_queue`)
}

func (q *WorkQueue) clear(ctx context.Context, query string) (int64, error) {
	q.mu.Lock()
	result, err := q.db.ExecContext(ctx, query)
	q.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue: %w", err)
	}
	n, _ := result.RowsAffected()
	q.notify(ctx)
	return n, nil
}

// StartProcessing runs ProcessQueue every TickInterval until StopProcessing.
// Items left in processing by a previous run are returned to pending first.
func (q *WorkQueue) StartProcessing(ctx context.Context) error {
	q.loopMu.Lock()
	defer q.loopMu.Unlock()
	if q.cancel != nil {
		return nil
	}

	if err := q.resetStale(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(q.cfg.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := q.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
					q.logger.Error("queue tick failed", zap.Error(err))
				}
			}
		}
	}(q.done)

	q.logger.Info("queue processing started", zap.Duration("tick", q.cfg.TickInterval))
	return nil
}

// StopProcessing stops the tick loop and waits for the current tick.
func (q *WorkQueue) StopProcessing() {
	q.loopMu.Lock()
	cancel, done := q.cancel, q.done
	q.cancel, q.done = nil, nil
	q.loopMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
		q.logger.Info("queue processing stopped")
	}
}

// IsProcessing reports whether a tick is running.
func (q *WorkQueue) IsProcessing() bool {
	return q.processing.Load()
}

// ProcessQueue runs one tick: dequeue up to MaxConcurrent pending items,
// run them concurrently and wait for all of them. It returns the number of
// items attempted; zero when another tick is already running.
func (q *WorkQueue) ProcessQueue(ctx context.Context) (int, error) {
	if !q.processing.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer q.processing.Store(false)

	items, err := q.GetPendingItems(ctx, q.cfg.MaxConcurrent)
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, item := range items {
		wg.Add(1)
		go func(item *model.SyncQueueItem) {
			defer wg.Done()
			q.processItem(ctx, item)
		}(item)
	}
	wg.Wait()
	return len(items), nil
}

func (q *WorkQueue) processItem(ctx context.Context, item *model.SyncQueueItem) {
	logger := q.logger.With(
		zap.String("id", item.ID),
		zap.String("file_id", item.FileID),
		zap.String("operation", string(item.Operation)),
	)

	if err := q.UpdateItemStatus(ctx, item.ID, model.QueueStatusProcessing, ""); err != nil {
		logger.Error("failed to mark item processing", zap.Error(err))
		return
	}

	herr := q.handle(ctx, item)
	if herr == nil {
		if err := q.UpdateItemStatus(ctx, item.ID, model.QueueStatusCompleted, ""); err != nil {
			logger.Error("failed to mark item completed", zap.Error(err))
		}
		q.metrics.QueueItem(string(item.Operation), string(model.QueueStatusCompleted))
		return
	}

	// Checked before incrementing so retry_count never exceeds max_retries.
	if item.RetryCount >= item.MaxRetries {
		logger.Error("queue item failed permanently", zap.Int("retries", item.RetryCount), zap.Error(herr))
		if err := q.UpdateItemStatus(ctx, item.ID, model.QueueStatusFailed, herr.Error()); err != nil {
			logger.Error("failed to mark item failed", zap.Error(err))
		}
		q.metrics.QueueItem(string(item.Operation), string(model.QueueStatusFailed))
		return
	}

	logger.Warn("queue item failed, will retry", zap.Int("retries", item.RetryCount+1), zap.Error(herr))
	if err := q.IncrementRetryCount(ctx, item.ID, herr.Error()); err != nil {
		logger.Error("failed to increment retry count", zap.Error(err))
	}
	q.metrics.QueueItem(string(item.Operation), "retry")
}

func (q *WorkQueue) handle(ctx context.Context, item *model.SyncQueueItem) error {
	switch item.Operation {
	case model.QueueOperationUpload:
		file, err := q.store.GetOfflineFile(ctx, item.FileID)
		if err != nil {
			return err
		}
		if file == nil || file.SyncStatus != model.FileSyncStatusModified {
			return fmt.Errorf("file %s not found or not modified", item.FileID)
		}
		_, err = q.syncer.SyncFile(ctx, file, SyncOptions{ForceSync: true})
		return err

	case model.QueueOperationUpdate:
		file, err := q.store.GetOfflineFile(ctx, item.FileID)
		if err != nil {
			return err
		}
		if file == nil {
			return fmt.Errorf("%w: %s", ErrNotOffline, item.FileID)
		}
		_, err = q.syncer.SyncFile(ctx, file, SyncOptions{})
		return err

	case model.QueueOperationDownload:
		// Downloads go through the offline store directly; nothing to replay.
		q.logger.Info("download handled by offline store", zap.String("file_id", item.FileID))
		return nil

	case model.QueueOperationDelete:
		unlock := q.locks.Lock(item.FileID)
		defer unlock()
		return q.store.RemoveOfflineFile(ctx, item.FileID)
	}
	return fmt.Errorf("unknown operation: %s", item.Operation)
}

// resetStale returns items stuck in processing to pending.
func (q *WorkQueue) resetStale(ctx context.Context) error {
	q.mu.Lock()
	result, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET status = 'pending', updated_at = ? WHERE status = 'processing'
	`, formatTime(q.now()))
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to reset stale queue items: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		q.logger.Warn("reset interrupted queue items", zap.Int64("count", n))
	}
	return nil
}

// AddStatusListener subscribes fn to queue stats after every change.
func (q *WorkQueue) AddStatusListener(fn func(model.SyncQueueStats)) func() {
	return q.listeners.add(fn)
}

// Cleanup stops processing and drops listeners.
func (q *WorkQueue) Cleanup() {
	q.StopProcessing()
	q.listeners.clear()
}

func (q *WorkQueue) notify(ctx context.Context) {
	if q.listeners.len() == 0 {
		return
	}
	stats, err := q.GetQueueStats(context.WithoutCancel(ctx))
	if err != nil {
		q.logger.Error("failed to get queue stats for listeners", zap.Error(err))
		return
	}
	q.listeners.notify(*stats)
}

func (q *WorkQueue) execOne(ctx context.Context, op, id, query string, args ...interface{}) error {
	q.mu.Lock()
	result, err := q.db.ExecContext(ctx, query, args...)
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %s", ErrQueueItemNotFound, id)
	}
	return nil
}

func (q *WorkQueue) list(ctx context.Context, clause string, args ...interface{}) ([]*model.SyncQueueItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, file_id, file_name, operation, priority, status, retry_count,
		       max_retries, created_at, updated_at, error, metadata
		FROM sync_queue `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []*model.SyncQueueItem
	for rows.Next() {
		var item model.SyncQueueItem
		var op, priority, status, createdAt, updatedAt string
		var errMsg, metadata sql.NullString
		err := rows.Scan(&item.ID, &item.FileID, &item.FileName, &op, &priority, &status,
			&item.RetryCount, &item.MaxRetries, &createdAt, &updatedAt, &errMsg, &metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		item.Operation = model.QueueOperation(op)
		item.Priority = model.QueuePriority(priority)
		item.Status = model.QueueStatus(status)
		item.CreatedAt = parseTime(createdAt)
		item.UpdatedAt = parseTime(updatedAt)
		item.Error = errMsg.String
		if metadata.Valid {
			if err := json.Unmarshal([]byte(metadata.String), &item.Metadata); err != nil {
				q.logger.Warn("ignoring malformed queue metadata", zap.String("id", item.ID), zap.Error(err))
			}
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}
