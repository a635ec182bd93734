package core

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cloudfs/cloudsync/internal/metrics"
	"github.com/cloudfs/cloudsync/internal/model"
	"github.com/cloudfs/cloudsync/internal/remote"
)

// Store defaults.
const (
	DefaultMaxStorageSize int64 = 2 << 30   // 2 GiB
	DefaultMaxFileSize    int64 = 100 << 20 // 100 MiB

	// failedAfter is how long a file may stay modified before it counts as failed.
	failedAfter = 24 * time.Hour
)

// StoreConfig configures the offline store.
type StoreConfig struct {
	BlobDir        string
	MaxStorageSize int64
	MaxFileSize    int64
}

// OfflineStore keeps offline copies of remote files.
// SQLite is the SOURCE OF TRUTH for which files are offline; every
// blob has exactly one row and rows are only valid while their blob exists.
//
// Deletion is blob-first: a crash between the two steps leaves a row
// whose blob is gone, which IsFileAvailableOffline and the BlobWatcher
// both treat as absent.
type OfflineStore struct {
	db      *sql.DB
	files   remote.FileAPI
	cfg     StoreConfig
	logger  *zap.Logger
	metrics *metrics.Recorder

	// downloadMu serializes quota check, eviction and insert.
	downloadMu sync.Mutex
	mu         sync.RWMutex

	// inflight holds ids with a download waiting or running.
	inflightMu sync.Mutex
	inflight   map[string]struct{}

	now func() time.Time
}

// NewOfflineStore creates an offline store over db, downloading through files.
func NewOfflineStore(db *sql.DB, files remote.FileAPI, cfg StoreConfig, logger *zap.Logger, rec *metrics.Recorder) (*OfflineStore, error) {
	if cfg.BlobDir == "" {
		return nil, fmt.Errorf("blob directory is required")
	}
	if cfg.MaxStorageSize <= 0 {
		cfg.MaxStorageSize = DefaultMaxStorageSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	if err := os.MkdirAll(cfg.BlobDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &OfflineStore{
		db:       db,
		files:    files,
		cfg:      cfg,
		logger:   logger.Named("store"),
		metrics:  rec,
		inflight: make(map[string]struct{}),
		now:      time.Now,
	}, nil
}

// BlobDir returns the directory holding offline blobs.
func (s *OfflineStore) BlobDir() string {
	return s.cfg.BlobDir
}

// Config returns the effective store configuration.
func (s *OfflineStore) Config() StoreConfig {
	return s.cfg
}

// DownloadForOffline makes fd available offline.
// An existing copy is returned as is with its access time refreshed. A second
// request for a file that is already downloading fails with ErrDownloadInProgress.
func (s *OfflineStore) DownloadForOffline(ctx context.Context, fd model.FileDescriptor) (*model.OfflineFile, error) {
	if err := s.beginDownload(fd.ID); err != nil {
		return nil, err
	}
	defer s.endDownload(fd.ID)

	s.downloadMu.Lock()
	defer s.downloadMu.Unlock()

	existing, err := s.GetOfflineFile(ctx, fd.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if err := s.UpdateAccessTime(ctx, fd.ID); err != nil {
			return nil, err
		}
		existing.AccessedAt = s.now()
		return existing, nil
	}

	if fd.Size > s.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds %d bytes", ErrFileTooLarge, fd.Size, s.cfg.MaxFileSize)
	}

	if err := s.ensureSpace(ctx, fd.Size); err != nil {
		return nil, err
	}

	file, err := s.download(ctx, fd)
	s.metrics.Download(err)
	if err != nil {
		return nil, err
	}

	s.logger.Info("file downloaded for offline use",
		zap.String("file_id", file.FileID),
		zap.String("name", file.OriginalName),
		zap.Int64("size", file.Size),
	)
	s.reportUsage(ctx)
	return file, nil
}

// ensureSpace evicts least recently accessed files until incoming fits.
func (s *OfflineStore) ensureSpace(ctx context.Context, incoming int64) error {
	used, err := s.usedSize(ctx)
	if err != nil {
		return err
	}
	if used+incoming <= s.cfg.MaxStorageSize {
		return nil
	}

	s.CleanupOldFiles(ctx, used+incoming-s.cfg.MaxStorageSize)

	used, err = s.usedSize(ctx)
	if err != nil {
		return err
	}
	if used+incoming > s.cfg.MaxStorageSize {
		return fmt.Errorf("%w: need %d bytes, %d of %d used", ErrInsufficientStorage, incoming, used, s.cfg.MaxStorageSize)
	}
	return nil
}

func (s *OfflineStore) download(ctx context.Context, fd model.FileDescriptor) (*model.OfflineFile, error) {
	url, err := s.files.DownloadURL(ctx, fd.ID)
	if err != nil {
		return nil, &DownloadFailedError{FileID: fd.ID, Err: err}
	}

	id := uuid.New().String()
	localPath := filepath.Join(s.cfg.BlobDir, id+"_"+sanitizeFileName(fd.Name))

	result, err := s.files.Download(ctx, url, localPath)
	if err != nil {
		os.Remove(localPath)
		return nil, &DownloadFailedError{FileID: fd.ID, Err: err}
	}
	if result.StatusCode != 200 {
		os.Remove(localPath)
		return nil, &DownloadFailedError{FileID: fd.ID, StatusCode: result.StatusCode}
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, &DownloadFailedError{FileID: fd.ID}
	}

	size := info.Size()
	if size == 0 {
		size = fd.Size
	}

	now := s.now()
	lastModified := fd.UpdatedAt
	if lastModified.IsZero() {
		lastModified = now
	}

	file := &model.OfflineFile{
		ID:           id,
		FileID:       fd.ID,
		LocalPath:    localPath,
		OriginalName: fd.Name,
		Size:         size,
		MimeType:     fd.MimeType,
		LastModified: lastModified,
		SyncStatus:   model.FileSyncStatusSynced,
		DownloadedAt: now,
		AccessedAt:   now,
		IsStarred:    fd.IsStarred,
		ParentID:     fd.ParentID,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO offline_files (
			id, file_id, local_path, original_name, size, mime_type,
			last_modified, sync_status, downloaded_at, accessed_at, is_starred, parent_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, file.ID, file.FileID, file.LocalPath, file.OriginalName, file.Size, nullString(file.MimeType),
		formatTime(file.LastModified), string(file.SyncStatus), formatTime(file.DownloadedAt),
		formatTime(file.AccessedAt), boolToInt(file.IsStarred), nullString(file.ParentID))
	if err != nil {
		os.Remove(localPath)
		return nil, fmt.Errorf("failed to save offline file: %w", err)
	}

	return file, nil
}

// GetOfflineFile returns the row for fileID, or nil when not offline.
func (s *OfflineStore) GetOfflineFile(ctx context.Context, fileID string) (*model.OfflineFile, error) {
	row := s.db.QueryRowContext(ctx, selectOfflineFile+` WHERE file_id = ?`, fileID)
	file, err := scanOfflineFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offline file: %w", err)
	}
	return file, nil
}

// GetAllOfflineFiles returns every offline file, most recently accessed first.
func (s *OfflineStore) GetAllOfflineFiles(ctx context.Context) ([]*model.OfflineFile, error) {
	return s.query(ctx, selectOfflineFile+` ORDER BY accessed_at DESC`)
}

// GetModifiedFiles returns files awaiting upload, in query order.
func (s *OfflineStore) GetModifiedFiles(ctx context.Context) ([]*model.OfflineFile, error) {
	return s.query(ctx, selectOfflineFile+` WHERE sync_status = 'modified' ORDER BY last_modified DESC`)
}

// GetConflictFiles returns files in conflict.
func (s *OfflineStore) GetConflictFiles(ctx context.Context) ([]*model.OfflineFile, error) {
	return s.query(ctx, selectOfflineFile+` WHERE sync_status = 'conflict' ORDER BY last_modified DESC`)
}

// GetFailedFiles returns files that have stayed modified for more than 24h.
// "failed" is derived here and never stored.
func (s *OfflineStore) GetFailedFiles(ctx context.Context) ([]*model.OfflineFile, error) {
	cutoff := formatTime(s.now().Add(-failedAfter))
	return s.query(ctx, selectOfflineFile+` WHERE sync_status = 'modified' AND last_modified < ? ORDER BY last_modified DESC`, cutoff)
}

// GetSyncStatusCounts counts files by status. Modified excludes failed.
func (s *OfflineStore) GetSyncStatusCounts(ctx context.Context) (*model.SyncStatusCounts, error) {
	cutoff := formatTime(s.now().Add(-failedAfter))

	var synced, modified, conflict, failed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			SUM(CASE WHEN sync_status = 'synced' THEN 1 ELSE 0 END),
			SUM(CASE WHEN sync_status = 'modified' THEN 1 ELSE 0 END),
			SUM(CASE WHEN sync_status = 'conflict' THEN 1 ELSE 0 END),
			SUM(CASE WHEN sync_status = 'modified' AND last_modified < ? THEN 1 ELSE 0 END)
		FROM offline_files
	`, cutoff).Scan(&synced, &modified, &conflict, &failed)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync status: %w", err)
	}

	return &model.SyncStatusCounts{
		Synced:   int(synced.Int64),
		Modified: int(modified.Int64 - failed.Int64),
		Conflict: int(conflict.Int64),
		Failed:   int(failed.Int64),
	}, nil
}

// MarkModified flags a local edit and stamps last_modified.
func (s *OfflineStore) MarkModified(ctx context.Context, fileID string) error {
	return s.exec(ctx, "mark modified", fileID,
		`UPDATE offline_files SET sync_status = 'modified', last_modified = ? WHERE file_id = ?`,
		formatTime(s.now()), fileID)
}

// MarkSynced flags a successful sync.
func (s *OfflineStore) MarkSynced(ctx context.Context, fileID string) error {
	return s.UpdateSyncStatus(ctx, fileID, model.FileSyncStatusSynced)
}

// UpdateSyncStatus stores status as is.
func (s *OfflineStore) UpdateSyncStatus(ctx context.Context, fileID string, status model.FileSyncStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid sync status %q", status)
	}
	return s.exec(ctx, "update sync status", fileID,
		`UPDATE offline_files SET sync_status = ? WHERE file_id = ?`, string(status), fileID)
}

// SetStarred updates the starred flag.
func (s *OfflineStore) SetStarred(ctx context.Context, fileID string, starred bool) error {
	return s.exec(ctx, "set starred", fileID,
		`UPDATE offline_files SET is_starred = ? WHERE file_id = ?`, boolToInt(starred), fileID)
}

// UpdateAccessTime refreshes accessed_at, which drives LRU eviction.
func (s *OfflineStore) UpdateAccessTime(ctx context.Context, fileID string) error {
	return s.exec(ctx, "update access time", fileID,
		`UPDATE offline_files SET accessed_at = ? WHERE file_id = ?`, formatTime(s.now()), fileID)
}

// ReadContent returns the blob as text, or nil when the file is not offline.
func (s *OfflineStore) ReadContent(ctx context.Context, fileID string) (*string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	file, err := s.GetOfflineFile(ctx, fileID)
	if err != nil || file == nil {
		return nil, err
	}

	data, err := os.ReadFile(file.LocalPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read offline file: %w", err)
	}

	content := string(data)
	return &content, nil
}

// UpdateContent writes a local edit and marks the file modified.
func (s *OfflineStore) UpdateContent(ctx context.Context, fileID string, content string) error {
	if err := s.WriteContent(ctx, fileID, content); err != nil {
		return err
	}
	return s.MarkModified(ctx, fileID)
}

// WriteContent replaces the blob without touching sync status.
func (s *OfflineStore) WriteContent(ctx context.Context, fileID string, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.GetOfflineFile(ctx, fileID)
	if err != nil {
		return err
	}
	if file == nil {
		return fmt.Errorf("%w: %s", ErrNotOffline, fileID)
	}

	if err := writeFileAtomic(file.LocalPath, []byte(content)); err != nil {
		return fmt.Errorf("failed to write offline file: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `UPDATE offline_files SET size = ? WHERE file_id = ?`, len(content), fileID)
	if err != nil {
		return fmt.Errorf("failed to update size: %w", err)
	}
	return nil
}

// IsFileAvailableOffline checks both the row and the blob on disk.
func (s *OfflineStore) IsFileAvailableOffline(ctx context.Context, fileID string) (bool, error) {
	file, err := s.GetOfflineFile(ctx, fileID)
	if err != nil || file == nil {
		return false, err
	}
	if _, err := os.Stat(file.LocalPath); err != nil {
		return false, nil
	}
	return true, nil
}

// GetLocalFilePath returns the blob path when the file is available offline.
func (s *OfflineStore) GetLocalFilePath(ctx context.Context, fileID string) (string, error) {
	file, err := s.GetOfflineFile(ctx, fileID)
	if err != nil || file == nil {
		return "", err
	}
	if _, err := os.Stat(file.LocalPath); err != nil {
		return "", nil
	}
	if err := s.UpdateAccessTime(ctx, fileID); err != nil {
		return "", err
	}
	return file.LocalPath, nil
}

// RemoveOfflineFile deletes the blob, then the row. Removing an unknown
// file is a no-op.
func (s *OfflineStore) RemoveOfflineFile(ctx context.Context, fileID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.GetOfflineFile(ctx, fileID)
	if err != nil || file == nil {
		return err
	}
	if err := s.removeLocked(ctx, file); err != nil {
		return err
	}

	s.logger.Info("offline file removed", zap.String("file_id", fileID))
	s.reportUsage(ctx)
	return nil
}

// RemoveOrphan deletes a row whose blob is already gone.
func (s *OfflineStore) RemoveOrphan(ctx context.Context, localPath string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(localPath); err == nil {
		return false, nil
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM offline_files WHERE local_path = ?`, localPath)
	if err != nil {
		return false, fmt.Errorf("failed to remove orphan row: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *OfflineStore) removeLocked(ctx context.Context, file *model.OfflineFile) error {
	if err := os.Remove(file.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete offline blob: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_files WHERE file_id = ?`, file.FileID); err != nil {
		return fmt.Errorf("failed to delete offline file: %w", err)
	}
	return nil
}

// CleanupOldFiles evicts least recently accessed files until requiredBytes
// are freed or nothing is left. Per-file failures are logged and skipped.
// It returns the number of bytes freed.
func (s *OfflineStore) CleanupOldFiles(ctx context.Context, requiredBytes int64) int64 {
	files, err := s.query(ctx, selectOfflineFile+` ORDER BY accessed_at ASC`)
	if err != nil {
		s.logger.Error("failed to list files for cleanup", zap.Error(err))
		return 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var freed int64
	evicted := 0
	for _, file := range files {
		if freed >= requiredBytes {
			break
		}
		if err := s.removeLocked(ctx, file); err != nil {
			s.logger.Warn("failed to evict offline file",
				zap.String("file_id", file.FileID),
				zap.Error(err),
			)
			continue
		}
		freed += file.Size
		evicted++
		s.logger.Info("evicted offline file",
			zap.String("file_id", file.FileID),
			zap.Int64("size", file.Size),
			zap.Time("accessed_at", file.AccessedAt),
		)
	}

	s.metrics.Evicted(evicted)
	return freed
}

// ClearAll removes every blob, then every row.
func (s *OfflineStore) ClearAll(ctx context.Context) error {
	files, err := s.GetAllOfflineFiles(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, file := range files {
		if err := os.Remove(file.LocalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to delete offline blob",
				zap.String("path", file.LocalPath),
				zap.Error(err),
			)
		}
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM offline_files`); err != nil {
		return fmt.Errorf("failed to clear offline files: %w", err)
	}
	s.metrics.StorageUsed(0)
	return nil
}

// GetStorageStats reports quota usage.
func (s *OfflineStore) GetStorageStats(ctx context.Context) (*model.OfflineStorageStats, error) {
	var used int64
	var count int
	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size), 0), COUNT(*), MIN(downloaded_at), MAX(downloaded_at)
		FROM offline_files
	`).Scan(&used, &count, &oldest, &newest)
	if err != nil {
		return nil, fmt.Errorf("failed to get storage stats: %w", err)
	}

	stats := &model.OfflineStorageStats{
		TotalSize:     s.cfg.MaxStorageSize,
		UsedSize:      used,
		AvailableSize: s.cfg.MaxStorageSize - used,
		FileCount:     count,
	}
	if oldest.Valid {
		t := parseTime(oldest.String)
		stats.OldestFile = &t
	}
	if newest.Valid {
		t := parseTime(newest.String)
		stats.NewestFile = &t
	}
	return stats, nil
}

func (s *OfflineStore) usedSize(ctx context.Context) (int64, error) {
	var used int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(size), 0) FROM offline_files`).Scan(&used); err != nil {
		return 0, fmt.Errorf("failed to compute used size: %w", err)
	}
	return used, nil
}

func (s *OfflineStore) reportUsage(ctx context.Context) {
	if used, err := s.usedSize(ctx); err == nil {
		s.metrics.StorageUsed(used)
	}
}

// exec runs a single-row update. Updating an unknown file is a no-op.
func (s *OfflineStore) exec(ctx context.Context, op, fileID, query string, args ...interface{}) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to %s for %s: %w", op, fileID, err)
	}
	return nil
}

func (s *OfflineStore) query(ctx context.Context, query string, args ...interface{}) ([]*model.OfflineFile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query offline files: %w", err)
	}
	defer rows.Close()

	var files []*model.OfflineFile
	for rows.Next() {
		file, err := scanOfflineFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan offline file: %w", err)
		}
		files = append(files, file)
	}
	return files, rows.Err()
}

const selectOfflineFile = `
	SELECT id, file_id, local_path, original_name, size, mime_type, last_modified,
	       sync_status, downloaded_at, accessed_at, is_starred, parent_id
	FROM offline_files`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOfflineFile(row rowScanner) (*model.OfflineFile, error) {
	var f model.OfflineFile
	var mimeType, parentID sql.NullString
	var lastModified, downloadedAt, accessedAt, status string
	var starred int

	err := row.Scan(&f.ID, &f.FileID, &f.LocalPath, &f.OriginalName, &f.Size, &mimeType,
		&lastModified, &status, &downloadedAt, &accessedAt, &starred, &parentID)
	if err != nil {
		return nil, err
	}

	f.MimeType = mimeType.String
	f.ParentID = parentID.String
	f.SyncStatus = model.FileSyncStatus(status)
	f.LastModified = parseTime(lastModified)
	f.DownloadedAt = parseTime(downloadedAt)
	f.AccessedAt = parseTime(accessedAt)
	f.IsStarred = starred != 0
	return &f, nil
}

var unsafeFileChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitizeFileName(name string) string {
	clean := unsafeFileChars.ReplaceAllString(name, "_")
	if len(clean) > 100 {
		clean = clean[:100]
	}
	if clean == "" {
		clean = "file"
	}
	return clean
}

// writeFileAtomic writes to a temp file in the same directory, then renames.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
