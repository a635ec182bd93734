package core

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/cloudfs/cloudsync/internal/model"
	"github.com/cloudfs/cloudsync/internal/remote"
)

// storageHeadroom is the share of the quota a single download may fill up to.
const storageHeadroom = 0.9

func (s *OfflineStore) beginDownload(fileID string) error {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[fileID]; ok {
		return fmt.Errorf("%w: %s", ErrDownloadInProgress, fileID)
	}
	s.inflight[fileID] = struct{}{}
	return nil
}

func (s *OfflineStore) endDownload(fileID string) {
	s.inflightMu.Lock()
	delete(s.inflight, fileID)
	s.inflightMu.Unlock()
}

// IsDownloadInProgress reports whether fileID is waiting for or running a download.
func (s *OfflineStore) IsDownloadInProgress(fileID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	_, ok := s.inflight[fileID]
	return ok
}

// DownloadQueue returns the ids with a download waiting or running, sorted.
func (s *OfflineStore) DownloadQueue() []string {
	s.inflightMu.Lock()
	ids := make([]string, 0, len(s.inflight))
	for id := range s.inflight {
		ids = append(ids, id)
	}
	s.inflightMu.Unlock()
	sort.Strings(ids)
	return ids
}

// DownloadMultipleForOffline downloads each descriptor in order. A failure is
// recorded and the rest continue. onProgress, when set, is called after each
// file with the number handled so far.
func (s *OfflineStore) DownloadMultipleForOffline(ctx context.Context, fds []model.FileDescriptor, onProgress func(done, total int)) ([]*model.OfflineFile, []model.FileError) {
	var files []*model.OfflineFile
	var failures []model.FileError

	for i, fd := range fds {
		if err := ctx.Err(); err != nil {
			for _, rest := range fds[i:] {
				failures = append(failures, model.FileError{FileID: rest.ID, Error: err.Error()})
			}
			break
		}

		file, err := s.DownloadForOffline(ctx, fd)
		if err != nil {
			s.logger.Warn("offline download failed", zap.String("file_id", fd.ID), zap.Error(err))
			failures = append(failures, model.FileError{FileID: fd.ID, Error: err.Error()})
		} else {
			files = append(files, file)
		}
		if onProgress != nil {
			onProgress(i+1, len(fds))
		}
	}
	return files, failures
}

// ValidateStorageSpace checks whether size bytes fit without eviction and
// leave the quota below 90% full.
func (s *OfflineStore) ValidateStorageSpace(ctx context.Context, size int64) (*model.SpaceCheck, error) {
	stats, err := s.GetStorageStats(ctx)
	if err != nil {
		return nil, err
	}
	if size > stats.AvailableSize {
		return &model.SpaceCheck{
			Message: fmt.Sprintf("insufficient storage space: need %s, only %s available",
				FormatSize(size), FormatSize(stats.AvailableSize)),
		}, nil
	}
	if float64(stats.UsedSize+size) > float64(stats.TotalSize)*storageHeadroom {
		return &model.SpaceCheck{
			Message: "download would fill more than 90% of offline storage; free up space first",
		}, nil
	}
	return &model.SpaceCheck{CanDownload: true}, nil
}

// GetStorageUsageByType groups offline files by FileCategory.
func (s *OfflineStore) GetStorageUsageByType(ctx context.Context) (map[string]model.TypeUsage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(mime_type, ''), size FROM offline_files`)
	if err != nil {
		return nil, fmt.Errorf("failed to list offline files: %w", err)
	}
	defer rows.Close()

	usage := make(map[string]model.TypeUsage)
	for rows.Next() {
		var mimeType string
		var size int64
		if err := rows.Scan(&mimeType, &size); err != nil {
			return nil, fmt.Errorf("failed to scan offline file: %w", err)
		}
		category := FileCategory(mimeType)
		u := usage[category]
		u.Size += size
		u.Count++
		usage[category] = u
	}
	return usage, rows.Err()
}

// FileCategory maps a mime type onto a coarse storage category.
func FileCategory(mimeType string) string {
	switch {
	case mimeType == "":
		return "other"
	case strings.HasPrefix(mimeType, "image/"):
		return "images"
	case strings.HasPrefix(mimeType, "video/"):
		return "videos"
	case strings.HasPrefix(mimeType, "audio/"):
		return "audio"
	case strings.Contains(mimeType, "pdf"),
		strings.Contains(mimeType, "document"),
		strings.Contains(mimeType, "text"):
		return "documents"
	case strings.Contains(mimeType, "spreadsheet"), strings.Contains(mimeType, "excel"):
		return "spreadsheets"
	case strings.Contains(mimeType, "presentation"), strings.Contains(mimeType, "powerpoint"):
		return "presentations"
	}
	return "other"
}

// Auto-download defaults.
const (
	DefaultAutoDownloadMaxSize     int64 = 10 << 20 // 10 MiB
	DefaultAutoDownloadRecentLimit       = 10
)

// AutoDownloadConfig selects which remote listings are mirrored offline.
type AutoDownloadConfig struct {
	Starred     bool
	Recent      bool
	MaxFileSize int64
	RecentLimit int
}

// AutoDownloader mirrors starred and recently used remote files offline.
type AutoDownloader struct {
	store   *OfflineStore
	lister  remote.FileLister
	network NetworkMonitor
	cfg     AutoDownloadConfig
	logger  *zap.Logger
}

// NewAutoDownloader creates an auto-downloader listing through lister.
func NewAutoDownloader(store *OfflineStore, lister remote.FileLister, network NetworkMonitor, cfg AutoDownloadConfig, logger *zap.Logger) *AutoDownloader {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultAutoDownloadMaxSize
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = DefaultAutoDownloadRecentLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoDownloader{
		store:   store,
		lister:  lister,
		network: network,
		cfg:     cfg,
		logger:  logger.Named("autodownload"),
	}
}

// Config returns the effective configuration.
func (a *AutoDownloader) Config() AutoDownloadConfig {
	return a.cfg
}

// Run downloads whichever listings the configuration enables.
func (a *AutoDownloader) Run(ctx context.Context) ([]*model.OfflineFile, []model.FileError, error) {
	var files []*model.OfflineFile
	var failures []model.FileError
	if a.cfg.Starred {
		f, fe, err := a.DownloadStarred(ctx)
		if err != nil {
			return files, failures, err
		}
		files, failures = append(files, f...), append(failures, fe...)
	}
	if a.cfg.Recent {
		f, fe, err := a.DownloadRecent(ctx)
		if err != nil {
			return files, failures, err
		}
		files, failures = append(files, f...), append(failures, fe...)
	}
	return files, failures, nil
}

// DownloadStarred downloads every starred remote file within the size limit
// and stars the offline copies.
func (a *AutoDownloader) DownloadStarred(ctx context.Context) ([]*model.OfflineFile, []model.FileError, error) {
	if !a.network.IsConnected(ctx) {
		return nil, nil, ErrOffline
	}
	listed, err := a.lister.ListStarredFiles(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list starred files: %w", err)
	}

	files, failures := a.store.DownloadMultipleForOffline(ctx, a.eligible(listed, true), nil)
	for _, f := range files {
		if f.IsStarred {
			continue
		}
		if err := a.store.SetStarred(ctx, f.FileID, true); err != nil {
			failures = append(failures, model.FileError{FileID: f.FileID, Error: err.Error()})
			continue
		}
		f.IsStarred = true
	}
	a.logger.Info("starred files downloaded", zap.Int("files", len(files)), zap.Int("failed", len(failures)))
	return files, failures, nil
}

// DownloadRecent downloads the most recently used remote files within the size limit.
func (a *AutoDownloader) DownloadRecent(ctx context.Context) ([]*model.OfflineFile, []model.FileError, error) {
	if !a.network.IsConnected(ctx) {
		return nil, nil, ErrOffline
	}
	listed, err := a.lister.ListRecentFiles(ctx, a.cfg.RecentLimit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list recent files: %w", err)
	}

	files, failures := a.store.DownloadMultipleForOffline(ctx, a.eligible(listed, false), nil)
	a.logger.Info("recent files downloaded", zap.Int("files", len(files)), zap.Int("failed", len(failures)))
	return files, failures, nil
}

// eligible keeps non-empty files no larger than MaxFileSize.
func (a *AutoDownloader) eligible(listed []remote.FileMetadata, starred bool) []model.FileDescriptor {
	var fds []model.FileDescriptor
	for _, m := range listed {
		if m.IsFolder || m.Size <= 0 || m.Size > a.cfg.MaxFileSize {
			continue
		}
		fds = append(fds, model.FileDescriptor{
			ID:        m.ID,
			Name:      m.Name,
			Size:      m.Size,
			MimeType:  m.MimeType,
			UpdatedAt: m.UpdatedAt,
			IsStarred: starred,
		})
	}
	return fds
}
