// Package model defines the domain models for CloudSync.
// These are the rows persisted by the offline store, work queue and edit
// journal, plus the read models pushed to status listeners.
package model

import (
	"time"
)

// FileSyncStatus is the stored sync state of an offline file.
// "failed" is never stored; it is derived from a stale "modified" row.
type FileSyncStatus string

const (
	FileSyncStatusSynced   FileSyncStatus = "synced"
	FileSyncStatusModified FileSyncStatus = "modified"
	FileSyncStatusConflict FileSyncStatus = "conflict"
)

// Valid reports whether s is a storable status.
func (s FileSyncStatus) Valid() bool {
	switch s {
	case FileSyncStatusSynced, FileSyncStatusModified, FileSyncStatusConflict:
		return true
	}
	return false
}

// FileDescriptor describes a remote file the caller wants available offline.
type FileDescriptor struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mime_type,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	IsStarred bool      `json:"is_starred"`
	ParentID  string    `json:"parent_id,omitempty"`
}

// OfflineFile is a locally cached copy of a remote file.
// The row and its blob are created and deleted together.
type OfflineFile struct {
	ID           string         `json:"id"`
	FileID       string         `json:"file_id"` // remote identity, unique
	LocalPath    string         `json:"local_path"`
	OriginalName string         `json:"original_name"`
	Size         int64          `json:"size"`
	MimeType     string         `json:"mime_type,omitempty"`
	LastModified time.Time      `json:"last_modified"` // local copy's content timestamp
	SyncStatus   FileSyncStatus `json:"sync_status"`
	DownloadedAt time.Time      `json:"downloaded_at"`
	AccessedAt   time.Time      `json:"accessed_at"`
	IsStarred    bool           `json:"is_starred"`
	ParentID     string         `json:"parent_id,omitempty"`
}

// SyncStatusCounts aggregates offline files by sync status.
// Modified excludes the files counted as Failed.
type SyncStatusCounts struct {
	Synced   int `json:"synced"`
	Modified int `json:"modified"`
	Conflict int `json:"conflict"`
	Failed   int `json:"failed"`
}

// OfflineStorageStats describes quota usage of the offline store.
type OfflineStorageStats struct {
	TotalSize     int64      `json:"total_size"`
	UsedSize      int64      `json:"used_size"`
	AvailableSize int64      `json:"available_size"`
	FileCount     int        `json:"file_count"`
	OldestFile    *time.Time `json:"oldest_file,omitempty"`
	NewestFile    *time.Time `json:"newest_file,omitempty"`
}

// ConflictType classifies a detected divergence.
type ConflictType string

const (
	ConflictTypeContent  ConflictType = "content"
	ConflictTypeMetadata ConflictType = "metadata"
	ConflictTypeBoth     ConflictType = "both"
)

// Resolution is the strategy chosen to collapse a conflict.
type Resolution string

const (
	ResolutionNone   Resolution = ""
	ResolutionLocal  Resolution = "local"
	ResolutionRemote Resolution = "remote"
	ResolutionMerge  Resolution = "merge"
	ResolutionManual Resolution = "manual"
)

// ParseResolution parses a user supplied resolution name.
func ParseResolution(s string) (Resolution, bool) {
	switch r := Resolution(s); r {
	case ResolutionLocal, ResolutionRemote, ResolutionMerge, ResolutionManual:
		return r, true
	}
	return ResolutionNone, false
}

// VersionInfo is one side of a conflict.
type VersionInfo struct {
	Content      *string   `json:"content,omitempty"`
	LastModified time.Time `json:"last_modified"`
	Size         *int64    `json:"size,omitempty"`
}

// SyncConflict is computed, never persisted.
type SyncConflict struct {
	FileID        string       `json:"file_id"`
	FileName      string       `json:"file_name"`
	ConflictType  ConflictType `json:"conflict_type"`
	LocalVersion  VersionInfo  `json:"local_version"`
	RemoteVersion VersionInfo  `json:"remote_version"`
	Resolution    Resolution   `json:"resolution,omitempty"`
}

// QueueOperation is a discrete work queue operation.
type QueueOperation string

const (
	QueueOperationUpload   QueueOperation = "upload"
	QueueOperationDownload QueueOperation = "download"
	QueueOperationUpdate   QueueOperation = "update"
	QueueOperationDelete   QueueOperation = "delete"
)

// Valid reports whether o is a known operation.
func (o QueueOperation) Valid() bool {
	switch o {
	case QueueOperationUpload, QueueOperationDownload, QueueOperationUpdate, QueueOperationDelete:
		return true
	}
	return false
}

// QueuePriority orders dequeue: high > normal > low.
type QueuePriority string

const (
	QueuePriorityLow    QueuePriority = "low"
	QueuePriorityNormal QueuePriority = "normal"
	QueuePriorityHigh   QueuePriority = "high"
)

// Valid reports whether p is a known priority.
func (p QueuePriority) Valid() bool {
	switch p {
	case QueuePriorityLow, QueuePriorityNormal, QueuePriorityHigh:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a queue item.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// SyncQueueItem is a durable, independently retryable unit of work.
// INVARIANT: RetryCount <= MaxRetries; Failed is terminal.
type SyncQueueItem struct {
	ID         string                 `json:"id"`
	FileID     string                 `json:"file_id"`
	FileName   string                 `json:"file_name"`
	Operation  QueueOperation         `json:"operation"`
	Priority   QueuePriority          `json:"priority"`
	Status     QueueStatus            `json:"status"`
	RetryCount int                    `json:"retry_count"`
	MaxRetries int                    `json:"max_retries"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	Error      string                 `json:"error,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// SyncQueueStats counts queue items by status.
type SyncQueueStats struct {
	TotalItems      int `json:"total_items"`
	PendingItems    int `json:"pending_items"`
	ProcessingItems int `json:"processing_items"`
	CompletedItems  int `json:"completed_items"`
	FailedItems     int `json:"failed_items"`
}

// EditFileType is the kind of file an offline edit targets.
type EditFileType string

const (
	EditFileTypeDocument    EditFileType = "document"
	EditFileTypeSpreadsheet EditFileType = "spreadsheet"
)

// EditType is the field an offline edit changes.
type EditType string

const (
	EditTypeContent EditType = "content"
	EditTypeTitle   EditType = "title"
	EditTypeCell    EditType = "cell"
	EditTypeFormula EditType = "formula"
)

// EditSyncStatus is the replay state of an offline edit.
type EditSyncStatus string

const (
	EditSyncStatusPending EditSyncStatus = "pending"
	EditSyncStatusSyncing EditSyncStatus = "syncing"
	EditSyncStatusSynced  EditSyncStatus = "synced"
	EditSyncStatusFailed  EditSyncStatus = "failed"
)

// EditData is the payload of an offline edit; which fields are set depends
// on the edit type.
type EditData struct {
	Content       *string     `json:"content,omitempty"`
	Title         *string     `json:"title,omitempty"`
	CellRef       string      `json:"cell_ref,omitempty"`
	CellValue     interface{} `json:"cell_value,omitempty"`
	Formula       string      `json:"formula,omitempty"`
	PreviousValue interface{} `json:"previous_value,omitempty"`
}

// OfflineEdit is a granular, replayable mutation captured while offline.
type OfflineEdit struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"` // insertion order
	FileID     string         `json:"file_id"`
	FileType   EditFileType   `json:"file_type"`
	EditType   EditType       `json:"edit_type"`
	Timestamp  time.Time      `json:"timestamp"`
	Data       EditData       `json:"data"`
	SyncStatus EditSyncStatus `json:"sync_status"`
	RetryCount int            `json:"retry_count"`
	Error      string         `json:"error,omitempty"`
}

// EditQueueStatus summarizes the edit journal.
type EditQueueStatus struct {
	TotalEdits      int        `json:"total_edits"`
	PendingEdits    int        `json:"pending_edits"`
	FailedEdits     int        `json:"failed_edits"`
	IsProcessing    bool       `json:"is_processing"`
	LastSyncAttempt *time.Time `json:"last_sync_attempt,omitempty"`
}

// Cell is one spreadsheet cell in the offline representation.
type Cell struct {
	Value   interface{} `json:"value"`
	Formula string      `json:"formula,omitempty"`
}

// SpreadsheetData is the offline representation of a spreadsheet.
type SpreadsheetData struct {
	Cells map[string]Cell `json:"cells"`
}

// ProgressStatus is the state of one file within a reconciliation pass.
type ProgressStatus string

const (
	ProgressPending   ProgressStatus = "pending"
	ProgressSyncing   ProgressStatus = "syncing"
	ProgressCompleted ProgressStatus = "completed"
	ProgressFailed    ProgressStatus = "failed"
	ProgressConflict  ProgressStatus = "conflict"
)

// SyncProgress is emitted per file during a pass.
type SyncProgress struct {
	FileID   string         `json:"file_id"`
	FileName string         `json:"file_name"`
	Status   ProgressStatus `json:"status"`
	Progress int            `json:"progress"` // 0-100
	Error    string         `json:"error,omitempty"`
	Conflict *SyncConflict  `json:"conflict,omitempty"`
}

// TypeUsage is the offline footprint of one file category.
type TypeUsage struct {
	Size  int64 `json:"size"`
	Count int   `json:"count"`
}

// SpaceCheck is the answer to "can this many bytes be downloaded now".
type SpaceCheck struct {
	CanDownload bool   `json:"can_download"`
	Message     string `json:"message,omitempty"`
}

// FileError records a per-file failure in a pass.
type FileError struct {
	FileID string `json:"file_id"`
	Error  string `json:"error"`
}

// SyncResult aggregates one reconciliation pass.
type SyncResult struct {
	TotalFiles    int             `json:"total_files"`
	SyncedFiles   int             `json:"synced_files"`
	FailedFiles   int             `json:"failed_files"`
	ConflictFiles int             `json:"conflict_files"`
	Conflicts     []*SyncConflict `json:"conflicts"`
	Errors        []FileError     `json:"errors"`
}

// SyncStatus is the engine's read model.
type SyncStatus struct {
	IsOnline      bool       `json:"is_online"`
	IsSyncing     bool       `json:"is_syncing"`
	LastSyncTime  *time.Time `json:"last_sync_time,omitempty"`
	PendingFiles  int        `json:"pending_files"`
	ConflictFiles int        `json:"conflict_files"`
	FailedFiles   int        `json:"failed_files"`
	NextSyncTime  *time.Time `json:"next_sync_time,omitempty"`
}

// SyncManagerStatus merges engine status and queue stats.
type SyncManagerStatus struct {
	IsOnline        bool            `json:"is_online"`
	IsSyncing       bool            `json:"is_syncing"`
	LastSyncTime    *time.Time      `json:"last_sync_time,omitempty"`
	NextSyncTime    *time.Time      `json:"next_sync_time,omitempty"`
	SyncStats       SyncStatus      `json:"sync_stats"`
	QueueStats      SyncQueueStats  `json:"queue_stats"`
	EditStats       EditQueueStatus `json:"edit_stats"`
	AutoSyncEnabled bool            `json:"auto_sync_enabled"`
	SyncInterval    time.Duration   `json:"sync_interval"`
	ActiveDownloads []string        `json:"active_downloads,omitempty"`
}

// SyncStatistics is a coarse summary for dashboards.
type SyncStatistics struct {
	TotalFilesSynced  int `json:"total_files_synced"`
	TotalFilesInQueue int `json:"total_files_in_queue"`
	TotalConflicts    int `json:"total_conflicts"`
	TotalErrors       int `json:"total_errors"`
}
