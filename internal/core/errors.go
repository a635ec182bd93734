package core

import (
	"errors"
	"fmt"
)

// Pass-level and store-level failures.
var (
	// ErrOffline is returned when an operation needs connectivity and none is available.
	ErrOffline = errors.New("cannot sync while offline")

	// ErrAlreadyInProgress is returned for a non-forced pass while another pass runs.
	ErrAlreadyInProgress = errors.New("sync already in progress")

	// ErrInsufficientStorage means the quota is exceeded even after eviction.
	ErrInsufficientStorage = errors.New("insufficient storage space for offline download")

	// ErrFileTooLarge means a single file exceeds the per-file limit.
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")

	// ErrNotOffline is returned when a file has no offline copy.
	ErrNotOffline = errors.New("file not available offline")

	// ErrDownloadInProgress is returned when the same file is already downloading.
	ErrDownloadInProgress = errors.New("file is already being downloaded")

	// ErrQueueItemNotFound is returned for unknown queue ids.
	ErrQueueItemNotFound = errors.New("queue item not found")
)

// DownloadFailedError reports a transport-level download failure.
// StatusCode is zero when the transfer never produced a response.
type DownloadFailedError struct {
	FileID     string
	StatusCode int
	Err        error
}

func (e *DownloadFailedError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("failed to download file %s: %v", e.FileID, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("failed to download file %s: download failed with status: %d", e.FileID, e.StatusCode)
	default:
		return fmt.Sprintf("failed to download file %s: downloaded file not found", e.FileID)
	}
}

func (e *DownloadFailedError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError is returned by ForceSyncWithRetry after the last attempt.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("sync failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}
