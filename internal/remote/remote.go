// Package remote defines the remote file API consumed by the sync core.
// The remote store is the single source of truth; the core never talks to a
// backend except through these interfaces.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Failure classes. Implementations wrap one of these so callers can tell
// "not found" from "transport" from "auth" with errors.Is.
var (
	ErrNotFound  = errors.New("remote: not found")
	ErrTransport = errors.New("remote: transport error")
	ErrAuth      = errors.New("remote: authentication failed")
)

// Error carries the failed operation and the file it targeted.
type Error struct {
	Op     string
	FileID string
	Kind   error // one of ErrNotFound, ErrTransport, ErrAuth
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.FileID, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.FileID, e.Kind)
}

// Unwrap exposes both the failure class and the cause.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// FileMetadata is the remote view of a file.
type FileMetadata struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	MimeType  string    `json:"mime_type,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	IsFolder  bool      `json:"is_folder,omitempty"`
}

// DownloadResult returned after a blob transfer.
// StatusCode follows HTTP semantics; anything other than 200 is a failure.
type DownloadResult struct {
	LocalPath  string `json:"local_path"`
	StatusCode int    `json:"status_code"`
	Size       int64  `json:"size"`
}

// FileAPI is the remote file API.
type FileAPI interface {
	// GetFileMetadata returns name, size and last update time.
	GetFileMetadata(ctx context.Context, fileID string) (*FileMetadata, error)

	// GetFileContent returns the file content as text.
	GetFileContent(ctx context.Context, fileID string) (string, error)

	// UpdateFileContent replaces the remote content.
	UpdateFileContent(ctx context.Context, fileID string, content string) error

	// DownloadURL returns a location Download can fetch.
	DownloadURL(ctx context.Context, fileID string) (string, error)

	// Download fetches url into localPath. Cancelling ctx aborts the transfer.
	Download(ctx context.Context, url string, localPath string) (*DownloadResult, error)
}

// FileLister lists remote files for auto-download. Optional: backends that
// cannot list leave it nil.
type FileLister interface {
	ListStarredFiles(ctx context.Context) ([]FileMetadata, error)
	ListRecentFiles(ctx context.Context, limit int) ([]FileMetadata, error)
}

// DocumentAPI replays document edits.
type DocumentAPI interface {
	SaveDocumentContent(ctx context.Context, documentID string, content string) error
	UpdateDocumentTitle(ctx context.Context, documentID string, title string) error
}

// SpreadsheetAPI replays spreadsheet edits.
type SpreadsheetAPI interface {
	UpdateCell(ctx context.Context, spreadsheetID string, cellRef string, value interface{}) error
	UpdateFormula(ctx context.Context, spreadsheetID string, cellRef string, formula string) error
}
