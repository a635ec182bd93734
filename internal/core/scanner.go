package core

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Scanner runs report-only consistency checks over the offline store.
// It never mutates rows or blobs.
type Scanner struct {
	db      *sql.DB
	blobDir string
	now     func() time.Time
}

// NewScanner creates a scanner for db and the blob directory.
func NewScanner(db *sql.DB, blobDir string) *Scanner {
	return &Scanner{db: db, blobDir: blobDir, now: time.Now}
}

// Finding severities.
const (
	SeverityOK      = "ok"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// ScanResult contains scan findings.
type ScanResult struct {
	ScanTime     time.Time     `json:"scan_time"`
	TotalItems   int           `json:"total_items"`
	OKCount      int           `json:"ok_count"`
	WarningCount int           `json:"warning_count"`
	ErrorCount   int           `json:"error_count"`
	Findings     []ScanFinding `json:"findings"`
}

// ScanFinding is an individual finding.
type ScanFinding struct {
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Path        string `json:"path,omitempty"`
	FileID      string `json:"file_id,omitempty"`
	Suggestion  string `json:"suggestion,omitempty"`
}

func (r *ScanResult) add(f ScanFinding) {
	switch f.Severity {
	case SeverityOK:
		r.OKCount++
	case SeverityWarning:
		r.WarningCount++
	default:
		r.ErrorCount++
	}
	r.Findings = append(r.Findings, f)
}

// Healthy reports whether the scan found no errors.
func (r *ScanResult) Healthy() bool {
	return r.ErrorCount == 0
}

// Scan checks schema, row/blob agreement, the queue and the edit journal.
func (s *Scanner) Scan(ctx context.Context) (*ScanResult, error) {
	result := &ScanResult{ScanTime: s.now()}

	var version string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM index_meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case err == sql.ErrNoRows:
		result.add(ScanFinding{
			Severity:    SeverityError,
			Category:    "schema",
			Description: "Missing schema version",
			Suggestion:  "Reinitialize with 'cloudsync init'",
		})
	case err != nil:
		return nil, fmt.Errorf("failed to read schema version: %w", err)
	default:
		result.add(ScanFinding{Severity: SeverityOK, Category: "schema", Description: "Schema version: " + version})
	}

	if err := s.scanFiles(ctx, result); err != nil {
		return nil, err
	}
	if err := s.scanQueue(ctx, result); err != nil {
		return nil, err
	}
	if err := s.scanEdits(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Scanner) scanFiles(ctx context.Context, result *ScanResult) error {
	rows, err := s.db.QueryContext(ctx, `SELECT file_id, local_path, size, sync_status, last_modified FROM offline_files`)
	if err != nil {
		return fmt.Errorf("failed to list offline files: %w", err)
	}
	defer rows.Close()

	known := make(map[string]bool)
	var total int64
	stale := s.now().Add(-failedAfter)
	for rows.Next() {
		var fileID, path, status, lastModified string
		var size int64
		if err := rows.Scan(&fileID, &path, &size, &status, &lastModified); err != nil {
			return fmt.Errorf("failed to scan offline file: %w", err)
		}
		result.TotalItems++
		total += size
		known[filepath.Clean(path)] = true

		info, err := os.Stat(path)
		switch {
		case err != nil:
			result.add(ScanFinding{
				Severity:    SeverityError,
				Category:    "blobs",
				Description: "Offline row has no blob",
				Path:        path,
				FileID:      fileID,
				Suggestion:  "Remove it with 'cloudsync rm' and download again",
			})
		case info.Size() != size:
			result.add(ScanFinding{
				Severity:    SeverityWarning,
				Category:    "blobs",
				Description: fmt.Sprintf("Blob size %d differs from recorded size %d", info.Size(), size),
				Path:        path,
				FileID:      fileID,
			})
		}

		if status == "modified" && parseTime(lastModified).Before(stale) {
			result.add(ScanFinding{
				Severity:    SeverityWarning,
				Category:    "sync",
				Description: "Local changes unsynced for over 24h",
				FileID:      fileID,
				Suggestion:  "Run 'cloudsync sync --force'",
			})
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	result.add(ScanFinding{
		Severity:    SeverityOK,
		Category:    "files",
		Description: fmt.Sprintf("Offline files: %d (%s)", result.TotalItems, FormatSize(total)),
	})

	entries, err := os.ReadDir(s.blobDir)
	if err != nil {
		result.add(ScanFinding{
			Severity:    SeverityError,
			Category:    "blobs",
			Description: "Blob directory is not readable",
			Path:        s.blobDir,
		})
		return nil
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Clean(filepath.Join(s.blobDir, e.Name()))
		if !known[path] {
			result.add(ScanFinding{
				Severity:    SeverityWarning,
				Category:    "blobs",
				Description: "Blob has no offline row",
				Path:        path,
			})
		}
	}
	return nil
}

func (s *Scanner) scanQueue(ctx context.Context, result *ScanResult) error {
	var processing, failed int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM sync_queue
	`).Scan(&processing, &failed)
	if err != nil {
		return fmt.Errorf("failed to scan queue: %w", err)
	}

	if processing > 0 {
		result.add(ScanFinding{
			Severity:    SeverityWarning,
			Category:    "queue",
			Description: fmt.Sprintf("%d queue items left processing", processing),
			Suggestion:  "They return to pending when processing restarts",
		})
	}
	if failed > 0 {
		result.add(ScanFinding{
			Severity:    SeverityWarning,
			Category:    "queue",
			Description: fmt.Sprintf("%d queue items failed permanently", failed),
			Suggestion:  "Inspect with 'cloudsync queue list'",
		})
	}
	if processing == 0 && failed == 0 {
		result.add(ScanFinding{Severity: SeverityOK, Category: "queue", Description: "Queue is clean"})
	}
	return nil
}

func (s *Scanner) scanEdits(ctx context.Context, result *ScanResult) error {
	var orphaned int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offline_edits e
		LEFT JOIN offline_files f ON e.file_id = f.file_id
		WHERE f.file_id IS NULL AND e.sync_status != 'synced'
	`).Scan(&orphaned)
	if err != nil {
		return fmt.Errorf("failed to scan edits: %w", err)
	}

	if orphaned > 0 {
		result.add(ScanFinding{
			Severity:    SeverityWarning,
			Category:    "edits",
			Description: fmt.Sprintf("%d unsynced edits for files no longer offline", orphaned),
			Suggestion:  "Replay with 'cloudsync edits sync' or drop with 'cloudsync edits clear'",
		})
	} else {
		result.add(ScanFinding{Severity: SeverityOK, Category: "edits", Description: "Edit journal is consistent"})
	}
	return nil
}

// FormatSize renders a byte count with a binary unit.
func FormatSize(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
