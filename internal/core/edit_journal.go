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
	"github.com/cloudfs/cloudsync/internal/remote"
)

// Journal defaults.
const (
	DefaultEditMaxRetries   = 3
	DefaultEditMaxQueueSize = 100
)

// JournalConfig bounds the edit journal.
type JournalConfig struct {
	MaxRetries   int
	MaxQueueSize int
}

// EditJournal records granular edits made offline and replays them later.
//
// INVARIANTS:
// - Edits replay in insertion order (seq)
// - Unsynced edits are the source of truth for reconstruction
// - Size is bounded: synced edits are evicted first, then the oldest
// - An edit that exhausts its retries is DROPPED, not kept as failed
type EditJournal struct {
	db      *sql.DB
	store   *OfflineStore
	docs    remote.DocumentAPI
	sheets  remote.SpreadsheetAPI
	logger  *zap.Logger
	metrics *metrics.Recorder

	mu  sync.Mutex // guards cfg and append+evict
	cfg JournalConfig

	processing  atomic.Bool
	lastAttempt atomic.Pointer[time.Time]

	now func() time.Time
}

// NewEditJournal creates a journal. docs or sheets may be nil; replaying an
// edit for a missing API fails like any other remote error.
func NewEditJournal(db *sql.DB, store *OfflineStore, docs remote.DocumentAPI, sheets remote.SpreadsheetAPI, cfg JournalConfig, logger *zap.Logger, rec *metrics.Recorder) *EditJournal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EditJournal{
		db:      db,
		store:   store,
		docs:    docs,
		sheets:  sheets,
		logger:  logger.Named("journal"),
		metrics: rec,
		cfg:     normalizeJournalConfig(cfg),
		now:     time.Now,
	}
}

func normalizeJournalConfig(cfg JournalConfig) JournalConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultEditMaxRetries
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultEditMaxQueueSize
	}
	return cfg
}

// UpdateConfig replaces the non-zero fields of cfg.
func (j *EditJournal) UpdateConfig(cfg JournalConfig) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if cfg.MaxRetries > 0 {
		j.cfg.MaxRetries = cfg.MaxRetries
	}
	if cfg.MaxQueueSize > 0 {
		j.cfg.MaxQueueSize = cfg.MaxQueueSize
	}
}

// Config returns the current configuration.
func (j *EditJournal) Config() JournalConfig {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cfg
}

// SaveDocumentContentOffline writes content through to local storage, then
// appends a content edit and, when title is non-empty, a title edit.
func (j *EditJournal) SaveDocumentContentOffline(ctx context.Context, documentID, content, title string) error {
	if err := j.putBase(ctx, documentID, model.EditFileTypeDocument, content, title); err != nil {
		return err
	}
	if err := j.writeThrough(ctx, documentID, content); err != nil {
		return err
	}

	c := content
	if err := j.append(ctx, documentID, model.EditFileTypeDocument, model.EditTypeContent, model.EditData{Content: &c}); err != nil {
		return err
	}
	if title != "" {
		t := title
		if err := j.append(ctx, documentID, model.EditFileTypeDocument, model.EditTypeTitle, model.EditData{Title: &t}); err != nil {
			return err
		}
	}

	return j.store.MarkModified(ctx, documentID)
}

// SaveSpreadsheetCellOffline patches one cell in the stored spreadsheet and
// appends a cell edit, plus a formula edit when formula is non-empty.
func (j *EditJournal) SaveSpreadsheetCellOffline(ctx context.Context, spreadsheetID, cellRef string, value interface{}, formula string) error {
	if cellRef == "" {
		return fmt.Errorf("cell reference is required")
	}

	data, err := j.GetOfflineSpreadsheetData(ctx, spreadsheetID)
	if err != nil {
		return err
	}
	if data == nil {
		data = &model.SpreadsheetData{}
	}
	if data.Cells == nil {
		data.Cells = make(map[string]model.Cell)
	}

	var previous interface{}
	if cell, ok := data.Cells[cellRef]; ok {
		previous = cell.Value
	}
	data.Cells[cellRef] = model.Cell{Value: value, Formula: formula}

	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode spreadsheet: %w", err)
	}
	if err := j.putBase(ctx, spreadsheetID, model.EditFileTypeSpreadsheet, string(encoded), ""); err != nil {
		return err
	}

	cellEdit := model.EditData{CellRef: cellRef, CellValue: value, Formula: formula, PreviousValue: previous}
	if err := j.append(ctx, spreadsheetID, model.EditFileTypeSpreadsheet, model.EditTypeCell, cellEdit); err != nil {
		return err
	}
	if formula != "" {
		formulaEdit := model.EditData{CellRef: cellRef, Formula: formula}
		if err := j.append(ctx, spreadsheetID, model.EditFileTypeSpreadsheet, model.EditTypeFormula, formulaEdit); err != nil {
			return err
		}
	}

	return j.store.MarkModified(ctx, spreadsheetID)
}

// GetOfflineDocumentContent returns the latest unsynced content edit, else
// the offline blob, else the stored base. Journal saves write through to the
// blob, so the blob also reflects edits made directly on the file. Nil when
// the document is not available offline.
func (j *EditJournal) GetOfflineDocumentContent(ctx context.Context, documentID string) (*string, error) {
	available, err := j.store.IsFileAvailableOffline(ctx, documentID)
	if err != nil || !available {
		return nil, err
	}

	edits, err := j.unsynced(ctx, documentID, model.EditTypeContent)
	if err != nil {
		return nil, err
	}
	for i := len(edits) - 1; i >= 0; i-- {
		if edits[i].Data.Content != nil {
			return edits[i].Data.Content, nil
		}
	}

	content, err := j.store.ReadContent(ctx, documentID)
	if err != nil || content != nil {
		return content, err
	}
	base, ok, err := j.getBase(ctx, documentID, model.EditFileTypeDocument)
	if err != nil || !ok {
		return nil, err
	}
	return &base, nil
}

// GetOfflineSpreadsheetData returns the stored spreadsheet with unsynced cell
// and formula edits applied, last write wins per cell. Nil when the
// spreadsheet is not available offline or was never saved.
func (j *EditJournal) GetOfflineSpreadsheetData(ctx context.Context, spreadsheetID string) (*model.SpreadsheetData, error) {
	available, err := j.store.IsFileAvailableOffline(ctx, spreadsheetID)
	if err != nil || !available {
		return nil, err
	}

	base, ok, err := j.getBase(ctx, spreadsheetID, model.EditFileTypeSpreadsheet)
	if err != nil || !ok {
		return nil, err
	}

	var data model.SpreadsheetData
	if err := json.Unmarshal([]byte(base), &data); err != nil {
		return nil, fmt.Errorf("failed to decode spreadsheet: %w", err)
	}
	if data.Cells == nil {
		data.Cells = make(map[string]model.Cell)
	}

	edits, err := j.unsynced(ctx, spreadsheetID, model.EditTypeCell, model.EditTypeFormula)
	if err != nil {
		return nil, err
	}
	for _, e := range edits {
		if e.Data.CellRef == "" {
			continue
		}
		cell := data.Cells[e.Data.CellRef]
		switch e.EditType {
		case model.EditTypeCell:
			cell = model.Cell{Value: e.Data.CellValue, Formula: e.Data.Formula}
		case model.EditTypeFormula:
			cell.Formula = e.Data.Formula
		}
		data.Cells[e.Data.CellRef] = cell
	}
	return &data, nil
}

// SettleDocument records content as the agreed base after a successful
// file sync and discards unsynced content edits it supersedes.
func (j *EditJournal) SettleDocument(ctx context.Context, documentID, content string) error {
	if err := j.putBase(ctx, documentID, model.EditFileTypeDocument, content, ""); err != nil {
		return err
	}
	_, err := j.db.ExecContext(ctx, `
		DELETE FROM offline_edits
		WHERE file_id = ? AND file_type = 'document' AND edit_type = 'content' AND sync_status != 'synced'
	`, documentID)
	if err != nil {
		return fmt.Errorf("failed to settle document edits: %w", err)
	}
	return nil
}

// SyncPendingEdits replays pending and failed edits in insertion order.
// A concurrent call returns immediately.
func (j *EditJournal) SyncPendingEdits(ctx context.Context) error {
	if !j.processing.CompareAndSwap(false, true) {
		j.logger.Warn("edit replay already in progress")
		return nil
	}
	defer j.processing.Store(false)

	now := j.now()
	j.lastAttempt.Store(&now)

	edits, err := j.list(ctx, `WHERE sync_status IN ('pending', 'failed') ORDER BY seq ASC`)
	if err != nil {
		return err
	}

	maxRetries := j.Config().MaxRetries
	for _, edit := range edits {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.setStatus(ctx, edit.ID, model.EditSyncStatusSyncing, edit.RetryCount, ""); err != nil {
			return err
		}

		if err := j.replay(ctx, edit); err != nil {
			retries := edit.RetryCount + 1
			if retries >= maxRetries {
				j.logger.Warn("dropping offline edit after retries",
					zap.String("edit_id", edit.ID),
					zap.String("file_id", edit.FileID),
					zap.String("edit_type", string(edit.EditType)),
					zap.Int("retries", retries),
					zap.Error(err),
				)
				if _, derr := j.db.ExecContext(ctx, `DELETE FROM offline_edits WHERE id = ?`, edit.ID); derr != nil {
					return fmt.Errorf("failed to drop edit: %w", derr)
				}
				j.metrics.EditReplay("dropped")
				continue
			}

			j.logger.Warn("offline edit replay failed",
				zap.String("edit_id", edit.ID),
				zap.Int("retries", retries),
				zap.Error(err),
			)
			if serr := j.setStatus(ctx, edit.ID, model.EditSyncStatusFailed, retries, err.Error()); serr != nil {
				return serr
			}
			j.metrics.EditReplay("retry")
			continue
		}

		if err := j.setStatus(ctx, edit.ID, model.EditSyncStatusSynced, edit.RetryCount, ""); err != nil {
			return err
		}
		j.metrics.EditReplay("synced")
	}
	return nil
}

func (j *EditJournal) replay(ctx context.Context, edit *model.OfflineEdit) error {
	switch edit.FileType {
	case model.EditFileTypeDocument:
		if j.docs == nil {
			return fmt.Errorf("no document API configured")
		}
		switch edit.EditType {
		case model.EditTypeContent:
			if edit.Data.Content == nil {
				return nil
			}
			return j.docs.SaveDocumentContent(ctx, edit.FileID, *edit.Data.Content)
		case model.EditTypeTitle:
			if edit.Data.Title == nil {
				return nil
			}
			return j.docs.UpdateDocumentTitle(ctx, edit.FileID, *edit.Data.Title)
		}
	case model.EditFileTypeSpreadsheet:
		if j.sheets == nil {
			return fmt.Errorf("no spreadsheet API configured")
		}
		switch edit.EditType {
		case model.EditTypeCell:
			if edit.Data.CellRef == "" {
				return nil
			}
			return j.sheets.UpdateCell(ctx, edit.FileID, edit.Data.CellRef, edit.Data.CellValue)
		case model.EditTypeFormula:
			if edit.Data.CellRef == "" || edit.Data.Formula == "" {
				return nil
			}
			return j.sheets.UpdateFormula(ctx, edit.FileID, edit.Data.CellRef, edit.Data.Formula)
		}
	}
	return fmt.Errorf("unknown %s edit type: %s", edit.FileType, edit.EditType)
}

// GetPendingEdits returns every journaled edit for fileID in insertion order.
func (j *EditJournal) GetPendingEdits(ctx context.Context, fileID string) ([]*model.OfflineEdit, error) {
	return j.list(ctx, `WHERE file_id = ? ORDER BY seq ASC`, fileID)
}

// GetAllPendingEdits returns every journaled edit in insertion order.
func (j *EditJournal) GetAllPendingEdits(ctx context.Context) ([]*model.OfflineEdit, error) {
	return j.list(ctx, `ORDER BY seq ASC`)
}

// GetWorkQueueStatus summarizes the journal.
func (j *EditJournal) GetWorkQueueStatus(ctx context.Context) (*model.EditQueueStatus, error) {
	var total int
	var pending, failed sql.NullInt64
	err := j.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       SUM(CASE WHEN sync_status = 'pending' THEN 1 ELSE 0 END),
		       SUM(CASE WHEN sync_status = 'failed' THEN 1 ELSE 0 END)
		FROM offline_edits
	`).Scan(&total, &pending, &failed)
	if err != nil {
		return nil, fmt.Errorf("failed to get edit queue status: %w", err)
	}

	status := &model.EditQueueStatus{
		TotalEdits:   total,
		PendingEdits: int(pending.Int64),
		FailedEdits:  int(failed.Int64),
		IsProcessing: j.processing.Load(),
	}
	if t := j.lastAttempt.Load(); t != nil {
		v := *t
		status.LastSyncAttempt = &v
	}
	return status, nil
}

// ClearOfflineEdits drops every edit and stored base for fileID.
func (j *EditJournal) ClearOfflineEdits(ctx context.Context, fileID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_edits WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to clear edits: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM offline_documents WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("failed to clear offline documents: %w", err)
	}
	return tx.Commit()
}

// append inserts an edit, evicting to stay within MaxQueueSize.
func (j *EditJournal) append(ctx context.Context, fileID string, fileType model.EditFileType, editType model.EditType, data model.EditData) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode edit: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.evictLocked(ctx, j.cfg.MaxQueueSize); err != nil {
		return err
	}

	_, err = j.db.ExecContext(ctx, `
		INSERT INTO offline_edits (id, file_id, file_type, edit_type, timestamp, data, sync_status, retry_count)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0)
	`, uuid.New().String(), fileID, string(fileType), string(editType), formatTime(j.now()), string(encoded))
	if err != nil {
		return fmt.Errorf("failed to append edit: %w", err)
	}
	return nil
}

// evictLocked makes room for one more edit under limit.
func (j *EditJournal) evictLocked(ctx context.Context, limit int) error {
	count, err := j.count(ctx)
	if err != nil || count < limit {
		return err
	}

	if _, err := j.db.ExecContext(ctx, `DELETE FROM offline_edits WHERE sync_status = 'synced'`); err != nil {
		return fmt.Errorf("failed to evict synced edits: %w", err)
	}

	count, err = j.count(ctx)
	if err != nil || count < limit {
		return err
	}

	excess := count - limit + 1
	_, err = j.db.ExecContext(ctx, `
		DELETE FROM offline_edits WHERE seq IN (SELECT seq FROM offline_edits ORDER BY seq ASC LIMIT ?)
	`, excess)
	if err != nil {
		return fmt.Errorf("failed to evict oldest edits: %w", err)
	}
	j.logger.Warn("edit journal full, evicted oldest edits", zap.Int("evicted", excess))
	return nil
}

func (j *EditJournal) count(ctx context.Context) (int, error) {
	var n int
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM offline_edits`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count edits: %w", err)
	}
	return n, nil
}

// writeThrough updates the offline blob when the document is offline.
func (j *EditJournal) writeThrough(ctx context.Context, fileID, content string) error {
	file, err := j.store.GetOfflineFile(ctx, fileID)
	if err != nil || file == nil {
		return err
	}
	return j.store.WriteContent(ctx, fileID, content)
}

func (j *EditJournal) putBase(ctx context.Context, fileID string, fileType model.EditFileType, content, title string) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO offline_documents (file_id, file_type, content, title, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(file_id, file_type) DO UPDATE SET
			content = excluded.content,
			title = COALESCE(excluded.title, offline_documents.title),
			updated_at = excluded.updated_at
	`, fileID, string(fileType), content, nullString(title), formatTime(j.now()))
	if err != nil {
		return fmt.Errorf("failed to save offline %s: %w", fileType, err)
	}
	return nil
}

func (j *EditJournal) getBase(ctx context.Context, fileID string, fileType model.EditFileType) (string, bool, error) {
	var content string
	err := j.db.QueryRowContext(ctx, `
		SELECT content FROM offline_documents WHERE file_id = ? AND file_type = ?
	`, fileID, string(fileType)).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load offline %s: %w", fileType, err)
	}
	return content, true, nil
}

func (j *EditJournal) unsynced(ctx context.Context, fileID string, types ...model.EditType) ([]*model.OfflineEdit, error) {
	edits, err := j.list(ctx, `WHERE file_id = ? AND sync_status != 'synced' ORDER BY seq ASC`, fileID)
	if err != nil {
		return nil, err
	}
	out := edits[:0]
	for _, e := range edits {
		for _, t := range types {
			if e.EditType == t {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

func (j *EditJournal) setStatus(ctx context.Context, id string, status model.EditSyncStatus, retries int, errMsg string) error {
	_, err := j.db.ExecContext(ctx, `
		UPDATE offline_edits SET sync_status = ?, retry_count = ?, error = ? WHERE id = ?
	`, string(status), retries, nullString(errMsg), id)
	if err != nil {
		return fmt.Errorf("failed to update edit status: %w", err)
	}
	return nil
}

func (j *EditJournal) list(ctx context.Context, where string, args ...interface{}) ([]*model.OfflineEdit, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, id, file_id, file_type, edit_type, timestamp, data, sync_status, retry_count, error
		FROM offline_edits `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list edits: %w", err)
	}
	defer rows.Close()

	var edits []*model.OfflineEdit
	for rows.Next() {
		var e model.OfflineEdit
		var fileType, editType, ts, data, status string
		var errMsg sql.NullString
		if err := rows.Scan(&e.Seq, &e.ID, &e.FileID, &fileType, &editType, &ts, &data, &status, &e.RetryCount, &errMsg); err != nil {
			return nil, fmt.Errorf("failed to scan edit: %w", err)
		}
		e.FileType = model.EditFileType(fileType)
		e.EditType = model.EditType(editType)
		e.Timestamp = parseTime(ts)
		e.SyncStatus = model.EditSyncStatus(status)
		e.Error = errMsg.String
		if err := json.Unmarshal([]byte(data), &e.Data); err != nil {
			return nil, fmt.Errorf("failed to decode edit %s: %w", e.ID, err)
		}
		edits = append(edits, &e)
	}
	return edits, rows.Err()
}
