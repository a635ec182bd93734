package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudfs/cloudsync/internal/model"
)

func TestEditJournal_DocumentReconstruction(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("doc1", "Doc", "remote base", t0)

	content, err := env.journal.GetOfflineDocumentContent(env.ctx, "doc1")
	require.NoError(t, err)
	require.NotNil(t, content)
	assert.Equal(t, "remote base", *content)

	require.NoError(t, env.journal.SaveDocumentContentOffline(env.ctx, "doc1", "draft 1", ""))
	require.NoError(t, env.journal.SaveDocumentContentOffline(env.ctx, "doc1", "draft 2", "Renamed"))

	content, err = env.journal.GetOfflineDocumentContent(env.ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "draft 2", *content)
	assert.Equal(t, model.FileSyncStatusModified, env.mustFile("doc1").SyncStatus)

	edits, err := env.journal.GetPendingEdits(env.ctx, "doc1")
	require.NoError(t, err)
	require.Len(t, edits, 3)
	assert.Equal(t, model.EditTypeContent, edits[0].EditType)
	assert.Equal(t, model.EditTypeContent, edits[1].EditType)
	assert.Equal(t, model.EditTypeTitle, edits[2].EditType)
	assert.Less(t, edits[0].Seq, edits[1].Seq)

	none, err := env.journal.GetOfflineDocumentContent(env.ctx, "not-offline")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestEditJournal_SpreadsheetOverlay(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("sheet1", "Budget", "{}", t0)

	require.NoError(t, env.journal.SaveSpreadsheetCellOffline(env.ctx, "sheet1", "A1", 10.0, ""))
	require.NoError(t, env.journal.SaveSpreadsheetCellOffline(env.ctx, "sheet1", "B1", 20.0, ""))
	require.NoError(t, env.journal.SaveSpreadsheetCellOffline(env.ctx, "sheet1", "A1", 15.0, "=B1-5"))

	data, err := env.journal.GetOfflineSpreadsheetData(env.ctx, "sheet1")
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, model.Cell{Value: 15.0, Formula: "=B1-5"}, data.Cells["A1"])
	assert.Equal(t, model.Cell{Value: 20.0}, data.Cells["B1"])

	edits, err := env.journal.GetPendingEdits(env.ctx, "sheet1")
	require.NoError(t, err)
	require.Len(t, edits, 4)
	assert.Equal(t, model.EditTypeFormula, edits[3].EditType)
	assert.Equal(t, 10.0, edits[2].Data.PreviousValue)

	require.NoError(t, env.journal.SyncPendingEdits(env.ctx))
	assert.Equal(t, 15.0, env.sheets.cells["sheet1!A1"])
	assert.Equal(t, 20.0, env.sheets.cells["sheet1!B1"])
	assert.Equal(t, "=B1-5", env.sheets.formulas["sheet1!A1"])

	require.Error(t, env.journal.SaveSpreadsheetCellOffline(env.ctx, "sheet1", "", 1.0, ""))
}

func TestEditJournal_DropsAfterRetries(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("doc1", "Doc", "base", t0)
	env.docs.failWith = errBoom

	require.NoError(t, env.journal.SaveDocumentContentOffline(env.ctx, "doc1", "draft", ""))

	for i := 1; i < DefaultEditMaxRetries; i++ {
		require.NoError(t, env.journal.SyncPendingEdits(env.ctx))
		edits, err := env.journal.GetAllPendingEdits(env.ctx)
		require.NoError(t, err)
		require.Len(t, edits, 1)
		assert.Equal(t, model.EditSyncStatusFailed, edits[0].SyncStatus)
		assert.Equal(t, i, edits[0].RetryCount)
		assert.Equal(t, "boom", edits[0].Error)
	}

	require.NoError(t, env.journal.SyncPendingEdits(env.ctx))
	edits, err := env.journal.GetAllPendingEdits(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, edits)
	assert.Equal(t, DefaultEditMaxRetries, env.docs.calls)

	status, err := env.journal.GetWorkQueueStatus(env.ctx)
	require.NoError(t, err)
	assert.Zero(t, status.TotalEdits)
	assert.NotNil(t, status.LastSyncAttempt)
	assert.False(t, status.IsProcessing)
}

func TestEditJournal_BoundedSize(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("doc1", "Doc", "base", t0)
	env.journal.UpdateConfig(JournalConfig{MaxQueueSize: 3})

	for _, c := range []string{"one", "two", "three", "four", "five"} {
		require.NoError(t, env.journal.SaveDocumentContentOffline(env.ctx, "doc1", c, ""))
	}

	edits, err := env.journal.GetAllPendingEdits(env.ctx)
	require.NoError(t, err)
	require.Len(t, edits, 3)
	assert.Equal(t, "three", *edits[0].Data.Content)
	assert.Equal(t, "five", *edits[2].Data.Content)

	// Synced edits go first.
	require.NoError(t, env.journal.SyncPendingEdits(env.ctx))
	require.NoError(t, env.journal.SaveDocumentContentOffline(env.ctx, "doc1", "six", ""))

	edits, err = env.journal.GetAllPendingEdits(env.ctx)
	require.NoError(t, err)
	require.Len(t, edits, 1)
	assert.Equal(t, "six", *edits[0].Data.Content)
	assert.Equal(t, 3, env.journal.Config().MaxQueueSize)
	assert.Equal(t, DefaultEditMaxRetries, env.journal.Config().MaxRetries)
}

func TestEditJournal_ClearOfflineEdits(t *testing.T) {
	env := newTestEnv(t, StoreConfig{})
	env.download("doc1", "Doc", "base", t0)
	require.NoError(t, env.journal.SaveDocumentContentOffline(env.ctx, "doc1", "draft", "Title"))

	require.NoError(t, env.journal.ClearOfflineEdits(env.ctx, "doc1"))

	edits, err := env.journal.GetPendingEdits(env.ctx, "doc1")
	require.NoError(t, err)
	assert.Empty(t, edits)

	// Falls back to the blob, which still holds the written-through draft.
	content, err := env.journal.GetOfflineDocumentContent(env.ctx, "doc1")
	require.NoError(t, err)
	assert.Equal(t, "draft", *content)
}
