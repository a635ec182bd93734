package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/cloudfs/cloudsync/internal/model"
)

// RunEditsList prints journaled edits for one file or all files.
func RunEditsList(ctx context.Context, fileID string) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		var edits []*model.OfflineEdit
		var err error
		if fileID != "" {
			edits, err = a.Journal.GetPendingEdits(ctx, fileID)
		} else {
			edits, err = a.Journal.GetAllPendingEdits(ctx)
		}
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(edits)
		}
		if len(edits) == 0 {
			fmt.Println("No journaled edits.")
			return nil
		}

		fmt.Printf("Edits (%d):\n", len(edits))
		fmt.Println("Seq    File                  Type                 Status    Retries  When")
		fmt.Println("─────────────────────────────────────────────────────────────────────────────")
		for _, e := range edits {
			fmt.Printf("%-6d %-21s %-20s %-9s %-8d %s\n",
				e.Seq,
				truncate(e.FileID, 21),
				string(e.FileType)+"/"+string(e.EditType),
				e.SyncStatus,
				e.RetryCount,
				e.Timestamp.Local().Format("2006-01-02 15:04"))
			if verbose && e.Error != "" {
				fmt.Printf("       └ %s\n", e.Error)
			}
		}
		return nil
	})
}

// RunEditsDoc journals a document content and/or title edit.
func RunEditsDoc(ctx context.Context, stdin io.Reader, documentID, contentFile, title string) error {
	if contentFile == "" && title == "" {
		return fmt.Errorf("nothing to record: pass --content-file and/or --title")
	}
	return withApp(ctx, func(ctx context.Context, a *App) error {
		var content string
		if contentFile != "" {
			c, err := readSource(stdin, contentFile)
			if err != nil {
				return err
			}
			content = c
		} else {
			current, err := a.Journal.GetOfflineDocumentContent(ctx, documentID)
			if err != nil {
				return err
			}
			if current == nil {
				return fmt.Errorf("document %s is not available offline", documentID)
			}
			content = *current
		}
		if err := a.Journal.SaveDocumentContentOffline(ctx, documentID, content, title); err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("✓ Recorded edit for %s\n", documentID)
		}
		return nil
	})
}

// RunEditsCell journals a spreadsheet cell edit. Numeric values are stored as numbers.
func RunEditsCell(ctx context.Context, spreadsheetID, cellRef, value, formula string) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		var v interface{} = value
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			v = f
		}
		if err := a.Journal.SaveSpreadsheetCellOffline(ctx, spreadsheetID, cellRef, v, formula); err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("✓ Recorded %s!%s\n", spreadsheetID, cellRef)
		}
		return nil
	})
}

// RunEditsShow prints the reconstructed offline view.
func RunEditsShow(ctx context.Context, fileID string, sheet bool) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		if sheet {
			data, err := a.Journal.GetOfflineSpreadsheetData(ctx, fileID)
			if err != nil {
				return err
			}
			if data == nil {
				return fmt.Errorf("spreadsheet %s is not available offline", fileID)
			}
			if jsonOut {
				return printJSON(data)
			}
			refs := make([]string, 0, len(data.Cells))
			for ref := range data.Cells {
				refs = append(refs, ref)
			}
			sort.Strings(refs)
			for _, ref := range refs {
				cell := data.Cells[ref]
				if cell.Formula != "" {
					fmt.Printf("%-6s %v  (%s)\n", ref, cell.Value, cell.Formula)
				} else {
					fmt.Printf("%-6s %v\n", ref, cell.Value)
				}
			}
			return nil
		}

		content, err := a.Journal.GetOfflineDocumentContent(ctx, fileID)
		if err != nil {
			return err
		}
		if content == nil {
			return fmt.Errorf("document %s is not available offline", fileID)
		}
		fmt.Print(*content)
		return nil
	})
}

// RunEditsSync replays unsynced edits.
func RunEditsSync(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		if !a.Network.IsConnected(ctx) {
			return fmt.Errorf("remote is unreachable; edits stay journaled")
		}
		if err := a.Journal.SyncPendingEdits(ctx); err != nil {
			return err
		}
		status, err := a.Journal.GetWorkQueueStatus(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(status)
		}
		if !quiet {
			fmt.Printf("Edits: %d pending, %d failed, %d total\n", status.PendingEdits, status.FailedEdits, status.TotalEdits)
		}
		return nil
	})
}

// RunEditsClear drops journaled edits.
func RunEditsClear(ctx context.Context, fileID string, force bool) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		target := fileID
		if target == "" {
			target = "all files"
		}
		if !force && !ConfirmAction(fmt.Sprintf("Drop unsynced edits for %s?", target)) {
			fmt.Println("Cancelled.")
			return nil
		}
		fileIDs := []string{fileID}
		if fileID == "" {
			edits, err := a.Journal.GetAllPendingEdits(ctx)
			if err != nil {
				return err
			}
			fileIDs = fileIDs[:0]
			seen := make(map[string]bool)
			for _, e := range edits {
				if !seen[e.FileID] {
					seen[e.FileID] = true
					fileIDs = append(fileIDs, e.FileID)
				}
			}
		}
		for _, id := range fileIDs {
			if err := a.Journal.ClearOfflineEdits(ctx, id); err != nil {
				return err
			}
		}
		if !quiet {
			fmt.Printf("✓ Cleared edits for %s\n", target)
		}
		return nil
	})
}
