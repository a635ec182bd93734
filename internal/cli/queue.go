package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/cloudfs/cloudsync/internal/core"
	"github.com/cloudfs/cloudsync/internal/model"
)

// RunQueueAdd queues op for an offline file.
func RunQueueAdd(ctx context.Context, fileID, op, priority string) error {
	operation := model.QueueOperation(op)
	if !operation.Valid() {
		return fmt.Errorf("unknown operation %q", op)
	}
	prio := model.QueuePriority(priority)
	if !prio.Valid() {
		return fmt.Errorf("unknown priority %q", priority)
	}

	return withApp(ctx, func(ctx context.Context, a *App) error {
		if err := a.initManager(ctx); err != nil {
			return err
		}
		name := fileID
		if file, err := a.Store.GetOfflineFile(ctx, fileID); err == nil && file != nil {
			name = file.OriginalName
		}
		id, err := a.Manager.AddFileToSyncQueue(ctx, fileID, name, operation, prio)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(map[string]string{"id": id})
		}
		if !quiet {
			fmt.Printf("✓ Queued %s %s (%s)\n", operation, name, shortID(id))
		}
		return nil
	})
}

// RunQueueList prints every item, newest first.
func RunQueueList(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		items, err := a.Queue.GetAllItems(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(items)
		}
		if len(items) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		fmt.Printf("Queue Items (%d):\n", len(items))
		fmt.Println("ID        Operation  Priority  Status      Retries  Created           File")
		fmt.Println("──────────────────────────────────────────────────────────────────────────────")
		for _, item := range items {
			fmt.Printf("%-9s %-10s %-9s %-11s %d/%-6d %-17s %s\n",
				shortID(item.ID),
				item.Operation,
				item.Priority,
				item.Status,
				item.RetryCount, item.MaxRetries,
				item.CreatedAt.Local().Format("2006-01-02 15:04"),
				item.FileName)
			if verbose && item.Error != "" {
				fmt.Printf("          └ %s\n", item.Error)
			}
		}
		return nil
	})
}

// RunQueueRemove deletes one item. Short ids from 'queue list' are accepted.
func RunQueueRemove(ctx context.Context, id string) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		full, err := resolveItemID(ctx, a, id)
		if err != nil {
			return err
		}
		if err := a.Queue.RemoveFromQueue(ctx, full); err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("✓ Removed %s\n", shortID(full))
		}
		return nil
	})
}

// RunQueueCancel cancels a pending item.
func RunQueueCancel(ctx context.Context, id string) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		full, err := resolveItemID(ctx, a, id)
		if err != nil {
			return err
		}
		if err := a.Queue.CancelItem(ctx, full); err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("✓ Cancelled %s\n", shortID(full))
		}
		return nil
	})
}

// RunQueueClear deletes completed items, or every item with all.
func RunQueueClear(ctx context.Context, all bool) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		var n int64
		var err error
		if all {
			if !ConfirmAction("Delete every queue item, including pending ones?") {
				fmt.Println("Cancelled.")
				return nil
			}
			n, err = a.Queue.ClearAll(ctx)
		} else {
			n, err = a.Manager.ClearCompletedQueueItems(ctx)
		}
		if err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("✓ Deleted %d items\n", n)
		}
		return nil
	})
}

// RunQueueProcess runs a single tick and reports the outcome of each item.
func RunQueueProcess(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		n, err := a.Queue.ProcessQueue(ctx)
		if err != nil {
			return err
		}
		stats, err := a.Queue.GetQueueStats(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			return printJSON(map[string]interface{}{"processed": n, "stats": stats})
		}
		if !quiet {
			fmt.Printf("Processed %d items: %d pending, %d completed, %d failed\n",
				n, stats.PendingItems, stats.CompletedItems, stats.FailedItems)
		}
		return nil
	})
}

func resolveItemID(ctx context.Context, a *App, id string) (string, error) {
	if item, err := a.Queue.GetQueueItem(ctx, id); err != nil {
		return "", err
	} else if item != nil {
		return item.ID, nil
	}

	items, err := a.Queue.GetAllItems(ctx)
	if err != nil {
		return "", err
	}
	var match string
	for _, item := range items {
		if len(id) >= 4 && len(item.ID) >= len(id) && item.ID[:len(id)] == id {
			if match != "" {
				return "", fmt.Errorf("ambiguous item id %q", id)
			}
			match = item.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", core.ErrQueueItemNotFound, id)
	}
	return match, nil
}

// RunConflictsList lists the recorded conflicts plus any modified file that
// has diverged from the remote since the last pass.
func RunConflictsList(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		conflicts, failures, err := a.Manager.GetPendingConflicts(ctx)
		if err != nil {
			return err
		}
		for _, fe := range failures {
			fmt.Fprintf(os.Stderr, "✗ %s: %s\n", fe.FileID, fe.Error)
		}

		modified, err := a.Store.GetModifiedFiles(ctx)
		if err != nil {
			return err
		}
		for _, f := range modified {
			c, err := a.Engine.CheckConflict(ctx, f.FileID)
			if err != nil {
				fmt.Fprintf(os.Stderr, "✗ %s: %v\n", f.FileID, err)
				continue
			}
			if c != nil {
				conflicts = append(conflicts, c)
			}
		}

		if jsonOut {
			return printJSON(conflicts)
		}
		if len(conflicts) == 0 {
			fmt.Println("No conflicts.")
			return nil
		}
		fmt.Printf("Conflicts (%d):\n", len(conflicts))
		for _, c := range conflicts {
			fmt.Printf("  %s  %-16s local %s, remote %s  %s\n",
				truncate(c.FileID, 21),
				c.ConflictType,
				c.LocalVersion.LastModified.Local().Format("2006-01-02 15:04"),
				c.RemoteVersion.LastModified.Local().Format("2006-01-02 15:04"),
				c.FileName)
		}
		fmt.Println("\n  → 'cloudsync conflicts diff <file-id>' to compare")
		fmt.Println("  → 'cloudsync conflicts resolve <file-id> local|remote|merge'")
		return nil
	})
}

// RunConflictsDiff prints the local to remote diff for one file.
func RunConflictsDiff(ctx context.Context, fileID string) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		c, err := a.Engine.CheckConflict(ctx, fileID)
		if err != nil {
			return err
		}
		if c == nil {
			fmt.Println("No conflict.")
			return nil
		}
		if c.LocalVersion.Content == nil || c.RemoteVersion.Content == nil {
			fmt.Printf("%s: %s (content unavailable for diff)\n", c.FileName, c.ConflictType)
			return nil
		}
		fmt.Print(core.DiffConflict(c))
		return nil
	})
}

// RunConflictsResolve applies resolution to one file.
func RunConflictsResolve(ctx context.Context, fileID, resolution string) error {
	r, ok := model.ParseResolution(resolution)
	if !ok {
		return fmt.Errorf("resolution must be local, remote, merge or manual")
	}
	return withApp(ctx, func(ctx context.Context, a *App) error {
		if err := a.initManager(ctx); err != nil {
			return err
		}
		if err := a.Manager.ResolveConflict(ctx, fileID, r); err != nil {
			return err
		}
		file, err := a.Store.GetOfflineFile(ctx, fileID)
		if err != nil {
			return err
		}
		if !quiet && file != nil {
			fmt.Printf("✓ %s is now %s\n", file.OriginalName, file.SyncStatus)
		}
		return nil
	})
}
