package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cloudfs/cloudsync/internal/config"
	"github.com/cloudfs/cloudsync/internal/core"
	"github.com/cloudfs/cloudsync/internal/model"
)

// RunInit creates the config directory, a starter config and the index.
func RunInit(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	dir := filepath.Join(absPath, config.DirName)
	if configDir != "" {
		dir = configDir
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	cfgPath, err := config.WriteDefault(dir)
	if err != nil {
		return err
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.BlobDir(), 0700); err != nil {
		return fmt.Errorf("failed to create %s: %w", cfg.BlobDir(), err)
	}

	db, err := core.OpenEncryptedDB(cfg.IndexPath(), cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("failed to initialize index: %w", err)
	}
	defer db.Close()

	if !quiet {
		fmt.Printf("✓ Initialized cloudsync at: %s\n", dir)
		fmt.Printf("  Config: %s\n", cfgPath)
		fmt.Printf("  Index:  %s\n", cfg.IndexPath())
		fmt.Printf("  Blobs:  %s\n", cfg.BlobDir())
		if cfg.Passphrase != "" {
			fmt.Println("  Encryption: enabled")
		} else {
			fmt.Println("  Encryption: disabled (set CLOUDSYNC_PASSPHRASE to enable)")
		}
	}
	return nil
}

// RunStatus prints manager, storage and encryption status.
func RunStatus(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		if err := a.initManager(ctx); err != nil {
			return err
		}
		status, err := a.Manager.GetStatus(ctx)
		if err != nil {
			return err
		}
		storage, err := a.Store.GetStorageStats(ctx)
		if err != nil {
			return err
		}
		usage, err := a.Store.GetStorageUsageByType(ctx)
		if err != nil {
			return err
		}
		enc, err := a.DB.GetEncryptionStatus(ctx)
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(map[string]interface{}{
				"status":     status,
				"storage":    storage,
				"usage":      usage,
				"encryption": enc,
				"remote":     a.Remotes.Primary().Name,
			})
		}

		online := "offline"
		if status.IsOnline {
			online = "online"
		}

		fmt.Println("CloudSync Status")
		fmt.Println("================")
		fmt.Printf("Config:     %s\n", a.Config.Dir)
		fmt.Printf("Remote:     %s (%s)\n", a.Remotes.Primary().Name, online)
		fmt.Printf("Last sync:  %s\n", formatTimePtr(status.LastSyncTime))
		fmt.Println()
		fmt.Printf("Modified:   %d\n", status.SyncStats.PendingFiles)
		fmt.Printf("Conflicts:  %d\n", status.SyncStats.ConflictFiles)
		fmt.Printf("Failed:     %d\n", status.SyncStats.FailedFiles)
		fmt.Printf("Queue:      %d pending, %d failed, %d total\n",
			status.QueueStats.PendingItems, status.QueueStats.FailedItems, status.QueueStats.TotalItems)
		fmt.Printf("Edits:      %d pending, %d failed\n", status.EditStats.PendingEdits, status.EditStats.FailedEdits)
		fmt.Println()
		fmt.Printf("Offline:    %d files, %s of %s\n",
			storage.FileCount, core.FormatSize(storage.UsedSize), core.FormatSize(storage.TotalSize))
		categories := make([]string, 0, len(usage))
		for c := range usage {
			categories = append(categories, c)
		}
		sort.Strings(categories)
		for _, c := range categories {
			fmt.Printf("  %-14s %d files, %s\n", c+":", usage[c].Count, core.FormatSize(usage[c].Size))
		}
		if len(status.ActiveDownloads) > 0 {
			fmt.Printf("Downloading: %s\n", strings.Join(status.ActiveDownloads, ", "))
		}
		if enc.IsEncrypted {
			fmt.Printf("Encryption: enabled (SQLCipher %s)\n", enc.CipherVersion)
		} else {
			fmt.Println("Encryption: disabled")
		}
		return nil
	})
}

// RunDownload fetches metadata for each id and stores the file offline.
// Individual failures are reported and the rest continue.
func RunDownload(ctx context.Context, fileIDs []string, star bool) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		files := a.Remotes.Primary().Files
		var failed int
		var total int64
		var fds []model.FileDescriptor

		for _, id := range fileIDs {
			meta, err := files.GetFileMetadata(ctx, id)
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "✗ %s: %v\n", id, err)
				continue
			}
			total += meta.Size
			fds = append(fds, model.FileDescriptor{
				ID:        meta.ID,
				Name:      meta.Name,
				Size:      meta.Size,
				MimeType:  meta.MimeType,
				UpdatedAt: meta.UpdatedAt,
				IsStarred: star,
			})
		}
		if len(fds) == 0 {
			return fmt.Errorf("%d of %d downloads failed", failed, len(fileIDs))
		}

		// Over-quota downloads still proceed; the store evicts to make room.
		check, err := a.Store.ValidateStorageSpace(ctx, total)
		if err != nil {
			return err
		}
		if !check.CanDownload && !quiet {
			fmt.Fprintf(os.Stderr, "⚠️  %s\n", check.Message)
		}

		progress := func(done, n int) {
			if !quiet && n > 1 {
				fmt.Printf("  [%d/%d]\n", done, n)
			}
		}
		downloaded, failures := a.Store.DownloadMultipleForOffline(ctx, fds, progress)
		for _, fe := range failures {
			failed++
			fmt.Fprintf(os.Stderr, "✗ %s: %s\n", fe.FileID, fe.Error)
		}
		if !quiet {
			for _, file := range downloaded {
				fmt.Printf("✓ %s (%s)\n", file.OriginalName, core.FormatSize(file.Size))
			}
		}

		if failed > 0 {
			return fmt.Errorf("%d of %d downloads failed", failed, len(fileIDs))
		}
		return nil
	})
}

// RunAutoDownload mirrors the starred and/or recent listings. With neither
// flag set the configured listings run.
func RunAutoDownload(ctx context.Context, starred, recent bool) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		if a.AutoDownload == nil {
			return fmt.Errorf("remote %q cannot list starred or recent files", a.Remotes.Primary().Name)
		}

		var files []*model.OfflineFile
		var failures []model.FileError
		var err error
		switch {
		case !starred && !recent:
			cfg := a.AutoDownload.Config()
			if !cfg.Starred && !cfg.Recent {
				return errors.New("auto-download is disabled: pass --starred or --recent, or enable auto_download in the config")
			}
			files, failures, err = a.AutoDownload.Run(ctx)
		default:
			if starred {
				f, fe, serr := a.AutoDownload.DownloadStarred(ctx)
				files, failures, err = append(files, f...), append(failures, fe...), serr
			}
			if err == nil && recent {
				f, fe, rerr := a.AutoDownload.DownloadRecent(ctx)
				files, failures, err = append(files, f...), append(failures, fe...), rerr
			}
		}
		if err != nil {
			return err
		}

		if jsonOut {
			return printJSON(map[string]interface{}{"downloaded": files, "failed": failures})
		}
		for _, fe := range failures {
			fmt.Fprintf(os.Stderr, "✗ %s: %s\n", fe.FileID, fe.Error)
		}
		if !quiet {
			for _, f := range files {
				fmt.Printf("✓ %s (%s)\n", f.OriginalName, core.FormatSize(f.Size))
			}
			fmt.Printf("%d downloaded, %d failed\n", len(files), len(failures))
		}
		return nil
	})
}

// RunLs lists offline files, optionally filtered by status.
func RunLs(ctx context.Context, status string) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		var files []*model.OfflineFile
		var err error
		switch status {
		case "":
			files, err = a.Store.GetAllOfflineFiles(ctx)
		case "modified":
			files, err = a.Store.GetModifiedFiles(ctx)
		case "conflict":
			files, err = a.Store.GetConflictFiles(ctx)
		case "failed":
			files, err = a.Store.GetFailedFiles(ctx)
		case "synced":
			var all []*model.OfflineFile
			all, err = a.Store.GetAllOfflineFiles(ctx)
			for _, f := range all {
				if f.SyncStatus == model.FileSyncStatusSynced {
					files = append(files, f)
				}
			}
		default:
			return fmt.Errorf("unknown status %q", status)
		}
		if err != nil {
			return fmt.Errorf("failed to list files: %w", err)
		}

		if jsonOut {
			return printJSON(files)
		}
		if len(files) == 0 {
			fmt.Println("No offline files.")
			return nil
		}

		fmt.Printf("Offline Files (%d):\n", len(files))
		fmt.Println("FileID                Status     Starred  Size      Modified          Name")
		fmt.Println("────────────────────────────────────────────────────────────────────────────────")
		for _, f := range files {
			starred := " "
			if f.IsStarred {
				starred = "✓"
			}
			fmt.Printf("%-21s %-10s %-8s %-9s %-17s %s\n",
				truncate(f.FileID, 21),
				f.SyncStatus,
				starred,
				core.FormatSize(f.Size),
				f.LastModified.Local().Format("2006-01-02 15:04"),
				f.OriginalName)
		}
		return nil
	})
}

// RunRm removes one offline copy, or all of them with --all.
func RunRm(ctx context.Context, fileID string, all, force bool) error {
	if fileID == "" && !all {
		return fmt.Errorf("file id required (or --all)")
	}
	return withApp(ctx, func(ctx context.Context, a *App) error {
		if all {
			stats, err := a.Store.GetStorageStats(ctx)
			if err != nil {
				return err
			}
			if !force && !ConfirmAction(fmt.Sprintf("Remove %d offline files (%s)?", stats.FileCount, core.FormatSize(stats.UsedSize))) {
				fmt.Println("Cancelled.")
				return nil
			}
			if err := a.Store.ClearAll(ctx); err != nil {
				return err
			}
			if !quiet {
				fmt.Printf("✓ Removed %d offline files\n", stats.FileCount)
			}
			return nil
		}

		file, err := a.Store.GetOfflineFile(ctx, fileID)
		if err != nil {
			return err
		}
		if file == nil {
			return fmt.Errorf("%w: %s", core.ErrNotOffline, fileID)
		}
		if file.SyncStatus != model.FileSyncStatusSynced && !force &&
			!ConfirmAction(fmt.Sprintf("%s has unsynced changes (%s). Remove anyway?", file.OriginalName, file.SyncStatus)) {
			fmt.Println("Cancelled.")
			return nil
		}
		unlock := a.Locks.Lock(fileID)
		defer unlock()
		if err := a.Store.RemoveOfflineFile(ctx, fileID); err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("✓ Removed %s\n", file.OriginalName)
		}
		return nil
	})
}

// RunEdit replaces an offline file's content from source or stdin.
func RunEdit(ctx context.Context, stdin io.Reader, fileID, source string) error {
	content, err := readSource(stdin, source)
	if err != nil {
		return err
	}
	return withApp(ctx, func(ctx context.Context, a *App) error {
		unlock := a.Locks.Lock(fileID)
		defer unlock()
		if err := a.Store.UpdateContent(ctx, fileID, content); err != nil {
			return err
		}
		if !quiet {
			fmt.Printf("✓ Updated %s (%s); it will sync on the next pass\n", fileID, core.FormatSize(int64(len(content))))
		}
		return nil
	})
}

// RunStar sets or clears the starred flag.
func RunStar(ctx context.Context, fileID string, starred bool) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		return a.Store.SetStarred(ctx, fileID, starred)
	})
}

// RunSync runs one pass through the manager, retrying when asked.
func RunSync(ctx context.Context, force bool, retries int, resolve string) error {
	var resolution model.Resolution
	if resolve != "" {
		r, ok := model.ParseResolution(resolve)
		if !ok || r == model.ResolutionManual {
			return fmt.Errorf("--resolve must be local, remote or merge")
		}
		resolution = r
	}

	return withApp(ctx, func(ctx context.Context, a *App) error {
		opts := a.Config.ManagerOptions()
		opts.EnableAutoSync = false
		if resolution != model.ResolutionNone {
			opts.ConflictResolution = resolution
		}
		opts.OnConflictDetected = func(c *model.SyncConflict) {
			if !quiet {
				fmt.Printf("⚠️  conflict: %s (%s)\n", c.FileName, c.ConflictType)
			}
		}
		if err := a.Manager.Initialize(ctx, opts); err != nil {
			return err
		}

		var result *model.SyncResult
		var err error
		if retries > 0 {
			result, err = a.Manager.ForceSyncWithRetry(ctx, retries)
		} else {
			result, err = a.Manager.TriggerSync(ctx, force)
		}
		if errors.Is(err, core.ErrOffline) {
			return fmt.Errorf("remote is unreachable; changes stay queued locally: %w", err)
		}
		if err != nil {
			return err
		}
		return printSyncResult(result)
	})
}

func printSyncResult(result *model.SyncResult) error {
	if jsonOut {
		return printJSON(result)
	}
	if quiet {
		return nil
	}
	fmt.Printf("Sync: %d files, %d synced, %d conflicts, %d failed\n",
		result.TotalFiles, result.SyncedFiles, result.ConflictFiles, result.FailedFiles)
	for _, fe := range result.Errors {
		fmt.Printf("  ✗ %s: %s\n", fe.FileID, fe.Error)
	}
	if result.ConflictFiles > 0 {
		fmt.Println("  → run 'cloudsync conflicts list' to inspect")
	}
	return nil
}

// RunScan reports drift between the index and the blob directory.
func RunScan(ctx context.Context) error {
	return withApp(ctx, func(ctx context.Context, a *App) error {
		scanner := core.NewScanner(a.DB.DB(), a.Store.BlobDir())
		result, err := scanner.Scan(ctx)
		if err != nil {
			return fmt.Errorf("scan failed: %w", err)
		}
		if jsonOut {
			return printJSON(result)
		}
		printScanResult(result)
		if !result.Healthy() {
			return fmt.Errorf("scan found %d errors", result.ErrorCount)
		}
		return nil
	})
}

func printScanResult(result *core.ScanResult) {
	fmt.Println("Scan")
	fmt.Println("═══════════════════════════════════════")
	fmt.Printf("Time:     %s\n", result.ScanTime.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("Items:    %d\n", result.TotalItems)
	fmt.Printf("Status:   ✓ %d OK, ⚠️ %d warnings, ✗ %d errors\n",
		result.OKCount, result.WarningCount, result.ErrorCount)
	fmt.Println()

	for _, f := range result.Findings {
		if f.Severity == core.SeverityOK && !verbose {
			continue
		}
		icon := "  "
		switch f.Severity {
		case core.SeverityOK:
			icon = "✓"
		case core.SeverityWarning:
			icon = "⚠️"
		case core.SeverityError:
			icon = "✗"
		}
		fmt.Printf("%s [%s] %s\n", icon, f.Category, f.Description)
		if f.Suggestion != "" {
			fmt.Printf("    → %s\n", f.Suggestion)
		}
	}
}

// RunRekey re-encrypts the index with CLOUDSYNC_NEW_PASSPHRASE.
func RunRekey(ctx context.Context) error {
	newPassphrase := os.Getenv(config.EnvPrefix + "_NEW_PASSPHRASE")
	if newPassphrase == "" {
		return fmt.Errorf("set %s_NEW_PASSPHRASE to the new passphrase", config.EnvPrefix)
	}
	return withApp(ctx, func(ctx context.Context, a *App) error {
		if !a.DB.IsEncrypted() {
			return fmt.Errorf("index is not encrypted; re-run init with CLOUDSYNC_PASSPHRASE set")
		}
		if err := a.DB.ChangePassphrase(ctx, newPassphrase); err != nil {
			return err
		}
		if !quiet {
			fmt.Println("✓ Passphrase changed; update CLOUDSYNC_PASSPHRASE")
		}
		return nil
	})
}

func readSource(stdin io.Reader, source string) (string, error) {
	var data []byte
	var err error
	if source == "" || source == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(source)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read content: %w", err)
	}
	return string(data), nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
