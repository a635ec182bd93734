// Package cli implements the cloudsync command-line interface.
// Commands are one-shot except serve, which runs the sync manager until
// interrupted.
package cli

import (
	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose   bool
	quiet     bool
	configDir string
	jsonOut   bool
)

// rootCmd is the base command for cloudsync.
var rootCmd = &cobra.Command{
	Use:   "cloudsync",
	Short: "Offline-first file sync for a remote file store",
	Long: `cloudsync keeps offline copies of remote files, tracks local
modifications and reconciles them with the remote store.

It provides:
  • Encrypted offline index (SQLite + SQLCipher)
  • Quota-bounded blob store with least-recently-used eviction
  • Conflict detection with local, remote, merge and manual resolution
  • A durable work queue for per-file operations
  • An offline edit journal for documents and spreadsheets

The remote store is the source of truth.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging and verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "Use alternate config directory")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print machine-readable JSON")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(autoDownloadCmd)
	rootCmd.AddCommand(lsCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(editCmd)
	rootCmd.AddCommand(starCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(queueCmd)
	rootCmd.AddCommand(conflictsCmd)
	rootCmd.AddCommand(editsCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(rekeyCmd)
	rootCmd.AddCommand(serveCmd)
}

var initCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Initialize a cloudsync directory",
	Long:  `Create .cloudsync under path with a starter config and an empty index.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "."
		if len(args) > 0 {
			path = args[0]
		}
		return RunInit(cmd.Context(), path)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync, queue, journal and storage status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunStatus(cmd.Context())
	},
}

var downloadCmd = &cobra.Command{
	Use:   "download <file-id>...",
	Short: "Make remote files available offline",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		star, _ := cmd.Flags().GetBool("star")
		return RunDownload(cmd.Context(), args, star)
	},
}

var autoDownloadCmd = &cobra.Command{
	Use:   "autodownload",
	Short: "Download starred and recently used remote files",
	Long: `Mirror the remote's starred and recent listings offline, skipping
folders and files above auto_download.max_file_size. Without flags the
auto_download section of the config decides which listings run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		starred, _ := cmd.Flags().GetBool("starred")
		recent, _ := cmd.Flags().GetBool("recent")
		return RunAutoDownload(cmd.Context(), starred, recent)
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List offline files",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		return RunLs(cmd.Context(), status)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm [file-id]",
	Short: "Remove offline copies (remote files are untouched)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		force, _ := cmd.Flags().GetBool("force")
		fileID := ""
		if len(args) > 0 {
			fileID = args[0]
		}
		return RunRm(cmd.Context(), fileID, all, force)
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <file-id> [source]",
	Short: "Replace an offline file's content and mark it modified",
	Long: `Replace an offline file's content with the contents of source,
or stdin when source is omitted or "-". The file is synced on the next pass.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := "-"
		if len(args) > 1 {
			source = args[1]
		}
		return RunEdit(cmd.Context(), cmd.InOrStdin(), args[0], source)
	},
}

var starCmd = &cobra.Command{
	Use:   "star <file-id>",
	Short: "Star an offline file (starred files are never evicted)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		unstar, _ := cmd.Flags().GetBool("remove")
		return RunStar(cmd.Context(), args[0], !unstar)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass",
	Long: `Run one reconciliation pass over every modified offline file,
then replay journaled edits.

--resolve applies one resolution (local, remote, merge) to every conflict.
Without it conflicts are left for 'cloudsync conflicts'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		retries, _ := cmd.Flags().GetInt("retry")
		resolve, _ := cmd.Flags().GetString("resolve")
		return RunSync(cmd.Context(), force, retries, resolve)
	},
}

// Queue subcommands
var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Work queue commands",
}

var queueAddCmd = &cobra.Command{
	Use:   "add <file-id>",
	Short: "Queue an operation for an offline file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		op, _ := cmd.Flags().GetString("op")
		priority, _ := cmd.Flags().GetString("priority")
		return RunQueueAdd(cmd.Context(), args[0], op, priority)
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue items, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunQueueList(cmd.Context())
	},
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove <item-id>",
	Short: "Delete a queue item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunQueueRemove(cmd.Context(), args[0])
	},
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <item-id>",
	Short: "Cancel a pending queue item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunQueueCancel(cmd.Context(), args[0])
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete completed items (--all for every item)",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return RunQueueClear(cmd.Context(), all)
	},
}

var queueProcessCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one queue tick in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunQueueProcess(cmd.Context())
	},
}

// Conflict subcommands
var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Detect conflicts for modified and conflicted files",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunConflictsList(cmd.Context())
	},
}

var conflictsDiffCmd = &cobra.Command{
	Use:   "diff <file-id>",
	Short: "Show a line diff between the remote and local versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunConflictsDiff(cmd.Context(), args[0])
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <file-id> <local|remote|merge|manual>",
	Short: "Resolve one file's conflict",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunConflictsResolve(cmd.Context(), args[0], args[1])
	},
}

// Edit journal subcommands
var editsCmd = &cobra.Command{
	Use:   "edits",
	Short: "Offline document and spreadsheet edits",
}

var editsListCmd = &cobra.Command{
	Use:   "list [file-id]",
	Short: "List journaled edits",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID := ""
		if len(args) > 0 {
			fileID = args[0]
		}
		return RunEditsList(cmd.Context(), fileID)
	},
}

var editsDocCmd = &cobra.Command{
	Use:   "doc <document-id>",
	Short: "Record a document content or title edit",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contentFile, _ := cmd.Flags().GetString("content-file")
		title, _ := cmd.Flags().GetString("title")
		return RunEditsDoc(cmd.Context(), cmd.InOrStdin(), args[0], contentFile, title)
	},
}

var editsCellCmd = &cobra.Command{
	Use:   "cell <spreadsheet-id> <cell-ref> <value>",
	Short: "Record a spreadsheet cell edit",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		formula, _ := cmd.Flags().GetString("formula")
		return RunEditsCell(cmd.Context(), args[0], args[1], args[2], formula)
	},
}

var editsShowCmd = &cobra.Command{
	Use:   "show <file-id>",
	Short: "Print the offline view of a document or spreadsheet",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sheet, _ := cmd.Flags().GetBool("sheet")
		return RunEditsShow(cmd.Context(), args[0], sheet)
	},
}

var editsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay unsynced edits against the remote",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunEditsSync(cmd.Context())
	},
}

var editsClearCmd = &cobra.Command{
	Use:   "clear [file-id]",
	Short: "Drop journaled edits (all files when no id is given)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		fileID := ""
		if len(args) > 0 {
			fileID = args[0]
		}
		force, _ := cmd.Flags().GetBool("force")
		return RunEditsClear(cmd.Context(), fileID, force)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Report drift between the index and the blob directory (read-only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunScan(cmd.Context())
	},
}

var rekeyCmd = &cobra.Command{
	Use:   "rekey",
	Short: "Change the index passphrase to CLOUDSYNC_NEW_PASSPHRASE",
	RunE: func(cmd *cobra.Command, args []string) error {
		return RunRekey(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run auto-sync, queue processing and the status server",
	Long: `Run the sync manager in the foreground: periodic passes, queue
processing, connectivity probing, blob directory watching and an HTTP
status server with /status, /stats, /sync, /ws and /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return RunServe(cmd.Context(), addr)
	},
}

func init() {
	downloadCmd.Flags().Bool("star", false, "Star the downloaded files")
	autoDownloadCmd.Flags().Bool("starred", false, "Download starred files")
	autoDownloadCmd.Flags().Bool("recent", false, "Download recently used files")
	lsCmd.Flags().String("status", "", "Filter by sync status (synced, modified, conflict, failed)")
	rmCmd.Flags().Bool("all", false, "Remove every offline copy")
	rmCmd.Flags().BoolP("force", "f", false, "Skip confirmation")
	starCmd.Flags().Bool("remove", false, "Unstar instead")

	syncCmd.Flags().Bool("force", false, "Run even if another pass is in progress")
	syncCmd.Flags().Int("retry", 0, "Retry a failed pass up to N times with exponential backoff")
	syncCmd.Flags().String("resolve", "", "Resolve every conflict with local, remote or merge")

	queueAddCmd.Flags().String("op", "upload", "Operation: upload, download, update, delete")
	queueAddCmd.Flags().String("priority", "normal", "Priority: high, normal, low")
	queueClearCmd.Flags().Bool("all", false, "Delete every item, not only completed ones")

	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRemoveCmd)
	queueCmd.AddCommand(queueCancelCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueProcessCmd)

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsDiffCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)

	editsDocCmd.Flags().String("content-file", "", "Read new content from file (\"-\" for stdin)")
	editsDocCmd.Flags().String("title", "", "New document title")
	editsCellCmd.Flags().String("formula", "", "Formula for the cell")
	editsShowCmd.Flags().Bool("sheet", false, "Show as spreadsheet")
	editsClearCmd.Flags().BoolP("force", "f", false, "Skip confirmation")

	editsCmd.AddCommand(editsListCmd)
	editsCmd.AddCommand(editsDocCmd)
	editsCmd.AddCommand(editsCellCmd)
	editsCmd.AddCommand(editsShowCmd)
	editsCmd.AddCommand(editsSyncCmd)
	editsCmd.AddCommand(editsClearCmd)

	serveCmd.Flags().String("addr", "", "Status server address (overrides server.addr)")
}
