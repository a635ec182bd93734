package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/cloudfs/cloudsync/internal/config"
	"github.com/cloudfs/cloudsync/internal/core"
	"github.com/cloudfs/cloudsync/internal/logging"
	"github.com/cloudfs/cloudsync/internal/metrics"
	"github.com/cloudfs/cloudsync/internal/remote"
	"github.com/cloudfs/cloudsync/internal/remote/httpapi"
	"github.com/cloudfs/cloudsync/internal/remote/rclone"
)

// App holds the wired sync core for one command invocation.
type App struct {
	Config  *config.Config
	Logger  *zap.Logger
	DB      *core.EncryptedDB
	Metrics *metrics.Recorder
	Remotes *remote.Registry
	Network core.NetworkMonitor
	Locks   *core.FileLocks
	Store   *core.OfflineStore
	Journal *core.EditJournal
	Engine  *core.SyncEngine
	Queue   *core.WorkQueue
	Manager *core.SyncManager

	// AutoDownload is nil when the primary backend cannot list files.
	AutoDownload *core.AutoDownloader

	flush func()
}

// openApp loads config, opens the index and wires every component.
func openApp(ctx context.Context) (*App, error) {
	dir := config.FindDir(configDir)
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("not a cloudsync directory (run 'cloudsync init' first): %w", err)
	}

	cfg, err := config.Load(dir)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg)
}

func newApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logOpts := logging.Options{
		Level:      cfg.Log.Level,
		Encoding:   cfg.Log.Encoding,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}
	if verbose {
		logOpts.Level = "debug"
	}
	logger, flush, err := logging.New(logOpts)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Logger: logger, flush: flush, Metrics: metrics.New()}
	if err := app.wire(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context) error {
	cfg := a.Config

	registry, err := buildRegistry(ctx, cfg)
	if err != nil {
		return err
	}
	a.Remotes = registry
	backend := registry.Primary()

	db, err := core.OpenEncryptedDB(cfg.IndexPath(), cfg.Passphrase)
	if err != nil {
		return fmt.Errorf("failed to open index: %w", err)
	}
	a.DB = db

	if cfg.Network.ProbeAddress != "" {
		a.Network = core.NewProbeMonitor(cfg.Network.ProbeAddress, cfg.Network.ProbeInterval, cfg.Network.ProbeTimeout, a.Logger)
	} else {
		a.Network = core.NewStaticMonitor(true)
	}

	a.Locks = core.NewFileLocks()
	store, err := core.NewOfflineStore(db.DB(), backend.Files, cfg.StoreConfig(), a.Logger, a.Metrics)
	if err != nil {
		return fmt.Errorf("failed to create offline store: %w", err)
	}
	a.Store = store
	a.Journal = core.NewEditJournal(db.DB(), store, backend.Docs, backend.Sheets, cfg.JournalConfig(), a.Logger, a.Metrics)
	a.Engine = core.NewSyncEngine(store, a.Journal, backend.Files, a.Network, a.Locks, cfg.EngineConfig(), a.Logger, a.Metrics)
	a.Queue = core.NewWorkQueue(db.DB(), store, a.Engine, a.Locks, cfg.QueueConfig(), a.Logger, a.Metrics)
	a.Manager = core.NewSyncManager(store, a.Engine, a.Queue, a.Journal, a.Network, a.Logger)
	if backend.Lister != nil {
		a.AutoDownload = core.NewAutoDownloader(store, backend.Lister, a.Network, cfg.AutoDownloadConfig(), a.Logger)
	}
	return nil
}

// buildRegistry registers every configured backend and selects the primary.
func buildRegistry(ctx context.Context, cfg *config.Config) (*remote.Registry, error) {
	registry := remote.NewRegistry()

	if cfg.Remote.Rclone.Remote != "" {
		files := rclone.NewFileAPI(cfg.Remote.Rclone.Remote, cfg.Remote.Rclone.ConfigPath)
		if cfg.Remote.Primary == "rclone" {
			if err := files.Init(ctx); err != nil {
				return nil, err
			}
		}
		if err := registry.Register(&remote.Backend{Name: "rclone", Files: files, Docs: files}); err != nil {
			return nil, err
		}
	}

	if cfg.Remote.HTTP.BaseURL != "" {
		client, err := httpapi.New(httpapi.Config{
			BaseURL:    cfg.Remote.HTTP.BaseURL,
			Token:      cfg.Remote.HTTP.Token,
			Timeout:    cfg.Remote.HTTP.Timeout,
			RatePerSec: cfg.Remote.HTTP.RatePerSec,
			Burst:      cfg.Remote.HTTP.Burst,
		})
		if err != nil {
			return nil, err
		}
		if err := registry.Register(&remote.Backend{Name: "http", Files: client, Docs: client, Sheets: client, Lister: client}); err != nil {
			return nil, err
		}
	}

	if err := registry.SetPrimary(cfg.Remote.Primary); err != nil {
		return nil, fmt.Errorf("remote.primary %q is not configured (set remote.%s in %s): %w",
			cfg.Remote.Primary, cfg.Remote.Primary, cfg.FilePath(), err)
	}
	return registry, nil
}

// initManager applies config-driven options with auto-sync forced off;
// one-shot commands never leave timers behind.
func (a *App) initManager(ctx context.Context) error {
	opts := a.Config.ManagerOptions()
	opts.EnableAutoSync = false
	return a.Manager.Initialize(ctx, opts)
}

// Close stops background work and releases the index.
func (a *App) Close() {
	if a.Manager != nil {
		a.Manager.Cleanup()
	}
	if p, ok := a.Network.(*core.ProbeMonitor); ok {
		p.Stop()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Warn("failed to close index", zap.Error(err))
		}
	}
	if a.flush != nil {
		a.flush()
	}
}

// withApp opens the app, runs fn and closes it.
func withApp(ctx context.Context, fn func(ctx context.Context, a *App) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

// ConfirmAction prompts the user for confirmation.
func ConfirmAction(prompt string) bool {
	fmt.Printf("%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// shortID trims uuids for table output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
