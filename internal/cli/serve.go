package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cloudfs/cloudsync/internal/core"
	"github.com/cloudfs/cloudsync/internal/model"
	"github.com/cloudfs/cloudsync/internal/statusserver"
)

// RunServe runs the sync manager until SIGINT or SIGTERM.
func RunServe(ctx context.Context, addr string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if addr == "" {
		addr = a.Config.Server.Addr
	}
	return serve(ctx, a, addr)
}

func serve(ctx context.Context, a *App, addr string) error {
	logger := a.Logger

	if probe, ok := a.Network.(*core.ProbeMonitor); ok {
		probe.Start(ctx)
	}

	watcher, err := core.NewBlobWatcher(a.Store, logger)
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		watcher.Stop()
		return err
	}
	defer watcher.Stop()

	opts := a.Config.ManagerOptions()
	opts.OnSyncError = func(err error) {
		logger.Warn("sync failed", zap.Error(err))
	}
	opts.OnConflictDetected = func(c *model.SyncConflict) {
		logger.Warn("conflict detected",
			zap.String("file_id", c.FileID),
			zap.String("type", string(c.ConflictType)))
	}
	if err := a.Manager.Initialize(ctx, opts); err != nil {
		return err
	}

	autoDone := make(chan struct{})
	go func() {
		defer close(autoDone)
		runAutoDownload(ctx, a)
	}()
	defer func() { <-autoDone }()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	server := statusserver.NewServer(a.Manager, a.Metrics, logger)
	if err := server.Start(ln); err != nil {
		ln.Close()
		return err
	}

	if !quiet {
		fmt.Printf("cloudsync serving on http://%s (auto-sync %v, every %s)\n",
			ln.Addr(), opts.EnableAutoSync, opts.SyncInterval)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// runAutoDownload mirrors the configured listings once at startup.
func runAutoDownload(ctx context.Context, a *App) {
	if a.AutoDownload == nil {
		return
	}
	cfg := a.AutoDownload.Config()
	if !cfg.Starred && !cfg.Recent {
		return
	}
	files, failures, err := a.AutoDownload.Run(ctx)
	if err != nil {
		a.Logger.Warn("auto-download skipped", zap.Error(err))
		return
	}
	a.Logger.Info("auto-download finished", zap.Int("files", len(files)), zap.Int("failed", len(failures)))
}
