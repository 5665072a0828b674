package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pasturetech/herdsync/internal/api"
	"github.com/pasturetech/herdsync/internal/config"
	"github.com/pasturetech/herdsync/internal/dualwrite"
	"github.com/pasturetech/herdsync/internal/flags"
	"github.com/pasturetech/herdsync/internal/localstore"
	"github.com/pasturetech/herdsync/internal/reconcile"
	"github.com/pasturetech/herdsync/internal/remote"
	"github.com/pasturetech/herdsync/internal/remote/memory"
	"github.com/pasturetech/herdsync/internal/remote/postgres"
	"github.com/pasturetech/herdsync/internal/remote/rest"
	"github.com/pasturetech/herdsync/internal/syncengine"
	"github.com/pasturetech/herdsync/internal/telemetry"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "herdsync",
	Short: "HerdSync - offline-first sync core for dairy herd records",
	RunE:  run,
}

// runtime bundles the wired core shared by the daemon and the one-shot
// subcommands.
type runtime struct {
	cfg      *config.Config
	store    *localstore.Store
	flags    *flags.Static
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	coord    *dualwrite.Coordinator
	engine   *syncengine.Engine

	// primaryConfigured is false when the daemon runs legacy-only against
	// the in-memory stand-in; reconciliation is meaningless then.
	primaryConfigured bool
}

// newRuntime loads configuration, initializes logging, and wires the local
// store, remote stores, and sync engine.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	initLogger(cfg.Log)
	slog.Info("configuration loaded", "phase", cfg.Migration.Phase)

	store, err := localstore.NewStore(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	slog.Info("local cache initialized", "path", cfg.Database.Path)

	phase, err := flags.ParsePhase(cfg.Migration.Phase)
	if err != nil {
		store.Close()
		return nil, err
	}
	provider := flags.NewStatic(phase, cfg.Migration.ReadFromPrimary)

	legacy := rest.NewClient(cfg.Legacy.BaseURL, cfg.Legacy.APIKey, time.Duration(cfg.Legacy.Timeout))

	var primary remote.RowStore
	primaryConfigured := cfg.Primary.DSN != ""
	if primaryConfigured {
		primary, err = postgres.NewStore(ctx, cfg.Primary.DSN)
		if err != nil {
			store.Close()
			return nil, err
		}
		slog.Info("primary store connected")
	} else {
		// No DSN configured. Legacy-only deployments run without the
		// migration destination; anything else is a misconfiguration.
		if phase != flags.PhaseLegacyOnly || cfg.Migration.ReadFromPrimary {
			store.Close()
			return nil, fmt.Errorf("HERDSYNC_PRIMARY_DSN is required for phase %q", phase)
		}
		primary = memory.NewStore("primary")
		slog.Warn("primary store not configured, running legacy-only")
	}

	registry := prometheus.NewRegistry()
	metrics := telemetry.New(registry)

	coord := dualwrite.NewCoordinator(legacy, primary, provider, metrics, dualwrite.Options{})
	engine := syncengine.NewEngine(store, coord, metrics, syncengine.Options{
		PullWindow: time.Duration(cfg.Sync.PullWindow),
		Lease:      time.Duration(cfg.Sync.Lease),
	})

	return &runtime{
		cfg:               cfg,
		store:             store,
		flags:             provider,
		registry:          registry,
		metrics:           metrics,
		coord:             coord,
		engine:            engine,
		primaryConfigured: primaryConfigured,
	}, nil
}

func (rt *runtime) Close() {
	if err := rt.store.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}
}

func run(cmd *cobra.Command, args []string) error {
	// Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	cfg := rt.cfg

	// Reconciliation sweeps heal only while both stores receive writes.
	heal := rt.flags.Phase() == flags.PhaseDualWrite
	archiver, err := reconcile.NewArchiver(cfg.Reconcile.Archive)
	if err != nil {
		return err
	}
	job := reconcile.NewJob(rt.coord.Legacy(), rt.coord.Primary(), rt.store, rt.metrics, heal)
	runner := reconcile.NewRunner(job, archiver, time.Duration(cfg.Reconcile.Interval))

	scheduler := syncengine.NewScheduler(rt.engine, rt.store, time.Duration(cfg.Sync.Interval))
	watcher := syncengine.NewNetWatcher(
		func() syncengine.Pinger { return rt.coord.Reader() },
		rt.engine, rt.store, rt.store,
		time.Duration(cfg.Sync.ProbeInterval))

	// HTTP router
	handler := api.NewHandler(rt.store, rt.engine, runner, rt.flags, Version)
	router := api.NewRouter(handler, cfg.Auth.APIKey, rt.registry)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// Worker lifecycle
	var wg sync.WaitGroup
	startWorker(ctx, &wg, "sync-scheduler", scheduler.Run)
	startWorker(ctx, &wg, "net-watcher", watcher.Run)
	if rt.primaryConfigured {
		startWorker(ctx, &wg, "reconcile-runner", runner.Run)
	} else {
		slog.Info("reconciliation disabled, no primary store configured")
	}

	go func() {
		slog.Info("server starting", "address", addr)
		// ErrServerClosed is the expected error when Shutdown() is called
		// gracefully. Any other error triggers shutdown.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// Wait for workers to complete
	wg.Wait()

	slog.Info("shutdown complete")
	return nil
}

func initLogger(cfg config.LogConfig) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
