// Command taskforge runs the full execution plane: the Task Store, the
// Scheduler poll loop, the Process Executor, the Broadcast Hub, the
// optional external Event Bus, and the HTTP Control Surface, wired
// together and run until a termination signal arrives.
//
// Grounded on backend/cmd/agent-manager/main.go's wiring order (load
// config, init logger, build a cancellable root context, connect the
// event bus, build the domain components, start background loops, start
// the HTTP server in a goroutine, wait for a signal, shut down in
// reverse order).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/taskforge/internal/api"
	"github.com/kandev/taskforge/internal/broadcast"
	"github.com/kandev/taskforge/internal/common/config"
	"github.com/kandev/taskforge/internal/common/logger"
	"github.com/kandev/taskforge/internal/events"
	"github.com/kandev/taskforge/internal/executor"
	"github.com/kandev/taskforge/internal/scheduler"
	"github.com/kandev/taskforge/internal/task/store"
	"github.com/kandev/taskforge/internal/workspace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting taskforge")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(cfg.Store)
	if err != nil {
		log.Fatal("failed to open task store", zap.Error(err))
	}
	defer st.Close()

	recovered, err := st.Recover(ctx)
	if err != nil {
		log.Fatal("boot recovery failed", zap.Error(err))
	}
	log.Info("boot recovery complete", zap.Int("tasks_reset_to_pending", recovered))

	provided, closeBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()
	log.Info("event bus ready", zap.Bool("nats", provided.NATS != nil))

	wsMgr, err := workspace.NewManager(workspace.Config{
		BaseRepo:     cfg.Workspace.BaseRepo,
		WorktreeBase: cfg.Workspace.WorktreeBase,
		GitBin:       cfg.Workspace.GitBin,
	}, log)
	if err != nil {
		log.Fatal("failed to initialize workspace manager", zap.Error(err))
	}

	exec := executor.New(executor.Config{
		LogDir:       cfg.Executor.LogDir,
		AgentCommand: cfg.Executor.AgentCommand,
		AgentArgs:    cfg.Executor.AgentArgs,
	}, wsMgr, log)

	startWorkspacePruner(ctx, wsMgr, cfg.Workspace.PruneIntervalDuration(), log)

	hub := broadcast.NewHub(log)

	sched := scheduler.New(st, exec, hub, log, scheduler.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		PollInterval:  cfg.Scheduler.PollIntervalDuration(),
	})
	sched.SetEventBus(provided.Bus)
	sched.Start(ctx)
	defer sched.Stop()
	log.Info("scheduler started", zap.Int("max_concurrent", cfg.Scheduler.MaxConcurrent))

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(st, sched, wsMgr, hub, log, cfg.Auth.APICredential)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down taskforge")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}

	sched.Stop()
	log.Info("taskforge stopped")
}

// startWorkspacePruner runs PruneWorkspaces (§10.5) on a timer as a
// background goroutine until ctx is cancelled. A non-positive interval
// disables the sweep; the Control Surface's /workspaces/prune route remains
// the on-demand path either way.
func startWorkspacePruner(ctx context.Context, wsMgr *workspace.Manager, interval time.Duration, log *logger.Logger) {
	if interval <= 0 {
		log.Info("workspace prune sweep disabled")
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := wsMgr.PruneWorkspaces(ctx); err != nil {
					log.Warn("scheduled workspace prune failed", zap.Error(err))
				}
			}
		}
	}()
	log.Info("workspace prune sweep started", zap.Duration("interval", interval))
}

// openStore selects the Task Store backend named by cfg.Driver (§6.4).
func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		return store.NewPostgresStore(cfg.DSN)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return store.NewSQLiteStore(cfg.Path)
	}
}
