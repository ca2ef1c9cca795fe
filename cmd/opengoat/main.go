// Package main is the entry point for OpenGoat. One binary hosts the
// HTTP API, the optional MCP and ACP surfaces, and the task scanner:
//
//	opengoat serve          run the API server (plus MCP/scanner when enabled)
//	opengoat cron [--once]  run the task scanner standalone
//	opengoat acp            speak the Agent-Client-Protocol over stdio
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/opengoat/opengoat/internal/acp"
	"github.com/opengoat/opengoat/internal/board"
	"github.com/opengoat/opengoat/internal/common/clock"
	"github.com/opengoat/opengoat/internal/common/config"
	"github.com/opengoat/opengoat/internal/common/fsutil"
	"github.com/opengoat/opengoat/internal/common/logger"
	"github.com/opengoat/opengoat/internal/db"
	"github.com/opengoat/opengoat/internal/events/bus"
	"github.com/opengoat/opengoat/internal/mcpserver"
	"github.com/opengoat/opengoat/internal/paths"
	"github.com/opengoat/opengoat/internal/runtime"
	"github.com/opengoat/opengoat/internal/scanner"
	"github.com/opengoat/opengoat/internal/server"
	"github.com/opengoat/opengoat/internal/telemetry"
)

func main() {
	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 && args[0][0] != '-' {
		command = args[0]
		args = args[1:]
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// stdout carries the protocol stream in acp mode
	if command == "acp" {
		cfg.Logging.OutputPath = "stderr"
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	rt, err := buildRuntime(cfg, log)
	if err != nil {
		log.Fatal("failed to build runtime", zap.Error(err))
	}
	defer func() { _ = rt.Close() }()

	if err := rt.Initialize(); err != nil {
		log.Fatal("failed to initialize runtime", zap.Error(err))
	}

	switch command {
	case "serve":
		runServe(cfg, rt, log)
	case "cron":
		runCron(cfg, rt, log, args)
	case "acp":
		runACP(rt, log)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q (expected serve, cron, or acp)\n", command)
		os.Exit(1)
	}
}

// buildRuntime wires the board store and event bus from configuration
// and assembles the runtime on the real filesystem and clock.
func buildRuntime(cfg *config.Config, log *logger.Logger) (*runtime.Runtime, error) {
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to NATS: %w", err)
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryEventBus(log)
	}

	repo, err := openBoardRepository(cfg, log)
	if err != nil {
		eventBus.Close()
		return nil, err
	}

	return runtime.New(cfg, fsutil.NewOSFS(), clock.NewReal(), repo, eventBus, log), nil
}

func openBoardRepository(cfg *config.Config, log *logger.Logger) (board.Repository, error) {
	var pool *db.Pool
	var err error

	switch cfg.Database.Driver {
	case "postgres":
		pool, err = db.OpenPostgresPool(cfg.Database.DSN, cfg.Database.MaxConns, cfg.Database.MinConns)
	default:
		dbPath := cfg.Database.Path
		if dbPath == "" {
			dbPath = paths.New(cfg.Home).BoardsDBFile()
		}
		pool, err = db.OpenSQLitePool(dbPath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open board store: %w", err)
	}

	repo, err := board.NewSQLRepository(pool, clock.NewReal())
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to migrate board store: %w", err)
	}
	log.Info("board store ready", zap.String("driver", cfg.Database.Driver))
	return repo, nil
}

// runServe hosts the HTTP API plus the scanner loop and, when enabled,
// the MCP server. Blocks until SIGINT/SIGTERM.
func runServe(cfg *config.Config, rt *runtime.Runtime, log *logger.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(&cfg.Server, rt, log)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	go func() {
		if err := rt.RunScannerLoop(ctx); err != nil && err != context.Canceled {
			log.Error("scanner loop stopped", zap.Error(err))
		}
	}()

	var mcpCleanup func() error
	if cfg.MCP.Enabled {
		mcpCfg := mcpserver.Config{
			Port:        cfg.MCP.Port,
			OpenGoatURL: fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port),
		}
		mcpSrv, cleanup, err := mcpserver.Provide(ctx, mcpCfg, log)
		if err != nil {
			log.Fatal("failed to start MCP server", zap.Error(err))
		}
		mcpCleanup = cleanup
		log.Info("MCP server started",
			zap.String("sse_endpoint", mcpSrv.SSEEndpoint()),
			zap.String("streamable_http_endpoint", mcpSrv.StreamableHTTPEndpoint()))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if mcpCleanup != nil {
		if err := mcpCleanup(); err != nil {
			log.Error("MCP server shutdown error", zap.Error(err))
		}
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		log.Error("telemetry shutdown error", zap.Error(err))
	}
}

// runCron runs the scanner standalone. With --once it executes a single
// cycle and exits; otherwise it loops on the configured interval.
func runCron(cfg *config.Config, rt *runtime.Runtime, log *logger.Logger, args []string) {
	fs := flag.NewFlagSet("cron", flag.ExitOnError)
	once := fs.Bool("once", false, "run a single scanner cycle and exit")
	_ = fs.Parse(args)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if *once {
		report, err := rt.RunTaskCronCycle(ctx, scanner.Options{})
		if err != nil {
			log.Fatal("scanner cycle failed", zap.Error(err))
		}
		fmt.Printf("scanned %d tasks: %d kicked off, %d dispatches sent, %d failed\n",
			report.ScannedTasks, report.TodoTasks, report.Sent, report.Failed)
		return
	}

	if err := rt.RunScannerLoop(ctx); err != nil && err != context.Canceled {
		log.Fatal("scanner loop failed", zap.Error(err))
	}
}

// runACP serves the Agent-Client-Protocol over stdio, the transport ACP
// clients such as editors expect.
func runACP(rt *runtime.Runtime, log *logger.Logger) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	facade := acp.NewFacade(rt, log)
	if err := facade.Serve(ctx, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
		log.Error("acp facade stopped", zap.Error(err))
	}
}
