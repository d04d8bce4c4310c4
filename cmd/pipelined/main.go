// Command pipelined runs the autonomous engineering pipeline: a task
// scheduler, phase executor, HTTP API, and (when attached to a terminal) an
// operator dashboard, all sharing one Queue Store.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/pipelined/internal/audit"
	"github.com/basket/pipelined/internal/bus"
	"github.com/basket/pipelined/internal/collab"
	"github.com/basket/pipelined/internal/config"
	"github.com/basket/pipelined/internal/cron"
	"github.com/basket/pipelined/internal/httpapi"
	"github.com/basket/pipelined/internal/mode"
	otelpkg "github.com/basket/pipelined/internal/otel"
	"github.com/basket/pipelined/internal/phase"
	"github.com/basket/pipelined/internal/queuestore"
	"github.com/basket/pipelined/internal/scheduler"
	"github.com/basket/pipelined/internal/stream"
	"github.com/basket/pipelined/internal/telemetry"
	"github.com/basket/pipelined/internal/tui"
)

func main() {
	loadDotEnv(".env")

	headless := flag.Bool("headless", false, "disable the operator dashboard even when attached to a terminal")
	flag.Usage = printUsage
	flag.Parse()

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && !*headless

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	sweMode := mode.SoftwareEngineering()
	registry, err := mode.NewRegistry([]mode.Mode{sweMode})
	if err != nil {
		fatalStartup(logger, "E_REGISTRY_INIT", err)
	}

	eventBus := bus.NewWithLogger(logger)

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     os.Getenv("PIPELINED_METRICS_ENABLED") == "true",
		Exporter:    "stdout",
		ServiceName: "pipelined",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	dbPath := filepath.Join(cfg.HomeDir, "pipeline.db")
	store, err := queuestore.Open(dbPath,
		queuestore.WithActivePredicate(registry.IsActive),
		queuestore.WithPriorityOf(registry.PriorityOf),
	)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	sandbox, err := collab.NewDockerSandbox(cfg.DockerImage, cfg.ContainerMemoryMB, "")
	if err != nil {
		fatalStartup(logger, "E_SANDBOX_INIT", err)
	}
	defer sandbox.Close()

	scratchDir := filepath.Join(cfg.HomeDir, "workspace")
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		fatalStartup(logger, "E_WORKSPACE_CREATE", err)
	}
	runner := collab.NewDockerAgentRunner(sandbox, "pipelined-agent", scratchDir)
	vcs := &collab.GitVCS{Sandbox: sandbox}

	var chat collab.Chat
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		tg, err := collab.NewTelegramChat(token, store, logger, cfg.MaxBacklogSize, sweMode.DefaultMaxAttempts)
		if err != nil {
			logger.Warn("telegram chat init failed, notifications disabled", "error", err)
		} else {
			chat = tg
			go func() {
				if err := tg.Listen(ctx); err != nil && ctx.Err() == nil {
					logger.Error("telegram listener exited", "error", err)
				}
			}()
		}
	}

	fanout := stream.NewFanOut()

	executor := phase.New(phase.Config{
		Store:         store,
		Registry:      registry,
		Runner:        runner,
		VCS:           vcs,
		Chat:          chat,
		FanOut:        fanout,
		Logger:        logger,
		Bus:           eventBus,
		AgentTimeoutS: cfg.AgentTimeoutS,
		TestCmd:       cfg.PipelineTestCmd,
		BeginMarker:   cfg.BeginMarker,
		EndMarker:     cfg.EndMarker,
	})

	sched := scheduler.New(scheduler.Config{
		Store:      store,
		Logger:     logger,
		Worker:     executor,
		Interval:   time.Duration(cfg.TickIntervalS) * time.Second,
		MaxWorkers: 4,
	})
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	seeder, err := cron.NewSeeder(cron.Config{
		Store:  store,
		Logger: logger,
		Modes: []cron.Mode{{
			Name:          sweMode.Name,
			BacklogStatus: sweMode.InitialStatus,
			RepoPath:      cfg.PipelineRepo,
			MaxAttempts:   sweMode.DefaultMaxAttempts,
		}},
		MaxBacklogSize: cfg.MaxBacklogSize,
		SeedCooldownS:  cfg.SeedCooldownS,
	})
	if err != nil {
		fatalStartup(logger, "E_SEEDER_INIT", err)
	}
	if cfg.ContinuousMode {
		seeder.Start(ctx)
		defer seeder.Stop()
	}

	watcher := config.NewWatcher(config.ConfigPath(cfg.HomeDir), eventBus, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start", "error", err)
	}

	apiServer, err := httpapi.New(httpapi.Config{
		Store:       store,
		Registry:    registry,
		FanOut:      fanout,
		DefaultMode: sweMode.Name,
		Logger:      logger,
	})
	if err != nil {
		fatalStartup(logger, "E_HTTPAPI_INIT", err)
	}

	addr := fmt.Sprintf(":%d", cfg.WebPort)
	server := &http.Server{Addr: addr, Handler: apiServer.Handler()}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("http api listening", "addr", addr)
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	requeue := func(ctx context.Context, taskID int64) error {
		m, ok := registry.Mode(sweMode.Name)
		if !ok {
			return fmt.Errorf("default mode not configured")
		}
		if err := store.RequeueDeadLetter(ctx, taskID, m.InitialStatus); err != nil {
			return err
		}
		audit.Record("operator", audit.ActionRequeue, taskID, "requeued via dashboard")
		return nil
	}
	provider := func() tui.Snapshot {
		active, _ := store.GetActiveTasks(ctx, 50)
		deadLetter, _ := store.GetDeadLetterTasks(ctx, 50)
		taskStats, _ := store.GetStats(ctx)
		runStats, _ := store.GetRunStats(ctx)
		return tui.Snapshot{
			Stats:      taskStats,
			RunStats:   runStats,
			Active:     active,
			DeadLetter: deadLetter,
		}
	}

	if interactive {
		go func() {
			if err := tui.Run(ctx, provider, requeue); err != nil && ctx.Err() == nil {
				logger.Error("dashboard exited with error", "error", err)
			}
			stop()
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("http api server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                Run the pipeline: scheduler, HTTP API, and (on a
                     terminal) the operator dashboard.
  %s -headless       Run without the dashboard even on a terminal.

ENVIRONMENT VARIABLES:
  PIPELINED_HOME            Data directory (default: ~/.pipelined)
  TELEGRAM_BOT_TOKEN        Enables the Telegram chat notifier
  PIPELINED_METRICS_ENABLED Set to "true" to export metrics to stdout

See pipeline.yaml and the environment variable table in the README for the
rest of the configuration surface.
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("system", "fatal", 0, reasonCode+": "+message)
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: %s: %s\n", reasonCode, message)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
