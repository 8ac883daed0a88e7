package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/PushPalsDev/pushpals-sub001/internal/api"
	pushpalscfg "github.com/PushPalsDev/pushpals-sub001/internal/config"
	"github.com/PushPalsDev/pushpals-sub001/internal/db"
	"github.com/PushPalsDev/pushpals-sub001/internal/eventlog"
	"github.com/PushPalsDev/pushpals-sub001/internal/metrics"
	"github.com/PushPalsDev/pushpals-sub001/internal/repositories"
	"github.com/PushPalsDev/pushpals-sub001/internal/watchdog"
	"github.com/PushPalsDev/pushpals-sub001/internal/websocket"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := pushpalscfg.Default()
	var configFile string

	root := &cobra.Command{
		Use:   "pushpals-server",
		Short: "PushPals session/event server",
		Long: `pushpals-server is the central coordination point for a PushPals
session: it accepts commands from LocalBuddy, fans out the append-only
event log to SSE and WebSocket subscribers, and runs the request, job
and completion queues that RemoteBuddy and the WorkerPal pool drain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Flags set on the command line win over the file, so keep
			// their values and re-apply them after the file is merged.
			explicit := map[string]string{}
			for _, name := range []string{"http-addr", "db-driver", "db-dsn", "log-level", "auth-token", "queue-wait-interval-ms", "execution-interval-ms", "heartbeat-interval-ms"} {
				if cmd.Flags().Changed(name) {
					explicit[name] = cmd.Flags().Lookup(name).Value.String()
				}
			}
			if err := pushpalscfg.LoadFile(&cfg, configFile); err != nil {
				return err
			}
			for name, v := range explicit {
				if err := cmd.Flags().Set(name, v); err != nil {
					return err
				}
			}
			pushpalscfg.ApplyEnv(&cfg)
			return run(cmd.Context(), &cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to an optional TOML config file")
	root.PersistentFlags().StringVar(&cfg.HTTPAddr, "http-addr", pushpalscfg.EnvOrDefault("PUSHPALS_HTTP_ADDR", cfg.HTTPAddr), "HTTP listen address")
	root.PersistentFlags().StringVar(&cfg.DBDriver, "db-driver", pushpalscfg.EnvOrDefault("PUSHPALS_DB_DRIVER", cfg.DBDriver), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.DBDSN, "db-dsn", pushpalscfg.EnvOrDefault("PUSHPALS_DB_DSN", cfg.DBDSN), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.LogLevel, "log-level", pushpalscfg.EnvOrDefault("PUSHPALS_LOG_LEVEL", cfg.LogLevel), "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&cfg.AuthToken, "auth-token", pushpalscfg.EnvOrDefault("PUSHPALS_AUTH_TOKEN", cfg.AuthToken), "Shared bearer token required on every request (empty = disabled, dev only)")
	root.PersistentFlags().Int64Var(&cfg.QueueWaitIntervalMs, "queue-wait-interval-ms", cfg.QueueWaitIntervalMs, "Queue-wait-budget sweep interval")
	root.PersistentFlags().Int64Var(&cfg.ExecutionIntervalMs, "execution-interval-ms", cfg.ExecutionIntervalMs, "Execution-budget sweep interval")
	root.PersistentFlags().Int64Var(&cfg.HeartbeatIntervalMs, "heartbeat-interval-ms", cfg.HeartbeatIntervalMs, "Worker heartbeat TTL sweep interval")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("pushpals-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *pushpalscfg.Config) error {
	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting pushpals server",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DBDriver),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("auth_enabled", cfg.AuthToken != ""),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Database ---
	gormDB, err := db.New(db.Config{
		Driver:   cfg.DBDriver,
		DSN:      cfg.DBDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// --- 2. Repositories ---
	sessionRepo := repositories.NewSessionRepository(gormDB)
	eventRepo := repositories.NewEventRepository(gormDB)
	requestRepo := repositories.NewRequestRepository(gormDB)
	jobRepo := repositories.NewJobRepository(gormDB)
	completionRepo := repositories.NewCompletionRepository(gormDB)
	workerRepo := repositories.NewWorkerRepository(gormDB)

	// --- 3. Event fan-out: hub + log ---
	hub := websocket.NewHub()
	go hub.Run(ctx)

	log := eventlog.New(eventRepo, sessionRepo, hub, logger)

	waiters := metrics.NewClaimWaitTracker(512)
	durations := metrics.NewClaimWaitTracker(512)
	outcomes := metrics.NewOutcomeTracker(512)

	// --- 4. Watchdog sweeps ---
	wd, err := watchdog.New(requestRepo, jobRepo, completionRepo, log, outcomes, gormDB, logger, watchdog.Config{
		QueueWaitInterval: time.Duration(cfg.QueueWaitIntervalMs) * time.Millisecond,
		ExecutionInterval: time.Duration(cfg.ExecutionIntervalMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.HeartbeatIntervalMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to create watchdog: %w", err)
	}
	if err := wd.Start(); err != nil {
		return fmt.Errorf("failed to start watchdog: %w", err)
	}
	defer func() {
		if err := wd.Stop(); err != nil {
			logger.Warn("watchdog shutdown error", zap.Error(err))
		}
	}()

	// --- 5. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		Logger:      logger,
		Sessions:    sessionRepo,
		Requests:    requestRepo,
		Jobs:        jobRepo,
		Completions: completionRepo,
		Workers:     workerRepo,
		Log:         log,
		Hub:         hub,
		Waiters:     waiters,
		Durations:   durations,
		Outcomes:    outcomes,
		AuthToken:   cfg.AuthToken,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE/WS connections are long-lived; per-write deadlines live in those handlers.
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down pushpals server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("pushpals server stopped")
	return nil
}

// gormLogLevel maps the application log level string to a GORM logger level.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
