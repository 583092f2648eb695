package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cg-telemetry/cg-ingester/internal/catalog"
	"github.com/cg-telemetry/cg-ingester/internal/clock"
	"github.com/cg-telemetry/cg-ingester/internal/config"
	"github.com/cg-telemetry/cg-ingester/internal/db"
	cghttp "github.com/cg-telemetry/cg-ingester/internal/http"
	"github.com/cg-telemetry/cg-ingester/internal/ingest"
	"github.com/cg-telemetry/cg-ingester/internal/metrics"
	"github.com/cg-telemetry/cg-ingester/internal/mqtt"
	"github.com/cg-telemetry/cg-ingester/internal/retention"
	"github.com/cg-telemetry/cg-ingester/internal/store"
	"github.com/cg-telemetry/cg-ingester/internal/watchdog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runService()
	case "migrate":
		runMigrate()
	case "cleanup":
		runCleanup()
	case "health":
		runHealth()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: cg-ingester <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run       Start the ingestion service")
	fmt.Println("  migrate   Run database migrations")
	fmt.Println("  cleanup   Run one retention sweep and exit")
	fmt.Println("  health    Probe the readiness endpoint of a running service")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Logging.Level = logLevelOverride
	}

	logger := initLogger(cfg.Logging)
	return cfg, logger
}

func initLogger(cfg config.LoggingConfig) *zap.Logger {
	var zapLevel zapcore.Level
	switch cfg.Level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg.Encoding = "console"
	}
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.File != "" {
		zapCfg.OutputPaths = []string{cfg.File}
	}

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// migrationsDir returns the path to the migrations directory relative to the binary.
func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

func runService() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting cg-ingester",
		zap.String("mqtt", fmt.Sprintf("%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)),
		zap.String("http_listen", cfg.HTTP.Listen),
		zap.Int("workers", cfg.Ingest.WorkerCount),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.Postgres.DSN(), cfg.Postgres.PoolMax, cfg.Postgres.PoolMin)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	st := store.New(pool, logger.Named("store"),
		cfg.Ingest.StoreRawPayload, cfg.Ingest.StoreRawPayloadCompress)

	cat := catalog.New(st, logger.Named("catalog"))
	if err := cat.Reload(ctx); err != nil {
		logger.Fatal("failed to load register catalog", zap.Error(err))
	}

	clk := clock.Real{}
	tracker := watchdog.NewTracker()
	writer := ingest.NewRetryWriter(st, cfg.Ingest, logger.Named("store"))
	workers := ingest.NewPool(cfg, cat, writer, tracker, clk, logger.Named("ingest"))

	restoreState(ctx, st, workers, clk, logger)

	workers.Start(ctx)
	go watchdog.New(tracker, st, cfg.EventsPolicy, clk, logger.Named("watchdog")).Run(ctx)
	go retention.New(st, cfg.Retention, clk, logger.Named("retention")).Run(ctx)

	broker := mqtt.New(cfg.MQTT, logger.Named("mqtt"), func(topic string, payload []byte) {
		route, ok := ingest.ParseTopic(topic)
		if !ok {
			metrics.UnmatchedTopicsTotal.Inc()
			logger.Debug("unmatched topic", zap.String("topic", topic))
			return
		}
		workers.Enqueue(ingest.Message{
			Route:      route,
			Payload:    append([]byte(nil), payload...),
			ReceivedAt: clk.Now(),
		})
	})
	if err := broker.Start(ctx); err != nil {
		logger.Fatal("failed to start mqtt client", zap.Error(err))
	}

	httpServer := cghttp.NewServer(cfg.HTTP.Listen, st, broker, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("cg-ingester started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		select {
		case err := <-workers.Fatal():
			logger.Error("fatal store error, shutting down", zap.Error(err))
			shutdown(logger, broker, workers, httpServer, cancel)
			logger.Sync()
			os.Exit(1)
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				logger.Info("reloading register catalog on SIGHUP")
				if err := cat.Reload(ctx); err != nil {
					logger.Error("catalog reload failed, keeping previous snapshot", zap.Error(err))
				}
				continue
			}
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			shutdown(logger, broker, workers, httpServer, cancel)
			logger.Info("cg-ingester stopped")
			return
		}
	}
}

// restoreState warms the GPS filters and history policy from the latest
// tables. Failure here only costs decision quality on the first messages, so
// the service starts cold instead of refusing to start.
func restoreState(ctx context.Context, st *store.Store, workers *ingest.Pool, clk clock.Clock, logger *zap.Logger) {
	now := clk.Now()

	fixes, err := st.LoadGPSLatestAll(ctx)
	if err != nil {
		logger.Warn("gps state restore failed, starting cold", zap.Error(err))
	} else {
		for sn, fix := range fixes {
			workers.SeedGPS(sn, fix)
		}
		logger.Info("gps filter state restored", zap.Int("routers", len(fixes)))
	}

	states, err := st.LoadLatestStateAll(ctx)
	if err != nil {
		logger.Warn("latest_state restore failed, starting cold", zap.Error(err))
		return
	}
	for key, sample := range states {
		workers.SeedLatest(key, sample, now)
	}
	logger.Info("history policy state restored", zap.Int("keys", len(states)))
}

func shutdown(logger *zap.Logger, broker *mqtt.Client, workers *ingest.Pool, httpServer *cghttp.Server, cancel context.CancelFunc) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	// Stop intake first so the queues only drain.
	broker.Stop()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		workers.Stop()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("ingest queues drained")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, dropping queued messages")
	}

	cancel()
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations",
		zap.String("database", cfg.Postgres.Database),
		zap.String("host", cfg.Postgres.Host),
	)

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN(), cfg.Postgres.PoolMax, cfg.Postgres.PoolMin)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runCleanup() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running retention cleanup",
		zap.Int("gps_raw_hours", cfg.Retention.GPSRawHours),
		zap.Int("history_days", cfg.Retention.HistoryDays),
		zap.Int("events_days", cfg.Retention.EventsDays),
	)

	metrics.Register()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN(), cfg.Postgres.PoolMax, cfg.Postgres.PoolMin)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	st := store.New(pool, logger.Named("store"), false, false)
	clk := clock.Real{}
	retention.New(st, cfg.Retention, clk, logger.Named("retention")).Sweep(ctx, clk.Now())

	logger.Info("retention cleanup complete")
}

func runHealth() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	addr := cfg.HTTP.Listen
	if addr != "" && addr[0] == ':' {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/readyz", addr)

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "health probe failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	fmt.Println(string(body))
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}
