package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/stakework/gridpool/internal/agent/client"
	"github.com/stakework/gridpool/internal/agent/executor"
	"github.com/stakework/gridpool/internal/agent/registration"
	"github.com/stakework/gridpool/internal/agent/scheduler"
	"github.com/stakework/gridpool/internal/config"
	"github.com/stakework/gridpool/shared/chain"
	"github.com/stakework/gridpool/shared/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	workerID := cfg.Agent.WorkerID
	if workerID == "" {
		workerID = uuid.New().String()
	}

	appLogger.Info("Starting worker",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("worker_id", workerID),
	)

	// The signing wallet comes from env; a missing key gets an ephemeral
	// account, which only makes sense with stake checks disabled
	account, err := initAccount(appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize wallet: %w", err)
	}

	appLogger.Info("Wallet ready", slog.String("address", account.Address()))

	workRoot := cfg.Agent.WorkDirRoot
	if workRoot == "" {
		workRoot = "/tmp/gridpool"
	}
	if err := os.MkdirAll(workRoot, 0o755); err != nil {
		return fmt.Errorf("failed to create work root: %w", err)
	}

	api := client.NewClient(cfg.Agent.CoordinatorURL, appLogger.Logger)

	manager := registration.NewManager(api, account, registration.Config{
		WorkerID:          workerID,
		OrgID:             cfg.Agent.OrgID,
		Concurrency:       cfg.Agent.Concurrency,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		BackoffSeed:       cfg.Agent.RegisterBackoffSeed,
		MaxBackoff:        cfg.Agent.MaxBackoff,
	}, appLogger.Logger)

	engine := scheduler.NewEngine(api, executor.New(appLogger.Logger), manager.Registered, scheduler.Config{
		WorkerID:          workerID,
		WorkRoot:          workRoot,
		Concurrency:       cfg.Agent.Concurrency,
		PrefetchLead:      cfg.Agent.PayloadPrefetchLead,
		PollInterval:      cfg.Agent.ScheduledPoll,
		StreamBackoffSeed: cfg.Agent.StreamBackoffSeed,
		MaxBackoff:        cfg.Agent.MaxBackoff,
	}, appLogger.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A fresh registration is immediately followed by a pull so nothing
	// dispatched while the worker was away is missed
	manager.OnRegistered(func() {
		engine.Pull(ctx)
	})
	manager.RunningCount(engine.Running)

	done := make(chan struct{})
	go func() {
		manager.Run(ctx)
	}()
	go func() {
		engine.Run(ctx)
		close(done)
	}()

	appLogger.Info("Worker is running",
		slog.String("coordinator", cfg.Agent.CoordinatorURL),
		slog.Int("concurrency", cfg.Agent.Concurrency),
	)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down worker...")
	cancel()

	// Let in-flight executions finish reporting
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		appLogger.Warn("Shutdown timed out with executions in flight")
	}

	appLogger.Info("Worker shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initAccount loads the signing key from WORKER_PRIVATE_KEY or generates
// an ephemeral one.
func initAccount(logger *slog.Logger) (*chain.Account, error) {
	if key := os.Getenv("WORKER_PRIVATE_KEY"); key != "" {
		return chain.NewAccount(key)
	}

	logger.Warn("WORKER_PRIVATE_KEY not set, generating ephemeral wallet")
	return chain.GenerateAccount()
}
