package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/stakework/gridpool/internal/config"
	"github.com/stakework/gridpool/internal/coordinator/api/handler"
	"github.com/stakework/gridpool/internal/coordinator/api/router"
	"github.com/stakework/gridpool/internal/coordinator/challenge"
	"github.com/stakework/gridpool/internal/coordinator/dispatch"
	"github.com/stakework/gridpool/internal/coordinator/registry"
	"github.com/stakework/gridpool/internal/coordinator/storage"
	"github.com/stakework/gridpool/internal/coordinator/stream"
	"github.com/stakework/gridpool/shared/chain"
	"github.com/stakework/gridpool/shared/logger"
	"github.com/stakework/gridpool/shared/objectstore"
	"github.com/stakework/gridpool/shared/postgresql"
	"github.com/stakework/gridpool/shared/rabbitmq"
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
	defaultConfigPath := os.Getenv("COORDINATOR_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/coordinator/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateCoordinatorConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting coordinator",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	store := storage.NewStorage(dbClient)
	schemaCtx, schemaCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = store.EnsureSchema(schemaCtx)
	schemaCancel()
	if err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	// Initialize RabbitMQ publisher for settlement events
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	// Initialize object store
	objects, err := objectstore.NewClient(&objectstore.Config{
		Endpoint:  cfg.Minio.Endpoint,
		AccessKey: os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_SECRET_KEY"),
		Bucket:    cfg.Minio.Bucket,
		UseSSL:    cfg.Minio.UseSSL,
	}, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}

	bucketCtx, bucketCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = objects.EnsureBucket(bucketCtx)
	bucketCancel()
	if err != nil {
		return fmt.Errorf("failed to ensure bucket: %w", err)
	}

	appLogger.Info("Object store ready", slog.String("bucket", cfg.Minio.Bucket))

	// Stake verification gates admission unless explicitly disabled
	var verifier chain.StakeVerifier
	if cfg.Chain.SkipStake {
		appLogger.Warn("Stake verification disabled")
	} else {
		rpcVerifier, err := chain.NewRPCStakeVerifier(cfg.Chain.RPCURL, appLogger.Logger)
		if err != nil {
			return fmt.Errorf("failed to connect chain RPC: %w", err)
		}
		defer rpcVerifier.Close()
		verifier = rpcVerifier
		appLogger.Info("Chain RPC connected", slog.Int64("chain_id", cfg.Chain.ChainID))
	}

	// Wire the coordinator core
	challenges := challenge.NewStore(challenge.Config{
		TTL:           cfg.Dispatch.ChallengeTTL,
		DomainName:    cfg.Chain.DomainName,
		DomainVersion: cfg.Chain.DomainVersion,
		ChainID:       cfg.Chain.ChainID,
		FixedSalt:     cfg.Chain.DomainSalt,
	}, appLogger.Logger)

	workers := registry.NewRegistry(store, verifier, registry.Config{
		MinStake:      cfg.Chain.MinStake,
		TokenDecimals: cfg.Chain.TokenDecimals,
	}, appLogger.Logger)

	hub := stream.NewHub(0, appLogger.Logger)

	coordinator := dispatch.NewCoordinator(store, objects, rabbitClient, hub, dispatch.Config{
		PresignBaseExpiry: cfg.Dispatch.PresignBaseExpiry,
		ScheduledWindow:   cfg.Dispatch.ScheduledWindow,
	}, appLogger.Logger)

	// Initialize router
	r := initRouter(cfg, appLogger.Logger, challenges, workers, coordinator, hub)

	// Create HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	// Start server in goroutine
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("Server failed to start",
				slog.Any("error", err),
			)
			os.Exit(1)
		}
	}()

	appLogger.Info("Coordinator is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appLogger.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
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

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the settlement event publisher
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(
	cfg *config.Config,
	logger *slog.Logger,
	challenges *challenge.Store,
	workers *registry.Registry,
	coordinator *dispatch.Coordinator,
	hub *stream.Hub,
) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	handlerDeps := &handler.Dependencies{
		Logger:      logger,
		Challenges:  challenges,
		Registry:    workers,
		Dispatch:    coordinator,
		Hub:         hub,
		SigningName: cfg.Chain.DomainName,
		SigningVer:  cfg.Chain.DomainVersion,
		ChainID:     cfg.Chain.ChainID,
	}

	return router.SetupRouter(handlerDeps)
}
