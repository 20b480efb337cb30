package main

import (
	"context"
	"errors"
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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cuongbtq/account-sync/internal/api/handler"
	"github.com/cuongbtq/account-sync/internal/api/router"
	"github.com/cuongbtq/account-sync/internal/broadcast"
	"github.com/cuongbtq/account-sync/internal/config"
	"github.com/cuongbtq/account-sync/internal/corebanking"
	"github.com/cuongbtq/account-sync/internal/discovery"
	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/enrichment"
	"github.com/cuongbtq/account-sync/internal/metrics"
	"github.com/cuongbtq/account-sync/internal/pagination"
	"github.com/cuongbtq/account-sync/internal/scheduler"
	"github.com/cuongbtq/account-sync/internal/storage"
	"github.com/cuongbtq/account-sync/shared/logger"
	"github.com/cuongbtq/account-sync/shared/postgresql"
	"github.com/cuongbtq/account-sync/shared/rabbitmq"
)

const serviceName = "worker-service"

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
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid worker config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting worker service",
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

	store := storage.NewStorage(dbClient)
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(context.Background()); err != nil {
			return fmt.Errorf("failed to migrate database: %w", err)
		}
		appLogger.Info("Database schema migrated")
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.NewRegistry())
	}

	// Broker links connect lazily on first publish or subscribe
	manager := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	fabric := broadcast.NewFabric(rabbitmq.NewPubSub(manager, appLogger.Logger), broadcast.Config{
		BufferSize:     cfg.Broadcast.BufferSize,
		PublishTimeout: cfg.Broadcast.PublishTimeout,
	}, appLogger.With(slog.String("component", "broadcast")).Logger, collector)

	lookup := corebanking.NewClient(&corebanking.Config{
		BaseURL:  cfg.CoreBanking.BaseURL,
		APIKey:   cfg.CoreBanking.APIKey,
		Timeout:  cfg.CoreBanking.Timeout,
		PageSize: cfg.CoreBanking.PageSize,
	}, appLogger.With(slog.String("component", "corebanking")).Logger)

	broadcastLevel := logger.ParseLevel(cfg.Broadcast.LogLevel)
	queue := pagination.NewQueue(collector)

	discoveryJob := discovery.New(discovery.Config{
		Interval:          cfg.Discovery.Interval,
		InitialDelay:      cfg.Discovery.InitialDelay,
		BatchSize:         cfg.Discovery.BatchSize,
		DrainInterval:     cfg.Discovery.DrainInterval,
		MaxPageAttempts:   cfg.Discovery.MaxPageAttempts,
		DeactivateMissing: cfg.Discovery.DeactivateMissing,
	}, store, lookup, queue,
		serviceLogger(appLogger, fabric, domain.ServiceAccountDiscovery, broadcastLevel), collector)

	enrichmentJob := enrichment.New(enrichment.Config{
		Interval:     cfg.Enrichment.Interval,
		InitialDelay: cfg.Enrichment.InitialDelay,
		BatchSize:    cfg.Enrichment.BatchSize,
		RequestDelay: cfg.Enrichment.RequestDelay,
	}, store, lookup,
		serviceLogger(appLogger, fabric, domain.ServiceAccountEnrichment, broadcastLevel), collector)

	registry := scheduler.NewRegistry(
		discoveryJob.NewRunner(fabric, scheduler.WithMetrics(collector)),
		enrichmentJob.NewRunner(fabric, scheduler.WithMetrics(collector)),
	)

	// The broker is not required to start: publishes are dropped until it is up
	readyCtx, readyCancel := context.WithTimeout(context.Background(), cfg.RabbitMQ.Connection.ReadyTimeout)
	if err := manager.WaitReady(readyCtx); err != nil {
		appLogger.Warn("Broker not ready, continuing without broadcasts",
			slog.Any("error", err),
			slog.Any("state", manager.State()),
		)
	} else {
		appLogger.Info("RabbitMQ connection established")
	}
	readyCancel()

	registry.StartAll()

	// Status and trigger endpoints
	r := initRouter(cfg, &handler.Dependencies{
		Service:  serviceName,
		Logger:   appLogger.Logger,
		DB:       dbClient,
		Broker:   manager,
		Metrics:  collector,
		Registry: registry,
		Queue:    queue,
	})
	srv := newServer(&cfg.Server, r)

	errChan := make(chan error, 1)
	go func() {
		appLogger.Info("Starting HTTP server", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case runErr = <-errChan:
		appLogger.Error("HTTP server error", slog.Any("error", runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown", slog.Any("error", err))
	}

	// Stop schedulers and wait for in-flight runs
	done := make(chan struct{})
	go func() {
		registry.StopAll()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Schedulers stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Scheduler shutdown timeout exceeded, forcing exit")
	}

	fabric.Close()
	if err := manager.Close(); err != nil {
		appLogger.Warn("Failed to close broker", slog.Any("error", err))
	}

	appLogger.Info("Worker service shutdown complete")
	return runErr
}

// serviceLogger returns a logger whose records are also broadcast on the
// service's log channel
func serviceLogger(base *logger.Logger, fabric *broadcast.Fabric, service string, level slog.Level) *slog.Logger {
	h := broadcast.NewLogHandler(base.Handler(), fabric, service, level)
	return base.WithHandler(h).With(slog.String("service", service)).Logger
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
		URL:             cfg.URL,
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

// initRabbitMQ creates the broker connection manager
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) *rabbitmq.Manager {
	rabbitConfig := &rabbitmq.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		VHost:           cfg.VHost,
		ExchangeName:    cfg.Exchange.Name,
		ExchangeType:    cfg.Exchange.Type,
		ExchangeDurable: cfg.Exchange.Durable,
		MaxAttempts:     cfg.Connection.MaxAttempts,
		RetryStep:       cfg.Connection.RetryStep,
		RetryCeiling:    cfg.Connection.RetryCeiling,
		Heartbeat:       cfg.Connection.Heartbeat,
		DialTimeout:     cfg.Connection.DialTimeout,
	}

	return rabbitmq.NewManager(rabbitConfig, logger.With(slog.String("component", "rabbitmq")))
}

// initRouter builds the gin engine for the configured environment
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return router.SetupRouter(deps, cfg.Metrics.Path)
}

func newServer(cfg *config.ServerConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}
