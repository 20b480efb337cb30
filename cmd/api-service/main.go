package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
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
	"github.com/cuongbtq/account-sync/internal/domain"
	"github.com/cuongbtq/account-sync/internal/metrics"
	"github.com/cuongbtq/account-sync/internal/registration"
	"github.com/cuongbtq/account-sync/internal/storage"
	"github.com/cuongbtq/account-sync/shared/logger"
	"github.com/cuongbtq/account-sync/shared/postgresql"
	"github.com/cuongbtq/account-sync/shared/rabbitmq"
)

const serviceName = "api-service"

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
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
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

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
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

	appLogger.Info("Database connection established", dbClient.Stats()...)

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

	pipelineLogger := broadcast.NewLogHandler(appLogger.Handler(), fabric,
		domain.ServiceRegistration, logger.ParseLevel(cfg.Broadcast.LogLevel))
	pipeline := registration.NewPipeline(store, lookup, fabric,
		appLogger.WithHandler(pipelineLogger).With(slog.String("service", domain.ServiceRegistration)).Logger,
		collector)

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

	// Initialize router
	r := initRouter(cfg, &handler.Dependencies{
		Service:       serviceName,
		Logger:        appLogger.Logger,
		DB:            dbClient,
		Broker:        manager,
		Metrics:       collector,
		Registrations: store,
		Pipeline:      pipeline,
		Events:        fabric,
	})

	// Create HTTP server. WriteTimeout must stay zero for the event stream.
	// Request contexts derive from streamCtx so shutdown can end open streams.
	streamCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return streamCtx },
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	appLogger.Info("API service is running",
		slog.String("address", addr),
	)

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case runErr = <-errChan:
		appLogger.Error("Server failed to start", slog.Any("error", runErr))
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	cancelStreams()
	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		if runErr == nil {
			runErr = err
		}
	}

	fabric.Close()
	if err := manager.Close(); err != nil {
		appLogger.Warn("Failed to close broker", slog.Any("error", err))
	}

	appLogger.Info("Server shutdown complete")
	return runErr
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

// initRouter initializes the Gin router with all routes and middleware
func initRouter(cfg *config.Config, deps *handler.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return router.SetupRouter(deps, cfg.Metrics.Path)
}
