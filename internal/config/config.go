package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App         AppConfig         `yaml:"app"`
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	RabbitMQ    RabbitMQConfig    `yaml:"rabbitmq"`
	Broadcast   BroadcastConfig   `yaml:"broadcast"`
	CoreBanking CoreBankingConfig `yaml:"core_banking"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	Enrichment  EnrichmentConfig  `yaml:"enrichment"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// RabbitMQConfig holds the broker connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds broker connect retry settings
type ConnectionConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryStep    time.Duration `yaml:"retry_step"`
	RetryCeiling time.Duration `yaml:"retry_ceiling"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadyTimeout time.Duration `yaml:"ready_timeout"`
}

// BroadcastConfig holds broadcast fabric settings
type BroadcastConfig struct {
	BufferSize     int           `yaml:"buffer_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	// LogLevel is the minimum level of log records broadcast on logs:*
	LogLevel string `yaml:"log_level"`
}

// CoreBankingConfig holds the core-banking client settings
type CoreBankingConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
	PageSize int           `yaml:"page_size"`
}

// DiscoveryConfig holds the discovery scheduler settings
type DiscoveryConfig struct {
	Interval          time.Duration `yaml:"interval"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	BatchSize         int           `yaml:"batch_size"`
	DrainInterval     time.Duration `yaml:"drain_interval"`
	MaxPageAttempts   int           `yaml:"max_page_attempts"`
	DeactivateMissing bool          `yaml:"deactivate_missing"`
}

// EnrichmentConfig holds the enrichment scheduler settings
type EnrichmentConfig struct {
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	BatchSize    int           `yaml:"batch_size"`
	RequestDelay time.Duration `yaml:"request_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// MetricsConfig holds the Prometheus endpoint settings
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Load reads the configuration file, expands ${VAR} references from the
// environment and applies defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills zero values with defaults
func (c *Config) ApplyDefaults() {
	setDefault(&c.Server.ShutdownTimeout, 30*time.Second)
	setDefault(&c.Server.ReadTimeout, 15*time.Second)
	setDefault(&c.Server.IdleTimeout, 60*time.Second)

	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "topic"
	}
	if c.RabbitMQ.VHost == "" {
		c.RabbitMQ.VHost = "/"
	}
	setDefault(&c.RabbitMQ.Connection.MaxAttempts, 5)
	setDefault(&c.RabbitMQ.Connection.RetryStep, 2*time.Second)
	setDefault(&c.RabbitMQ.Connection.RetryCeiling, 10*time.Second)
	setDefault(&c.RabbitMQ.Connection.Heartbeat, 10*time.Second)
	setDefault(&c.RabbitMQ.Connection.DialTimeout, 5*time.Second)
	setDefault(&c.RabbitMQ.Connection.ReadyTimeout, 10*time.Second)

	setDefault(&c.Broadcast.BufferSize, 256)
	setDefault(&c.Broadcast.PublishTimeout, 2*time.Second)
	if c.Broadcast.LogLevel == "" {
		c.Broadcast.LogLevel = "info"
	}

	setDefault(&c.CoreBanking.Timeout, 15*time.Second)
	setDefault(&c.CoreBanking.PageSize, 100)

	setDefault(&c.Discovery.Interval, 5*time.Minute)
	setDefault(&c.Discovery.InitialDelay, 5*time.Second)
	setDefault(&c.Discovery.BatchSize, 50)
	setDefault(&c.Discovery.DrainInterval, 10*time.Second)
	setDefault(&c.Discovery.MaxPageAttempts, 3)

	setDefault(&c.Enrichment.Interval, 10*time.Minute)
	setDefault(&c.Enrichment.InitialDelay, 10*time.Second)
	setDefault(&c.Enrichment.BatchSize, 100)
	setDefault(&c.Enrichment.RequestDelay, 200*time.Millisecond)

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

func setDefault[T comparable](field *T, value T) {
	var zero T
	if *field == zero {
		*field = value
	}
}

// Validate checks the sections shared by both services
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}

		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}

		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Exchange.Type != "topic" {
		return fmt.Errorf("rabbitmq exchange type must be topic, got %q", c.RabbitMQ.Exchange.Type)
	}

	if c.Broadcast.BufferSize < 0 {
		return fmt.Errorf("broadcast buffer_size must not be negative")
	}

	if c.CoreBanking.BaseURL == "" {
		return fmt.Errorf("core_banking base_url is required")
	}

	return nil
}

// ValidateWorkerConfig checks the scheduler sections
func (c *Config) ValidateWorkerConfig() error {
	if c.Discovery.Interval <= 0 {
		return fmt.Errorf("discovery interval must be greater than 0")
	}

	if c.Discovery.DrainInterval <= 0 {
		return fmt.Errorf("discovery drain_interval must be greater than 0")
	}

	if c.Discovery.BatchSize <= 0 {
		return fmt.Errorf("discovery batch_size must be greater than 0")
	}

	if c.Discovery.MaxPageAttempts <= 0 {
		return fmt.Errorf("discovery max_page_attempts must be greater than 0")
	}

	if c.Enrichment.Interval <= 0 {
		return fmt.Errorf("enrichment interval must be greater than 0")
	}

	if c.Enrichment.BatchSize <= 0 {
		return fmt.Errorf("enrichment batch_size must be greater than 0")
	}

	if c.Enrichment.RequestDelay < 0 {
		return fmt.Errorf("enrichment request_delay must not be negative")
	}

	return nil
}
