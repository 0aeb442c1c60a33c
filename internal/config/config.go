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
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Minio    MinioConfig    `yaml:"minio"`
	Chain    ChainConfig    `yaml:"chain"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Agent    AgentConfig    `yaml:"agent"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
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
}

// RabbitMQConfig holds the settlement event exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// MinioConfig holds object store settings. Credentials come from env
// (MINIO_ACCESS_KEY / MINIO_SECRET_KEY), not yaml.
type MinioConfig struct {
	Endpoint string `yaml:"endpoint"`
	Bucket   string `yaml:"bucket"`
	UseSSL   bool   `yaml:"use_ssl"`
}

// ChainConfig holds chain RPC and registration domain settings. The
// worker's private key comes from env (WORKER_PRIVATE_KEY), not yaml.
type ChainConfig struct {
	RPCURL        string `yaml:"rpc_url"`
	ChainID       int64  `yaml:"chain_id"`
	DomainName    string `yaml:"domain_name"`
	DomainVersion string `yaml:"domain_version"`
	DomainSalt    string `yaml:"domain_salt"` // optional fixed 0x salt, random per challenge when empty
	MinStake      int64  `yaml:"min_stake"`   // whole tokens
	TokenDecimals int    `yaml:"token_decimals"`
	SkipStake     bool   `yaml:"skip_stake"` // explicit opt-out for local development
}

// DispatchConfig holds coordinator-side dispatch and challenge settings
type DispatchConfig struct {
	ChallengeTTL      time.Duration `yaml:"challenge_ttl"`
	PresignBaseExpiry time.Duration `yaml:"presign_base_expiry"`
	ScheduledWindow   time.Duration `yaml:"scheduled_window"`
}

// AgentConfig holds worker agent configuration
type AgentConfig struct {
	CoordinatorURL      string        `yaml:"coordinator_url"`
	WorkerID            string        `yaml:"worker_id"` // random uuid when empty
	OrgID               string        `yaml:"org_id"`
	Concurrency         int           `yaml:"concurrency"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	RegisterBackoffSeed time.Duration `yaml:"register_backoff_seed"`
	StreamBackoffSeed   time.Duration `yaml:"stream_backoff_seed"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	ScheduledPoll       time.Duration `yaml:"scheduled_poll"`
	PayloadPrefetchLead time.Duration `yaml:"payload_prefetch_lead"`
	WorkDirRoot         string        `yaml:"work_dir_root"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// ValidateCoordinatorConfig checks the fields the coordinator service needs
func (c *Config) ValidateCoordinatorConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.Minio.Endpoint == "" {
		return fmt.Errorf("minio endpoint is required")
	}

	if c.Minio.Bucket == "" {
		return fmt.Errorf("minio bucket is required")
	}

	if c.Chain.ChainID == 0 {
		return fmt.Errorf("chain id is required")
	}

	if !c.Chain.SkipStake && c.Chain.RPCURL == "" {
		return fmt.Errorf("chain rpc_url is required unless skip_stake is set")
	}

	if c.Dispatch.ChallengeTTL <= 0 {
		return fmt.Errorf("dispatch challenge_ttl must be greater than 0")
	}

	if c.Dispatch.PresignBaseExpiry <= 0 {
		return fmt.Errorf("dispatch presign_base_expiry must be greater than 0")
	}

	if c.Dispatch.ScheduledWindow <= 0 {
		return fmt.Errorf("dispatch scheduled_window must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the fields the worker agent needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Agent.CoordinatorURL == "" {
		return fmt.Errorf("agent coordinator_url is required")
	}

	if c.Agent.Concurrency <= 0 {
		return fmt.Errorf("agent concurrency must be greater than 0")
	}

	if c.Agent.HeartbeatInterval <= 0 {
		return fmt.Errorf("agent heartbeat_interval must be greater than 0")
	}

	if c.Agent.RegisterBackoffSeed <= 0 {
		return fmt.Errorf("agent register_backoff_seed must be greater than 0")
	}

	if c.Agent.MaxBackoff < c.Agent.RegisterBackoffSeed {
		return fmt.Errorf("agent max_backoff must be at least register_backoff_seed")
	}

	if c.Agent.ScheduledPoll <= 0 {
		return fmt.Errorf("agent scheduled_poll must be greater than 0")
	}

	if c.Agent.PayloadPrefetchLead < 0 {
		return fmt.Errorf("agent payload_prefetch_lead must not be negative")
	}

	if c.Chain.ChainID == 0 {
		return fmt.Errorf("chain id is required")
	}

	return nil
}
