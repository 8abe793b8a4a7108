package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"warden/internal/common/cache"
	"warden/internal/common/db"
	"warden/internal/common/mq"
	"warden/internal/common/storage"
	"warden/internal/workload/accounting"
	"warden/internal/workload/bundle"
	"warden/internal/workload/driver"
	"warden/internal/workload/driver/procdriver"
	"warden/internal/workload/grants"
	"warden/internal/workload/model"
	"warden/internal/workload/policy"
	"warden/internal/workload/service"
	"warden/pkg/utils/logger"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8090"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 15 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// AuthConfig holds JWT verification settings.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`
}

// RoutePolicy is one route's rate limit. A zero window falls back to the
// shared window; zero maxima disable the check.
type RoutePolicy struct {
	Window  time.Duration `yaml:"window"`
	UserMax int           `yaml:"userMax"`
	IPMax   int           `yaml:"ipMax"`
}

// RateConfig holds per-command rate limits. Commands that mutate state
// get tighter budgets than reads.
type RateConfig struct {
	Window time.Duration `yaml:"window"`
	Create RoutePolicy   `yaml:"create"`
	Start  RoutePolicy   `yaml:"start"`
	Stop   RoutePolicy   `yaml:"stop"`
	Delete RoutePolicy   `yaml:"delete"`
	Adjust RoutePolicy   `yaml:"adjust"`
	Read   RoutePolicy   `yaml:"read"`
}

// EngineConfig holds lifecycle engine tunables.
type EngineConfig struct {
	PollInterval  time.Duration `yaml:"pollInterval"`
	StatsAttempts int           `yaml:"statsAttempts"`
	StopGrace     time.Duration `yaml:"stopGrace"`
	DeadlineGrace time.Duration `yaml:"deadlineGrace"`
	MailboxSize   int           `yaml:"mailboxSize"`
	IdleActorTTL  time.Duration `yaml:"idleActorTTL"`
	StatusTTL     time.Duration `yaml:"statusTTL"`

	Accounting accounting.Config           `yaml:"accounting"`
	Policy     policy.Config               `yaml:"policy"`
	Plans      map[string]model.PlanLimits `yaml:"plans"`
	RunLimits  driver.Limits               `yaml:"runLimits"`
	Bounds     driver.Bounds               `yaml:"driverBounds"`
}

// CORSSettings holds browser cross-origin settings.
type CORSSettings struct {
	Enabled          bool          `yaml:"enabled"`
	AllowedOrigins   []string      `yaml:"allowedOrigins"`
	AllowedMethods   []string      `yaml:"allowedMethods"`
	AllowedHeaders   []string      `yaml:"allowedHeaders"`
	ExposedHeaders   []string      `yaml:"exposedHeaders"`
	AllowCredentials bool          `yaml:"allowCredentials"`
	MaxAge           time.Duration `yaml:"maxAge"`
}

// NotifyConfig routes lifecycle events to Kafka.
type NotifyConfig struct {
	Topic string `yaml:"topic"`
}

// GrantsConfig controls the grant intake consumer.
type GrantsConfig struct {
	Topic         string `yaml:"topic"`
	ConsumerGroup string `yaml:"consumerGroup"`
	Concurrency   int    `yaml:"concurrency"`
}

// AppConfig holds the host-service configuration.
type AppConfig struct {
	Server ServerConfig  `yaml:"server"`
	Logger logger.Config `yaml:"logger"`

	Database db.MySQLConfig      `yaml:"database"`
	Redis    cache.RedisConfig   `yaml:"redis"`
	Kafka    mq.KafkaConfig      `yaml:"kafka"`
	MinIO    storage.MinIOConfig `yaml:"minio"`

	Bundles bundle.Config     `yaml:"bundles"`
	Driver  procdriver.Config `yaml:"driver"`
	Engine  EngineConfig      `yaml:"engine"`

	Auth     AuthConfig            `yaml:"auth"`
	Rate     RateConfig            `yaml:"rate"`
	CORS     CORSSettings          `yaml:"cors"`
	Timeouts service.TimeoutConfig `yaml:"timeouts"`

	Notify NotifyConfig `yaml:"notify"`
	Grants GrantsConfig `yaml:"grants"`
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file failed: %w", err)
	}
	return nil
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth jwtSecret is required")
	}
	applyRedisDefaults(&cfg.Redis)

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaultReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = defaultIdleTimeout
	}

	if cfg.Bundles.Bucket == "" {
		cfg.Bundles.Bucket = cfg.MinIO.Bucket
	}

	// Engine tunables default inside engine.New; only the accounting and
	// policy tables need filling when the file leaves them out.
	if cfg.Engine.Accounting == (accounting.Config{}) {
		cfg.Engine.Accounting = accounting.DefaultConfig()
	}
	if cfg.Engine.Policy == (policy.Config{}) {
		cfg.Engine.Policy = policy.DefaultConfig()
	}
	if cfg.Engine.StatusTTL == 0 {
		cfg.Engine.StatusTTL = 30 * time.Second
	}

	applyRateDefaults(&cfg.Rate)

	// An empty notify topic falls back inside the sink.
	if cfg.Grants.Topic == "" {
		cfg.Grants.Topic = "budget.grants"
	}
	if cfg.Grants.ConsumerGroup == "" {
		cfg.Grants.ConsumerGroup = grants.DefaultConsumerGroup
	}

	return &cfg, nil
}

// applyRateDefaults fills the stock command budgets: admission is the
// most expensive path and gets the tightest limit.
func applyRateDefaults(cfg *RateConfig) {
	if cfg.Window == 0 {
		cfg.Window = time.Minute
	}
	if cfg.Create.UserMax == 0 {
		cfg.Create.UserMax = 3
	}
	if cfg.Create.Window == 0 {
		cfg.Create.Window = time.Hour
	}
	if cfg.Start.UserMax == 0 {
		cfg.Start.UserMax = 5
	}
	if cfg.Stop.UserMax == 0 {
		cfg.Stop.UserMax = 10
	}
	if cfg.Delete.UserMax == 0 {
		cfg.Delete.UserMax = 5
	}
	if cfg.Adjust.UserMax == 0 {
		cfg.Adjust.UserMax = 30
	}
	if cfg.Read.UserMax == 0 {
		cfg.Read.UserMax = 120
	}
	if cfg.Read.IPMax == 0 {
		cfg.Read.IPMax = 240
	}
}

func applyRedisDefaults(cfg *cache.RedisConfig) {
	if cfg == nil {
		return
	}
	defaults := cache.DefaultRedisConfig()
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.MinRetryBackoff == 0 {
		cfg.MinRetryBackoff = defaults.MinRetryBackoff
	}
	if cfg.MaxRetryBackoff == 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = defaults.DialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaults.ReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.PoolSize == 0 {
		cfg.PoolSize = defaults.PoolSize
	}
	if cfg.MinIdleConns == 0 {
		cfg.MinIdleConns = defaults.MinIdleConns
	}
	if cfg.PoolTimeout == 0 {
		cfg.PoolTimeout = defaults.PoolTimeout
	}
	if cfg.ConnMaxIdleTime == 0 {
		cfg.ConnMaxIdleTime = defaults.ConnMaxIdleTime
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaults.ConnMaxLifetime
	}
}
