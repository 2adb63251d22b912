package main

import (
	"fmt"
	"os"
	"time"

	"ojforge/internal/common/cache"
	"ojforge/internal/common/db"
	"ojforge/internal/common/mq"
	"ojforge/internal/common/storage"
	"ojforge/internal/gate"
	"ojforge/pkg/utils/logger"

	"gopkg.in/yaml.v3"
)

const (
	defaultHTTPAddr        = "0.0.0.0:8080"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxHeaderBytes  = 1 << 20

	defaultDatabasePath  = "data/ojforge.db"
	defaultWorkspaceRoot = "data/workspaces"
	defaultEventTopic    = "ojforge.progress"
	defaultDrainTimeout  = 30 * time.Second
)

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	MaxHeaderBytes int           `yaml:"maxHeaderBytes"`
}

// AuthConfig holds JWT and registration settings.
type AuthConfig struct {
	JWTSecret        string        `yaml:"jwtSecret"`
	JWTIssuer        string        `yaml:"jwtIssuer"`
	AccessTTL        time.Duration `yaml:"accessTTL"`
	LoginFailLimit   int64         `yaml:"loginFailLimit"`
	LoginFailWindow  time.Duration `yaml:"loginFailWindow"`
	OpenRegistration bool          `yaml:"openRegistration"`
}

// WorkspaceConfig holds the on-disk workspace location.
type WorkspaceConfig struct {
	Root string `yaml:"root"`
}

// PipelineConfig holds per-problem run tunables.
type PipelineConfig struct {
	MaxAttempts   int           `yaml:"maxAttempts"`
	RetryBase     time.Duration `yaml:"retryBase"`
	CaseCount     int           `yaml:"caseCount"`
	MinCases      int           `yaml:"minCases"`
	Temperature   float64       `yaml:"temperature"`
	SolveLanguage string        `yaml:"solveLanguage"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	PollTimeout   time.Duration `yaml:"pollTimeout"`
	TargetBaseURL string        `yaml:"targetBaseURL"`
}

// ExecConfig holds local compile-and-run settings.
type ExecConfig struct {
	CompileCpp     string        `yaml:"compileCpp"`
	RunCpp         string        `yaml:"runCpp"`
	RunPython      string        `yaml:"runPython"`
	CompileTimeout time.Duration `yaml:"compileTimeout"`
	RunTimeout     time.Duration `yaml:"runTimeout"`
	ScriptTimeout  time.Duration `yaml:"scriptTimeout"`
	OutputLimit    int64         `yaml:"outputLimit"`
}

// LLMConfig holds provider call settings.
type LLMConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// EventsConfig holds progress event fan-out settings. The Kafka mirror is
// optional; the in-process bus and WebSocket hub always run.
type EventsConfig struct {
	Backlog       int    `yaml:"backlog"`
	MirrorEnabled bool   `yaml:"mirrorEnabled"`
	Topic         string `yaml:"topic"`
}

// ArchiveConfig holds workspace archival settings.
type ArchiveConfig struct {
	Enabled bool                `yaml:"enabled"`
	MinIO   storage.MinIOConfig `yaml:"minio"`
	Bucket  string              `yaml:"bucket"`
}

// ServiceConfig holds task intake and housekeeping settings.
type ServiceConfig struct {
	MaxBatch        int           `yaml:"maxBatch"`
	StaleAfter      time.Duration `yaml:"staleAfter"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	DrainTimeout    time.Duration `yaml:"drainTimeout"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool          `yaml:"enabled"`
	AllowedOrigins   []string      `yaml:"allowedOrigins"`
	AllowedMethods   []string      `yaml:"allowedMethods"`
	AllowedHeaders   []string      `yaml:"allowedHeaders"`
	ExposedHeaders   []string      `yaml:"exposedHeaders"`
	AllowCredentials bool          `yaml:"allowCredentials"`
	MaxAge           time.Duration `yaml:"maxAge"`
}

// AppConfig holds the service configuration.
type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Logger      logger.Config     `yaml:"logger"`
	Auth        AuthConfig        `yaml:"auth"`
	Database    db.Config         `yaml:"database"`
	Redis       cache.RedisConfig `yaml:"redis"`
	Kafka       mq.KafkaConfig    `yaml:"kafka"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	Concurrency gate.Config       `yaml:"concurrency"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
	Exec        ExecConfig        `yaml:"exec"`
	LLM         LLMConfig         `yaml:"llm"`
	Events      EventsConfig      `yaml:"events"`
	Archive     ArchiveConfig     `yaml:"archive"`
	CORS        CORSConfig        `yaml:"cors"`
	Service     ServiceConfig     `yaml:"service"`
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
	if cfg.Server.MaxHeaderBytes == 0 {
		cfg.Server.MaxHeaderBytes = defaultMaxHeaderBytes
	}

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwtSecret is required")
	}

	if cfg.Database.Driver == "" || cfg.Database.Driver == db.DriverSQLite {
		if cfg.Database.Path == "" {
			cfg.Database.Path = defaultDatabasePath
		}
	} else if cfg.Database.Driver == db.DriverMySQL && cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required for the mysql driver")
	}

	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	applyRedisDefaults(&cfg.Redis)

	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = defaultWorkspaceRoot
	}

	cfg.Concurrency.Normalize()
	if err := cfg.Concurrency.Validate(); err != nil {
		return nil, fmt.Errorf("concurrency config invalid: %w", err)
	}

	if cfg.Events.Topic == "" {
		cfg.Events.Topic = defaultEventTopic
	}
	if cfg.Events.MirrorEnabled && len(cfg.Kafka.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required when the event mirror is enabled")
	}

	if cfg.Archive.Enabled {
		if cfg.Archive.MinIO.Endpoint == "" {
			return nil, fmt.Errorf("archive.minio.endpoint is required when archiving is enabled")
		}
		if cfg.Archive.Bucket == "" {
			cfg.Archive.Bucket = cfg.Archive.MinIO.Bucket
		}
		if cfg.Archive.Bucket == "" {
			return nil, fmt.Errorf("archive.bucket is required when archiving is enabled")
		}
	}

	if cfg.Service.DrainTimeout == 0 {
		cfg.Service.DrainTimeout = defaultDrainTimeout
	}

	return &cfg, nil
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
