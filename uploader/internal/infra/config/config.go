package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreLocal = "local"
	StoreRedis = "redis"
)

type Config struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        string        `yaml:"log_level"`

	ProcessingRoot    string        `yaml:"processing_root"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`

	Upload      Upload      `yaml:"upload"`
	Credentials Credentials `yaml:"credentials"`

	Store    Store    `yaml:"store"`
	Redis    Redis    `yaml:"redis"`
	MinIO    MinIO    `yaml:"minio"`
	NATS     NATS     `yaml:"nats"`
	Metadata Metadata `yaml:"metadata"`
}

type Upload struct {
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	PreemptActive  *bool         `yaml:"preempt_active"`
	Extensions     []string      `yaml:"extensions"`
}

type Credentials struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	RefreshCooldown time.Duration `yaml:"refresh_cooldown"`
	// IdentityID overrides the id derived from the access key.
	IdentityID string `yaml:"identity_id"`
}

type Store struct {
	Backend   string `yaml:"backend"`
	LocalDir  string `yaml:"local_dir"`
	Namespace string `yaml:"namespace"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MinIO struct {
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UseSSL          bool   `yaml:"use_ssl"`
	Bucket          string `yaml:"bucket"`

	CredentialsSource string `yaml:"credentials_source"`
	STSEndpoint       string `yaml:"sts_endpoint"`
	RoleARN           string `yaml:"role_arn"`
	RoleSessionName   string `yaml:"role_session_name"`
	DurationSeconds   int    `yaml:"duration_seconds"`
}

type NATS struct {
	URL           string        `yaml:"url"`
	Subject       string        `yaml:"subject"`
	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

type Metadata struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

func (u Upload) Preempt() bool {
	return u.PreemptActive == nil || *u.PreemptActive
}

func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read file %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot unmarshal yaml: %w", err)
	}

	if err := cfg.defaults(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (cfg *Config) defaults() error {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	if cfg.ProcessingRoot == "" || cfg.Store.LocalDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home dir: %w", err)
		}
		if cfg.ProcessingRoot == "" {
			cfg.ProcessingRoot = filepath.Join(home, ".framesync", "processing")
		}
		if cfg.Store.LocalDir == "" {
			cfg.Store.LocalDir = filepath.Join(home, ".framesync", "state")
		}
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 2 * time.Second
	}

	if cfg.Upload.MaxRetries <= 0 {
		cfg.Upload.MaxRetries = 3
	}
	if cfg.Upload.RetryBaseDelay <= 0 {
		cfg.Upload.RetryBaseDelay = time.Second
	}

	if cfg.Credentials.RefreshInterval <= 0 {
		cfg.Credentials.RefreshInterval = 12 * time.Minute
	}
	if cfg.Credentials.RefreshCooldown <= 0 {
		cfg.Credentials.RefreshCooldown = time.Second
	}

	if cfg.Store.Backend == "" {
		cfg.Store.Backend = StoreLocal
	}
	if cfg.Store.Namespace == "" {
		cfg.Store.Namespace = "framesync"
	}

	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "framesync.submissions"
	}
	if cfg.Metadata.Timeout <= 0 {
		cfg.Metadata.Timeout = 30 * time.Second
	}

	return nil
}

func (cfg *Config) validate() error {
	switch cfg.Store.Backend {
	case StoreLocal:
	case StoreRedis:
		if cfg.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is empty")
		}
	default:
		return fmt.Errorf("unknown store.backend %q", cfg.Store.Backend)
	}

	if cfg.MinIO.Endpoint == "" {
		return fmt.Errorf("minio.endpoint is empty")
	}
	if cfg.MinIO.Bucket == "" {
		return fmt.Errorf("minio.bucket is empty")
	}
	if cfg.Credentials.RefreshCooldown >= cfg.Credentials.RefreshInterval {
		return fmt.Errorf("credentials.refresh_cooldown %s must be below refresh_interval %s",
			cfg.Credentials.RefreshCooldown, cfg.Credentials.RefreshInterval)
	}

	return nil
}
