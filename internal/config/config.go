package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Logging    LoggingConfig    `yaml:"logging"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Backend    BackendConfig    `yaml:"backend"`
	Sync       SyncConfig       `yaml:"sync"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// GatewayConfig drives the caching front for the app origin.
type GatewayConfig struct {
	Listen          string        `yaml:"listen"`
	Upstream        string        `yaml:"upstream"`
	CacheGeneration string        `yaml:"cache_generation"`
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	OfflinePath     string        `yaml:"offline_path"`
	PrecacheURLs    []string      `yaml:"precache_urls"`
	BypassPrefixes  []string      `yaml:"bypass_prefixes"`
	DevPrefixes     []string      `yaml:"dev_prefixes"`
	ActivateDelay   time.Duration `yaml:"activate_delay"`
}

// BackendConfig points at the hosted ledger API.
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url"`
	APIToken       string        `yaml:"api_token"`
	Marker         string        `yaml:"marker"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RPS            float64       `yaml:"rps"`
	Burst          int           `yaml:"burst"`
}

// SyncConfig tunes the queue drain processor and its triggers.
type SyncConfig struct {
	BatchSize        int           `yaml:"batch_size"`
	MaxRetries       int           `yaml:"max_retries"`
	InitialDelay     time.Duration `yaml:"initial_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	BackoffFactor    float64       `yaml:"backoff_factor"`
	EntryTimeout     time.Duration `yaml:"entry_timeout"`
	PeriodicSchedule string        `yaml:"periodic_schedule"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	StaleClaimAfter  time.Duration `yaml:"stale_claim_after"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
}

func Load(configPath string) (*Config, error) {
	// .env is optional; when present its variables feed ${VAR} expansion
	// inside the YAML.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "ledger-syncd"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = ":8090"
	}
	if c.Gateway.CacheGeneration == "" {
		c.Gateway.CacheGeneration = "v1"
	}
	if c.Gateway.CacheTTL == 0 {
		c.Gateway.CacheTTL = 24 * time.Hour
	}
	if c.Gateway.OfflinePath == "" {
		c.Gateway.OfflinePath = "/offline.html"
	}
	if len(c.Gateway.BypassPrefixes) == 0 {
		c.Gateway.BypassPrefixes = []string{"/api/", "/auth/"}
	}
	if len(c.Gateway.DevPrefixes) == 0 {
		c.Gateway.DevPrefixes = []string{"/@vite", "/__", "/sockjs-node"}
	}
	if c.Backend.RequestTimeout == 0 {
		c.Backend.RequestTimeout = 15 * time.Second
	}
	if c.Backend.RPS == 0 {
		c.Backend.RPS = 10
	}
	if c.Backend.Burst == 0 {
		c.Backend.Burst = 20
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 20
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = 5
	}
	if c.Sync.InitialDelay == 0 {
		c.Sync.InitialDelay = 2 * time.Second
	}
	if c.Sync.MaxDelay == 0 {
		c.Sync.MaxDelay = time.Minute
	}
	if c.Sync.BackoffFactor == 0 {
		c.Sync.BackoffFactor = 2
	}
	if c.Sync.EntryTimeout == 0 {
		c.Sync.EntryTimeout = 30 * time.Second
	}
	if c.Sync.PeriodicSchedule == "" {
		c.Sync.PeriodicSchedule = "@every 15m"
	}
	if c.Sync.ProbeInterval == 0 {
		c.Sync.ProbeInterval = 30 * time.Second
	}
	if c.Sync.StaleClaimAfter == 0 {
		c.Sync.StaleClaimAfter = 5 * time.Minute
	}
}

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}
	if c.Backend.BaseURL == "" {
		return errors.New("backend base_url is required")
	}
	if c.Gateway.Upstream == "" {
		return errors.New("gateway upstream is required")
	}
	if _, err := url.Parse(c.Gateway.Upstream); err != nil {
		return fmt.Errorf("gateway upstream is invalid: %w", err)
	}
	if _, err := url.Parse(c.Backend.BaseURL); err != nil {
		return fmt.Errorf("backend base_url is invalid: %w", err)
	}
	for _, prefix := range c.Gateway.BypassPrefixes {
		if !strings.HasPrefix(prefix, "/") {
			return fmt.Errorf("bypass prefix %q must start with /", prefix)
		}
	}
	if !strings.HasPrefix(c.Gateway.OfflinePath, "/") {
		return fmt.Errorf("offline_path %q must start with /", c.Gateway.OfflinePath)
	}
	return nil
}
