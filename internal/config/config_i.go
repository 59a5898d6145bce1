package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	ilog "mcctl/internal/log"

	"gopkg.in/yaml.v3"
)

const (
	DefaultRCONPort            = 25575
	DefaultRCONTimeout         = 5 * time.Second
	DefaultShutdownGrace       = 30 * time.Second
	DefaultReadyEstimate       = 3 * time.Minute
	DefaultHealthCheckInterval = 5 * time.Minute
	DefaultIdleTimeout         = 15 * time.Minute
	DefaultSuspendTimeout      = 45 * time.Minute
	DefaultMaxPlayers          = 20
	DefaultGameVersion         = "1.20.1"
	DefaultImage               = "ubuntu-24.04"
)

// Env overrides for secrets that should not live in the YAML file.
const (
	EnvDatabaseURL   = "MCCTL_DATABASE_URL"
	EnvWebhookSecret = "MCCTL_WEBHOOK_SECRET"
	EnvAdminToken    = "MCCTL_ADMIN_TOKEN"
	EnvHCloudToken   = "MCCTL_HCLOUD_TOKEN"
	EnvCFToken       = "MCCTL_CF_API_TOKEN"
)

type Cloudflare struct {
	APIToken   string `yaml:"api_token"`
	ZoneID     string `yaml:"zone_id"`
	RecordID   string `yaml:"record_id"`
	RecordName string `yaml:"record_name"`
}

type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	DBURL     string `yaml:"database_url"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// PublicURL is the externally reachable base of this service; webhook
	// callbacks embedded in the bootstrap script are derived from it.
	PublicURL     string `yaml:"public_url"`
	WebhookSecret string `yaml:"webhook_secret"`
	AdminToken    string `yaml:"admin_token"`

	HCloudToken  string `yaml:"hcloud_token"`
	HCloudSSHKey string `yaml:"hcloud_ssh_key"`
	HCloudImage  string `yaml:"hcloud_image"`

	Cloudflare Cloudflare `yaml:"cloudflare"`

	RCONPort     int           `yaml:"rcon_port"`
	RCONPassword string        `yaml:"rcon_password"`
	RCONTimeout  time.Duration `yaml:"rcon_timeout"`

	ShutdownGrace       time.Duration `yaml:"shutdown_grace"`
	ReadyEstimate       time.Duration `yaml:"ready_estimate"`
	HealthCheckInterval time.Duration `yaml:"healthcheck_interval"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	SuspendTimeout      time.Duration `yaml:"suspend_timeout"`
	StrictTransitions   bool          `yaml:"strict_transitions"`

	MaxPlayers  int    `yaml:"max_players"`
	GameVersion string `yaml:"game_version"`
}

func Load() (Config, error) {
	logger := ilog.Component("config")
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		logger.Infof("CONFIG_PATH is set, loading: %s", p)
		return LoadFromFile(p)
	}
	path := resolveDefaultConfigPath()
	logger.Infof("using resolved config path: %s", path)
	return LoadFromFile(path)
}

func LoadFromFile(path string) (Config, error) {
	logger := ilog.Component("config")
	logger.Infof("reading config file: %s", path)
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Errorf("read failed: %v", err)
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg, err := Parse(b)
	if err != nil {
		logger.Errorf("config rejected: %v", err)
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}

	logger.Infof("config loaded successfully (http_addr=%s public_url=%s)", cfg.HTTPAddr, cfg.PublicURL)
	return cfg, nil
}

// Parse decodes YAML, applies env overrides and defaults, then validates.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse yaml: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.DBURL, EnvDatabaseURL)
	override(&c.WebhookSecret, EnvWebhookSecret)
	override(&c.AdminToken, EnvAdminToken)
	override(&c.HCloudToken, EnvHCloudToken)
	override(&c.Cloudflare.APIToken, EnvCFToken)
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = ilog.LevelInfo
	}
	if c.LogFormat == "" {
		c.LogFormat = ilog.FormatConsole
	}
	if c.HCloudImage == "" {
		c.HCloudImage = DefaultImage
	}
	if c.RCONPort <= 0 {
		c.RCONPort = DefaultRCONPort
	}
	if c.RCONTimeout <= 0 {
		c.RCONTimeout = DefaultRCONTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.ReadyEstimate <= 0 {
		c.ReadyEstimate = DefaultReadyEstimate
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.SuspendTimeout <= 0 {
		c.SuspendTimeout = DefaultSuspendTimeout
	}
	if c.MaxPlayers <= 0 {
		c.MaxPlayers = DefaultMaxPlayers
	}
	if c.GameVersion == "" {
		c.GameVersion = DefaultGameVersion
	}
	c.PublicURL = strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
}

func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http_addr is required")
	}
	if c.DBURL == "" {
		return errors.New("database_url is required")
	}
	if c.PublicURL == "" {
		return errors.New("public_url is required")
	}
	if c.WebhookSecret == "" {
		return errors.New("webhook_secret is required")
	}
	if c.AdminToken == "" {
		return errors.New("admin_token is required")
	}
	if c.WebhookSecret == c.AdminToken {
		return errors.New("webhook_secret and admin_token must differ")
	}
	if c.HCloudToken == "" {
		return errors.New("hcloud_token is required")
	}
	return nil
}

// WebhookURL is the callback base handed to the VM bootstrap script.
func (c Config) WebhookURL() string {
	return c.PublicURL + "/api/mc/webhook"
}

// DNSEnabled reports whether enough Cloudflare settings exist to update records.
func (c Config) DNSEnabled() bool {
	return c.Cloudflare.APIToken != "" && c.Cloudflare.ZoneID != "" && c.Cloudflare.RecordID != ""
}

func resolveDefaultConfigPath() string {
	logger := ilog.Component("config")
	candidates := []string{
		"config/config.yml",
		"../config/config.yml",
		"../../config/config.yml",
	}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			logger.Infof("found config candidate: %s", p)
			return p
		}
	}
	// fallback for better error display in LoadFromFile
	logger.Warnf("no candidate found, fallback path: %s", candidates[0])
	return filepath.Clean(candidates[0])
}
