package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for repowarden.
type Config struct {
	Environment    string
	Org            string
	ScrapeInterval int // minutes
	SelfHeal       bool
	MaxRetries     int
	GithubToken    string

	DataDir        string
	ListenAddr     string
	RedisAddr      string
	BackupEndpoint string
	LogLevel       string
	LogJSON        bool

	// KnownRepos is the fixed initial set of repository short-names the
	// sync engine tracks. This list is configuration, not data: it may be
	// extended at runtime but never shrinks.
	KnownRepos []string
}

// File is the optional YAML configuration file shape.
type File struct {
	KnownRepos     []string `yaml:"knownRepos"`
	BackupEndpoint string   `yaml:"backupEndpoint"`
	ListenAddr     string   `yaml:"listenAddr"`
	RedisAddr      string   `yaml:"redisAddr"`
}

// Defaults applied when the environment leaves options unset.
const (
	DefaultOrg            = "BlackRoad-OS"
	DefaultScrapeInterval = 30
	DefaultMaxRetries     = 3
	DefaultListenAddr     = ":8420"
	DefaultRedisAddr      = "localhost:6379"
	DefaultDataDir        = "/var/lib/repowarden"
)

// Load builds a Config from the environment, overlaying values from the
// YAML file at path when path is non-empty.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Environment:    os.Getenv("ENVIRONMENT"),
		Org:            envOr("BLACKROAD_ORG", DefaultOrg),
		ScrapeInterval: DefaultScrapeInterval,
		SelfHeal:       true,
		MaxRetries:     DefaultMaxRetries,
		GithubToken:    os.Getenv("GITHUB_TOKEN"),
		DataDir:        envOr("DATA_DIR", DefaultDataDir),
		ListenAddr:     envOr("LISTEN_ADDR", DefaultListenAddr),
		RedisAddr:      envOr("REDIS_ADDR", DefaultRedisAddr),
		BackupEndpoint: os.Getenv("BACKUP_ENDPOINT"),
		LogLevel:       envOr("LOG_LEVEL", "info"),
		LogJSON:        os.Getenv("LOG_FORMAT") != "console",
	}

	if v := os.Getenv("SCRAPE_INTERVAL_MINUTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid SCRAPE_INTERVAL_MINUTES %q", v)
		}
		cfg.ScrapeInterval = n
	}

	if v := os.Getenv("SELF_HEAL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SELF_HEAL_ENABLED %q", v)
		}
		cfg.SelfHeal = b
	}

	if v := os.Getenv("MAX_RETRY_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid MAX_RETRY_ATTEMPTS %q", v)
		}
		cfg.MaxRetries = n
	}

	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	c.KnownRepos = f.KnownRepos
	if f.BackupEndpoint != "" {
		c.BackupEndpoint = f.BackupEndpoint
	}
	if f.ListenAddr != "" {
		c.ListenAddr = f.ListenAddr
	}
	if f.RedisAddr != "" {
		c.RedisAddr = f.RedisAddr
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
