package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the probehub server. It is built once at startup and
// passed by reference into each component's constructor.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Store       StoreConfig
	Redis       RedisConfig
	Partition   PartitionConfig
	Coordinator CoordinatorConfig
	Cache       CacheConfig
	Datasets    DatasetsConfig
	Identity    IdentityConfig
	Target      TargetConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type StoreConfig struct {
	Backend string
}

type RedisConfig struct {
	URL string
}

// PartitionConfig controls identity routing. Salt must stay stable for the lifetime of the
// data: changing it reroutes every tenant to a new, empty partition.
type PartitionConfig struct {
	Root            string
	Salt            string
	Prefix          string
	DefaultIdentity string
}

type CoordinatorConfig struct {
	FailureThreshold int
	ItemTimeout      time.Duration
	WriteTimeout     time.Duration
	SubmitQuota      int
}

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

type DatasetsConfig struct {
	Dir string
}

type IdentityConfig struct {
	Header   string
	Required bool
	Admins   []string
}

type TargetConfig struct {
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	Timeout  time.Duration
}

var validBackends = map[string]bool{
	"postgres": true,
	"memory":   true,
}

var validTargets = map[string]bool{
	"echo":   true,
	"openai": true,
}

// envFiles are loaded, if present, before reading the environment. Values already set in the
// process environment win.
var envFiles = []string{".env.local", ".env"}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("PROBEHUB_PORT", 8080),
			Env:  envString("PROBEHUB_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Store: StoreConfig{
			Backend: envString("STORE_BACKEND", "postgres"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Partition: PartitionConfig{
			Root:            envString("PARTITION_ROOT", "./data/partitions"),
			Salt:            os.Getenv("PARTITION_SALT"),
			Prefix:          envString("PARTITION_PREFIX", "tenant"),
			DefaultIdentity: envString("PARTITION_DEFAULT_IDENTITY", "default_user"),
		},
		Coordinator: CoordinatorConfig{
			FailureThreshold: envInt("COORDINATOR_FAILURE_THRESHOLD", 3),
			ItemTimeout:      envDuration("COORDINATOR_ITEM_TIMEOUT", 60*time.Second),
			WriteTimeout:     envDuration("COORDINATOR_WRITE_TIMEOUT", 10*time.Second),
			SubmitQuota:      envInt("COORDINATOR_SUBMIT_QUOTA_PER_MIN", 30),
		},
		Cache: CacheConfig{
			TTL:        envDuration("RESOURCE_CACHE_TTL", 5*time.Minute),
			MaxEntries: envInt("RESOURCE_CACHE_MAX_ENTRIES", 512),
		},
		Datasets: DatasetsConfig{
			Dir: envString("DATASETS_DIR", "./datasets"),
		},
		Identity: IdentityConfig{
			Header:   envString("IDENTITY_HEADER", "X-User-Identity"),
			Required: envBool("IDENTITY_REQUIRED", true),
			Admins:   envList("IDENTITY_ADMINS"),
		},
		Target: TargetConfig{
			Provider: envString("TARGET_PROVIDER", "echo"),
			BaseURL:  envString("TARGET_BASE_URL", "http://localhost:11434/v1"),
			APIKey:   os.Getenv("TARGET_API_KEY"),
			Model:    envString("TARGET_MODEL", "llama3"),
			Timeout:  envDuration("TARGET_TIMEOUT", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if !validBackends[c.Store.Backend] {
		return fmt.Errorf("STORE_BACKEND must be one of postgres, memory; got %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is postgres")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Partition.Salt == "" {
		return fmt.Errorf("PARTITION_SALT is required")
	}
	if c.Partition.Root == "" {
		return fmt.Errorf("PARTITION_ROOT must not be empty")
	}
	if c.Partition.Prefix == "" || strings.ContainsAny(c.Partition.Prefix, `/\. `) {
		return fmt.Errorf("PARTITION_PREFIX must be a non-empty path-safe token, got %q", c.Partition.Prefix)
	}

	if c.Coordinator.FailureThreshold < 1 {
		return fmt.Errorf("COORDINATOR_FAILURE_THRESHOLD must be at least 1, got %d", c.Coordinator.FailureThreshold)
	}
	if c.Coordinator.ItemTimeout <= 0 {
		return fmt.Errorf("COORDINATOR_ITEM_TIMEOUT must be positive")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("RESOURCE_CACHE_TTL must be positive")
	}
	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("RESOURCE_CACHE_MAX_ENTRIES must not be negative")
	}

	if c.Identity.Header == "" {
		return fmt.Errorf("IDENTITY_HEADER must not be empty")
	}

	if !validTargets[c.Target.Provider] {
		return fmt.Errorf("TARGET_PROVIDER must be one of echo, openai; got %q", c.Target.Provider)
	}
	if c.Target.Provider == "openai" {
		if !strings.HasPrefix(c.Target.BaseURL, "http://") && !strings.HasPrefix(c.Target.BaseURL, "https://") {
			return fmt.Errorf("TARGET_BASE_URL must start with http:// or https://, got %q", c.Target.BaseURL)
		}
		if c.Target.Model == "" {
			return fmt.Errorf("TARGET_MODEL is required when TARGET_PROVIDER is openai")
		}
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

// envList splits a comma-separated variable, dropping blanks.
func envList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
