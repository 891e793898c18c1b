package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vjranagit/histmanager/pkg/history"
	"github.com/vjranagit/histmanager/pkg/router"
	"github.com/vjranagit/histmanager/pkg/storage"
	"github.com/vjranagit/histmanager/pkg/storage/influx"
	"github.com/vjranagit/histmanager/pkg/types"
)

// InfluxBackend is the backend name the InfluxDB stores register under
const InfluxBackend = "influx"

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Influx  InfluxConfig  `yaml:"influx"`
	Routing RoutingConfig `yaml:"routing"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr string        `yaml:"listen_addr"`
	Timeout    time.Duration `yaml:"timeout"`
}

// StorageConfig holds the embedded store configuration
type StorageConfig struct {
	Path               string      `yaml:"path"`
	RetentionDays      int         `yaml:"retention_days"`
	TrendRetentionDays int         `yaml:"trend_retention_days"`
	CompressionLevel   int         `yaml:"compression_level"`
	EnableWAL          bool        `yaml:"enable_wal"`
	TrendCache         CacheConfig `yaml:"trend_cache"`
}

// CacheConfig sizes the trend query cache. A zero capacity disables it.
type CacheConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

// InfluxConfig holds the InfluxDB backend settings. The backend is only
// created when URL is set.
type InfluxConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether an InfluxDB backend is configured
func (c InfluxConfig) Enabled() bool {
	return c.URL != ""
}

// RoutingConfig names the backend per value type. Types left out use the
// embedded store.
type RoutingConfig struct {
	History map[string]string `yaml:"history"`
	Trends  string            `yaml:"trends"`
}

// EngineConfig tunes the query engine
type EngineConfig struct {
	StoreTimeout   time.Duration `yaml:"store_timeout"`
	TrendThreshold int64         `yaml:"trend_threshold"`
	MaxConcurrency int           `yaml:"max_concurrency"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	File   string `yaml:"file"`
}

// TracingConfig holds OpenTelemetry exporter settings
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	store := storage.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":9090",
			Timeout:    30 * time.Second,
		},
		Storage: StorageConfig{
			Path:               store.Path,
			RetentionDays:      store.RetentionDays,
			TrendRetentionDays: store.TrendRetentionDays,
			CompressionLevel:   store.CompressionLevel,
			EnableWAL:          store.EnableWAL,
			TrendCache: CacheConfig{
				Capacity: 1024,
				TTL:      time.Minute,
			},
		},
		Routing: RoutingConfig{
			Trends: router.DefaultBackend,
		},
		Engine: EngineConfig{
			StoreTimeout:   history.DefaultStoreTimeout,
			TrendThreshold: history.DefaultTrendThreshold,
			MaxConcurrency: history.DefaultMaxConcurrency,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tracing: TracingConfig{
			Endpoint:    "localhost:4317",
			ServiceName: "histmanager",
		},
	}
}

// Load reads YAML configuration over the defaults. A nil or empty reader
// yields the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, falling back to the
// defaults when the file does not exist.
func LoadFile(path string) (*Config, error) {
	if path == "" {
		return Load(nil)
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// ApplyEnv overrides settings from the environment
func (c *Config) ApplyEnv() {
	c.Server.ListenAddr = getEnv("LISTEN_ADDR", c.Server.ListenAddr)
	c.Storage.Path = getEnv("STORAGE_PATH", c.Storage.Path)
	c.Storage.RetentionDays = getEnvInt("RETENTION_DAYS", c.Storage.RetentionDays)
	c.Storage.TrendRetentionDays = getEnvInt("TREND_RETENTION_DAYS", c.Storage.TrendRetentionDays)
	c.Storage.CompressionLevel = getEnvInt("COMPRESSION_LEVEL", c.Storage.CompressionLevel)
	c.Storage.EnableWAL = getEnvBool("ENABLE_WAL", c.Storage.EnableWAL)
	c.Influx.URL = getEnv("INFLUXDB_URL", c.Influx.URL)
	c.Influx.Token = getEnv("INFLUXDB_TOKEN", c.Influx.Token)
	c.Influx.Org = getEnv("INFLUXDB_ORG", c.Influx.Org)
	c.Influx.Bucket = getEnv("INFLUXDB_BUCKET", c.Influx.Bucket)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage path is required")
	}

	if c.Storage.RetentionDays < 0 || c.Storage.TrendRetentionDays < 0 {
		return fmt.Errorf("retention days must not be negative")
	}

	if c.Storage.CompressionLevel < 1 || c.Storage.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if c.Storage.TrendCache.Capacity < 0 {
		return fmt.Errorf("trend cache capacity must not be negative")
	}

	if c.Engine.StoreTimeout < 0 || c.Engine.TrendThreshold < 0 || c.Engine.MaxConcurrency < 0 {
		return fmt.Errorf("engine settings must not be negative")
	}

	if c.Influx.Enabled() && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx org and bucket are required when influx url is set")
	}

	if _, err := c.RouterConfig(); err != nil {
		return err
	}

	return nil
}

// RouterConfig converts the routing section to router.Config
func (c *Config) RouterConfig() (router.Config, error) {
	rc := router.DefaultConfig()
	rc.Trends = c.Routing.Trends

	backends := map[string]bool{router.DefaultBackend: true, InfluxBackend: c.Influx.Enabled()}
	for name, backend := range c.Routing.History {
		vt, err := types.ParseValueType(name)
		if err != nil {
			return router.Config{}, fmt.Errorf("routing: %w", err)
		}
		if !backends[backend] {
			return router.Config{}, fmt.Errorf("routing: %s items use unknown or unconfigured backend %q", vt, backend)
		}
		rc.History[vt] = backend
	}
	if rc.Trends != "" && !backends[rc.Trends] {
		return router.Config{}, fmt.Errorf("routing: trends use unknown or unconfigured backend %q", rc.Trends)
	}
	return rc, nil
}

// ToStorageConfig converts to storage.Config
func (c *Config) ToStorageConfig() *storage.Config {
	return &storage.Config{
		Path:               c.Storage.Path,
		RetentionDays:      c.Storage.RetentionDays,
		TrendRetentionDays: c.Storage.TrendRetentionDays,
		CompressionLevel:   c.Storage.CompressionLevel,
		EnableWAL:          c.Storage.EnableWAL,
	}
}

// ToInfluxConfig converts to influx.Config
func (c *Config) ToInfluxConfig() influx.Config {
	return influx.Config{
		URL:    c.Influx.URL,
		Token:  c.Influx.Token,
		Org:    c.Influx.Org,
		Bucket: c.Influx.Bucket,
	}
}

// EngineOptions converts the engine section to history.Options
func (c *Config) EngineOptions() history.Options {
	return history.Options{
		StoreTimeout:   c.Engine.StoreTimeout,
		TrendThreshold: c.Engine.TrendThreshold,
		MaxConcurrency: c.Engine.MaxConcurrency,
	}
}

// Helper functions for environment variables
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		value = strings.ToLower(value)
		return value == "true" || value == "1"
	}
	return defaultValue
}
