package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Pool     PoolConfig     `yaml:"pool"`
	Cache    CacheConfig    `yaml:"cache"`
	Registry RegistryConfig `yaml:"registry"`
	Fluentd  FluentdConfig  `yaml:"fluentd"`
	LogLevel string         `yaml:"logLevel"`
}

// ServerConfig holds the worker HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxUploadMemory int64         `yaml:"maxUploadMemory"`
}

// PoolConfig holds the supervisor configuration
type PoolConfig struct {
	Workers          int           `yaml:"workers"`
	SweepInterval    time.Duration `yaml:"sweepInterval"`
	ExecutionTimeout time.Duration `yaml:"executionTimeout"`
	RespawnDelay     time.Duration `yaml:"respawnDelay"`
	AdminAddr        string        `yaml:"adminAddr"`
}

// CacheConfig holds the function cache configuration
type CacheConfig struct {
	Root string `yaml:"root"`
}

// RegistryConfig holds the function registry client configuration
type RegistryConfig struct {
	BaseURL string        `yaml:"baseURL"`
	Timeout time.Duration `yaml:"timeout"`
}

// FluentdConfig holds the log shipping configuration. An empty host disables it.
type FluentdConfig struct {
	Host    string        `yaml:"host"`
	Port    int           `yaml:"port"`
	Timeout time.Duration `yaml:"timeout"`
	Tag     string        `yaml:"tag"`
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            getEnv("APPLICATION_PORT", "8082"),
			ReadTimeout:     getDurationEnv("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getDurationEnv("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getDurationEnv("SERVER_SHUTDOWN_TIMEOUT", 5*time.Second),
			MaxUploadMemory: getInt64Env("MAX_UPLOAD_MEMORY", 32<<20), // 32 MB
		},
		Pool: PoolConfig{
			Workers:          getIntEnv("RUNTIME_WORKERS", runtime.NumCPU()),
			SweepInterval:    getDurationEnv("POOL_SWEEP_INTERVAL", 500*time.Millisecond),
			ExecutionTimeout: getDurationEnv("EXECUTION_TIMEOUT", 30*time.Second),
			RespawnDelay:     getDurationEnv("POOL_RESPAWN_DELAY", time.Second),
			AdminAddr:        getEnv("ADMIN_ADDR", ":9090"),
		},
		Cache: CacheConfig{
			Root: getEnv("FUNCTIONS_PATH", "./functions"),
		},
		Registry: RegistryConfig{
			BaseURL: getEnv("FUNCTIONS_API_SERVICE_URL", "http://localhost:8080/"),
			Timeout: getDurationEnv("REGISTRY_TIMEOUT", 10*time.Second),
		},
		Fluentd: FluentdConfig{
			Host:    getEnv("FLUENTD_HOST", ""),
			Port:    getIntEnv("FLUENTD_PORT", 24224),
			Timeout: getDurationEnv("FLUENTD_TIMEOUT", 3*time.Second),
			Tag:     getEnv("FLUENTD_TAG", "function-runtime"),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// LoadFile overlays the YAML document at path on top of cfg. Fields absent
// from the document keep their current values.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config file %s: %w", path, err)
	}
	return nil
}

// Validate reports the first setting that cannot work
func (c *Config) Validate() error {
	switch {
	case c.Pool.Workers <= 0:
		return fmt.Errorf("pool.workers must be positive, got %d", c.Pool.Workers)
	case c.Pool.SweepInterval <= 0:
		return fmt.Errorf("pool.sweepInterval must be positive, got %s", c.Pool.SweepInterval)
	case c.Pool.ExecutionTimeout <= 0:
		return fmt.Errorf("pool.executionTimeout must be positive, got %s", c.Pool.ExecutionTimeout)
	case c.Server.WriteTimeout <= c.Pool.ExecutionTimeout:
		return fmt.Errorf("server.writeTimeout (%s) must exceed pool.executionTimeout (%s)",
			c.Server.WriteTimeout, c.Pool.ExecutionTimeout)
	case c.Cache.Root == "":
		return fmt.Errorf("cache.root must not be empty")
	case c.Registry.BaseURL == "":
		return fmt.Errorf("registry.baseURL must not be empty")
	}
	return nil
}

// Helper functions to get environment variables with defaults
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getInt64Env(key string, defaultValue int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if int64Value, err := strconv.ParseInt(value, 10, 64); err == nil {
			return int64Value
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if durationValue, err := time.ParseDuration(value); err == nil {
			return durationValue
		}
	}
	return defaultValue
}
