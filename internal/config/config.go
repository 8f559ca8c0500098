package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime configuration for the marketplace node.
type Config struct {
	Port             int           `yaml:"port"`
	LogLevel         string        `yaml:"log_level"`
	NodeID           string        `yaml:"node_id"`
	StorePath        string        `yaml:"store_path"`
	MaxEventsDefault int           `yaml:"max_events_default"`
	MaxEventsMax     int           `yaml:"max_events_max"`
	SubscriptionTTL  time.Duration `yaml:"subscription_ttl"`
	TransportTimeout time.Duration `yaml:"transport_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
}

func defaults() *Config {
	return &Config{
		Port:             8080,
		LogLevel:         "info",
		StorePath:        "minimarket.db",
		MaxEventsDefault: 20,
		MaxEventsMax:     100,
		SubscriptionTTL:  1 * time.Hour,
		TransportTimeout: 10 * time.Second,
		ReadTimeout:      5 * time.Second,
		// Write timeout has to outlive the longest event poll.
		WriteTimeout:    2 * time.Minute,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads configuration from an optional YAML file (pointed at by
// MINIMARKET_CONFIG) and environment variables, applies defaults, and
// validates values. Environment variables win over the file.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("MINIMARKET_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	port, err := getInt("PORT", cfg.Port)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}
	cfg.Port = port

	cfg.LogLevel = getStr("LOG_LEVEL", cfg.LogLevel)
	if !isValidLogLevel(cfg.LogLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	cfg.NodeID = getStr("NODE_ID", cfg.NodeID)
	if cfg.NodeID == "" {
		return nil, fmt.Errorf("NODE_ID is required")
	}

	cfg.StorePath = getStr("STORE_PATH", cfg.StorePath)

	maxEventsDefault, err := getInt("MAX_EVENTS_DEFAULT", cfg.MaxEventsDefault)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_EVENTS_DEFAULT: %w", err)
	}
	cfg.MaxEventsDefault = maxEventsDefault

	maxEventsMax, err := getInt("MAX_EVENTS_MAX", cfg.MaxEventsMax)
	if err != nil {
		return nil, fmt.Errorf("invalid MAX_EVENTS_MAX: %w", err)
	}
	cfg.MaxEventsMax = maxEventsMax

	if cfg.MaxEventsDefault <= 0 || cfg.MaxEventsMax <= 0 || cfg.MaxEventsDefault > cfg.MaxEventsMax {
		return nil, fmt.Errorf("event limits out of order: default %d, max %d",
			cfg.MaxEventsDefault, cfg.MaxEventsMax)
	}

	subscriptionTTL, err := getDuration("SUBSCRIPTION_TTL", cfg.SubscriptionTTL)
	if err != nil {
		return nil, fmt.Errorf("invalid SUBSCRIPTION_TTL: %w", err)
	}
	cfg.SubscriptionTTL = subscriptionTTL

	transportTimeout, err := getDuration("TRANSPORT_TIMEOUT", cfg.TransportTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid TRANSPORT_TIMEOUT: %w", err)
	}
	cfg.TransportTimeout = transportTimeout

	readTimeout, err := getDuration("READ_TIMEOUT", cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}
	cfg.ReadTimeout = readTimeout

	writeTimeout, err := getDuration("WRITE_TIMEOUT", cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}
	cfg.WriteTimeout = writeTimeout

	idleTimeout, err := getDuration("IDLE_TIMEOUT", cfg.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}
	cfg.IdleTimeout = idleTimeout

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}
	cfg.ShutdownTimeout = shutdownTimeout

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func getStr(key, defaultVal string) string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	return v
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}
