// Package config loads runtime settings from the environment, an optional
// .env file and an optional YAML file, and builds the process logger.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Transport names accepted by KVASIR_TRANSPORT.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "ws"
)

// Config holds all configuration values.
type Config struct {
	// Backend
	APIURL        string
	Token         string
	Project       string
	Transport     string
	ClientTimeout time.Duration

	// Sync engine
	Decay       time.Duration
	JournalPath string

	// Observability
	MetricsAddr string
	LogFile     string
	LogLevel    slog.Level
}

// fileConfig is the YAML layout. Empty fields keep the defaults.
type fileConfig struct {
	APIURL        string        `yaml:"api_url"`
	Project       string        `yaml:"project"`
	Transport     string        `yaml:"transport"`
	ClientTimeout time.Duration `yaml:"client_timeout"`
	Decay         time.Duration `yaml:"decay"`
	JournalPath   string        `yaml:"journal_path"`
	MetricsAddr   string        `yaml:"metrics_addr"`
	LogFile       string        `yaml:"log_file"`
	LogLevel      string        `yaml:"log_level"`
}

var envFiles = []string{".env"}

// Load builds the configuration: defaults, then the YAML file named by
// KVASIR_CONFIG, then environment variables. A .env file in the working
// directory is loaded first and never overrides variables already set.
func Load() (Config, error) {
	for _, p := range envFiles {
		if err := godotenv.Load(p); err == nil {
			break
		}
	}

	cfg := Config{
		APIURL:        "http://localhost:8000/api/v1",
		Transport:     TransportSSE,
		ClientTimeout: 30 * time.Second,
		Decay:         5 * time.Second,
		LogFile:       "/tmp/kvasir.log",
		LogLevel:      slog.LevelInfo,
	}

	if path := os.Getenv("KVASIR_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	cfg.APIURL = getEnv("KVASIR_API_URL", cfg.APIURL)
	cfg.Token = getEnv("KVASIR_TOKEN", cfg.Token)
	cfg.Project = getEnv("KVASIR_PROJECT", cfg.Project)
	cfg.Transport = strings.ToLower(getEnv("KVASIR_TRANSPORT", cfg.Transport))
	cfg.JournalPath = getEnv("KVASIR_JOURNAL_PATH", cfg.JournalPath)
	cfg.MetricsAddr = getEnv("KVASIR_METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogFile = getEnv("KVASIR_LOG_FILE", cfg.LogFile)
	if v := os.Getenv("KVASIR_LOG_LEVEL"); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}

	var err error
	if cfg.ClientTimeout, err = getDuration("KVASIR_CLIENT_TIMEOUT", cfg.ClientTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Decay, err = getDuration("KVASIR_DECAY", cfg.Decay); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	var f fileConfig
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&c.APIURL, f.APIURL)
	setString(&c.Project, f.Project)
	setString(&c.Transport, f.Transport)
	setString(&c.JournalPath, f.JournalPath)
	setString(&c.MetricsAddr, f.MetricsAddr)
	setString(&c.LogFile, f.LogFile)
	if f.ClientTimeout > 0 {
		c.ClientTimeout = f.ClientTimeout
	}
	if f.Decay > 0 {
		c.Decay = f.Decay
	}
	if f.LogLevel != "" {
		c.LogLevel = parseLogLevel(f.LogLevel)
	}
	return nil
}

func (c Config) validate() error {
	switch c.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportSSE, TransportWebSocket)
	}
	if c.Decay <= 0 {
		return fmt.Errorf("decay must be positive, got %s", c.Decay)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
