// Package globals holds the process configuration and logger setup.
package globals

import (
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "NMSTRANS_"

type Config struct {
	Poller      PollerConfig  `yaml:"poller"`
	Readers     ReadersConfig `yaml:"readers"`
	API         APIConfig     `yaml:"api"`
	Logging     LoggingConfig `yaml:"logging"`
	ServersFile string        `yaml:"servers_file"`
}

type PollerConfig struct {
	RunPeriodSeconds     int `yaml:"run_period_seconds"`
	QueryWorkers         int `yaml:"query_workers"`
	ResultWorkers        int `yaml:"result_workers"`
	ShutdownGraceSeconds int `yaml:"shutdown_grace_seconds"`
}

type ReadersConfig struct {
	SNMPTimeoutMS  int  `yaml:"snmp_timeout_ms"`
	SNMPRetries    int  `yaml:"snmp_retries"`
	WinRMTimeoutMS int  `yaml:"winrm_timeout_ms"`
	WinRMInsecure  bool `yaml:"winrm_insecure"`
}

type APIConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

// Default returns the configuration used for every unset field.
func Default() *Config {
	return &Config{
		Poller: PollerConfig{
			RunPeriodSeconds:     60,
			QueryWorkers:         10,
			ResultWorkers:        10,
			ShutdownGraceSeconds: 10,
		},
		Readers: ReadersConfig{
			SNMPTimeoutMS:  2000,
			SNMPRetries:    1,
			WinRMTimeoutMS: 10000,
		},
		API: APIConfig{
			Enabled:        true,
			Host:           "0.0.0.0",
			Port:           9095,
			ReadTimeoutMS:  10000,
			WriteTimeoutMS: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		ServersFile: "servers.yaml",
	}
}

// Load reads configuration from file on top of the defaults and applies
// environment variable overrides.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate ensures all required configuration values are set
func (c *Config) Validate() error {
	if c.Poller.RunPeriodSeconds <= 0 {
		return fmt.Errorf("poller.run_period_seconds must be positive")
	}
	if c.Poller.QueryWorkers <= 0 || c.Poller.ResultWorkers <= 0 {
		return fmt.Errorf("poller.query_workers and poller.result_workers must be positive")
	}
	if c.Poller.ShutdownGraceSeconds < 0 {
		return fmt.Errorf("poller.shutdown_grace_seconds must not be negative")
	}
	if c.ServersFile == "" {
		return fmt.Errorf("servers_file is required")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port %d is out of range", c.API.Port)
	}
	if !c.Logging.IsLogLevelValid() {
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		return fmt.Errorf("logging.file_path is required when logging.output is file")
	}
	return nil
}

// applyEnvOverrides checks for environment variables with the NMSTRANS_ prefix
func applyEnvOverrides(cfg *Config) error {
	ints := map[string]*int{
		"POLLER_RUN_PERIOD_SECONDS":     &cfg.Poller.RunPeriodSeconds,
		"POLLER_QUERY_WORKERS":          &cfg.Poller.QueryWorkers,
		"POLLER_RESULT_WORKERS":         &cfg.Poller.ResultWorkers,
		"POLLER_SHUTDOWN_GRACE_SECONDS": &cfg.Poller.ShutdownGraceSeconds,
		"READERS_SNMP_TIMEOUT_MS":       &cfg.Readers.SNMPTimeoutMS,
		"READERS_WINRM_TIMEOUT_MS":      &cfg.Readers.WinRMTimeoutMS,
		"API_PORT":                      &cfg.API.Port,
	}
	for key, dst := range ints {
		v := os.Getenv(envPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s %q: %w", envPrefix, key, v, err)
		}
		*dst = n
	}

	if v := os.Getenv(envPrefix + "API_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %sAPI_ENABLED %q: %w", envPrefix, v, err)
		}
		cfg.API.Enabled = b
	}
	if v := os.Getenv(envPrefix + "API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv(envPrefix + "LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv(envPrefix + "LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv(envPrefix + "SERVERS_FILE"); v != "" {
		cfg.ServersFile = v
	}
	return nil
}

// RunPeriod returns the default run period as a duration
func (p *PollerConfig) RunPeriod() time.Duration {
	return time.Duration(p.RunPeriodSeconds) * time.Second
}

// ShutdownGrace returns the per-pool shutdown grace as a duration
func (p *PollerConfig) ShutdownGrace() time.Duration {
	return time.Duration(p.ShutdownGraceSeconds) * time.Second
}

func (r *ReadersConfig) SNMPTimeout() time.Duration {
	return time.Duration(r.SNMPTimeoutMS) * time.Millisecond
}

func (r *ReadersConfig) WinRMTimeout() time.Duration {
	return time.Duration(r.WinRMTimeoutMS) * time.Millisecond
}

// Addr returns host:port for the API listener
func (a *APIConfig) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ReadTimeout returns the read timeout as a duration
func (a *APIConfig) ReadTimeout() time.Duration {
	return time.Duration(a.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write timeout as a duration
func (a *APIConfig) WriteTimeout() time.Duration {
	return time.Duration(a.WriteTimeoutMS) * time.Millisecond
}

// IsLogLevelValid checks if the log level is valid
func (l *LoggingConfig) IsLogLevelValid() bool {
	validLevels := []string{"debug", "info", "warn", "error"}
	return slices.Contains(validLevels, strings.ToLower(l.Level))
}

// DumpExampleConfig writes an example configuration to the provided writer
func DumpExampleConfig(w io.Writer) error {
	example := Default()
	example.Logging.FilePath = "/var/log/nmstrans/nmstrans.log"

	var node yaml.Node
	if err := node.Encode(example); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	header := `# =============================================================================
# nmstrans Example Configuration
# =============================================================================
# Copy this file to config.yaml and modify it according to your needs.
# Servers, queries and output writers live in the file named by servers_file.
#
# Environment variable overrides follow the pattern: NMSTRANS_<SECTION>_<KEY>
# Example: NMSTRANS_POLLER_QUERY_WORKERS, NMSTRANS_API_PORT
# =============================================================================

`
	if _, err := fmt.Fprint(w, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	encoder := yaml.NewEncoder(w)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return fmt.Errorf("failed to encode YAML: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("failed to close encoder: %w", err)
	}

	footer := `
# =============================================================================
# Notes:
# =============================================================================
#
# 1. poller.run_period_seconds applies to servers without cron or run_period.
# 2. Each worker pool gets shutdown_grace_seconds to drain on shutdown.
# 3. logging.output accepts stdout or file (with logging.file_path).
# =============================================================================
`
	if _, err := fmt.Fprint(w, footer); err != nil {
		return fmt.Errorf("failed to write footer: %w", err)
	}

	return nil
}

// InitLogger initializes the global logger based on configuration. The
// returned closer releases the log file when output is file.
func InitLogger(cfg LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var out io.Writer = os.Stdout
	var closer io.Closer = nopCloser{}
	if cfg.Output == "file" {
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		out, closer = f, f
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
