// Package config provides process configuration for the assigner.
// It supports loading configuration from environment variables, an optional
// config file, and defaults. Policy data (routing rules, SLA targets, query
// templates) is not loaded here; see the rules package.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the assigner.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Rules      RulesConfig      `mapstructure:"rules"`
	Probe      ProbeConfig      `mapstructure:"probe"`
	Router     RouterConfig     `mapstructure:"router"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Circuit    CircuitConfig    `mapstructure:"circuit"`
	Drift      DriftConfig      `mapstructure:"drift"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
}

// ServerConfig holds HTTP server configuration for the telemetry API.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds persistent store configuration.
// Driver "sqlite3" (default) uses Path; driver "pgx" uses the host fields.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RulesConfig locates the layered policy data files.
type RulesConfig struct {
	Dir         string `mapstructure:"dir"`         // base directory (ASSIGNER_CONFIG_DIR)
	Environment string `mapstructure:"environment"` // overlay name under environments/
	AutoReload  bool   `mapstructure:"autoReload"`  // watch files and reload on change
}

// ProbeConfig controls session discovery and terminal scraping.
type ProbeConfig struct {
	IntervalMs     int `mapstructure:"intervalMs"`     // how often to scan windows
	CaptureLines   int `mapstructure:"captureLines"`   // last N lines captured per window
	CommandTimeout int `mapstructure:"commandTimeout"` // per multiplexer call, seconds
	OfflineGrace   int `mapstructure:"offlineGrace"`   // seconds a window may be absent before offline
}

// RouterConfig controls the routing tick loop.
type RouterConfig struct {
	TickMs int `mapstructure:"tickMs"`
}

// DispatcherConfig controls payload delivery.
type DispatcherConfig struct {
	Workers     int `mapstructure:"workers"`
	MaxAttempts int `mapstructure:"maxAttempts"`
}

// CircuitConfig controls the per-session circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `mapstructure:"failureThreshold"`
	OpenSeconds      int `mapstructure:"openSeconds"`
}

// DriftConfig controls stability scoring.
type DriftConfig struct {
	StabilityFloor  float64 `mapstructure:"stabilityFloor"`
	BaselineSamples int     `mapstructure:"baselineSamples"`
	EMAAlpha        float64 `mapstructure:"emaAlpha"`
	ConsolidateEach int     `mapstructure:"consolidateEach"`
}

// SupervisorConfig controls completion and failure detection.
type SupervisorConfig struct {
	IdleConfirmations int `mapstructure:"idleConfirmations"` // consecutive idle probes before completion
	QuiescenceSeconds int `mapstructure:"quiescenceSeconds"` // silence window without contrary signal
	TimeoutMultiplier int `mapstructure:"timeoutMultiplier"` // critical multiplier over SLA target
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ProbeInterval returns the probe interval as a time.Duration.
func (p *ProbeConfig) ProbeInterval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}

// CommandDeadline returns the per-call multiplexer deadline.
func (p *ProbeConfig) CommandDeadline() time.Duration {
	return time.Duration(p.CommandTimeout) * time.Second
}

// OfflineGraceDuration returns the offline grace period.
func (p *ProbeConfig) OfflineGraceDuration() time.Duration {
	return time.Duration(p.OfflineGrace) * time.Second
}

// Tick returns the routing tick as a time.Duration.
func (r *RouterConfig) Tick() time.Duration {
	return time.Duration(r.TickMs) * time.Millisecond
}

// OpenDuration returns the circuit open cooldown.
func (c *CircuitConfig) OpenDuration() time.Duration {
	return time.Duration(c.OpenSeconds) * time.Second
}

// Quiescence returns the supervisor quiescence window.
func (s *SupervisorConfig) Quiescence() time.Duration {
	return time.Duration(s.QuiescenceSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if env := os.Getenv("ASSIGNER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "console"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8950)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - embedded single-file store
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./assigner.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "assigner")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "assigner")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "assigner")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Rules defaults
	v.SetDefault("rules.dir", "./config")
	v.SetDefault("rules.environment", "")
	v.SetDefault("rules.autoReload", true)

	// Probe defaults
	v.SetDefault("probe.intervalMs", 3000)
	v.SetDefault("probe.captureLines", 120)
	v.SetDefault("probe.commandTimeout", 5)
	v.SetDefault("probe.offlineGrace", 30)

	// Router defaults
	v.SetDefault("router.tickMs", 2000)

	// Dispatcher defaults
	v.SetDefault("dispatcher.workers", 4)
	v.SetDefault("dispatcher.maxAttempts", 3)

	// Circuit breaker defaults
	v.SetDefault("circuit.failureThreshold", 5)
	v.SetDefault("circuit.openSeconds", 60)

	// Drift defaults
	v.SetDefault("drift.stabilityFloor", 0.5)
	v.SetDefault("drift.baselineSamples", 5)
	v.SetDefault("drift.emaAlpha", 0.9)
	v.SetDefault("drift.consolidateEach", 50)

	// Supervisor defaults
	v.SetDefault("supervisor.idleConfirmations", 3)
	v.SetDefault("supervisor.quiescenceSeconds", 15)
	v.SetDefault("supervisor.timeoutMultiplier", 2)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ASSIGNER_ with snake_case naming.
// A config.yaml in the current directory or /etc/assigner/ is honored if present.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ASSIGNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the documented operator variables whose names do not
	// follow the section_key convention.
	_ = v.BindEnv("rules.dir", "ASSIGNER_CONFIG_DIR")
	_ = v.BindEnv("database.path", "ASSIGNER_DB_PATH")
	_ = v.BindEnv("probe.intervalMs", "ASSIGNER_PROBE_INTERVAL_MS")
	_ = v.BindEnv("router.tickMs", "ASSIGNER_ROUTE_TICK_MS")
	_ = v.BindEnv("dispatcher.maxAttempts", "ASSIGNER_DELIVERY_MAX_ATTEMPTS")
	_ = v.BindEnv("circuit.failureThreshold", "ASSIGNER_CIRCUIT_FAILURE_THRESHOLD")
	_ = v.BindEnv("circuit.openSeconds", "ASSIGNER_CIRCUIT_OPEN_SECONDS")
	_ = v.BindEnv("drift.stabilityFloor", "ASSIGNER_STABILITY_FLOOR")
	_ = v.BindEnv("drift.baselineSamples", "ASSIGNER_BASELINE_SAMPLES")
	_ = v.BindEnv("drift.emaAlpha", "ASSIGNER_DRIFT_EMA_ALPHA")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/assigner/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := checkNumericEnv(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// numericEnvVars are the documented operator variables that must parse as
// numbers. Malformed values abort startup naming the offending variable.
var numericEnvVars = map[string]string{
	"ASSIGNER_PROBE_INTERVAL_MS":          "int",
	"ASSIGNER_ROUTE_TICK_MS":              "int",
	"ASSIGNER_DELIVERY_MAX_ATTEMPTS":      "int",
	"ASSIGNER_CIRCUIT_FAILURE_THRESHOLD":  "int",
	"ASSIGNER_CIRCUIT_OPEN_SECONDS":       "int",
	"ASSIGNER_BASELINE_SAMPLES":           "int",
	"ASSIGNER_STABILITY_FLOOR":            "float",
	"ASSIGNER_DRIFT_EMA_ALPHA":            "float",
}

func checkNumericEnv() error {
	for name, kind := range numericEnvVars {
		raw, ok := os.LookupEnv(name)
		if !ok || raw == "" {
			continue
		}
		var err error
		switch kind {
		case "int":
			_, err = parseInt(raw)
		case "float":
			_, err = parseFloat(raw)
		}
		if err != nil {
			return fmt.Errorf("invalid value for %s: %q", name, raw)
		}
	}
	return nil
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func parseFloat(s string) (float64, error) {
	var f float64
	_, err := fmt.Sscanf(s, "%g", &f)
	return f, err
}

// validate checks that all configuration fields are in range.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite3":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite3 driver")
		}
	case "pgx":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the pgx driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for the pgx driver")
		}
	default:
		errs = append(errs, "database.driver must be sqlite3 or pgx")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "console": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, console")
	}

	if cfg.Rules.Dir == "" {
		errs = append(errs, "rules.dir is required")
	}
	if cfg.Probe.IntervalMs <= 0 {
		errs = append(errs, "probe.intervalMs must be positive")
	}
	if cfg.Probe.CaptureLines <= 0 {
		errs = append(errs, "probe.captureLines must be positive")
	}
	if cfg.Router.TickMs <= 0 {
		errs = append(errs, "router.tickMs must be positive")
	}
	if cfg.Dispatcher.Workers <= 0 {
		errs = append(errs, "dispatcher.workers must be positive")
	}
	if cfg.Dispatcher.MaxAttempts <= 0 {
		errs = append(errs, "dispatcher.maxAttempts must be positive")
	}
	if cfg.Circuit.FailureThreshold <= 0 {
		errs = append(errs, "circuit.failureThreshold must be positive")
	}
	if cfg.Drift.StabilityFloor < 0 || cfg.Drift.StabilityFloor > 1 {
		errs = append(errs, "drift.stabilityFloor must be within [0,1]")
	}
	if cfg.Drift.EMAAlpha <= 0 || cfg.Drift.EMAAlpha >= 1 {
		errs = append(errs, "drift.emaAlpha must be within (0,1)")
	}
	if cfg.Supervisor.IdleConfirmations <= 0 {
		errs = append(errs, "supervisor.idleConfirmations must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string for the pgx driver.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
