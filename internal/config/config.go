// Package config provides configuration loading with explicit naming
//
// Available functions:
//
//   LoadFromEnvVarsOnly()                     - Environment variables ONLY
//                                               Use: containers, quick bench runs
//
//   LoadFromYamlFile(path)                    - YAML file ONLY (no env overrides)
//                                               Use: fixed installations, testing
//
//   LoadFromYamlWithEnvOverrides(path)        - YAML base + Environment overrides
//                                               Priority: Env Vars > YAML > Defaults
//
// Environment variables supported:
//
//   HARDWARE:
//     - GPSDO_SIMULATE, GPSDO_TICK_HZ
//     - SIM_FREQUENCY_ERROR_PPT, SIM_JITTER_NS, SIM_INTERVAL
//
//   GPS:
//     - GPS_PROTOCOL (sirf|tsip|ubx), GPS_DEVICE, GPS_BAUD
//     - GPS_TSIP_CHECKSUM, GPS_PPS_LINE
//
//   OSCILLATOR:
//     - OSCILLATOR_DEVICE, OSCILLATOR_BAUD, OSCILLATOR_LOCK_LINE
//
//   TIMEBASE:
//     - PHASE_FUDGE_NS
//
//   NTP:
//     - NTP_ENABLED, NTP_ADDRESS, NTP_PORT
//     - NTP_RX_FUDGE_US, NTP_TX_FUDGE_US
//     - NTP_RATE_LIMIT_GLOBAL, NTP_RATE_LIMIT_PER_CLIENT, NTP_RATE_LIMIT_BURST
//
//   TELEMETRY:
//     - GRAPHITE_ENABLED, GRAPHITE_ADDRESS, GRAPHITE_NETWORK, GRAPHITE_PREFIX
//     - GRAPHITE_FLUSH_INTERVAL
//
//   SERVER:
//     - GPSDO_HTTP_ADDRESS, GPSDO_HTTP_PORT
//     - SERVER_READ_TIMEOUT, SERVER_WRITE_TIMEOUT
//     - TLS_ENABLED, TLS_CERT_FILE, TLS_KEY_FILE
//     - ENABLE_CORS, ALLOWED_ORIGINS (comma-separated)
//
//   LOGGING:
//     - LOG_LEVEL (trace|debug|info|warn|error|fatal|panic)
//     - LOG_FORMAT (json|console), LOG_ENABLE_FILE, LOG_FILE_PATH
//
//   METRICS:
//     - METRICS_NAMESPACE, METRICS_SUBSYSTEM
//
//   CONSOLE:
//     - CONSOLE_ENABLED, CONSOLE_HISTORY_FILE
//
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/arodland/Due-GPS-NTP-Server/internal/discipline"
	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
	"github.com/arodland/Due-GPS-NTP-Server/internal/oscillator"
	"github.com/arodland/Due-GPS-NTP-Server/internal/telemetry"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
)

// Config represents the complete application configuration
type Config struct {
	Hardware   HardwareConfig    `yaml:"hardware"`
	GPS        GPSConfig         `yaml:"gps"`
	Oscillator oscillator.Config `yaml:"oscillator"`
	Timebase   TimebaseConfig    `yaml:"timebase"`
	Discipline discipline.Config `yaml:"discipline"`
	Health     health.Config     `yaml:"health"`
	NTP        NTPConfig         `yaml:"ntp"`
	Telemetry  TelemetryConfig   `yaml:"telemetry"`
	Server     ServerConfig      `yaml:"server"`
	Logging    LoggingConfig     `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Console    ConsoleConfig     `yaml:"console"`
}

// HardwareConfig selects between the real peripherals and the bench model
type HardwareConfig struct {
	TickHz   uint32    `yaml:"tick_hz"`
	Simulate bool      `yaml:"simulate"`
	Sim      SimConfig `yaml:"sim"`
}

// SimConfig describes the simulated rubidium and receiver
type SimConfig struct {
	FrequencyErrorPPT float64 `yaml:"frequency_error_ppt"`
	JitterNs          float64 `yaml:"jitter_ns"`
	SawtoothNs        int32   `yaml:"sawtooth_ns"`
	InitialPhaseNs    float64 `yaml:"initial_phase_ns"`
	Seed              uint64  `yaml:"seed"`

	// Interval is the wall time per simulated second.
	Interval time.Duration `yaml:"interval"`
}

// GPSConfig contains receiver settings
type GPSConfig struct {
	Protocol     string        `yaml:"protocol"`
	TSIPChecksum *bool         `yaml:"tsip_checksum"`
	Device       string        `yaml:"device"`
	Baud         int           `yaml:"baud"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	PPSLine      string        `yaml:"pps_line"`
	PPSPoll      time.Duration `yaml:"pps_poll"`
}

// TimebaseConfig contains the static phase offset
type TimebaseConfig struct {
	PhaseFudgeNs int32 `yaml:"phase_fudge_ns"`
}

// NTPConfig contains NTP responder configuration
type NTPConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Address   string          `yaml:"address"`
	Port      int             `yaml:"port"`
	RxFudgeUS int32           `yaml:"rx_fudge_us"`
	TxFudgeUS int32           `yaml:"tx_fudge_us"`
	Poll      int8            `yaml:"poll"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains rate limiting configuration
type RateLimitConfig struct {
	GlobalRate    float64       `yaml:"global_rate"`
	PerClientRate float64       `yaml:"per_client_rate"`
	BurstSize     int           `yaml:"burst_size"`
	ClientIdle    time.Duration `yaml:"client_idle"`
}

// TelemetryConfig contains telemetry shipping configuration
type TelemetryConfig struct {
	Graphite GraphiteConfig `yaml:"graphite"`
}

// GraphiteConfig contains the Graphite sink configuration
type GraphiteConfig struct {
	Enabled        bool                    `yaml:"enabled"`
	Network        string                  `yaml:"network"`
	Address        string                  `yaml:"address"`
	Prefix         string                  `yaml:"prefix"`
	FlushInterval  time.Duration           `yaml:"flush_interval"`
	QueueSize      int                     `yaml:"queue_size"`
	BatchBytes     int                     `yaml:"batch_bytes"`
	WriteTimeout   time.Duration           `yaml:"write_timeout"`
	CircuitBreaker telemetry.BreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	EnableCORS     bool          `yaml:"enable_cors"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	EnableFile bool   `yaml:"enable_file"`
	FilePath   string `yaml:"file_path"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
}

// ConsoleConfig contains the calibration console configuration
type ConsoleConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Prompt      string `yaml:"prompt"`
	HistoryFile string `yaml:"history_file"`
}

// newConfig returns the zero configuration with the switches that default
// to on already set, so a file only has to mention them to turn them off.
func newConfig() *Config {
	return &Config{
		NTP:    NTPConfig{Enabled: true},
		Server: ServerConfig{Enabled: true},
	}
}

// LoadFromYamlFile reads configuration from a YAML file only (no env var overrides)
func LoadFromYamlFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Error("config", "Failed to read config file", err)
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		logger.Error("config", "Failed to parse config file", err)
		return nil, fmt.Errorf("failed to parse YAML config file %s: %w", path, err)
	}

	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		logger.Error("config", "Invalid configuration", err)
		return nil, fmt.Errorf("configuration validation failed for %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromYamlWithEnvOverrides loads base config from YAML, then overrides with environment variables
// Priority: Environment Variables > YAML File > Defaults
func LoadFromYamlWithEnvOverrides(path string) (*Config, error) {
	cfg, err := LoadFromYamlFile(path)
	if err != nil {
		logger.Warn("config", "Failed to load YAML config file, falling back to env vars only")
		cfg = newConfig()
		ApplyDefaults(cfg)
	}

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		logger.Error("config", "Invalid configuration after env overrides", err)
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// LoadFromEnvVarsOnly loads configuration from environment variables only (no YAML file)
// Priority: Environment Variables > Defaults
func LoadFromEnvVarsOnly() (*Config, error) {
	cfg := newConfig()
	ApplyDefaults(cfg)

	applyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		logger.Error("config", "Invalid configuration from environment", err)
		return nil, fmt.Errorf("environment configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to an existing config
func applyEnvOverrides(cfg *Config) {
	// ---------------------------------------------------------------------------
	// HARDWARE
	// ---------------------------------------------------------------------------
	envBool("GPSDO_SIMULATE", &cfg.Hardware.Simulate)
	if v := os.Getenv("GPSDO_TICK_HZ"); v != "" {
		if hz, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Hardware.TickHz = uint32(hz)
		}
	}
	envFloat("SIM_FREQUENCY_ERROR_PPT", &cfg.Hardware.Sim.FrequencyErrorPPT)
	envFloat("SIM_JITTER_NS", &cfg.Hardware.Sim.JitterNs)
	envDuration("SIM_INTERVAL", &cfg.Hardware.Sim.Interval)

	// ---------------------------------------------------------------------------
	// GPS
	// ---------------------------------------------------------------------------
	envString("GPS_PROTOCOL", &cfg.GPS.Protocol)
	envString("GPS_DEVICE", &cfg.GPS.Device)
	envInt("GPS_BAUD", &cfg.GPS.Baud)
	if v := os.Getenv("GPS_TSIP_CHECKSUM"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.GPS.TSIPChecksum = &b
		}
	}
	envString("GPS_PPS_LINE", &cfg.GPS.PPSLine)

	// ---------------------------------------------------------------------------
	// OSCILLATOR
	// ---------------------------------------------------------------------------
	envString("OSCILLATOR_DEVICE", &cfg.Oscillator.Device)
	envInt("OSCILLATOR_BAUD", &cfg.Oscillator.Baud)
	envString("OSCILLATOR_LOCK_LINE", &cfg.Oscillator.LockLine)

	// ---------------------------------------------------------------------------
	// TIMEBASE
	// ---------------------------------------------------------------------------
	envInt32("PHASE_FUDGE_NS", &cfg.Timebase.PhaseFudgeNs)

	// ---------------------------------------------------------------------------
	// NTP
	// ---------------------------------------------------------------------------
	envBool("NTP_ENABLED", &cfg.NTP.Enabled)
	envString("NTP_ADDRESS", &cfg.NTP.Address)
	envInt("NTP_PORT", &cfg.NTP.Port)
	envInt32("NTP_RX_FUDGE_US", &cfg.NTP.RxFudgeUS)
	envInt32("NTP_TX_FUDGE_US", &cfg.NTP.TxFudgeUS)
	envFloat("NTP_RATE_LIMIT_GLOBAL", &cfg.NTP.RateLimit.GlobalRate)
	envFloat("NTP_RATE_LIMIT_PER_CLIENT", &cfg.NTP.RateLimit.PerClientRate)
	envInt("NTP_RATE_LIMIT_BURST", &cfg.NTP.RateLimit.BurstSize)

	// ---------------------------------------------------------------------------
	// TELEMETRY
	// ---------------------------------------------------------------------------
	envBool("GRAPHITE_ENABLED", &cfg.Telemetry.Graphite.Enabled)
	envString("GRAPHITE_ADDRESS", &cfg.Telemetry.Graphite.Address)
	envString("GRAPHITE_NETWORK", &cfg.Telemetry.Graphite.Network)
	envString("GRAPHITE_PREFIX", &cfg.Telemetry.Graphite.Prefix)
	envDuration("GRAPHITE_FLUSH_INTERVAL", &cfg.Telemetry.Graphite.FlushInterval)

	// ---------------------------------------------------------------------------
	// SERVER - HTTP Server configuration
	// ---------------------------------------------------------------------------
	envString("GPSDO_HTTP_ADDRESS", &cfg.Server.Address)
	envInt("GPSDO_HTTP_PORT", &cfg.Server.Port)
	envDuration("SERVER_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envBool("TLS_ENABLED", &cfg.Server.TLSEnabled)
	envString("TLS_CERT_FILE", &cfg.Server.TLSCertFile)
	envString("TLS_KEY_FILE", &cfg.Server.TLSKeyFile)
	envBool("ENABLE_CORS", &cfg.Server.EnableCORS)
	if allowedOrigins := os.Getenv("ALLOWED_ORIGINS"); allowedOrigins != "" {
		cfg.Server.AllowedOrigins = parseCommaSeparated(allowedOrigins)
	}

	// ---------------------------------------------------------------------------
	// LOGGING
	// ---------------------------------------------------------------------------
	envString("LOG_LEVEL", &cfg.Logging.Level)
	envString("LOG_FORMAT", &cfg.Logging.Format)
	envBool("LOG_ENABLE_FILE", &cfg.Logging.EnableFile)
	envString("LOG_FILE_PATH", &cfg.Logging.FilePath)

	// ---------------------------------------------------------------------------
	// METRICS
	// ---------------------------------------------------------------------------
	envString("METRICS_NAMESPACE", &cfg.Metrics.Namespace)
	envString("METRICS_SUBSYSTEM", &cfg.Metrics.Subsystem)

	// ---------------------------------------------------------------------------
	// CONSOLE
	// ---------------------------------------------------------------------------
	envBool("CONSOLE_ENABLED", &cfg.Console.Enabled)
	envString("CONSOLE_HISTORY_FILE", &cfg.Console.HistoryFile)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}

func envInt32(key string, dst *int32) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(i)
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// parseCommaSeparated splits a comma-separated string, dropping empty items
func parseCommaSeparated(s string) []string {
	var result []string
	for _, item := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
