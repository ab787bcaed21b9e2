package config

import (
	"errors"
	"strconv"
	"time"

	"github.com/arodland/Due-GPS-NTP-Server/internal/gps"
)

// Validate checks if the configuration is valid
func Validate(cfg *Config) error {
	if err := validateHardware(&cfg.Hardware); err != nil {
		return err
	}

	if err := validateGPS(&cfg.GPS, cfg.Hardware.Simulate); err != nil {
		return err
	}

	if err := validateOscillator(cfg); err != nil {
		return err
	}

	if err := validateTimebase(&cfg.Timebase); err != nil {
		return err
	}

	if err := validateDiscipline(cfg); err != nil {
		return err
	}

	if err := validateNTP(&cfg.NTP); err != nil {
		return err
	}

	if err := validateTelemetry(&cfg.Telemetry); err != nil {
		return err
	}

	if err := validateServer(&cfg.Server); err != nil {
		return err
	}

	if err := validateLogging(&cfg.Logging); err != nil {
		return err
	}

	if err := validateMetrics(&cfg.Metrics); err != nil {
		return err
	}

	return nil
}

func validateHardware(cfg *HardwareConfig) error {
	if cfg.TickHz < 1000 {
		return errors.New("hardware.tick_hz must be at least 1000, got " + strconv.FormatUint(uint64(cfg.TickHz), 10))
	}

	if cfg.Simulate {
		if cfg.Sim.JitterNs < 0 {
			return errors.New("hardware.sim.jitter_ns cannot be negative")
		}
		if cfg.Sim.SawtoothNs < 0 {
			return errors.New("hardware.sim.sawtooth_ns cannot be negative")
		}
		if cfg.Sim.Interval < time.Millisecond || cfg.Sim.Interval > 10*time.Second {
			return errors.New("hardware.sim.interval must be between 1ms and 10s")
		}
	}

	return nil
}

func validateGPS(cfg *GPSConfig, simulate bool) error {
	if _, err := gps.ParseProtocol(cfg.Protocol); err != nil {
		return errors.New("gps.protocol must be sirf, tsip or ubx, got " + strconv.Quote(cfg.Protocol))
	}

	if simulate {
		return nil
	}

	if cfg.Device == "" {
		return errors.New("gps.device is required unless hardware.simulate is set")
	}
	if cfg.Baud < 1200 || cfg.Baud > 921600 {
		return errors.New("gps.baud must be between 1200 and 921600, got " + strconv.Itoa(cfg.Baud))
	}
	if !validLine(cfg.PPSLine) {
		return errors.New("gps.pps_line must be none, dcd, cts, dsr or ri")
	}
	if cfg.PPSLine != "none" && cfg.PPSPoll <= 0 {
		return errors.New("gps.pps_poll must be positive when pps_line is set")
	}

	return nil
}

func validateOscillator(cfg *Config) error {
	o := &cfg.Oscillator
	if !validLine(o.LockLine) {
		return errors.New("oscillator.lock_line must be none, dcd, cts, dsr or ri")
	}
	if o.GranularityPPT < 1 {
		return errors.New("oscillator.granularity_ppt must be at least 1")
	}
	if o.MaxStepPPT < o.GranularityPPT {
		return errors.New("oscillator.max_step_ppt must be at least granularity_ppt")
	}
	if o.RangePPT < o.MaxStepPPT {
		return errors.New("oscillator.range_ppt must be at least max_step_ppt")
	}
	if !cfg.Hardware.Simulate && o.Device != "" && (o.Baud < 1200 || o.Baud > 921600) {
		return errors.New("oscillator.baud must be between 1200 and 921600, got " + strconv.Itoa(o.Baud))
	}

	return nil
}

func validateTimebase(cfg *TimebaseConfig) error {
	if cfg.PhaseFudgeNs <= -500_000_000 || cfg.PhaseFudgeNs > 500_000_000 {
		return errors.New("timebase.phase_fudge_ns must be within half a second")
	}

	return nil
}

func validateDiscipline(cfg *Config) error {
	d := &cfg.Discipline
	if d.ResyncThresholdNs <= d.JumpThresholdNs {
		return errors.New("discipline.resync_threshold_ns must exceed jump_threshold_ns")
	}
	if d.PLLStartupFactor > d.PLLMinFactor {
		return errors.New("discipline.pll_startup_factor cannot exceed pll_min_factor")
	}
	if d.FLLWindow < 2 || d.FLLWindow > 4096 {
		return errors.New("discipline.fll_window must be between 2 and 4096, got " + strconv.Itoa(d.FLLWindow))
	}
	if int64(d.FLLRateMaxPPT) > int64(cfg.Oscillator.RangePPT) {
		return errors.New("discipline.fll_rate_max_ppt cannot exceed oscillator.range_ppt")
	}

	return nil
}

func validateNTP(cfg *NTPConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return errors.New("ntp.port must be between 1 and 65535, got " + strconv.Itoa(cfg.Port))
	}

	if cfg.RxFudgeUS < -1_000_000 || cfg.RxFudgeUS > 1_000_000 ||
		cfg.TxFudgeUS < -1_000_000 || cfg.TxFudgeUS > 1_000_000 {
		return errors.New("ntp rx_fudge_us and tx_fudge_us must be within one second")
	}

	if cfg.Poll < 4 || cfg.Poll > 17 {
		return errors.New("ntp.poll must be between 4 and 17, got " + strconv.Itoa(int(cfg.Poll)))
	}

	if cfg.RateLimit.PerClientRate <= 0 {
		return errors.New("ntp.rate_limit.per_client_rate must be positive")
	}
	if cfg.RateLimit.BurstSize < 1 {
		return errors.New("ntp.rate_limit.burst_size must be at least 1")
	}
	if cfg.RateLimit.GlobalRate < 0 {
		return errors.New("ntp.rate_limit.global_rate cannot be negative")
	}

	return nil
}

func validateTelemetry(cfg *TelemetryConfig) error {
	g := &cfg.Graphite
	if !g.Enabled {
		return nil
	}

	if g.Address == "" {
		return errors.New("telemetry.graphite.address is required when graphite is enabled")
	}
	if g.Network != "udp" && g.Network != "tcp" {
		return errors.New("telemetry.graphite.network must be udp or tcp")
	}
	if g.FlushInterval < 100*time.Millisecond || g.FlushInterval > time.Minute {
		return errors.New("telemetry.graphite.flush_interval must be between 100ms and 1m")
	}
	if g.BatchBytes < 64 || g.BatchBytes > 65507 {
		return errors.New("telemetry.graphite.batch_bytes must be between 64 and 65507, got " + strconv.Itoa(g.BatchBytes))
	}
	if g.QueueSize < 1 {
		return errors.New("telemetry.graphite.queue_size must be at least 1")
	}
	if g.CircuitBreaker.FailureThreshold <= 0 || g.CircuitBreaker.FailureThreshold > 1 {
		return errors.New("telemetry.graphite.circuit_breaker.failure_threshold must be in (0, 1]")
	}

	return nil
}

func validateServer(cfg *ServerConfig) error {
	if !cfg.Enabled {
		return nil
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return errors.New("port must be between 1 and 65535, got " + strconv.Itoa(cfg.Port))
	}

	if cfg.ReadTimeout < 1*time.Second || cfg.ReadTimeout > 60*time.Second {
		return errors.New("read_timeout must be between 1s and 60s")
	}

	if cfg.WriteTimeout < 1*time.Second || cfg.WriteTimeout > 60*time.Second {
		return errors.New("write_timeout must be between 1s and 60s")
	}

	if cfg.TLSEnabled {
		if cfg.TLSCertFile == "" {
			return errors.New("tls_cert_file is required when tls_enabled is true")
		}
		if cfg.TLSKeyFile == "" {
			return errors.New("tls_key_file is required when tls_enabled is true")
		}
	}

	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
		"panic": true,
	}

	if !validLevels[cfg.Level] {
		return errors.New("invalid log level (must be trace, debug, info, warn, error, fatal, or panic)")
	}

	validFormats := map[string]bool{
		"json":    true,
		"console": true,
	}

	if !validFormats[cfg.Format] {
		return errors.New("invalid log format (must be json or console)")
	}

	if cfg.EnableFile && cfg.FilePath == "" {
		return errors.New("file_path is required when enable_file is true")
	}

	return nil
}

func validateMetrics(cfg *MetricsConfig) error {
	if cfg.Namespace == "" {
		return errors.New("namespace is required")
	}

	return nil
}

func validLine(name string) bool {
	switch name {
	case "none", "dcd", "cts", "dsr", "ri":
		return true
	}
	return false
}
