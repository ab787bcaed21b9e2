package config

import (
	"time"

	"github.com/arodland/Due-GPS-NTP-Server/internal/gpslink"
	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
	"github.com/arodland/Due-GPS-NTP-Server/internal/hw/sim"
	"github.com/arodland/Due-GPS-NTP-Server/internal/ntpserver"
	"github.com/arodland/Due-GPS-NTP-Server/internal/oscillator"
	"github.com/arodland/Due-GPS-NTP-Server/internal/telemetry"
)

// ApplyDefaults sets default values for unspecified configuration fields
func ApplyDefaults(cfg *Config) {
	// Hardware defaults
	if cfg.Hardware.TickHz == 0 {
		cfg.Hardware.TickHz = 10_000_000
	}
	s := sim.DefaultConfig()
	if cfg.Hardware.Sim.FrequencyErrorPPT == 0 {
		cfg.Hardware.Sim.FrequencyErrorPPT = s.FrequencyErrorPPT
	}
	if cfg.Hardware.Sim.JitterNs == 0 {
		cfg.Hardware.Sim.JitterNs = s.JitterNs
	}
	if cfg.Hardware.Sim.SawtoothNs == 0 {
		cfg.Hardware.Sim.SawtoothNs = s.SawtoothNs
	}
	if cfg.Hardware.Sim.InitialPhaseNs == 0 {
		cfg.Hardware.Sim.InitialPhaseNs = s.InitialPhaseNs
	}
	if cfg.Hardware.Sim.Seed == 0 {
		cfg.Hardware.Sim.Seed = s.Seed
	}
	if cfg.Hardware.Sim.Interval == 0 {
		cfg.Hardware.Sim.Interval = time.Second
	}

	// GPS receiver defaults
	l := gpslink.DefaultConfig()
	if cfg.GPS.Protocol == "" {
		cfg.GPS.Protocol = l.Protocol.String()
	}
	if cfg.GPS.TSIPChecksum == nil {
		on := l.Options.TSIPChecksum
		cfg.GPS.TSIPChecksum = &on
	}
	if cfg.GPS.Device == "" {
		cfg.GPS.Device = "/dev/ttyS0"
	}
	if cfg.GPS.Baud == 0 {
		cfg.GPS.Baud = l.Baud
	}
	if cfg.GPS.ReadTimeout == 0 {
		cfg.GPS.ReadTimeout = l.ReadTimeout
	}
	if cfg.GPS.PPSLine == "" {
		cfg.GPS.PPSLine = l.PPSLine
	}
	if cfg.GPS.PPSPoll == 0 {
		cfg.GPS.PPSPoll = l.PPSPoll
	}

	// Oscillator defaults
	o := oscillator.DefaultConfig()
	if cfg.Oscillator.Baud == 0 {
		cfg.Oscillator.Baud = o.Baud
	}
	if cfg.Oscillator.GranularityPPT == 0 {
		cfg.Oscillator.GranularityPPT = o.GranularityPPT
	}
	if cfg.Oscillator.MaxStepPPT == 0 {
		cfg.Oscillator.MaxStepPPT = o.MaxStepPPT
	}
	if cfg.Oscillator.RangePPT == 0 {
		cfg.Oscillator.RangePPT = o.RangePPT
	}
	if cfg.Oscillator.LockLine == "" {
		cfg.Oscillator.LockLine = o.LockLine
	}

	// Discipline loop: unset oscillator limits follow the oscillator section
	if cfg.Discipline.OscGranularityPPT == 0 {
		cfg.Discipline.OscGranularityPPT = cfg.Oscillator.GranularityPPT
	}
	if cfg.Discipline.OscMaxStepPPT == 0 {
		cfg.Discipline.OscMaxStepPPT = cfg.Oscillator.MaxStepPPT
	}
	cfg.Discipline.TickHz = cfg.Hardware.TickHz
	cfg.Discipline = cfg.Discipline.WithDefaults()

	// Health watchdog defaults
	h := health.DefaultConfig()
	if cfg.Health.GPSWatchdogSeconds == 0 {
		cfg.Health.GPSWatchdogSeconds = h.GPSWatchdogSeconds
	}
	if cfg.Health.FLLWatchdogSeconds == 0 {
		cfg.Health.FLLWatchdogSeconds = h.FLLWatchdogSeconds
	}

	// NTP responder defaults
	n := ntpserver.DefaultConfig()
	if cfg.NTP.Port == 0 {
		cfg.NTP.Port = 123
	}
	if cfg.NTP.Poll == 0 {
		cfg.NTP.Poll = n.Poll
	}
	if cfg.NTP.RateLimit.GlobalRate == 0 {
		cfg.NTP.RateLimit.GlobalRate = n.GlobalRate
	}
	if cfg.NTP.RateLimit.PerClientRate == 0 {
		cfg.NTP.RateLimit.PerClientRate = n.ClientRate
	}
	if cfg.NTP.RateLimit.BurstSize == 0 {
		cfg.NTP.RateLimit.BurstSize = n.Burst
	}
	if cfg.NTP.RateLimit.ClientIdle == 0 {
		cfg.NTP.RateLimit.ClientIdle = n.ClientIdle
	}

	// Telemetry defaults
	g := &cfg.Telemetry.Graphite
	if g.Network == "" {
		g.Network = "udp"
	}
	if g.Prefix == "" {
		g.Prefix = "gpsdo."
	}
	if g.FlushInterval == 0 {
		g.FlushInterval = time.Second
	}
	if g.QueueSize == 0 {
		g.QueueSize = 256
	}
	if g.BatchBytes == 0 {
		g.BatchBytes = telemetry.DefaultBatchBytes
	}
	if g.WriteTimeout == 0 {
		g.WriteTimeout = 2 * time.Second
	}
	b := telemetry.DefaultBreakerConfig()
	if g.CircuitBreaker.MaxRequests == 0 {
		g.CircuitBreaker.MaxRequests = b.MaxRequests
	}
	if g.CircuitBreaker.Interval == 0 {
		g.CircuitBreaker.Interval = b.Interval
	}
	if g.CircuitBreaker.Timeout == 0 {
		g.CircuitBreaker.Timeout = b.Timeout
	}
	if g.CircuitBreaker.FailureThreshold == 0 {
		g.CircuitBreaker.FailureThreshold = b.FailureThreshold
	}

	// Server defaults
	if cfg.Server.Address == "" {
		cfg.Server.Address = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9560
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	// Default CORS origins (empty = no CORS)
	if cfg.Server.AllowedOrigins == nil {
		cfg.Server.AllowedOrigins = []string{}
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}

	// Metrics defaults
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "gpsdo"
	}
	if cfg.Metrics.Labels == nil {
		cfg.Metrics.Labels = make(map[string]string)
	}

	// Console defaults
	if cfg.Console.Prompt == "" {
		cfg.Console.Prompt = "gpsdo> "
	}
}

// DefaultConfig returns a configuration with all defaults applied
func DefaultConfig() *Config {
	cfg := newConfig()
	ApplyDefaults(cfg)
	return cfg
}
