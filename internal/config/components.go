package config

import (
	"net"
	"strconv"
	"time"

	"github.com/arodland/Due-GPS-NTP-Server/internal/gps"
	"github.com/arodland/Due-GPS-NTP-Server/internal/gpsdo"
	"github.com/arodland/Due-GPS-NTP-Server/internal/gpslink"
	"github.com/arodland/Due-GPS-NTP-Server/internal/hw/sim"
	"github.com/arodland/Due-GPS-NTP-Server/internal/ntpserver"
	"github.com/arodland/Due-GPS-NTP-Server/internal/telemetry"
	"github.com/arodland/Due-GPS-NTP-Server/internal/timebase"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
)

// leapSeconds is GPS minus UTC, used to start the bench at the current time.
const leapSeconds = 18

// Protocol returns the configured receiver protocol.
func (c *Config) Protocol() (gps.Protocol, error) {
	return gps.ParseProtocol(c.GPS.Protocol)
}

// GPSOptions returns the decoder options.
func (c *Config) GPSOptions() gps.Options {
	opts := gps.DefaultOptions()
	if c.GPS.TSIPChecksum != nil {
		opts.TSIPChecksum = *c.GPS.TSIPChecksum
	}
	return opts
}

// ClockConfig assembles the core configuration.
func (c *Config) ClockConfig() (gpsdo.Config, error) {
	p, err := c.Protocol()
	if err != nil {
		return gpsdo.Config{}, err
	}
	return gpsdo.Config{
		TickHz:       c.Hardware.TickHz,
		PhaseFudgeNs: c.Timebase.PhaseFudgeNs,
		Protocol:     p,
		GPSOptions:   c.GPSOptions(),
		Discipline:   c.Discipline,
		Health:       c.Health,
	}, nil
}

// LinkConfig assembles the receiver link configuration.
func (c *Config) LinkConfig() (gpslink.Config, error) {
	p, err := c.Protocol()
	if err != nil {
		return gpslink.Config{}, err
	}
	return gpslink.Config{
		Device:      c.GPS.Device,
		Baud:        c.GPS.Baud,
		Protocol:    p,
		Options:     c.GPSOptions(),
		ReadTimeout: c.GPS.ReadTimeout,
		PPSLine:     c.GPS.PPSLine,
		PPSPoll:     c.GPS.PPSPoll,
	}, nil
}

// BenchConfig assembles the simulated hardware, starting the receiver at
// the GPS time corresponding to now.
func (c *Config) BenchConfig(now time.Time) (sim.Config, error) {
	p, err := c.Protocol()
	if err != nil {
		return sim.Config{}, err
	}
	week, tow := timebase.GPSTime(now, leapSeconds)
	s := c.Hardware.Sim
	return sim.Config{
		TickHz:            c.Hardware.TickHz,
		Protocol:          p,
		Options:           c.GPSOptions(),
		FrequencyErrorPPT: s.FrequencyErrorPPT,
		JitterNs:          s.JitterNs,
		SawtoothNs:        s.SawtoothNs,
		InitialPhaseNs:    s.InitialPhaseNs,
		Week:              week,
		TOW:               tow,
		LeapSeconds:       leapSeconds,
		Seed:              s.Seed,
	}, nil
}

// NTPServerConfig assembles the responder configuration.
func (c *Config) NTPServerConfig() ntpserver.Config {
	return ntpserver.Config{
		Address:    net.JoinHostPort(c.NTP.Address, strconv.Itoa(c.NTP.Port)),
		RxFudgeUS:  c.NTP.RxFudgeUS,
		TxFudgeUS:  c.NTP.TxFudgeUS,
		Poll:       c.NTP.Poll,
		GlobalRate: c.NTP.RateLimit.GlobalRate,
		ClientRate: c.NTP.RateLimit.PerClientRate,
		Burst:      c.NTP.RateLimit.BurstSize,
		ClientIdle: c.NTP.RateLimit.ClientIdle,
	}
}

// GraphiteConfig assembles the Graphite sink configuration.
func (c *Config) GraphiteConfig() telemetry.GraphiteConfig {
	g := c.Telemetry.Graphite
	return telemetry.GraphiteConfig{
		Network:       g.Network,
		Address:       g.Address,
		Prefix:        g.Prefix,
		FlushInterval: g.FlushInterval,
		QueueSize:     g.QueueSize,
		BatchBytes:    g.BatchBytes,
		WriteTimeout:  g.WriteTimeout,
		Breaker:       g.CircuitBreaker,
	}
}

// LoggerConfig assembles the logger configuration.
func (c *Config) LoggerConfig() logger.Config {
	out := c.Logging.Output
	if c.Logging.EnableFile {
		out = "file"
	}
	return logger.Config{
		Level:     c.Logging.Level,
		Format:    c.Logging.Format,
		Output:    out,
		FilePath:  c.Logging.FilePath,
		Component: "gpsdo",
	}
}
