package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arodland/Due-GPS-NTP-Server/internal/gps"
)

func TestComponentConfigs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GPS.Protocol = "ubx"
	cfg.Timebase.PhaseFudgeNs = 75
	cfg.NTP.Address = "127.0.0.1"
	cfg.NTP.Port = 1123
	cfg.Telemetry.Graphite.Address = "graphite:2003"

	clock, err := cfg.ClockConfig()
	require.NoError(t, err)
	assert.Equal(t, gps.UBX, clock.Protocol)
	assert.Equal(t, int32(75), clock.PhaseFudgeNs)
	assert.Equal(t, cfg.Hardware.TickHz, clock.TickHz)
	assert.Equal(t, cfg.Discipline, clock.Discipline)

	link, err := cfg.LinkConfig()
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyS0", link.Device)
	assert.Equal(t, gps.UBX, link.Protocol)

	assert.Equal(t, "127.0.0.1:1123", cfg.NTPServerConfig().Address)
	assert.Equal(t, 8, cfg.NTPServerConfig().Burst)

	g := cfg.GraphiteConfig()
	assert.Equal(t, "graphite:2003", g.Address)
	assert.Equal(t, 0.6, g.Breaker.FailureThreshold)
}

func TestGPSOptions(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.GPSOptions().TSIPChecksum)

	off := false
	cfg.GPS.TSIPChecksum = &off
	assert.False(t, cfg.GPSOptions().TSIPChecksum)
}

func TestBenchConfigStartsAtNow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Hardware.Sim.JitterNs = 3

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b, err := cfg.BenchConfig(now)
	require.NoError(t, err)
	assert.Equal(t, uint16(2295), b.Week)
	assert.Equal(t, uint32(86418), b.TOW)
	assert.Equal(t, int16(18), b.LeapSeconds)
	assert.Equal(t, 3.0, b.JitterNs)
	assert.Equal(t, gps.TSIP, b.Protocol)
}

func TestLoggerConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "stdout", cfg.LoggerConfig().Output)

	cfg.Logging.EnableFile = true
	cfg.Logging.FilePath = "/tmp/gpsdo.log"
	lc := cfg.LoggerConfig()
	assert.Equal(t, "file", lc.Output)
	assert.Equal(t, "/tmp/gpsdo.log", lc.FilePath)
}

func TestProtocolError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GPS.Protocol = "garmin"

	_, err := cfg.ClockConfig()
	assert.Error(t, err)
	_, err = cfg.LinkConfig()
	assert.Error(t, err)
	_, err = cfg.BenchConfig(time.Now())
	assert.Error(t, err)
}
