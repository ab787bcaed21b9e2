package main

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arodland/Due-GPS-NTP-Server/internal/config"
	testutil "github.com/arodland/Due-GPS-NTP-Server/pkg/testing"
)

func TestLoadConfig_FromFile(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "gpsdo.yaml")
	configContent := `
hardware:
  simulate: true
gps:
  protocol: ubx
server:
  port: 9561
logging:
  level: info
`
	require.NoError(t, os.WriteFile(configFile, []byte(configContent), 0644))

	cfg, err := loadConfig(configFile)

	require.NoError(t, err)
	assert.True(t, cfg.Hardware.Simulate)
	assert.Equal(t, "ubx", cfg.GPS.Protocol)
	assert.Equal(t, 9561, cfg.Server.Port)
}

func TestLoadConfig_FromEnv(t *testing.T) {
	t.Setenv("GPS_PROTOCOL", "sirf")

	cfg, err := loadConfig("")

	require.NoError(t, err)
	assert.Equal(t, "sirf", cfg.GPS.Protocol)
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func freeTCPPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func simConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Hardware.Simulate = true
	cfg.Hardware.Sim.Interval = time.Millisecond
	cfg.NTP.Address = "127.0.0.1"
	cfg.NTP.Port = freeUDPPort(t)
	cfg.Server.Address = "127.0.0.1"
	cfg.Server.Port = freeTCPPort(t)
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestRun_Simulated(t *testing.T) {
	cfg := simConfig(t)
	before := testutil.CountGoroutines()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg)
	}()

	healthURL := "http://" + net.JoinHostPort(cfg.Server.Address, strconv.Itoa(cfg.Server.Port)) + "/health"
	testutil.WaitForCondition(t, func() bool {
		resp, err := http.Get(healthURL)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 20*time.Second, "simulated clock to lock")

	var out bytes.Buffer
	ntpAddr := net.JoinHostPort(cfg.NTP.Address, strconv.Itoa(cfg.NTP.Port))
	code := runProbe(context.Background(), ntpAddr, 2*time.Second, &out)
	assert.Equal(t, 0, code, out.String())
	assert.Contains(t, out.String(), `"reference_id": "GPS"`)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("run did not stop")
	}

	http.DefaultClient.CloseIdleConnections()
	testutil.WaitForCondition(t, func() bool {
		return testutil.CountGoroutines() <= before+2
	}, 5*time.Second, "goroutines to exit after shutdown")
}

func TestRun_HardwareWithoutDevice(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.GPS.Device = filepath.Join(t.TempDir(), "missing-tty")
	cfg.NTP.Enabled = false
	cfg.Server.Enabled = false

	err := run(context.Background(), cfg)

	assert.Error(t, err)
}

func TestRun_BadGraphite(t *testing.T) {
	cfg := simConfig(t)
	cfg.Telemetry.Graphite.Enabled = true
	cfg.Telemetry.Graphite.Network = "unix"
	cfg.Telemetry.Graphite.Address = "/tmp/graphite.sock"

	err := run(context.Background(), cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "graphite sink")
}

func TestRunProbe_Unreachable(t *testing.T) {
	var out bytes.Buffer

	code := runProbe(context.Background(), "127.0.0.1:1", 200*time.Millisecond, &out)

	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), `"error"`)
}
