package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arodland/Due-GPS-NTP-Server/internal/config"
	"github.com/arodland/Due-GPS-NTP-Server/internal/gpsdo"
	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
)

type fakeSource struct {
	mu     sync.Mutex
	status health.SystemStatus
	snap   gpsdo.Snapshot
}

func (f *fakeSource) Status() health.SystemStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSource) Snapshot() gpsdo.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func newFakeSource(status health.SystemStatus) *fakeSource {
	return &fakeSource{
		status: status,
		snap: gpsdo.Snapshot{
			Status:       status.String(),
			Protocol:     "tsip",
			Dated:        true,
			Week:         2300,
			TOW:          345600,
			PhaseNs:      -12,
			PhaseFudgeNs: 150,
			Steps:        42,
		},
	}
}

func TestNewHandlers(t *testing.T) {
	cfg := config.DefaultConfig()
	registry := prometheus.NewRegistry()

	handlers := NewHandlers(cfg, registry, newFakeSource(health.SystemOk))

	assert.NotNil(t, handlers)
	assert.NotNil(t, handlers.config)
	assert.NotNil(t, handlers.registry)
	assert.NotNil(t, handlers.source)
}

func TestHandlers_MetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	testGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_metric",
		Help: "Test metric",
	})
	registry.MustRegister(testGauge)
	testGauge.Set(42)

	handlers := NewHandlers(config.DefaultConfig(), registry, newFakeSource(health.SystemOk))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handlers.MetricsHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_metric 42")
}

func TestHandlers_HealthHandler(t *testing.T) {
	tests := []struct {
		status   health.SystemStatus
		wantCode int
		wantBody string
	}{
		{health.SystemOk, http.StatusOK, "ok"},
		{health.SystemHoldover, http.StatusOK, "holdover"},
		{health.SystemUnlock, http.StatusServiceUnavailable, "unlock"},
	}

	for _, tt := range tests {
		t.Run(tt.wantBody, func(t *testing.T) {
			handlers := NewHandlers(config.DefaultConfig(), prometheus.NewRegistry(), newFakeSource(tt.status))

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()

			handlers.HealthHandler(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body healthResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body.Status)
			assert.Equal(t, "gpsdo", body.Service)
		})
	}
}

func TestHandlers_StatusHandler(t *testing.T) {
	handlers := NewHandlers(config.DefaultConfig(), prometheus.NewRegistry(), newFakeSource(health.SystemHoldover))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()

	handlers.StatusHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var snap gpsdo.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, "HOLDOVER", snap.Status)
	assert.Equal(t, uint16(2300), snap.Week)
	assert.Equal(t, int32(-12), snap.PhaseNs)
	assert.Equal(t, uint64(42), snap.Steps)
}

func TestHandlers_IndexHandler(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.GPS.Protocol = "ubx"
	handlers := NewHandlers(cfg, prometheus.NewRegistry(), newFakeSource(health.SystemOk))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	handlers.IndexHandler(w, req)

	body := w.Body.String()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html", w.Header().Get("Content-Type"))
	assert.Contains(t, body, "Status: OK")
	assert.Contains(t, body, "Receiver protocol: ubx")
	assert.Contains(t, body, "Phase fudge: 150 ns")
	assert.Contains(t, body, "NTP: port 123")
	assert.Contains(t, body, "/status")
}

func TestHandlers_IndexHandler_NotFound(t *testing.T) {
	handlers := NewHandlers(config.DefaultConfig(), prometheus.NewRegistry(), newFakeSource(health.SystemOk))

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	w := httptest.NewRecorder()

	handlers.IndexHandler(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestLoggerAdapter_Println(t *testing.T) {
	adapter := &loggerAdapter{}

	assert.NotPanics(t, func() {
		adapter.Println("test message")
		adapter.Println("error:", assert.AnError, 42)
	})
}

func TestHandlers_ConcurrentRequests(t *testing.T) {
	src := newFakeSource(health.SystemOk)
	handlers := NewHandlers(config.DefaultConfig(), prometheus.NewRegistry(), src)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			w := httptest.NewRecorder()
			handlers.HealthHandler(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.True(t, strings.Contains(w.Body.String(), `"status":"ok"`))
		}()
	}
	wg.Wait()
}

func BenchmarkHandlers_StatusHandler(b *testing.B) {
	handlers := NewHandlers(config.DefaultConfig(), prometheus.NewRegistry(), newFakeSource(health.SystemOk))
	req := httptest.NewRequest(http.MethodGet, "/status", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		handlers.StatusHandler(httptest.NewRecorder(), req)
	}
}
