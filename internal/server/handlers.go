package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strings"

	"github.com/arodland/Due-GPS-NTP-Server/internal/config"
	"github.com/arodland/Due-GPS-NTP-Server/internal/gpsdo"
	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusSource is the clock the status endpoints report on.
type StatusSource interface {
	Status() health.SystemStatus
	Snapshot() gpsdo.Snapshot
}

// Handlers contains HTTP request handlers
type Handlers struct {
	config   *config.Config
	registry *prometheus.Registry
	source   StatusSource
}

// NewHandlers creates a new handlers instance
func NewHandlers(cfg *config.Config, registry *prometheus.Registry, src StatusSource) *Handlers {
	return &Handlers{
		config:   cfg,
		registry: registry,
		source:   src,
	}
}

// MetricsHandler serves Prometheus metrics
func (h *Handlers) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	handler := promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{
		ErrorLog:      &loggerAdapter{},
		ErrorHandling: promhttp.ContinueOnError,
	})

	handler.ServeHTTP(w, r)
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

// HealthHandler reports the aggregate clock status. Holdover still serves
// time, so only Unlock answers 503.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	status := h.source.Status()

	code := http.StatusOK
	if status == health.SystemUnlock {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, healthResponse{
		Status:  strings.ToLower(status.String()),
		Service: "gpsdo",
	})
}

// StatusHandler serves a JSON snapshot of every component
func (h *Handlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.source.Snapshot())
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		logger.Error("server", "Failed to encode response", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(body)
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>GPSDO</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 40px; }
        h1 { color: #333; }
        ul { list-style-type: none; padding: 0; }
        li { margin: 10px 0; }
        a { color: #0066cc; text-decoration: none; }
        a:hover { text-decoration: underline; }
        .info { background-color: #f0f0f0; padding: 15px; border-radius: 5px; }
    </style>
</head>
<body>
    <h1>GPS Disciplined Rubidium Standard</h1>
    <div class="info">
        <h2>Status: {{.Status}}</h2>
        <h2>Available Endpoints:</h2>
        <ul>
            <li><a href="/metrics">/metrics</a> - Prometheus metrics</li>
            <li><a href="/health">/health</a> - Health check</li>
            <li><a href="/status">/status</a> - Clock snapshot</li>
        </ul>
        <h2>Configuration:</h2>
        <ul>
            <li>Receiver protocol: {{.Protocol}}</li>
            <li>Tick rate: {{.TickHz}} Hz</li>
            <li>Phase fudge: {{.FudgeNs}} ns</li>
            <li>NTP: {{if .NTP}}port {{.NTPPort}}{{else}}disabled{{end}}</li>
            <li>Simulated hardware: {{.Simulate}}</li>
        </ul>
    </div>
</body>
</html>`))

// IndexHandler serves the index page
func (h *Handlers) IndexHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := struct {
		Status   string
		Protocol string
		TickHz   uint32
		FudgeNs  int32
		NTP      bool
		NTPPort  int
		Simulate bool
	}{
		Status:   h.source.Status().String(),
		Protocol: h.config.GPS.Protocol,
		TickHz:   h.config.Hardware.TickHz,
		FudgeNs:  h.source.Snapshot().PhaseFudgeNs,
		NTP:      h.config.NTP.Enabled,
		NTPPort:  h.config.NTP.Port,
		Simulate: h.config.Hardware.Simulate,
	}

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	if err := indexTemplate.Execute(w, data); err != nil {
		logger.Error("server", "Failed to render index", err)
	}
}

// loggerAdapter adapts pkg/logger to promhttp logger interface
type loggerAdapter struct{}

func (l *loggerAdapter) Println(v ...interface{}) {
	parts := make([]string, 0, len(v))
	for _, val := range v {
		switch x := val.(type) {
		case string:
			parts = append(parts, x)
		case error:
			parts = append(parts, x.Error())
		}
	}
	logger.Error("promhttp", strings.Join(parts, " "), nil)
}
