package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arodland/Due-GPS-NTP-Server/internal/config"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/metrics"
)

// Middleware manages HTTP middleware
type Middleware struct {
	config  *config.Config
	metrics *metrics.GPSDOMetrics
}

// NewMiddleware creates a new middleware instance. m may be nil.
func NewMiddleware(cfg *config.Config, m *metrics.GPSDOMetrics) *Middleware {
	return &Middleware{
		config:  cfg,
		metrics: m,
	}
}

// Apply applies all middleware to the handler
func (m *Middleware) Apply(next http.Handler) http.Handler {
	handler := next

	// innermost first
	handler = m.recoveryMiddleware(handler)
	handler = m.metricsMiddleware(handler)
	handler = m.loggingMiddleware(handler)

	if m.config.Server.EnableCORS {
		handler = m.corsMiddleware(handler)
	}

	return handler
}

// loggingMiddleware logs HTTP requests
func (m *Middleware) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)

		next.ServeHTTP(rw, r)

		logger.HTTP(r.Method, r.URL.Path, rw.statusCode, time.Since(start), r.RemoteAddr)
	})
}

// metricsMiddleware counts requests per endpoint
func (m *Middleware) metricsMiddleware(next http.Handler) http.Handler {
	if m.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := wrap(w)

		next.ServeHTTP(rw, r)

		path := routeLabel(r.URL.Path)
		m.metrics.HTTPRequestsTotal.WithLabelValues(path, strconv.Itoa(rw.statusCode)).Inc()
		m.metrics.HTTPRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}

// routeLabel keeps the path label bounded to the served routes.
func routeLabel(path string) string {
	switch path {
	case "/", "/metrics", "/health", "/status":
		return path
	default:
		return "other"
	}
}

// corsMiddleware adds CORS headers
func (m *Middleware) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if m.isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Set("Access-Control-Max-Age", "3600")
		} else if origin != "" {
			logger.SafeWarn("security", "CORS request blocked", map[string]interface{}{
				"origin": origin,
				"path":   r.URL.Path,
			})
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is in the whitelist
func (m *Middleware) isAllowedOrigin(origin string) bool {
	if len(m.config.Server.AllowedOrigins) == 0 {
		return false
	}

	for _, allowed := range m.config.Server.AllowedOrigins {
		if allowed == origin {
			return true
		}

		// *.example.com
		if strings.HasPrefix(allowed, "*.") {
			domain := allowed[2:]
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain {
				return true
			}
		}
	}

	return false
}

// recoveryMiddleware recovers from panics
func (m *Middleware) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.SafeError("server", "Panic recovered", nil, map[string]interface{}{
					"panic":  err,
					"method": r.Method,
					"path":   r.URL.Path,
				})

				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"internal server error"}`))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func wrap(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
