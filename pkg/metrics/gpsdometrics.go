package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// GPSDOMetrics encapsulates all frequency standard metrics
type GPSDOMetrics struct {
	// Discipline loop
	PhaseNanoseconds *prometheus.GaugeVec // kind: raw, filtered
	RatePPT          *prometheus.GaugeVec // actuator: requested, oscillator, timer, fll
	LoopFactor       *prometheus.GaugeVec // loop: pll, fll
	ResyncsTotal     prometheus.Counter
	DisciplineSteps  *prometheus.CounterVec // result: ran, skipped

	// Health
	Status          *prometheus.GaugeVec // subsystem
	HoldoverSeconds prometheus.Gauge
	ReferenceAge    prometheus.Gauge

	// GPS receiver
	GPSDecoderEvents *prometheus.GaugeVec // protocol, event
	GPSWeek          prometheus.Gauge
	GPSTimeOfWeek    prometheus.Gauge

	// NTP responder
	NTPRequestsTotal   *prometheus.CounterVec // result
	NTPRequestDuration prometheus.Histogram
	NTPClientsTracked  prometheus.Gauge

	// Telemetry shipping
	TelemetryDroppedTotal *prometheus.CounterVec // sink
	TelemetryFlushesTotal *prometheus.CounterVec // sink, result

	// HTTP endpoints
	HTTPRequestsTotal   *prometheus.CounterVec // path, code
	HTTPRequestDuration *prometheus.HistogramVec

	// Build info
	BuildInfo *prometheus.GaugeVec
}

// NewGPSDOMetricsWithConfig creates and initializes all metrics with custom namespace and subsystem
func NewGPSDOMetricsWithConfig(namespace, subsystem string) *GPSDOMetrics {
	return &GPSDOMetrics{
		PhaseNanoseconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "phase_nanoseconds",
				Help:      "Phase of the local PPS edge relative to the GPS PPS edge in nanoseconds",
			},
			[]string{"kind"},
		),
		RatePPT: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "rate_ppt",
				Help:      "Frequency correction in parts per trillion, by actuator",
			},
			[]string{"actuator"},
		),
		LoopFactor: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "loop_factor",
				Help:      "Current gain factor of the PLL or FLL (larger is gentler)",
			},
			[]string{"loop"},
		),
		ResyncsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "resyncs_total",
				Help:      "Total number of timer resynchronizations after large phase errors",
			},
		),
		DisciplineSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "discipline_steps_total",
				Help:      "Total number of seconds the discipline loop ran or was skipped",
			},
			[]string{"result"},
		),

		Status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "status",
				Help:      "Lock status by subsystem (system: 0=unlock 1=holdover 2=ok; gps: 0=unlock 1=minor alarm 2=ok; others: 0=unlock 1=ok)",
			},
			[]string{"subsystem"},
		),
		HoldoverSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "holdover_seconds",
				Help:      "Length of the current or most recent holdover in seconds",
			},
		),
		ReferenceAge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "reference_age_seconds",
				Help:      "Seconds since the discipline loop last reported a good lock",
			},
		),

		GPSDecoderEvents: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "gps_decoder_events",
				Help:      "Cumulative GPS decoder counters by protocol and event",
			},
			[]string{"protocol", "event"},
		),
		GPSWeek: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "gps_week",
				Help:      "Current GPS week number",
			},
		),
		GPSTimeOfWeek: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "gps_time_of_week_seconds",
				Help:      "Current UTC time of week in seconds",
			},
		),

		NTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "ntp_requests_total",
				Help:      "Total number of NTP requests by result",
			},
			[]string{"result"},
		),
		NTPRequestDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "ntp_request_duration_seconds",
				Help:      "Time between receiving an NTP request and sending the reply",
				Buckets:   []float64{1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 5e-4, 1e-3, 5e-3},
			},
		),
		NTPClientsTracked: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "ntp_clients_tracked",
				Help:      "Number of clients with a rate limiter",
			},
		),

		TelemetryDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "telemetry_dropped_total",
				Help:      "Total number of telemetry samples dropped because a sink was busy",
			},
			[]string{"sink"},
		),
		TelemetryFlushesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "telemetry_flushes_total",
				Help:      "Total number of telemetry batch flushes by result",
			},
			[]string{"sink", "result"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests by path and status code",
			},
			[]string{"path", "code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"path"},
		),

		BuildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "build_info",
				Help:      "Build information",
			},
			[]string{"version", "commit", "protocol"},
		),
	}
}

// NewGPSDOMetrics creates and initializes all metrics with the default namespace
func NewGPSDOMetrics() *GPSDOMetrics {
	return NewGPSDOMetricsWithConfig("gpsdo", "")
}

// getAllMetrics returns all metric collectors
func (m *GPSDOMetrics) getAllMetrics() []prometheus.Collector {
	return []prometheus.Collector{
		m.PhaseNanoseconds,
		m.RatePPT,
		m.LoopFactor,
		m.ResyncsTotal,
		m.DisciplineSteps,

		m.Status,
		m.HoldoverSeconds,
		m.ReferenceAge,

		m.GPSDecoderEvents,
		m.GPSWeek,
		m.GPSTimeOfWeek,

		m.NTPRequestsTotal,
		m.NTPRequestDuration,
		m.NTPClientsTracked,

		m.TelemetryDroppedTotal,
		m.TelemetryFlushesTotal,

		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,

		m.BuildInfo,
	}
}

// Describe implements prometheus.Collector interface
func (m *GPSDOMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, metric := range m.getAllMetrics() {
		metric.Describe(ch)
	}
}

// Collect implements prometheus.Collector interface
func (m *GPSDOMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, metric := range m.getAllMetrics() {
		metric.Collect(ch)
	}
}
