package testutil

import (
	"math/rand"
	"net/http"
	"net/http/httptest"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/beevik/ntp"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// GPSRefID is the reference identifier a GPS-locked primary server sends.
const GPSRefID = 0x47505300

// CreateMockNTPResponse creates a valid mock NTP response for testing
func CreateMockNTPResponse(offset time.Duration, stratum uint8) *ntp.Response {
	now := time.Now()
	return &ntp.Response{
		Time:           now.Add(offset),
		ClockOffset:    offset,
		RTT:            500 * time.Microsecond,
		Precision:      120 * time.Nanosecond,
		Stratum:        stratum,
		ReferenceID:    GPSRefID,
		ReferenceTime:  now.Add(-30 * time.Second),
		RootDelay:      0,
		RootDispersion: 3 * time.Millisecond,
		Leap:           ntp.LeapNoWarning,
		Poll:           512 * time.Second,
	}
}

// CreateGPSResponse creates the answer of a locked stratum 1 server.
func CreateGPSResponse(offset time.Duration) *ntp.Response {
	return CreateMockNTPResponse(offset, 1)
}

// CreateUnsyncedResponse creates the answer of a server without a
// reference: stratum 0, INIT kiss code, leap indicator 3.
func CreateUnsyncedResponse() *ntp.Response {
	resp := CreateKoDResponse("INIT")
	resp.Leap = ntp.LeapNotInSync
	resp.ReferenceTime = time.Time{}
	resp.RootDispersion = 16 * time.Second
	return resp
}

// CreateKoDResponse creates a Kiss-o'-Death response
func CreateKoDResponse(code string) *ntp.Response {
	resp := CreateMockNTPResponse(0, 0)
	resp.KissCode = code
	resp.ReferenceID = kissRefID(code)
	return resp
}

// CreateHoldoverResponse creates the answer of a server that lost its
// reference age ago. Dispersion grows one short-format unit per 15 s.
func CreateHoldoverResponse(age time.Duration) *ntp.Response {
	resp := CreateGPSResponse(0)
	resp.ReferenceTime = resp.Time.Add(-age)
	units := time.Duration(int64(age/time.Second)/15 + 1)
	resp.RootDispersion = units * time.Second / 65536
	return resp
}

func kissRefID(code string) uint32 {
	var id uint32
	for i := 0; i < 4; i++ {
		id <<= 8
		if i < len(code) {
			id |= uint32(code[i])
		}
	}
	return id
}

// AssertMetricValue validates a Prometheus metric value
func AssertMetricValue(t *testing.T, registry *prometheus.Registry, metricName string, labels map[string]string, expected float64) {
	t.Helper()

	metrics, err := registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	for _, mf := range metrics {
		if mf.GetName() != metricName {
			continue
		}

		for _, m := range mf.GetMetric() {
			if labelsMatch(m.GetLabel(), labels) {
				var value float64
				switch mf.GetType() {
				case dto.MetricType_GAUGE:
					value = m.GetGauge().GetValue()
				case dto.MetricType_COUNTER:
					value = m.GetCounter().GetValue()
				case dto.MetricType_HISTOGRAM:
					value = m.GetHistogram().GetSampleSum()
				default:
					t.Fatalf("Unsupported metric type: %v", mf.GetType())
				}

				if value != expected {
					t.Errorf("Metric %s with labels %v: expected %f, got %f", metricName, labels, expected, value)
				}
				return
			}
		}
	}

	t.Errorf("Metric %s with labels %v not found", metricName, labels)
}

// AssertMetricExists checks if a metric exists with given labels
func AssertMetricExists(t *testing.T, registry *prometheus.Registry, metricName string, labels map[string]string) {
	t.Helper()

	metrics, err := registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	for _, mf := range metrics {
		if mf.GetName() != metricName {
			continue
		}

		for _, m := range mf.GetMetric() {
			if labelsMatch(m.GetLabel(), labels) {
				return
			}
		}
	}

	t.Errorf("Metric %s with labels %v not found", metricName, labels)
}

// labelsMatch checks if metric labels match expected labels
func labelsMatch(metricLabels []*dto.LabelPair, expected map[string]string) bool {
	if len(metricLabels) != len(expected) {
		return false
	}

	for _, label := range metricLabels {
		expectedValue, exists := expected[label.GetName()]
		if !exists || expectedValue != label.GetValue() {
			return false
		}
	}

	return true
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		if condition() {
			return
		}

		select {
		case <-ticker.C:
			if time.Now().After(deadline) {
				t.Fatalf("Timeout waiting for condition: %s", message)
			}
		}
	}
}

// GenerateNTPResponse generates a deterministic stratum 1 response based on seed
func GenerateNTPResponse(seed int64) *ntp.Response {
	r := rand.New(rand.NewSource(seed))

	offset := time.Duration(r.Int63n(2000000)) - time.Millisecond // +-1ms
	rtt := time.Duration(r.Int63n(10000000))                         // 0-10ms

	resp := CreateGPSResponse(offset)
	resp.RTT = rtt
	return resp
}

// NewTestHTTPServer creates a test HTTP server for integration tests
func NewTestHTTPServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
	})

	return server
}

// MeasureMemoryAllocation measures memory allocated during function execution
func MeasureMemoryAllocation(fn func()) uint64 {
	runtime.GC()
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	before := m.Alloc

	fn()

	runtime.GC()
	runtime.ReadMemStats(&m)
	after := m.Alloc

	if after > before {
		return after - before
	}
	return 0
}

// CountGoroutines returns the current number of goroutines
func CountGoroutines() int {
	return runtime.NumGoroutine()
}

// CreateTestRegistry creates a new Prometheus registry for testing
func CreateTestRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// ValidatePrometheusMetricName validates that a metric name follows Prometheus conventions
func ValidatePrometheusMetricName(t *testing.T, name string) {
	t.Helper()

	if len(name) == 0 {
		t.Error("Metric name cannot be empty")
	}

	// Must match regex: [a-zA-Z_:][a-zA-Z0-9_:]*
	validName := regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)
	if !validName.MatchString(name) {
		t.Errorf("Invalid metric name: %s (must match [a-zA-Z_:][a-zA-Z0-9_:]*)", name)
	}

	// Should contain namespace prefix
	if !strings.HasPrefix(name, "gpsdo_") {
		t.Errorf("Metric name %s should have gpsdo_ prefix", name)
	}

	// Should use underscores, not hyphens
	if strings.Contains(name, "-") {
		t.Errorf("Metric name %s should use underscores, not hyphens", name)
	}
}

// ValidatePrometheusLabelName validates that a label name follows Prometheus conventions
func ValidatePrometheusLabelName(t *testing.T, name string) {
	t.Helper()

	// Must match regex: [a-zA-Z_][a-zA-Z0-9_]*
	validLabel := regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
	if !validLabel.MatchString(name) {
		t.Errorf("Invalid label name: %s (must match [a-zA-Z_][a-zA-Z0-9_]*)", name)
	}

	// Reserved label names
	reserved := []string{"__name__", "job", "instance"}
	for _, r := range reserved {
		if name == r {
			t.Errorf("Label name %s is reserved", name)
		}
	}
}
