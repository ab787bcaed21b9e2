package gpsdo

import (
	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
)

func statusGauge(s health.Status) float64 {
	if s == health.Ok {
		return 1
	}
	return 0
}

// exportMetrics copies the slow-moving state into the exported gauges.
// Called under c.mu.
func (c *Clock) exportMetrics() {
	if c.m == nil {
		return
	}
	m := c.m
	m.Status.WithLabelValues("system").Set(c.mon.Status().Gauge())
	m.Status.WithLabelValues("pll").Set(statusGauge(c.mon.PLLStatus()))
	m.Status.WithLabelValues("fll").Set(statusGauge(c.mon.FLLStatus()))
	m.Status.WithLabelValues("oscillator").Set(statusGauge(c.mon.OscillatorStatus()))
	m.Status.WithLabelValues("gps").Set(float64(c.mon.GPSStatus()))
	m.HoldoverSeconds.Set(float64(c.mon.HoldoverSeconds()))

	if age, ok := c.mon.RefAge(c.tb.ToNTP(0, 0)); ok {
		m.ReferenceAge.Set(float64(age))
	} else {
		m.ReferenceAge.Set(-1)
	}

	proto := c.dec.Protocol().String()
	st := c.dec.Stats()
	for event, v := range map[string]uint64{
		"messages":        st.Messages,
		"garbage":         st.Garbage,
		"checksum_errors": st.ChecksumErrors,
		"too_big":         st.TooBig,
		"framing_errors":  st.FramingErrors,
		"unknown":         st.Unknown,
		"malformed":       st.Malformed,
	} {
		m.GPSDecoderEvents.WithLabelValues(proto, event).Set(float64(v))
	}
	m.GPSWeek.Set(float64(c.tb.Week()))
	m.GPSTimeOfWeek.Set(float64(c.tb.TOW()))
}
