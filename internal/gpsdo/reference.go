package gpsdo

import (
	"github.com/arodland/Due-GPS-NTP-Server/internal/discipline"
	"github.com/arodland/Due-GPS-NTP-Server/internal/gps"
	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
	"github.com/arodland/Due-GPS-NTP-Server/internal/timebase"
)

// Reference is what a time server needs to answer a request.
type Reference struct {
	Now     timebase.NTPTimestamp
	Reftime timebase.NTPTimestamp
	RefAge  uint32
	HaveRef bool
	Status  health.SystemStatus
	Dated   bool
}

// NowNTP reads the current time from the running counter, offset by
// fudgeNs.
func (c *Clock) NowNTP(fudgeNs int32) timebase.NTPTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tb.ToNTP(c.timer.Counter(), fudgeNs)
}

// Reference reads the current time and the reference state in one step.
func (c *Clock) Reference(fudgeNs int32) Reference {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.tb.ToNTP(c.timer.Counter(), fudgeNs)
	age, ok := c.mon.RefAge(now)
	return Reference{
		Now:     now,
		Reftime: c.mon.Reftime(),
		RefAge:  age,
		HaveRef: ok,
		Status:  c.mon.Status(),
		Dated:   c.tb.HasDate(),
	}
}

// FixSnapshot is the last receiver fix.
type FixSnapshot struct {
	Week      uint16 `json:"week"`
	TOW       uint32 `json:"tow"`
	UTCOffset int16  `json:"utc_offset"`
	Valid     bool   `json:"valid"`
	AgeS      int    `json:"age_s"`
}

// Snapshot is the full state of the core for reporting.
type Snapshot struct {
	Status       string                `json:"status"`
	Health       health.Snapshot       `json:"health"`
	Discipline   discipline.Snapshot   `json:"discipline"`
	LastStep     discipline.Result     `json:"last_step"`
	Stats        discipline.PhaseStats `json:"stats"`
	Protocol     string                `json:"protocol"`
	Decoder      gps.Stats             `json:"decoder"`
	Fix          *FixSnapshot          `json:"fix,omitempty"`
	Dated        bool                  `json:"dated"`
	Week         uint16                `json:"week"`
	TOW          uint32                `json:"tow"`
	Unix         int64                 `json:"unix"`
	PhaseNs      int32                 `json:"phase_ns"`
	PhaseFudgeNs int32                 `json:"phase_fudge_ns"`
	Steps        uint64                `json:"steps"`
}

// Snapshot copies the state of every component.
func (c *Clock) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		Status:       c.mon.Status().String(),
		Health:       c.mon.Snapshot(),
		Discipline:   c.eng.Snapshot(),
		LastStep:     c.last,
		Stats:        c.eng.Stats(),
		Protocol:     c.dec.Protocol().String(),
		Decoder:      c.dec.Stats(),
		Dated:        c.tb.HasDate(),
		Week:         c.tb.Week(),
		TOW:          c.tb.TOW(),
		Unix:         c.tb.ToUnix(),
		PhaseNs:      c.phase,
		PhaseFudgeNs: c.tb.PhaseFudge(),
		Steps:        c.steps,
	}
	if c.haveFix {
		s.Fix = &FixSnapshot{
			Week:      c.lastFix.Week,
			TOW:       c.lastFix.TOW,
			UTCOffset: c.lastFix.UTCOffset,
			Valid:     c.lastFix.Valid,
			AgeS:      c.fixAge,
		}
	}
	return s
}
