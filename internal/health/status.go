package health

import "fmt"

// Status is the lock state of the PLL, the FLL and the oscillator.
type Status int

const (
	Unlock Status = iota
	Ok
)

func (s Status) String() string {
	switch s {
	case Unlock:
		return "UNLOCK"
	case Ok:
		return "OK"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// GPSStatus is the receiver health as reported by its alarm bits.
type GPSStatus int

const (
	GPSUnlock GPSStatus = iota
	GPSMinorAlarm
	GPSOk
)

func (s GPSStatus) String() string {
	switch s {
	case GPSUnlock:
		return "UNLOCK"
	case GPSMinorAlarm:
		return "MINOR ALARM"
	case GPSOk:
		return "OK"
	default:
		return fmt.Sprintf("GPSStatus(%d)", int(s))
	}
}

// SystemStatus is the aggregate state of the frequency standard.
type SystemStatus int

const (
	SystemUnlock SystemStatus = iota
	SystemHoldover
	SystemOk
)

func (s SystemStatus) String() string {
	switch s {
	case SystemUnlock:
		return "UNLOCK"
	case SystemHoldover:
		return "HOLDOVER"
	case SystemOk:
		return "OK"
	default:
		return fmt.Sprintf("SystemStatus(%d)", int(s))
	}
}

// Gauge maps a status onto the value exported as a metric.
func (s SystemStatus) Gauge() float64 { return float64(s) }
