package gps

import (
	"encoding/binary"
	"fmt"

	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
	"github.com/arodland/Due-GPS-NTP-Server/internal/timebase"
)

// UBX framing: B5 62 class id length(le16) payload ckA ckB, Fletcher-8 over
// class through payload.
const (
	ubxSync1 = 0xB5
	ubxSync2 = 0x62
)

// UBX message ids, class in the high byte.
const (
	UBXNavStatus  = 0x0103
	UBXNavTimeGPS = 0x0120
	UBXNavTimeUTC = 0x0121
	UBXNavClock   = 0x0122
	UBXNavSat     = 0x0135
	UBXAckNak     = 0x0500
	UBXAckAck     = 0x0501
	UBXCfgPrt     = 0x0600
	UBXCfgMsg     = 0x0601
	UBXTimTP      = 0x0D01
	UBXTimSVIN    = 0x0D04
)

const (
	ubxTPTowMS    = 0
	ubxTPQErr     = 8
	ubxTPWeek     = 12
	ubxTPFlags    = 14
	ubxTPMinLen   = 16
	ubxTPUTCBase  = 0x01
	ubxTPUTCValid = 0x02

	ubxStatusFix    = 4
	ubxStatusFlags  = 5
	ubxStatusMinLen = 6
	ubxFixOK        = 0x01
	ubxWeekSet      = 0x04
	ubxTOWSet       = 0x08

	ubxTimeGPSLeap   = 10
	ubxTimeGPSValid  = 11
	ubxTimeGPSMinLen = 12
	ubxLeapValid     = 0x04

	ubxSVINActive = 24
	ubxSVINMinLen = 25
)

// UBXDecoder decodes u-blox UBX frames.
type UBXDecoder struct {
	st       state
	id       uint16
	length   int
	remain   int
	ckA, ckB byte
	rxA      byte
	buf      payloadBuffer
	stats    Stats

	navStatus health.GPSStatus
	haveNav   bool
	surveying bool
	leap      int16
	leapValid bool
}

// NewUBXDecoder returns a decoder waiting for a frame leader.
func NewUBXDecoder() *UBXDecoder {
	return &UBXDecoder{}
}

func (d *UBXDecoder) Protocol() Protocol { return UBX }

func (d *UBXDecoder) Stats() Stats { return d.stats }

func (d *UBXDecoder) check(c byte) {
	d.ckA += c
	d.ckB += d.ckA
}

func (d *UBXDecoder) Feed(c byte) (Event, bool) {
	switch d.st {
	case stateSync1:
		if c == ubxSync1 {
			d.st = stateSync2
		} else {
			d.stats.Garbage++
		}

	case stateSync2:
		switch c {
		case ubxSync2:
			d.ckA, d.ckB = 0, 0
			d.st = stateID
		case ubxSync1:
			d.stats.Garbage++
		default:
			d.stats.Garbage++
			d.st = stateSync1
		}

	case stateID:
		d.id = uint16(c) << 8
		d.check(c)
		d.st = stateID2

	case stateID2:
		d.id |= uint16(c)
		d.check(c)
		d.st = stateLength1

	case stateLength1:
		d.length = int(c)
		d.check(c)
		d.st = stateLength2

	case stateLength2:
		d.length |= int(c) << 8
		d.check(c)
		d.buf.Reset()
		switch {
		case d.length > MaxPayload:
			d.stats.TooBig++
			d.remain = d.length + 2
			d.st = stateDrain
		case d.length == 0:
			d.st = stateChecksum1
		default:
			d.remain = d.length
			d.st = statePayload
		}

	case statePayload:
		if err := d.buf.Append(c); err != nil {
			d.stats.TooBig++
			d.remain++
			d.st = stateDrain
			return Event{}, false
		}
		d.check(c)
		d.remain--
		if d.remain == 0 {
			d.st = stateChecksum1
		}

	case stateChecksum1:
		d.rxA = c
		d.st = stateChecksum2

	case stateChecksum2:
		d.st = stateSync1
		if d.rxA != d.ckA || c != d.ckB {
			d.stats.ChecksumErrors++
			return Event{}, false
		}
		return d.dispatch(), true

	case stateDrain:
		d.remain--
		if d.remain <= 0 {
			d.st = stateSync1
		}

	default:
		d.st = stateSync1
	}
	return Event{}, false
}

func (d *UBXDecoder) dispatch() Event {
	d.stats.Messages++
	ev := Event{ID: d.id, Payload: d.buf.clone(0)}

	ok := true
	switch d.id {
	case UBXTimTP:
		ok = d.timepulse(&ev)
	case UBXNavStatus:
		ok = d.status(&ev)
	case UBXNavTimeGPS:
		ok = d.timeGPS(&ev)
	case UBXTimSVIN:
		ok = d.surveyIn(&ev)
	case UBXNavTimeUTC, UBXNavClock, UBXNavSat, UBXAckAck, UBXAckNak:
	default:
		d.stats.Unknown++
	}
	if !ok {
		d.stats.Malformed++
	}
	return ev
}

// timepulse reports the time of the next pulse, so the fix is backed off one
// second to label the pulse that has already been counted.
func (d *UBXDecoder) timepulse(ev *Event) bool {
	p := ev.Payload
	if len(p) < ubxTPMinLen {
		return false
	}

	towSec := binary.LittleEndian.Uint32(p[ubxTPTowMS:]) / 1000
	qErrPs := int32(binary.LittleEndian.Uint32(p[ubxTPQErr:]))
	week := binary.LittleEndian.Uint16(p[ubxTPWeek:])
	flags := p[ubxTPFlags]

	if towSec == 0 {
		towSec = timebase.SecondsPerWeek
		week--
	}
	towSec--

	fix := Fix{Week: week, TOW: towSec}
	if flags&ubxTPUTCBase != 0 {
		// week and tow already count UTC seconds
		fix.Valid = flags&ubxTPUTCValid != 0
	} else {
		fix.UTCOffset = -d.leap
		fix.Valid = d.leapValid
	}
	fix.Valid = fix.Valid && d.haveNav && d.navStatus != health.GPSUnlock && !d.surveying

	ev.Fix = fix
	ev.HasFix = true
	ev.SawtoothNs = qErrPs / 1000
	ev.HasSawtooth = true
	return true
}

func (d *UBXDecoder) status(ev *Event) bool {
	p := ev.Payload
	if len(p) < ubxStatusMinLen {
		return false
	}

	fixType := p[ubxStatusFix]
	flags := p[ubxStatusFlags]

	switch {
	case fixType == 0:
		d.navStatus = health.GPSUnlock
	case flags&(ubxFixOK|ubxWeekSet|ubxTOWSet) == ubxFixOK|ubxWeekSet|ubxTOWSet:
		d.navStatus = health.GPSOk
	case flags&ubxFixOK != 0:
		d.navStatus = health.GPSMinorAlarm
	default:
		d.navStatus = health.GPSUnlock
	}
	d.haveNav = true

	ev.Status = d.combinedStatus()
	ev.HasStatus = true
	return true
}

func (d *UBXDecoder) timeGPS(ev *Event) bool {
	p := ev.Payload
	if len(p) < ubxTimeGPSMinLen {
		return false
	}
	d.leap = int16(int8(p[ubxTimeGPSLeap]))
	d.leapValid = p[ubxTimeGPSValid]&ubxLeapValid != 0
	return true
}

func (d *UBXDecoder) surveyIn(ev *Event) bool {
	p := ev.Payload
	if len(p) < ubxSVINMinLen {
		return false
	}
	d.surveying = p[ubxSVINActive] != 0
	if d.haveNav {
		ev.Status = d.combinedStatus()
		ev.HasStatus = true
	}
	return true
}

func (d *UBXDecoder) combinedStatus() health.GPSStatus {
	if d.navStatus == health.GPSOk && d.surveying {
		return health.GPSMinorAlarm
	}
	return d.navStatus
}

// EncodeUBX frames a message.
func EncodeUBX(id uint16, payload []byte) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, fmt.Errorf("ubx payload of %d bytes exceeds frame limit", len(payload))
	}

	frame := make([]byte, 0, len(payload)+8)
	frame = append(frame, ubxSync1, ubxSync2,
		byte(id>>8), byte(id),
		byte(len(payload)), byte(len(payload)>>8))
	frame = append(frame, payload...)

	var a, b byte
	for _, c := range frame[2:] {
		a += c
		b += a
	}
	return append(frame, a, b), nil
}

// UBXTimTPPayload builds a TIM-TP body announcing the pulse at week/tow.
func UBXTimTPPayload(week uint16, tow uint32, qErrPs int32, flags byte) []byte {
	p := make([]byte, 16)
	binary.LittleEndian.PutUint32(p[ubxTPTowMS:], tow*1000)
	binary.LittleEndian.PutUint32(p[ubxTPQErr:], uint32(qErrPs))
	binary.LittleEndian.PutUint16(p[ubxTPWeek:], week)
	p[ubxTPFlags] = flags
	return p
}

// UBXNavStatusPayload builds a NAV-STATUS body.
func UBXNavStatusPayload(fixType, flags byte) []byte {
	p := make([]byte, 16)
	p[ubxStatusFix] = fixType
	p[ubxStatusFlags] = flags
	return p
}

// UBXNavTimeGPSPayload builds a NAV-TIMEGPS body.
func UBXNavTimeGPSPayload(week uint16, tow uint32, leap int8, valid byte) []byte {
	p := make([]byte, 16)
	binary.LittleEndian.PutUint32(p[0:], tow*1000)
	binary.LittleEndian.PutUint16(p[8:], week)
	p[ubxTimeGPSLeap] = byte(leap)
	p[ubxTimeGPSValid] = valid
	return p
}
