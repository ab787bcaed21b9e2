package gps

import (
	"encoding/binary"
	"math"

	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
)

// TSIP framing: DLE id [subcode] data... [checksum] DLE ETX, with any DLE
// inside the packet doubled.
const (
	tsipDLE = 0x10
	tsipETX = 0x03

	tsipSuperPacket = 0x8F
)

// TSIP packet ids. Superpackets carry their subcode in the low byte.
const (
	TSIPPrimaryTiming      = 0x8FAB
	TSIPSupplementalTiming = 0x8FAC
)

// primary timing (8F-AB) offsets, subcode excluded
const (
	tsipTimTOW       = 0
	tsipTimWeek      = 4
	tsipTimUTCOffset = 6
	tsipTimFlags     = 8
	tsipTimMinLen    = 9

	tsipFlagTimeNotSet  = 0x04
	tsipFlagNoUTCOffset = 0x08
	tsipFlagTestMode    = 0x10
)

// supplemental timing (8F-AC) offsets, subcode excluded
const (
	tsipSupAlarms     = 9
	tsipSupGPSStatus  = 11
	tsipSupQuantError = 59
	tsipSupMinLen     = 63

	tsipAlarmMinor  = 0x0820 // survey in progress, almanac incomplete
	tsipAlarmUnlock = 0x034E // antenna open/short, not tracking, no position, test, bad position
	tsipAlarmSurvey = 0x0020
)

// TSIPDecoder decodes Trimble TSIP packets.
type TSIPDecoder struct {
	st       state
	checksum bool
	id       uint16
	buf      payloadBuffer
	overflow bool
	stats    Stats

	haveUTCOffset bool
	alarmUnlock   bool
	surveying     bool
}

// NewTSIPDecoder returns a decoder. With checksum set, the last byte before
// DLE ETX is an 8-bit end-around-carry sum over the id and data bytes.
func NewTSIPDecoder(checksum bool) *TSIPDecoder {
	return &TSIPDecoder{checksum: checksum}
}

func (d *TSIPDecoder) Protocol() Protocol { return TSIP }

func (d *TSIPDecoder) Stats() Stats { return d.stats }

func (d *TSIPDecoder) Feed(c byte) (Event, bool) {
	switch d.st {
	case stateSync1:
		if c == tsipDLE {
			d.st = stateID
		} else {
			d.stats.Garbage++
		}

	case stateID:
		switch c {
		case tsipDLE:
			// doubled DLE outside a packet; treat the second one as the leader
			d.stats.Garbage++
		case tsipETX:
			d.stats.Garbage++
			d.st = stateSync1
		default:
			d.id = uint16(c)
			d.buf.Reset()
			d.overflow = false
			d.st = statePayload
		}

	case statePayload:
		if c == tsipDLE {
			d.st = stateEscape
		} else {
			d.appendData(c)
		}

	case stateEscape:
		switch c {
		case tsipDLE:
			d.appendData(c)
			d.st = statePayload
		case tsipETX:
			d.st = stateSync1
			return d.finish()
		default:
			// DLE followed by anything else starts a new packet
			d.stats.FramingErrors++
			d.st = stateID
			return d.Feed(c)
		}

	default:
		d.st = stateSync1
	}
	return Event{}, false
}

func (d *TSIPDecoder) appendData(c byte) {
	if d.overflow {
		return
	}
	if err := d.buf.Append(c); err != nil {
		d.overflow = true
	}
}

func (d *TSIPDecoder) finish() (Event, bool) {
	if d.overflow {
		d.stats.TooBig++
		logger.Debugf("gps", "tsip: packet %#04x too big", d.id)
		return Event{}, false
	}

	data := d.buf.Bytes()
	if d.id == tsipSuperPacket && len(data) > 0 {
		d.id = d.id<<8 | uint16(data[0])
		data = data[1:]
	}
	if d.checksum {
		if len(data) == 0 {
			d.stats.FramingErrors++
			return Event{}, false
		}
		rx := data[len(data)-1]
		data = data[:len(data)-1]
		if want := tsipSum(d.id, data); want != rx {
			d.stats.ChecksumErrors++
			logger.Debugf("gps", "tsip: checksum %#02x != computed %#02x", rx, want)
			return Event{}, false
		}
	}

	d.stats.Messages++
	ev := Event{ID: d.id, Payload: append([]byte{}, data...)}

	switch d.id {
	case TSIPPrimaryTiming:
		if !d.primaryTiming(&ev) {
			d.stats.Malformed++
		}
	case TSIPSupplementalTiming:
		if !d.supplementalTiming(&ev) {
			d.stats.Malformed++
		}
	default:
		d.stats.Unknown++
	}
	return ev, true
}

func (d *TSIPDecoder) primaryTiming(ev *Event) bool {
	p := ev.Payload
	if len(p) < tsipTimMinLen {
		return false
	}

	tow := binary.BigEndian.Uint32(p[tsipTimTOW:])
	week := binary.BigEndian.Uint16(p[tsipTimWeek:])
	gpsMinusUTC := int16(binary.BigEndian.Uint16(p[tsipTimUTCOffset:]))
	flags := p[tsipTimFlags]

	d.haveUTCOffset = flags&tsipFlagNoUTCOffset == 0

	ev.Fix = Fix{
		Week:      week,
		TOW:       tow,
		UTCOffset: -gpsMinusUTC,
		Valid: d.haveUTCOffset &&
			flags&(tsipFlagTimeNotSet|tsipFlagTestMode) == 0 &&
			!d.alarmUnlock && !d.surveying,
	}
	ev.HasFix = true
	return true
}

func (d *TSIPDecoder) supplementalTiming(ev *Event) bool {
	p := ev.Payload
	if len(p) < tsipSupMinLen {
		return false
	}

	alarm := binary.BigEndian.Uint16(p[tsipSupAlarms:])
	gpsStatus := p[tsipSupGPSStatus]
	qerr := math.Float32frombits(binary.BigEndian.Uint32(p[tsipSupQuantError:]))

	status := health.GPSOk
	if alarm&tsipAlarmMinor != 0 {
		status = health.GPSMinorAlarm
	}
	d.alarmUnlock = false
	if alarm&tsipAlarmUnlock != 0 {
		d.alarmUnlock = true
	}
	switch gpsStatus {
	case 0x01, 0x08, 0x0C, 0x10: // no time, no usable satellites, bad satellite, TRAIM error
		d.alarmUnlock = true
	}
	if d.alarmUnlock || !d.haveUTCOffset {
		status = health.GPSUnlock
	}
	d.surveying = alarm&tsipAlarmSurvey != 0

	ev.Status = status
	ev.HasStatus = true
	if !math.IsNaN(float64(qerr)) && math.Abs(float64(qerr)) < 1e6 {
		ev.SawtoothNs = int32(math.Round(float64(qerr)))
		ev.HasSawtooth = true
	}
	return true
}

// tsipSum is an 8-bit additive checksum with end-around carry.
func tsipSum(id uint16, data []byte) byte {
	var s uint32
	add := func(b byte) {
		s += uint32(b)
		s = (s & 0xFF) + (s >> 8)
	}
	if id > 0xFF {
		add(byte(id >> 8))
	}
	add(byte(id))
	for _, b := range data {
		add(b)
	}
	return byte(s)
}

// EncodeTSIP frames a packet, stuffing DLE bytes.
func EncodeTSIP(id uint16, data []byte, checksum bool) []byte {
	frame := make([]byte, 0, 2*len(data)+8)
	frame = append(frame, tsipDLE)
	if id > 0xFF {
		frame = tsipStuff(frame, byte(id>>8))
	}
	frame = tsipStuff(frame, byte(id))
	for _, b := range data {
		frame = tsipStuff(frame, b)
	}
	if checksum {
		frame = tsipStuff(frame, tsipSum(id, data))
	}
	return append(frame, tsipDLE, tsipETX)
}

func tsipStuff(frame []byte, b byte) []byte {
	if b == tsipDLE {
		return append(frame, tsipDLE, tsipDLE)
	}
	return append(frame, b)
}

// TSIPPrimaryTimingPayload builds an 8F-AB body (subcode excluded).
func TSIPPrimaryTimingPayload(week uint16, tow uint32, gpsMinusUTC int16, flags byte) []byte {
	p := make([]byte, 16)
	binary.BigEndian.PutUint32(p[tsipTimTOW:], tow)
	binary.BigEndian.PutUint16(p[tsipTimWeek:], week)
	binary.BigEndian.PutUint16(p[tsipTimUTCOffset:], uint16(gpsMinusUTC))
	p[tsipTimFlags] = flags
	return p
}

// TSIPSupplementalTimingPayload builds an 8F-AC body (subcode excluded).
func TSIPSupplementalTimingPayload(alarms uint16, gpsStatus byte, quantErrNs float32) []byte {
	p := make([]byte, 67)
	binary.BigEndian.PutUint16(p[tsipSupAlarms:], alarms)
	p[tsipSupGPSStatus] = gpsStatus
	binary.BigEndian.PutUint32(p[tsipSupQuantError:], math.Float32bits(quantErrNs))
	return p
}
