package gps

import (
	"encoding/binary"
	"fmt"

	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
)

// SiRF binary framing: A0 A2, 15-bit big-endian length, payload, 15-bit
// additive checksum, B0 B3.
const (
	sirfStart1 = 0xA0
	sirfStart2 = 0xA2
	sirfEnd1   = 0xB0
	sirfEnd2   = 0xB3

	sirfMaxLength = 0x7FFF
)

// SiRF message ids.
const (
	SiRFMeasuredNav   = 2
	SiRFTrackerData   = 4
	SiRFClockStatus   = 7
	SiRFCPUThroughput = 9
	SiRFAck           = 11
	SiRFNak           = 12
	SiRFVisibleList   = 13
	SiRFDGPSStatus    = 27
	SiRFGeodeticNav   = 41
)

// geodetic navigation payload offsets, id byte excluded
const (
	sirfGeoNavValid = 0
	sirfGeoWeek     = 4
	sirfGeoTOW      = 6
	sirfGeoHour     = 14
	sirfGeoMinute   = 15
	sirfGeoSecondMs = 16
	sirfGeoMinLen   = 18

	sirfNavOverdetermined = 0x0001
)

// SiRFDecoder decodes SiRF binary frames.
type SiRFDecoder struct {
	st     state
	buf    payloadBuffer
	length int
	remain int
	sum    uint32
	rxSum  uint32
	stats  Stats
}

// NewSiRFDecoder returns a decoder waiting for a frame leader.
func NewSiRFDecoder() *SiRFDecoder {
	return &SiRFDecoder{}
}

func (d *SiRFDecoder) Protocol() Protocol { return SiRF }

func (d *SiRFDecoder) Stats() Stats { return d.stats }

func (d *SiRFDecoder) resync(c byte) {
	if c == sirfStart1 {
		d.st = stateSync2
		return
	}
	d.st = stateSync1
}

func (d *SiRFDecoder) Feed(c byte) (Event, bool) {
	switch d.st {
	case stateSync1:
		if c == sirfStart1 {
			d.st = stateSync2
		} else {
			d.stats.Garbage++
		}

	case stateSync2:
		if c == sirfStart2 {
			d.st = stateLength1
		} else {
			d.stats.Garbage++
			d.resync(c)
		}

	case stateLength1:
		d.length = int(c&0x7F) << 8
		d.st = stateLength2

	case stateLength2:
		d.length |= int(c)
		d.sum = 0
		d.buf.Reset()
		switch {
		case d.length > MaxPayload:
			d.stats.TooBig++
			logger.Debugf("gps", "sirf: %d byte payload too big", d.length)
			d.remain = d.length + 4
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
			d.remain += 3
			d.st = stateDrain
			return Event{}, false
		}
		d.sum += uint32(c)
		d.remain--
		if d.remain == 0 {
			d.st = stateChecksum1
		}

	case stateChecksum1:
		d.rxSum = uint32(c) << 8
		d.st = stateChecksum2

	case stateChecksum2:
		d.rxSum |= uint32(c)
		d.st = stateTrailer1

	case stateTrailer1:
		if c == sirfEnd1 {
			d.st = stateTrailer2
		} else {
			d.stats.FramingErrors++
			d.resync(c)
		}

	case stateTrailer2:
		d.st = stateSync1
		if c != sirfEnd2 {
			d.stats.FramingErrors++
			d.resync(c)
			return Event{}, false
		}
		if d.sum&sirfMaxLength != d.rxSum {
			d.stats.ChecksumErrors++
			logger.Debugf("gps", "sirf: checksum %#04x != computed %#04x", d.rxSum, d.sum&sirfMaxLength)
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

func (d *SiRFDecoder) dispatch() Event {
	d.stats.Messages++
	if d.buf.Len() == 0 {
		d.stats.Unknown++
		return Event{Payload: []byte{}}
	}

	id := d.buf.Bytes()[0]
	ev := Event{ID: uint16(id), Payload: d.buf.clone(1)}

	switch id {
	case SiRFGeodeticNav:
		if !d.geodetic(&ev) {
			d.stats.Malformed++
		}
	case SiRFAck, SiRFNak:
		if len(ev.Payload) > 0 {
			logger.Debugf("gps", "sirf: ack/nak %d for message %d", id, ev.Payload[0])
		}
	case SiRFMeasuredNav, SiRFTrackerData, SiRFClockStatus, SiRFCPUThroughput, SiRFVisibleList, SiRFDGPSStatus:
	default:
		d.stats.Unknown++
	}
	return ev
}

func (d *SiRFDecoder) geodetic(ev *Event) bool {
	p := ev.Payload
	if len(p) < sirfGeoMinLen {
		return false
	}

	navValid := binary.BigEndian.Uint16(p[sirfGeoNavValid:])
	week := binary.BigEndian.Uint16(p[sirfGeoWeek:])
	towSec := binary.BigEndian.Uint32(p[sirfGeoTOW:]) / 1000
	hour := uint32(p[sirfGeoHour])
	minute := uint32(p[sirfGeoMinute])
	second := uint32(binary.BigEndian.Uint16(p[sirfGeoSecondMs:])) / 1000

	status := health.GPSOk
	switch {
	case navValid == 0:
	case navValid&^sirfNavOverdetermined == 0:
		status = health.GPSMinorAlarm
	default:
		status = health.GPSUnlock
	}

	ev.Fix = Fix{
		Week:      week,
		TOW:       towSec,
		UTCOffset: sirfUTCOffset(hour, minute, second, towSec),
		Valid:     status != health.GPSUnlock,
	}
	ev.HasFix = true
	ev.Status = status
	ev.HasStatus = true
	return true
}

// sirfUTCOffset derives UTC minus GPS from the UTC time of day, folded to
// within half a day.
func sirfUTCOffset(hour, minute, second, tow uint32) int16 {
	utcTOD := int32(hour*3600 + minute*60 + second)
	gpsTOD := int32(tow % 86400)
	off := utcTOD - gpsTOD
	if off > 43200 {
		off -= 86400
	}
	if off < -43200 {
		off += 86400
	}
	return int16(off)
}

// EncodeSiRF frames a message.
func EncodeSiRF(id byte, body []byte) ([]byte, error) {
	n := len(body) + 1
	if n > sirfMaxLength {
		return nil, fmt.Errorf("sirf payload of %d bytes exceeds frame limit", n)
	}

	frame := make([]byte, 0, n+8)
	frame = append(frame, sirfStart1, sirfStart2, byte(n>>8), byte(n))
	frame = append(frame, id)
	frame = append(frame, body...)

	sum := uint32(id)
	for _, b := range body {
		sum += uint32(b)
	}
	sum &= sirfMaxLength
	frame = append(frame, byte(sum>>8), byte(sum), sirfEnd1, sirfEnd2)
	return frame, nil
}

// SiRFGeodeticPayload builds a minimal Geodetic Navigation Data body (id
// excluded) for the given GPS time and leap second count.
func SiRFGeodeticPayload(week uint16, tow uint32, leapSeconds int16, navValid uint16) []byte {
	p := make([]byte, 90)
	binary.BigEndian.PutUint16(p[sirfGeoNavValid:], navValid)
	binary.BigEndian.PutUint16(p[sirfGeoWeek:], week)
	binary.BigEndian.PutUint32(p[sirfGeoTOW:], tow*1000)

	tod := (int64(tow) - int64(leapSeconds)) % 86400
	if tod < 0 {
		tod += 86400
	}
	p[sirfGeoHour] = byte(tod / 3600)
	p[sirfGeoMinute] = byte(tod / 60 % 60)
	binary.BigEndian.PutUint16(p[sirfGeoSecondMs:], uint16(tod%60*1000))
	return p
}
