package gps

import (
	"fmt"

	"github.com/arodland/Due-GPS-NTP-Server/internal/timebase"
)

// nmeaSentence wraps body in $...*CK\r\n.
func nmeaSentence(body string) []byte {
	var ck byte
	for i := 0; i < len(body); i++ {
		ck ^= body[i]
	}
	return []byte(fmt.Sprintf("$%s*%02X\r\n", body, ck))
}

// InitCommands returns the frames written to a receiver after the port is
// opened, in order.
func InitCommands(p Protocol, opts Options) ([][]byte, error) {
	var frames [][]byte
	add := func(frame []byte, err error) error {
		if err != nil {
			return err
		}
		frames = append(frames, frame)
		return nil
	}

	switch p {
	case SiRF:
		frames = append(frames, nmeaSentence("PSRF100,0,38400,8,1,0"))
		cmds := []struct {
			id   byte
			body []byte
		}{
			// DGPS source SBAS, selection and timeout automatic
			{0x85, []byte{0x01, 0, 0, 0, 0, 0}},
			{0x8A, []byte{0x00, 0x00}},
			// geodetic nav every second, clock status every 10 s
			{0xA6, []byte{0x00, SiRFGeodeticNav, 0x01, 0, 0, 0, 0}},
			{0xA6, []byte{0x00, SiRFClockStatus, 0x0A, 0, 0, 0, 0}},
		}
		for _, c := range cmds {
			if err := add(EncodeSiRF(c.id, c.body)); err != nil {
				return nil, err
			}
		}

	case TSIP:
		// UTC time and PPS, then broadcast 8F-AB and 8F-AC
		frames = append(frames,
			EncodeTSIP(0x8EA2, []byte{0x03}, opts.TSIPChecksum),
			EncodeTSIP(0x8EA5, []byte{0x00, 0x45, 0x00, 0x00}, opts.TSIPChecksum),
		)

	case UBX:
		for _, id := range []uint16{UBXTimTP, UBXNavStatus, UBXNavTimeGPS, UBXTimSVIN} {
			if err := add(EncodeUBX(UBXCfgMsg, []byte{byte(id >> 8), byte(id), 0x01})); err != nil {
				return nil, err
			}
		}

	default:
		return nil, fmt.Errorf("unsupported gps protocol %v", p)
	}
	return frames, nil
}

// Synthesize returns the burst a healthy receiver emits for the pulse at
// GPS week/tow, given the current leap second count. It drives the simulator.
func Synthesize(p Protocol, week uint16, tow uint32, leapSeconds int16, sawtoothNs int32, opts Options) ([]byte, error) {
	switch p {
	case SiRF:
		return EncodeSiRF(SiRFGeodeticNav, SiRFGeodeticPayload(week, tow, leapSeconds, 0))

	case TSIP:
		out := EncodeTSIP(TSIPPrimaryTiming, TSIPPrimaryTimingPayload(week, tow, leapSeconds, 0), opts.TSIPChecksum)
		out = append(out, EncodeTSIP(TSIPSupplementalTiming, TSIPSupplementalTimingPayload(0, 0, float32(sawtoothNs)), opts.TSIPChecksum)...)
		return out, nil

	case UBX:
		nextWeek, nextTOW := week, tow+1
		if nextTOW >= timebase.SecondsPerWeek {
			nextWeek, nextTOW = week+1, 0
		}
		var out []byte
		for _, m := range []struct {
			id      uint16
			payload []byte
		}{
			{UBXNavTimeGPS, UBXNavTimeGPSPayload(week, tow, int8(leapSeconds), 0x07)},
			{UBXNavStatus, UBXNavStatusPayload(5, ubxFixOK|ubxWeekSet|ubxTOWSet)},
			{UBXTimTP, UBXTimTPPayload(nextWeek, nextTOW, sawtoothNs*1000, 0)},
		} {
			frame, err := EncodeUBX(m.id, m.payload)
			if err != nil {
				return nil, err
			}
			out = append(out, frame...)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported gps protocol %v", p)
	}
}
