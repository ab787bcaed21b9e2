package ntpserver

import (
	"encoding/binary"
	"errors"

	"github.com/arodland/Due-GPS-NTP-Server/internal/timebase"
)

const (
	packetLen = 48

	modeClient = 3
	modeServer = 4

	leapNone    = 0
	leapUnknown = 3

	// precision is log2 seconds, about 0.1 us
	precision = -23
)

var (
	errShortPacket = errors.New("packet shorter than an NTP header")
	errVersion     = errors.New("unsupported NTP version")
	errMode        = errors.New("not a client request")
)

// header is the fixed part of an NTP packet.
type header struct {
	Leap           uint8
	Version        uint8
	Mode           uint8
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      uint32
	RootDispersion uint32
	RefID          [4]byte
	RefTime        timebase.NTPTimestamp
	OriginTime     timebase.NTPTimestamp
	ReceiveTime    timebase.NTPTimestamp
	TransmitTime   timebase.NTPTimestamp
}

func putTimestamp(b []byte, ts timebase.NTPTimestamp) {
	binary.BigEndian.PutUint32(b[0:], ts.Seconds)
	binary.BigEndian.PutUint32(b[4:], ts.Fraction)
}

func getTimestamp(b []byte) timebase.NTPTimestamp {
	return timebase.NTPTimestamp{
		Seconds:  binary.BigEndian.Uint32(b[0:]),
		Fraction: binary.BigEndian.Uint32(b[4:]),
	}
}

// parseRequest validates a client request. Extension fields and MACs
// past the header are ignored.
func parseRequest(b []byte) (header, error) {
	var h header
	if len(b) < packetLen {
		return h, errShortPacket
	}
	h.Leap = b[0] >> 6
	h.Version = (b[0] >> 3) & 7
	h.Mode = b[0] & 7
	if h.Version != 3 && h.Version != 4 {
		return h, errVersion
	}
	if h.Mode != modeClient {
		return h, errMode
	}
	h.Stratum = b[1]
	h.Poll = int8(b[2])
	h.Precision = int8(b[3])
	h.RootDelay = binary.BigEndian.Uint32(b[4:])
	h.RootDispersion = binary.BigEndian.Uint32(b[8:])
	copy(h.RefID[:], b[12:16])
	h.RefTime = getTimestamp(b[16:])
	h.OriginTime = getTimestamp(b[24:])
	h.ReceiveTime = getTimestamp(b[32:])
	h.TransmitTime = getTimestamp(b[40:])
	return h, nil
}

func (h header) marshal() []byte {
	b := make([]byte, packetLen)
	b[0] = h.Leap<<6 | (h.Version&7)<<3 | h.Mode&7
	b[1] = h.Stratum
	b[2] = byte(h.Poll)
	b[3] = byte(h.Precision)
	binary.BigEndian.PutUint32(b[4:], h.RootDelay)
	binary.BigEndian.PutUint32(b[8:], h.RootDispersion)
	copy(b[12:16], h.RefID[:])
	putTimestamp(b[16:], h.RefTime)
	putTimestamp(b[24:], h.OriginTime)
	putTimestamp(b[32:], h.ReceiveTime)
	putTimestamp(b[40:], h.TransmitTime)
	return b
}

func refID(s string) [4]byte {
	var id [4]byte
	copy(id[:], s)
	return id
}
