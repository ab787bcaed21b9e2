// Package gps decodes the binary timing protocols spoken by the supported
// GPS receivers. Each decoder is a byte-at-a-time state machine that never
// blocks; the serial link pushes bytes in and gets events back.
package gps

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arodland/Due-GPS-NTP-Server/internal/health"
)

// MaxPayload is the largest payload any decoder will buffer.
const MaxPayload = 256

// ErrBufferFull is returned when a write would overrun the payload buffer.
var ErrBufferFull = errors.New("gps: payload buffer full")

// Protocol selects the receiver wire format.
type Protocol int

const (
	SiRF Protocol = iota
	TSIP
	UBX
)

func (p Protocol) String() string {
	switch p {
	case SiRF:
		return "sirf"
	case TSIP:
		return "tsip"
	case UBX:
		return "ubx"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// ParseProtocol maps a configuration string to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sirf", "sirf-binary":
		return SiRF, nil
	case "tsip", "trimble":
		return TSIP, nil
	case "ubx", "ublox", "u-blox":
		return UBX, nil
	default:
		return 0, fmt.Errorf("unknown gps protocol %q", s)
	}
}

// Fix is a receiver time solution. UTCOffset is UTC minus GPS time in
// seconds (negative since 1981).
type Fix struct {
	Week      uint16
	TOW       uint32
	UTCOffset int16
	Valid     bool
}

// Event is what a decoder reports for one checksum-valid frame. Every frame
// produces an Event, recognized or not, so the caller can refresh the GPS
// watchdog.
type Event struct {
	ID      uint16
	Payload []byte // payload after the id bytes

	Fix    Fix
	HasFix bool

	Status    health.GPSStatus
	HasStatus bool

	// SawtoothNs is the PPS quantization correction to add to the next
	// measured phase.
	SawtoothNs  int32
	HasSawtooth bool
}

// Stats are the decoder's diagnostic counters.
type Stats struct {
	Messages       uint64 `json:"messages"`
	Garbage        uint64 `json:"garbage"`
	ChecksumErrors uint64 `json:"checksum_errors"`
	TooBig         uint64 `json:"too_big"`
	FramingErrors  uint64 `json:"framing_errors"`
	Unknown        uint64 `json:"unknown"`
	Malformed      uint64 `json:"malformed"`
}

// Decoder is a framing state machine for one wire protocol.
type Decoder interface {
	// Feed advances the state machine by one byte. ok is true when b
	// completed a checksum-valid frame.
	Feed(b byte) (ev Event, ok bool)
	Stats() Stats
	Protocol() Protocol
}

// Options tune protocol details that vary between receiver firmware.
type Options struct {
	// TSIPChecksum expects an end-around-carry checksum byte before DLE ETX.
	TSIPChecksum bool
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{TSIPChecksum: true}
}

// New returns a decoder for the given protocol.
func New(p Protocol, opts Options) (Decoder, error) {
	switch p {
	case SiRF:
		return NewSiRFDecoder(), nil
	case TSIP:
		return NewTSIPDecoder(opts.TSIPChecksum), nil
	case UBX:
		return NewUBXDecoder(), nil
	default:
		return nil, fmt.Errorf("unsupported gps protocol %v", p)
	}
}

// FeedAll pushes a burst of bytes through d, calling fn for each event.
func FeedAll(d Decoder, data []byte, fn func(Event)) {
	for _, b := range data {
		if ev, ok := d.Feed(b); ok && fn != nil {
			fn(ev)
		}
	}
}

// Encode builds a checksum-valid frame carrying payload under id.
func Encode(p Protocol, id uint16, payload []byte, opts Options) ([]byte, error) {
	switch p {
	case SiRF:
		if id > 0xFF {
			return nil, fmt.Errorf("sirf message id %#x out of range", id)
		}
		return EncodeSiRF(byte(id), payload)
	case TSIP:
		return EncodeTSIP(id, payload, opts.TSIPChecksum), nil
	case UBX:
		return EncodeUBX(id, payload)
	default:
		return nil, fmt.Errorf("unsupported gps protocol %v", p)
	}
}

type state uint8

const (
	stateSync1 state = iota
	stateSync2
	stateID
	stateID2
	stateLength1
	stateLength2
	statePayload
	stateEscape
	stateChecksum1
	stateChecksum2
	stateTrailer1
	stateTrailer2
	stateDrain
)

// payloadBuffer is a fixed-capacity byte buffer with an explicit cursor.
type payloadBuffer struct {
	data [MaxPayload]byte
	n    int
}

func (b *payloadBuffer) Reset() { b.n = 0 }

func (b *payloadBuffer) Len() int { return b.n }

func (b *payloadBuffer) Append(c byte) error {
	if b.n >= len(b.data) {
		return ErrBufferFull
	}
	b.data[b.n] = c
	b.n++
	return nil
}

func (b *payloadBuffer) Bytes() []byte { return b.data[:b.n] }

// clone copies the buffered bytes starting at off so they outlive the
// next frame.
func (b *payloadBuffer) clone(off int) []byte {
	if off >= b.n {
		return []byte{}
	}
	out := make([]byte, b.n-off)
	copy(out, b.data[off:b.n])
	return out
}
