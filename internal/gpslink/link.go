// Package gpslink connects the receiver's serial port to the clock core.
package gpslink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"go.bug.st/serial"

	"github.com/arodland/Due-GPS-NTP-Server/internal/gps"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
)

// Sink consumes receiver bytes.
type Sink interface {
	OnGPSBytes(p []byte)
}

// Config describes the receiver port.
type Config struct {
	Device      string        `yaml:"device"`
	Baud        int           `yaml:"baud"`
	Protocol    gps.Protocol  `yaml:"-"`
	Options     gps.Options   `yaml:"-"`
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// PPSLine is the modem status line carrying the receiver's pulse, or
	// "none" when pulses are captured elsewhere.
	PPSLine string        `yaml:"pps_line"`
	PPSPoll time.Duration `yaml:"pps_poll"`
}

// DefaultConfig returns a link for a receiver at 9600 baud.
func DefaultConfig() Config {
	return Config{
		Baud:        9600,
		Protocol:    gps.TSIP,
		Options:     gps.DefaultOptions(),
		ReadTimeout: 200 * time.Millisecond,
		PPSLine:     "none",
		PPSPoll:     200 * time.Microsecond,
	}
}

type modemLines interface {
	GetModemStatusBits() (*serial.ModemStatusBits, error)
}

// Link shuttles bytes from the receiver to a Sink.
type Link struct {
	cfg   Config
	rw    io.ReadWriter
	lines modemLines
	close func() error

	bytesRead atomic.Uint64
	pulses    atomic.Uint64
}

// Open opens the receiver port.
func Open(cfg Config) (*Link, error) {
	if cfg.Device == "" {
		return nil, errors.New("gps device is required")
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultConfig().Baud
	}
	port, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if err := port.SetReadTimeout(cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	l := New(port, cfg)
	l.lines = port
	l.close = port.Close
	logger.Infof("gpslink", "%s receiver on %s at %d baud", cfg.Protocol, cfg.Device, cfg.Baud)
	return l, nil
}

// New runs a link over rw.
func New(rw io.ReadWriter, cfg Config) *Link {
	d := DefaultConfig()
	if cfg.PPSLine == "" {
		cfg.PPSLine = d.PPSLine
	}
	if cfg.PPSPoll <= 0 {
		cfg.PPSPoll = d.PPSPoll
	}
	return &Link{cfg: cfg, rw: rw}
}

// Configure sends the receiver setup frames.
func (l *Link) Configure() error {
	frames, err := gps.InitCommands(l.cfg.Protocol, l.cfg.Options)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if _, err := l.rw.Write(f); err != nil {
			return fmt.Errorf("configure receiver: %w", err)
		}
	}
	logger.Debugf("gpslink", "sent %d configuration frames", len(frames))
	return nil
}

// Run reads until ctx ends or the port closes. A read that times out with
// no data is not an error.
func (l *Link) Run(ctx context.Context, sink Sink) error {
	buf := make([]byte, 512)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		n, err := l.rw.Read(buf)
		if n > 0 {
			l.bytesRead.Add(uint64(n))
			sink.OnGPSBytes(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("gpslink", "receiver port closed")
				return nil
			}
			return fmt.Errorf("read receiver: %w", err)
		}
	}
}

// BytesRead returns the number of bytes delivered so far.
func (l *Link) BytesRead() uint64 { return l.bytesRead.Load() }

// Pulses returns the number of PPS edges seen on the modem line.
func (l *Link) Pulses() uint64 { return l.pulses.Load() }

func (l *Link) ppsLevel() (bool, error) {
	bits, err := l.lines.GetModemStatusBits()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(l.cfg.PPSLine) {
	case "dcd":
		return bits.DCD, nil
	case "cts":
		return bits.CTS, nil
	case "dsr":
		return bits.DSR, nil
	case "ri":
		return bits.RI, nil
	default:
		return false, fmt.Errorf("unknown pps line %q", l.cfg.PPSLine)
	}
}

// WatchPPS polls the PPS line and calls capture with the time of every
// rising edge until ctx ends. It returns immediately when no line is
// configured.
func (l *Link) WatchPPS(ctx context.Context, capture func(at time.Time)) error {
	if l.lines == nil || strings.EqualFold(l.cfg.PPSLine, "none") {
		return nil
	}
	if _, err := l.ppsLevel(); err != nil {
		return err
	}

	ticker := time.NewTicker(l.cfg.PPSPoll)
	defer ticker.Stop()

	var prev bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		level, err := l.ppsLevel()
		if err != nil {
			return fmt.Errorf("read pps line: %w", err)
		}
		if level && !prev {
			l.pulses.Add(1)
			capture(time.Now())
		}
		prev = level
	}
}

// Close releases the port.
func (l *Link) Close() error {
	if l.close == nil {
		return nil
	}
	return l.close()
}
