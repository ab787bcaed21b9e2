// Package oscillator drives a rubidium frequency standard over its serial
// control port.
package oscillator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/mathutil"
)

// Config describes the rubidium's control port and steering limits.
type Config struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`

	// GranularityPPT is the smallest rate step the unit resolves.
	GranularityPPT int32 `yaml:"granularity_ppt"`
	// MaxStepPPT bounds how far one command may move the rate.
	MaxStepPPT int32 `yaml:"max_step_ppt"`
	// RangePPT bounds the absolute offset.
	RangePPT int32 `yaml:"range_ppt"`

	// LockLine names the modem status line wired to the lock output:
	// "dsr", "cts", "dcd", "ri" or "none".
	LockLine string `yaml:"lock_line"`
	// LockActiveLow inverts the lock line.
	LockActiveLow bool `yaml:"lock_active_low"`
}

// DefaultConfig returns the settings for an FE-5680 class unit.
func DefaultConfig() Config {
	return Config{
		Baud:           57600,
		GranularityPPT: 2,
		MaxStepPPT:     2000,
		RangePPT:       1_000_000,
		LockLine:       "none",
	}
}

type modemLines interface {
	GetModemStatusBits() (*serial.ModemStatusBits, error)
}

// Rubidium steers the unit with "f" commands in units of 1e-11.
type Rubidium struct {
	mu    sync.Mutex
	cfg   Config
	w     io.Writer
	lines modemLines
	close func() error

	ppt      int32
	commands uint64
	failures uint64
}

// Open opens the control port.
func Open(cfg Config) (*Rubidium, error) {
	if cfg.Device == "" {
		return nil, errors.New("rubidium device is required")
	}
	if cfg.Baud == 0 {
		cfg.Baud = DefaultConfig().Baud
	}
	port, err := serial.Open(cfg.Device, &serial.Mode{BaudRate: cfg.Baud})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}
	r := New(port, cfg)
	r.lines = port
	r.close = port.Close
	logger.Infof("oscillator", "rubidium on %s at %d baud", cfg.Device, cfg.Baud)
	return r, nil
}

// New drives a rubidium through w.
func New(w io.Writer, cfg Config) *Rubidium {
	d := DefaultConfig()
	if cfg.GranularityPPT <= 0 {
		cfg.GranularityPPT = d.GranularityPPT
	}
	if cfg.MaxStepPPT <= 0 {
		cfg.MaxStepPPT = d.MaxStepPPT
	}
	if cfg.RangePPT <= 0 {
		cfg.RangePPT = d.RangePPT
	}
	if cfg.LockLine == "" {
		cfg.LockLine = d.LockLine
	}
	return &Rubidium{cfg: cfg, w: w}
}

// Init disables the analog tuning input and zeroes the offset.
func (r *Rubidium) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cmd := range []string{"a0\r\n", "f0\r\n"} {
		if _, err := io.WriteString(r.w, cmd); err != nil {
			return fmt.Errorf("rubidium init: %w", err)
		}
	}
	r.ppt = 0
	return nil
}

// FormatCommand renders a rate as the unit's frequency command.
func FormatCommand(ppt int32) string {
	var b strings.Builder
	b.WriteString("f")
	if ppt < 0 {
		b.WriteString("-")
	}
	abs := mathutil.Abs(ppt)
	b.WriteString(strconv.FormatInt(int64(abs/10), 10))
	if tenths := abs % 10; tenths != 0 {
		b.WriteString(".")
		b.WriteString(strconv.FormatInt(int64(tenths), 10))
	}
	b.WriteString("\r\n")
	return b.String()
}

// SetRate rounds, bounds and sends a rate and returns what the unit is now
// set to. A failed write leaves the previous rate in effect.
func (r *Rubidium) SetRate(ppt int32) int32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	target := mathutil.RoundTo(ppt, r.cfg.GranularityPPT)
	target = mathutil.Clamp(target, r.ppt-r.cfg.MaxStepPPT, r.ppt+r.cfg.MaxStepPPT)
	target = mathutil.Clamp(target, -r.cfg.RangePPT, r.cfg.RangePPT)
	if target == r.ppt {
		return r.ppt
	}

	if _, err := io.WriteString(r.w, FormatCommand(target)); err != nil {
		r.failures++
		logger.Error("oscillator", "rate command failed", err)
		return r.ppt
	}
	r.commands++
	logger.Debugf("oscillator", "rate %d ppt", target)
	r.ppt = target
	return r.ppt
}

// Rate returns the offset last sent.
func (r *Rubidium) Rate() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ppt
}

// Counters returns the number of commands sent and failed.
func (r *Rubidium) Counters() (sent, failed uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commands, r.failures
}

// Locked reads the lock indication. Without a lock line the unit is
// assumed locked.
func (r *Rubidium) Locked() (bool, error) {
	if r.lines == nil || r.cfg.LockLine == "none" {
		return true, nil
	}
	bits, err := r.lines.GetModemStatusBits()
	if err != nil {
		return false, fmt.Errorf("read modem lines: %w", err)
	}
	var v bool
	switch strings.ToLower(r.cfg.LockLine) {
	case "dsr":
		v = bits.DSR
	case "cts":
		v = bits.CTS
	case "dcd":
		v = bits.DCD
	case "ri":
		v = bits.RI
	default:
		return false, fmt.Errorf("unknown lock line %q", r.cfg.LockLine)
	}
	return v != r.cfg.LockActiveLow, nil
}

// WatchLock polls the lock line every interval and reports the first
// reading and every change to fn until ctx ends. A read error counts as
// unlocked.
func (r *Rubidium) WatchLock(ctx context.Context, interval time.Duration, fn func(locked bool)) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	first := true
	var prev bool
	for {
		locked, err := r.Locked()
		if err != nil {
			logger.Warnf("oscillator", "lock line: %v", err)
			locked = false
		}
		if first || locked != prev {
			fn(locked)
			first, prev = false, locked
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Close releases the control port.
func (r *Rubidium) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}
