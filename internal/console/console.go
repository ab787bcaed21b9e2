// Package console is the field-calibration command interpreter. It reads
// and tunes the discipline loop and the phase fudge of a running clock.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/arodland/Due-GPS-NTP-Server/internal/discipline"
	"github.com/arodland/Due-GPS-NTP-Server/internal/gpsdo"
	"github.com/arodland/Due-GPS-NTP-Server/pkg/logger"
)

// maxFudgeNs bounds the phase fudge to half a second either way.
const maxFudgeNs = 500_000_000

// ErrQuit is returned by Execute for the quit command.
var ErrQuit = errors.New("quit")

// Target is the clock the console tunes.
type Target interface {
	Snapshot() gpsdo.Snapshot
	WithEngine(fn func(e *discipline.Engine))
	SetPhaseFudge(ns int32)
	PhaseFudge() int32
}

// Interpreter executes console commands against a Target.
type Interpreter struct {
	target Target
	out    io.Writer
}

// New builds an interpreter writing its replies to out.
func New(t Target, out io.Writer) *Interpreter {
	return &Interpreter{target: t, out: out}
}

// Commands lists the command words, for completion.
func Commands() []string {
	return []string{"status", "pll", "fll", "fudge", "discipline", "help", "quit"}
}

// Execute runs one command line. An empty line is a no-op.
func (i *Interpreter) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch cmd, args := strings.ToLower(fields[0]), fields[1:]; cmd {
	case "status":
		i.status()
		return nil
	case "pll":
		return i.pll(args)
	case "fll":
		return i.fll(args)
	case "fudge":
		return i.fudge(args)
	case "discipline":
		return i.toggle(args)
	case "help", "?":
		i.help()
		return nil
	case "quit", "exit":
		return ErrQuit
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
}

func (i *Interpreter) status() {
	s := i.target.Snapshot()
	d := s.Discipline
	fmt.Fprintf(i.out, "status      %s (gps %s, pll %s, fll %s, oscillator %s)\n",
		s.Status, s.Health.GPS, s.Health.PLL, s.Health.FLL, s.Health.Oscillator)
	if s.Dated {
		fmt.Fprintf(i.out, "time        week %d tow %d\n", s.Week, s.TOW)
	} else {
		fmt.Fprintln(i.out, "time        not dated")
	}
	fmt.Fprintf(i.out, "phase       %d ns (fudge %d ns)\n", s.PhaseNs, s.PhaseFudgeNs)
	fmt.Fprintf(i.out, "pll         factor %d [%d, %d]\n", d.PLLFactor, d.PLLMinFactor, d.PLLMaxFactor)
	fmt.Fprintf(i.out, "fll         factor %d [%d, %d] rate %d ppt (max %d, learned %t)\n",
		d.FLLFactor, d.FLLMinFactor, d.FLLMaxFactor, d.FLLRatePPT, d.FLLRateMaxPPT, d.FLLLearned)
	fmt.Fprintf(i.out, "oscillator  %d ppt, timer %+d ticks\n", d.OscPPT, d.TimerTicks)
	fmt.Fprintf(i.out, "discipline  enabled %t holdover %t (%d s)\n", d.Enabled, d.Holdover, s.Health.HoldoverSeconds)
}

// loopParam reads and optionally writes one engine parameter.
type loopParam struct {
	get func(d discipline.Snapshot) int32
	set func(e *discipline.Engine, d discipline.Snapshot, v int32)
}

var pllParams = map[string]loopParam{
	"factor": {
		get: func(d discipline.Snapshot) int32 { return d.PLLFactor },
		set: func(e *discipline.Engine, _ discipline.Snapshot, v int32) { e.SetPLLFactor(v) },
	},
	"min": {
		get: func(d discipline.Snapshot) int32 { return d.PLLMinFactor },
		set: func(e *discipline.Engine, d discipline.Snapshot, v int32) { e.SetPLLFactorBounds(v, d.PLLMaxFactor) },
	},
	"max": {
		get: func(d discipline.Snapshot) int32 { return d.PLLMaxFactor },
		set: func(e *discipline.Engine, d discipline.Snapshot, v int32) { e.SetPLLFactorBounds(d.PLLMinFactor, v) },
	},
}

var fllParams = map[string]loopParam{
	"factor": {
		get: func(d discipline.Snapshot) int32 { return d.FLLFactor },
		set: func(e *discipline.Engine, _ discipline.Snapshot, v int32) { e.SetFLLFactor(v) },
	},
	"min": {
		get: func(d discipline.Snapshot) int32 { return d.FLLMinFactor },
		set: func(e *discipline.Engine, d discipline.Snapshot, v int32) { e.SetFLLFactorBounds(v, d.FLLMaxFactor) },
	},
	"max": {
		get: func(d discipline.Snapshot) int32 { return d.FLLMaxFactor },
		set: func(e *discipline.Engine, d discipline.Snapshot, v int32) { e.SetFLLFactorBounds(d.FLLMinFactor, v) },
	},
	"rate": {
		get: func(d discipline.Snapshot) int32 { return d.FLLRatePPT },
		set: func(e *discipline.Engine, _ discipline.Snapshot, v int32) { e.SetFLLRate(v) },
	},
	"ratemax": {
		get: func(d discipline.Snapshot) int32 { return d.FLLRateMaxPPT },
		set: func(e *discipline.Engine, _ discipline.Snapshot, v int32) { e.SetFLLRateMax(v) },
	},
}

func (i *Interpreter) pll(args []string) error {
	return i.loop("pll", pllParams, args)
}

func (i *Interpreter) fll(args []string) error {
	return i.loop("fll", fllParams, args)
}

func (i *Interpreter) loop(name string, params map[string]loopParam, args []string) error {
	if len(args) == 0 || len(args) > 2 {
		return fmt.Errorf("usage: %s %s [value]", name, paramNames(name))
	}
	key := strings.ToLower(args[0])
	p, ok := params[key]
	if !ok {
		return fmt.Errorf("unknown %s parameter %q, want %s", name, key, paramNames(name))
	}

	var v int32
	if len(args) == 2 {
		n, err := strconv.ParseInt(args[1], 10, 32)
		if err != nil {
			return fmt.Errorf("%s %s: invalid value %q", name, key, args[1])
		}
		v = int32(n)
	}

	var before, after int32
	i.target.WithEngine(func(e *discipline.Engine) {
		d := e.Snapshot()
		before = p.get(d)
		if len(args) == 2 {
			p.set(e, d, v)
		}
		after = p.get(e.Snapshot())
	})

	if len(args) == 2 {
		logger.SafeInfo("console", "loop parameter changed", map[string]interface{}{
			"loop":      name,
			"parameter": key,
			"requested": v,
			"old":       before,
			"new":       after,
		})
	}
	fmt.Fprintf(i.out, "%s %s %d\n", name, key, after)
	return nil
}

func paramNames(loop string) string {
	if loop == "pll" {
		return "factor|min|max"
	}
	return "factor|min|max|rate|ratemax"
}

func (i *Interpreter) fudge(args []string) error {
	switch len(args) {
	case 0:
	case 1:
		n, err := strconv.ParseInt(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("fudge: invalid value %q", args[0])
		}
		if n <= -maxFudgeNs || n > maxFudgeNs {
			return fmt.Errorf("fudge: %d ns is more than half a second", n)
		}
		i.target.SetPhaseFudge(int32(n))
	default:
		return errors.New("usage: fudge [ns]")
	}
	fmt.Fprintf(i.out, "fudge %d ns\n", i.target.PhaseFudge())
	return nil
}

func (i *Interpreter) toggle(args []string) error {
	var on bool
	switch {
	case len(args) == 0:
	case len(args) == 1 && strings.EqualFold(args[0], "on"):
		on = true
	case len(args) == 1 && strings.EqualFold(args[0], "off"):
	default:
		return errors.New("usage: discipline [on|off]")
	}

	var enabled bool
	i.target.WithEngine(func(e *discipline.Engine) {
		if len(args) == 1 {
			e.SetEnabled(on)
		}
		enabled = e.Enabled()
	})
	if len(args) == 1 {
		logger.SafeInfo("console", "discipline toggled", map[string]interface{}{"enabled": enabled})
	}

	state := "off"
	if enabled {
		state = "on"
	}
	fmt.Fprintf(i.out, "discipline %s\n", state)
	return nil
}

func (i *Interpreter) help() {
	fmt.Fprint(i.out, `commands:
  status                                   show clock state
  pll factor|min|max [value]               read or set PLL gain
  fll factor|min|max|rate|ratemax [value]  read or set FLL gain and rate (ppt)
  fudge [ns]                               read or set the PPS phase fudge
  discipline [on|off]                      read or toggle the loop
  help                                     this text
  quit                                     leave the console
`)
}

// RunLines executes commands from r until EOF, quit or ctx ends. Command
// errors are reported to the output and do not stop the loop.
func (i *Interpreter) RunLines(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		if done := i.run(sc.Text()); done {
			return nil
		}
	}
	return sc.Err()
}

// run executes a line and reports whether the session is over.
func (i *Interpreter) run(line string) bool {
	err := i.Execute(line)
	if errors.Is(err, ErrQuit) {
		return true
	}
	if err != nil {
		fmt.Fprintf(i.out, "error: %v\n", err)
	}
	return false
}
