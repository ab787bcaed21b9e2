package console

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arodland/Due-GPS-NTP-Server/internal/gpsdo"
	"github.com/arodland/Due-GPS-NTP-Server/internal/hw/sim"
)

func newConsole(t *testing.T) (*Interpreter, *gpsdo.Clock, *bytes.Buffer) {
	t.Helper()
	bench := sim.New(sim.DefaultConfig())
	clock, err := gpsdo.New(gpsdo.DefaultConfig(), gpsdo.Hardware{
		Oscillator: bench,
		Timer:      bench,
		PPS:        bench,
	}, nil, nil)
	require.NoError(t, err)
	var out bytes.Buffer
	return New(clock, &out), clock, &out
}

func TestExecute_Loop(t *testing.T) {
	tests := []struct {
		line  string
		want  string
		check func(t *testing.T, s gpsdo.Snapshot)
	}{
		{"pll max 2000", "pll max 2000\n", func(t *testing.T, s gpsdo.Snapshot) {
			assert.Equal(t, int32(2000), s.Discipline.PLLMaxFactor)
		}},
		{"pll min 50", "pll min 50\n", func(t *testing.T, s gpsdo.Snapshot) {
			assert.Equal(t, int32(50), s.Discipline.PLLMinFactor)
		}},
		{"fll rate -640", "fll rate -640\n", func(t *testing.T, s gpsdo.Snapshot) {
			assert.Equal(t, int32(-640), s.Discipline.FLLRatePPT)
			assert.True(t, s.Discipline.FLLLearned)
		}},
		{"fll ratemax 500", "fll ratemax 500\n", func(t *testing.T, s gpsdo.Snapshot) {
			assert.Equal(t, int32(500), s.Discipline.FLLRateMaxPPT)
		}},
		{"FLL MIN 300", "fll min 300\n", func(t *testing.T, s gpsdo.Snapshot) {
			assert.Equal(t, int32(300), s.Discipline.FLLMinFactor)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			in, clock, out := newConsole(t)

			require.NoError(t, in.Execute(tt.line))

			assert.Equal(t, tt.want, out.String())
			tt.check(t, clock.Snapshot())
		})
	}
}

func TestExecute_RateClampedToMax(t *testing.T) {
	in, clock, out := newConsole(t)

	require.NoError(t, in.Execute("fll ratemax 100"))
	out.Reset()
	require.NoError(t, in.Execute("fll rate 5000"))

	assert.Equal(t, "fll rate 100\n", out.String())
	assert.Equal(t, int32(100), clock.Snapshot().Discipline.FLLRatePPT)
}

func TestExecute_ReadOnly(t *testing.T) {
	in, clock, out := newConsole(t)
	before := clock.Snapshot().Discipline

	require.NoError(t, in.Execute("pll max"))

	assert.Equal(t, "pll max 4000\n", out.String())
	assert.Equal(t, before, clock.Snapshot().Discipline)
}

func TestExecute_Fudge(t *testing.T) {
	in, clock, out := newConsole(t)

	require.NoError(t, in.Execute("fudge -120"))
	assert.Equal(t, "fudge -120 ns\n", out.String())
	assert.Equal(t, int32(-120), clock.PhaseFudge())

	out.Reset()
	require.NoError(t, in.Execute("fudge"))
	assert.Equal(t, "fudge -120 ns\n", out.String())
}

func TestExecute_Discipline(t *testing.T) {
	in, clock, out := newConsole(t)

	require.NoError(t, in.Execute("discipline off"))
	assert.Equal(t, "discipline off\n", out.String())
	assert.False(t, clock.Snapshot().Discipline.Enabled)

	out.Reset()
	require.NoError(t, in.Execute("discipline ON"))
	assert.Equal(t, "discipline on\n", out.String())
	assert.True(t, clock.Snapshot().Discipline.Enabled)
}

func TestExecute_Errors(t *testing.T) {
	tests := []struct {
		line    string
		wantErr string
	}{
		{"reboot", "unknown command"},
		{"pll", "usage: pll"},
		{"pll gain 3", "unknown pll parameter"},
		{"fll rate fast", "invalid value"},
		{"fll rate 1 2", "usage: fll"},
		{"fudge 600000000", "half a second"},
		{"fudge x", "invalid value"},
		{"fudge 1 2", "usage: fudge"},
		{"discipline maybe", "usage: discipline"},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			in, _, _ := newConsole(t)

			err := in.Execute(tt.line)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestExecute_StatusAndHelp(t *testing.T) {
	in, _, out := newConsole(t)

	require.NoError(t, in.Execute("status"))
	assert.Contains(t, out.String(), "status      UNLOCK")
	assert.Contains(t, out.String(), "not dated")
	assert.Contains(t, out.String(), "pll         factor")

	out.Reset()
	require.NoError(t, in.Execute("help"))
	for _, c := range Commands() {
		assert.Contains(t, out.String(), c)
	}

	assert.NoError(t, in.Execute("   "))
	assert.ErrorIs(t, in.Execute("quit"), ErrQuit)
}

func TestRunLines(t *testing.T) {
	in, clock, out := newConsole(t)
	script := strings.Join([]string{
		"fudge 40",
		"bogus",
		"fll rate -12",
		"quit",
		"fudge 99",
	}, "\n")

	require.NoError(t, in.RunLines(context.Background(), strings.NewReader(script)))

	assert.Equal(t, int32(40), clock.PhaseFudge(), "lines after quit are not run")
	assert.Equal(t, int32(-12), clock.Snapshot().Discipline.FLLRatePPT)
	assert.Contains(t, out.String(), "error: unknown command \"bogus\"")
}

func TestRunLines_Cancelled(t *testing.T) {
	in, clock, _ := newConsole(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, in.RunLines(ctx, strings.NewReader("fudge 7\n")))

	assert.Equal(t, int32(0), clock.PhaseFudge())
}

func TestComplete(t *testing.T) {
	assert.Equal(t, []string{"fll", "fudge"}, complete("f"))
	assert.Equal(t, []string{"status"}, complete("ST"))
	assert.Empty(t, complete("x"))
}
