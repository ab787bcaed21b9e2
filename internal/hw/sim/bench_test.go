package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arodland/Due-GPS-NTP-Server/internal/gps"
)

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.JitterNs = 0
	cfg.SawtoothNs = 0
	cfg.FrequencyErrorPPT = 0
	cfg.InitialPhaseNs = 0
	return cfg
}

func decodeFix(t *testing.T, p gps.Protocol, burst []byte) (gps.Fix, []gps.Event) {
	t.Helper()
	d, err := gps.New(p, gps.DefaultOptions())
	require.NoError(t, err)

	var fix gps.Fix
	var events []gps.Event
	gps.FeedAll(d, burst, func(ev gps.Event) {
		events = append(events, ev)
		if ev.HasFix {
			fix = ev.Fix
		}
	})
	return fix, events
}

func TestBench_PhaseIntegratesRate(t *testing.T) {
	tests := []struct {
		name      string
		biasPPT   float64
		oscPPT    int32
		trimTicks uint32
		wantNs    float64
	}{
		{"idle", 0, 0, 0, 0},
		{"fast rubidium", 1000, 0, 0, 1},
		{"steered out", 1000, -1000, 0, 0},
		{"short period", 0, 0, 10, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := quietConfig()
			cfg.FrequencyErrorPPT = tt.biasPPT
			b := New(cfg)
			b.SetRate(tt.oscPPT)
			b.SetPeriod(cfg.TickHz - tt.trimTicks)

			_, err := b.Next()
			require.NoError(t, err)
			assert.InDelta(t, tt.wantNs, b.PhaseNs(), 1e-3)
		})
	}
}

func TestBench_CaptureWraps(t *testing.T) {
	cfg := quietConfig()
	cfg.InitialPhaseNs = -500
	b := New(cfg)

	sec, err := b.Next()
	require.NoError(t, err)
	assert.Equal(t, cfg.TickHz-5, sec.Tick)

	cfg.InitialPhaseNs = 1200
	b = New(cfg)
	sec, err = b.Next()
	require.NoError(t, err)
	assert.Equal(t, uint32(12), sec.Tick)
}

func TestBench_ForceResync(t *testing.T) {
	cfg := quietConfig()
	cfg.InitialPhaseNs = 70_000
	b := New(cfg)

	b.ForceResync()
	assert.Equal(t, 1, b.Resyncs())
	assert.Zero(t, b.PhaseNs())
}

func TestBench_BurstCarriesTime(t *testing.T) {
	for _, p := range []gps.Protocol{gps.SiRF, gps.TSIP, gps.UBX} {
		t.Run(p.String(), func(t *testing.T) {
			cfg := quietConfig()
			cfg.Protocol = p
			b := New(cfg)

			sec, err := b.Next()
			require.NoError(t, err)
			require.NotEmpty(t, sec.Burst)
			assert.Equal(t, cfg.TOW+1, sec.TOW)

			fix, _ := decodeFix(t, p, sec.Burst)
			assert.True(t, fix.Valid)
			assert.Equal(t, cfg.Week, fix.Week)
			assert.Equal(t, cfg.TOW+1, fix.TOW)
			assert.Equal(t, -cfg.LeapSeconds, fix.UTCOffset)
		})
	}
}

func TestBench_WeekRollover(t *testing.T) {
	cfg := quietConfig()
	cfg.TOW = 604799
	b := New(cfg)

	sec, err := b.Next()
	require.NoError(t, err)
	assert.Equal(t, cfg.Week+1, sec.Week)
	assert.Zero(t, sec.TOW)
}

func TestBench_SawtoothIsReportedAhead(t *testing.T) {
	cfg := quietConfig()
	cfg.TickHz = 1_000_000_000
	cfg.SawtoothNs = 20
	cfg.Protocol = gps.TSIP
	b := New(cfg)

	for i := 0; i < 10; i++ {
		sec, err := b.Next()
		require.NoError(t, err)
		_, events := decodeFix(t, cfg.Protocol, sec.Burst)

		var saw int32
		for _, ev := range events {
			if ev.HasSawtooth {
				saw = ev.SawtoothNs
			}
		}
		assert.LessOrEqual(t, saw, int32(20))
		assert.GreaterOrEqual(t, saw, int32(-20))

		next, err := b.Next()
		require.NoError(t, err)
		corrected := (int64(next.Tick) + int64(saw)) % int64(cfg.TickHz)
		assert.Zero(t, corrected, "capture plus reported sawtooth should be the true phase")
	}
}

func TestBench_DropGPS(t *testing.T) {
	b := New(quietConfig())
	b.DropGPS(2)

	for i := 0; i < 2; i++ {
		sec, err := b.Next()
		require.NoError(t, err)
		assert.Empty(t, sec.Burst)
	}
	sec, err := b.Next()
	require.NoError(t, err)
	assert.NotEmpty(t, sec.Burst)
}

func TestBench_PPSPin(t *testing.T) {
	b := New(quietConfig())
	assert.False(t, b.PPSEnabled())
	b.Enable()
	assert.True(t, b.PPSEnabled())
	b.Disable()
	assert.False(t, b.PPSEnabled())
}

type recordingTarget struct {
	calls []string
	ticks []uint32
	bytes int
}

func (r *recordingTarget) OnSecondTick() { r.calls = append(r.calls, "second") }

func (r *recordingTarget) OnPPSCaptured(tick uint32) {
	r.calls = append(r.calls, "pps")
	r.ticks = append(r.ticks, tick)
}

func (r *recordingTarget) OnGPSBytes(p []byte) {
	r.calls = append(r.calls, "gps")
	r.bytes += len(p)
}

func TestBench_DriveOrder(t *testing.T) {
	b := New(quietConfig())
	rt := &recordingTarget{}

	require.NoError(t, b.RunFor(rt, 2))

	assert.Equal(t, []string{"second", "pps", "gps", "second", "pps", "gps"}, rt.calls)
	assert.Len(t, rt.ticks, 2)
	assert.Positive(t, rt.bytes)
}

func TestBench_Run(t *testing.T) {
	b := New(quietConfig())
	rt := &recordingTarget{}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, b.Run(ctx, rt, 10*time.Millisecond))
	assert.GreaterOrEqual(t, len(rt.ticks), 3)
}
