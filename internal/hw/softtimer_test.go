package hw

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftTimer_Counter(t *testing.T) {
	epoch := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		period  uint32
		elapsed time.Duration
		want    uint32
	}{
		{"start of second", 1000, 0, 0},
		{"quarter", 1000, 250 * time.Millisecond, 250},
		{"wraps on short period", 900, 950 * time.Millisecond, 50},
		{"before epoch", 1000, -time.Millisecond, 0},
		{"sub-tick truncates", 1000, 1999 * time.Microsecond, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := NewSoftTimer(1000)
			st.epoch = epoch
			st.now = func() time.Time { return epoch.Add(tt.elapsed) }
			st.SetPeriod(tt.period)

			assert.Equal(t, tt.want, st.Counter())
		})
	}
}

func TestSoftTimer_Length(t *testing.T) {
	st := NewSoftTimer(10_000_000)
	assert.Equal(t, time.Second, st.length())

	st.SetPeriod(10_000_000 - 25)
	assert.Equal(t, time.Second-2500*time.Nanosecond, st.length())

	st.SetPeriod(0)
	assert.Equal(t, time.Second, st.length())
}

func TestSoftTimer_Realign(t *testing.T) {
	st := NewSoftTimer(1000)
	at := st.epoch.Add(300 * time.Millisecond)

	assert.False(t, st.Realign(at), "no resync pending")

	st.ForceResync()
	require.True(t, st.Realign(at))
	assert.Equal(t, at, st.epoch)
	assert.Equal(t, uint32(100), st.CounterAt(at.Add(100*time.Millisecond)))

	assert.False(t, st.Realign(at.Add(time.Second)), "resync is consumed")
}

func TestSoftTimer_Run(t *testing.T) {
	st := NewSoftTimer(1000)
	st.SetPeriod(20)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var seconds atomic.Int32
	err := st.Run(ctx, func() { seconds.Add(1) })

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.GreaterOrEqual(t, seconds.Load(), int32(3))
}

func TestNopHardware(t *testing.T) {
	var pps PPSOutput = NopPPS{}
	pps.Enable()
	pps.Disable()

	var osc Oscillator = FreeRunning{}
	assert.Equal(t, int32(0), osc.SetRate(1234))
}
