package hw

import (
	"context"
	"math/bits"
	"sync"
	"time"
)

// SoftTimer emulates the second divider on the host's monotonic clock. A
// period of hz ticks is one nominal second; a shorter period ends the second
// early.
type SoftTimer struct {
	mu     sync.Mutex
	hz     uint32
	period uint32
	epoch  time.Time
	resync bool

	now func() time.Time
}

// NewSoftTimer returns a timer counting at hz.
func NewSoftTimer(hz uint32) *SoftTimer {
	return &SoftTimer{hz: hz, period: hz, epoch: time.Now(), now: time.Now}
}

func (t *SoftTimer) SetPeriod(ticks uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ticks == 0 {
		ticks = t.hz
	}
	t.period = ticks
}

// ForceResync restarts the current second at the next Realign call.
func (t *SoftTimer) ForceResync() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resync = true
}

// Realign moves the second edge to at if a resync is pending. The PPS
// capture path calls it with the pulse arrival time.
func (t *SoftTimer) Realign(at time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.resync {
		return false
	}
	t.epoch = at
	t.resync = false
	return true
}

func (t *SoftTimer) Counter() uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticksAt(t.now())
}

// CounterAt returns the counter value at instant at.
func (t *SoftTimer) CounterAt(at time.Time) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticksAt(at)
}

func (t *SoftTimer) ticksAt(at time.Time) uint32 {
	elapsed := at.Sub(t.epoch)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > 2*time.Second {
		elapsed = 2 * time.Second
	}
	hi, lo := bits.Mul64(uint64(elapsed), uint64(t.hz))
	q, _ := bits.Div64(hi, lo, uint64(time.Second))
	return uint32(q % uint64(t.period))
}

// length returns the duration of a second of the current period.
func (t *SoftTimer) length() time.Duration {
	hi, lo := bits.Mul64(uint64(t.period), uint64(time.Second))
	q, _ := bits.Div64(hi, lo, uint64(t.hz))
	return time.Duration(q)
}

// Run calls onSecond at every second edge until ctx ends.
func (t *SoftTimer) Run(ctx context.Context, onSecond func()) error {
	for {
		t.mu.Lock()
		next := t.epoch.Add(t.length())
		t.mu.Unlock()

		wait := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C:
		}

		t.mu.Lock()
		// a realign during the wait already moved the edge
		if !t.epoch.Add(t.length()).After(next) {
			t.epoch = next
		}
		t.mu.Unlock()
		onSecond()
	}
}
