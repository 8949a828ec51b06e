package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/temoto/atomic_clock"

	"github.com/cloudbases/sensornode/internal/devconf"
)

// Scheduler decides each tick whether a delivery attempt should fire.
// ShouldFire is called from the scheduler loop only. Force is safe
// from any goroutine, it is set by the control channel callback.
type Scheduler struct {
	force      uint32 // atomic
	lastFire   atomic_clock.Clock
	lastMinute int32

	// Now is the clock source, replaced in tests.
	Now func() time.Time
	// TimeValid reports whether wall-clock time has been established.
	// Clock-aligned mode does not fire without it.
	TimeValid func() bool
}

func NewScheduler() *Scheduler {
	s := &Scheduler{
		Now:       time.Now,
		TimeValid: func() bool { return true },
	}
	s.lastFire.SetNow()
	atomic.StoreInt32(&s.lastMinute, -1)
	return s
}

// Force requests exactly one extra fire regardless of mode.
func (s *Scheduler) Force() { atomic.StoreUint32(&s.force, 1) }

// ShouldFire implements both modes:
//   - Interval: elapsed since last fire exceeds the interval. The
//     reference resets on every fire attempt, success or not.
//   - ClockAligned: fires when current minute is a multiple of
//     max(1, interval/60) and differs from the last fired minute, so
//     at most once per qualifying minute at any tick rate.
func (s *Scheduler) ShouldFire(mode devconf.Mode, intervalSec int) bool {
	fire := false
	switch mode {
	case devconf.ModeInterval:
		interval := time.Duration(intervalSec) * time.Second
		if atomic_clock.Since(&s.lastFire) > interval {
			fire = true
			s.lastFire.SetNow()
		}
	case devconf.ModeClockAligned:
		if s.TimeValid() {
			minInterval := intervalSec / 60
			if minInterval < 1 {
				minInterval = 1
			}
			minute := int32(s.Now().Minute())
			if minute%int32(minInterval) == 0 && minute != atomic.LoadInt32(&s.lastMinute) {
				fire = true
				atomic.StoreInt32(&s.lastMinute, minute)
			}
		}
	}
	if atomic.CompareAndSwapUint32(&s.force, 1, 0) {
		fire = true
	}
	return fire
}
