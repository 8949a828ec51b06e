package control

import (
	"sync/atomic"
	"time"

	"github.com/temoto/atomic_clock"
)

// SessionTimeout is the control-channel liveness bound: a connected
// client that stays silent longer is presumed dead and kicked.
const SessionTimeout = 3 * time.Second

// Session tracks the control-channel client: connected flag, last
// observed activity and a pause depth that exempts long-running
// operations (drain, scan, provisioning) from watchdog enforcement.
// All methods are safe from both the callback and scheduler contexts.
type Session struct {
	connected int32
	paused    int32
	last      atomic_clock.Clock
}

func (s *Session) SetConnected(v bool) {
	if v {
		atomic.StoreInt32(&s.connected, 1)
		s.last.SetNow()
	} else {
		atomic.StoreInt32(&s.connected, 0)
	}
}

func (s *Session) Connected() bool { return atomic.LoadInt32(&s.connected) == 1 }

// Touch records activity, any inbound message counts.
func (s *Session) Touch() { s.last.SetNow() }

func (s *Session) Pause()  { atomic.AddInt32(&s.paused, 1) }
func (s *Session) Resume() { atomic.AddInt32(&s.paused, -1) }

func (s *Session) Paused() bool { return atomic.LoadInt32(&s.paused) > 0 }

// Expired reports whether the watchdog should terminate the session.
func (s *Session) Expired(timeout time.Duration) bool {
	if !s.Connected() || s.Paused() {
		return false
	}
	return atomic_clock.Since(&s.last) > timeout
}
