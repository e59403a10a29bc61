package websocket

import "time"

// KeepaliveMonitor tracks the server driven ping deadline. The server states
// its ping interval in the login response; until then the monitor is inert.
// Every frame sent or received moves the deadline to now + interval.
//
// KeepaliveMonitor is not safe for concurrent use; Engine guards it.
type KeepaliveMonitor struct {
	interval time.Duration
	deadline time.Time
}

// SetInterval arms the monitor and starts a new deadline from now
func (k *KeepaliveMonitor) SetInterval(interval time.Duration, now time.Time) {
	k.interval = interval
	k.Reset(now)
}

// Reset moves the deadline to now + interval
func (k *KeepaliveMonitor) Reset(now time.Time) {
	if k.interval <= 0 {
		return
	}
	k.deadline = now.Add(k.interval)
}

// TimedOut reports whether the deadline is set and has passed
func (k *KeepaliveMonitor) TimedOut(now time.Time) bool {
	return !k.deadline.IsZero() && now.After(k.deadline)
}

func (k *KeepaliveMonitor) Deadline() time.Time { return k.deadline }
