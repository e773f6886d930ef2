// Package ratelimit provides admission control for outgoing connections: a
// window-based rate limiter and a registry limiting concurrent connections to
// a destination, with a cooldown after a failed connection.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a simple rate limiter with one or more fixed windows, e.g. the
// last minute/hour/day, counting per key, e.g. a destination host.
type Limiter struct {
	sync.Mutex
	WindowLimits []WindowLimit
}

// WindowLimit holds counters for one window.
type WindowLimit struct {
	Window time.Duration
	Limit  int64
	Time   uint32 // Time/Window.
	Counts map[string]int64
}

// Add attempts to consume "n" items from the rate limiter. If the total for this
// key and this interval would exceed limit, "n" is not counted and false is
// returned. If now represents a different time interval, all counts are reset.
func (l *Limiter) Add(key string, tm time.Time, n int64) bool {
	return l.checkAdd(true, key, tm, n)
}

// CanAdd returns if n could be added to the limiter.
func (l *Limiter) CanAdd(key string, tm time.Time, n int64) bool {
	return l.checkAdd(false, key, tm, n)
}

func (l *Limiter) checkAdd(add bool, key string, tm time.Time, n int64) bool {
	l.Lock()
	defer l.Unlock()

	for i, pl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(pl.Window))
		if t > pl.Time || pl.Counts == nil {
			l.WindowLimits[i].Time = t
			l.WindowLimits[i].Counts = map[string]int64{}
			pl = l.WindowLimits[i]
		}
		if pl.Counts[key]+n > pl.Limit {
			return false
		}
	}
	if !add {
		return true
	}
	for _, pl := range l.WindowLimits {
		pl.Counts[key] += n
	}
	return true
}

// Reset sets the counter to 0 for key in the current windows.
func (l *Limiter) Reset(key string, tm time.Time) {
	l.Lock()
	defer l.Unlock()

	for _, pl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(pl.Window))
		if t != pl.Time || pl.Counts == nil {
			continue
		}
		delete(pl.Counts, key)
	}
}

// Next returns the time the current window with a limit reached for key ends,
// or tm if there is room.
func (l *Limiter) Next(key string, tm time.Time, n int64) time.Time {
	l.Lock()
	defer l.Unlock()

	next := tm
	for _, pl := range l.WindowLimits {
		t := uint32(tm.UnixNano() / int64(pl.Window))
		if t != pl.Time || pl.Counts == nil || pl.Counts[key]+n <= pl.Limit {
			continue
		}
		end := time.Unix(0, int64(t+1)*int64(pl.Window))
		if end.After(next) {
			next = end
		}
	}
	return next
}
