package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPostpone = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relayq_admission_postpone_total",
		Help: "Connection attempts postponed by admission control.",
	},
	[]string{
		"reason", // busy, cooldown, rate
	},
)

// PostponeError is returned by Registry.Open when a connection to a
// destination must not be made now. The attempt should be tried again after
// Delay.
type PostponeError struct {
	Dest   string
	Reason string // "busy", "cooldown" or "rate".
	Delay  time.Duration
}

func (e *PostponeError) Error() string {
	return fmt.Sprintf("connection to %s postponed (%s), retry in %s", e.Dest, e.Reason, e.Delay.Round(time.Second))
}

// Registry tracks connections per destination. A destination is typically a
// host name or IP address.
type Registry struct {
	MaxConns  int           // Concurrent connections per destination. Zero means no limit.
	Cooldown  time.Duration // After a failed connection, new connections are postponed this long.
	BusyDelay time.Duration // Recommended delay when MaxConns is reached. Default 1 minute.
	Limiter   *Limiter      // Optional, counts connections per destination.
	Now       func() time.Time

	sync.Mutex
	dests map[string]*destination
}

type destination struct {
	active   int
	cooldown time.Time // Zero if no cooldown.
}

func (r *Registry) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Open reserves a connection slot for dest. If the destination is saturated,
// cooling down after a failure, or past its connection rate, a *PostponeError
// is returned. Otherwise the returned release function must be called exactly
// once when the connection is done, with failed set if the connection could
// not be used to deliver, which starts the cooldown. Additional calls of
// release are ignored.
func (r *Registry) Open(dest string) (release func(failed bool), err error) {
	r.Lock()
	defer r.Unlock()

	if r.dests == nil {
		r.dests = map[string]*destination{}
	}
	now := r.now()
	d := r.dests[dest]
	if d == nil {
		d = &destination{}
		r.dests[dest] = d
	}

	postpone := func(reason string, delay time.Duration) error {
		metricPostpone.WithLabelValues(reason).Inc()
		r.cleanup(dest, d, now)
		return &PostponeError{dest, reason, delay}
	}

	if !d.cooldown.IsZero() && now.Before(d.cooldown) {
		return nil, postpone("cooldown", d.cooldown.Sub(now))
	}
	if r.MaxConns > 0 && d.active >= r.MaxConns {
		delay := r.BusyDelay
		if delay == 0 {
			delay = time.Minute
		}
		return nil, postpone("busy", delay)
	}
	if r.Limiter != nil && !r.Limiter.Add(dest, now, 1) {
		return nil, postpone("rate", r.Limiter.Next(dest, now, 1).Sub(now))
	}

	d.active++
	var once sync.Once
	release = func(failed bool) {
		once.Do(func() {
			r.Lock()
			defer r.Unlock()
			d.active--
			now := r.now()
			if failed && r.Cooldown > 0 {
				d.cooldown = now.Add(r.Cooldown)
			} else if !failed {
				d.cooldown = time.Time{}
			}
			r.cleanup(dest, d, now)
		})
	}
	return release, nil
}

func (r *Registry) cleanup(dest string, d *destination, now time.Time) {
	if d.active == 0 && !now.Before(d.cooldown) && r.dests[dest] == d {
		delete(r.dests, dest)
	}
}
