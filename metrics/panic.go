// Package metrics has prometheus metrics shared between packages.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "relayq_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panic is a package name, used as label for the panic counter.
type Panic string

const (
	Queue      Panic = "queue"
	Scheduler  Panic = "scheduler"
	Smtpclient Panic = "smtpclient"
	Webqueue   Panic = "webqueue"
)

// PanicInc increases the counter for recovered panics in pkg.
func PanicInc(pkg Panic) {
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
