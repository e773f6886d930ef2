package relayq

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Shutdown is canceled when a graceful shutdown is initiated. The queue checks
// it before starting a new delivery attempt, the admin listener stops
// accepting requests.
var Shutdown context.Context
var ShutdownCancel func()

// Context is the parent of most operations. It is canceled some time after
// Shutdown, aborting delivery attempts that are still running.
var Context context.Context
var ContextCancel func()

func init() {
	Shutdown, ShutdownCancel = context.WithCancel(context.Background())
	Context, ContextCancel = context.WithCancel(context.Background())
}

// ShutdownGrace is the time between canceling Shutdown and Context.
var ShutdownGrace = 3 * time.Second

// HandleSignals starts graceful shutdown on SIGINT or SIGTERM and returns a
// channel that is closed after the shutdown sequence has begun. A second
// signal cancels Context immediately.
func HandleSignals() <-chan struct{} {
	sigc := make(chan os.Signal, 2)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		sig := <-sigc
		pkglog.Print("shutting down, waiting for active deliveries", slog.String("signal", sig.String()))
		ShutdownCancel()
		close(done)

		t := time.NewTimer(ShutdownGrace)
		defer t.Stop()
		select {
		case <-sigc:
			pkglog.Print("second signal, aborting active deliveries")
		case <-t.C:
		}
		ContextCancel()
	}()
	return done
}
