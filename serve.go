package main

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/mjl-/relayq/config"
	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/dsn"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/queue"
	"github.com/mjl-/relayq/relayq-"
)

func cmdServe(c *cmd) {
	c.help = `Start relayq, delivering the mails in the queue.

All mails stored in the queue directory are scheduled at startup. Delivery
attempts are made by the configured number of workers, through the transport
selected by the routes. Mails that could not be delivered end up in the error
area of the queue, see "relayq queue errors".

If AdminHTTP is configured, an HTTP listener is started with prometheus
metrics at /metrics, and if a password file is configured, the queue admin API
at /api/.

On SIGINT or SIGTERM, no new delivery attempts are started and running attempts
are given some time to finish. A second signal aborts them.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	relayq.MustLoadConfig()
	log := c.log
	log.Print("starting relayq", slog.String("version", relayq.Version), slog.String("config", relayq.ConfigStaticPath))

	qlog := mlog.New("queue", nil)
	q, err := queue.Open(relayq.Context, qlog, queueConfig(relayq.Conf.Static, qlog))
	if err != nil {
		log.Fatalx("opening queue", err)
	}
	if err := q.Start(relayq.Context); err != nil {
		log.Fatalx("starting queue", err)
	}

	var admin *http.Server
	if ac := relayq.Conf.Static.AdminHTTP; ac != nil {
		admin, err = listenAdmin(ac, q)
		if err != nil {
			log.Fatalx("starting admin http listener", err)
		}
	}

	done := relayq.HandleSignals()
	<-done
	shutdown(log, q, admin)
	log.Print("stopped")
}

// queueConfig returns the queue configuration for the static config.
func queueConfig(sc config.Static, log mlog.Log) queue.Config {
	qc := queue.Config{
		Dir:         relayq.DataDirPath("queue"),
		HistoryPath: relayq.DataDirPath("history.db"),
		Queue:       sc.Queue,
		Transports:  sc.Transports,
		Routes:      sc.Routes,
		Hostname:    sc.HostnameDomain,
		Postmaster:  sc.PostmasterPath,
		Resolver:    dns.StrictResolver{Pkg: "queue", Log: log.Logger},
	}
	if s := sc.DSNSigning; s != nil {
		qc.DSNSigner = &dsn.Signer{
			Domain:     s.DNSDomain,
			Selector:   s.Selector,
			Key:        s.Key,
			HeaderKeys: s.HeaderKeys,
		}
	}
	return qc
}

// shutdown stops the admin listener and the queue. Shutdown has already been
// canceled, the queue no longer starts new deliveries. Running deliveries are
// waited for until some time after Context has been canceled.
func shutdown(log mlog.Log, q *queue.Queue, admin *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), relayq.ShutdownGrace+2*time.Second)
	defer cancel()

	if admin != nil {
		err := admin.Shutdown(ctx)
		log.Check(err, "shutting down admin http listener")
	}
	if err := q.Shutdown(ctx); err != nil {
		log.Errorx("shutting down queue, deliveries may still be running", err)
	}
}

// For the command-line tool, fails when the queue isn't configured properly.
func xopenQueue(ctx context.Context, qlog mlog.Log, history bool) *queue.Queue {
	qc := queueConfig(relayq.Conf.Static, qlog)
	if !history {
		qc.HistoryPath = ""
	}
	q, err := queue.Open(ctx, qlog, qc)
	xcheckf(err, "opening queue")
	return q
}
