// Package queue is an outgoing mail queue, delivering mails to remote SMTP
// servers.
//
// Mails are stored as a content and envelope file pair in a directory (see
// Store). A Scheduler runs a delivery task per stored mail at its scheduled
// time. A delivery attempt goes through a Deliverer, selected by the
// configured routes: directly to the MX hosts of the recipient domain, or
// through relays. The outcome is handled by the retry policy: recipients that
// must be retried are requeued as a new mail, the sender gets delivery status
// notifications (DSNs) for recipients that failed permanently, or that are
// delayed for long. Mails that cannot be handled end up in the error area.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/relayq/config"
	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/dsn"
	"github.com/mjl-/relayq/metrics"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/ratelimit"
	"github.com/mjl-/relayq/relayq-"
	"github.com/mjl-/relayq/smtp"
	"github.com/mjl-/relayq/smtpclient"
)

var (
	metricStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayq_queue_stored",
			Help: "Mails in the queue, not including the error area.",
		},
	)
	metricErrorArea = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relayq_queue_errorarea_total",
			Help: "Mails moved to the error area.",
		},
	)
	metricDelivery = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayq_queue_delivery_total",
			Help: "Delivery attempts per result.",
		},
		[]string{
			"result", // ok, okpartial, timeout, canceled, temperror, permerror, postponed, error
		},
	)
	metricDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayq_queue_delivery_duration_seconds",
			Help:    "Delivery attempt for a mail, including all hosts tried.",
			Buckets: []float64{0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"attempt", // Number of the attempt, 10 for 10 and higher.
			"result",
		},
	)
)

// Config is the configuration for opening a queue.
type Config struct {
	Dir string // Queue directory, with error area in subdirectory "error".

	// Path to the history database. If empty, no history is kept.
	HistoryPath string

	Queue      config.Queue // Zero values get defaults.
	Transports map[string]config.Transport
	Routes     []config.Route

	Hostname   dns.Domain // For EHLO and as reporting MTA in DSNs.
	Postmaster smtp.Path  // From of DSNs.
	DSNSigner  *dsn.Signer

	Resolver dns.Resolver
	Dialer   SessionDialer // Default a smtpclient.Dialer.
	Port     int           // SMTP port for direct delivery, 25 if zero.

	// For tests. Now is used for scheduling decisions, not for timeouts.
	Now  func() time.Time
	Rand *relayq.Rand
}

// Queue stores mails and delivers them.
type Queue struct {
	log         mlog.Log
	store       *Store
	sched       *Scheduler
	history     *History
	transmitter *Transmitter
	dsn         *DSNBuilder
	policy      Policy
	routes      []config.Route
	direct      Deliverer
	deliverers  map[string]Deliverer // By transport name.
	admission   *ratelimit.Registry

	taskRetryDelay time.Duration
	errorCeiling   time.Duration
	nowFn          func() time.Time
}

// Open opens the queue directory and history database. Call Start to start
// delivering.
func Open(ctx context.Context, log mlog.Log, cfg Config) (*Queue, error) {
	qc := cfg.Queue
	maxMails := qc.MaxMails
	if maxMails == 0 {
		maxMails = config.DefaultMaxMails
	}
	store, err := OpenStore(log, cfg.Dir, maxMails)
	if err != nil {
		return nil, err
	}

	var history *History
	if cfg.HistoryPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.HistoryPath), 0770); err != nil {
			return nil, fmt.Errorf("creating directory for history database: %w", err)
		}
		history, err = OpenHistory(ctx, cfg.HistoryPath)
		if err != nil {
			return nil, err
		}
	}

	rnd := cfg.Rand
	if rnd == nil {
		rnd = relayq.NewRand()
	}
	q := &Queue{
		log:     log,
		store:   store,
		history: history,
		dsn: &DSNBuilder{
			Hostname:   cfg.Hostname,
			Postmaster: cfg.Postmaster,
			Signer:     cfg.DSNSigner,
		},
		policy: Policy{
			MaxAttempts:  qc.MaxAttempts,
			Retry:        qc.RetryIntervals,
			DelayNotices: qc.DelayNotices,
			MaxPostpones: qc.MaxPostpones,
		},
		routes:         cfg.Routes,
		deliverers:     map[string]Deliverer{},
		taskRetryDelay: configDuration(qc.TaskRetryDelay, config.DefaultTaskRetryDelay),
		errorCeiling:   configDuration(qc.ErrorCeiling, config.DefaultErrorCeiling),
		nowFn:          cfg.Now,
	}

	q.admission = &ratelimit.Registry{
		MaxConns: qc.MaxConns,
		Cooldown: configDuration(qc.Cooldown, config.DefaultCooldown),
		Now:      cfg.Now,
	}
	if qc.MaxConns == 0 {
		q.admission.MaxConns = config.DefaultMaxConns
	}
	if qc.ConnectionsPerMinute > 0 {
		q.admission.Limiter = &ratelimit.Limiter{
			WindowLimits: []ratelimit.WindowLimit{
				{Window: time.Minute, Limit: int64(qc.ConnectionsPerMinute)},
			},
		}
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = smtpclient.Dialer{
			LocalName:      cfg.Hostname,
			CommandTimeout: configDuration(qc.CommandTimeout, config.DefaultCommandTimeout),
		}
	}
	ht := &HostTransmitter{Dialer: dialer, Admission: q.admission, Port: cfg.Port}
	q.direct = &Direct{Resolver: cfg.Resolver, Host: ht, Rand: rnd}
	for name, t := range cfg.Transports {
		switch {
		case t.Direct != nil:
			q.deliverers[name] = &Direct{Resolver: cfg.Resolver, Host: ht, Network: t.Direct.IPFamily, Rand: rnd}
		case t.Smarthosts != nil:
			q.deliverers[name] = &Smarthosts{Hosts: t.Smarthosts.Parsed, Resolver: cfg.Resolver, Host: ht}
		case t.Upstream != nil:
			q.deliverers[name] = &Upstream{Primary: t.Upstream.Primary, Backup: t.Upstream.Backup, Resolver: cfg.Resolver, Host: ht, Rand: rnd}
		default:
			return nil, fmt.Errorf("transport %q: no delivery method", name)
		}
	}
	for _, r := range cfg.Routes {
		if _, ok := q.deliverers[r.Transport]; !ok {
			return nil, fmt.Errorf("route references unknown transport %q", r.Transport)
		}
	}

	workers := qc.Workers
	if workers == 0 {
		workers = config.DefaultWorkers
	}
	q.sched = NewScheduler(log, workers, q.process)
	q.sched.Now = cfg.Now
	q.sched.PanicDelay = q.taskRetryDelay
	q.transmitter = &Transmitter{log: log, store: store, sched: q.sched}
	return q, nil
}

func configDuration(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}

func (q *Queue) now() time.Time {
	if q.nowFn != nil {
		return q.nowFn()
	}
	return time.Now()
}

func (q *Queue) deliverer(transport string) Deliverer {
	if d, ok := q.deliverers[transport]; ok {
		return d
	}
	return q.direct
}

// Start schedules all stored mails and starts delivering. Tasks run with ctx,
// canceling it aborts ongoing deliveries.
func (q *Queue) Start(ctx context.Context) error {
	names, err := q.store.List()
	if err != nil {
		return err
	}
	metricStored.Set(float64(len(names)))
	q.log.Info("starting queue", slog.Int("mails", len(names)))
	q.sched.Start(ctx, names)
	return nil
}

// Shutdown stops starting deliveries and waits for running deliveries to
// finish, or until ctx is done. The history database is closed.
func (q *Queue) Shutdown(ctx context.Context) error {
	err := q.sched.Shutdown(ctx)
	if q.history != nil {
		xerr := q.history.Close()
		q.log.Check(xerr, "closing history database")
	}
	return err
}

// Transmit stores and schedules a mail for delivery. See Transmitter.Transmit.
func (q *Queue) Transmit(ctx context.Context, m *Mail) ([]MailName, error) {
	return q.transmitter.Transmit(ctx, m)
}

// Store returns the underlying store.
func (q *Queue) Store() *Store {
	return q.store
}

// List returns the queued mails, in order of schedule.
func (q *Queue) List() ([]*Mail, error) {
	return q.readAll(q.store.List, q.store.Read)
}

// ListErrors returns the mails in the error area.
func (q *Queue) ListErrors() ([]*Mail, error) {
	return q.readAll(q.store.ListErrors, q.store.ReadError)
}

func (q *Queue) readAll(list func() ([]MailName, error), read func(MailName) (*Mail, error)) ([]*Mail, error) {
	names, err := list()
	if err != nil {
		return nil, err
	}
	l := make([]*Mail, 0, len(names))
	for _, n := range names {
		m, err := read(n)
		if err != nil {
			// Mail may just have been delivered.
			q.log.Debugx("reading mail for listing", err, slog.Any("name", n))
			continue
		}
		l = append(l, m)
	}
	return l, nil
}

// Kick schedules delivery of a queued mail now.
func (q *Queue) Kick(name MailName) error {
	if _, err := q.store.Read(name); err != nil {
		return err
	}
	q.sched.Kick(name)
	return nil
}

// Fail moves a queued mail to the error area, without delivering it. A
// delivery attempt in progress is not interrupted.
func (q *Queue) Fail(name MailName) (MailName, error) {
	q.sched.Remove(name)
	m, err := q.store.Read(name)
	if err != nil {
		return MailName{}, err
	}
	m.LastError = "moved to error area by admin"
	return q.moveToError(q.log, m)
}

// Retry moves a mail from the error area back into the queue, for delivery
// now.
func (q *Queue) Retry(ctx context.Context, name MailName) (MailName, error) {
	m, err := q.store.ErrorRetry(ctx, name, q.now())
	if err != nil {
		return MailName{}, err
	}
	q.sched.Schedule(m.Name, m.Schedule)
	q.log.Info("mail moved from error area to queue", slog.Any("errorname", name), slog.Any("name", m.Name), slog.String("logid", m.LogID))
	return m.Name, nil
}

// Drop removes a mail from the error area for good.
func (q *Queue) Drop(name MailName) error {
	if err := q.store.DeleteError(name); err != nil {
		return err
	}
	q.log.Info("mail dropped from error area", slog.Any("errorname", name))
	return nil
}

// Stats is a snapshot of queue activity.
type Stats struct {
	Stored  int // Mails in the queue, not counting the error area.
	Pending int // Mails waiting for their next attempt.
	Running int // Delivery attempts in progress.
}

func (q *Queue) Stats() Stats {
	return Stats{q.store.Count(), q.sched.Pending(), q.sched.Running()}
}

// History returns finished deliveries, newest first, optionally only for a
// log-id.
func (q *Queue) History(ctx context.Context, logID string, limit int) ([]HistoryRecord, error) {
	if q.history == nil {
		return nil, nil
	}
	return q.history.List(ctx, logID, limit)
}

// process is run by the scheduler for a stored mail.
func (q *Queue) process(ctx context.Context, t *Task) (next time.Time) {
	log := q.log.WithContext(ctx).With(slog.Any("name", t.Name))
	now := q.now()

	defer func() {
		x := recover()
		if x != nil {
			log.Error("delivery panic", slog.Any("panic", x))
			debug.PrintStack()
			metrics.PanicInc(metrics.Queue)
			next = now.Add(q.taskRetryDelay)
		}
	}()

	m, err := q.store.Read(t.Name)
	if err != nil {
		// Left on disk for inspection.
		log.Errorx("reading queued mail, not attempting delivery", err)
		return time.Time{}
	}
	log = log.With(slog.String("logid", m.LogID))

	err = q.attempt(ctx, log, m)
	var lerr *LocalError
	switch {
	case err == nil:
		if err := q.store.Delete(t.Name); err != nil {
			log.Errorx("removing finished mail from queue", err)
		}
		return time.Time{}
	case ctx.Err() != nil:
		// Picked up again at startup.
		return time.Time{}
	case errors.As(err, &lerr):
		if t.FirstFailure.IsZero() {
			t.FirstFailure = now
		}
		if now.Sub(t.FirstFailure) > q.errorCeiling {
			log.Errorx("local failures for too long, moving mail to error area", err, slog.Time("firstfailure", t.FirstFailure))
			m.LastError = err.Error()
			if _, err := q.moveToError(log, m); err != nil {
				log.Errorx("moving mail to error area", err)
			}
			return time.Time{}
		}
		log.Errorx("local failure during delivery, retrying later", err, slog.Duration("delay", q.taskRetryDelay))
		return now.Add(q.taskRetryDelay)
	default:
		log.Errorx("unexpected error during delivery, moving mail to error area", err)
		m.LastError = err.Error()
		if _, err := q.moveToError(log, m); err != nil {
			log.Errorx("moving mail to error area", err)
		}
		return time.Time{}
	}
}

func (q *Queue) moveToError(log mlog.Log, m *Mail) (MailName, error) {
	ename, err := q.store.MoveToError(m.Name, m.LastError)
	if err != nil {
		return MailName{}, err
	}
	log.Info("mail moved to error area", slog.Any("errorname", ename), slog.String("lasterror", m.LastError))
	q.addHistory(context.Background(), log, m, ResultError, RemoteMTA{}, q.now())
	return ename, nil
}

func deliveryResult(err error, delivered, failed int) string {
	var perr *PostponeError
	switch {
	case err == nil:
		if delivered == 0 {
			return "error"
		} else if failed > 0 {
			return "okpartial"
		}
		return "ok"
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &perr):
		return "postponed"
	}
	var serr *SendError
	var rerr *ResolveError
	if errors.As(err, &serr) || errors.As(err, &rerr) {
		if _, permanent := errorStatus(err); permanent {
			return "permerror"
		}
		return "temperror"
	}
	return "error"
}
