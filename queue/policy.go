package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/mjl-/relayq/config"
	"github.com/mjl-/relayq/dsn"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/smtp"
)

// Policy decides what happens to a mail after a delivery attempt.
type Policy struct {
	// Attempts after which recipients that still fail are treated as permanently
	// failed.
	MaxAttempts int

	// Delay before the next attempt, indexed by completed attempts minus one. The
	// last value repeats.
	Retry []time.Duration

	// Completed attempt counts after which a delay notice is sent for
	// recipients that will be retried.
	DelayNotices []int

	// Consecutive postpones allowed before a postpone is treated as a permanent
	// failure.
	MaxPostpones int
}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return config.DefaultMaxAttempts
	}
	return p.MaxAttempts
}

func (p Policy) maxPostpones() int {
	if p.MaxPostpones <= 0 {
		return config.DefaultMaxPostpones
	}
	return p.MaxPostpones
}

// retryDelay returns the time to wait after the given number of completed
// attempts.
func (p Policy) retryDelay(attempts int) time.Duration {
	l := p.Retry
	if len(l) == 0 {
		l = config.DefaultRetryIntervals
	}
	i := max(attempts-1, 0)
	return l[min(i, len(l)-1)]
}

// retryUntil returns the time of the last attempt, if all attempts after the
// given number of completed attempts fail.
func (p Policy) retryUntil(attempts int, now time.Time) time.Time {
	t := now
	for n := attempts; n < p.maxAttempts(); n++ {
		t = t.Add(p.retryDelay(n))
	}
	return t
}

// attempt makes a delivery attempt for m and handles the outcome: it may
// requeue the recipients that must be retried as a new mail, and send DSNs to
// the sender.
//
// A nil error means the stored mail is finished and can be removed. A
// *LocalError means the mail could not be read for delivery, or a requeue or
// DSN could not be stored, and the whole attempt should be retried later. If ctx is done, its error is returned and the mail
// is left alone.
func (q *Queue) attempt(ctx context.Context, log mlog.Log, m *Mail) error {
	route := findRoute(q.routes, m.Attempts, m)
	d := q.deliverer(route.Transport)
	log = log.With(slog.String("transport", route.Transport), slog.Int("attempt", m.Attempts+1))

	start := time.Now()
	res, err := d.Deliver(ctx, log, m)
	result := deliveryResult(err, len(res.Accepted), len(res.Rejected))
	metricDelivery.WithLabelValues(result).Inc()
	metricDeliveryDuration.WithLabelValues(fmt.Sprintf("%d", min(m.Attempts+1, 10)), result).Observe(float64(time.Since(start)) / float64(time.Second))

	if ctx.Err() != nil {
		log.Infox("delivery attempt interrupted, mail remains queued", ctx.Err())
		return ctx.Err()
	}
	var lerr *LocalError
	if errors.As(err, &lerr) {
		return err
	}

	now := q.now()

	var perr *PostponeError
	if errors.As(err, &perr) {
		m.Postpones++
		if m.Postpones <= q.policy.maxPostpones() {
			delay := perr.Delay
			if delay <= 0 {
				delay = defaultPostponeDelay
			}
			log.Info("delivery postponed", slog.Duration("delay", delay), slog.Int("postpones", m.Postpones), slog.Any("remote", perr.Remote))
			nm := m.Copy()
			nm.Schedule = now.Add(delay)
			nm.LastError = perr.Error()
			_, err := q.transmitter.requeue(ctx, nm)
			return err
		}
		log.Info("delivery postponed too often, treating as permanent failure", slog.Int("postpones", m.Postpones))
		err = &SendError{
			Permanent: true,
			Status:    smtp.Statusf(smtp.C554TransactionFailed, smtp.SeNet4Congestion5, "delivery postponed %d times: %v", m.Postpones, perr.Err),
			Remote:    perr.Remote,
			Err:       perr,
		}
	}

	// A real attempt.
	m.Attempts++
	m.Postpones = 0

	var remote RemoteMTA
	var failures []Rejection
	permanent := map[string]bool{} // By recipient.
	var serr *SendError
	switch {
	case err == nil:
		remote = res.Remote
		failures = res.Rejected
		for _, r := range failures {
			permanent[r.Recipient.String()] = r.Status.Permanent()
		}
	case errors.As(err, &serr) && len(serr.Rejected) > 0:
		remote = serr.Remote
		failures = serr.Rejected
		for _, r := range failures {
			permanent[r.Recipient.String()] = r.Status.Permanent()
		}
	default:
		if serr != nil {
			remote = serr.Remote
		}
		st, perm := errorStatus(err)
		for _, r := range m.Recipients {
			failures = append(failures, Rejection{r, st})
			permanent[r.String()] = perm || st.Permanent()
		}
	}

	if len(failures) == 0 {
		log.Info("delivered", slog.Any("remote", remote), slog.Int("recipients", len(res.Accepted)))
		q.addHistory(ctx, log, m, ResultDelivered, remote, now)
		return nil
	}

	var failed, retry []Rejection
	for _, f := range failures {
		if permanent[f.Recipient.String()] || m.Attempts >= q.policy.maxAttempts() {
			failed = append(failed, f)
		} else {
			retry = append(retry, f)
		}
	}
	m.LastError = failures[0].Status.String()
	if err != nil {
		m.LastError = err.Error()
	}
	log.Infox("delivery failed", err,
		slog.Any("remote", remote),
		slog.Int("accepted", len(res.Accepted)),
		slog.Int("failed", len(failed)),
		slog.Int("retry", len(retry)))

	var reports []Report
	for _, f := range failed {
		reports = append(reports, Report{Recipient: f.Recipient, Action: dsn.Failed, Status: f.Status, Remote: remote})
	}
	if len(retry) > 0 && slices.Contains(q.delayNotices(), m.Attempts) {
		until := q.policy.retryUntil(m.Attempts, now)
		for _, f := range retry {
			reports = append(reports, Report{Recipient: f.Recipient, Action: dsn.Delayed, Status: f.Status, Remote: remote, RetryUntil: until})
		}
	}
	if len(reports) > 0 {
		if err := q.sendDSN(ctx, log, m, reports, now); err != nil {
			return err
		}
	}

	if len(retry) > 0 {
		nm := m.Copy()
		nm.Recipients = nil
		for _, f := range retry {
			nm.Recipients = append(nm.Recipients, f.Recipient)
		}
		nm.Schedule = now.Add(q.policy.retryDelay(m.Attempts))
		names, err := q.transmitter.requeue(ctx, nm)
		if err != nil {
			return err
		}
		log.Info("requeued recipients for retry", slog.Any("names", names), slog.Time("schedule", nm.Schedule))
	}

	hres := ResultFailed
	switch {
	case len(res.Accepted) > 0:
		hres = ResultPartial
	case len(retry) > 0:
		hres = ResultRequeued
	}
	q.addHistory(ctx, log, m, hres, remote, now)
	return nil
}

func (q *Queue) delayNotices() []int {
	if q.policy.DelayNotices == nil {
		return config.DefaultDelayNotices
	}
	return q.policy.DelayNotices
}

// sendDSN queues a DSN to the sender of m. Mails with a null sender, such as
// DSNs themselves, get no DSN. Only failures to store the DSN are returned.
func (q *Queue) sendDSN(ctx context.Context, log mlog.Log, m *Mail, reports []Report, now time.Time) error {
	if m.Sender.IsZero() {
		log.Info("not sending dsn for mail with null sender", slog.Int("reports", len(reports)))
		return nil
	}
	dm, err := q.dsn.Create(log, m, reports, now)
	if err != nil {
		log.Errorx("creating dsn, not sending", err)
		return nil
	}
	names, err := q.transmitter.requeue(ctx, dm)
	if err != nil {
		return err
	}
	log.Info("dsn queued", slog.Any("names", names), slog.String("dsnlogid", dm.LogID), slog.Int("reports", len(reports)))
	return nil
}

func (q *Queue) addHistory(ctx context.Context, log mlog.Log, m *Mail, result Result, remote RemoteMTA, now time.Time) {
	if q.history == nil {
		return
	}
	err := q.history.Add(ctx, historyRecord(m, result, remote, now))
	log.Check(err, "adding delivery to history")
}
