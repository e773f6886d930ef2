package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/mjl-/relayq/config"
	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/ratelimit"
	"github.com/mjl-/relayq/smtp"
	"github.com/mjl-/relayq/smtpclient"
)

// SessionDialer makes SMTP sessions, satisfied by smtpclient.Dialer.
type SessionDialer interface {
	Dial(ctx context.Context, log mlog.Log, host dns.IPDomain, ip net.IP, port int) (smtpclient.Session, error)
}

// Admission reserves connection slots per destination, satisfied by
// *ratelimit.Registry. Open returns an error if a connection must not be
// made now, e.g. a *ratelimit.PostponeError.
type Admission interface {
	Open(dest string) (release func(failed bool), err error)
}

// defaultPostponeDelay is used when admission refuses without recommending a
// delay.
const defaultPostponeDelay = time.Minute

// HostTransmitter delivers a mail to a single host in one SMTP session.
type HostTransmitter struct {
	Dialer    SessionDialer
	Admission Admission // Optional.
	Port      int       // Default port, 25 if zero.
}

// Transmit delivers m to the host and IP of remote, on port or the default
// port if zero.
//
// Each recipient is offered separately. Rejected recipients are collected in
// the result and do not stop delivery to the others. If all recipients are
// rejected, no data is sent and a *SendError with the rejections is returned.
// Transport failures are returned as *SendError. If admission control refuses
// the connection, a *PostponeError is returned.
func (h *HostTransmitter) Transmit(ctx context.Context, log mlog.Log, m *Mail, remote RemoteMTA, port int) (result AttemptResult, rerr error) {
	result.Remote = remote
	if port == 0 {
		port = config.Port(h.Port, config.DefaultSMTPPort)
	}
	log = log.With(slog.Any("remote", remote), slog.Int("port", port))

	dest := remote.IP.String()
	if h.Admission != nil {
		release, err := h.Admission.Open(dest)
		if err != nil {
			delay := defaultPostponeDelay
			var perr *ratelimit.PostponeError
			if errors.As(err, &perr) && perr.Delay > 0 {
				delay = perr.Delay
			}
			log.Debugx("connection postponed", err, slog.Duration("delay", delay))
			return result, &PostponeError{Delay: delay, Remote: remote, Err: err}
		}
		// Failures on connection level start a cooldown, not rejections by the
		// remote.
		defer func() {
			var failed bool
			var serr *SendError
			if errors.As(rerr, &serr) && len(serr.Rejected) == 0 {
				var cerr smtpclient.Error
				failed = !errors.As(rerr, &cerr) || cerr.Code == 0
			}
			release(failed)
		}()
	}

	start := time.Now()
	sess, err := h.Dialer.Dial(ctx, log, remote.Host, remote.IP, port)
	if err != nil {
		return result, sendError(err, remote)
	}
	defer func() {
		err := sess.Close()
		log.Check(err, "closing smtp session")
	}()

	if err := sess.Mail(ctx, m.Sender, m.Size, m.SMTPUTF8()); err != nil {
		return result, sendError(err, remote)
	}
	for _, rcpt := range m.Recipients {
		err := sess.Rcpt(ctx, rcpt)
		var cerr smtpclient.Error
		if err == nil {
			result.Accepted = append(result.Accepted, rcpt)
		} else if errors.As(err, &cerr) && cerr.Code != 0 {
			log.Infox("recipient rejected", err, slog.Any("recipient", rcpt))
			result.Rejected = append(result.Rejected, Rejection{rcpt, cerr.Status()})
		} else {
			return result, sendError(err, remote)
		}
	}

	if len(result.Accepted) == 0 {
		err := sess.Quit()
		log.Check(err, "quit after all recipients rejected")
		permanent := true
		for _, r := range result.Rejected {
			permanent = permanent && r.Status.Permanent()
		}
		return result, &SendError{
			Permanent: permanent,
			Status:    result.Rejected[0].Status,
			Remote:    remote,
			Rejected:  result.Rejected,
			Err:       errors.New("all recipients rejected"),
		}
	}

	r, err := m.Content.Open()
	if err != nil {
		return result, &LocalError{Op: "read", Name: m.Name, Err: fmt.Errorf("opening content: %w", err)}
	}
	defer func() {
		err := r.Close()
		log.Check(err, "closing content")
	}()
	if err := sess.Data(ctx, r); err != nil {
		return result, sendError(err, remote)
	}
	err = sess.Quit()
	log.Check(err, "quit after delivery")
	log.Debug("transmitted to host", slog.Int("accepted", len(result.Accepted)), slog.Int("rejected", len(result.Rejected)), slog.Duration("duration", time.Since(start)))
	return result, nil
}

// sendError turns an error from an SMTP session into a *SendError.
func sendError(err error, remote RemoteMTA) *SendError {
	var cerr smtpclient.Error
	if errors.As(err, &cerr) {
		return &SendError{Permanent: cerr.Permanent, Status: cerr.Status(), Remote: remote, Err: err}
	}
	code := smtp.C421ServiceUnavail
	secode := smtp.SeNet4Other0
	switch {
	case errors.Is(err, os.ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		secode = smtp.SeNet4NoAnswer1
	case errors.Is(err, context.Canceled):
		secode = smtp.SeNet4BadConn2
	}
	return &SendError{Status: smtp.Status{Code: code, Secode: secode, Text: err.Error()}, Remote: remote, Err: err}
}
