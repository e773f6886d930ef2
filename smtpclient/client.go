// Package smtpclient is an SMTP client for delivering messages from the queue
// to a remote mail server or relay.
//
// A delivery consists of dialing an address with Dial, followed by Mail, one
// Rcpt per recipient, Data if any recipient was accepted, and Quit. Failures
// are returned as Error, with the SMTP reply code and enhanced status code when
// the remote server sent a failure response, and Permanent set for 5xx codes.
package smtpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/smtp"
)

var (
	metricCommands = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relayq_smtpclient_command_duration_seconds",
			Help:    "SMTP client command duration and result codes in seconds.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60, 120},
		},
		[]string{
			"cmd",
			"code",
			"secode",
		},
	)
)

var (
	ErrStatus              = errors.New("remote smtp server sent unexpected response status code") // Relatively common, e.g. when a 250 OK was expected and server sent 451 temporary error.
	ErrSMTPUTF8Unsupported = errors.New("remote smtp server does not implement smtputf8 extension, required by message")
	ErrClosed              = errors.New("client is closed")
)

// Error represents a failure to deliver a message.
//
// Code, Secode and Line are only set for SMTP-level errors, and are zero
// values otherwise.
type Error struct {
	// Whether failure is permanent, typically because of 5xx response.
	Permanent bool
	// SMTP response status, e.g. 4xx for transient error and 5xx for permanent
	// failure.
	Code int
	// Short enhanced status, minus first digit and dot. Can be empty, e.g. for io
	// errors or if remote does not send enhanced status codes. If remote responds with
	// "550 5.7.1 ...", the Secode will be "7.1".
	Secode string
	// SMTP command causing failure.
	Command string
	// For errors due to SMTP responses, the SMTP response line.
	Line string
	// Underlying error, e.g. one of the Err variables in this package, or io errors.
	Err error
}

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := ""
	if e.Err != nil {
		s = e.Err.Error() + ", "
	}
	if e.Permanent {
		s += "permanent"
	} else {
		s += "transient"
	}
	if e.Line != "" {
		s += ": " + e.Line
	}
	return s
}

// Status returns the failure as status. For errors without SMTP response, e.g.
// connection failures, a transient 421 4.4.0 status is returned with the error
// as text.
func (e Error) Status() smtp.Status {
	if e.Code != 0 {
		_, text, _ := strings.Cut(e.Line, " ")
		if e.Secode != "" {
			_, text, _ = strings.Cut(text, " ")
		}
		return smtp.Status{Code: e.Code, Secode: e.Secode, Text: text}
	}
	var text string
	if e.Err != nil {
		text = e.Err.Error()
	}
	if e.Command != "" {
		text = e.Command + ": " + text
	}
	return smtp.Status{Code: smtp.C421ServiceUnavail, Secode: smtp.SeNet4Other0, Text: text}
}

// Session is a connection to a remote SMTP server, ready for a mail
// transaction.
type Session interface {
	// Mail sends MAIL FROM. If smtputf8 is set and the server does not implement
	// SMTPUTF8, a permanent error is returned without sending the command.
	Mail(ctx context.Context, from smtp.Path, size int64, smtputf8 bool) error
	// Rcpt sends RCPT TO. A rejection by the server is an Error with Code set.
	Rcpt(ctx context.Context, to smtp.Path) error
	// Data sends the message read from r, after DATA.
	Data(ctx context.Context, r io.Reader) error
	// Quit sends QUIT and closes the connection.
	Quit() error
	// Close closes the connection without QUIT.
	Close() error
}

// Client is an SMTP session on a go-smtp client, with errors turned into Error
// and protocol traces written to the log.
type Client struct {
	c      *gosmtp.Client
	log    mlog.Log
	remote dns.IPDomain
	closed bool

	smtputf8 bool // Set by Mail, for formatting recipients.
}

var _ Session = (*Client)(nil)

type traceWriter struct {
	log mlog.Log
}

func (w traceWriter) Write(buf []byte) (int, error) {
	w.log.Trace(mlog.LevelTrace, "smtp: ", buf)
	return len(buf), nil
}

// New initializes an SMTP session on a client that has read the greeting,
// sending EHLO with localName.
func New(ctx context.Context, log mlog.Log, c *gosmtp.Client, remote dns.IPDomain, localName dns.Domain, commandTimeout time.Duration) (*Client, error) {
	c.DebugWriter = traceWriter{log}
	if commandTimeout > 0 {
		c.CommandTimeout = commandTimeout
	}
	xc := &Client{c: c, log: log, remote: remote}
	err := xc.run(ctx, "ehlo", func() error {
		return c.Hello(localName.ASCII)
	})
	if err != nil {
		c.Close()
		return nil, err
	}
	return xc, nil
}

// run executes a command, aborting pending i/o when ctx is canceled. Errors
// are returned as Error.
func (c *Client) run(ctx context.Context, cmd string, fn func() error) (rerr error) {
	if c.closed {
		return Error{Command: cmd, Err: ErrClosed}
	}
	if err := ctx.Err(); err != nil {
		return Error{Command: cmd, Err: err}
	}

	start := time.Now()
	stop := context.AfterFunc(ctx, func() {
		c.c.Close()
	})
	defer func() {
		stop()
		code, secode := "ok", ""
		var cerr Error
		if errors.As(rerr, &cerr) {
			code = "error"
			if cerr.Code != 0 {
				code = strconv.Itoa(cerr.Code)
				secode = cerr.Secode
			}
		}
		metricCommands.WithLabelValues(cmd, code, secode).Observe(float64(time.Since(start)) / float64(time.Second))
	}()

	err := fn()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		c.closed = true
		return Error{Command: cmd, Err: fmt.Errorf("%w: %v", ctx.Err(), err)}
	}
	var serr *gosmtp.SMTPError
	if errors.As(err, &serr) {
		var secode string
		line := strconv.Itoa(serr.Code)
		if ec := serr.EnhancedCode; ec != (gosmtp.EnhancedCode{}) && ec[0] > 0 {
			secode = fmt.Sprintf("%d.%d", ec[1], ec[2])
			line += fmt.Sprintf(" %d.%s", ec[0], secode)
		}
		if serr.Message != "" {
			line += " " + serr.Message
		}
		return Error{
			Permanent: serr.Code/100 == 5,
			Code:      serr.Code,
			Secode:    secode,
			Command:   cmd,
			Line:      line,
			Err:       ErrStatus,
		}
	}
	return Error{Command: cmd, Err: err}
}

func (c *Client) Mail(ctx context.Context, from smtp.Path, size int64, smtputf8 bool) error {
	if smtputf8 {
		if ok, _ := c.c.Extension("SMTPUTF8"); !ok {
			return Error{
				Permanent: true,
				Code:      smtp.C554TransactionFailed,
				Secode:    smtp.SeMsg6NonASCIIAddrNotPermitted7,
				Command:   "mail",
				Line:      fmt.Sprintf("%d 5.%s %s does not support smtputf8", smtp.C554TransactionFailed, smtp.SeMsg6NonASCIIAddrNotPermitted7, c.remote),
				Err:       ErrSMTPUTF8Unsupported,
			}
		}
	}
	c.smtputf8 = smtputf8
	opts := &gosmtp.MailOptions{UTF8: smtputf8}
	if size > 0 && size < int64(^uint32(0)>>1) {
		opts.Size = int(size)
	}
	return c.run(ctx, "mail", func() error {
		return c.c.Mail(from.XString(smtputf8), opts)
	})
}

func (c *Client) Rcpt(ctx context.Context, to smtp.Path) error {
	return c.run(ctx, "rcpt", func() error {
		return c.c.Rcpt(to.XString(c.smtputf8))
	})
}

func (c *Client) Data(ctx context.Context, r io.Reader) error {
	var w io.WriteCloser
	err := c.run(ctx, "data", func() error {
		var err error
		w, err = c.c.Data()
		return err
	})
	if err != nil {
		return err
	}
	return c.run(ctx, "data", func() error {
		if _, err := io.Copy(w, r); err != nil {
			// Close would wait for a response to a message the server never
			// received completely. The connection is unusable.
			c.c.Close()
			c.closed = true
			return fmt.Errorf("writing message: %w", err)
		}
		return w.Close()
	})
}

func (c *Client) Quit() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.c.Quit()
	if err != nil {
		c.c.Close()
	}
	return err
}

func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return c.c.Close()
}
