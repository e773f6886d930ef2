package queue

import (
	"errors"
	"fmt"
	"time"

	"github.com/mjl-/relayq/smtp"
)

var (
	ErrFull         = errors.New("queue is full")
	ErrNotFound     = errors.New("mail not found")
	ErrNoRecipients = errors.New("mail has no recipients")
)

// LocalError is a failure to store, read or remove a mail. It is always
// returned to the caller, this package never retries them silently.
type LocalError struct {
	Op   string // E.g. "save", "read", "delete", "move".
	Name MailName
	Err  error
}

func (e *LocalError) Error() string {
	if e.Name.IsZero() {
		return fmt.Sprintf("local storage failure: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("local storage failure: %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *LocalError) Unwrap() error {
	return e.Err
}

// SendError is a failed delivery attempt for a whole mail. If the remote
// rejected each recipient individually, the rejections are in Rejected.
type SendError struct {
	Permanent bool
	Status    smtp.Status
	Remote    RemoteMTA
	Rejected  []Rejection
	Err       error
}

func (e *SendError) Error() string {
	s := "delivery failed"
	if !e.Remote.IsZero() {
		s += " at " + e.Remote.String()
	}
	s += ": " + e.Status.String()
	if e.Err != nil && e.Err.Error() != e.Status.Text {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// PostponeError indicates a delivery was not attempted, typically because the
// destination is busy or recently failed. It does not count as an attempt.
type PostponeError struct {
	Delay  time.Duration
	Remote RemoteMTA
	Err    error
}

func (e *PostponeError) Error() string {
	return fmt.Sprintf("delivery to %s postponed for %s: %v", e.Remote, e.Delay, e.Err)
}

func (e *PostponeError) Unwrap() error {
	return e.Err
}

// ResolveError is a DNS failure finding or resolving hosts to deliver to.
type ResolveError struct {
	Permanent bool
	Host      string
	Status    smtp.Status
	Err       error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolving %s: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// errorStatus returns the status for a failed delivery attempt.
func errorStatus(err error) (st smtp.Status, permanent bool) {
	var serr *SendError
	var rerr *ResolveError
	switch {
	case errors.As(err, &serr):
		return serr.Status, serr.Permanent
	case errors.As(err, &rerr):
		return rerr.Status, rerr.Permanent
	}
	return smtp.Statusf(smtp.C451LocalErr, smtp.SeSys3Other0, "%v", err), false
}
