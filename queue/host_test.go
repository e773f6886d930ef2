package queue

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/ratelimit"
	"github.com/mjl-/relayq/smtp"
)

// xreleased checks the connection slot for dest was released, with
// MaxConns 1.
func xreleased(t *testing.T, reg *ratelimit.Registry, dest string) {
	t.Helper()
	release, err := reg.Open(dest)
	tcheck(t, err, "admission after transmit")
	release(false)
}

func TestHostTransmit(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := &ratelimit.Registry{MaxConns: 1, Cooldown: time.Minute, Now: func() time.Time { return now }}
	host := &fakeHost{}
	dialer := &fakeDialer{hosts: map[string]*fakeHost{"10.0.0.1": host}}
	ht := &HostTransmitter{Dialer: dialer, Admission: reg}

	remote := RemoteMTA{Host: dns.IPDomain{Domain: dns.Domain{ASCII: "mx.example.org"}}, IP: net.ParseIP("10.0.0.1")}
	m := &Mail{
		Sender:     xpath(t, "mjl@origin.example"),
		Recipients: xpaths(t, "a@example.org", "b@example.org"),
		Content:    BytesContent(testMsg),
		Size:       int64(len(testMsg)),
	}

	// All accepted.
	res, err := ht.Transmit(ctxbg, pkglog, m, remote, 0)
	tcheck(t, err, "transmit")
	tcompare(t, res, AttemptResult{Accepted: m.Recipients, Remote: remote})
	xreleased(t, reg, "10.0.0.1")

	// One rejected.
	host.rcptErrs = map[string]error{"b@example.org": smtpErr(550, "1.1", "no such user")}
	res, err = ht.Transmit(ctxbg, pkglog, m, remote, 0)
	tcheck(t, err, "transmit")
	tcompare(t, res.Accepted, xpaths(t, "a@example.org"))
	tcompare(t, res.Rejected, []Rejection{{xpath(t, "b@example.org"), smtp.Status{Code: 550, Secode: "1.1", Text: "no such user"}}})
	tcompare(t, len(dialer.Deliveries()), 2)

	// All rejected, permanently: no data.
	host.rcptErrs["a@example.org"] = smtpErr(550, "1.1", "no such user")
	_, err = ht.Transmit(ctxbg, pkglog, m, remote, 0)
	var serr *SendError
	if !errors.As(err, &serr) || !serr.Permanent || len(serr.Rejected) != 2 {
		t.Fatalf("all recipients rejected, got err %#v", err)
	}
	tcompare(t, len(dialer.Deliveries()), 2)

	// All rejected, one transiently.
	host.rcptErrs["a@example.org"] = smtpErr(452, "2.2", "mailbox full")
	_, err = ht.Transmit(ctxbg, pkglog, m, remote, 0)
	if !errors.As(err, &serr) || serr.Permanent || len(serr.Rejected) != 2 {
		t.Fatalf("all recipients rejected, got err %#v", err)
	}
	// Rejections do not start a cooldown.
	xreleased(t, reg, "10.0.0.1")

	// Rejection of the whole mail.
	host.rcptErrs = nil
	host.dataErr = smtpErr(554, "6.0", "message content rejected")
	_, err = ht.Transmit(ctxbg, pkglog, m, remote, 0)
	if !errors.As(err, &serr) || !serr.Permanent || serr.Status.Code != 554 || len(serr.Rejected) != 0 {
		t.Fatalf("data rejected, got err %#v", err)
	}

	// Connection failure starts a cooldown, next attempt is postponed.
	remote2 := RemoteMTA{Host: remote.Host, IP: net.ParseIP("10.0.0.2")}
	_, err = ht.Transmit(ctxbg, pkglog, m, remote2, 0)
	if !errors.As(err, &serr) || serr.Permanent || serr.Status.Code != smtp.C421ServiceUnavail || serr.Remote.IP.String() != "10.0.0.2" {
		t.Fatalf("connection refused, got err %#v", err)
	}
	_, err = ht.Transmit(ctxbg, pkglog, m, remote2, 0)
	var perr *PostponeError
	if !errors.As(err, &perr) || perr.Delay != time.Minute {
		t.Fatalf("during cooldown, got err %#v, expected postpone for a minute", err)
	}

	// Busy destination.
	release, err := reg.Open("10.0.0.1")
	tcheck(t, err, "open slot")
	_, err = ht.Transmit(ctxbg, pkglog, m, remote, 0)
	if !errors.As(err, &perr) {
		t.Fatalf("busy destination, got err %#v, expected postpone", err)
	}
	release(false)
	host.dataErr = nil
	_, err = ht.Transmit(ctxbg, pkglog, m, remote, 0)
	tcheck(t, err, "transmit after release")
}

func TestHostTransmitMissingContent(t *testing.T) {
	dialer := &fakeDialer{hosts: map[string]*fakeHost{"10.0.0.1": {}}}
	ht := &HostTransmitter{Dialer: dialer}
	m := &Mail{
		Sender:     xpath(t, "mjl@origin.example"),
		Recipients: xpaths(t, "a@example.org"),
		Content:    FileContent("/nonexistent/mail.eml"),
	}
	remote := RemoteMTA{Host: dns.IPDomain{IP: net.ParseIP("10.0.0.1")}, IP: net.ParseIP("10.0.0.1")}
	_, err := ht.Transmit(ctxbg, pkglog, m, remote, 0)
	var lerr *LocalError
	if !errors.As(err, &lerr) {
		t.Fatalf("got err %v, expected local error", err)
	}
}
