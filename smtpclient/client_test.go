package smtpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/smtp"
)

var ctxbg = context.Background()
var pkglog = mlog.New("smtpclient", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

type received struct {
	from  string
	rcpts []string
	data  string
}

type backend struct {
	sync.Mutex
	reject map[string]*gosmtp.SMTPError
	msgs   []received
}

func (b *backend) Login(state *gosmtp.ConnectionState, username, password string) (gosmtp.Session, error) {
	return nil, gosmtp.ErrAuthUnsupported
}

func (b *backend) AnonymousLogin(state *gosmtp.ConnectionState) (gosmtp.Session, error) {
	return &session{b: b}, nil
}

type session struct {
	b     *backend
	from  string
	rcpts []string
}

func (s *session) Reset() {
	s.from = ""
	s.rcpts = nil
}

func (s *session) Logout() error {
	return nil
}

func (s *session) Mail(from string, opts gosmtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string) error {
	if err, ok := s.b.reject[to]; ok {
		return err
	}
	s.rcpts = append(s.rcpts, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.b.Lock()
	defer s.b.Unlock()
	s.b.msgs = append(s.b.msgs, received{s.from, s.rcpts, string(buf)})
	return nil
}

func startServer(t *testing.T, be *backend) (port int) {
	t.Helper()
	srv := gosmtp.NewServer(be)
	srv.Domain = "mx.example.org"
	srv.AllowInsecureAuth = true
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Close()
	})
	return ln.Addr().(*net.TCPAddr).Port
}

func mustPath(t *testing.T, s string) smtp.Path {
	t.Helper()
	p, err := smtp.ParsePath(s)
	tcheck(t, err, "parse path")
	return p
}

var testDialer = Dialer{LocalName: dns.Domain{ASCII: "relay.example.org"}}
var mxHost = dns.IPDomain{Domain: dns.Domain{ASCII: "mx.example.org"}}

func TestDeliver(t *testing.T) {
	be := &backend{
		reject: map[string]*gosmtp.SMTPError{
			"nobody@example.org": {Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 1, 1}, Message: "no such user"},
			"later@example.org":  {Code: 451, EnhancedCode: gosmtp.EnhancedCode{4, 2, 0}, Message: "try again"},
		},
	}
	port := startServer(t, be)

	s, err := testDialer.Dial(ctxbg, pkglog, mxHost, net.ParseIP("127.0.0.1"), port)
	tcheck(t, err, "dial")
	defer s.Close()

	err = s.Mail(ctxbg, mustPath(t, "sender@example.com"), 100, false)
	tcheck(t, err, "mail")
	err = s.Rcpt(ctxbg, mustPath(t, "user@example.org"))
	tcheck(t, err, "rcpt")

	err = s.Rcpt(ctxbg, mustPath(t, "nobody@example.org"))
	var cerr Error
	if !errors.As(err, &cerr) || !cerr.Permanent || cerr.Code != 550 || cerr.Secode != "1.1" || cerr.Command != "rcpt" {
		t.Fatalf("rcpt rejection, got %#v", err)
	}
	if st := cerr.Status(); st.String() != "550 5.1.1 no such user" {
		t.Fatalf("rejection status %q", st)
	}

	err = s.Rcpt(ctxbg, mustPath(t, "later@example.org"))
	if !errors.As(err, &cerr) || cerr.Permanent || cerr.Code != 451 {
		t.Fatalf("rcpt temporary rejection, got %#v", err)
	}

	err = s.Data(ctxbg, strings.NewReader("Subject: test\r\n\r\nhi\r\n"))
	tcheck(t, err, "data")
	err = s.Quit()
	tcheck(t, err, "quit")

	be.Lock()
	defer be.Unlock()
	if len(be.msgs) != 1 {
		t.Fatalf("got %d messages, expected 1", len(be.msgs))
	}
	m := be.msgs[0]
	if m.from != "sender@example.com" || len(m.rcpts) != 1 || m.rcpts[0] != "user@example.org" || !strings.Contains(m.data, "hi") {
		t.Fatalf("unexpected message %#v", m)
	}
}

func TestNullSender(t *testing.T) {
	be := &backend{}
	port := startServer(t, be)

	s, err := testDialer.Dial(ctxbg, pkglog, mxHost, net.ParseIP("127.0.0.1"), port)
	tcheck(t, err, "dial")
	defer s.Close()
	err = s.Mail(ctxbg, smtp.Path{}, 0, false)
	tcheck(t, err, "mail with null sender")
	err = s.Rcpt(ctxbg, mustPath(t, "user@example.org"))
	tcheck(t, err, "rcpt")
	err = s.Data(ctxbg, strings.NewReader("Subject: dsn\r\n\r\nbounce\r\n"))
	tcheck(t, err, "data")

	be.Lock()
	defer be.Unlock()
	if len(be.msgs) != 1 || be.msgs[0].from != "" {
		t.Fatalf("unexpected messages %#v", be.msgs)
	}
}

func TestSMTPUTF8Unsupported(t *testing.T) {
	port := startServer(t, &backend{})

	s, err := testDialer.Dial(ctxbg, pkglog, mxHost, net.ParseIP("127.0.0.1"), port)
	tcheck(t, err, "dial")
	defer s.Close()
	err = s.Mail(ctxbg, mustPath(t, "møx@example.com"), 0, true)
	var cerr Error
	if !errors.As(err, &cerr) || !cerr.Permanent || !errors.Is(err, ErrSMTPUTF8Unsupported) {
		t.Fatalf("got %v, expected permanent smtputf8 error", err)
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	_, err = testDialer.Dial(ctxbg, pkglog, mxHost, net.ParseIP("127.0.0.1"), port)
	var cerr Error
	if !errors.As(err, &cerr) || cerr.Permanent || cerr.Code != 0 || cerr.Command != "dial" {
		t.Fatalf("got %#v, expected transient dial error", err)
	}
	if st := cerr.Status(); st.Code != smtp.C421ServiceUnavail || st.Permanent() {
		t.Fatalf("dial error status %v", st)
	}
}

func TestCanceled(t *testing.T) {
	port := startServer(t, &backend{})

	s, err := testDialer.Dial(ctxbg, pkglog, mxHost, net.ParseIP("127.0.0.1"), port)
	tcheck(t, err, "dial")
	defer s.Close()

	ctx, cancel := context.WithCancel(ctxbg)
	cancel()
	err = s.Mail(ctx, mustPath(t, "sender@example.com"), 0, false)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, expected context.Canceled", err)
	}
}

func TestGreetingRejected(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	tcheck(t, err, "listen")
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write([]byte("554 no service for you\r\n"))
		io.Copy(io.Discard, conn)
	}()

	_, err = testDialer.Dial(ctxbg, pkglog, mxHost, net.ParseIP("127.0.0.1"), ln.Addr().(*net.TCPAddr).Port)
	var cerr Error
	if !errors.As(err, &cerr) || !cerr.Permanent || cerr.Code != 554 || cerr.Command != "greeting" {
		t.Fatalf("got %#v, expected permanent greeting error", err)
	}
}
