package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/sherpa"

	"github.com/mjl-/relayq/config"
	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/queue"
	"github.com/mjl-/relayq/relayq-"
	"github.com/mjl-/relayq/smtp"
)

var ctxbg = context.Background()
var pkglog = mlog.New("main", nil)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, exp any) {
	t.Helper()
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("mismatch (-exp +got):\n%s", diff)
	}
}

func xpath(t *testing.T, s string) smtp.Path {
	t.Helper()
	p, err := smtp.ParsePath(s)
	tcheck(t, err, "parse path")
	return p
}

// All commands must have help text, and not have side effects before parsing
// their flags.
func TestCommandUsage(t *testing.T) {
	for _, c := range cmds {
		c.gather()
		if c.help == "" {
			t.Fatalf("command %v without help", c.words)
		}
		if c.makeUsage() == "" {
			t.Fatalf("command %v without usage", c.words)
		}
	}
}

func TestLookup(t *testing.T) {
	c, rest, partial := lookup([]string{"queue", "dump", "-error", "x"})
	if c == nil || c.name() != "relayq queue dump" {
		t.Fatalf("got command %v, expected queue dump", c)
	}
	tcompare(t, rest, []string{"-error", "x"})
	tcompare(t, len(partial), 0)

	c, _, partial = lookup([]string{"queue"})
	if c != nil {
		t.Fatalf("unexpected command %v", c.words)
	}
	tcompare(t, len(partial), 10)

	c, _, partial = lookup([]string{"bogus"})
	if c != nil || len(partial) != 0 {
		t.Fatalf("unexpected match for bogus command")
	}

	// Help must not match helpall.
	c, _, _ = lookup([]string{"helpall"})
	if c == nil || c.name() != "relayq helpall" {
		t.Fatalf("got %v, expected helpall", c)
	}
}

func TestCRLF(t *testing.T) {
	tcompare(t, string(crlf([]byte("a\nb\r\nc\n"))), "a\r\nb\r\nc\r\n")
	tcompare(t, string(crlf([]byte("\n"))), "\r\n")
	tcompare(t, string(crlf([]byte("no newline"))), "no newline")
}

func TestQueueConfig(t *testing.T) {
	relayq.ConfigStaticPath = filepath.FromSlash("/etc/relayq/relayq.conf")
	relayq.Conf.Static.DataDir = "../data"
	defer func() {
		relayq.ConfigStaticPath = ""
		relayq.Conf.Static = config.Static{}
	}()

	sc := config.Static{
		HostnameDomain: dns.Domain{ASCII: "relay.example"},
		PostmasterPath: xpath(t, "postmaster@relay.example"),
		Queue:          config.Queue{Workers: 3},
		DSNSigning: &config.DSNSigning{
			DNSDomain:  dns.Domain{ASCII: "relay.example"},
			Selector:   "2024a",
			HeaderKeys: []string{"From", "To"},
		},
	}
	qc := queueConfig(sc, pkglog)
	tcompare(t, qc.Dir, filepath.FromSlash("/etc/data/queue"))
	tcompare(t, qc.HistoryPath, filepath.FromSlash("/etc/data/history.db"))
	tcompare(t, qc.Queue.Workers, 3)
	tcompare(t, qc.Hostname, sc.HostnameDomain)
	if qc.DSNSigner == nil || qc.DSNSigner.Selector != "2024a" || qc.DSNSigner.Domain.ASCII != "relay.example" {
		t.Fatalf("bad dsn signer %#v", qc.DSNSigner)
	}

	sc.DSNSigning = nil
	qc = queueConfig(sc, pkglog)
	if qc.DSNSigner != nil {
		t.Fatalf("unexpected dsn signer")
	}
}

// The command-line tool talks to the admin API of the server.
func TestAdminAPI(t *testing.T) {
	dir := t.TempDir()
	q, err := queue.Open(ctxbg, pkglog, queue.Config{
		Dir:         filepath.Join(dir, "queue"),
		HistoryPath: filepath.Join(dir, "history.db"),
		Hostname:    dns.Domain{ASCII: "relay.example"},
		Postmaster:  xpath(t, "postmaster@relay.example"),
		Resolver:    dns.MockResolver{},
	})
	tcheck(t, err, "open queue")
	defer func() {
		err := q.Shutdown(ctxbg)
		tcheck(t, err, "shutdown queue")
	}()

	// Not started, so not delivered.
	names, err := q.Transmit(ctxbg, &queue.Mail{
		Sender:     xpath(t, "mjl@origin.example"),
		Recipients: []smtp.Path{xpath(t, "a@example.org")},
		Content:    queue.BytesContent(crlf([]byte("Subject: test\n\nhi\n"))),
		Arrival:    time.Now(),
		Schedule:   time.Now().Add(time.Hour),
	})
	tcheck(t, err, "transmit")
	tcompare(t, len(names), 1)

	pwpath := filepath.Join(dir, "adminpasswd")
	hash, err := bcrypt.GenerateFromPassword([]byte("test1234"), bcrypt.MinCost)
	tcheck(t, err, "bcrypt password")
	err = os.WriteFile(pwpath, hash, 0660)
	tcheck(t, err, "write password file")

	h, err := adminHandler(&config.AdminHTTP{PasswordFile: pwpath}, q)
	tcheck(t, err, "admin handler")
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	tcheck(t, err, "get metrics")
	resp.Body.Close()
	tcompare(t, resp.StatusCode, http.StatusOK)

	var stats queue.Stats
	err = apiCallURL(ctxbg, srv.URL+"/api/Stats", "test1234", nil, &stats)
	tcheck(t, err, "api stats")
	tcompare(t, stats, queue.Stats{Stored: 1, Pending: 1})

	err = apiCallURL(ctxbg, srv.URL+"/api/Stats", "badpassword", nil, &stats)
	if err == nil {
		t.Fatalf("api call with bad password succeeded")
	}

	err = apiCallURL(ctxbg, srv.URL+"/api/Kick", "test1234", []any{names[0].String()}, nil)
	tcheck(t, err, "api kick")

	var ename string
	err = apiCallURL(ctxbg, srv.URL+"/api/Fail", "test1234", []any{names[0].String()}, &ename)
	tcheck(t, err, "api fail")
	l, err := q.ListErrors()
	tcheck(t, err, "list errors")
	tcompare(t, len(l), 1)
	tcompare(t, l[0].Name.String(), ename)

	// Already moved.
	err = apiCallURL(ctxbg, srv.URL+"/api/Fail", "test1234", []any{names[0].String()}, &ename)
	var serr *sherpa.Error
	if !errors.As(err, &serr) || serr.Code != "user:error" {
		t.Fatalf("got err %v, expected sherpa user error", err)
	}

	var qname string
	err = apiCallURL(ctxbg, srv.URL+"/api/Retry", "test1234", []any{ename}, &qname)
	tcheck(t, err, "api retry")
	l, err = q.List()
	tcheck(t, err, "list")
	tcompare(t, len(l), 1)
	tcompare(t, l[0].Name.String(), qname)

	err = apiCallURL(ctxbg, srv.URL+"/api/Fail", "test1234", []any{qname}, &ename)
	tcheck(t, err, "api fail")
	err = apiCallURL(ctxbg, srv.URL+"/api/Drop", "test1234", []any{ename}, nil)
	tcheck(t, err, "api drop")
	l, err = q.ListErrors()
	tcheck(t, err, "list errors")
	tcompare(t, len(l), 0)
	l, err = q.List()
	tcheck(t, err, "list")
	tcompare(t, len(l), 0)

	// Without password file, only metrics.
	h, err = adminHandler(&config.AdminHTTP{}, q)
	tcheck(t, err, "admin handler without api")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/api/Stats", nil))
	tcompare(t, rec.Code, http.StatusNotFound)
}
