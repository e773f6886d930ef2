package queue

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mjl-/relayq/config"
	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/ratelimit"
	"github.com/mjl-/relayq/relayq-"
	"github.com/mjl-/relayq/smtp"
)

func directMail(t *testing.T, rcpts ...string) *Mail {
	return &Mail{
		Sender:     xpath(t, "mjl@origin.example"),
		Recipients: xpaths(t, rcpts...),
		Content:    BytesContent(testMsg),
		Size:       int64(len(testMsg)),
	}
}

// mx1 does not resolve, mx2 rejects transiently, mx3 accepts.
func TestDirectFailover(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"example.org.": {
				{Host: "mx3.example.org.", Pref: 30},
				{Host: "mx1.example.org.", Pref: 10},
				{Host: "mx2.example.org.", Pref: 20},
			},
		},
		A: map[string][]string{
			"mx2.example.org.": {"10.0.0.2"},
			"mx3.example.org.": {"10.0.0.3"},
		},
	}
	dialer := &fakeDialer{hosts: map[string]*fakeHost{
		"10.0.0.2": {mailErr: smtpErr(451, "3.0", "temporary failure")},
		"10.0.0.3": {},
	}}
	d := &Direct{Resolver: resolver, Host: &HostTransmitter{Dialer: dialer}}

	res, err := d.Deliver(ctxbg, pkglog, directMail(t, "a@example.org"))
	tcheck(t, err, "deliver")
	tcompare(t, res.Remote.Host.Domain.ASCII, "mx3.example.org")
	tcompare(t, res.Accepted, xpaths(t, "a@example.org"))
	tcompare(t, dialer.dials, []string{"10.0.0.2", "10.0.0.3"})
}

// A temporary DNS failure for one host is not masked by a host that does not
// exist, the mail is retried instead of bounced.
func TestDirectResolveTemporary(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"example.org.": {
				{Host: "mx1.example.org.", Pref: 10},
				{Host: "mx2.example.org.", Pref: 20},
			},
			"other.example.": {
				{Host: "mx1.other.example.", Pref: 10},
				{Host: "mx2.other.example.", Pref: 20},
			},
		},
		Fail: []string{"ip mx1.example.org.", "ip mx2.other.example."},
	}
	d := &Direct{Resolver: resolver, Host: &HostTransmitter{Dialer: &fakeDialer{}}}

	for _, rcpt := range []string{"a@example.org", "a@other.example"} {
		_, err := d.Deliver(ctxbg, pkglog, directMail(t, rcpt))
		var rerr *ResolveError
		if !errors.As(err, &rerr) {
			t.Fatalf("%s: got err %v, expected resolve error", rcpt, err)
		}
		if rerr.Permanent {
			t.Fatalf("%s: got permanent resolve error %v, expected temporary", rcpt, err)
		}
	}

	// Only missing hosts is permanent.
	resolver.Fail = nil
	d.Resolver = resolver
	_, err := d.Deliver(ctxbg, pkglog, directMail(t, "a@example.org"))
	var rerr *ResolveError
	if !errors.As(err, &rerr) || !rerr.Permanent {
		t.Fatalf("got err %v, expected permanent resolve error", err)
	}
}

func TestDirect(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"nullmx.example.":  {{Host: ".", Pref: 0}},
			"perm.example.":    {{Host: "mx1.perm.example.", Pref: 10}, {Host: "mx2.perm.example.", Pref: 20}},
			"prio.example.":    {{Host: "busy.prio.example.", Pref: 10}, {Host: "gone.prio.example.", Pref: 20}},
			"prio2.example.":   {{Host: "busy.prio.example.", Pref: 10}, {Host: "down.prio.example.", Pref: 20}},
			"gone.example.":    {{Host: "gone.prio.example.", Pref: 10}},
			"badmx.example.":   {{Host: "bad host.", Pref: 10}},
			"servfail.example.": nil,
		},
		A: map[string][]string{
			"implicit.example.":  {"10.0.1.1"},
			"mx1.perm.example.":  {"10.0.2.1"},
			"mx2.perm.example.":  {"10.0.2.2"},
			"busy.prio.example.": {"10.0.3.1"},
			"down.prio.example.": {"10.0.3.2"},
		},
		AAAA: map[string][]string{
			"implicit.example.": {"2001:db8::1"},
		},
		Fail: []string{"mx servfail.example."},
	}
	dialer := &fakeDialer{hosts: map[string]*fakeHost{
		"10.0.1.1":    {dialErr: errors.New("refused")},
		"2001:db8::1": {},
		"10.0.2.1":    {mailErr: smtpErr(550, "7.1", "go away")},
		"10.0.2.2":    {},
		"10.0.3.1":    {},
		"10.0.4.1":    {},
	}}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reg := &ratelimit.Registry{MaxConns: 1, Now: func() time.Time { return now }}
	_, err := reg.Open("10.0.3.1")
	tcheck(t, err, "open slot")
	d := &Direct{Resolver: resolver, Host: &HostTransmitter{Dialer: dialer, Admission: reg}, Rand: relayq.NewSeededRand(1)}

	deliver := func(rcpt string) (AttemptResult, error) {
		t.Helper()
		dialer.dials = nil
		return d.Deliver(ctxbg, pkglog, directMail(t, rcpt))
	}

	// Implicit MX, both IPs tried.
	res, err := deliver("a@implicit.example")
	tcheck(t, err, "deliver with implicit mx")
	tcompare(t, res.Remote.IP.String(), "2001:db8::1")
	tcompare(t, dialer.dials, []string{"10.0.1.1", "2001:db8::1"})

	// Only IPv4 addresses.
	d.Network = "ip4"
	_, err = deliver("a@implicit.example")
	var serr *SendError
	if !errors.As(err, &serr) || serr.Permanent {
		t.Fatalf("deliver over ipv4, got err %v, expected transient send error", err)
	}
	d.Network = ""

	// Null MX.
	_, err = deliver("a@nullmx.example")
	var rerr *ResolveError
	if !errors.As(err, &rerr) || !rerr.Permanent || rerr.Status.Code != smtp.C556DomainNoMail {
		t.Fatalf("null mx, got err %v", err)
	}
	tcompare(t, len(dialer.dials), 0)

	// Permanent failure stops trying hosts.
	_, err = deliver("a@perm.example")
	if !errors.As(err, &serr) || !serr.Permanent {
		t.Fatalf("permanent failure, got err %v", err)
	}
	tcompare(t, dialer.dials, []string{"10.0.2.1"})

	// A postpone is preferred over a resolve failure.
	_, err = deliver("a@prio.example")
	var perr *PostponeError
	if !errors.As(err, &perr) {
		t.Fatalf("postpone and resolve failure, got err %v, expected postpone", err)
	}

	// A transient failure is preferred over a postpone.
	_, err = deliver("a@prio2.example")
	if !errors.As(err, &serr) || serr.Permanent {
		t.Fatalf("postpone and transient failure, got err %v, expected transient send error", err)
	}

	// Only hosts that do not exist.
	_, err = deliver("a@gone.example")
	if !errors.As(err, &rerr) || !rerr.Permanent {
		t.Fatalf("unresolvable host, got err %v, expected permanent resolve error", err)
	}

	// MX lookup failing temporarily.
	_, err = deliver("a@servfail.example")
	if !errors.As(err, &rerr) || rerr.Permanent {
		t.Fatalf("mx servfail, got err %v, expected transient resolve error", err)
	}

	// Only invalid MX hosts.
	_, err = deliver("a@badmx.example")
	if !errors.As(err, &rerr) || rerr.Permanent {
		t.Fatalf("invalid mx, got err %v, expected transient resolve error", err)
	}

	// IP literal, no DNS.
	res, err = deliver("a@[10.0.4.1]")
	tcheck(t, err, "deliver to ip literal")
	tcompare(t, res.Remote.IP.String(), "10.0.4.1")
	tcompare(t, res.Remote.Host.IsIP(), true)
}

// MX hosts with equal preference are tried in random order.
func TestDirectGatherHostsShuffle(t *testing.T) {
	resolver := dns.MockResolver{
		MX: map[string][]*net.MX{
			"example.org.": {
				{Host: "c.example.org.", Pref: 20},
				{Host: "a.example.org.", Pref: 10},
				{Host: "b.example.org.", Pref: 10},
			},
		},
	}
	d := &Direct{Resolver: resolver, Rand: relayq.NewSeededRand(1)}
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		hosts, err := d.gatherHosts(ctxbg, pkglog, dns.Domain{ASCII: "example.org"})
		tcheck(t, err, "gather hosts")
		tcompare(t, len(hosts), 3)
		tcompare(t, hosts[2].ASCII, "c.example.org")
		seen[hosts[0].ASCII] = true
	}
	tcompare(t, seen, map[string]bool{"a.example.org": true, "b.example.org": true})
}

func TestSmarthosts(t *testing.T) {
	resolver := dns.MockResolver{
		A: map[string][]string{
			"relay1.example.": {"10.0.0.1"},
			"relay2.example.": {"10.0.0.2"},
		},
	}
	dialer := &fakeDialer{hosts: map[string]*fakeHost{"10.0.0.2": {}}}
	s := &Smarthosts{
		Hosts: []config.HostPort{
			{Host: dns.IPDomain{Domain: dns.Domain{ASCII: "relay1.example"}}, Port: 587},
			{Host: dns.IPDomain{Domain: dns.Domain{ASCII: "relay2.example"}}},
		},
		Resolver: resolver,
		Host:     &HostTransmitter{Dialer: dialer},
	}
	// The recipient domain is not looked up.
	res, err := s.Deliver(ctxbg, pkglog, directMail(t, "a@example.org", "b@example.org"))
	tcheck(t, err, "deliver")
	tcompare(t, res.Remote.IP.String(), "10.0.0.2")
	tcompare(t, dialer.dials, []string{"10.0.0.1", "10.0.0.2"})
	tcompare(t, len(res.Accepted), 2)
}

func TestUpstream(t *testing.T) {
	hp := func(ip string, weight int) config.UpstreamHost {
		return config.UpstreamHost{Host: ip, Weight: weight, Parsed: config.HostPort{Host: dns.IPDomain{IP: net.ParseIP(ip)}}}
	}
	primary := []config.UpstreamHost{hp("10.0.0.1", 1), hp("10.0.0.2", 1000)}
	backup := []config.UpstreamHost{hp("10.0.1.1", 1000)}

	dialer := &fakeDialer{hosts: map[string]*fakeHost{"10.0.1.1": {}}}
	u := &Upstream{Primary: primary, Backup: backup, Resolver: dns.MockResolver{}, Host: &HostTransmitter{Dialer: dialer}, Rand: relayq.NewSeededRand(1)}

	// Primaries fail, backup accepts.
	res, err := u.Deliver(ctxbg, pkglog, directMail(t, "a@example.org"))
	tcheck(t, err, "deliver")
	tcompare(t, res.Remote.IP.String(), "10.0.1.1")
	tcompare(t, len(dialer.dials), 3)
	tcompare(t, dialer.dials[2], "10.0.1.1")

	// Weighted order.
	heavy := 0
	for i := 0; i < 100; i++ {
		l := weightedOrder(u.Rand, primary)
		tcompare(t, len(l), 2)
		if l[0].Host == "10.0.0.2" {
			heavy++
		}
	}
	if heavy < 90 {
		t.Fatalf("heavy host first %d out of 100 times, expected more", heavy)
	}

	// Without randomness, configured order. Zero weights count as 1.
	l := weightedOrder(nil, []config.UpstreamHost{hp("10.0.0.1", 0), hp("10.0.0.2", 5)})
	tcompare(t, l[0].Host, "10.0.0.1")
	tcompare(t, len(weightedOrder(u.Rand, nil)), 0)
}

func TestFindRoute(t *testing.T) {
	relay := config.Route{ToDomain: []string{".example.org"}, ToDomainASCII: []string{".example.org"}, Transport: "relay"}
	fallback := config.Route{MinimumAttempts: 3, Transport: "fallback"}
	fromRoute := config.Route{FromDomain: []string{"origin.example"}, FromDomainASCII: []string{"origin.example"}, ToDomainASCII: []string{"[10.0.0.1]"}, Transport: "literal"}
	routes := []config.Route{relay, fromRoute, fallback}

	test := func(sender, rcpt string, attempts int, exp string) {
		t.Helper()
		m := &Mail{Sender: xpath(t, sender), Recipients: xpaths(t, rcpt)}
		tcompare(t, findRoute(routes, attempts, m).Transport, exp)
	}
	test("mjl@origin.example", "a@example.org", 0, "relay")
	test("mjl@origin.example", "a@sub.example.org", 0, "relay")
	test("mjl@origin.example", "a@otherexample.org", 0, "")
	test("mjl@origin.example", "a@otherexample.org", 3, "fallback")
	test("mjl@origin.example", "a@[10.0.0.1]", 0, "literal")
	test("mjl@other.example", "a@[10.0.0.1]", 0, "")
	test("<>", "a@[10.0.0.1]", 0, "")
}
