package smtp

import (
	"errors"
	"strings"
	"testing"

	"github.com/mjl-/relayq/dns"
)

func TestParseLocalpart(t *testing.T) {
	good := func(s string) {
		t.Helper()
		_, err := ParseLocalpart(s)
		if err != nil {
			t.Fatalf("unexpected error for localpart %q: %v", s, err)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, err := ParseLocalpart(s)
		if err == nil {
			t.Fatalf("did not see expected error for localpart %q", s)
		}
		if !errors.Is(err, ErrBadLocalpart) {
			t.Fatalf("expected ErrBadLocalpart, got %v", err)
		}
	}

	good("user")
	good("a")
	good("a.b.c")
	good(`""`)
	good(`"ok"`)
	good(`"a.bc"`)
	bad("")
	bad(`"`)          // missing ending dquot
	bad("\x00")       // control not allowed
	bad("\"\\")       // ending with backslash
	bad("\"\x01")     // control not allowed in dquote
	bad(`""leftover`) // leftover data after close dquote
	bad("a..b")
	bad("\xff")
	good(strings.Repeat("a", 128))
	bad(strings.Repeat("a", 129))

	// Normalized to NFC.
	lp, err := ParseLocalpart("mo\u0308x")
	tcheck(t, err, "parse localpart")
	if lp != "m\u00f6x" {
		t.Fatalf("localpart not normalized, got %q", lp)
	}
}

func TestParseAddress(t *testing.T) {
	good := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("unexpected error for localpart %q: %v", s, err)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err == nil {
			t.Fatalf("did not see expected error for localpart %q", s)
		}
		if !errors.Is(err, ErrBadAddress) {
			t.Fatalf("expected ErrBadAddress, got %v", err)
		}
	}

	good("user@example.com")
	bad("user@@example.com")
	bad("user")                   // missing @domain
	bad("@example.com")           // missing localpart
	bad(`"@example.com`)          // missing ending dquot or domain
	bad("\x00@example.com")       // control not allowed
	bad("\"\\@example.com")       // missing @domain
	bad("\"\x01@example.com")     // control not allowed in dquote
	bad(`""leftover@example.com`) // leftover data after close dquot
}

func TestPackLocalpart(t *testing.T) {
	var l = []struct {
		input, expect string
	}{
		{``, `""`},     // No atom.
		{`a.`, `"a."`}, // Empty atom not allowed.
		{`a.b`, `a.b`}, // Fine.
		{"azAZ09!#$%&'*+-/=?^_`{|}~", "azAZ09!#$%&'*+-/=?^_`{|}~"}, // All ascii that are fine as atom.
		{` `, `" "`},
		{"\x01", "\"\x01\""}, // todo: should probably return an error for control characters.
		{"<>", `"<>"`},
	}

	for _, e := range l {
		r := Localpart(e.input).String()
		if r != e.expect {
			t.Fatalf("PackLocalpart for %q, expect %q, got %q", e.input, e.expect, r)
		}
	}
}

func TestParsePath(t *testing.T) {
	good := func(s, exp string) {
		t.Helper()
		p, err := ParsePath(s)
		if err != nil {
			t.Fatalf("parse path %q: %v", s, err)
		}
		if p.String() != exp {
			t.Fatalf("parse path %q: got %q, expected %q", s, p.String(), exp)
		}
	}
	bad := func(s string) {
		t.Helper()
		_, err := ParsePath(s)
		if !errors.Is(err, ErrBadAddress) {
			t.Fatalf("parse path %q: got %v, expected ErrBadAddress", s, err)
		}
	}

	good("", "")
	good("<>", "")
	good("<user@example.com>", "user@example.com")
	good("User@Example.COM", "User@example.com")
	good("user@[192.0.2.1]", "user@[192.0.2.1]")
	good("user@[IPv6:2001:db8::1]", "user@[IPv6:2001:db8::1]")
	good(`"a b"@example.com`, `"a b"@example.com`)
	bad("user")
	bad("user@[IPv6:192.0.2.1]")
	bad("user@[2001:db8::1]")
	bad("user@[bogus]")

	p, err := ParsePath("user@xn--74h.example")
	tcheck(t, err, "parse idna path")
	if p.XString(true) != "user@☺.example" {
		t.Fatalf("utf-8 path %q", p.XString(true))
	}
	if !p.Equal(Path{"user", p.IPDomain}) {
		t.Fatalf("path not equal to itself")
	}
}

func TestDSNString(t *testing.T) {
	p := Path{Localpart: "møx", IPDomain: dns.IPDomain{Domain: dns.Domain{ASCII: "example.org"}}}
	if s := p.DSNString(false); s != `m\x{f8}x@example.org` {
		t.Fatalf("dsn string %q", s)
	}
	if s := p.DSNString(true); s != "møx@example.org" {
		t.Fatalf("dsn utf-8 string %q", s)
	}
}

func TestStatus(t *testing.T) {
	st := Statusf(C550MailboxUnavail, SeAddr1UnknownDestMailbox1, "no such user %s", "bob")
	if !st.Permanent() {
		t.Fatalf("550 not permanent")
	}
	if s := st.String(); s != "550 5.1.1 no such user bob" {
		t.Fatalf("status string %q", s)
	}
	if s := (Status{Code: 421, Text: "try again later"}).String(); s != "421 4.0.0 try again later" {
		t.Fatalf("status string without enhanced code %q", s)
	}
	if s := (Status{Code: 250, Secode: "0.0"}).Enhanced(); s != "2.0.0" {
		t.Fatalf("enhanced code %q", s)
	}
	if (Status{}).Permanent() {
		t.Fatalf("zero status is permanent")
	}
}

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}
