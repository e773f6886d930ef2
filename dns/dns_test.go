package dns

import (
	"context"
	"errors"
	"net"
	"testing"
)

func TestParseDomain(t *testing.T) {
	test := func(s string, exp Domain, expErr error) {
		t.Helper()
		dom, err := ParseDomain(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse domain %q: err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	// We rely on normalization of names throughout the code base.
	test("xmox.nl", Domain{"xmox.nl", ""}, nil)
	test("XMOX.NL", Domain{"xmox.nl", ""}, nil)
	test("TEST☺.XMOX.NL", Domain{"xn--test-3o3b.xmox.nl", "test☺.xmox.nl"}, nil)
	test("xmox.nl.", Domain{}, errTrailingDot)
}

func TestIPDomain(t *testing.T) {
	d := IPDomain{IP: net.ParseIP("10.0.0.1")}
	if s := d.Literal(); s != "[10.0.0.1]" {
		t.Fatalf("literal %q", s)
	}
	d = IPDomain{IP: net.ParseIP("2001:db8::1")}
	if s := d.Literal(); s != "[IPv6:2001:db8::1]" {
		t.Fatalf("literal %q", s)
	}
	d = IPDomain{Domain: Domain{ASCII: "example.org"}}
	if s := d.Literal(); s != "example.org" {
		t.Fatalf("literal %q", s)
	}
	if !d.Equal(IPDomain{Domain: Domain{ASCII: "example.org"}}) || d.Equal(IPDomain{IP: net.ParseIP("10.0.0.1")}) {
		t.Fatalf("bad equal")
	}
}

func TestMockResolver(t *testing.T) {
	ctx := context.Background()
	r := MockResolver{
		A:     map[string][]string{"mx.example.org.": {"10.0.0.1"}},
		AAAA:  map[string][]string{"mx.example.org.": {"2001:db8::1"}},
		MX:    map[string][]*net.MX{"example.org.": {{Host: "mx.example.org.", Pref: 10}}},
		CNAME: map[string]string{"alias.example.org.": "mx.example.org."},
		Fail:  []string{"mx temp.example."},
	}

	mxl, _, err := r.LookupMX(ctx, "example.org.")
	if err != nil || len(mxl) != 1 || mxl[0].Host != "mx.example.org." {
		t.Fatalf("lookup mx: %v %v", mxl, err)
	}

	ips, _, err := r.LookupIP(ctx, "ip", "alias.example.org.")
	if err != nil || len(ips) != 2 {
		t.Fatalf("lookup ip through cname: %v %v", ips, err)
	}
	ips, _, err = r.LookupIP(ctx, "ip4", "mx.example.org.")
	if err != nil || len(ips) != 1 || !ips[0].Equal(net.ParseIP("10.0.0.1")) {
		t.Fatalf("lookup ip4: %v %v", ips, err)
	}

	_, _, err = r.LookupMX(ctx, "other.example.")
	if !IsNotFound(err) || IsTemporary(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	_, _, err = r.LookupMX(ctx, "temp.example.")
	if !IsTemporary(err) || IsNotFound(err) {
		t.Fatalf("expected temporary error, got %v", err)
	}
}

func TestStrictResolverRelative(t *testing.T) {
	r := StrictResolver{Pkg: "test"}
	_, _, err := r.LookupMX(context.Background(), "example.org")
	if !errors.Is(err, ErrRelativeDNSName) {
		t.Fatalf("got %v, expected ErrRelativeDNSName", err)
	}
}
