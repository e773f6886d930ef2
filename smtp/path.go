package smtp

import (
	"fmt"
	"net"
	"strings"

	"github.com/mjl-/relayq/dns"
)

// Path is an SMTP forward/reverse path, as used in MAIL FROM and RCPT TO
// commands. The zero Path is the null reverse-path "<>" used by delivery
// status notifications.
type Path struct {
	Localpart Localpart
	IPDomain  dns.IPDomain
}

func (p Path) IsZero() bool {
	return p.Localpart == "" && p.IPDomain.IsZero()
}

// String returns the path as used in SMTP commands, with an ASCII-only domain
// and IP addresses as address literal. The null path is an empty string.
func (p Path) String() string {
	if p.IsZero() {
		return ""
	}
	return p.Localpart.String() + "@" + p.IPDomain.Literal()
}

// XString is like String, but returns unicode UTF-8 domain names if utf8 is
// true.
func (p Path) XString(utf8 bool) string {
	if p.IsZero() {
		return ""
	}
	if p.IPDomain.IsIP() {
		return p.Localpart.String() + "@" + p.IPDomain.Literal()
	}
	return p.Localpart.String() + "@" + p.IPDomain.XString(utf8)
}

// DSNString returns a string representation as used with DSN with/without
// UTF-8 support.
//
// If utf8 is false, the domain is represented as US-ASCII (IDNA), and the
// localpart is encoded in 7bit according to RFC 6533.
func (p Path) DSNString(utf8 bool) string {
	if utf8 {
		return p.XString(utf8)
	}
	return p.Localpart.DSNString(utf8) + "@" + p.IPDomain.XString(utf8)
}

func (p Path) Equal(o Path) bool {
	if p.Localpart != o.Localpart {
		return false
	}
	d0 := p.IPDomain
	d1 := o.IPDomain
	if len(d0.IP) > 0 || len(d1.IP) > 0 {
		return d0.IP.Equal(d1.IP)
	}
	return strings.EqualFold(d0.Domain.ASCII, d1.Domain.ASCII)
}

// ParsePath parses a path as stored in queue envelopes and given on the command
// line: "localpart@domain", "localpart@[ip]", optionally enclosed in angle
// brackets. An empty string or "<>" is the null path.
func ParsePath(s string) (Path, error) {
	if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
		s = s[1 : len(s)-1]
	}
	if s == "" {
		return Path{}, nil
	}
	lp, rem, err := parseLocalPart(s)
	if err != nil {
		return Path{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	if !strings.HasPrefix(rem, "@") {
		return Path{}, fmt.Errorf("%w: expected @", ErrBadAddress)
	}
	rem = rem[1:]
	if strings.HasPrefix(rem, "[") && strings.HasSuffix(rem, "]") {
		lit := rem[1 : len(rem)-1]
		v6 := strings.HasPrefix(lit, "IPv6:")
		lit = strings.TrimPrefix(lit, "IPv6:")
		ip := net.ParseIP(lit)
		if ip == nil || v6 == (ip.To4() != nil) {
			return Path{}, fmt.Errorf("%w: bad address literal %q", ErrBadAddress, rem)
		}
		return Path{lp, dns.IPDomain{IP: ip}}, nil
	}
	d, err := dns.ParseDomain(rem)
	if err != nil {
		return Path{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	return Path{lp, dns.IPDomain{Domain: d}}, nil
}
