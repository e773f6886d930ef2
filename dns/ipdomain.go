package dns

import (
	"net"
)

// IPDomain is an ip address, a domain, or empty.
type IPDomain struct {
	IP     net.IP
	Domain Domain
}

// IsZero returns if both IP and Domain are zero.
func (d IPDomain) IsZero() bool {
	return d.IP == nil && d.Domain == Domain{}
}

// String returns a string representation of either the IP or domain (with
// UTF-8).
func (d IPDomain) String() string {
	if len(d.IP) > 0 {
		return d.IP.String()
	}
	return d.Domain.Name()
}

// LogString returns a string with both ASCII-only and optional UTF-8
// representation.
func (d IPDomain) LogString() string {
	if len(d.IP) > 0 {
		return d.IP.String()
	}
	return d.Domain.LogString()
}

// XString is like String, but only returns UTF-8 domains if utf8 is true.
func (d IPDomain) XString(utf8 bool) string {
	if d.IsIP() {
		return d.IP.String()
	}
	return d.Domain.XName(utf8)
}

// Literal returns the SMTP address literal form for an IP, e.g. "[1.2.3.4]" or
// "[IPv6:::1]", and the ASCII domain otherwise.
func (d IPDomain) Literal() string {
	if !d.IsIP() {
		return d.Domain.ASCII
	}
	if d.IP.To4() != nil {
		return "[" + d.IP.String() + "]"
	}
	return "[IPv6:" + d.IP.String() + "]"
}

func (d IPDomain) IsIP() bool {
	return len(d.IP) > 0
}

func (d IPDomain) IsDomain() bool {
	return !d.Domain.IsZero()
}

// Equal returns whether d and o are the same IP or domain.
func (d IPDomain) Equal(o IPDomain) bool {
	if d.IsIP() || o.IsIP() {
		return d.IP.Equal(o.IP)
	}
	return d.Domain == o.Domain
}
