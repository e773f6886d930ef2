package smtp

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/relayq/dns"
)

var ErrBadAddress = errors.New("invalid email address")

// Localpart is a decoded local part of an email address, before the "@".
// For quoted strings, values do not hold the double quote or escaping backslashes.
// An empty string can be a valid localpart.
type Localpart string

// String returns the localpart for use in SMTP: as dot-string if possible, and
// as quoted-string otherwise.
func (lp Localpart) String() string {
	if isDotString(string(lp)) {
		return string(lp)
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

func isDotString(s string) bool {
	for _, atom := range strings.Split(s, ".") {
		if atom == "" || strings.IndexFunc(atom, func(c rune) bool { return !isAtext(c) }) >= 0 {
			return false
		}
	}
	return true
}

// isAtext returns whether c can be used in an atom. Non-ASCII is allowed for
// SMTPUTF8.
func isAtext(c rune) bool {
	if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f {
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c)
}

// DSNString returns the localpart as string for use in a DSN.
// utf8 indicates if the remote MTA supports utf8 messaging. If not, the 7bit DSN
// encoding for "utf-8-addr-xtext" from RFC 6533 is used.
func (lp Localpart) DSNString(utf8 bool) string {
	if utf8 {
		return lp.String()
	}
	var b strings.Builder
	for _, c := range lp {
		if c > 0x20 && c < 0x7f && c != '\\' && c != '+' && c != '=' {
			b.WriteRune(c)
		} else {
			fmt.Fprintf(&b, `\x{%x}`, c)
		}
	}
	return b.String()
}

// IsInternational returns if this is an internationalized local part, i.e. has
// non-ASCII characters.
func (lp Localpart) IsInternational() bool {
	for _, c := range lp {
		if c > 0x7f {
			return true
		}
	}
	return false
}

// Address is a parsed email address with a domain name.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain
}

// Path returns the address as SMTP path.
func (a Address) Path() Path {
	return Path{Localpart: a.Localpart, IPDomain: dns.IPDomain{Domain: a.Domain}}
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the address in string form with non-ASCII characters.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.Name()
}

// ParseAddress parses an email address. UTF-8 is allowed.
// Returns ErrBadAddress for invalid addresses.
func ParseAddress(s string) (address Address, err error) {
	lp, rem, err := parseLocalPart(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	if !strings.HasPrefix(rem, "@") {
		return Address{}, fmt.Errorf("%w: expected @", ErrBadAddress)
	}
	rem = rem[1:]
	d, err := dns.ParseDomain(rem)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %s", ErrBadAddress, err)
	}
	return Address{lp, d}, err
}

var ErrBadLocalpart = errors.New("invalid localpart")

// ParseLocalpart parses the local part.
// UTF-8 is allowed.
// Returns ErrBadAddress for invalid addresses.
func ParseLocalpart(s string) (localpart Localpart, err error) {
	lp, rem, err := parseLocalPart(s)
	if err != nil {
		return "", err
	}
	if rem != "" {
		return "", fmt.Errorf("%w: remaining after localpart: %q", ErrBadLocalpart, rem)
	}
	return lp, nil
}

// Localparts are limited to 64 octets by RFC 5321, but generated bounce
// addresses are often longer.
const maxLocalpart = 128

// parseLocalPart parses a dot-string or quoted-string at the start of s. The
// remainder of s is returned.
func parseLocalPart(s string) (Localpart, string, error) {
	var lp, rem string
	var err error
	if strings.HasPrefix(s, `"`) {
		lp, rem, err = parseQuotedString(s[1:])
	} else {
		lp, rem, err = parseDotString(s)
	}
	if err == nil && !utf8.ValidString(lp) {
		err = errors.New("invalid utf-8")
	} else if err == nil && len(lp) > maxLocalpart {
		err = fmt.Errorf("localpart longer than %d octets", maxLocalpart)
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: %s", ErrBadLocalpart, err)
	}
	return Localpart(norm.NFC.String(lp)), rem, nil
}

// parseDotString parses atoms separated by dots.
func parseDotString(s string) (string, string, error) {
	var n int
	for {
		i := strings.IndexFunc(s[n:], func(c rune) bool { return !isAtext(c) })
		if i < 0 {
			i = len(s) - n
		}
		if i == 0 {
			if n < len(s) {
				return "", "", fmt.Errorf("expected atom, got %q", s[n:])
			}
			return "", "", errors.New("expected atom")
		}
		n += i
		if !strings.HasPrefix(s[n:], ".") {
			return s[:n], s[n:], nil
		}
		n++
	}
}

// parseQuotedString parses the rest of a quoted-string after the opening double
// quote, returning the unescaped value.
func parseQuotedString(s string) (string, string, error) {
	var b strings.Builder
	var esc bool
	for i, c := range s {
		switch {
		case esc:
			if c < ' ' || c >= 0x7f {
				return "", "", fmt.Errorf("bad escaped character %q", c)
			}
			b.WriteRune(c)
			esc = false
		case c == '\\':
			esc = true
		case c == '"':
			return b.String(), s[i+1:], nil
		case c >= ' ' && c < 0x7f || c > 0x7f:
			b.WriteRune(c)
		default:
			return "", "", fmt.Errorf("invalid character %q in quoted string", c)
		}
	}
	return "", "", errors.New("missing closing double quote")
}
