package dns

import (
	"context"
	"net"
	"slices"

	"github.com/mjl-/adns"
)

// MockResolver is a Resolver for tests. Records are keyed by absolute name,
// with trailing dot. A name without records gives a "not found" error.
type MockResolver struct {
	A            map[string][]string
	AAAA         map[string][]string
	MX           map[string][]*net.MX
	CNAME        map[string]string
	Fail         []string // Lookups that give a servfail, "type name", e.g. "mx example.org." or "ip mx.example.org.".
	AllAuthentic bool     // Authentic value for responses.
}

var _ Resolver = MockResolver{}

// resolve follows CNAMEs for name, returning the final name, or an error for a
// lookup configured to fail.
func (r MockResolver) resolve(ctx context.Context, typ, name string) (string, adns.Result, error) {
	if err := ctx.Err(); err != nil {
		return "", adns.Result{}, err
	}
	for seen := 0; ; seen++ {
		if slices.Contains(r.Fail, typ+" "+name) {
			return "", adns.Result{}, &adns.DNSError{Err: "temp error", Name: name, Server: "mock", IsTemporary: true}
		}
		target, ok := r.CNAME[name]
		if !ok || seen > 10 {
			return name, adns.Result{Authentic: r.AllAuthentic}, nil
		}
		name = target
	}
}

func notFound(name string) error {
	return &adns.DNSError{Err: "no record", Name: name, Server: "mock", IsNotFound: true}
}

func (r MockResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	name, result, err := r.resolve(ctx, "ip", host)
	if err != nil {
		return nil, result, err
	}
	var l []string
	if network == "ip" || network == "ip4" {
		l = append(l, r.A[name]...)
	}
	if network == "ip" || network == "ip6" {
		l = append(l, r.AAAA[name]...)
	}
	if len(l) == 0 {
		return nil, result, notFound(host)
	}
	ips := make([]net.IP, len(l))
	for i, s := range l {
		ips[i] = net.ParseIP(s)
	}
	return ips, result, nil
}

func (r MockResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	target, result, err := r.resolve(ctx, "mx", name)
	if err != nil {
		return nil, result, err
	}
	l, ok := r.MX[target]
	if !ok {
		return nil, result, notFound(name)
	}
	return l, result, nil
}
