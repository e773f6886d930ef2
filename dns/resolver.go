package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/adns"

	"github.com/mjl-/relayq/mlog"
)

func init() {
	net.DefaultResolver.StrictErrors = true
}

var metricLookup = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "relayq_dns_lookup_duration_seconds",
		Help:    "DNS lookups.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20},
	},
	[]string{
		"pkg",
		"type",   // ip, mx
		"result", // ok, nxdomain, temporary, timeout, canceled, error
	},
)

// Resolver is the lookups needed for delivery: MX records of a recipient
// domain and the IPs of the hosts.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
}

// StrictResolver is a Resolver that requires names to end with a dot,
// preventing lookups relative to a "search" domain. Lookups are logged and
// tracked in metrics.
type StrictResolver struct {
	Pkg      string         // Name of subsystem that is making DNS requests, for metrics.
	Resolver *adns.Resolver // Where the actual lookups are done. If nil, adns.DefaultResolver is used for lookups.
	Log      *slog.Logger
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

func (r StrictResolver) pkg() string {
	if r.Pkg == "" {
		return "dns"
	}
	return r.Pkg
}

func (r StrictResolver) resolver() *adns.Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func lookupResult(err error) string {
	var dnsErr *adns.DNSError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		return "nxdomain"
	case errors.As(err, &dnsErr) && dnsErr.IsTemporary:
		return "temporary"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &dnsErr) && dnsErr.IsTimeout:
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return "error"
}

// errorHint adds a hint to errors from a local nameserver that isn't running.
func errorHint(err error) error {
	dnserr, ok := err.(*adns.DNSError)
	if ok && dnserr.IsTemporary && runtime.GOOS == "linux" && (dnserr.Server == "127.0.0.1:53" || dnserr.Server == "[::1]:53") && strings.HasSuffix(dnserr.Err, "connection refused") {
		return fmt.Errorf("%w (hint: does /etc/resolv.conf point to a running nameserver? in case of systemd-resolved, see systemd-resolved.service(8); better yet, install a dnssec-verifying recursive resolver like unbound)", err)
	}
	return err
}

// lookup checks name is absolute, calls fn, and logs and tracks the result.
func lookup[T any](ctx context.Context, r StrictResolver, typ, name string, fn func() (T, adns.Result, error), attrs ...slog.Attr) (resp T, result adns.Result, err error) {
	start := time.Now()
	if !strings.HasSuffix(name, ".") {
		err = ErrRelativeDNSName
	} else {
		resp, result, err = fn()
		if err != nil {
			err = errorHint(err)
		}
	}

	pkg := r.pkg()
	metricLookup.WithLabelValues(pkg, typ, lookupResult(err)).Observe(float64(time.Since(start)) / float64(time.Second))
	attrs = append(attrs,
		slog.String("type", typ),
		slog.String("name", name),
		slog.Any("resp", resp),
		slog.Bool("authentic", result.Authentic),
		slog.Duration("duration", time.Since(start)),
	)
	mlog.New(pkg, r.Log).WithContext(ctx).Debugx("dns lookup result", err, attrs...)
	return
}

func (r StrictResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	return lookup(ctx, r, "ip", host, func() ([]net.IP, adns.Result, error) {
		return r.resolver().LookupIP(ctx, network, host)
	}, slog.String("network", network))
}

func (r StrictResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error) {
	return lookup(ctx, r, "mx", name, func() ([]*net.MX, adns.Result, error) {
		return r.resolver().LookupMX(ctx, name)
	})
}
