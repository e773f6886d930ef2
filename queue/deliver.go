package queue

import (
	"context"
	"errors"
	"log/slog"
	"net"

	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/smtp"
)

// Deliverer makes one delivery attempt for a mail, trying hosts until one
// accepts the mail.
//
// On success, including when some recipients were rejected, the result is
// returned with a nil error. Otherwise the error is a *SendError,
// *PostponeError, *ResolveError or *LocalError.
type Deliverer interface {
	Deliver(ctx context.Context, log mlog.Log, m *Mail) (AttemptResult, error)
}

// candidate is a host to attempt delivery to.
type candidate struct {
	host dns.IPDomain
	port int // Zero for the default port.
}

// deliverCandidates tries the hosts in order. Host names are resolved to IPs
// just before trying them, each IP is tried. Resolve failures, postpones and
// transient failures continue with the next host, the first success or a
// permanent failure ends the attempt. When nothing succeeded, a transient
// failure is returned over a postpone, and a postpone over a resolve failure.
// A resolve failure is only permanent when all resolve failures were.
func deliverCandidates(ctx context.Context, log mlog.Log, m *Mail, resolver dns.Resolver, network string, ht *HostTransmitter, cands []candidate) (AttemptResult, error) {
	var lastSend *SendError
	var lastPostpone *PostponeError
	var lastResolve *ResolveError

	for _, c := range cands {
		if ctx.Err() != nil {
			break
		}

		var ips []net.IP
		if c.host.IsIP() {
			ips = []net.IP{c.host.IP}
		} else {
			var err error
			ips, err = lookupIPs(ctx, resolver, network, c.host.Domain)
			if err != nil {
				log.Infox("resolving host for delivery, skipping", err, slog.Any("host", c.host))
				var rerr *ResolveError
				if errors.As(err, &rerr) && (lastResolve == nil || lastResolve.Permanent) {
					lastResolve = rerr
				}
				continue
			}
		}

		for _, ip := range ips {
			remote := RemoteMTA{Host: c.host, IP: ip}
			log.Debug("attempting delivery to host", slog.Any("remote", remote))
			result, err := ht.Transmit(ctx, log, m, remote, c.port)
			if err == nil {
				return result, nil
			}

			var serr *SendError
			var perr *PostponeError
			switch {
			case errors.As(err, &perr):
				lastPostpone = perr
			case errors.As(err, &serr) && serr.Permanent:
				log.Infox("permanent delivery failure", err, slog.Any("remote", remote))
				return result, err
			case errors.As(err, &serr):
				log.Infox("transient delivery failure, trying next host", err, slog.Any("remote", remote))
				lastSend = serr
			default:
				return result, err
			}
		}
	}

	switch {
	case lastSend != nil:
		return AttemptResult{}, lastSend
	case lastPostpone != nil:
		return AttemptResult{}, lastPostpone
	case lastResolve != nil:
		return AttemptResult{}, lastResolve
	case ctx.Err() != nil:
		return AttemptResult{}, sendError(ctx.Err(), RemoteMTA{})
	}
	return AttemptResult{}, &ResolveError{
		Permanent: true,
		Host:      m.Domain().String(),
		Status:    smtp.Statusf(smtp.C554TransactionFailed, smtp.SeNet4Routing4, "no hosts to deliver to"),
		Err:       errors.New("no hosts to deliver to"),
	}
}

// lookupIPs resolves a host name to IPs of network: "ip", "ip4" or "ip6".
func lookupIPs(ctx context.Context, resolver dns.Resolver, network string, host dns.Domain) ([]net.IP, error) {
	if network == "" {
		network = "ip"
	}
	ips, _, err := resolver.LookupIP(ctx, network, host.Absolute())
	if err != nil {
		return nil, resolveError(host.ASCII, err)
	}
	if len(ips) == 0 {
		return nil, &ResolveError{
			Host:   host.ASCII,
			Status: smtp.Statusf(smtp.C451LocalErr, smtp.SeNet4Routing4, "no ip addresses for %s", host),
			Err:    errors.New("no ip addresses"),
		}
	}
	return ips, nil
}

// resolveError classifies a DNS error. Names that do not exist are permanent
// failures, others are retried.
func resolveError(host string, err error) *ResolveError {
	if dns.IsNotFound(err) {
		return &ResolveError{
			Permanent: true,
			Host:      host,
			Status:    smtp.Statusf(smtp.C550MailboxUnavail, smtp.SeNet4Routing4, "host %s not found", host),
			Err:       err,
		}
	}
	return &ResolveError{
		Host:   host,
		Status: smtp.Statusf(smtp.C451LocalErr, smtp.SeNet4Name3, "resolving %s: %v", host, err),
		Err:    err,
	}
}
