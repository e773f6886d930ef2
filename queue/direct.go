package queue

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/relayq-"
	"github.com/mjl-/relayq/smtp"
)

// Direct delivers to the MX hosts of the recipient domain.
type Direct struct {
	Resolver dns.Resolver
	Host     *HostTransmitter
	Network  string // "ip", "ip4" or "ip6". Default "ip".
	Rand     *relayq.Rand
}

func (d *Direct) Deliver(ctx context.Context, log mlog.Log, m *Mail) (AttemptResult, error) {
	dom := m.Domain()
	if dom.IsIP() {
		return deliverCandidates(ctx, log, m, d.Resolver, d.Network, d.Host, []candidate{{host: dom}})
	}
	hosts, err := d.gatherHosts(ctx, log, dom.Domain)
	if err != nil {
		return AttemptResult{}, err
	}
	cands := make([]candidate, len(hosts))
	for i, h := range hosts {
		cands[i] = candidate{host: dns.IPDomain{Domain: h}}
	}
	return deliverCandidates(ctx, log, m, d.Resolver, d.Network, d.Host, cands)
}

// gatherHosts returns the MX hosts for domain, ordered by preference with
// hosts of equal preference in random order. Without MX records, the domain
// itself is the host.
func (d *Direct) gatherHosts(ctx context.Context, log mlog.Log, domain dns.Domain) ([]dns.Domain, error) {
	mxl, _, err := d.Resolver.LookupMX(ctx, domain.Absolute())
	if err != nil && dns.IsNotFound(err) {
		// Implicit MX. If the domain does not exist, resolving its IPs fails
		// permanently.
		log.Debug("no mx records, delivering to domain itself", slog.Any("domain", domain))
		return []dns.Domain{domain}, nil
	} else if err != nil {
		return nil, resolveError(domain.ASCII, err)
	}
	if len(mxl) == 1 && mxl[0].Host == "." {
		return nil, &ResolveError{
			Permanent: true,
			Host:      domain.ASCII,
			Status:    smtp.Statusf(smtp.C556DomainNoMail, smtp.SeAddr1NullMX, "domain %s does not accept email (null mx)", domain),
			Err:       errors.New("domain does not accept email as indicated with single dot for mx record"),
		}
	}

	mxl = append([]*net.MX{}, mxl...)
	if d.Rand != nil {
		d.Rand.Shuffle(len(mxl), func(i, j int) {
			mxl[i], mxl[j] = mxl[j], mxl[i]
		})
	}
	sort.SliceStable(mxl, func(i, j int) bool {
		return mxl[i].Pref < mxl[j].Pref
	})

	var hosts []dns.Domain
	for _, mx := range mxl {
		h, err := dns.ParseDomain(strings.TrimSuffix(mx.Host, "."))
		if err != nil {
			log.Infox("ignoring mx record with invalid host", err, slog.Any("domain", domain), slog.String("host", mx.Host))
			continue
		}
		hosts = append(hosts, h)
	}
	if len(hosts) == 0 {
		return nil, &ResolveError{
			Host:   domain.ASCII,
			Status: smtp.Statusf(smtp.C451LocalErr, smtp.SeNet4Routing4, "no valid mx hosts for %s", domain),
			Err:    errors.New("no valid mx hosts"),
		}
	}
	return hosts, nil
}
