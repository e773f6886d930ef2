package queue

import (
	"context"

	"github.com/mjl-/relayq/config"
	"github.com/mjl-/relayq/dns"
	"github.com/mjl-/relayq/mlog"
	"github.com/mjl-/relayq/relayq-"
)

// Smarthosts relays through a fixed list of hosts, in order, regardless of the
// recipient domain.
type Smarthosts struct {
	Hosts    []config.HostPort
	Resolver dns.Resolver
	Host     *HostTransmitter
	Network  string
}

func (s *Smarthosts) Deliver(ctx context.Context, log mlog.Log, m *Mail) (AttemptResult, error) {
	cands := make([]candidate, len(s.Hosts))
	for i, h := range s.Hosts {
		cands[i] = candidate{h.Host, h.Port}
	}
	return deliverCandidates(ctx, log, m, s.Resolver, s.Network, s.Host, cands)
}

// Upstream relays through a pool of hosts. Primary hosts are tried first in a
// random order weighted by their weight, then the backup hosts likewise.
type Upstream struct {
	Primary  []config.UpstreamHost
	Backup   []config.UpstreamHost
	Resolver dns.Resolver
	Host     *HostTransmitter
	Network  string
	Rand     *relayq.Rand
}

func (u *Upstream) Deliver(ctx context.Context, log mlog.Log, m *Mail) (AttemptResult, error) {
	var cands []candidate
	for _, tier := range [][]config.UpstreamHost{u.Primary, u.Backup} {
		for _, h := range weightedOrder(u.Rand, tier) {
			cands = append(cands, candidate{h.Parsed.Host, h.Parsed.Port})
		}
	}
	return deliverCandidates(ctx, log, m, u.Resolver, u.Network, u.Host, cands)
}

// weightedOrder returns hosts in random order, picking each next host with a
// probability proportional to its weight among the remaining hosts. Weights
// below 1 count as 1.
func weightedOrder(r *relayq.Rand, hosts []config.UpstreamHost) []config.UpstreamHost {
	remaining := append([]config.UpstreamHost{}, hosts...)
	var total int64
	for _, h := range remaining {
		total += int64(max(h.Weight, 1))
	}

	l := make([]config.UpstreamHost, 0, len(hosts))
	for len(remaining) > 0 {
		i := 0
		if r != nil && len(remaining) > 1 {
			v := r.Int63n(total)
			for ; i < len(remaining)-1; i++ {
				v -= int64(max(remaining[i].Weight, 1))
				if v < 0 {
					break
				}
			}
		}
		h := remaining[i]
		l = append(l, h)
		total -= int64(max(h.Weight, 1))
		remaining = append(remaining[:i], remaining[i+1:]...)
	}
	return l
}
