package queue

import (
	"strings"

	"github.com/mjl-/relayq/config"
	"github.com/mjl-/relayq/dns"
)

// findRoute returns the first route matching m for the given number of
// previous attempts. If none matches, the zero route is returned, for direct
// delivery.
func findRoute(routes []config.Route, attempts int, m *Mail) config.Route {
	for _, r := range routes {
		if routeMatch(attempts, m, r) {
			return r
		}
	}
	return config.Route{}
}

func routeMatch(attempts int, m *Mail, r config.Route) bool {
	return attempts >= r.MinimumAttempts && routeMatchDomain(r.FromDomainASCII, m.Sender.IPDomain) && routeMatchDomain(r.ToDomainASCII, m.Domain())
}

// routeMatchDomain matches d against domains in l. A domain starting with a
// dot also matches its subdomains. An empty list matches everything. IP
// addresses only match an empty list, or their literal form.
func routeMatchDomain(l []string, d dns.IPDomain) bool {
	if len(l) == 0 {
		return true
	}
	s := d.Domain.ASCII
	if d.IsIP() {
		s = d.Literal()
	}
	for _, e := range l {
		if s == e || strings.HasPrefix(e, ".") && !d.IsIP() && (s == e[1:] || strings.HasSuffix(s, e)) {
			return true
		}
	}
	return false
}
