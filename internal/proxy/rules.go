package proxy

import (
	"net"
	"net/netip"
	"net/url"
	"strings"

	"golang.org/x/net/http/httpproxy"
)

// RuleSet is an ordered list of proxies. It is never modified after
// [NewRuleSet] returns, reconfiguring means building a new one.
type RuleSet struct {
	proxies []*Proxy
}

func NewRuleSet(proxies ...*Proxy) *RuleSet {
	rs := &RuleSet{proxies: make([]*Proxy, 0, len(proxies))}
	for _, p := range proxies {
		if p != nil {
			rs.proxies = append(rs.proxies, p)
		}
	}
	return rs
}

// Intercept returns the scheme of the first proxy accepting dst.
// false means dst should be connected to directly.
func (rs *RuleSet) Intercept(dst *url.URL) (*Scheme, bool) {
	if rs == nil {
		return nil, false
	}
	for _, p := range rs.proxies {
		if s, ok := p.Intercept(dst); ok {
			return s, true
		}
	}
	return nil, false
}

func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.proxies)
}

// FromEnvironment follows HTTP_PROXY, HTTPS_PROXY and NO_PROXY (and their
// lowercase versions). The environment is read once, when called.
func FromEnvironment() *Proxy {
	fn := httpproxy.FromEnvironment().ProxyFunc()
	return Custom(fn)
}

// NoProxy is a list of hosts that must never be proxied.
type NoProxy struct {
	all     bool
	ips     []netip.Prefix
	domains []string
}

// ParseNoProxy parses a comma separated list of exclusions:
//
//	"*"             every host
//	192.168.1.1     a single address
//	10.0.0.0/8      a network
//	example.com     example.com and its subdomains
//	.example.com    same as above
func ParseNoProxy(list string) *NoProxy {
	np := &NoProxy{}
	for _, entry := range strings.Split(list, ",") {
		entry = strings.TrimSpace(entry)
		switch {
		case entry == "":
			continue
		case entry == "*":
			np.all = true
		case strings.Contains(entry, "/"):
			if p, err := netip.ParsePrefix(entry); err == nil {
				np.ips = append(np.ips, p.Masked())
			}
		default:
			if a, err := netip.ParseAddr(strings.Trim(entry, "[]")); err == nil {
				np.ips = append(np.ips, netip.PrefixFrom(a, a.BitLen()))
				continue
			}
			if h, _, err := net.SplitHostPort(entry); err == nil {
				entry = h
			}
			np.domains = append(np.domains, strings.ToLower(strings.TrimPrefix(entry, ".")))
		}
	}
	return np
}

func (np *NoProxy) Contains(host string) bool {
	if np == nil {
		return false
	}
	if np.all {
		return true
	}
	if a, err := netip.ParseAddr(host); err == nil {
		for _, p := range np.ips {
			if p.Contains(a.Unmap()) {
				return true
			}
		}
		return false
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	for _, d := range np.domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
