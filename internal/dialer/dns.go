package dialer

import (
	"context"
	"net"
	"net/http/httptrace"
	"net/netip"
	"sync"

	"github.com/frankli0324/go-imphttp/internal/dnscache"
)

// ResolveConfig is read on every lookup, changing it takes effect with the
// next Dial. lookups with the same CustomDNSServer and Network share a cache.
type ResolveConfig struct {
	CustomDNSServer string                  // host:port of a DNS server used instead of the system one
	Network         string                  // one of "ip4", "ip6", default is "ip"
	StaticHosts     map[string][]netip.Addr // resembles /etc/hosts, bypasses the resolver entirely
}

func (c *ResolveConfig) Clone() *ResolveConfig {
	if c == nil {
		return nil
	}
	hosts := make(map[string][]netip.Addr, len(c.StaticHosts))
	for k, v := range c.StaticHosts {
		hosts[k] = append([]netip.Addr(nil), v...)
	}
	return &ResolveConfig{
		CustomDNSServer: c.CustomDNSServer,
		Network:         c.Network,
		StaticHosts:     hosts,
	}
}

// Merge returns a copy of c with what c leaves empty taken from base.
// static hosts of both are kept, c's win for the same name.
func (c *ResolveConfig) Merge(base *ResolveConfig) *ResolveConfig {
	if c == nil {
		return base.Clone()
	}
	m := c.Clone()
	if base == nil {
		return m
	}
	if m.CustomDNSServer == "" {
		m.CustomDNSServer = base.CustomDNSServer
	}
	if m.Network == "" {
		m.Network = base.Network
	}
	for k, v := range base.StaticHosts {
		if _, ok := m.StaticHosts[k]; !ok {
			m.StaticHosts[k] = append([]netip.Addr(nil), v...)
		}
	}
	return m
}

type resolverKey struct {
	server, network string
}

func (c *ResolveConfig) key() resolverKey {
	if c == nil {
		return resolverKey{}
	}
	return resolverKey{c.CustomDNSServer, c.Network}
}

func (c *ResolveConfig) static(host string) ([]netip.Addr, bool) {
	if c == nil {
		return nil, false
	}
	addrs, ok := c.StaticHosts[host]
	if !ok || len(addrs) == 0 {
		return nil, false
	}
	return append([]netip.Addr(nil), addrs...), true
}

// this type should not be used outside this file.
// prevents non-custom DNS server contexts to iterate through all keys
type dnsServerCtx struct {
	context.Context
	server string
}

var dnsServerCtxKey = &dnsServerCtx{nil, "dns-server"} // non-nil pointer to any object, definitely unique

func (c dnsServerCtx) Value(key interface{}) interface{} {
	if key == dnsServerCtxKey {
		return c.server
	}
	return c.Context.Value(key)
}

var zeroDialer net.Dialer

var customServerResolver = net.Resolver{
	PreferGo: true,
	Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
		if v, ok := ctx.Value(dnsServerCtxKey).(string); ok && v != "" {
			return zeroDialer.DialContext(ctx, network, v)
		}
		return zeroDialer.DialContext(ctx, network, address)
	},
}

// serverUpstream looks names up on a custom DNS server. it calls
// [net.Resolver.LookupNetIP] with a Go Resolver behind the scenes.
type serverUpstream string

func (s serverUpstream) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return customServerResolver.LookupNetIP(dnsServerCtx{ctx, string(s)}, network, host)
}

// resolverSet holds one cache per DNS server and network, clones of a
// CoreDialer share it.
type resolverSet struct {
	mu sync.Mutex
	m  map[resolverKey]*dnscache.Resolver
}

func (s *resolverSet) get(k resolverKey) *dnscache.Resolver {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.m[k]; ok {
		return r
	}
	r := &dnscache.Resolver{Network: k.network}
	if k.server != "" {
		r.Upstream = serverUpstream(k.server)
	}
	if s.m == nil {
		s.m = make(map[resolverKey]*dnscache.Resolver)
	}
	s.m[k] = r
	return r
}

func (d *CoreDialer) resolverSet() *resolverSet {
	d.resolverOnce.Do(func() {
		if d.resolvers == nil {
			d.resolvers = &resolverSet{}
		}
	})
	return d.resolvers
}

func (d *CoreDialer) resolver(cfg *ResolveConfig) *dnscache.Resolver {
	if d.Resolver != nil {
		return d.Resolver
	}
	return d.resolverSet().get(cfg.key())
}

// proxyResolveConfig is used for destination names resolved on the way
// through a proxy
func (d *CoreDialer) proxyResolveConfig() *ResolveConfig {
	if d.ProxyConfig == nil || d.ProxyConfig.ResolveConfig == nil {
		return d.ResolveConfig
	}
	return d.ProxyConfig.ResolveConfig.Merge(d.ResolveConfig)
}

// resolve returns the addresses to try for host, in order.
// literal addresses and static hosts never reach the cache.
func (d *CoreDialer) resolve(ctx context.Context, cfg *ResolveConfig, host string) ([]netip.Addr, error) {
	if ip, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{ip}, nil
	}
	if addrs, ok := cfg.static(host); ok {
		return addrs, nil
	}

	trace := httptrace.ContextClientTrace(ctx)
	if trace != nil && trace.DNSStart != nil {
		trace.DNSStart(httptrace.DNSStartInfo{Host: host})
	}
	addrs, err := d.resolver(cfg).Resolve(ctx, host)
	if trace != nil && trace.DNSDone != nil {
		info := httptrace.DNSDoneInfo{Err: err}
		for _, a := range addrs {
			info.Addrs = append(info.Addrs, net.IPAddr{IP: a.AsSlice(), Zone: a.Zone()})
		}
		trace.DNSDone(info)
	}
	if err != nil {
		return nil, fail(ctx, KindResolve, host, err)
	}
	return addrs, nil
}
