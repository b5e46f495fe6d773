// package dnscache memoizes successful name lookups for a fixed time.
package dnscache

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const DefaultTTL = 300 * time.Second

// Upstream is implemented by *[net.Resolver].
type Upstream interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type entry struct {
	addrs      []netip.Addr
	resolvedAt time.Time
}

func (e entry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.resolvedAt) > ttl
}

// Resolver is a caching resolver. the zero value resolves through
// [net.DefaultResolver] and caches for [DefaultTTL] without a size limit.
//
// A Resolver is shared by pointer, its fields must not be changed after
// the first call to [Resolver.Resolve].
type Resolver struct {
	Upstream   Upstream
	Network    string        // one of "ip", "ip4", "ip6", default is "ip"
	TTL        time.Duration // entries older than TTL are looked up again
	MaxEntries int           // when reached, expired and then oldest entries are dropped
	Now        func() time.Time

	mu      sync.Mutex
	entries map[string]entry
	group   singleflight.Group
}

func (r *Resolver) ttl() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return DefaultTTL
}

func (r *Resolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Resolver) upstream() Upstream {
	if r.Upstream != nil {
		return r.Upstream
	}
	return net.DefaultResolver
}

// Cached returns a copy of the cached addresses of host, if not expired.
// it never blocks on the network.
func (r *Resolver) Cached(host string) ([]netip.Addr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[host]
	if !ok || e.expired(r.now(), r.ttl()) {
		return nil, false
	}
	return append([]netip.Addr(nil), e.addrs...), true
}

// Resolve returns the addresses of host, from cache when possible.
// Failed lookups are returned as-is and never cached, and neither are
// empty answers, which fail as not found. concurrent misses for the same
// host share one upstream lookup.
func (r *Resolver) Resolve(ctx context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := r.Cached(host); ok {
		return addrs, nil
	}
	network := r.Network
	if network == "" {
		network = "ip"
	}

	ch := r.group.DoChan(host, func() (interface{}, error) {
		// the lookup is shared, one caller giving up must not fail the others
		addrs, err := r.upstream().LookupNetIP(context.WithoutCancel(ctx), network, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
		}
		r.store(host, addrs)
		return addrs, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return append([]netip.Addr(nil), res.Val.([]netip.Addr)...), nil
	}
}

func (r *Resolver) store(host string, addrs []netip.Addr) {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries == nil {
		r.entries = make(map[string]entry)
	}
	if _, ok := r.entries[host]; !ok && r.MaxEntries > 0 && len(r.entries) >= r.MaxEntries {
		r.evict(now)
	}
	r.entries[host] = entry{
		addrs:      append([]netip.Addr(nil), addrs...),
		resolvedAt: now,
	}
}

// evict must be called with r.mu held
func (r *Resolver) evict(now time.Time) {
	ttl := r.ttl()
	for k, e := range r.entries {
		if e.expired(now, ttl) {
			delete(r.entries, k)
		}
	}
	if len(r.entries) < r.MaxEntries {
		return
	}
	var oldest string
	var oldestAt time.Time
	for k, e := range r.entries {
		if oldest == "" || e.resolvedAt.Before(oldestAt) {
			oldest, oldestAt = k, e.resolvedAt
		}
	}
	delete(r.entries, oldest)
}

// Len reports the number of entries held, expired or not.
func (r *Resolver) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
