package dialer

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http/httptrace"
	"net/netip"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frankli0324/go-imphttp/internal/dnscache"
	"github.com/frankli0324/go-imphttp/internal/impersonate"
	"github.com/frankli0324/go-imphttp/internal/proxy"
	"github.com/frankli0324/go-imphttp/internal/verbose"
)

// Dialers produce the streams http requests are written to and responses
// are read from. A Dialer MUST NOT hold active connection states.
type Dialer interface {
	Dial(ctx context.Context, dst *url.URL) (*Conn, error)
}

// CoreDialer handles pretty much everything related to the actual connection,
// including picking a proxy for each destination, resolving names, tunneling
// and the TLS handshake. Each call to Dial is independent, a CoreDialer holds
// no connection state.
type CoreDialer struct {
	ResolveConfig *ResolveConfig
	ProxyConfig   *ProxyConfig

	// Profile shapes every TLS handshake with a destination,
	// nil leaves the ClientHello to crypto/tls.
	Profile   *impersonate.Profile
	TLSConfig *tls.Config // certificate verification and key logging, the fingerprint comes from Profile

	Timeout   time.Duration // for the whole of Dial, zero means none
	KeepAlive time.Duration // see [net.Dialer.KeepAlive]
	LocalAddr netip.Addr    // source address of outgoing TCP connections, if valid
	// NoDelay keeps Nagle's algorithm off on every connection. Otherwise it
	// is only off during TLS handshakes.
	NoDelay bool
	Verbose bool // trace bytes read and written, needs logrus.TraceLevel
	TLSInfo bool // record the peer certificate, see [Conn.Connected]

	Logger *logrus.Logger
	// Resolver, if set, answers every lookup and the CustomDNSServer and
	// Network of resolve configs are ignored. otherwise a cache is kept for
	// each of them, shared by clones.
	Resolver *dnscache.Resolver

	proxies      atomic.Pointer[proxy.RuleSet]
	resolverOnce sync.Once
	resolvers    *resolverSet
}

func (d *CoreDialer) Clone() *CoreDialer {
	c := &CoreDialer{
		ResolveConfig: d.ResolveConfig.Clone(),
		ProxyConfig:   d.ProxyConfig.Clone(),
		Profile:       d.Profile,
		TLSConfig:     d.TLSConfig.Clone(),
		Timeout:       d.Timeout,
		KeepAlive:     d.KeepAlive,
		LocalAddr:     d.LocalAddr,
		NoDelay:       d.NoDelay,
		Verbose:       d.Verbose,
		TLSInfo:       d.TLSInfo,
		Logger:        d.Logger,
		Resolver:      d.Resolver,
		resolvers:     d.resolverSet(),
	}
	c.proxies.Store(d.proxies.Load())
	return c
}

// SetProxies replaces the proxy rules used by subsequent dials.
// Dials in flight keep the rules they started with.
func (d *CoreDialer) SetProxies(rs *proxy.RuleSet) {
	d.proxies.Store(rs)
}

func (d *CoreDialer) Proxies() *proxy.RuleSet {
	return d.proxies.Load()
}

func (d *CoreDialer) logger() *logrus.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logrus.StandardLogger()
}

var ErrUnsupportedScheme = errors.New("unsupported destination scheme")

type target struct {
	host, port string
	https      bool
}

func targetOf(dst *url.URL) (target, error) {
	t := target{host: dst.Hostname(), port: dst.Port()}
	switch dst.Scheme {
	case "http":
		if t.port == "" {
			t.port = "80"
		}
	case "https":
		t.https = true
		if t.port == "" {
			t.port = "443"
		}
	default:
		return t, ErrUnsupportedScheme
	}
	if t.host == "" {
		return t, url.InvalidHostError("empty host")
	}
	return t, nil
}

func (t target) String() string {
	return net.JoinHostPort(t.host, t.port)
}

// Dial opens a connection to dst, an http or https URL, through the first
// proxy that intercepts it. https destinations are TLS protected with the
// dialer's Profile. The returned error is an *[Error] unless dst itself
// is unusable.
func (d *CoreDialer) Dial(ctx context.Context, dst *url.URL) (*Conn, error) {
	t, err := targetOf(dst)
	if err != nil {
		return nil, &Error{Kind: KindConnect, Addr: dst.Host, Err: err}
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	ctx = shadowStandardNetTrace(ctx)

	log := d.logger().WithField("dst", t.String())
	log.Debug("starting new connection")

	var conn *Conn
	ps, ok := d.Proxies().Intercept(dst)
	switch {
	case !ok:
		conn, err = d.dialDirect(ctx, t)
	case ps.Kind == proxy.KindSOCKS5:
		log.WithField("proxy", ps.Host).Debugf("proxy intercepts %s", ps.Kind)
		conn, err = d.dialSOCKS(ctx, t, ps)
	default:
		log.WithField("proxy", ps.Host).Debugf("proxy intercepts %s", ps.Kind)
		conn, err = d.dialHTTPProxy(ctx, t, ps)
	}
	if err != nil {
		log.WithError(err).Debug("dial failed")
		return nil, err
	}
	conn.Conn = verbose.Wrap(conn.Conn, d.Verbose, d.logger())
	return conn, nil
}

func (d *CoreDialer) dialDirect(ctx context.Context, t target) (*Conn, error) {
	sock, err := d.dialTCP(ctx, t.host, t.port)
	if err != nil {
		return nil, err
	}
	if !t.https {
		return &Conn{Conn: sock}, nil
	}
	return d.secure(ctx, sock, sock, t)
}

// secure runs the handshake with the destination over conn, closing
// conn when it fails.
func (d *CoreDialer) secure(ctx context.Context, conn, sock net.Conn, t target) (*Conn, error) {
	var params *impersonate.TLSParams
	if d.Profile != nil {
		params = &d.Profile.TLS
	}
	tc, state, err := d.handshake(ctx, conn, sock, t.host, params, d.TLSConfig)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &Conn{Conn: tc, tlsInfo: d.TLSInfo, state: &state}, nil
}

func (d *CoreDialer) netDialer() *net.Dialer {
	nd := &net.Dialer{KeepAlive: d.KeepAlive}
	if d.LocalAddr.IsValid() {
		nd.LocalAddr = net.TCPAddrFromAddrPort(netip.AddrPortFrom(d.LocalAddr, 0))
	}
	return nd
}

// dialTCP connects to the addresses of host one after another until one
// succeeds. errors of every attempt are joined.
func (d *CoreDialer) dialTCP(ctx context.Context, host, port string) (net.Conn, error) {
	addrs, err := d.resolve(ctx, d.ResolveConfig, host)
	if err != nil {
		return nil, err
	}
	trace := httptrace.ContextClientTrace(ctx)
	nd := d.netDialer()
	var errs []error
	for _, a := range addrs {
		addr := net.JoinHostPort(a.Unmap().String(), port)
		if trace != nil && trace.ConnectStart != nil {
			trace.ConnectStart("tcp", addr)
		}
		conn, err := nd.DialContext(ctx, "tcp", addr)
		if trace != nil && trace.ConnectDone != nil {
			trace.ConnectDone("tcp", addr, err)
		}
		if err == nil {
			if tc, ok := conn.(*net.TCPConn); ok {
				tc.SetNoDelay(d.NoDelay)
			}
			return conn, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, fail(ctx, KindConnect, net.JoinHostPort(host, port), errors.Join(errs...))
}
