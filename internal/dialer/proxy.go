package dialer

import (
	"context"
	"crypto/tls"
	"net"

	"github.com/frankli0324/go-imphttp/internal/impersonate"
	"github.com/frankli0324/go-imphttp/internal/proxy"
	"github.com/frankli0324/go-imphttp/internal/tunnel"
)

type ProxyConfig struct {
	TLSConfig      *tls.Config // the [*tls.Config] to use with HTTPS proxies, if nil, *[CoreDialer.TLSConfig] will be used
	UserAgent      string      // sent with CONNECT requests when not empty
	ResolveLocally bool        // send the resolved address instead of the host name in CONNECT requests
	// ResolveConfig overrides [CoreDialer.ResolveConfig] for destinations
	// resolved here on behalf of a proxy, what it leaves empty is taken
	// from the dialer's. see [ResolveConfig.Merge].
	ResolveConfig *ResolveConfig
}

func (c *ProxyConfig) Clone() *ProxyConfig {
	if c == nil {
		return nil
	}
	return &ProxyConfig{
		TLSConfig:      c.TLSConfig.Clone(),
		UserAgent:      c.UserAgent,
		ResolveLocally: c.ResolveLocally,
		ResolveConfig:  c.ResolveConfig.Clone(),
	}
}

func (d *CoreDialer) proxyTLSConfig() *tls.Config {
	if d.ProxyConfig != nil && d.ProxyConfig.TLSConfig != nil {
		return d.ProxyConfig.TLSConfig
	}
	return d.TLSConfig
}

// dialHTTPProxy reaches t through an HTTP or HTTPS proxy. https
// destinations are tunneled with CONNECT and get their own handshake,
// http destinations are left to the proxy.
func (d *CoreDialer) dialHTTPProxy(ctx context.Context, t target, ps *proxy.Scheme) (*Conn, error) {
	log := d.logger().WithField("proxy", ps.Host)
	phost, pport, err := net.SplitHostPort(ps.Host)
	if err != nil {
		return nil, fail(ctx, KindConnect, ps.Host, err)
	}
	sock, err := d.dialTCP(ctx, phost, pport)
	if err != nil {
		return nil, err
	}
	conn := sock
	if ps.Kind == proxy.KindHTTPS {
		// CONNECT is HTTP/1.1, don't offer h2 to the proxy
		var params *impersonate.TLSParams
		if d.Profile != nil {
			h1 := d.Profile.TLS.WithoutALPN("h2")
			params = &h1
		}
		if conn, _, err = d.handshake(ctx, sock, sock, phost, params, d.proxyTLSConfig()); err != nil {
			sock.Close()
			return nil, err
		}
	}

	if !t.https {
		return &Conn{Conn: conn, IsProxy: true, ProxyAuth: ps.Auth}, nil
	}

	log.Debug("tunneling https over proxy")
	host := t.host
	if d.ProxyConfig != nil && d.ProxyConfig.ResolveLocally {
		addrs, err := d.resolve(ctx, d.proxyResolveConfig(), t.host)
		if err != nil {
			conn.Close()
			return nil, err
		}
		host = addrs[0].Unmap().String()
	}
	req := &tunnel.Request{Host: net.JoinHostPort(host, t.port), Auth: ps.Auth}
	if d.ProxyConfig != nil {
		req.UserAgent = d.ProxyConfig.UserAgent
	}
	if req.Auth != "" {
		log.Debug("tunnel using basic auth")
	}
	if err := tunnel.Establish(ctx, conn, req); err != nil {
		conn.Close()
		return nil, fail(ctx, KindTunnel, ps.Host, err)
	}
	return d.secure(ctx, conn, sock, t)
}
