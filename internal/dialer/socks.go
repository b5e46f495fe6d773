package dialer

import (
	"context"
	"net"

	xproxy "golang.org/x/net/proxy"

	"github.com/frankli0324/go-imphttp/internal/proxy"
)

// dialFunc lets a function be the forward dialer of a SOCKS5 proxy
type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

func (f dialFunc) Dial(network, addr string) (net.Conn, error) {
	return f(context.Background(), network, addr)
}

func (f dialFunc) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return f(ctx, network, addr)
}

// dialSOCKS reaches t through a SOCKS5 proxy. the destination name is
// resolved here unless the proxy asked for remote DNS.
func (d *CoreDialer) dialSOCKS(ctx context.Context, t target, ps *proxy.Scheme) (*Conn, error) {
	var auth *xproxy.Auth
	if ps.Socks != nil {
		auth = &xproxy.Auth{User: ps.Socks.Username, Password: ps.Socks.Password}
	}
	var sock net.Conn
	forward := dialFunc(func(ctx context.Context, _, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		sock, err = d.dialTCP(ctx, host, port)
		return sock, err
	})
	sd, err := xproxy.SOCKS5("tcp", ps.Host, auth, forward)
	if err != nil {
		return nil, fail(ctx, KindConnect, ps.Host, err)
	}

	host := t.host
	if !ps.RemoteDNS {
		addrs, err := d.resolve(ctx, d.proxyResolveConfig(), t.host)
		if err != nil {
			return nil, err
		}
		host = addrs[0].Unmap().String()
	}
	conn, err := sd.(xproxy.ContextDialer).DialContext(ctx, "tcp", net.JoinHostPort(host, t.port))
	if err != nil {
		// the socks dialer closes the proxy connection itself
		return nil, fail(ctx, KindConnect, ps.Host, err)
	}
	if !t.https {
		return &Conn{Conn: conn}, nil
	}
	return d.secure(ctx, conn, sock, t)
}
