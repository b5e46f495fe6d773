package dialer

import (
	"github.com/frankli0324/go-imphttp/internal/dialer"
)

// Dialers are responsible for creating underlying streams that http requests could
// be written to and responses could be read from. for example, opening a raw TCP
// connection for HTTP/1.1 requests.
//
// Unlike [net/http.Transport], A Dialer MUST NOT hold active connection states,
// which means a Dialer must be able to be swapped out from a Client without
// pain. Each call to Dial performs its own handshakes.
type Dialer = dialer.Dialer

// CoreDialer is the default implementation of the [Dialer] interface. It picks
// a route for every destination (direct, HTTP or HTTPS proxy, SOCKS5), tunnels
// with CONNECT when needed and shapes TLS handshakes after its Profile.
type CoreDialer = dialer.CoreDialer

// Conn is what a [Dialer] returns, IsProxy tells whether requests must be
// written in absolute-form.
type Conn = dialer.Conn
type Connected = dialer.Connected

type ProxyConfig = dialer.ProxyConfig

// we need a dedicated resolver for two scenarios:
//
//  1. Resolve remote address locally in proxied requests
//  2. to customize the DNS server used for resolving hostname
//
// the standard library didn't provide a intuitive way of
// setting DNS server addresses since it only follows the
// system configuration (e.g. /etc/resolv.conf), leaving us only
// one option of using [net.Resolver.Dial] hook with a Go Resolver.
//
// lookups are cached per DNS server and network, see [CoreDialer.Resolver].
type ResolveConfig = dialer.ResolveConfig

type Error = dialer.Error
type Kind = dialer.Kind

const (
	KindResolve  = dialer.KindResolve
	KindConnect  = dialer.KindConnect
	KindTLS      = dialer.KindTLS
	KindTunnel   = dialer.KindTunnel
	KindTimedOut = dialer.KindTimedOut
)

var (
	ErrResolve  = dialer.ErrResolve
	ErrConnect  = dialer.ErrConnect
	ErrTLS      = dialer.ErrTLS
	ErrTunnel   = dialer.ErrTunnel
	ErrTimedOut = dialer.ErrTimedOut
)
