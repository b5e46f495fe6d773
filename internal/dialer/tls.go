package dialer

import (
	"context"
	"crypto/tls"
	"net"
	"net/http/httptrace"

	utls "github.com/refraction-networking/utls"

	"github.com/frankli0324/go-imphttp/internal/impersonate"
)

// utlsConfig carries the parts of base that are not about the
// fingerprint over to uTLS.
func utlsConfig(base *tls.Config, serverName string) *utls.Config {
	cfg := &utls.Config{ServerName: serverName}
	if base != nil {
		cfg.RootCAs = base.RootCAs
		cfg.InsecureSkipVerify = base.InsecureSkipVerify
		cfg.VerifyPeerCertificate = base.VerifyPeerCertificate
		cfg.KeyLogWriter = base.KeyLogWriter
		cfg.Time = base.Time
		cfg.Rand = base.Rand
	}
	return cfg
}

func stdState(s utls.ConnectionState) tls.ConnectionState {
	return tls.ConnectionState{
		Version:                     s.Version,
		HandshakeComplete:           s.HandshakeComplete,
		DidResume:                   s.DidResume,
		CipherSuite:                 s.CipherSuite,
		NegotiatedProtocol:          s.NegotiatedProtocol,
		ServerName:                  s.ServerName,
		PeerCertificates:            s.PeerCertificates,
		VerifiedChains:              s.VerifiedChains,
		SignedCertificateTimestamps: s.SignedCertificateTimestamps,
		OCSPResponse:                s.OCSPResponse,
	}
}

// handshake runs a client handshake over conn. params shapes the
// ClientHello, nil leaves it to crypto/tls. Nagle's algorithm is
// turned off on sock for the duration of the handshake unless the
// dialer already keeps it off.
func (d *CoreDialer) handshake(ctx context.Context, conn, sock net.Conn, serverName string, params *impersonate.TLSParams, base *tls.Config) (net.Conn, tls.ConnectionState, error) {
	trace := httptrace.ContextClientTrace(ctx)
	if trace != nil && trace.TLSHandshakeStart != nil {
		trace.TLSHandshakeStart()
	}
	if d.NoDelay {
		sock = nil
	}

	var (
		tc    net.Conn
		state tls.ConnectionState
		err   error
	)
	if params == nil || params.Backend == impersonate.BackendCryptoTLS {
		tc, state, err = stdHandshake(ctx, conn, sock, serverName, params, base)
	} else {
		tc, state, err = utlsHandshake(ctx, conn, sock, serverName, params, base)
	}

	if trace != nil && trace.TLSHandshakeDone != nil {
		trace.TLSHandshakeDone(state, err)
	}
	if err != nil {
		return nil, state, fail(ctx, KindTLS, serverName, err)
	}
	return tc, state, nil
}

func stdHandshake(ctx context.Context, conn, sock net.Conn, serverName string, params *impersonate.TLSParams, base *tls.Config) (net.Conn, tls.ConnectionState, error) {
	cfg := base.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	if params != nil {
		var err error
		if cfg, err = params.StdConfig(cfg); err != nil {
			return nil, tls.ConnectionState{}, err
		}
	}
	cfg.ServerName = serverName
	c := tls.Client(conn, cfg)
	if err := withNoDelay(sock, func() error { return c.HandshakeContext(ctx) }); err != nil {
		return nil, tls.ConnectionState{}, err
	}
	return c, c.ConnectionState(), nil
}

func utlsHandshake(ctx context.Context, conn, sock net.Conn, serverName string, params *impersonate.TLSParams, base *tls.Config) (net.Conn, tls.ConnectionState, error) {
	spec, err := params.ClientHelloSpec()
	if err != nil {
		return nil, tls.ConnectionState{}, err
	}
	c := utls.UClient(conn, utlsConfig(base, serverName), utls.HelloCustom)
	if err := c.ApplyPreset(spec); err != nil {
		return nil, tls.ConnectionState{}, err
	}
	if err := withNoDelay(sock, func() error { return c.HandshakeContext(ctx) }); err != nil {
		return nil, tls.ConnectionState{}, err
	}
	return c, stdState(c.ConnectionState()), nil
}
