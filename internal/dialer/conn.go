package dialer

import (
	"crypto/tls"
	"net"
)

// Conn is an established stream, owned by whoever called Dial.
type Conn struct {
	net.Conn

	// IsProxy is set when Conn reaches a plain HTTP proxy rather than the
	// destination, requests must then be written in absolute-form.
	IsProxy bool
	// ProxyAuth is the Proxy-Authorization value to send on IsProxy conns
	ProxyAuth string

	tlsInfo bool
	state   *tls.ConnectionState
}

// Connected describes how a Conn was established
type Connected struct {
	Proxy              bool
	NegotiatedProtocol string
	// PeerCertificate is the DER encoded leaf certificate of the
	// destination, only recorded when the dialer has TLSInfo set.
	PeerCertificate []byte
}

func (c *Conn) Connected() Connected {
	info := Connected{Proxy: c.IsProxy}
	if c.state == nil {
		return info
	}
	info.NegotiatedProtocol = c.state.NegotiatedProtocol
	if c.tlsInfo && len(c.state.PeerCertificates) > 0 {
		info.PeerCertificate = c.state.PeerCertificates[0].Raw
	}
	return info
}

// TLS returns the state of the handshake with the destination,
// nil if the stream is not TLS protected end to end.
func (c *Conn) TLS() *tls.ConnectionState {
	return c.state
}

func (c *Conn) NetConn() net.Conn {
	return c.Conn
}
