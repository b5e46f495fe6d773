package dialer_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/net/dns/dnsmessage"

	"github.com/frankli0324/go-imphttp/internal/impersonate"
)

func mustURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func chrome(t *testing.T) *impersonate.Profile {
	t.Helper()
	p, err := impersonate.Get(impersonate.Chrome115, impersonate.Windows)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

type fakeUpstream struct {
	addrs map[string][]netip.Addr
	calls atomic.Int32
}

func (u *fakeUpstream) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	u.calls.Add(1)
	if a, ok := u.addrs[host]; ok {
		return a, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

var loopback = []netip.Addr{netip.MustParseAddr("127.0.0.1")}

// serveOnce accepts a single connection and hands it to fn
func serveOnce(t *testing.T, fn func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		fn(c)
	}()
	return ln.Addr().String()
}

func portOf(t *testing.T, addr string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	return port
}

// readHead reads up to and including the empty line ending a request head
func readHead(br *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		line, err := br.ReadString('\n')
		b.WriteString(line)
		if err != nil || line == "\r\n" {
			return b.String(), err
		}
	}
}

func relay(c net.Conn, br *bufio.Reader, addr string) {
	up, err := net.Dial("tcp", addr)
	if err != nil {
		return
	}
	defer up.Close()
	go io.Copy(up, br)
	io.Copy(c, up)
}

func answerConnect(c net.Conn, reply, backend string, head chan<- string) {
	br := bufio.NewReader(c)
	h, err := readHead(br)
	head <- h
	if err != nil {
		return
	}
	io.WriteString(c, reply)
	if strings.Contains(reply, " 200 ") {
		relay(c, br, backend)
	}
}

// connectProxy answers one CONNECT request with reply and relays the
// tunnel to backend when the reply is a 200.
func connectProxy(t *testing.T, reply, backend string, head chan<- string) string {
	return serveOnce(t, func(c net.Conn) {
		answerConnect(c, reply, backend, head)
	})
}

// tlsConnectProxy is connectProxy behind TLS with cfg. the protocol
// negotiated with the client is reported on alpn.
func tlsConnectProxy(t *testing.T, cfg *tls.Config, backend string, head chan<- string, alpn chan<- string) string {
	return serveOnce(t, func(c net.Conn) {
		tc := tls.Server(c, cfg)
		if err := tc.Handshake(); err != nil {
			alpn <- "handshake failed: " + err.Error()
			return
		}
		alpn <- tc.ConnectionState().NegotiatedProtocol
		answerConnect(tc, "HTTP/1.1 200 Connection established\r\n\r\n", backend, head)
	})
}

// socksProxy is a SOCKS5 server for one connection. it reports the
// requested destination on dst and relays to backend.
func socksProxy(t *testing.T, user, pass, backend string, dst chan<- string) string {
	return serveOnce(t, func(c net.Conn) {
		br := bufio.NewReader(c)
		greeting := make([]byte, 2)
		if _, err := io.ReadFull(br, greeting); err != nil {
			return
		}
		io.ReadFull(br, make([]byte, greeting[1]))
		if user == "" {
			c.Write([]byte{5, 0})
		} else {
			c.Write([]byte{5, 2})
			var cred [2][]byte
			br.ReadByte() // subnegotiation version
			for i := range cred {
				n, _ := br.ReadByte()
				cred[i] = make([]byte, n)
				io.ReadFull(br, cred[i])
			}
			if string(cred[0]) != user || string(cred[1]) != pass {
				c.Write([]byte{1, 1})
				return
			}
			c.Write([]byte{1, 0})
		}

		req := make([]byte, 4)
		if _, err := io.ReadFull(br, req); err != nil {
			return
		}
		var host string
		switch req[3] {
		case 1, 4:
			ip := make([]byte, 4)
			if req[3] == 4 {
				ip = make([]byte, 16)
			}
			io.ReadFull(br, ip)
			host = net.IP(ip).String()
		case 3:
			n, _ := br.ReadByte()
			name := make([]byte, n)
			io.ReadFull(br, name)
			host = string(name)
		}
		port := make([]byte, 2)
		io.ReadFull(br, port)
		dst <- net.JoinHostPort(host, strconv.Itoa(int(binary.BigEndian.Uint16(port))))
		c.Write([]byte{5, 0, 0, 1, 0, 0, 0, 0, 0, 0})
		relay(c, br, backend)
	})
}

// dnsServer answers A queries over UDP from answers, names it doesn't
// know get NXDOMAIN. every question received is counted in queries.
func dnsServer(t *testing.T, answers map[string]netip.Addr, queries *atomic.Int32) string {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, 512)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			var p dnsmessage.Parser
			h, err := p.Start(buf[:n])
			if err != nil {
				continue
			}
			q, err := p.Question()
			if err != nil {
				continue
			}
			queries.Add(1)
			a, known := answers[strings.TrimSuffix(q.Name.String(), ".")]
			rh := dnsmessage.Header{ID: h.ID, Response: true, Authoritative: true, RecursionDesired: h.RecursionDesired, RecursionAvailable: true}
			if !known {
				rh.RCode = dnsmessage.RCodeNameError
			}
			b := dnsmessage.NewBuilder(nil, rh)
			b.StartQuestions()
			b.Question(q)
			b.StartAnswers()
			if known && q.Type == dnsmessage.TypeA {
				b.AResource(dnsmessage.ResourceHeader{Name: q.Name, Class: dnsmessage.ClassINET, TTL: 60}, dnsmessage.AResource{A: a.As4()})
			}
			msg, err := b.Finish()
			if err != nil {
				continue
			}
			pc.WriteTo(msg, from)
		}
	}()
	return pc.LocalAddr().String()
}
