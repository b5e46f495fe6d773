package dialer_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/http/httptrace"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frankli0324/go-imphttp/internal/dialer"
	"github.com/frankli0324/go-imphttp/internal/dnscache"
	"github.com/frankli0324/go-imphttp/internal/impersonate"
	"github.com/frankli0324/go-imphttp/internal/proxy"
	"github.com/frankli0324/go-imphttp/internal/tunnel"
	"github.com/frankli0324/go-imphttp/internal/verbose"
)

func echoHost(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, r.Host+r.URL.Path)
}

func get(t *testing.T, c net.Conn, host, path string) string {
	t.Helper()
	io.WriteString(c, "GET "+path+" HTTP/1.1\r\nHost: "+host+"\r\nConnection: close\r\n\r\n")
	resp, err := http.ReadResponse(bufio.NewReader(c), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return string(b)
}

func withProxy(d *dialer.CoreDialer, t *testing.T, raw string) *dialer.CoreDialer {
	t.Helper()
	p, err := proxy.All(raw)
	if err != nil {
		t.Fatal(err)
	}
	d.SetProxies(proxy.NewRuleSet(p))
	return d
}

func TestDialDirectUsesCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHost))
	defer srv.Close()
	port := portOf(t, srv.Listener.Addr().String())

	up := &fakeUpstream{addrs: map[string][]netip.Addr{"example.test": loopback}}
	d := &dialer.CoreDialer{Resolver: &dnscache.Resolver{Upstream: up}}
	for i := 0; i < 2; i++ {
		conn, err := d.Dial(context.Background(), mustURL(t, "http://example.test:"+port+"/"))
		if err != nil {
			t.Fatal(err)
		}
		if conn.IsProxy || conn.TLS() != nil || conn.Connected().Proxy {
			t.Error("direct plain connection flagged as proxied or tls")
		}
		if got := get(t, conn, "example.test", "/x"); got != "example.test/x" {
			t.Errorf("got %q", got)
		}
		conn.Close()
	}
	if n := up.calls.Load(); n != 1 {
		t.Errorf("expected one upstream lookup, got %d", n)
	}
}

func TestStaticHostsBypassResolver(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHost))
	defer srv.Close()
	port := portOf(t, srv.Listener.Addr().String())

	up := &fakeUpstream{}
	d := &dialer.CoreDialer{
		Resolver:      &dnscache.Resolver{Upstream: up},
		ResolveConfig: &dialer.ResolveConfig{StaticHosts: map[string][]netip.Addr{"pinned.test": loopback}},
	}
	conn, err := d.Dial(context.Background(), mustURL(t, "http://pinned.test:"+port))
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if up.calls.Load() != 0 {
		t.Error("static host looked up")
	}
}

func TestResolveError(t *testing.T) {
	d := &dialer.CoreDialer{Resolver: &dnscache.Resolver{Upstream: &fakeUpstream{}}}
	_, err := d.Dial(context.Background(), mustURL(t, "https://missing.test/"))
	var dnsErr *net.DNSError
	if !errors.Is(err, dialer.ErrResolve) || !errors.As(err, &dnsErr) {
		t.Errorf("got %v", err)
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = (&dialer.CoreDialer{}).Dial(context.Background(), mustURL(t, "http://"+addr))
	if !errors.Is(err, dialer.ErrConnect) || errors.Is(err, dialer.ErrTimedOut) {
		t.Errorf("got %v", err)
	}
}

func TestUnsupportedScheme(t *testing.T) {
	_, err := (&dialer.CoreDialer{}).Dial(context.Background(), mustURL(t, "ftp://example.com"))
	if !errors.Is(err, dialer.ErrUnsupportedScheme) {
		t.Errorf("got %v", err)
	}
}

func TestDialHTTPSThroughProxy(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(echoHost))
	defer srv.Close()

	head := make(chan string, 1)
	proxyAddr := connectProxy(t, "HTTP/1.1 200 Connection established\r\n\r\n", srv.Listener.Addr().String(), head)
	d := withProxy(&dialer.CoreDialer{
		Profile:   chrome(t),
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
		TLSInfo:   true,
	}, t, "http://user:pass@"+proxyAddr)

	conn, err := d.Dial(context.Background(), mustURL(t, "https://target.example/path"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	want := "CONNECT target.example:443 HTTP/1.1\r\n" +
		"Host: target.example:443\r\n" +
		"Proxy-Authorization: Basic dXNlcjpwYXNz\r\n\r\n"
	if got := <-head; got != want {
		t.Errorf("proxy received %q", got)
	}
	info := conn.Connected()
	if info.Proxy || conn.IsProxy {
		t.Error("tunneled connection must not be flagged as proxied")
	}
	if info.NegotiatedProtocol != "http/1.1" {
		t.Errorf("negotiated %q", info.NegotiatedProtocol)
	}
	if !bytes.Equal(info.PeerCertificate, srv.Certificate().Raw) {
		t.Error("peer certificate not recorded")
	}
	if got := get(t, conn, "target.example", "/path"); got != "target.example/path" {
		t.Errorf("got %q", got)
	}
}

func TestTunnelUserAgentAndLocalResolve(t *testing.T) {
	head := make(chan string, 1)
	proxyAddr := connectProxy(t, "HTTP/1.1 403 Forbidden\r\n\r\n", "", head)
	d := withProxy(&dialer.CoreDialer{
		ProxyConfig:   &dialer.ProxyConfig{UserAgent: "ua/1.0", ResolveLocally: true},
		ResolveConfig: &dialer.ResolveConfig{StaticHosts: map[string][]netip.Addr{"target.example": {netip.MustParseAddr("192.0.2.7")}}},
	}, t, proxyAddr)

	_, err := d.Dial(context.Background(), mustURL(t, "https://target.example:8443/"))
	if !errors.Is(err, dialer.ErrTunnel) || !errors.Is(err, tunnel.ErrUnsuccessful) {
		t.Errorf("got %v", err)
	}
	if !strings.Contains(err.Error(), "403 Forbidden") {
		t.Errorf("status line missing from %q", err)
	}
	want := "CONNECT 192.0.2.7:8443 HTTP/1.1\r\nHost: 192.0.2.7:8443\r\nUser-Agent: ua/1.0\r\n\r\n"
	if got := <-head; got != want {
		t.Errorf("proxy received %q", got)
	}
}

func TestProxyAuthRequired(t *testing.T) {
	head := make(chan string, 1)
	proxyAddr := connectProxy(t, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n", "", head)
	d := withProxy(&dialer.CoreDialer{}, t, "http://"+proxyAddr)

	_, err := d.Dial(context.Background(), mustURL(t, "https://target.example/"))
	if !errors.Is(err, dialer.ErrTunnel) || !errors.Is(err, tunnel.ErrAuthRequired) {
		t.Errorf("got %v", err)
	}
	<-head
}

func TestPlainHTTPThroughProxy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.URL.String()+" "+r.Header.Get("Proxy-Authorization"))
	}))
	defer srv.Close()

	d := withProxy(&dialer.CoreDialer{}, t, "http://user:pass@"+srv.Listener.Addr().String())
	conn, err := d.Dial(context.Background(), mustURL(t, "http://target.example/a"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if !conn.IsProxy || !conn.Connected().Proxy {
		t.Error("plain http over a proxy must be flagged")
	}
	if conn.ProxyAuth != "Basic dXNlcjpwYXNz" {
		t.Errorf("proxy auth %q", conn.ProxyAuth)
	}
}

func TestDialThroughSOCKS5(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHost))
	defer srv.Close()
	backend := srv.Listener.Addr().String()
	port := portOf(t, backend)

	for name, cas := range map[string]struct {
		proxy string
		want  string
	}{
		"RemoteDNS": {"socks5h://alice:secret@", "target.example:" + port},
		"LocalDNS":  {"socks5://", "127.0.0.1:" + port},
	} {
		tCase := cas
		t.Run(name, func(t *testing.T) {
			user, pass := "", ""
			if strings.Contains(tCase.proxy, "@") {
				user, pass = "alice", "secret"
			}
			dst := make(chan string, 1)
			proxyAddr := socksProxy(t, user, pass, backend, dst)
			d := withProxy(&dialer.CoreDialer{
				ResolveConfig: &dialer.ResolveConfig{StaticHosts: map[string][]netip.Addr{"target.example": loopback}},
			}, t, tCase.proxy+proxyAddr)

			conn, err := d.Dial(context.Background(), mustURL(t, "http://target.example:"+port+"/s"))
			if err != nil {
				t.Fatal(err)
			}
			defer conn.Close()
			if got := <-dst; got != tCase.want {
				t.Errorf("proxy asked for %s", got)
			}
			if conn.IsProxy {
				t.Error("socks connection flagged as http proxy")
			}
			if got := get(t, conn, "target.example", "/s"); got != "target.example/s" {
				t.Errorf("got %q", got)
			}
		})
	}
}

func TestDialTimeout(t *testing.T) {
	closed := make(chan error, 1)
	proxyAddr := serveOnce(t, func(c net.Conn) {
		c.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err := io.Copy(io.Discard, c) // never answers
		closed <- err
	})
	d := withProxy(&dialer.CoreDialer{Timeout: 100 * time.Millisecond}, t, "http://"+proxyAddr)

	start := time.Now()
	_, err := d.Dial(context.Background(), mustURL(t, "https://target.example/"))
	if !errors.Is(err, dialer.ErrTimedOut) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout overshot by %s", elapsed)
	}
	if err := <-closed; err != nil {
		t.Errorf("connection to proxy left open: %v", err)
	}
}

func TestTraceHooks(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(echoHost))
	defer srv.Close()
	port := portOf(t, srv.Listener.Addr().String())

	var events []string
	ctx := httptrace.WithClientTrace(context.Background(), &httptrace.ClientTrace{
		DNSStart:          func(i httptrace.DNSStartInfo) { events = append(events, "dns "+i.Host) },
		DNSDone:           func(i httptrace.DNSDoneInfo) { events = append(events, "dns done") },
		ConnectStart:      func(_, addr string) { events = append(events, "connect "+addr) },
		ConnectDone:       func(_, _ string, err error) { events = append(events, "connect done") },
		TLSHandshakeStart: func() { events = append(events, "tls") },
		TLSHandshakeDone:  func(tls.ConnectionState, error) { events = append(events, "tls done") },
	})
	up := &fakeUpstream{addrs: map[string][]netip.Addr{"traced.test": loopback}}
	d := &dialer.CoreDialer{
		Profile:   chrome(t),
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
		Resolver:  &dnscache.Resolver{Upstream: up},
	}
	conn, err := d.Dial(ctx, mustURL(t, "https://traced.test:"+port))
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	want := []string{"dns traced.test", "dns done", "connect 127.0.0.1:" + port, "connect done", "tls", "tls done"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("got %v", events)
	}
}

func TestVerboseWrap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHost))
	defer srv.Close()

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	d := &dialer.CoreDialer{Verbose: true, Logger: logger}

	conn, err := d.Dial(context.Background(), mustURL(t, srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := conn.Conn.(*verbose.Conn); ok {
		t.Error("wrapped without trace level")
	}
	conn.Close()

	logger.SetLevel(logrus.TraceLevel)
	conn, err = d.Dial(context.Background(), mustURL(t, srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := conn.Conn.(*verbose.Conn); !ok {
		t.Error("not wrapped at trace level")
	}
	conn.Close()
}

func TestClone(t *testing.T) {
	p, _ := proxy.All("http://127.0.0.1:1")
	d := &dialer.CoreDialer{
		ResolveConfig: &dialer.ResolveConfig{StaticHosts: map[string][]netip.Addr{"a": loopback}},
		TLSConfig:     &tls.Config{ServerName: "x"},
		Resolver:      &dnscache.Resolver{},
	}
	d.SetProxies(proxy.NewRuleSet(p))
	c := d.Clone()
	c.ResolveConfig.StaticHosts["a"][0] = netip.MustParseAddr("10.0.0.1")
	c.TLSConfig.ServerName = "y"
	if d.ResolveConfig.StaticHosts["a"][0] != loopback[0] || d.TLSConfig.ServerName != "x" {
		t.Error("clone shares configuration")
	}
	if c.Proxies() != d.Proxies() {
		t.Error("clone must keep the proxy rules")
	}
	if c.Resolver == nil || c.Resolver != d.Resolver {
		t.Error("clones share the dns cache")
	}
	c.SetProxies(nil)
	if d.Proxies() == nil {
		t.Error("SetProxies on a clone changed the original")
	}
}

func TestDialHTTPSThroughHTTPSProxy(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(echoHost))
	defer srv.Close()

	head, alpn := make(chan string, 1), make(chan string, 1)
	proxyTLS := &tls.Config{Certificates: srv.TLS.Certificates, NextProtos: []string{"h2", "http/1.1"}}
	proxyAddr := tlsConnectProxy(t, proxyTLS, srv.Listener.Addr().String(), head, alpn)
	d := withProxy(&dialer.CoreDialer{
		Profile:   chrome(t),
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
	}, t, "https://user:pass@"+proxyAddr)

	conn, err := d.Dial(context.Background(), mustURL(t, "https://target.example/secure"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if got := <-alpn; got != "http/1.1" {
		t.Errorf("proxy hop negotiated %q", got)
	}
	want := "CONNECT target.example:443 HTTP/1.1\r\n" +
		"Host: target.example:443\r\n" +
		"Proxy-Authorization: Basic dXNlcjpwYXNz\r\n\r\n"
	if got := <-head; got != want {
		t.Errorf("proxy received %q", got)
	}
	if conn.IsProxy || conn.TLS() == nil || !conn.TLS().HandshakeComplete {
		t.Error("destination handshake missing over the proxy tls")
	}
	if got := get(t, conn, "target.example", "/secure"); got != "target.example/secure" {
		t.Errorf("got %q", got)
	}
}

func TestDialHTTPSThroughSOCKS5(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(echoHost))
	defer srv.Close()
	backend := srv.Listener.Addr().String()
	port := portOf(t, backend)

	dst := make(chan string, 1)
	proxyAddr := socksProxy(t, "", "", backend, dst)
	d := withProxy(&dialer.CoreDialer{
		Profile:   chrome(t),
		TLSConfig: &tls.Config{InsecureSkipVerify: true},
		TLSInfo:   true,
	}, t, "socks5h://"+proxyAddr)

	conn, err := d.Dial(context.Background(), mustURL(t, "https://target.example:"+port+"/s"))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if got := <-dst; got != "target.example:"+port {
		t.Errorf("proxy asked for %s", got)
	}
	info := conn.Connected()
	if info.NegotiatedProtocol != "http/1.1" || !bytes.Equal(info.PeerCertificate, srv.Certificate().Raw) {
		t.Errorf("tls over socks not recorded: %q", info.NegotiatedProtocol)
	}
	if got := get(t, conn, "target.example", "/s"); got != "target.example/s" {
		t.Errorf("got %q", got)
	}
}

func TestTLSHandshakeFailure(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(echoHost))
	defer srv.Close()

	for name, profile := range map[string]*impersonate.Profile{
		"CryptoTLS": nil,
		"UTLS":      chrome(t),
	} {
		p := profile
		t.Run(name, func(t *testing.T) {
			d := &dialer.CoreDialer{Profile: p}
			_, err := d.Dial(context.Background(), mustURL(t, srv.URL))
			if !errors.Is(err, dialer.ErrTLS) {
				t.Fatalf("got %v", err)
			}
			cause := errors.Unwrap(err)
			var unknown x509.UnknownAuthorityError
			if cause == nil || !errors.As(cause, &unknown) {
				t.Errorf("library error not passed through: %#v", cause)
			}
		})
	}
}

func TestEmptyAnswerFailsResolve(t *testing.T) {
	head := make(chan string, 1)
	connectAddr := connectProxy(t, "HTTP/1.1 200 Connection established\r\n\r\n", "", head)

	for name, cas := range map[string]struct {
		proxy   string
		locally bool
	}{
		"Direct":       {},
		"SOCKS5":       {proxy: "socks5://127.0.0.1:1"},
		"ConnectLocal": {proxy: "http://" + connectAddr, locally: true},
	} {
		tCase := cas
		t.Run(name, func(t *testing.T) {
			up := &fakeUpstream{addrs: map[string][]netip.Addr{"empty.test": nil}}
			d := &dialer.CoreDialer{
				Resolver:    &dnscache.Resolver{Upstream: up},
				ProxyConfig: &dialer.ProxyConfig{ResolveLocally: tCase.locally},
			}
			if tCase.proxy != "" {
				withProxy(d, t, tCase.proxy)
			}
			_, err := d.Dial(context.Background(), mustURL(t, "https://empty.test/"))
			var dnsErr *net.DNSError
			if !errors.Is(err, dialer.ErrResolve) || !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
				t.Errorf("got %v", err)
			}
		})
	}
}

func TestProxyResolveConfig(t *testing.T) {
	var queries atomic.Int32
	server := dnsServer(t, map[string]netip.Addr{"target.example": netip.MustParseAddr("192.0.2.9")}, &queries)
	head := make(chan string, 1)
	proxyAddr := connectProxy(t, "HTTP/1.1 403 Forbidden\r\n\r\n", "", head)
	d := withProxy(&dialer.CoreDialer{
		ProxyConfig: &dialer.ProxyConfig{
			ResolveLocally: true,
			ResolveConfig:  &dialer.ResolveConfig{CustomDNSServer: server},
		},
		// the dialer's own settings still apply to what the override leaves empty
		ResolveConfig: &dialer.ResolveConfig{
			Network:     "ip4",
			StaticHosts: map[string][]netip.Addr{"pinned.example": {netip.MustParseAddr("192.0.2.1")}},
		},
	}, t, proxyAddr)

	_, err := d.Dial(context.Background(), mustURL(t, "https://target.example/"))
	if !errors.Is(err, dialer.ErrTunnel) {
		t.Fatalf("got %v", err)
	}
	if got := <-head; !strings.HasPrefix(got, "CONNECT 192.0.2.9:443 HTTP/1.1\r\n") {
		t.Errorf("proxy received %q", got)
	}
	if n := queries.Load(); n != 1 {
		t.Errorf("expected a single A query, got %d", n)
	}
}

func TestResolveConfigMerge(t *testing.T) {
	a, b := netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.2")
	base := &dialer.ResolveConfig{
		CustomDNSServer: "192.0.2.53:53",
		Network:         "ip6",
		StaticHosts:     map[string][]netip.Addr{"x": {a}, "y": {a}},
	}
	over := &dialer.ResolveConfig{Network: "ip4", StaticHosts: map[string][]netip.Addr{"x": {b}}}
	m := over.Merge(base)
	if m.CustomDNSServer != "192.0.2.53:53" || m.Network != "ip4" {
		t.Errorf("got server %q network %q", m.CustomDNSServer, m.Network)
	}
	if m.StaticHosts["x"][0] != b || m.StaticHosts["y"][0] != a {
		t.Errorf("got static hosts %v", m.StaticHosts)
	}
	m.StaticHosts["y"][0] = b
	if base.StaticHosts["y"][0] != a || len(over.StaticHosts) != 1 {
		t.Error("merge shares its inputs")
	}
	if (*dialer.ResolveConfig)(nil).Merge(base).Network != "ip6" || over.Merge(nil).Network != "ip4" {
		t.Error("nil configs")
	}
}

func TestResolveConfigChangesApply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(echoHost))
	defer srv.Close()
	port := portOf(t, srv.Listener.Addr().String())

	var first, second atomic.Int32
	d := &dialer.CoreDialer{ResolveConfig: &dialer.ResolveConfig{
		CustomDNSServer: dnsServer(t, map[string]netip.Addr{"a.test": netip.MustParseAddr("127.0.0.1")}, &first),
		Network:         "ip4",
	}}
	conn, err := d.Dial(context.Background(), mustURL(t, "http://a.test:"+port))
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	d.ResolveConfig.CustomDNSServer = dnsServer(t, map[string]netip.Addr{"b.test": netip.MustParseAddr("127.0.0.1")}, &second)
	conn, err = d.Dial(context.Background(), mustURL(t, "http://b.test:"+port))
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if first.Load() != 1 || second.Load() != 1 {
		t.Errorf("queries %d and %d", first.Load(), second.Load())
	}

	// the cache of each server is kept and shared with clones
	c := d.Clone()
	c.ResolveConfig.CustomDNSServer = d.ResolveConfig.CustomDNSServer
	conn, err = c.Dial(context.Background(), mustURL(t, "http://b.test:"+port))
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
	if second.Load() != 1 {
		t.Errorf("clone missed the cache, %d queries", second.Load())
	}
}
