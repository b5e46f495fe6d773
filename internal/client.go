package internal

import (
	"context"
	"sync"

	"github.com/frankli0324/go-imphttp/internal/dialer"
	"github.com/frankli0324/go-imphttp/internal/http"
	"github.com/frankli0324/go-imphttp/internal/impersonate"
	"github.com/frankli0324/go-imphttp/internal/proxy"
	"github.com/frankli0324/go-imphttp/internal/transport"
)

type PreparedRequest = http.PreparedRequest

type Handler = func(ctx context.Context, req *PreparedRequest) (*http.Response, error)
type Middleware func(next Handler) Handler

// Client sends requests over connections made by its Dialer. A zero Client
// dials with a plain [dialer.CoreDialer] and impersonates nothing, use
// [NewClient] to pick a browser. Every connection made by one Client shares
// the same profile.
type Client struct {
	middlewares []Middleware

	once    sync.Once
	core    *dialer.CoreDialer
	dialer  dialer.Dialer
	profile *impersonate.Profile
}

// NewClient selects the impersonation profile once, see [WithImpersonate].
// Without it a random browser and OS are picked.
func NewClient(opts ...Option) (*Client, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	p, err := impersonate.Select(o.browser, o.os)
	if err != nil {
		return nil, err
	}
	if o.http1Only {
		p.TLS = p.TLS.WithoutALPN("h2")
	}
	core := &dialer.CoreDialer{
		Profile:     p,
		ProxyConfig: &dialer.ProxyConfig{UserAgent: p.UserAgent()},
	}
	for _, fn := range o.core {
		fn(core)
	}
	c := &Client{core: core, dialer: core, profile: p}
	c.once.Do(func() {})
	return c, nil
}

func (c *Client) init() {
	c.once.Do(func() {
		if c.core == nil {
			c.core = &dialer.CoreDialer{}
		}
		if c.dialer == nil {
			c.dialer = c.core
		}
	})
}

// Profile is the browser the client impersonates, nil for a zero Client.
func (c *Client) Profile() *impersonate.Profile {
	return c.profile
}

// Use appends mw to the end of the chain. The last "Use"d mw executes first
func (c *Client) Use(mws ...Middleware) {
	c.middlewares = append(c.middlewares, mws...)
}

// UseDialer replaces the dialer with what wrap returns for the current one.
func (c *Client) UseDialer(wrap func(dialer.Dialer) dialer.Dialer) {
	c.init()
	c.dialer = wrap(c.dialer)
}

// CoreDialer is the dialer the client was built with, wrapping dialers
// installed by UseDialer may or may not call it.
func (c *Client) CoreDialer() *dialer.CoreDialer {
	c.init()
	return c.core
}

// SetProxies installs new proxy rules for connections made from now on.
func (c *Client) SetProxies(rs *proxy.RuleSet) {
	c.CoreDialer().SetProxies(rs)
}

func (c *Client) defaults() []http.Field {
	if c.profile == nil {
		return nil
	}
	fields := make([]http.Field, len(c.profile.Headers))
	for i, h := range c.profile.Headers {
		fields[i] = http.Field{Name: h.Name, Value: h.Value}
	}
	return fields
}

func (c *Client) CtxDo(ctx context.Context, req *http.Request) (*http.Response, error) {
	c.init()
	pr, err := req.Prepare(c.defaults())
	if err != nil {
		return nil, err
	}
	next := c.roundTrip
	for _, mw := range c.middlewares {
		next = mw(next)
	}
	return next(ctx, pr)
}

func (c *Client) roundTrip(ctx context.Context, req *PreparedRequest) (*http.Response, error) {
	conn, err := c.dialer.Dial(ctx, req.U)
	if err != nil {
		return nil, err
	}
	resp := &http.Response{}
	if conn.Connected().NegotiatedProtocol == "h2" {
		var params *impersonate.HTTP2Params
		if c.profile != nil {
			params = &c.profile.HTTP2
		}
		err = transport.HTTP2{Params: params}.RoundTrip(ctx, conn, req, resp)
	} else {
		t := transport.HTTP1{}
		if conn.IsProxy {
			t.Absolute, t.ProxyAuth = true, conn.ProxyAuth
		}
		err = t.RoundTrip(ctx, conn, req, resp)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	if c.profile != nil {
		if err := transport.Decode(resp, c.profile.Compression); err != nil {
			resp.Body.Close()
			return nil, err
		}
	}
	return resp, nil
}
