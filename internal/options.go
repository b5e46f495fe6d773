package internal

import (
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/frankli0324/go-imphttp/internal/dialer"
	"github.com/frankli0324/go-imphttp/internal/impersonate"
	"github.com/frankli0324/go-imphttp/internal/proxy"
)

type options struct {
	browser   impersonate.Browser
	os        impersonate.OS
	http1Only bool
	core      []func(*dialer.CoreDialer)
}

type Option func(*options)

// WithImpersonate picks the browser and OS to look like, an empty
// value is picked at random.
func WithImpersonate(browser impersonate.Browser, os impersonate.OS) Option {
	return func(o *options) { o.browser, o.os = browser, os }
}

// WithHTTP1Only stops offering h2 in ALPN. this changes the fingerprint.
func WithHTTP1Only() Option {
	return func(o *options) { o.http1Only = true }
}

// WithCoreDialer runs fn on the dialer once the profile is applied
func WithCoreDialer(fn func(*dialer.CoreDialer)) Option {
	return func(o *options) { o.core = append(o.core, fn) }
}

func WithProxies(proxies ...*proxy.Proxy) Option {
	return WithCoreDialer(func(d *dialer.CoreDialer) { d.SetProxies(proxy.NewRuleSet(proxies...)) })
}

func WithTimeout(timeout time.Duration) Option {
	return WithCoreDialer(func(d *dialer.CoreDialer) { d.Timeout = timeout })
}

func WithTLSConfig(cfg *tls.Config) Option {
	return WithCoreDialer(func(d *dialer.CoreDialer) { d.TLSConfig = cfg })
}

// WithVerbose traces connection bytes to logger at trace level
func WithVerbose(logger *logrus.Logger) Option {
	return WithCoreDialer(func(d *dialer.CoreDialer) { d.Verbose, d.Logger = true, logger })
}
