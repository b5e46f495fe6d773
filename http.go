package imphttp

import (
	"net/http"

	"github.com/frankli0324/go-imphttp/internal"
	ihttp "github.com/frankli0324/go-imphttp/internal/http"
)

type Client = internal.Client
type Header = http.Header
type Request = ihttp.Request
type PreparedRequest = ihttp.PreparedRequest
type Response = ihttp.Response

type Handler = internal.Handler
type Middleware = internal.Middleware

type Option = internal.Option

// NewClient returns a Client impersonating one browser for its lifetime.
func NewClient(opts ...Option) (*Client, error) {
	return internal.NewClient(opts...)
}

var (
	WithImpersonate = internal.WithImpersonate
	WithHTTP1Only   = internal.WithHTTP1Only
	WithCoreDialer  = internal.WithCoreDialer
	WithProxies     = internal.WithProxies
	WithTimeout     = internal.WithTimeout
	WithTLSConfig   = internal.WithTLSConfig
	WithVerbose     = internal.WithVerbose
)
