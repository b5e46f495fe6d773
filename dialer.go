package imphttp

import (
	"github.com/frankli0324/go-imphttp/internal/dialer"
)

type Dialer = dialer.Dialer
type CoreDialer = dialer.CoreDialer
type Conn = dialer.Conn

type ProxyConfig = dialer.ProxyConfig
type ResolveConfig = dialer.ResolveConfig
