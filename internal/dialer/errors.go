package dialer

import (
	"context"
	"errors"
)

type Kind int

const (
	KindResolve Kind = iota + 1
	KindConnect
	KindTLS
	KindTunnel
	KindTimedOut
)

func (k Kind) String() string {
	switch k {
	case KindResolve:
		return "resolve"
	case KindConnect:
		return "connect"
	case KindTLS:
		return "tls handshake"
	case KindTunnel:
		return "tunnel"
	case KindTimedOut:
		return "timed out"
	}
	return "dial"
}

// Error is the error returned by [CoreDialer.Dial]. Err is the cause as
// reported by the resolver, the network, the TLS library or the tunnel.
type Error struct {
	Kind Kind
	Addr string
	Err  error
}

var (
	ErrResolve  = &Error{Kind: KindResolve}
	ErrConnect  = &Error{Kind: KindConnect}
	ErrTLS      = &Error{Kind: KindTLS}
	ErrTunnel   = &Error{Kind: KindTunnel}
	ErrTimedOut = &Error{Kind: KindTimedOut}
)

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Addr != "" {
		msg += " " + e.Addr
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any error of the same kind
func (e *Error) Is(err error) bool {
	if err, ok := err.(*Error); ok {
		return err.Kind == e.Kind
	}
	return false
}

// fail wraps err into an *Error of kind, unless it already is one.
// any failure after the deadline of ctx passed is reported as timed out.
func fail(ctx context.Context, kind Kind, addr string, err error) error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		kind = KindTimedOut
	}
	return &Error{Kind: kind, Addr: addr, Err: err}
}
