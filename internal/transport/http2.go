package transport

import (
	"context"
	"net"

	"github.com/frankli0324/go-imphttp/internal/http"
	"github.com/frankli0324/go-imphttp/internal/impersonate"
	"github.com/frankli0324/go-imphttp/internal/transport/h2c"
)

// HTTP2 sends a single request over a connection that negotiated h2.
// Params decide the connection preface, SETTINGS and window sizes the
// server sees, nil sends an empty SETTINGS frame.
type HTTP2 struct {
	Params *impersonate.HTTP2Params
}

// RoundTrip opens an HTTP/2 connection over c and sends r as its only
// stream. closing the body of resp closes c.
func (t HTTP2) RoundTrip(ctx context.Context, c net.Conn, r *http.PreparedRequest, resp *http.Response) error {
	stop := context.AfterFunc(ctx, func() {
		c.SetDeadline(aLongTimeAgo)
	})
	cc, err := h2c.NewConn(c, t.Params)
	if !stop() {
		if err == nil {
			cc.Close()
		}
		return ctx.Err()
	}
	if err != nil {
		return err
	}
	if err := cc.RoundTrip(ctx, r, resp); err != nil {
		cc.Close()
		return err
	}
	return nil
}
