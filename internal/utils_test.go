package internal_test

import (
	"context"
	"io"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/frankli0324/go-imphttp/internal"
	"github.com/frankli0324/go-imphttp/internal/dialer"
	"github.com/frankli0324/go-imphttp/internal/http"
)

// fakeConn writes requests to w and reads responses from r
type fakeConn struct {
	net.Conn
	r io.Reader
	w io.WriteCloser
}

func (c *fakeConn) Read(p []byte) (int, error)      { return c.r.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error)     { return c.w.Write(p) }
func (c *fakeConn) Close() error                    { return c.w.Close() }
func (c *fakeConn) SetDeadline(time.Time) error     { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

type TestDialer struct {
	conn *dialer.Conn
	dst  *url.URL
}

// Dial implements dialer.Dialer.
func (t *TestDialer) Dial(ctx context.Context, dst *url.URL) (*dialer.Conn, error) {
	t.dst = dst
	return t.conn, nil
}

const okResponse = "HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"

// SendSingleRequest sends req with c over a fake connection and returns
// what was written to it. conn is tweaked by the caller to look proxied.
func SendSingleRequest(t *testing.T, c *internal.Client, req *http.Request, proxied *dialer.Conn) io.Reader {
	readRequest, writeRequest := io.Pipe()
	conn := &dialer.Conn{Conn: &fakeConn{r: strings.NewReader(okResponse), w: writeRequest}}
	if proxied != nil {
		conn.IsProxy, conn.ProxyAuth = proxied.IsProxy, proxied.ProxyAuth
	}
	c.UseDialer(func(dialer.Dialer) dialer.Dialer {
		return &TestDialer{conn: conn}
	})
	go func() {
		resp, err := c.CtxDo(context.Background(), req)
		if err != nil {
			t.Error(err)
			writeRequest.CloseWithError(err)
			return
		}
		resp.Body.Close()
	}()
	return readRequest
}
