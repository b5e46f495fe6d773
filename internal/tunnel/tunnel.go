// package tunnel implements the client side of an HTTP CONNECT tunnel.
//
// the request is written verbatim:
//
//	CONNECT host:port HTTP/1.1\r\n
//	Host: host:port\r\n
//	User-Agent: ...\r\n           (only if set)
//	Proxy-Authorization: ...\r\n  (only if set)
//	\r\n
//
// after a 200 response the connection is a raw relay to host:port.
package tunnel

import (
	"bytes"
	"context"
	"io"
	"net"
	"time"
)

// MaxResponseSize bounds the proxy response headers.
const MaxResponseSize = 8192

type Error struct {
	msg string
	error
}

func (e Error) Error() string {
	if e.error != nil {
		return e.msg + ": " + e.error.Error()
	}
	return e.msg
}

func (e Error) Wrap(err error) Error {
	return Error{e.msg, err}
}

func (e Error) Unwrap() error {
	return e.error
}

func (e Error) Is(err error) bool {
	if err, ok := err.(Error); ok {
		return e.msg == err.msg
	}
	return false
}

var (
	ErrAuthRequired   = Error{msg: "proxy authentication required"}
	ErrUnexpectedEOF  = Error{msg: "unexpected eof while tunneling"}
	ErrHeadersTooLong = Error{msg: "proxy headers too long for tunnel"}
	ErrUnsuccessful   = Error{msg: "unsuccessful tunnel"}
)

type Request struct {
	Host      string // host:port of the tunnel target
	UserAgent string
	Auth      string // Proxy-Authorization value
}

func (r *Request) Bytes() []byte {
	var b bytes.Buffer
	b.WriteString("CONNECT ")
	b.WriteString(r.Host)
	b.WriteString(" HTTP/1.1\r\nHost: ")
	b.WriteString(r.Host)
	b.WriteString("\r\n")
	if r.UserAgent != "" {
		b.WriteString("User-Agent: ")
		b.WriteString(r.UserAgent)
		b.WriteString("\r\n")
	}
	if r.Auth != "" {
		b.WriteString("Proxy-Authorization: ")
		b.WriteString(r.Auth)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// WriteTo writes the request in a single Write call.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

var (
	ok11, ok10     = []byte("HTTP/1.1 200"), []byte("HTTP/1.0 200")
	auth11, auth10 = []byte("HTTP/1.1 407"), []byte("HTTP/1.0 407")
	terminator     = []byte("\r\n\r\n")
)

// statusPending reports whether recv is too short to be classified yet
func statusPending(recv []byte) bool {
	if len(recv) >= len(ok11) {
		return false
	}
	for _, p := range [][]byte{ok11, ok10, auth11, auth10} {
		if bytes.HasPrefix(p, recv) {
			return true
		}
	}
	return false
}

// ReadResponse consumes the proxy's response to a CONNECT request.
// nothing past the blank line terminating the headers is expected,
// since the peer behind the tunnel waits for the client to speak first.
func ReadResponse(r io.Reader) error {
	buf := make([]byte, MaxResponseSize)
	pos := 0
	for {
		n, err := r.Read(buf[pos:])
		if n == 0 {
			if err == nil {
				continue
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrUnexpectedEOF
			}
			return err
		}
		pos += n
		recv := buf[:pos]
		switch {
		case bytes.HasPrefix(recv, ok11) || bytes.HasPrefix(recv, ok10):
			if bytes.HasSuffix(recv, terminator) {
				return nil
			}
			if pos == len(buf) {
				return ErrHeadersTooLong
			}
		case bytes.HasPrefix(recv, auth11) || bytes.HasPrefix(recv, auth10):
			return ErrAuthRequired
		case statusPending(recv):
		default:
			line, _, _ := bytes.Cut(recv, []byte("\r\n"))
			return ErrUnsuccessful.Wrap(statusLine(line))
		}
	}
}

type statusLine []byte

func (s statusLine) Error() string { return string(s) }

var aLongTimeAgo = time.Unix(1, 0)

// Establish writes req to conn and waits for the tunnel to be set up.
// cancelling ctx interrupts any pending I/O on conn, the caller is
// responsible for closing conn when an error is returned.
func Establish(ctx context.Context, conn net.Conn, req *Request) (err error) {
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(aLongTimeAgo)
	})
	defer func() {
		if !stop() {
			err = ctx.Err() // conn deadline is already in the past
		}
	}()

	if _, err := req.WriteTo(conn); err != nil {
		return err
	}
	return ReadResponse(conn)
}
