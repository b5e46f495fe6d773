package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/frankli0324/go-imphttp/internal/http"
)

type bodyCloser struct {
	io.Reader
	close func() error
}

func (b bodyCloser) Close() error { return b.close() }

// HTTP1 writes a request and reads its response in HTTP/1.1 message syntax.
type HTTP1 struct {
	// Absolute writes the request target in absolute-form, as requests
	// to a plain HTTP proxy must be.
	Absolute bool
	// ProxyAuth is sent as Proxy-Authorization when not empty
	ProxyAuth string
}

var aLongTimeAgo = time.Unix(1, 0)

// RoundTrip writes r to c and reads the response head. the body of resp
// reads from c, closing it closes c. cancelling ctx aborts the exchange
// until the head is read.
func (t HTTP1) RoundTrip(ctx context.Context, c net.Conn, r *http.PreparedRequest, resp *http.Response) (err error) {
	stop := context.AfterFunc(ctx, func() {
		c.SetDeadline(aLongTimeAgo)
	})
	defer func() {
		if !stop() {
			err = ctx.Err()
		}
	}()
	if err := t.Write(c, r); err != nil {
		return err
	}
	return t.Read(c, r, resp)
}

func (t HTTP1) Write(w io.Writer, r *http.PreparedRequest) error {
	body, err := r.GetBody()
	if err != nil {
		return err
	}
	if body == nil {
		body = http.NoBody
	}
	defer body.Close() // request body is ALWAYS closed

	chunked := body != http.NoBody && r.ContentLength == -1
	bw := bufio.NewWriter(w) // default bufsize is 4096
	t.writeHeader(bw, r, chunked)
	switch {
	case chunked:
		cw := httputil.NewChunkedWriter(bw)
		if _, err := io.Copy(cw, body); err != nil {
			return err
		}
		cw.Close()
		bw.WriteString("\r\n") // no trailers
	case body != http.NoBody:
		if _, err := io.Copy(bw, body); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (t HTTP1) target(r *http.PreparedRequest) string {
	if !t.Absolute {
		return r.U.RequestURI()
	}
	u := *r.U
	u.User, u.Fragment, u.RawFragment = nil, "", ""
	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return u.String()
}

// writeHeader writes the request line and header fields of an http 1.1 request
// e.g.:
//
//	GET / HTTP/1.1\r\n
//	Host: www.google.com\r\n
//	X-Xx-Yy: cccccc\r\n
//	\r\n
func (t HTTP1) writeHeader(w *bufio.Writer, r *http.PreparedRequest, chunked bool) {
	w.WriteString(r.Method)
	w.WriteByte(' ')
	w.WriteString(t.target(r))
	w.WriteString(" HTTP/1.1\r\nHost: ")
	w.WriteString(r.HeaderHost)
	w.WriteString("\r\n")
	for _, f := range r.Fields {
		w.WriteString(f.Name)
		w.WriteString(": ")
		w.WriteString(f.Value)
		w.WriteString("\r\n")
	}
	if chunked {
		w.WriteString("Transfer-Encoding: chunked\r\n")
	} else if r.ContentLength != -1 {
		w.WriteString("Content-Length: ")
		w.WriteString(strconv.FormatInt(r.ContentLength, 10))
		w.WriteString("\r\n")
	}
	if t.ProxyAuth != "" {
		w.WriteString("Proxy-Authorization: ")
		w.WriteString(t.ProxyAuth)
		w.WriteString("\r\n")
	}
	w.WriteString("\r\n")
}

func (t HTTP1) Read(r io.Reader, req *http.PreparedRequest, resp *http.Response) (err error) {
	closer := io.NopCloser
	if cr, ok := r.(io.Closer); ok {
		closer = func(r io.Reader) io.ReadCloser { return bodyCloser{r, cr.Close} }
	}
	tp := textproto.NewReader(bufio.NewReader(r))

	line, err := tp.ReadLine()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	proto, status, ok := strings.Cut(line, " ")
	if !ok {
		return errors.New("malformed HTTP response")
	}
	resp.Proto = proto
	resp.Status = strings.TrimLeft(status, " ")

	statusCode, _, _ := strings.Cut(resp.Status, " ")
	if len(statusCode) != 3 {
		return errors.New("malformed HTTP status code " + statusCode)
	}
	resp.StatusCode, err = strconv.Atoi(statusCode)
	if err != nil || resp.StatusCode < 0 {
		return errors.New("malformed HTTP status code")
	}

	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	resp.Header = nethttp.Header(mimeHeader)

	return t.readTransfer(tp.R, req, resp, closer)
}

func noBody(method string, status int) bool {
	return method == "HEAD" || status/100 == 1 || status == 204 || status == 304
}

func (t HTTP1) readTransfer(r *bufio.Reader, req *http.PreparedRequest, resp *http.Response, closer func(io.Reader) io.ReadCloser) error {
	contentLens := resp.Header["Content-Length"]

	// Hardening against HTTP request smuggling, taken from standard library
	if len(contentLens) > 1 {
		// Per RFC 7230 Section 3.3.2
		first := textproto.TrimString(contentLens[0])
		for _, ct := range contentLens[1:] {
			if first != textproto.TrimString(ct) {
				return fmt.Errorf("http: message cannot contain multiple Content-Length headers; got %q", contentLens)
			}
		}
		resp.Header.Set("Content-Length", first)
		contentLens = resp.Header["Content-Length"]
	}

	cl := int64(-1)
	if len(contentLens) > 0 {
		n, err := strconv.ParseUint(contentLens[0], 10, 63)
		if err == nil {
			cl = int64(n)
		}
	}
	resp.ContentLength = cl

	switch {
	case noBody(req.Method, resp.StatusCode):
		resp.ContentLength = 0
		fallthrough
	case cl == 0:
		closer(nil).Close()
		resp.Body = http.NoBody
	case strings.EqualFold(resp.Header.Get("Transfer-Encoding"), "chunked"):
		resp.ContentLength = -1
		resp.Body = closer(httputil.NewChunkedReader(r))
	case cl > 0:
		resp.Body = closer(io.LimitReader(r, cl))
	default: // delimited by the connection closing
		resp.Body = closer(r)
	}
	return nil
}
