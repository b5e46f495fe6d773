package h2c

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/frankli0324/go-imphttp/internal/http"
	"github.com/frankli0324/go-imphttp/internal/impersonate"
)

// the only stream a Conn opens
const streamID = 1

var (
	ErrStreamClosed       = errors.New("http2: stream closed")
	ErrConnClosed         = errors.New("http2: connection closed by client")
	ErrHeaderListTooLarge = errors.New("http2: request header list larger than peer's advertised limit")
	ErrReqBodyTooLong     = errors.New("http2: request body larger than specified content length")
)

// Conn carries one request over an HTTP/2 connection. everything the
// client puts on the wire follows the profile: the preface, SETTINGS and
// connection WINDOW_UPDATE from [Handshake], pseudo headers in
// :method :authority :scheme :path order, lowercase header names in the
// order they were prepared.
type Conn struct {
	net.Conn
	framer *http2.Framer // reads only from readLoop
	peer   *PeerSettings

	muWrite sync.Mutex // guards writes of framer, hpEnc and hbuf
	hpEnc   *hpack.Encoder
	hbuf    bytes.Buffer

	muFlow     sync.Mutex
	condFlow   *sync.Cond
	connOut    outflow
	streamOut  outflow
	peerWindow uint32 // last SETTINGS_INITIAL_WINDOW_SIZE of the peer
	badWindow  bool

	connIn, streamIn inflow // readLoop only
	gotResponse      bool   // readLoop only, a final response head was read

	headers    chan *http2.MetaHeadersFrame
	respReader *io.PipeReader
	respWriter *io.PipeWriter

	doneOnce   sync.Once
	done       chan struct{}
	doneReason error
}

// NewConn opens an HTTP/2 connection on c with params, a nil params sends
// an empty SETTINGS frame. c is left open on error.
func NewConn(c net.Conn, params *impersonate.HTTP2Params) (*Conn, error) {
	if params == nil {
		params = &impersonate.HTTP2Params{}
	}
	peer, framer, err := Handshake(c, params)
	if err != nil {
		return nil, err
	}
	tableSize := uint32(4096)
	if v := params.HeaderTableSize; v != nil {
		tableSize = *v
	}
	framer.ReadMetaHeaders = hpack.NewDecoder(tableSize, nil)
	if v := params.MaxHeaderListSize; v != nil {
		framer.MaxHeaderListSize = *v
	}

	r, w := io.Pipe()
	conn := &Conn{
		Conn:       c,
		framer:     framer,
		peer:       peer,
		headers:    make(chan *http2.MetaHeadersFrame),
		respReader: r,
		respWriter: w,
		done:       make(chan struct{}),
	}
	conn.condFlow = sync.NewCond(&conn.muFlow)
	conn.hpEnc = hpack.NewEncoder(&conn.hbuf)
	if v := peer.Get(http2.SettingHeaderTableSize); v < 4096 {
		// any call emits a table size update in the next header block
		conn.hpEnc.SetMaxDynamicTableSize(v)
	}

	conn.peerWindow = peer.Get(http2.SettingInitialWindowSize)
	conn.streamOut.n = int32(conn.peerWindow)
	conn.connOut.n = defaultWindow
	conn.streamIn.remaining = defaultWindow
	if v := params.InitialStreamWindowSize; v != nil {
		conn.streamIn.remaining = *v
	}
	conn.connIn.remaining = defaultWindow + params.ConnectionWindowIncrement()

	// callbacks run inside PeerSettings.UpdateFrom, which holds its lock
	peer.On(http2.SettingHeaderTableSize, func(value uint32) {
		conn.muWrite.Lock()
		conn.hpEnc.SetMaxDynamicTableSize(value)
		conn.muWrite.Unlock()
	})
	peer.On(http2.SettingInitialWindowSize, func(value uint32) {
		conn.muFlow.Lock()
		if !conn.streamOut.Shift(conn.peerWindow, value) {
			conn.badWindow = true
		}
		conn.peerWindow = value
		conn.muFlow.Unlock()
		conn.condFlow.Broadcast()
	})

	go conn.readLoop()
	return conn, nil
}

func (c *Conn) write(fn func(fr *http2.Framer) error) error {
	c.muWrite.Lock()
	defer c.muWrite.Unlock()
	return fn(c.framer)
}

func (c *Conn) closeWithError(err error) {
	c.doneOnce.Do(func() {
		c.doneReason = err
		close(c.done)
		c.respWriter.CloseWithError(err) // nil reads as EOF
		c.muFlow.Lock()
		c.condFlow.Broadcast()
		c.muFlow.Unlock()
	})
}

// err is why the stream is done, only valid after done is closed
func (c *Conn) err() error {
	if c.doneReason != nil {
		return c.doneReason
	}
	return ErrStreamClosed
}

// Close closes the underlying connection, pending reads of the response
// body fail with ErrConnClosed.
func (c *Conn) Close() error {
	c.closeWithError(ErrConnClosed)
	return c.Conn.Close()
}

func (c *Conn) readLoop() {
	for {
		f, err := c.framer.ReadFrame()
		if err == nil {
			err = c.handle(f)
		}
		if err != nil {
			var ce http2.ConnectionError
			if errors.As(err, &ce) {
				c.write(func(fr *http2.Framer) error {
					return fr.WriteGoAway(streamID, http2.ErrCode(ce), nil)
				})
			}
			c.closeWithError(err)
			return
		}
	}
}

func (c *Conn) handle(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		if f.IsAck() {
			return nil
		}
		if err := c.peer.UpdateFrom(f); err != nil {
			return err
		}
		c.muFlow.Lock()
		bad := c.badWindow
		c.muFlow.Unlock()
		if bad {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		return c.write(func(fr *http2.Framer) error { return fr.WriteSettingsAck() })
	case *http2.PingFrame:
		if f.IsAck() {
			return nil
		}
		return c.write(func(fr *http2.Framer) error { return fr.WritePing(true, f.Data) })
	case *http2.WindowUpdateFrame:
		c.muFlow.Lock()
		fl := &c.connOut
		if f.StreamID != 0 {
			fl = &c.streamOut
		}
		ok := fl.Refund(f.Increment)
		c.muFlow.Unlock()
		c.condFlow.Broadcast()
		if !ok {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
	case *http2.MetaHeadersFrame:
		if f.StreamID != streamID {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		if f.Truncated {
			return http2.StreamError{StreamID: f.StreamID, Code: http2.ErrCodeProtocol, Cause: errors.New("response header list too large")}
		}
		if !c.gotResponse {
			status := f.PseudoValue("status")
			c.gotResponse = !strings.HasPrefix(status, "1")
			select {
			case c.headers <- f:
			case <-c.done:
			}
		} // else trailers, which are dropped
		if f.StreamEnded() {
			c.closeWithError(nil)
		}
	case *http2.DataFrame:
		if f.StreamID != streamID {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		n := f.Length
		if !c.connIn.CheckAndPay(n) || !c.streamIn.CheckAndPay(n) {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		if data := f.Data(); len(data) > 0 {
			if _, err := c.respWriter.Write(data); err != nil {
				return err
			}
		}
		if f.StreamEnded() {
			c.closeWithError(nil)
			return nil
		}
		connInc, streamInc := c.connIn.Refund(n), c.streamIn.Refund(n)
		return c.write(func(fr *http2.Framer) error {
			if connInc > 0 {
				if err := fr.WriteWindowUpdate(0, connInc); err != nil {
					return err
				}
			}
			if streamInc > 0 {
				return fr.WriteWindowUpdate(streamID, streamInc)
			}
			return nil
		})
	case *http2.RSTStreamFrame:
		if f.ErrCode != http2.ErrCodeNo {
			c.closeWithError(http2.StreamError{StreamID: f.StreamID, Code: f.ErrCode})
		}
	case *http2.GoAwayFrame:
		if f.LastStreamID < streamID {
			c.closeWithError(http2.GoAwayError{LastStreamID: f.LastStreamID, ErrCode: f.ErrCode, DebugData: string(f.DebugData())})
		}
	case *http2.PushPromiseFrame:
		// a Conn never accepts a promised stream
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	return nil
}

// RoundTrip sends r as the connection's only stream and reads the response
// head into resp. the body of resp reads the stream's DATA, closing it
// closes the connection. cancelling ctx aborts the exchange until the head
// is read.
func (c *Conn) RoundTrip(ctx context.Context, r *http.PreparedRequest, resp *http.Response) (err error) {
	stop := context.AfterFunc(ctx, func() {
		c.closeWithError(ctx.Err())
	})
	defer func() {
		if !stop() {
			err = ctx.Err()
		}
	}()

	body, err := r.GetBody()
	if err != nil {
		return err
	}
	if body == nil {
		body = http.NoBody
	}
	hasBody := body != http.NoBody && r.ContentLength != 0
	if !hasBody {
		body.Close()
	}
	if err := c.writeHeaders(r, hasBody); err != nil {
		if hasBody {
			body.Close()
		}
		return err
	}
	if hasBody {
		go func() {
			defer body.Close() // request body is ALWAYS closed
			if err := c.writeBody(body, r.ContentLength); err != nil {
				c.write(func(fr *http2.Framer) error {
					return fr.WriteRSTStream(streamID, http2.ErrCodeCancel)
				})
				c.closeWithError(err)
			}
		}()
	}
	return c.readResponse(r, resp)
}

// shouldSendContentLength follows golang.org/x/net/http2, a zero length
// is only announced for methods that expect a body.
func shouldSendContentLength(method string, contentLength int64) bool {
	if contentLength > 0 {
		return true
	}
	if contentLength < 0 {
		return false
	}
	switch method {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

func enumHeaders(r *http.PreparedRequest) func(func(k, v string)) {
	return func(f func(k, v string)) {
		f(":method", r.Method)
		f(":authority", r.HeaderHost)
		if r.Method != "CONNECT" {
			f(":scheme", r.U.Scheme)
			f(":path", r.U.RequestURI())
		}
		for _, kv := range r.Fields {
			name := strings.ToLower(kv.Name)
			switch name {
			case "host", "content-length", "connection", "proxy-connection",
				"keep-alive", "transfer-encoding", "upgrade":
				continue // connection specific, RFC 9113 8.2.2
			case "te":
				if kv.Value != "trailers" {
					continue
				}
			}
			f(name, kv.Value)
		}
		if shouldSendContentLength(r.Method, r.ContentLength) {
			f("content-length", strconv.FormatInt(r.ContentLength, 10))
		}
	}
}

func (c *Conn) writeHeaders(r *http.PreparedRequest, hasBody bool) error {
	// read before taking muWrite, settings callbacks take it under the peer lock
	maxFrameSz := c.peer.MaxFrameSize()
	maxListSz := c.peer.Get(http2.SettingMaxHeaderListSize)
	enum := enumHeaders(r)

	c.muWrite.Lock()
	defer c.muWrite.Unlock()

	total := uint32(0)
	enum(func(k, v string) {
		total += hpack.HeaderField{Name: k, Value: v}.Size()
	})
	if total > maxListSz {
		return ErrHeaderListTooLarge
	}
	c.hbuf.Reset()
	enum(func(k, v string) {
		c.hpEnc.WriteField(hpack.HeaderField{Name: k, Value: v})
	})

	// below code consults x/net/http2 func (cc *ClientConn) writeHeaders()
	data := c.hbuf.Bytes()
	first := true // HEADERS is first, then CONTINUATION
	for first || len(data) > 0 {
		chunk := data
		if len(chunk) > int(maxFrameSz) {
			chunk = chunk[:maxFrameSz]
		}
		data = data[len(chunk):]
		endHeaders := len(data) == 0
		var err error
		if first {
			err = c.framer.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      streamID,
				BlockFragment: chunk,
				EndStream:     !hasBody,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = c.framer.WriteContinuation(streamID, endHeaders, chunk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) takeOutflow(sz uint32) (uint32, error) {
	c.muFlow.Lock()
	defer c.muFlow.Unlock()
	for !c.streamOut.Available() || !c.connOut.Available() {
		select {
		case <-c.done:
			return 0, c.err()
		default:
		}
		c.condFlow.Wait()
	}
	take1 := c.streamOut.Pay(sz)
	take2 := c.connOut.Pay(take1)
	if take2 < take1 {
		// returning less than had, will not overflow
		c.streamOut.Refund(take1 - take2)
	}
	return take2, nil
}

// writeBody sends body in DATA frames no larger than the peer allows,
// sz is the announced length or -1.
func (c *Conn) writeBody(body io.Reader, sz int64) error {
	buf := make([]byte, min(c.peer.MaxFrameSize(), 16<<10))
	read := int64(0)
	for {
		n, rerr := body.Read(buf)
		read += int64(n)
		if sz != -1 && read > sz {
			return ErrReqBodyTooLong
		}
		data := buf[:n]
		for len(data) > 0 {
			w, err := c.takeOutflow(uint32(len(data)))
			if err != nil {
				return err
			}
			err = c.write(func(fr *http2.Framer) error {
				return fr.WriteData(streamID, false, data[:w])
			})
			if err != nil {
				return err
			}
			data = data[w:]
		}
		if rerr == io.EOF {
			if sz != -1 && read < sz {
				return io.ErrUnexpectedEOF
			}
			return c.write(func(fr *http2.Framer) error {
				return fr.WriteData(streamID, true, nil)
			})
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (c *Conn) readResponse(r *http.PreparedRequest, resp *http.Response) error {
	for {
		var f *http2.MetaHeadersFrame
		select {
		case f = <-c.headers:
		case <-c.done:
			return c.err()
		}
		status := f.PseudoValue("status")
		code, err := strconv.Atoi(status)
		if err != nil || len(status) != 3 {
			return errors.New("malformed HTTP/2 status code " + status)
		}
		if code/100 == 1 {
			continue // informational, the final response follows
		}
		resp.Proto = "HTTP/2.0"
		resp.StatusCode = code
		resp.Status = status + " " + nethttp.StatusText(code)
		resp.Header = make(nethttp.Header, len(f.Fields))
		for _, hf := range f.RegularFields() {
			resp.Header.Add(hf.Name, hf.Value)
		}
		resp.ContentLength = -1
		if f.StreamEnded() {
			resp.ContentLength = 0
		} else if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseUint(cl, 10, 63); err == nil {
				resp.ContentLength = int64(n)
			}
		}
		resp.Body = responseBody{c}
		return nil
	}
}

type responseBody struct{ c *Conn }

func (b responseBody) Read(p []byte) (int, error) { return b.c.respReader.Read(p) }

func (b responseBody) Close() error { return b.c.Close() }
