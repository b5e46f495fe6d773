// package h2c writes the opening of an HTTP/2 client connection the way a
// browser profile does: connection preface, SETTINGS in the profile's
// order, then the connection level WINDOW_UPDATE.
package h2c

import (
	"bufio"
	"errors"
	"io"
	"net"

	"golang.org/x/net/http2"

	"github.com/frankli0324/go-imphttp/internal/impersonate"
)

var ErrFirstFrameNotSettings = errors.New("connection error, first frame sent by server not settings")

// WritePreface writes the client connection preface to w in one flush.
func WritePreface(w io.Writer, params *impersonate.HTTP2Params) error {
	wbuf := bufio.NewWriter(w)
	if _, err := io.WriteString(wbuf, http2.ClientPreface); err != nil {
		return err
	}
	framer := http2.NewFramer(wbuf, nil)
	if err := framer.WriteSettings(params.Settings()...); err != nil {
		return err
	}
	if inc := params.ConnectionWindowIncrement(); inc > 0 {
		if err := framer.WriteWindowUpdate(0, inc); err != nil {
			return err
		}
	}
	return wbuf.Flush()
}

// Handshake writes the preface and reads the server connection preface,
// which must begin with a SETTINGS frame. The server's settings are
// acknowledged before returning. It leaves c open on error.
func Handshake(c net.Conn, params *impersonate.HTTP2Params) (*PeerSettings, *http2.Framer, error) {
	if err := WritePreface(c, params); err != nil {
		return nil, nil, err
	}
	framer := http2.NewFramer(c, c)
	// The server connection preface consists of a potentially empty SETTINGS frame
	// that MUST be the first frame the server sends in the HTTP/2 connection.
	// https://httpwg.org/specs/rfc7540.html#rfc.section.3.5
	f, err := framer.ReadFrame()
	if err != nil {
		return nil, nil, err
	}
	sf, ok := f.(*http2.SettingsFrame)
	if !ok || sf.IsAck() {
		_ = framer.WriteGoAway(0, http2.ErrCodeProtocol, nil)
		return nil, nil, ErrFirstFrameNotSettings
	}
	peer := newPeerSettings()
	if err := peer.UpdateFrom(sf); err != nil {
		return nil, nil, err
	}
	if err := framer.WriteSettingsAck(); err != nil {
		return nil, nil, err
	}
	return peer, framer, nil
}
