//go:build !unix

package dialer

import (
	"errors"
	"net"
	"syscall"
)

var errNoDelayUnsupported = errors.New("reading TCP_NODELAY is not supported on this platform")

func getNoDelay(syscall.Conn) (bool, error) {
	return false, errNoDelayUnsupported
}

func setNoDelay(c syscall.Conn, on bool) error {
	if tc, ok := c.(*net.TCPConn); ok {
		return tc.SetNoDelay(on)
	}
	return errNoDelayUnsupported
}
