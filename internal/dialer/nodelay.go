package dialer

import (
	"net"
	"syscall"
)

// withNoDelay turns Nagle's algorithm off on sock while fn runs and puts
// the previous setting back afterwards. sock is the TCP connection at the
// bottom of the stream fn writes to, nil skips the toggle.
func withNoDelay(sock net.Conn, fn func() error) error {
	sc, ok := sock.(syscall.Conn)
	if !ok {
		return fn()
	}
	prev, err := getNoDelay(sc)
	if err != nil || prev {
		return fn()
	}
	if err := setNoDelay(sc, true); err != nil {
		return fn()
	}
	defer setNoDelay(sc, prev)
	return fn()
}
