//go:build unix

package dialer

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func getNoDelay(c syscall.Conn) (on bool, err error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return false, err
	}
	var v int
	if cerr := raw.Control(func(fd uintptr) {
		v, err = unix.GetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY)
	}); cerr != nil {
		return false, cerr
	}
	return v != 0, err
}

func setNoDelay(c syscall.Conn, on bool) (err error) {
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	v := 0
	if on {
		v = 1
	}
	if cerr := raw.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, v)
	}); cerr != nil {
		return cerr
	}
	return err
}
