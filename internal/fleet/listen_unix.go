//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package fleet

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ReusePortSupported reports whether listen sockets can be shared between
// processes on this platform.
const ReusePortSupported = true

func reusePortControl(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return serr
}
