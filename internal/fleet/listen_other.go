//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package fleet

import "syscall"

// ReusePortSupported reports whether listen sockets can be shared between
// processes on this platform.
const ReusePortSupported = false

func reusePortControl(network, address string, c syscall.RawConn) error {
	return nil
}
