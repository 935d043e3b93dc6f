// Package master implements the one process that is ever root: it
// resolves the startup configuration, forks the enclave, the proxy,
// and one IFN per tunnel interface, hands each its dedicated channels
// and its role-minimized startup sequence over them, and then re-execs
// its own image into a stripped idle supervisor that only waits for a
// child to die and tears down the rest of the group.
package master

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// socketpair returns a connected pair of SOCK_DGRAM unix sockets as
// *os.File, one end destined to stay in the master and one to be
// inherited by a child across fork+exec. Uses the same unix.Socketpair
// call as internal/ifn's test fixtures.
func socketpair() (local, remote *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("master: socketpair: %w", err)
	}
	return os.NewFile(uintptr(fds[0]), "master-local"), os.NewFile(uintptr(fds[1]), "master-remote"), nil
}

// wireConn wraps f as a net.Conn (a *net.UnixConn underneath) for the
// master's own end of a channel, consuming f (the caller must not use
// f again).
func wireConn(f *os.File) (net.Conn, error) {
	c, err := net.FileConn(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("master: FileConn: %w", err)
	}
	_ = f.Close()
	return c, nil
}
