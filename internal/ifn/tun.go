// Package ifn implements the interface-worker: one process per tunnel,
// owning its tun device, its allowed-IPs trie, its per-peer rotating
// session set, and the encrypt/decrypt data path.
package ifn

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ifNameSize = 16
	tunSetIff  = 0x400454ca
	iffTun     = 0x0001
	iffNoPI    = 0x1000
)

// ifReq mirrors Linux's struct ifreq as used by the TUN/TAP ioctls.
type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [22]byte // pad to sizeof(struct ifreq)
}

// Commander is the syscall seam, injectable for testing: a narrow
// interface wrapping a raw syscall, with a mock substituted in tests.
type Commander interface {
	Ioctl(fd uintptr, request uintptr, ifr *ifReq) (uintptr, uintptr, unix.Errno)
}

type linuxCommander struct{}

func (linuxCommander) Ioctl(fd uintptr, request uintptr, ifr *ifReq) (uintptr, uintptr, unix.Errno) {
	return unix.Syscall(unix.SYS_IOCTL, fd, request, uintptr(unsafe.Pointer(ifr)))
}

// NewLinuxCommander returns the real Commander; tests substitute a fake.
func NewLinuxCommander() Commander { return linuxCommander{} }

// TunDevice wraps an opened tun fd. The tunN device is assumed to
// already exist and be configured (addresses, routes) by something
// outside this repo — OpenExisting attaches to it by name rather than
// creating a fresh one.
type TunDevice struct {
	f    *os.File
	Name string
}

// tunClonePath is the character device every tun/tap interface is
// created or attached through.
const tunClonePath = "/dev/net/tun"

// OpenExisting opens tunPath (normally tunClonePath; tests inject
// os.DevNull so exercising the ioctl-failure/success paths never
// depends on a real tun device being present) and attaches it to an
// already-configured interface name via
// TUNSETIFF — the kernel attaches to name if it already exists as a
// persistent tun device, so no IFF_TUN interface-creation side effect
// is relied upon.
func OpenExisting(commander Commander, tunPath, name string) (*TunDevice, error) {
	tun, err := os.OpenFile(tunPath, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("ifn: open %s: %w", tunPath, err)
	}

	var req ifReq
	copy(req.Name[:], name)
	req.Flags = iffTun | iffNoPI

	_, _, errno := commander.Ioctl(tun.Fd(), uintptr(tunSetIff), &req)
	if errno != 0 {
		_ = tun.Close()
		return nil, fmt.Errorf("ifn: ioctl TUNSETIFF for %s: %w", name, errno)
	}

	actual := strings.TrimRight(string(req.Name[:]), "\x00")
	return &TunDevice{f: tun, Name: actual}, nil
}

// Fd returns the raw fd, for event-loop registration.
func (t *TunDevice) Fd() uintptr { return t.f.Fd() }

func (t *TunDevice) Read(p []byte) (int, error)  { return t.f.Read(p) }
func (t *TunDevice) Write(p []byte) (int, error) { return t.f.Write(p) }
func (t *TunDevice) Close() error                { return t.f.Close() }
