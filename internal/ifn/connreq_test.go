//go:build linux

package ifn

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"uwg/internal/ifn/allowedips"
	"uwg/internal/wire"
)

// socketpairConn returns a *net.UnixConn wrapping one end of a fresh
// SOCK_DGRAM socketpair.
func socketpairConn(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	leftFile := os.NewFile(uintptr(fds[0]), "left")
	rightFile := os.NewFile(uintptr(fds[1]), "right")
	leftConn, err := net.FileConn(leftFile)
	if err != nil {
		t.Fatalf("filconn left: %v", err)
	}
	rightConn, err := net.FileConn(rightFile)
	if err != nil {
		t.Fatalf("filconn right: %v", err)
	}
	_ = leftFile.Close()
	_ = rightFile.Close()
	return leftConn.(*net.UnixConn), rightConn.(*net.UnixConn)
}

func TestHandleConnReqInstallsEndpointFromFD(t *testing.T) {
	proxySide, ifnSide := socketpairConn(t)
	defer proxySide.Close()
	defer ifnSide.Close()

	trie := allowedips.New()
	iface := NewInterface(1, nil, trie, nil, wire.NewConn(ifnSide))
	p := iface.AddPeer(5)

	udp, err := net.ListenUDP("udp4", nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer udp.Close()
	f, err := udp.File()
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	defer f.Close()

	req := wire.ConnReq{IfnID: 1, PeerID: 5}
	if err := wire.NewConn(proxySide).SendFD(wire.KindConnReq, wire.Marshal(req), f.Fd()); err != nil {
		t.Fatalf("sendfd: %v", err)
	}

	if err := iface.HandleProxyMessage(); err != nil {
		t.Fatalf("HandleProxyMessage: %v", err)
	}
	if p.endpoint == nil {
		t.Fatal("expected peer endpoint to be installed from the handed-off fd")
	}
}

func TestHandleConnReqUnknownPeerErrors(t *testing.T) {
	proxySide, ifnSide := socketpairConn(t)
	defer proxySide.Close()
	defer ifnSide.Close()

	trie := allowedips.New()
	iface := NewInterface(1, nil, trie, nil, wire.NewConn(ifnSide))

	udp, err := net.ListenUDP("udp4", nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer udp.Close()
	f, err := udp.File()
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	defer f.Close()

	req := wire.ConnReq{IfnID: 1, PeerID: 99}
	if err := wire.NewConn(proxySide).SendFD(wire.KindConnReq, wire.Marshal(req), f.Fd()); err != nil {
		t.Fatalf("sendfd: %v", err)
	}

	if err := iface.HandleProxyMessage(); err == nil {
		t.Fatal("expected an error for a connreq naming an unregistered peer")
	}
}
