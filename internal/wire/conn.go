package wire

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// maxDatagram bounds a single control-channel read. The largest payload
// we ever send is a transport-size WireGuard message relayed with its
// envelope; 2048 bytes leaves comfortable headroom without the
// MTU-sized allocations a data-path packet buffer would need.
const maxDatagram = 2048

// Conn is a framed, length-delimited channel between two of the
// daemon's processes, backed by a SOCK_DGRAM unix socket (a connected
// socketpair fd handed down by the master). Framing is implicit in
// SOCK_DGRAM semantics: one Write is one message, so a short read can
// never be a partial message — it is always a protocol violation.
type Conn struct {
	c net.Conn
}

// NewConn wraps an already-connected datagram connection (typically a
// *net.UnixConn over a socketpair fd inherited from the master).
func NewConn(c net.Conn) *Conn {
	return &Conn{c: c}
}

// Send writes one message: a one-byte kind followed by payload.
func (c *Conn) Send(kind Kind, payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(kind)
	copy(buf[1:], payload)
	_, err := c.c.Write(buf)
	return err
}

// SendStruct marshals v and sends it under kind.
func (c *Conn) SendStruct(kind Kind, v any) error {
	return c.Send(kind, Marshal(v))
}

// Recv reads one message and returns its kind and raw payload (the kind
// byte is stripped). An empty datagram (zero bytes, not even a kind
// byte) is a protocol violation.
func (c *Conn) Recv() (Kind, []byte, error) {
	buf := make([]byte, maxDatagram)
	n, err := c.c.Read(buf)
	if err != nil {
		return 0, nil, err
	}
	if n == 0 {
		return 0, nil, &ProtocolError{Msg: "empty datagram"}
	}
	return Kind(buf[0]), append([]byte(nil), buf[1:n]...), nil
}

// RecvExpect reads one message and fails with a ProtocolError unless its
// kind matches want, then unmarshals it into v.
func (c *Conn) RecvExpect(want Kind, v any) error {
	kind, payload, err := c.Recv()
	if err != nil {
		return err
	}
	if kind != want {
		return &ProtocolError{Kind: kind, Msg: fmt.Sprintf("expected %s", want)}
	}
	return Unmarshal(kind, payload, v)
}

// Close releases the underlying connection.
func (c *Conn) Close() error { return c.c.Close() }

// SendFD sends one message carrying payload plus an ancillary file
// descriptor (SCM_RIGHTS), the mechanism the proxy uses to hand a
// newly-connected flow socket to the owning IFN, and the master uses to
// hand startup fds to every child.
func (c *Conn) SendFD(kind Kind, payload []byte, fd uintptr) error {
	uc, ok := c.c.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("wire: SendFD requires a unix conn, got %T", c.c)
	}
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(kind)
	copy(buf[1:], payload)
	oob := unix.UnixRights(int(fd))
	_, _, err := uc.WriteMsgUnix(buf, oob, nil)
	return err
}

// RecvFD reads one message that may carry an ancillary file descriptor.
// fd is 0 if the message carried none.
func (c *Conn) RecvFD() (kind Kind, payload []byte, fd uintptr, err error) {
	uc, ok := c.c.(*net.UnixConn)
	if !ok {
		return 0, nil, 0, fmt.Errorf("wire: RecvFD requires a unix conn, got %T", c.c)
	}
	buf := make([]byte, maxDatagram)
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, _, _, err := uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return 0, nil, 0, err
	}
	if n == 0 {
		return 0, nil, 0, &ProtocolError{Msg: "empty datagram"}
	}
	if oobn > 0 {
		scms, parseErr := unix.ParseSocketControlMessage(oob[:oobn])
		if parseErr == nil && len(scms) > 0 {
			if fds, rightsErr := unix.ParseUnixRights(&scms[0]); rightsErr == nil && len(fds) > 0 {
				fd = uintptr(fds[0])
			}
		}
	}
	return Kind(buf[0]), append([]byte(nil), buf[1:n]...), fd, nil
}

// Fd returns the underlying file descriptor when the connection is a
// *net.UnixConn, for registration with the process's event loop.
func Fd(c net.Conn) (uintptr, error) {
	uc, ok := c.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("wire: not a unix conn: %T", c)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uintptr
	if err := raw.Control(func(s uintptr) { fd = s }); err != nil {
		return 0, err
	}
	// This is uc's own descriptor, not a dup: it stays valid for as
	// long as uc is open.
	return fd, nil
}
