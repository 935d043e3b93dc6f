package master

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// The re-exec'd idle supervisor starts with a blank process image: none
// of the master's in-memory state (the process group it just created)
// survives a syscall.Exec. The re-entry flags each take a single
// integer file descriptor with no further structure imposed, so this
// is the one place that decides what that fd actually carries for
// -M: a pipe whose read end yields the process group id to supervise,
// written by the pre-re-exec master and read back by the post-re-exec
// supervisor. This is the only re-entry flag whose fd carries a payload
// rather than being a child's master channel.
func newPGIDPipe(pgid int) (readFD uintptr, err error) {
	r, w, err := os.Pipe()
	if err != nil {
		return 0, fmt.Errorf("master: pgid pipe: %w", err)
	}
	defer func() { _ = w.Close() }()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(pgid))
	if _, err := w.Write(buf[:]); err != nil {
		_ = r.Close()
		return 0, fmt.Errorf("master: write pgid: %w", err)
	}

	// os.Pipe marks both ends close-on-exec; the read end must survive
	// the master's own re-exec, so clear it explicitly via a raw fcntl.
	if err := unix.FcntlInt(r.Fd(), unix.F_SETFD, 0); err != nil {
		_ = r.Close()
		return 0, fmt.Errorf("master: clear cloexec on pgid pipe: %w", err)
	}
	return r.Fd(), nil
}

// readPGIDPipe is the supervisor-side counterpart: it reads the 4-byte
// little-endian pgid off fd and closes fd.
func readPGIDPipe(fd uintptr) (int, error) {
	f := os.NewFile(fd, "pgid-pipe")
	defer func() { _ = f.Close() }()

	var buf [4]byte
	if _, err := f.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("master: read pgid: %w", err)
	}
	return int(binary.LittleEndian.Uint32(buf[:])), nil
}
