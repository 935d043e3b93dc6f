//go:build linux

package privsep

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Wrapper is the real, syscall-backed Contract.
type Wrapper struct{}

func NewWrapper() Contract { return &Wrapper{} }

func (w *Wrapper) SetLimits(l Limits) error {
	limits := []struct {
		resource int
		val      uint64
		name     string
	}{
		{unix.RLIMIT_DATA, l.DataBytes, "RLIMIT_DATA"},
		{unix.RLIMIT_STACK, l.StackBytes, "RLIMIT_STACK"},
		{unix.RLIMIT_NOFILE, l.NoFile, "RLIMIT_NOFILE"},
	}
	for _, lim := range limits {
		rlim := unix.Rlimit{Cur: lim.val, Max: lim.val}
		if err := unix.Setrlimit(lim.resource, &rlim); err != nil {
			return fmt.Errorf("privsep: setrlimit %s: %w", lim.name, err)
		}
	}
	return nil
}

// DropRoot chroots and drops privilege in the only safe order: chroot,
// chdir, clear supplementary groups, setgid, then setuid last (once the
// process is unprivileged it can no longer perform any of the earlier
// steps).
func (w *Wrapper) DropRoot(dir string, uid, gid uint32) error {
	if err := unix.Chroot(dir); err != nil {
		return fmt.Errorf("privsep: chroot %s: %w", dir, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("privsep: chdir after chroot: %w", err)
	}
	if err := unix.Setgroups(nil); err != nil {
		return fmt.Errorf("privsep: setgroups: %w", err)
	}
	if err := unix.Setgid(int(gid)); err != nil {
		return fmt.Errorf("privsep: setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(int(uid)); err != nil {
		return fmt.Errorf("privsep: setuid %d: %w", uid, err)
	}
	return nil
}

// InstallSeccomp sets no-new-privs and loads a filter that allows only
// the syscalls in allowed, killing the process (SIGSYS) on anything
// else. The filter is a flat allow-list: one BPF comparison per syscall
// number, falling through to KILL_PROCESS when none match.
func (w *Wrapper) InstallSeccomp(allowed []uintptr) error {
	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("privsep: no_new_privs: %w", err)
	}

	prog := buildFilter(allowed)
	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	_, _, errno := unix.Syscall(unix.SYS_PRCTL, unix.PR_SET_SECCOMP, uintptr(unix.SECCOMP_MODE_FILTER), uintptr(unsafe.Pointer(&fprog)))
	if errno != 0 {
		return fmt.Errorf("privsep: seccomp install: %w", errno)
	}
	return nil
}

// buildFilter emits: load syscall nr, compare against each allowed
// number (ALLOW on match), then KILL_PROCESS as the default action.
func buildFilter(allowed []uintptr) []unix.SockFilter {
	const (
		bpfLd  = 0x00
		bpfW   = 0x00
		bpfAbs = 0x20
		bpfJmp = 0x05
		bpfJeq = 0x10
		bpfK   = 0x00
		bpfRet = 0x06
	)
	prog := []unix.SockFilter{
		{Code: bpfLd | bpfW | bpfAbs, K: 0}, // load syscall nr (seccomp_data offset 0)
	}
	for idx, nr := range allowed {
		// On match, skip the remaining compares plus the KILL_PROCESS
		// instruction to land on the trailing ALLOW instruction.
		jt := uint8(len(allowed)-idx-1) + 1
		prog = append(prog, unix.SockFilter{
			Code: bpfJmp | bpfJeq | bpfK,
			Jt:   jt,
			Jf:   0,
			K:    uint32(nr),
		})
	}
	prog = append(prog,
		unix.SockFilter{Code: bpfRet | bpfK, K: seccompRetKillProcess},
		unix.SockFilter{Code: bpfRet | bpfK, K: seccompRetAllow},
	)
	return prog
}

const (
	seccompRetKillProcess = 0x80000000
	seccompRetAllow       = 0x7fff0000
)
