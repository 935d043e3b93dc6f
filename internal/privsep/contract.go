// Package privsep wraps the syscalls each child process uses to shed
// privilege before it starts handling untrusted input: a narrow
// interface plus one concrete, syscall-backed implementation, so tests
// can substitute a fake without needing root.
package privsep

// Limits is the rlimit triple a child sets on itself before SEOS.
type Limits struct {
	DataBytes uint64
	StackBytes uint64
	NoFile uint64
}

// Contract is every privilege-dropping step a child process takes
// before handling untrusted input. Not every role calls every method: the enclave alone
// calls DropRoot and InstallSeccomp with chroot+setuid semantics, while
// the proxy and IFN call only SetLimits and InstallSeccomp (their
// no-new-privs/rlimit half, keeping their device/socket capabilities).
type Contract interface {
	// SetLimits applies l via setrlimit(2) for RLIMIT_DATA, RLIMIT_STACK,
	// and RLIMIT_NOFILE. Fatal on failure per §7's "OS/limit violation".
	SetLimits(l Limits) error
	// DropRoot chroots to dir, chdirs into it, then drops supplementary
	// groups and switches to gid/uid, in that order (a uid switch first
	// would forfeit the privilege chroot and setgid need). Enclave only.
	DropRoot(dir string, uid, gid uint32) error
	// InstallSeccomp sets PR_SET_NO_NEW_PRIVS and installs a seccomp-bpf
	// filter allowing only the syscalls a running child legitimately
	// needs. A failure to set either (including a kernel without seccomp
	// support) is returned as an error; an installed filter that then
	// rejects a legitimate call surfaces as the process being killed by
	// SIGSYS, not as an error from this call.
	InstallSeccomp(allowed []uintptr) error
}
