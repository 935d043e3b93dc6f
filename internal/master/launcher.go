package master

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
)

// spawner is the seam between the launcher's bookkeeping and the
// actual os/exec call, mirroring the Contract/Fake pattern already
// used by internal/privsep: production code uses execSpawner, tests use
// a fake that never actually forks.
type spawner interface {
	Start(label string, args []string, extraFiles []*os.File, pgid int) (pid int, err error)
}

// execSpawner starts a real child process via os/exec, re-entering the
// same binary under a re-entry flag. All fds in extraFiles
// become the child's fd 3, 4, 5, ... in order; nothing else is
// inherited (exec.Cmd starts with stdio only, set explicitly below).
type execSpawner struct {
	selfPath string
}

func newExecSpawner(selfPath string) *execSpawner { return &execSpawner{selfPath: selfPath} }

// Start launches one child. pgid is 0 for the first child in a new
// process group (the kernel then uses the child's own pid as the
// group's pgid) and the already-established group pgid for every
// subsequent child.
func (s *execSpawner) Start(label string, args []string, extraFiles []*os.File, pgid int) (int, error) {
	cmd := exec.Command(s.selfPath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = extraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: pgid}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("master: start %s: %w", label, err)
	}
	return cmd.Process.Pid, nil
}

// Launcher spawns every child in a ChildSpec's Plan, one shared process
// group, and hands back each child's pid for the idle supervisor to
// wait on.
type Launcher struct {
	spawn spawner
}

// NewLauncher builds a Launcher that re-execs selfPath (the daemon's
// own binary path, os.Args[0] resolved to an absolute path by the
// caller) for every child.
func NewLauncher(selfPath string) *Launcher {
	return &Launcher{spawn: newExecSpawner(selfPath)}
}

// SpawnAll starts every child in plan in a fixed order (enclave, proxy,
// then IFNs), placing them all in one new process group anchored on the
// first child's pid. It closes the master's side of each child's
// ExtraFiles once that child has actually inherited them (the fork
// already duplicated them into the child; the master's copy is now
// only a reference the OS needs to release).
func (l *Launcher) SpawnAll(plan *Plan) (pgid int, err error) {
	for i, spec := range plan.Children() {
		groupPgid := pgid
		pid, startErr := l.spawn.Start(string(spec.Role), []string{spec.Role.Flag(), "3"}, spec.ExtraFiles, groupPgid)
		if startErr != nil {
			return 0, fmt.Errorf("master: spawn %s (ifn %d): %w", spec.Role, spec.IfnID, startErr)
		}
		if i == 0 {
			pgid = pid
		}
		for _, f := range spec.ExtraFiles {
			_ = f.Close()
		}
	}
	return pgid, nil
}
