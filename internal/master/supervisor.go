package master

import (
	"fmt"
	"log"
	"syscall"
)

// Supervisor is the idle role the master re-execs into. It holds nothing but
// the process group id recovered from the -M pipe fd; it never touches
// a config, a key, or a socket.
type Supervisor struct {
	pgid int
}

// NewSupervisor reads the process group id off pipeFD (the fd named by
// -M) and closes it.
func NewSupervisor(pipeFD uintptr) (*Supervisor, error) {
	pgid, err := readPGIDPipe(pipeFD)
	if err != nil {
		return nil, fmt.Errorf("master: supervisor startup: %w", err)
	}
	if pgid <= 1 {
		return nil, fmt.Errorf("master: supervisor got implausible pgid %d", pgid)
	}
	return &Supervisor{pgid: pgid}, nil
}

// Run blocks until any process in the supervised group exits, then
// kills the rest of the group and returns. It is the entire body of the
// idle supervisor's main loop.
func (s *Supervisor) Run() error {
	var status syscall.WaitStatus
	pid, err := syscall.Wait4(-s.pgid, &status, 0, nil)
	if err != nil {
		return fmt.Errorf("master: wait4: %w", err)
	}
	log.Printf("master: child %d exited (%s), tearing down group %d", pid, describeStatus(status), s.pgid)
	return s.killGroup()
}

// killGroup sends SIGKILL to every remaining process in the group. A
// child dying unprompted is already the abnormal, fail-fast case; there
// is no orderly-shutdown path to race here, so there is no reason to
// wait out a SIGTERM grace period before finishing the job.
func (s *Supervisor) killGroup() error {
	if err := syscall.Kill(-s.pgid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("master: kill group %d: %w", s.pgid, err)
	}
	return nil
}

func describeStatus(status syscall.WaitStatus) string {
	switch {
	case status.Exited():
		return fmt.Sprintf("exit status %d", status.ExitStatus())
	case status.Signaled():
		return fmt.Sprintf("signal %s", status.Signal())
	default:
		return "unknown status"
	}
}
