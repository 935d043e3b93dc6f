package master

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"uwg/internal/startup"
	"uwg/internal/wgcrypto"
	"uwg/internal/wire"
)

// ExitReExecImpossible is returned by Bootstrap when every child was
// spawned successfully but the master's own re-exec into the idle
// supervisor failed — a distinct exit code from the general
// fatal-error code 1, because the daemon is left running with no
// supervisor to tear it down on a child's death.
const ExitReExecImpossible = 3

// sendStartup writes spec's startup sequence over its master channel
// and, once the OS confirms the write, best-effort zeroes the master's
// own copy of the key material that channel just carried.
func sendStartup(spec *ChildSpec) error {
	conn, err := wireConn(spec.masterLocal)
	if err != nil {
		return fmt.Errorf("master: channel for %s: %w", spec.Role, err)
	}
	defer func() { _ = conn.Close() }()

	if err := startup.NewWriter().Send(wire.NewConn(conn), spec.WireRole, spec.Config); err != nil {
		return fmt.Errorf("master: send startup to %s: %w", spec.Role, err)
	}
	zeroConfigSecrets(&spec.Config)
	return nil
}

// zeroConfigSecrets overwrites every secret field a Config can carry.
// It cannot make the already-sent copy of a secret unreachable (it was
// already handed to the kernel and, ultimately, the child's page
// tables) but it does shrink how long the master's own heap holds a
// plaintext copy once it's done with it.
func zeroConfigSecrets(cfg *startup.Config) {
	for i := range cfg.Interfaces {
		ifn := &cfg.Interfaces[i]
		wgcrypto.Zero(ifn.StaticPrivKey[:])
		for j := range ifn.Peers {
			p := &ifn.Peers[j]
			wgcrypto.Zero(p.DHSecret[:])
			wgcrypto.Zero(p.PSK[:])
		}
	}
}

// Bootstrap builds the fork plan for cfg, spawns every child, hands
// each its startup sequence, and re-execs the calling process into the
// idle supervisor role (-M <pgid-pipe-fd>). On success it does not
// return: the process image is gone. It returns only on failure, with
// 1 for any failure up to and including a successful fork set, or
// ExitReExecImpossible if re-exec itself is what failed.
func Bootstrap(cfg startup.Config, selfPath string) (exitCode int, err error) {
	plan, err := BuildPlan(cfg)
	if err != nil {
		return 1, err
	}
	defer plan.CloseAll()

	for _, spec := range plan.Children() {
		if err := sendStartup(spec); err != nil {
			return 1, err
		}
	}

	pgid, err := NewLauncher(selfPath).SpawnAll(plan)
	if err != nil {
		return 1, err
	}

	pipeFD, err := newPGIDPipe(pgid)
	if err != nil {
		return ExitReExecImpossible, fmt.Errorf("master: preparing re-exec: %w", err)
	}

	args := []string{selfPath, "-M", strconv.FormatUint(uint64(pipeFD), 10)}
	err = syscall.Exec(selfPath, args, os.Environ())
	// syscall.Exec only returns on failure.
	return ExitReExecImpossible, fmt.Errorf("master: re-exec: %w", err)
}
