package master

import (
	"fmt"
	"os"

	"uwg/internal/startup"
	"uwg/internal/wire"
)

// ChildRole names one of the three child process kinds the master
// spawns. Re-entry flags map one-to-one onto these roles,
// except that every IFN re-enters under the same flag (-I) and learns
// which interface it owns from the first SIfn record on its master
// channel, not from a CLI argument.
type ChildRole string

const (
	RoleEnclave ChildRole = "enclave"
	RoleProxy   ChildRole = "proxy"
	RoleIFN     ChildRole = "ifn"
)

// Flag returns the re-entry flag this role answers to.
func (r ChildRole) Flag() string {
	switch r {
	case RoleEnclave:
		return "-E"
	case RoleProxy:
		return "-P"
	case RoleIFN:
		return "-I"
	default:
		return ""
	}
}

// ChildSpec is everything the launcher needs to spawn one child: its
// role, the startup sequence to send it, the fd it should keep its
// master channel on (always ExtraFiles[0], i.e. fd 3 in the child),
// and the full ordered set of fds to inherit.
type ChildSpec struct {
	Role ChildRole
	IfnID uint16 // meaningful only for RoleIFN, for logging

	WireRole wire.Role
	Config   startup.Config

	// masterLocal is the master's own end of this child's master
	// channel; the master sends Config over it, then closes it (or, for
	// the pre-re-exec design, leaves it for the idle supervisor to
	// close) once the startup sequence is fully written.
	masterLocal *os.File

	// ExtraFiles are the fds to inherit, in order; ExtraFiles[0] is
	// always the child's end of its master channel, so the child always
	// finds it at fd 3 regardless of role.
	ExtraFiles []*os.File
}

// Plan is the full fork plan for one daemon instance: one enclave, one
// proxy, and one IFN per configured interface, plus the bookkeeping
// needed to close every fd exactly once.
type Plan struct {
	Enclave *ChildSpec
	Proxy   *ChildSpec
	IFNs    []*ChildSpec

	// allFiles lists every *os.File created while building the plan, so
	// a single defer can close whichever of them the caller hasn't
	// already handed to a child (or all of them, on a build error).
	allFiles []*os.File
}

// Children returns the three spec groups as one flat, stable-ordered
// slice (enclave, proxy, then IFNs in interface order).
func (p *Plan) Children() []*ChildSpec {
	out := make([]*ChildSpec, 0, 2+len(p.IFNs))
	out = append(out, p.Enclave, p.Proxy)
	out = append(out, p.IFNs...)
	return out
}

// CloseAll closes every fd the plan created. Safe to call more than
// once; a double-close on an *os.File only ever returns an error, which
// CloseAll ignores (best-effort cleanup, not a correctness path).
func (p *Plan) CloseAll() {
	for _, f := range p.allFiles {
		_ = f.Close()
	}
}

// BuildPlan allocates every socketpair the daemon's fixed channel
// topology requires (master<->each child, enclave<->proxy,
// enclave<->each IFN, proxy<->each IFN) and assembles one ChildSpec per
// child, with its ExtraFiles already in the order its role expects.
//
// cfg must already be the fully resolved configuration (all interfaces,
// all peers, real key material) — BuildPlan does not parse or validate
// an external config grammar; that is out of scope.
func BuildPlan(cfg startup.Config) (*Plan, error) {
	p := &Plan{}
	track := func(fs ...*os.File) {
		p.allFiles = append(p.allFiles, fs...)
	}
	newPair := func() (local, remote *os.File, err error) {
		local, remote, err = socketpair()
		if err != nil {
			return nil, nil, err
		}
		track(local, remote)
		return local, remote, nil
	}

	if len(cfg.Interfaces) == 0 {
		return nil, fmt.Errorf("master: config has no interfaces")
	}

	masterEnclaveLocal, masterEnclaveRemote, err := newPair()
	if err != nil {
		return nil, err
	}
	masterProxyLocal, masterProxyRemote, err := newPair()
	if err != nil {
		return nil, err
	}
	enclaveProxyLocal, enclaveProxyRemote, err := newPair()
	if err != nil {
		return nil, err
	}

	p.Enclave = &ChildSpec{
		Role:        RoleEnclave,
		WireRole:    wire.RoleEnclave,
		Config:      cfg,
		masterLocal: masterEnclaveLocal,
		ExtraFiles:  []*os.File{masterEnclaveRemote, enclaveProxyLocal},
	}
	p.Proxy = &ChildSpec{
		Role:        RoleProxy,
		WireRole:    wire.RoleProxy,
		Config:      cfg,
		masterLocal: masterProxyLocal,
		ExtraFiles:  []*os.File{masterProxyRemote, enclaveProxyRemote},
	}

	for _, ifn := range cfg.Interfaces {
		masterIfnLocal, masterIfnRemote, err := newPair()
		if err != nil {
			return nil, err
		}
		enclaveIfnLocal, enclaveIfnRemote, err := newPair()
		if err != nil {
			return nil, err
		}
		proxyIfnLocal, proxyIfnRemote, err := newPair()
		if err != nil {
			return nil, err
		}

		p.Enclave.ExtraFiles = append(p.Enclave.ExtraFiles, enclaveIfnLocal)
		p.Proxy.ExtraFiles = append(p.Proxy.ExtraFiles, proxyIfnLocal)

		ifnCfg := cfg
		ifnCfg.Interfaces = []startup.InterfaceConfig{ifn}
		p.IFNs = append(p.IFNs, &ChildSpec{
			Role:        RoleIFN,
			IfnID:       ifn.ID,
			WireRole:    wire.RoleIFN,
			Config:      ifnCfg,
			masterLocal: masterIfnLocal,
			ExtraFiles:  []*os.File{masterIfnRemote, enclaveIfnRemote, proxyIfnRemote},
		})
	}

	return p, nil
}
