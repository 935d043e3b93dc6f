// Command uwg is the single binary for every process of the daemon.
// Run with no re-entry flag it is the master: it resolves the startup
// configuration, forks the enclave, the proxy, and one interface-worker
// per tunnel, and re-execs itself into the idle supervisor. Run with
// -E/-I/-P/-M it is one of those re-exec'd roles, learning everything
// it needs from the fd named by that flag.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"uwg/internal/enclave"
	"uwg/internal/eventloop"
	"uwg/internal/firewall"
	"uwg/internal/ifn"
	"uwg/internal/ifn/allowedips"
	"uwg/internal/logging"
	"uwg/internal/master"
	"uwg/internal/privsep"
	"uwg/internal/proxy"
	"uwg/internal/signals"
	"uwg/internal/startup"
	"uwg/internal/startup/testconfig"
	"uwg/internal/wire"
)

// loopPollMs bounds how long one RunOnce blocks, so every role's loop
// notices a signals.Handler flag within one tick even with nothing else
// to dispatch.
const loopPollMs = 1000

func main() {
	foreground := flag.Bool("d", false, "run in the foreground")
	cfgPath := flag.String("f", "", "config file path (external grammar, not parsed by this binary)")
	testOnly := flag.Bool("n", false, "parse and validate the config, then exit")
	quiet := flag.Bool("q", false, "reduce logging verbosity")
	verbose := flag.Bool("v", false, "increase logging verbosity")
	enclaveFD := flag.Int("E", -1, "re-entry: run as the enclave, master channel on this fd")
	ifnFD := flag.Int("I", -1, "re-entry: run as an interface-worker, master channel on this fd")
	proxyFD := flag.Int("P", -1, "re-entry: run as the proxy, master channel on this fd")
	supervisorFD := flag.Int("M", -1, "re-entry: run as the idle supervisor, pgid pipe on this fd")
	flag.Parse()

	var exitCode int
	switch {
	case *supervisorFD >= 0:
		exitCode = runSupervisor(*supervisorFD)
	case *enclaveFD >= 0:
		exitCode = runEnclave(*enclaveFD)
	case *proxyFD >= 0:
		exitCode = runProxy(*proxyFD)
	case *ifnFD >= 0:
		exitCode = runIFN(*ifnFD)
	default:
		exitCode = runMaster(*cfgPath, *foreground, *testOnly, *quiet, *verbose)
	}
	os.Exit(exitCode)
}

// runMaster resolves the startup configuration and either validates it
// (-n) or forks every child and re-execs into the idle supervisor.
// master.Bootstrap only returns on failure. Parsing the config file
// grammar -f names is out of scope for this binary; it stands in with
// the same fixed configuration internal/startup's test
// suite uses, the way internal/startup/testconfig's own doc comment
// describes it being used "wherever a Config is needed but no real
// config file is involved."
func runMaster(cfgPath string, foreground, testOnly, quiet, verbose bool) int {
	logger := logging.New("master")
	_ = foreground // daemonizing vs. foreground is operator-tooling's concern; both run identically here

	cfg := testconfig.Minimal()
	if cfgPath != "" {
		logger.Printf("config file parsing is out of scope; ignoring -f %s", cfgPath)
	}
	cfg.Verbose = verbose && !quiet

	if testOnly {
		if _, err := master.BuildPlan(cfg); err != nil {
			fmt.Fprintf(os.Stderr, "config test failed: %v\n", err)
			return 1
		}
		fmt.Println("config OK")
		return 0
	}

	if err := openListenPorts(cfg, logger); err != nil {
		logger.Printf("firewall setup skipped: %v", err)
	}

	self, err := os.Executable()
	if err != nil {
		logger.Printf("resolve own executable path: %v", err)
		return 1
	}

	exitCode, err := master.Bootstrap(cfg, self)
	logger.Printf("bootstrap failed: %v", err)
	return exitCode
}

// openListenPorts best-effort opens every configured UDP listen port in
// the host's nft ruleset before any child is forked. A host with no
// default-deny ruleset, or no nftables support at all, is not fatal —
// the daemon's own sockets work regardless; this only saves an operator
// a manual firewall rule.
func openListenPorts(cfg startup.Config, logger logging.Logger) error {
	drv, err := firewall.New()
	if err != nil {
		return err
	}
	defer func() { _ = drv.Close() }()
	for _, ifc := range cfg.Interfaces {
		for _, addr := range ifc.ListenAddrs {
			if err := drv.OpenUDPPort(addr.Port); err != nil {
				logger.Printf("open udp port %d: %v", addr.Port, err)
			}
		}
	}
	return nil
}

func runSupervisor(fd int) int {
	logger := logging.New("master")
	sup, err := master.NewSupervisor(uintptr(fd))
	if err != nil {
		logger.Printf("supervisor startup: %v", err)
		return 1
	}
	if err := sup.Run(); err != nil {
		logger.Printf("supervisor: %v", err)
		return 1
	}
	return 0
}

// channelFromFD wraps an inherited fd as both the raw net.Conn (for
// event-loop registration) and the framed wire.Conn every Handle*
// method expects.
func channelFromFD(fd int, name string) (net.Conn, *wire.Conn, error) {
	f := os.NewFile(uintptr(fd), name)
	c, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, nil, fmt.Errorf("wrap fd %d (%s): %w", fd, name, err)
	}
	return c, wire.NewConn(c), nil
}

// fileConn is satisfied by *net.UnixConn and *net.UDPConn alike, unlike
// wire.Fd which only handles the former (it only ever sees socketpair
// channels); every fd this binary registers with its event loop goes
// through this one path instead.
type fileConn interface {
	File() (*os.File, error)
}

// fdOf extracts the raw fd for event-loop registration. The dup File()
// returns is deliberately never closed: epoll_ctl keeps the underlying
// open file alive independent of our dup once registered, and the
// process's own conn reference keeps it alive until the process exits,
// so leaking the dup's descriptor slot for the life of the process is
// the simplest correct option.
func fdOf(c net.Conn) int {
	fc, ok := c.(fileConn)
	if !ok {
		return -1
	}
	f, err := fc.File()
	if err != nil {
		return -1
	}
	return int(f.Fd())
}

func ifName(b [16]byte) string {
	return strings.TrimRight(string(b[:]), "\x00")
}

// runEnclave is child process entry for -E: it reads its own startup
// sequence off fd, then the proxy channel at fd+1 and one IFN channel
// per configured interface at fd+2, fd+3, ... (the fixed order
// master.BuildPlan assembled the enclave's ExtraFiles in).
func runEnclave(fd int) int {
	logger := logging.New("enclave")

	masterConn, masterWire, err := channelFromFD(fd, "enclave-master")
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}
	parsed, err := startup.NewReader().Read(masterWire)
	_ = masterConn.Close()
	if err != nil {
		logger.Printf("read startup sequence: %v", err)
		return 1
	}

	peerCount := 0
	for _, pi := range parsed.Interfaces {
		peerCount += len(pi.Peers)
	}
	if err := dropPrivileges(enclaveAllowedSyscalls, privsep.ComputeLimits(peerCount, 2+len(parsed.Interfaces)), &parsed.Init, true); err != nil {
		logger.Printf("privilege drop: %v", err)
		return 1
	}

	proxyConn, proxyWire, err := channelFromFD(fd+1, "enclave-proxy")
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}

	loop, err := eventloop.New()
	if err != nil {
		logger.Printf("event loop: %v", err)
		return 1
	}
	defer func() { _ = loop.Close() }()

	svc := enclave.NewService(proxyWire)
	for i, pi := range parsed.Interfaces {
		iface := enclave.NewInterface(pi.SIfn)
		if len(pi.ListenAddrs) > 0 {
			iface.SetListenAddr(pi.ListenAddrs[0])
		}
		for _, pp := range pi.Peers {
			iface.AddPeer(pp.SPeer)
		}
		ifnConn, ifnWire, err := channelFromFD(fd+2+i, fmt.Sprintf("enclave-ifn%d", pi.IfnID))
		if err != nil {
			logger.Printf("%v", err)
			return 1
		}
		svc.AddInterface(iface, ifnWire)
		ifnID := pi.IfnID
		if err := loop.Register(fdOf(ifnConn), func(uint32) {
			if err := svc.HandleIfnMessage(ifnID); err != nil {
				logger.Printf("ifn %d message: %v", ifnID, err)
			}
		}); err != nil {
			logger.Printf("register ifn %d channel: %v", ifnID, err)
			return 1
		}
	}

	if err := loop.Register(fdOf(proxyConn), func(uint32) {
		if err := svc.HandleProxyMessage(); err != nil {
			logger.Printf("proxy message: %v", err)
		}
	}); err != nil {
		logger.Printf("register proxy channel: %v", err)
		return 1
	}

	runLoop(loop, logger, nil)
	return 0
}

// runProxy is child process entry for -P: master channel at fd, the
// enclave channel at fd+1, then one IFN channel per interface at
// fd+2, fd+3, ....
func runProxy(fd int) int {
	logger := logging.New("proxy")

	masterConn, masterWire, err := channelFromFD(fd, "proxy-master")
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}
	parsed, err := startup.NewReader().Read(masterWire)
	_ = masterConn.Close()
	if err != nil {
		logger.Printf("read startup sequence: %v", err)
		return 1
	}

	if err := dropPrivileges(proxyAllowedSyscalls, privsep.ComputeLimits(0, 2+len(parsed.Interfaces)), &parsed.Init, false); err != nil {
		logger.Printf("privilege drop: %v", err)
		return 1
	}

	enclaveConn, enclaveWire, err := channelFromFD(fd+1, "proxy-enclave")
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}

	loop, err := eventloop.New()
	if err != nil {
		logger.Printf("event loop: %v", err)
		return 1
	}
	defer func() { _ = loop.Close() }()

	px := proxy.New(enclaveWire)
	for i, pi := range parsed.Interfaces {
		_, ifnWire, err := channelFromFD(fd+2+i, fmt.Sprintf("proxy-ifn%d", pi.IfnID))
		if err != nil {
			logger.Printf("%v", err)
			return 1
		}
		px.AddInterface(pi.IfnID, pi.Mac1Key, ifnWire)

		ifnID := pi.IfnID
		for _, la := range pi.ListenAddrs {
			laddr := udpAddrFromCidr(la)
			conn, err := net.ListenUDP(udpNetwork(la.Family), laddr)
			if err != nil {
				logger.Printf("listen udp %s: %v", laddr, err)
				continue
			}
			px.AddListener(ifnID, conn)
			lfd := fdOf(conn)
			if lfd < 0 {
				logger.Printf("listener fd (ifn %d): not a file-backed conn", ifnID)
				continue
			}
			if err := loop.Register(lfd, func(uint32) {
				px.HandleListenerReadable(conn, ifnID)
			}); err != nil {
				logger.Printf("register listener (ifn %d): %v", ifnID, err)
			}
		}
	}

	if err := loop.Register(fdOf(enclaveConn), func(uint32) {
		if err := px.HandleEnclaveMessage(); err != nil {
			logger.Printf("enclave message: %v", err)
		}
	}); err != nil {
		logger.Printf("register enclave channel: %v", err)
		return 1
	}

	runLoop(loop, logger, func() {
		s := px.Stats()
		logger.Printf("stats: dropped_unclassified=%d dropped_data_on_listener=%d flows_created=%d flows_reused=%d",
			s.DroppedUnclassified, s.DroppedDataOnListener, s.FlowsCreated, s.FlowsReused)
	})
	return 0
}

func udpNetwork(family byte) string {
	if family == 4 {
		return "udp4"
	}
	return "udp6"
}

func udpAddrFromCidr(a wire.SCidrAddr) *net.UDPAddr {
	if a.Family == 4 {
		ip := make(net.IP, 4)
		copy(ip, a.Addr[:4])
		return &net.UDPAddr{IP: ip, Port: int(a.Port)}
	}
	ip := make(net.IP, 16)
	copy(ip, a.Addr[:])
	return &net.UDPAddr{IP: ip, Port: int(a.Port)}
}

// runIFN is child process entry for -I: master channel at fd, enclave
// channel at fd+1, proxy channel at fd+2 (a fixed 3-fd order regardless
// of which interface this process owns — it learns that from the one
// SIfn record its master channel carries).
func runIFN(fd int) int {
	logger := logging.New("ifn")

	masterConn, masterWire, err := channelFromFD(fd, "ifn-master")
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}
	parsed, err := startup.NewReader().Read(masterWire)
	_ = masterConn.Close()
	if err != nil {
		logger.Printf("read startup sequence: %v", err)
		return 1
	}
	if len(parsed.Interfaces) != 1 {
		logger.Printf("expected exactly one interface, got %d", len(parsed.Interfaces))
		return 1
	}
	pi := parsed.Interfaces[0]
	logger = logging.New(fmt.Sprintf("ifn%d", pi.IfnID))

	if err := dropPrivileges(ifnAllowedSyscalls, privsep.ComputeLimits(len(pi.Peers), 3), &parsed.Init, false); err != nil {
		logger.Printf("privilege drop: %v", err)
		return 1
	}

	tun, err := ifn.OpenExisting(ifn.NewLinuxCommander(), "/dev/net/tun", ifName(pi.IfName))
	if err != nil {
		logger.Printf("open tun: %v", err)
		return 1
	}

	trie := allowedips.New()
	for _, p := range pi.Peers {
		for _, aip := range p.AllowedIPs {
			trie.Insert(aip.Family, aip.Addr, int(aip.Prefix), p.PeerID)
		}
	}

	enclaveConn, enclaveWire, err := channelFromFD(fd+1, "ifn-enclave")
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}
	proxyConn, proxyWire, err := channelFromFD(fd+2, "ifn-proxy")
	if err != nil {
		logger.Printf("%v", err)
		return 1
	}

	loop, err := eventloop.New()
	if err != nil {
		logger.Printf("event loop: %v", err)
		return 1
	}
	defer func() { _ = loop.Close() }()

	iface := ifn.NewInterface(pi.IfnID, tun, trie, enclaveWire, proxyWire)
	for _, p := range pi.Peers {
		iface.AddPeer(p.PeerID)
	}
	iface.OnEndpointPinned(func(peerID uint16, conn net.Conn) {
		efd := fdOf(conn)
		if efd < 0 {
			logger.Printf("endpoint fd for peer %d: not a file-backed conn", peerID)
			return
		}
		if err := loop.Register(efd, func(uint32) {
			if err := iface.HandleEndpointReadableByID(peerID); err != nil {
				logger.Printf("endpoint readable for peer %d: %v", peerID, err)
			}
		}); err != nil {
			logger.Printf("register endpoint for peer %d: %v", peerID, err)
		}
	})

	if err := loop.Register(int(tun.Fd()), func(uint32) {
		if err := iface.HandleTunReadable(); err != nil {
			logger.Printf("tun readable: %v", err)
		}
	}); err != nil {
		logger.Printf("register tun: %v", err)
		return 1
	}
	if err := loop.Register(fdOf(enclaveConn), func(uint32) {
		if err := iface.HandleEnclaveMessage(); err != nil {
			logger.Printf("enclave message: %v", err)
		}
	}); err != nil {
		logger.Printf("register enclave channel: %v", err)
		return 1
	}
	if err := loop.Register(fdOf(proxyConn), func(uint32) {
		if err := iface.HandleProxyMessage(); err != nil {
			logger.Printf("proxy message: %v", err)
		}
	}); err != nil {
		logger.Printf("register proxy channel: %v", err)
		return 1
	}

	runLoop(loop, logger, func() { iface.DumpStats(logger) })
	return 0
}

// runLoop is the cooperative main loop shared by every non-master role:
// dispatch ready fds, then check the signal flags on every wakeup.
// dumpStats is nil for roles with nothing of their own to report.
func runLoop(loop *eventloop.Loop, logger logging.Logger, dumpStats func()) {
	handler := signals.NewHandler(signals.NewDefaultProvider(), signals.NewNotifier())
	handler.Start()
	defer handler.Stop()

	for !handler.ShutdownRequested() {
		if _, err := loop.RunOnce(loopPollMs); err != nil {
			logger.Printf("event loop: %v", err)
		}
		if handler.StatsRequested() && dumpStats != nil {
			dumpStats()
		}
	}
}

// dropPrivileges applies the rlimit floor to every child, plus (enclave
// only) the chroot+setuid/setgid sequence, plus a seccomp-bpf filter
// everywhere. Any failed step is returned, and the caller exits on it. enclaveRole selects the chroot/setuid
// step; the enclave is the only role that ever calls it.
func dropPrivileges(allowed []uintptr, limits privsep.Limits, init *wire.SInit, enclaveRole bool) error {
	w := privsep.NewWrapper()
	if err := w.SetLimits(limits); err != nil {
		return err
	}
	if enclaveRole {
		if err := w.DropRoot(enclaveChrootDir, init.UID, init.GID); err != nil {
			return err
		}
	}
	if err := w.InstallSeccomp(allowed); err != nil {
		return err
	}
	return nil
}

// enclaveChrootDir is the empty directory the enclave confines itself
// to after startup. It must exist and contain nothing; provisioning it
// is operator tooling, outside this repo's scope the same way tunN's
// own configuration is.
const enclaveChrootDir = "/var/empty"

// goRuntimeSyscalls is the floor every role needs just to keep the Go
// runtime itself alive under a seccomp filter installed from Go code:
// goroutine scheduling, the garbage collector, and signal delivery all
// reach the kernel directly, independent of anything the application
// logic does. None of this is named anywhere — it is the cost of
// self-sandboxing a garbage-collected runtime rather than a single
// static binary with no runtime of its own.
var goRuntimeSyscalls = []uintptr{
	unix.SYS_MMAP, unix.SYS_MUNMAP, unix.SYS_MADVISE, unix.SYS_BRK,
	unix.SYS_FUTEX, unix.SYS_CLONE, unix.SYS_SCHED_YIELD,
	unix.SYS_RT_SIGACTION, unix.SYS_RT_SIGPROCMASK, unix.SYS_SIGALTSTACK,
	unix.SYS_NANOSLEEP, unix.SYS_GETTID, unix.SYS_TGKILL,
	unix.SYS_SET_ROBUST_LIST, unix.SYS_ARCH_PRCTL,
}

// commonAllowedSyscalls covers what every role needs regardless of its
// own I/O: reading/writing/closing/duplicating a registered fd, waiting
// on and maintaining the event loop's epoll instance, and exiting.
var commonAllowedSyscalls = append([]uintptr{
	unix.SYS_READ, unix.SYS_WRITE, unix.SYS_CLOSE, unix.SYS_FCNTL, unix.SYS_DUP,
	unix.SYS_EPOLL_CREATE1, unix.SYS_EPOLL_WAIT, unix.SYS_EPOLL_CTL,
	unix.SYS_EXIT_GROUP, unix.SYS_RT_SIGRETURN,
}, goRuntimeSyscalls...)

// udpSyscalls covers the recv/send calls Go's net package issues for a
// UDP or unix-datagram socket (datagram reads/writes go through
// *msg variants, not plain read/write, once the runtime netpoller is
// involved).
var udpSyscalls = []uintptr{
	unix.SYS_RECVFROM, unix.SYS_SENDTO,
	unix.SYS_RECVMSG, unix.SYS_SENDMSG,
}

var (
	// enclaveAllowedSyscalls: the enclave never touches a socket beyond
	// its already-open control channels (plain read/write suffice) and
	// needs getrandom for ephemeral key generation.
	enclaveAllowedSyscalls = append(append([]uintptr{}, commonAllowedSyscalls...), unix.SYS_GETRANDOM)

	// proxyAllowedSyscalls: UDP listeners and flow sockets need the
	// datagram syscalls on top of the common set.
	proxyAllowedSyscalls = append(append([]uintptr{}, commonAllowedSyscalls...), udpSyscalls...)

	// ifnAllowedSyscalls: a tun device's reads/writes go through plain
	// read/write like any file, but SYS_IOCTL was already needed once at
	// startup to attach to it — keep it allowed since TUNSETIFF runs
	// before the filter installs but SYS_IOCTL costs nothing extra to
	// permit for the device's lifetime.
	ifnAllowedSyscalls = append(append(append([]uintptr{}, commonAllowedSyscalls...), udpSyscalls...), unix.SYS_IOCTL)
)
