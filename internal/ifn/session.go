package ifn

import (
	"time"

	"uwg/internal/wgcrypto"
)

// Timing constants for the rekey policy, matching upstream WireGuard's
// own values.
const (
	rekeyAfterTime     = 120 * time.Second
	rekeyAfterMessages = 1 << 60
	rekeyTimeout       = 5 * time.Second
	rejectAfterTime    = 180 * time.Second
)

// session is one transport key pair plus the state needed to enforce
// the rekey policy and anti-replay window on it.
type session struct {
	localID, peerID uint32
	sendKey, recvKey [32]byte
	sendCounter      uint64
	window           replayWindow
	installedAt      time.Time
	valid            bool
}

func (s *session) zero() {
	wgcrypto.Zero(s.sendKey[:])
	wgcrypto.Zero(s.recvKey[:])
	*s = session{}
}

// sessionSet is the three-slot rotating session set kept per peer:
// current, previous, next. MSGSESSKEYS installs a
// fresh session as "next"; the first authenticated transport packet in
// either direction promotes it to "current", demoting the old current
// to "previous". "Previous" is retained for rejectAfterTime so packets
// already in flight when rotation happened can still decrypt, then is
// evicted and zeroized.
type sessionSet struct {
	current, previous, next *session
}

func newSessionSet() *sessionSet {
	return &sessionSet{current: &session{}, previous: &session{}, next: &session{}}
}

// InstallNext stores newly derived keys as "next", zeroizing whatever
// "next" previously held (a session that was never promoted, e.g. a
// superseded concurrent handshake).
func (s *sessionSet) InstallNext(localID, peerID uint32, sendKey, recvKey [32]byte) {
	s.next.zero()
	s.next.localID = localID
	s.next.peerID = peerID
	s.next.sendKey = sendKey
	s.next.recvKey = recvKey
	s.next.installedAt = nowFunc()
	s.next.valid = true
}

// Promote moves "next" into "current" on the first authenticated
// transport packet that uses it, retiring the old "current" into
// "previous" (evicting and zeroizing whatever "previous" held).
func (s *sessionSet) Promote() {
	s.previous.zero()
	s.previous, s.current = s.current, s.next
	s.next = &session{}
}

// EvictExpiredPrevious zeroizes "previous" once it has outlived
// rejectAfterTime.
func (s *sessionSet) EvictExpiredPrevious() {
	if s.previous.valid && nowFunc().Sub(s.previous.installedAt) > rejectAfterTime {
		s.previous.zero()
	}
}

// SessionForReceiverID returns whichever slot's localID matches id, so
// an inbound transport packet's Receiver field can be resolved to the
// right key without a linear key-guess loop.
func (s *sessionSet) SessionForReceiverID(id uint32) (*session, bool) {
	for _, sess := range []*session{s.current, s.previous, s.next} {
		if sess.valid && sess.localID == id {
			return sess, true
		}
	}
	return nil, false
}

// NeedsRekey reports whether the current session has crossed any of the
// rekey policy's thresholds.
func (s *sessionSet) NeedsRekey() bool {
	if !s.current.valid {
		return true
	}
	if nowFunc().Sub(s.current.installedAt) >= rekeyAfterTime {
		return true
	}
	if s.current.sendCounter >= rekeyAfterMessages {
		return true
	}
	return false
}

// nowFunc is a seam for deterministic tests; production code never
// overrides it.
var nowFunc = time.Now
