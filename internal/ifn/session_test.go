package ifn

import (
	"testing"
	"time"
)

func TestInstallNextThenPromote(t *testing.T) {
	s := newSessionSet()
	s.InstallNext(1, 2, [32]byte{1}, [32]byte{2})
	if s.current.valid {
		t.Fatal("current must stay empty until promoted")
	}
	s.Promote()
	if !s.current.valid || s.current.localID != 1 {
		t.Fatalf("expected promoted session to become current, got %+v", s.current)
	}
	if s.next.valid {
		t.Fatal("next must be reset to empty after promotion")
	}
}

func TestPromoteRetiresOldCurrentToPrevious(t *testing.T) {
	s := newSessionSet()
	s.InstallNext(1, 10, [32]byte{1}, [32]byte{1})
	s.Promote()
	s.InstallNext(2, 20, [32]byte{2}, [32]byte{2})
	s.Promote()

	if s.current.localID != 2 {
		t.Fatalf("expected session 2 as current, got %d", s.current.localID)
	}
	if !s.previous.valid || s.previous.localID != 1 {
		t.Fatalf("expected session 1 retired to previous, got %+v", s.previous)
	}
}

func TestSessionForReceiverIDFindsAnySlot(t *testing.T) {
	s := newSessionSet()
	s.InstallNext(42, 1, [32]byte{}, [32]byte{})

	found, ok := s.SessionForReceiverID(42)
	if !ok || found != s.next {
		t.Fatal("expected to find the session currently sitting in next")
	}
	if _, ok := s.SessionForReceiverID(99); ok {
		t.Fatal("unknown receiver id must not match")
	}
}

func TestEvictExpiredPreviousZeroizes(t *testing.T) {
	s := newSessionSet()
	s.InstallNext(1, 1, [32]byte{9}, [32]byte{9})
	s.Promote()
	s.InstallNext(2, 2, [32]byte{8}, [32]byte{8})
	s.Promote()

	s.previous.installedAt = time.Now().Add(-rejectAfterTime - time.Second)
	s.EvictExpiredPrevious()
	if s.previous.valid {
		t.Fatal("expired previous session must be zeroized and invalidated")
	}
}

func TestNeedsRekeyWhenNoCurrentSession(t *testing.T) {
	s := newSessionSet()
	if !s.NeedsRekey() {
		t.Fatal("a peer with no current session always needs a rekey")
	}
}

func TestNeedsRekeyOnAgeThreshold(t *testing.T) {
	s := newSessionSet()
	s.InstallNext(1, 1, [32]byte{}, [32]byte{})
	s.Promote()
	s.current.installedAt = time.Now().Add(-rekeyAfterTime - time.Second)
	if !s.NeedsRekey() {
		t.Fatal("a session past rekeyAfterTime must require a rekey")
	}
}

func TestNeedsRekeyOnMessageCountThreshold(t *testing.T) {
	s := newSessionSet()
	s.InstallNext(1, 1, [32]byte{}, [32]byte{})
	s.Promote()
	s.current.sendCounter = rekeyAfterMessages
	if !s.NeedsRekey() {
		t.Fatal("a session past rekeyAfterMessages must require a rekey")
	}
}

func TestInstallNextZeroizesPriorNext(t *testing.T) {
	s := newSessionSet()
	s.InstallNext(1, 1, [32]byte{1}, [32]byte{1})
	s.InstallNext(2, 2, [32]byte{2}, [32]byte{2})
	if s.next.localID != 2 {
		t.Fatalf("expected the second install to win, got %d", s.next.localID)
	}
}
