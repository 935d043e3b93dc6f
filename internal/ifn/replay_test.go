package ifn

import "testing"

func TestReplayWindowAcceptsInOrder(t *testing.T) {
	var w replayWindow
	for i := uint64(0); i < 10; i++ {
		if !w.Check(i) {
			t.Fatalf("counter %d: expected accept", i)
		}
	}
}

func TestReplayWindowRejectsExactReplay(t *testing.T) {
	var w replayWindow
	if !w.Check(5) {
		t.Fatal("first use of 5 must be accepted")
	}
	if w.Check(5) {
		t.Fatal("second use of 5 must be rejected as a replay")
	}
}

func TestReplayWindowAcceptsOutOfOrderWithinWindow(t *testing.T) {
	var w replayWindow
	w.Check(100)
	if !w.Check(95) {
		t.Fatal("95 is behind 100 but within the window, must be accepted")
	}
	if w.Check(95) {
		t.Fatal("replaying 95 must now be rejected")
	}
	if !w.Check(99) {
		t.Fatal("99 is also within the window and unused, must be accepted")
	}
}

func TestReplayWindowRejectsTooOld(t *testing.T) {
	var w replayWindow
	w.Check(replayWindowSize + 1000)
	if w.Check(0) {
		t.Fatal("counter far behind the window must be rejected")
	}
}

func TestReplayWindowAdvanceSlidesCorrectly(t *testing.T) {
	var w replayWindow
	w.Check(10)
	w.Check(5)
	// Advance highest so that 10 lands on the window's last offset
	// (2047) and 5 lands just past it (2052).
	if !w.Check(10 + replayWindowSize - 1) {
		t.Fatal("expected acceptance of the new high counter")
	}
	if w.Check(5) {
		t.Fatal("5 should have just fallen outside the window after the big advance")
	}
}

func TestReplayWindowFirstUseSeeds(t *testing.T) {
	var w replayWindow
	if !w.Check(1_000_000) {
		t.Fatal("first counter seen must always be accepted")
	}
	if w.Check(1_000_000) {
		t.Fatal("replay of the seeding counter must be rejected")
	}
}
