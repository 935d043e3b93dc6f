package privsep

import "testing"

func TestComputeLimitsScalesWithPeerCount(t *testing.T) {
	l0 := ComputeLimits(0, 2)
	l10 := ComputeLimits(10, 2)
	if l10.DataBytes <= l0.DataBytes {
		t.Fatalf("expected DataBytes to grow with peer count: %d vs %d", l0.DataBytes, l10.DataBytes)
	}
	if l0.DataBytes != minDataBytes {
		t.Fatalf("expected zero peers to hit the floor, got %d", l0.DataBytes)
	}
	if l10.NoFile != fixedFileSlots+2 {
		t.Fatalf("expected NoFile to track fixed slots plus extra fds, got %d", l10.NoFile)
	}
}

func TestFakeRecordsDropRootOrder(t *testing.T) {
	f := NewFake()
	if err := f.SetLimits(ComputeLimits(3, 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.LimitsCalled {
		t.Fatal("expected SetLimits to be recorded")
	}
	if err := f.DropRoot("/var/empty", 100, 200); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.ChrootDir != "/var/empty" || f.ChrootUID != 100 || f.ChrootGID != 200 {
		t.Fatalf("unexpected recorded DropRoot args: %+v", f)
	}
	if err := f.InstallSeccomp([]uintptr{0, 1, 2}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !f.SeccompCalled || len(f.Allowed) != 3 {
		t.Fatalf("expected InstallSeccomp to record its allow-list, got %+v", f.Allowed)
	}
}

func TestFakePropagatesInjectedFailures(t *testing.T) {
	f := NewFake()
	f.FailDropRoot = errTest
	if err := f.DropRoot("/var/empty", 1, 1); err != errTest {
		t.Fatalf("expected injected error to propagate, got %v", err)
	}
}

var errTest = &testError{"injected"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }
