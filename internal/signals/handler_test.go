package signals

import (
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

type mockNotifier struct {
	notifyCalled int32
	stopCalled   int32
	notifyChan   chan<- os.Signal
	signals      []os.Signal
}

func (m *mockNotifier) Notify(c chan<- os.Signal, sig ...os.Signal) {
	atomic.AddInt32(&m.notifyCalled, 1)
	m.notifyChan = c
	m.signals = sig
}

func (m *mockNotifier) Stop(c chan<- os.Signal) {
	atomic.AddInt32(&m.stopCalled, 1)
}

type mockProvider struct {
	shutdown []os.Signal
	stats    os.Signal
}

func (p *mockProvider) ShutdownSignals() []os.Signal { return p.shutdown }
func (p *mockProvider) StatsSignal() os.Signal       { return p.stats }

func TestHandlerSetsShutdownFlagOnSignal(t *testing.T) {
	notifier := &mockNotifier{}
	provider := &mockProvider{shutdown: []os.Signal{os.Interrupt, syscall.SIGTERM}, stats: syscall.SIGUSR1}
	h := NewHandler(provider, notifier)

	h.Start()
	h.Start() // idempotent: must not re-subscribe
	if atomic.LoadInt32(&notifier.notifyCalled) != 1 {
		t.Fatalf("expected exactly one Notify call, got %d", notifier.notifyCalled)
	}

	notifier.notifyChan <- syscall.SIGTERM
	time.Sleep(20 * time.Millisecond)

	if !h.ShutdownRequested() {
		t.Fatal("expected ShutdownRequested to be true after SIGTERM")
	}
	if h.StatsRequested() {
		t.Fatal("expected StatsRequested to remain false")
	}
	h.Stop()
}

func TestHandlerStatsFlagIsOneShot(t *testing.T) {
	notifier := &mockNotifier{}
	provider := &mockProvider{shutdown: []os.Signal{os.Interrupt}, stats: syscall.SIGUSR1}
	h := NewHandler(provider, notifier)
	h.Start()
	defer h.Stop()

	notifier.notifyChan <- syscall.SIGUSR1
	time.Sleep(20 * time.Millisecond)

	if !h.StatsRequested() {
		t.Fatal("expected first StatsRequested call to observe the signal")
	}
	if h.StatsRequested() {
		t.Fatal("expected a second StatsRequested call to report false (one-shot)")
	}
}

func TestHandlerStopUnsubscribes(t *testing.T) {
	notifier := &mockNotifier{}
	provider := &mockProvider{shutdown: []os.Signal{os.Interrupt}, stats: syscall.SIGUSR1}
	h := NewHandler(provider, notifier)
	h.Start()
	h.Stop()
	if atomic.LoadInt32(&notifier.stopCalled) != 1 {
		t.Fatalf("expected exactly one Stop call, got %d", notifier.stopCalled)
	}
	h.Stop() // idempotent
	if atomic.LoadInt32(&notifier.stopCalled) != 1 {
		t.Fatal("expected Stop to be a no-op after already stopped")
	}
}
