package signals

import (
	"os"
	"sync/atomic"
)

// Handler turns delivered signals into flags an event loop polls once
// per turn. Nothing here runs application logic from the signal
// goroutine itself: it only ever does `flag.Store(true)`, since every
// role's real work must happen on the loop's own goroutine.
type Handler struct {
	provider Provider
	notifier Notifier

	shutdown atomic.Bool
	stats    atomic.Bool

	started atomic.Bool
	ch      chan os.Signal
	done    chan struct{}
}

func NewHandler(provider Provider, notifier Notifier) *Handler {
	return &Handler{provider: provider, notifier: notifier}
}

// Start subscribes to the provider's signals and begins flag-setting.
// Idempotent: a second call is a no-op.
func (h *Handler) Start() {
	if !h.started.CompareAndSwap(false, true) {
		return
	}
	sigs := append(append([]os.Signal{}, h.provider.ShutdownSignals()...), h.provider.StatsSignal())
	h.ch = make(chan os.Signal, len(sigs))
	h.done = make(chan struct{})
	h.notifier.Notify(h.ch, sigs...)

	statsSig := h.provider.StatsSignal()
	go func() {
		for {
			select {
			case sig, ok := <-h.ch:
				if !ok {
					return
				}
				if sig == statsSig {
					h.stats.Store(true)
				} else {
					h.shutdown.Store(true)
				}
			case <-h.done:
				return
			}
		}
	}()
}

// Stop unsubscribes and halts the flag-setting goroutine.
func (h *Handler) Stop() {
	if !h.started.CompareAndSwap(true, false) {
		return
	}
	h.notifier.Stop(h.ch)
	close(h.done)
}

// ShutdownRequested reports whether SIGINT/SIGTERM arrived since the
// last check; does not clear the flag (shutdown is terminal).
func (h *Handler) ShutdownRequested() bool { return h.shutdown.Load() }

// StatsRequested reports and clears whether the stats signal arrived
// since the last check, so one delivery produces exactly one dump.
func (h *Handler) StatsRequested() bool { return h.stats.CompareAndSwap(true, false) }
