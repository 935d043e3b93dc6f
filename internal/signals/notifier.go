package signals

import (
	"os"
	"os/signal"
)

// Notifier abstracts os/signal.Notify/Stop so tests can substitute a
// fake channel instead of sending real process signals.
type Notifier interface {
	Notify(c chan<- os.Signal, sig ...os.Signal)
	Stop(c chan<- os.Signal)
}

type osNotifier struct{}

func NewNotifier() Notifier { return osNotifier{} }

func (osNotifier) Notify(c chan<- os.Signal, sig ...os.Signal) { signal.Notify(c, sig...) }
func (osNotifier) Stop(c chan<- os.Signal)                     { signal.Stop(c) }
