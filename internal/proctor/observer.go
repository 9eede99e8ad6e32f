package proctor

import "github.com/stemsi/exstem-proctor/internal/model"

// Observer receives session notifications. Calls are made outside the
// session lock, possibly from the timer goroutine, so implementations must
// be safe for concurrent use and must not block for long.
type Observer interface {
	StateChanged(snap Snapshot)
	Tick(remainingSeconds int)
	Warned(w Warning)
	Violated(ev model.ViolationEvent)
}

// MultiObserver fans notifications out in order.
type MultiObserver []Observer

func (m MultiObserver) StateChanged(snap Snapshot) {
	for _, o := range m {
		o.StateChanged(snap)
	}
}

func (m MultiObserver) Tick(remainingSeconds int) {
	for _, o := range m {
		o.Tick(remainingSeconds)
	}
}

func (m MultiObserver) Warned(w Warning) {
	for _, o := range m {
		o.Warned(w)
	}
}

func (m MultiObserver) Violated(ev model.ViolationEvent) {
	for _, o := range m {
		o.Violated(ev)
	}
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) StateChanged(Snapshot)         {}
func (NopObserver) Tick(int)                      {}
func (NopObserver) Warned(Warning)                {}
func (NopObserver) Violated(model.ViolationEvent) {}
