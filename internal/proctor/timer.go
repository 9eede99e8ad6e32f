package proctor

import (
	"errors"
	"sync"
	"time"
)

// ErrTimerStarted is returned when Start is called on a timer that already ran.
var ErrTimerStarted = errors.New("timer already started")

// TickSource produces one value per tick and a function releasing it.
type TickSource func() (<-chan time.Time, func())

// SecondTicker is the production TickSource.
func SecondTicker() (<-chan time.Time, func()) {
	t := time.NewTicker(time.Second)
	return t.C, t.Stop
}

// Timer counts an attempt down with one-second resolution. It is single use:
// once started it either expires or is stopped, and cannot be restarted.
type Timer struct {
	mu        sync.Mutex
	source    TickSource
	onTick    func(remaining int)
	onExpire  func()
	remaining int
	started   bool
	running   bool
	stopped   bool
	done      chan struct{}
}

// NewTimer creates a stopped timer. onTick may be nil.
func NewTimer(source TickSource, onTick func(remaining int), onExpire func()) *Timer {
	if source == nil {
		source = SecondTicker
	}
	return &Timer{
		source:   source,
		onTick:   onTick,
		onExpire: onExpire,
	}
}

// Start begins the countdown from durationSeconds.
func (t *Timer) Start(durationSeconds int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started {
		return ErrTimerStarted
	}
	if durationSeconds < 0 {
		durationSeconds = 0
	}

	t.started = true
	t.running = true
	t.remaining = durationSeconds
	t.done = make(chan struct{})

	ticks, release := t.source()
	go t.run(ticks, release, t.done)
	return nil
}

func (t *Timer) run(ticks <-chan time.Time, release func(), done <-chan struct{}) {
	defer release()

	for {
		select {
		case <-done:
			return
		case <-ticks:
			remaining, expired, ok := t.tick()
			if !ok || t.halted() {
				return
			}
			if t.onTick != nil {
				t.onTick(remaining)
			}
			if expired {
				// onTick runs unlocked, so a Stop may have landed meanwhile.
				if t.onExpire != nil && !t.halted() {
					t.onExpire()
				}
				return
			}
		}
	}
}

// tick consumes one second. A Stop that returns before the tick is taken
// always wins; one that lands during the callbacks is caught by halted.
func (t *Timer) tick() (remaining int, expired bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running {
		return 0, false, false
	}
	if t.remaining > 0 {
		t.remaining--
	}
	if t.remaining == 0 {
		t.running = false
		return 0, true, true
	}
	return t.remaining, false, true
}

// Stop cancels future ticks. Safe to call repeatedly, before Start, or after expiry.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		t.running = false
		close(t.done)
	}
	t.started = true
	t.stopped = true
}

// halted reports whether Stop has been called.
func (t *Timer) halted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// Remaining returns the seconds left on the clock.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}

// Running reports whether the countdown is active.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}
