// Package timer implements the IDSCP2 one-shot timer subsystem (C5): a
// race-free start/reset/cancel contract shared by a static-delay flavor
// (handshake, verifier handshake, ack) and a dynamic-delay flavor (ra, dat).
//
// Every timer spawns a worker goroutine (time.AfterFunc) that, once the
// delay elapses, acquires the caller-supplied mutex before invoking the
// handler. Cancel()/Reset()/Start() are only ever called while that same
// mutex is already held (by FSM transition discipline, see pkg/fsm) -
// this is what makes the generation-counter check race-free: a fire that
// is already queued on the mutex when Cancel bumps the generation will
// see the mismatch once it finally acquires the lock and simply no-op.
package timer

import (
	"sync"
	"time"
)

// base holds the state shared by Static and Dynamic timers. It is never
// used directly by callers.
type base struct {
	locker     sync.Locker
	handler    func()
	generation uint64
	timer      *time.Timer
}

func (b *base) startLocked(delay time.Duration) {
	b.generation++
	gen := b.generation
	b.timer = time.AfterFunc(delay, func() { b.fire(gen) })
}

func (b *base) cancelLocked() {
	b.generation++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

func (b *base) fire(gen uint64) {
	b.locker.Lock()
	defer b.locker.Unlock()

	if gen != b.generation {
		return // cancelled or superseded by a later Start/Reset
	}
	if b.handler != nil {
		b.handler()
	}
}

// Static is a one-shot timer whose delay is fixed at construction.
type Static struct {
	*base
	delay time.Duration
}

// NewStatic constructs a Static timer. locker is the FSM mutex that guards
// the FSM this timer belongs to: Start/Reset/Cancel must only be called
// while locker is already held by the caller.
func NewStatic(locker sync.Locker, delay time.Duration, handler func()) *Static {
	return &Static{base: &base{locker: locker, handler: handler}, delay: delay}
}

// Start schedules the timer to fire after its configured delay.
func (s *Static) Start() { s.startLocked(s.delay) }

// Reset cancels any pending firing and reschedules from now.
func (s *Static) Reset() {
	s.cancelLocked()
	s.startLocked(s.delay)
}

// Cancel guarantees no subsequent firing of this timer instance.
func (s *Static) Cancel() { s.cancelLocked() }

// Dynamic is a one-shot timer whose delay is supplied per call.
type Dynamic struct {
	*base
}

// NewDynamic constructs a Dynamic timer. See NewStatic for the locker
// discipline.
func NewDynamic(locker sync.Locker, handler func()) *Dynamic {
	return &Dynamic{base: &base{locker: locker, handler: handler}}
}

// Start schedules the timer to fire after delay.
func (d *Dynamic) Start(delay time.Duration) { d.startLocked(delay) }

// Reset cancels any pending firing and reschedules after delay from now.
func (d *Dynamic) Reset(delay time.Duration) {
	d.cancelLocked()
	d.startLocked(delay)
}

// Cancel guarantees no subsequent firing of this timer instance.
func (d *Dynamic) Cancel() { d.cancelLocked() }
