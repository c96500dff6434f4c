// Package timer provides alarms and thread sleep on top of the platform
// timer. Timer interrupts are the kernel's only asynchronous wake source:
// they transition WAITING threads to READY and never anything else.
package timer

import (
	"time"

	"ktos/kernel/irq"
	"ktos/kernel/thread"
)

// TickInterval is the periodic timer interrupt interval. Ticks drive
// preemption points and wake the idle thread so readied sleepers get a hart.
const TickInterval = 20 * time.Millisecond

// nowFn returns the current time in nanosecond ticks. It is a seam for
// tests.
var nowFn = func() uint64 { return uint64(time.Now().UnixNano()) }

// Manager owns the sleep machinery and the periodic tick.
type Manager struct {
	thr  *thread.Manager
	tick *time.Ticker
	done chan struct{}
}

// New starts the periodic tick and returns the timer manager.
func New(thr *thread.Manager) *Manager {
	m := &Manager{
		thr:  thr,
		tick: time.NewTicker(TickInterval),
		done: make(chan struct{}),
	}

	go func() {
		for {
			select {
			case <-m.tick.C:
				// Preemption point: kick the hart out of wfi so
				// any thread readied by an alarm gets scheduled.
				m.thr.WakeIdle()
			case <-m.done:
				return
			}
		}
	}()

	return m
}

// Stop cancels the periodic tick. Used by tests; the kernel never stops its
// timer.
func (m *Manager) Stop() {
	m.tick.Stop()
	close(m.done)
}

// SleepUs suspends the calling thread for at least us microseconds.
func (m *Manager) SleepUs(us uint64) {
	a := m.NewAlarm("usleep")
	a.SleepUs(us)
}

// Alarm is a repeating wake-up source. Successive sleeps are measured from
// the previous wake time, not from "now", so periodic sleepers do not drift.
type Alarm struct {
	m     *Manager
	cond  *thread.Cond
	twake uint64
}

// NewAlarm creates an alarm. The wake time starts at the current time.
func (m *Manager) NewAlarm(name string) *Alarm {
	if name == "" {
		name = "alarm"
	}
	return &Alarm{
		m:     m,
		cond:  m.thr.NewCond(name),
		twake: nowFn(),
	}
}

// Sleep suspends the calling thread until tcnt nanoseconds after the alarm's
// previous wake time. If that moment has already passed it returns at once.
func (a *Alarm) Sleep(tcnt uint64) {
	now := nowFn()

	// A count large enough to wrap pins the wake time at the maximum.
	if ^uint64(0)-a.twake < tcnt {
		a.twake = ^uint64(0)
	} else {
		a.twake += tcnt
	}

	if a.twake <= now {
		return
	}

	fired := false
	timer := time.AfterFunc(time.Duration(a.twake-now), func() {
		// Interrupt context: ready the sleeper and kick the hart.
		irq.Lock()
		fired = true
		irq.Unlock()
		a.cond.BroadcastISR()
	})
	defer timer.Stop()

	prev := irq.Disable()
	for !fired {
		a.cond.Wait()
	}
	irq.Restore(prev)
}

// SleepUs sleeps for us microseconds past the previous wake time.
func (a *Alarm) SleepUs(us uint64) { a.Sleep(us * 1000) }

// SleepMs sleeps for ms milliseconds past the previous wake time.
func (a *Alarm) SleepMs(ms uint64) { a.Sleep(ms * 1000 * 1000) }
