// Package irq models the hart's supervisor interrupt-enable state. With a
// single hart, a critical section is delimited by a disable/restore pair that
// saves and restores the previous SIE value; every ready-list, wait-list and
// ownership update in the kernel happens inside such a pair.
//
// On a hosted build the only asynchronous context is the timer tick, so the
// disable state is backed by a real mutex: Disable taken by the running
// thread excludes the tick handler, which enters the same critical section
// through Lock/Unlock.
package irq

import "sync"

var (
	mu sync.Mutex

	// depth counts nested Disable calls by the running thread. Only one
	// kernel thread runs at a time, so no atomicity is needed beyond mu.
	depth int
)

// Disable enters a critical section and returns the previous enable state,
// which must be handed back to Restore. Nested sections are supported; only
// the outermost pair locks out interrupt handlers.
func Disable() bool {
	enabled := depth == 0
	if enabled {
		mu.Lock()
	}
	depth++
	return enabled
}

// Restore leaves a critical section entered with Disable. prev must be the
// value the matching Disable returned.
func Restore(prev bool) {
	depth--
	if prev {
		mu.Unlock()
	}
}

// Lock enters the critical section from interrupt context (the timer tick or
// a device ISR). Handlers never nest, so no depth accounting applies.
func Lock() { mu.Lock() }

// Unlock leaves a critical section entered with Lock.
func Unlock() { mu.Unlock() }

// SuspendState releases the critical section completely, however deeply the
// running thread has nested it, and returns the saved nesting depth. The
// scheduler calls it immediately before a context switch: the interrupt
// state is part of the thread's context and must not leak to the thread
// being switched in.
func SuspendState() int {
	d := depth
	depth = 0
	if d > 0 {
		mu.Unlock()
	}
	return d
}

// ResumeState re-establishes a nesting depth saved by SuspendState. The
// scheduler calls it when the suspended thread is switched back in.
func ResumeState(d int) {
	if d > 0 {
		mu.Lock()
	}
	depth = d
}
