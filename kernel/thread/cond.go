package thread

import (
	"ktos/kernel"
	"ktos/kernel/irq"
	"ktos/kernel/kfmt"
)

// Cond is a condition variable: a name plus a FIFO list of waiting threads.
// Threads are woken in the order they began waiting.
type Cond struct {
	m    *Manager
	name string
	wait tidList
}

// NewCond creates a condition owned by this manager.
func (m *Manager) NewCond(name string) *Cond {
	return m.newCond(name)
}

func (m *Manager) newCond(name string) *Cond {
	c := &Cond{m: m, name: name}
	c.wait.clear()
	return c
}

// Wait suspends the running thread until the condition is broadcast. The
// caller re-checks its predicate on return; a broadcast wakes every waiter
// regardless of why it was asleep.
func (m *Manager) wait(c *Cond) {
	t := m.threads[m.cur]
	if t.state != StateRunning {
		kfmt.Panic(&kernel.Error{Module: "thread", Message: "condition wait from a non-running thread"})
	}

	prev := irq.Disable()
	t.state = StateWaiting
	t.waitCond = c
	c.wait.push(m, t.id)
	irq.Restore(prev)

	m.suspend()
}

// Wait blocks the running thread on this condition.
func (c *Cond) Wait() { c.m.wait(c) }

// Broadcast readies every thread waiting on this condition, appending each
// to the tail of the ready list in FIFO order.
func (c *Cond) Broadcast() {
	prev := irq.Disable()
	c.m.broadcastLocked(c)
	irq.Restore(prev)
}

// BroadcastISR is the interrupt-context variant of Broadcast. It enters the
// critical section the way a handler must and wakes the idle thread in case
// the hart is sleeping.
func (c *Cond) BroadcastISR() {
	irq.Lock()
	c.m.broadcastLocked(c)
	irq.Unlock()
	c.m.WakeIdle()
}

func (m *Manager) broadcastLocked(c *Cond) {
	for !c.wait.empty() {
		tid := c.wait.pop(m)
		t := m.threads[tid]
		t.state = StateReady
		t.waitCond = nil
		m.ready.push(m, tid)
	}
}
