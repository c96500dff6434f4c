package irq

import "ktos/kernel"

// MaxSources is the number of interrupt sources the platform PLIC wires up.
// Source 0 is reserved and never claimable.
const MaxSources = 96

// ISR is an interrupt service routine registered for a PLIC source.
type ISR func(srcno int)

// Regs abstracts the PLIC's memory-mapped register file. The boot shim
// provides the MMIO-backed implementation; tests provide fakes.
type Regs interface {
	SetPriority(srcno, prio int)
	Enable(srcno int)
	Disable(srcno int)
	Claim() int
	Complete(srcno int)
}

// PLIC dispatches platform-level interrupts to registered service routines.
// Its contract is deliberately small: claim the next pending source, run the
// ISR attached to it, mark the source completed.
type PLIC struct {
	regs Regs
	isrs [MaxSources]ISR
}

var errBadSource = &kernel.Error{Module: "irq", Message: "interrupt source number out of range", Code: kernel.CodeInval}

// NewPLIC returns a PLIC dispatcher over the supplied register file.
func NewPLIC(regs Regs) *PLIC {
	return &PLIC{regs: regs}
}

// Register attaches isr to srcno and enables the source at the given
// priority. Drivers call this from their open routines.
func (p *PLIC) Register(srcno, prio int, isr ISR) *kernel.Error {
	if srcno <= 0 || srcno >= MaxSources {
		return errBadSource
	}
	p.isrs[srcno] = isr
	p.regs.SetPriority(srcno, prio)
	p.regs.Enable(srcno)
	return nil
}

// Dispatch services one external interrupt: it claims the next pending
// source, invokes its ISR, and completes the claim. It returns false when no
// source was pending. The trap layer calls this on every external interrupt.
func (p *PLIC) Dispatch() bool {
	srcno := p.regs.Claim()
	if srcno == 0 {
		return false
	}
	if srcno < MaxSources && p.isrs[srcno] != nil {
		p.isrs[srcno](srcno)
	}
	p.regs.Complete(srcno)
	return true
}
