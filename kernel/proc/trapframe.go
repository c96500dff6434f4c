package proc

// TrapFrame is the register state saved by the trap-entry path and consumed
// by the trap-exit path. Its layout is fixed: the trap assembly and the
// kernel must agree on it byte for byte.
type TrapFrame struct {
	RA  uint64
	SP  uint64
	GP  uint64
	TP  uint64
	T0  uint64
	T1  uint64
	T2  uint64
	S0  uint64
	S1  uint64
	A0  uint64
	A1  uint64
	A2  uint64
	A3  uint64
	A4  uint64
	A5  uint64
	A6  uint64
	A7  uint64
	S2  uint64
	S3  uint64
	S4  uint64
	S5  uint64
	S6  uint64
	S7  uint64
	S8  uint64
	S9  uint64
	S10 uint64
	S11 uint64
	T3  uint64
	T4  uint64
	T5  uint64
	T6  uint64

	SEPC    uint64
	SStatus uint64
}

// sstatus bits used when building a user-mode trap frame.
const (
	sstatusSPIE = uint64(1) << 5
	sstatusSPP  = uint64(1) << 8
)
