package guest

import "fmt"

// ErrorKind names the fault/condition table of spec.md §7.
type ErrorKind int

const (
	KindGuestAbort ErrorKind = iota
	KindBlockBudgetExceeded
	KindCacheMiss
	KindDirtyHit
	KindUnsupportedOpcode
)

// Abort is a guest-visible fault (#GP, #PF, #SS, #NP, #TS, #UD, #NM, ...).
// Vector is the interrupt vector the fault maps to; Code is the optional
// error code pushed for faults that carry one (0 otherwise).
//
// Precise-fault invariant (spec.md §7): whoever raises an Abort must have
// already left PC at the faulting instruction's start, not after it —
// decode.CompileBlock does this by emitting, ahead of each instruction's
// ops, an op that sets State.PC to that instruction's start.
type Abort struct {
	Vector byte
	Code   uint32
	Reason string

	// Software distinguishes an INT n software interrupt from a
	// hardware-originated entry (IRQ/NMI/SMI) for protected-mode gate
	// dispatch; unused for genuine faults.
	Software bool
}

func (a *Abort) Error() string {
	return fmt.Sprintf("guest abort: vector=%#02x code=%#x (%s)", a.Vector, a.Code, a.Reason)
}

// Standard guest fault vectors.
const (
	VectorDE = 0x00 // divide error
	VectorDB = 0x01 // debug / trap flag
	VectorNMI = 0x02
	VectorBP  = 0x03
	VectorOF  = 0x04
	VectorBR  = 0x05
	VectorUD  = 0x06 // invalid opcode
	VectorNM  = 0x07 // device not available (CR0.TS)
	VectorDF  = 0x08 // double fault
	VectorTS  = 0x0A // invalid TSS
	VectorNP  = 0x0B // segment not present
	VectorSS  = 0x0C // stack-segment fault
	VectorGP  = 0x0D // general protection
	VectorPF  = 0x0E // page fault
)

// ErrBlockBudgetExceeded signals that the emitter hit the per-block
// byte/op cap (spec.md §4.5); this is not a guest fault, it is a codegen
// housekeeping condition decode.CompileBlock resolves by stitching an
// unconditional jump to the next PC.
type ErrBlockBudgetExceeded struct {
	GuestPC  uint32
	OpsEmitted int
}

func (e *ErrBlockBudgetExceeded) Error() string {
	return fmt.Sprintf("block budget exceeded at pc=%#08x after %d ops", e.GuestPC, e.OpsEmitted)
}

// ErrUnsupportedOpcode signals a nil emit-table entry (spec.md §7):
// the partial block must be discarded and execution falls through to the
// interpreter for this instruction.
type ErrUnsupportedOpcode struct {
	GuestPC uint32
	Opcode  byte
	Two     bool // true if this was a 0F-prefixed opcode
}

func (e *ErrUnsupportedOpcode) Error() string {
	prefix := ""
	if e.Two {
		prefix = "0F "
	}
	return fmt.Sprintf("unsupported opcode %s%#02x at pc=%#08x", prefix, e.Opcode, e.GuestPC)
}

// ErrDirtyHit signals that guest memory was written inside a compiled
// block's page mask (spec.md §7): the block is invalidated and the next
// lookup recompiles.
type ErrDirtyHit struct {
	PhysAddr uint32
}

func (e *ErrDirtyHit) Error() string {
	return fmt.Sprintf("dirty hit at phys=%#08x", e.PhysAddr)
}
