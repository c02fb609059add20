package guest

// CPU bundles the architectural State together with its memory/interrupt
// collaborators and the transient per-step signalling fields every emit
// function, interpreter body and the executor all need to see. Passing
// *CPU explicitly (rather than reaching for a package-level singleton) is
// what makes the emit layer unit-testable without global setup.
type CPU struct {
	State State
	Bus   Bus
	Intr  InterruptSource

	// BlockEnd is set by any emit/interp function to terminate the
	// current block cleanly after the current guest instruction
	// (spec.md §5 cancellation).
	BlockEnd bool

	// NextPC is the PC the block should resume at once BlockEnd is set,
	// for instructions that don't already leave PC updated correctly
	// (e.g. a conditional branch not taken).
	NextPC uint32

	// Abort carries a pending guest fault out of an emit/interp step.
	Abort *Abort

	// Cycles is a cycle counter for the embedder's use; exec.Executor
	// does not update it and instead returns the cycles it spent from
	// Execute.
	Cycles uint64

	// SMILatch implements spec.md §5: SMI is latched at most twice (one
	// in-flight, one pending).
	SMILatch uint8

	// TrapPending records that TF was set when this instruction began,
	// so #DB is raised after it completes rather than before.
	TrapPending bool

	// Scratch is the small fixed pool of virtual host registers the
	// emitter's Allocator hands out during codegen (spec.md §4.2).
	Scratch [8]uint32
}

// AssertSMI latches a pending SMI (spec.md §5 cancellation): at most two
// are ever queued, one in-flight and one pending behind it. The executor
// consumes one latch per block boundary it observes SMILatch nonzero.
func (c *CPU) AssertSMI() {
	if c.SMILatch < 2 {
		c.SMILatch++
	}
}

// EndBlock marks the current block for termination and records the guest
// PC execution should resume at.
func (c *CPU) EndBlock(nextPC uint32) {
	c.BlockEnd = true
	c.NextPC = nextPC
}

// Fault raises a guest-visible abort, terminating the current block. PC in
// State must already equal the faulting instruction's start — callers
// write State.PC back to OldPC-equivalent storage before any operation
// that might fault (spec.md §7 precise-fault invariant); here that just
// means: don't advance State.PC until the operation has definitely
// succeeded.
func (c *CPU) Fault(a *Abort) {
	c.Abort = a
	c.BlockEnd = true
}

// RaisePModeInt delivers vec as a protected-mode interrupt or exception
// gate (spec.md §6 raise_pmode_int). Descriptor-table indexing and
// privilege checks belong to whatever owns segmentation on the other side
// of Bus (guest/bus.go), so entry routes through the same precise-fault
// channel a guest exception uses; software distinguishes an INT n
// instruction from a hardware IRQ/NMI/SMI entry for that side to act on.
func (c *CPU) RaisePModeInt(vec byte, software bool) {
	c.Fault(&Abort{Vector: vec, Software: software, Reason: "protected-mode interrupt"})
}

// RaiseRModeInt delivers vec as a real-mode interrupt (spec.md §6
// raise_rmode_int): real mode has no privilege levels, so there is no
// software_flag to carry.
func (c *CPU) RaiseRModeInt(vec byte) {
	c.Fault(&Abort{Vector: vec, Reason: "real-mode interrupt"})
}
