package guest

// Bus is the guest memory API the core consumes (spec.md §6). Segmentation,
// the TLB walker and device/bus emulation all live on the other side of
// this interface; the core only ever calls through it.
type Bus interface {
	ReadB(seg int, off uint32) (byte, *Abort)
	ReadW(seg int, off uint32) (uint16, *Abort)
	ReadL(seg int, off uint32) (uint32, *Abort)
	ReadQ(seg int, off uint32) (uint64, *Abort)

	WriteB(seg int, off uint32, v byte) *Abort
	WriteW(seg int, off uint32, v uint16) *Abort
	WriteL(seg int, off uint32, v uint32) *Abort
	WriteQ(seg int, off uint32, v uint64) *Abort

	// PhysOf translates a linear address to a guest physical address,
	// returning a fault if the translation is not present.
	PhysOf(linear uint32) (uint32, *Abort)

	InvalidateTLB()
}

// InterruptSource is the interrupt controller state the core observes
// (spec.md §6) when deciding whether to end a translation block.
type InterruptSource interface {
	NMI() bool
	NMIEnabled() bool
	NMIMasked() bool
	PendingIRQVector() (vector byte, ok bool)
}
