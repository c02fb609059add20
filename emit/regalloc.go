package emit

// VReg is a virtual host register handed out by the scratch allocator
// during emission. It indexes into guest.CPU's fixed scratch array at run
// time; there is no host machine register behind it (see package doc in
// emitter.go for why), but the allocation discipline — acquire, use,
// release — is the same bounded-liveness contract a real register
// allocator would enforce.
type VReg int

// ScratchSlots is the size of the small fixed pool of virtual host
// registers every CodeBlock's temporaries are drawn from (spec.md §4.2:
// "a small fixed pool (implementation-chosen) of virtual host regs").
const ScratchSlots = 8

// Allocator hands out VRegs from the fixed scratch pool for the duration
// of a single emit function call. Liveness is local and bounded by
// construction: an emit function acquires what it needs, uses it, and
// must Release before returning so the next emit function sees a clean
// pool (spec.md §4.2: "a per-emit 'release' annotation must be honoured
// so that liveness analysis is local and bounded").
type Allocator struct {
	free [ScratchSlots]bool
}

// NewAllocator returns an allocator with every scratch slot free.
func NewAllocator() *Allocator {
	a := &Allocator{}
	for i := range a.free {
		a.free[i] = true
	}
	return a
}

// Acquire returns the first free scratch slot, spilling is not modelled
// explicitly: if every slot is in use the allocator panics, which would
// indicate an emit function holding more live temporaries than any single
// x86 instruction needs (in practice no emit function here needs more
// than three).
func (a *Allocator) Acquire() VReg {
	for i, free := range a.free {
		if free {
			a.free[i] = false
			return VReg(i)
		}
	}
	panic("emit: scratch pool exhausted (emit function holds too many live temporaries)")
}

// Release returns a VReg to the free pool.
func (a *Allocator) Release(v VReg) {
	a.free[v] = true
}
