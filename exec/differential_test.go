package exec

import (
	"testing"

	"github.com/quillarch/x86dbt/cache"
	"github.com/quillarch/x86dbt/guest"
	"github.com/quillarch/x86dbt/interp"
)

// memBus is a flat 64KiB RAM bus, good enough to drive the executor and
// interpreter identically without a real segmentation/paging layer.
type memBus struct {
	mem [1 << 16]byte
}

func (m *memBus) ReadB(seg int, off uint32) (byte, *guest.Abort) { return m.mem[uint16(off)], nil }
func (m *memBus) ReadW(seg int, off uint32) (uint16, *guest.Abort) {
	lo, hi := m.mem[uint16(off)], m.mem[uint16(off+1)]
	return uint16(lo) | uint16(hi)<<8, nil
}
func (m *memBus) ReadL(seg int, off uint32) (uint32, *guest.Abort) {
	lo, _ := m.ReadW(seg, off)
	hi, _ := m.ReadW(seg, off+2)
	return uint32(lo) | uint32(hi)<<16, nil
}
func (m *memBus) ReadQ(seg int, off uint32) (uint64, *guest.Abort) {
	lo, _ := m.ReadL(seg, off)
	hi, _ := m.ReadL(seg, off+4)
	return uint64(lo) | uint64(hi)<<32, nil
}
func (m *memBus) WriteB(seg int, off uint32, v byte) *guest.Abort {
	m.mem[uint16(off)] = v
	return nil
}
func (m *memBus) WriteW(seg int, off uint32, v uint16) *guest.Abort {
	m.mem[uint16(off)] = byte(v)
	m.mem[uint16(off+1)] = byte(v >> 8)
	return nil
}
func (m *memBus) WriteL(seg int, off uint32, v uint32) *guest.Abort {
	m.WriteW(seg, off, uint16(v))
	m.WriteW(seg, off+2, uint16(v>>16))
	return nil
}
func (m *memBus) WriteQ(seg int, off uint32, v uint64) *guest.Abort {
	m.WriteL(seg, off, uint32(v))
	m.WriteL(seg, off+4, uint32(v>>32))
	return nil
}
func (m *memBus) PhysOf(linear uint32) (uint32, *guest.Abort) { return linear, nil }
func (m *memBus) InvalidateTLB()                              {}

func (m *memBus) load(at uint32, bytes ...byte) { copy(m.mem[at:], bytes) }

func newCPU(bus *memBus, pc uint32) *guest.CPU {
	cpu := &guest.CPU{Bus: bus}
	cpu.State.Reset()
	cpu.State.OpSizeMode = guest.OpSize32
	cpu.State.PC = pc
	cpu.State.Regs[4] = 0x00020000 // ESP, away from code/low memory
	return cpu
}

// runInterp executes via the interpreter alone, one instruction at a
// time, until HLT halts the CPU or a budget of instructions is spent —
// the ground-truth reference path of spec.md §4.7.
func runInterp(cpu *guest.CPU, maxSteps int) {
	for i := 0; i < maxSteps; i++ {
		if cpu.State.Halted || cpu.Abort != nil {
			return
		}
		interp.Step(cpu)
	}
}

// TestDifferentialAddMovShiftAgainstInterpreter implements spec.md
// Testable Property 1: the same guest bytes must produce identical
// architectural state whether run through the compiled-block executor or
// through pure interpretation.
func TestDifferentialAddMovShiftAgainstInterpreter(t *testing.T) {
	// MOV EAX, 5 ; MOV EBX, 7 ; ADD EAX, EBX ; SHL EAX, 1 ; PUSH EAX ;
	// POP ECX ; HLT
	program := []byte{
		0xB8, 0x05, 0x00, 0x00, 0x00, // MOV EAX, 5
		0xBB, 0x07, 0x00, 0x00, 0x00, // MOV EBX, 7
		0x01, 0xD8, // ADD EAX, EBX
		0xD1, 0xE0, // SHL EAX, 1
		0x50,       // PUSH EAX
		0x59,       // POP ECX
		0xF4,       // HLT
	}

	busJIT := &memBus{}
	busJIT.load(0x1000, program...)
	cpuJIT := newCPU(busJIT, 0x1000)
	ex := NewExecutor(cache.New())
	ex.Execute(cpuJIT, 10000)

	busInterp := &memBus{}
	busInterp.load(0x1000, program...)
	cpuInterp := newCPU(busInterp, 0x1000)
	runInterp(cpuInterp, 1000)

	cpuJIT.State.MaterialiseFlags()
	cpuInterp.State.MaterialiseFlags()

	for i := 0; i < 8; i++ {
		if cpuJIT.State.Regs[i] != cpuInterp.State.Regs[i] {
			t.Errorf("reg[%d]: JIT=%#x interp=%#x", i, cpuJIT.State.Regs[i], cpuInterp.State.Regs[i])
		}
	}
	if cpuJIT.State.EFlags != cpuInterp.State.EFlags {
		t.Errorf("EFlags: JIT=%#x interp=%#x", cpuJIT.State.EFlags, cpuInterp.State.EFlags)
	}
	if cpuJIT.State.PC != cpuInterp.State.PC {
		t.Errorf("PC: JIT=%#x interp=%#x", cpuJIT.State.PC, cpuInterp.State.PC)
	}
}

// TestDifferentialBranchAgainstInterpreter exercises a taken conditional
// branch, the other half of block-end handling the JIT and interpreter
// must agree on bit-for-bit.
func TestDifferentialBranchAgainstInterpreter(t *testing.T) {
	// XOR EAX, EAX ; CMP EAX, EAX ; JZ +5 ; MOV EAX, 0xFFFFFFFF (skipped) ;
	// MOV EBX, 1 ; HLT
	program := []byte{
		0x31, 0xC0, // XOR EAX, EAX
		0x39, 0xC0, // CMP EAX, EAX
		0x74, 0x05, // JZ +5 (skip the next 5-byte MOV)
		0xB8, 0xFF, 0xFF, 0xFF, 0xFF, // MOV EAX, -1 (should be skipped)
		0xBB, 0x01, 0x00, 0x00, 0x00, // MOV EBX, 1
		0xF4, // HLT
	}

	busJIT := &memBus{}
	busJIT.load(0x2000, program...)
	cpuJIT := newCPU(busJIT, 0x2000)
	ex := NewExecutor(cache.New())
	ex.Execute(cpuJIT, 10000)

	busInterp := &memBus{}
	busInterp.load(0x2000, program...)
	cpuInterp := newCPU(busInterp, 0x2000)
	runInterp(cpuInterp, 1000)

	if cpuJIT.State.Reg32(0) != cpuInterp.State.Reg32(0) {
		t.Errorf("EAX: JIT=%#x interp=%#x", cpuJIT.State.Reg32(0), cpuInterp.State.Reg32(0))
	}
	if cpuJIT.State.Reg32(0) == 0xFFFFFFFF {
		t.Error("JZ should have skipped the MOV EAX,-1")
	}
	if cpuJIT.State.Reg32(3) != 1 || cpuInterp.State.Reg32(3) != 1 {
		t.Errorf("EBX: JIT=%#x interp=%#x, want 1", cpuJIT.State.Reg32(3), cpuInterp.State.Reg32(3))
	}
}

// TestCacheHitOnReentry is Scenario C: executing the same block twice
// must hit the cache the second time.
func TestCacheHitOnReentry(t *testing.T) {
	bus := &memBus{}
	// a tiny loop body: INC EAX ; JMP back to self-1 won't terminate, so
	// instead run the same straight-line block twice via two calls.
	bus.load(0x3000, 0x40, 0xF4) // INC EAX ; HLT
	cpu := newCPU(bus, 0x3000)
	c := cache.New()
	ex := NewExecutor(c)

	ex.Execute(cpu, 10)
	if c.BlockCount() != 1 {
		t.Fatalf("expected 1 cached block after first run, got %d", c.BlockCount())
	}
	missesAfterFirst := c.Misses

	cpu.State.Halted = false
	cpu.State.PC = 0x3000
	ex.Execute(cpu, 10)
	if c.Misses != missesAfterFirst {
		t.Errorf("second execution should hit the cache: misses went %d -> %d", missesAfterFirst, c.Misses)
	}
	if c.Hits == 0 {
		t.Error("expected at least one cache hit on reentry")
	}
}
