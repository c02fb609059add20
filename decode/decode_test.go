package decode

import (
	"testing"

	"github.com/quillarch/x86dbt/cache"
	"github.com/quillarch/x86dbt/guest"
)

// memBus is a flat 64KiB RAM bus good enough to drive decode/compile
// tests without pulling in a real segmentation/paging implementation.
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

func (m *memBus) load(at uint32, bytes ...byte) {
	copy(m.mem[at:], bytes)
}

func newCPU(bus *memBus) *guest.CPU {
	cpu := &guest.CPU{Bus: bus}
	cpu.State.Reset()
	cpu.State.OpSizeMode = guest.OpSize32
	return cpu
}

func compileAndRun(t *testing.T, bus *memBus, cpu *guest.CPU, pc uint32) *cache.Block {
	t.Helper()
	d := &Decoder{Bus: bus, PC: pc, DefaultOpSize32: true, DefaultAddrSize32: true}
	b := &cache.Block{}
	res := CompileBlock(d, b)
	if res.Fault != nil {
		t.Fatalf("unexpected decode fault: %v", res.Fault)
	}
	if res.Fallback {
		t.Fatalf("unexpected fallback at opcode %#02x (two=%v)", res.FallbackOpcode, res.FallbackTwo)
	}
	for _, op := range b.Ops {
		op(cpu)
		if cpu.BlockEnd {
			break
		}
	}
	return b
}

func TestAddEaxEbxSetsResultAndFlags(t *testing.T) {
	bus := &memBus{}
	// ADD EAX, EBX ; encoding 01 D8
	bus.load(0x1000, 0x01, 0xD8, 0xF4)
	cpu := newCPU(bus)
	cpu.State.SetReg32(0, 5)  // EAX
	cpu.State.SetReg32(3, 7)  // EBX
	compileAndRun(t, bus, cpu, 0x1000)

	if got := cpu.State.Reg32(0); got != 12 {
		t.Errorf("EAX: got %d, want 12", got)
	}
}

func TestMovEaxImm32(t *testing.T) {
	bus := &memBus{}
	// MOV EAX, 0x11223344 ; B8 44 33 22 11
	bus.load(0x2000, 0xB8, 0x44, 0x33, 0x22, 0x11, 0xF4)
	cpu := newCPU(bus)
	compileAndRun(t, bus, cpu, 0x2000)

	if got := cpu.State.Reg32(0); got != 0x11223344 {
		t.Errorf("EAX: got %#x, want 0x11223344", got)
	}
}

func TestPushPopRoundtrip(t *testing.T) {
	bus := &memBus{}
	// PUSH EAX ; POP EBX  => 50 5B
	bus.load(0x3000, 0x50, 0x5B, 0xF4)
	cpu := newCPU(bus)
	cpu.State.SetReg32(0, 0xCAFEBABE) // EAX
	cpu.State.SetReg32(4, 0x00010000) // ESP
	compileAndRun(t, bus, cpu, 0x3000)

	if got := cpu.State.Reg32(3); got != 0xCAFEBABE { // EBX
		t.Errorf("EBX: got %#x, want 0xCAFEBABE", got)
	}
	if got := cpu.State.Reg32(4); got != 0x00010000 { // ESP restored
		t.Errorf("ESP: got %#x, want 0x10000", got)
	}
}

func TestJzTakenWhenZeroFlagSet(t *testing.T) {
	bus := &memBus{}
	// CMP EAX, EAX (39 C0) ; JZ +5 (74 05)
	bus.load(0x4000, 0x39, 0xC0, 0x74, 0x05)
	cpu := newCPU(bus)
	b := compileAndRun(t, bus, cpu, 0x4000)
	_ = b

	if !cpu.BlockEnd {
		t.Fatal("JZ should end the block")
	}
	want := uint32(0x4000 + 4 + 5)
	if cpu.NextPC != want {
		t.Errorf("NextPC: got %#x, want %#x (branch taken)", cpu.NextPC, want)
	}
}

func TestShlByOneSetsOverflowWhenSignChanges(t *testing.T) {
	bus := &memBus{}
	// SHL EAX, 1  => D1 E0
	bus.load(0x5000, 0xD1, 0xE0, 0xF4)
	cpu := newCPU(bus)
	cpu.State.SetReg32(0, 0x40000000)
	compileAndRun(t, bus, cpu, 0x5000)

	if got := cpu.State.Reg32(0); got != 0x80000000 {
		t.Errorf("EAX: got %#x, want 0x80000000", got)
	}
	cpu.State.MaterialiseFlags()
	if !cpu.State.GetFlag(guest.FlagOF) {
		t.Error("OF should be set: sign changed on a 1-bit SHL")
	}
}

func TestNilTableEntryReportsFallback(t *testing.T) {
	bus := &memBus{}
	bus.load(0x6000, 0x0F, 0x0B) // UD2, not wired: must fall back
	d := &Decoder{Bus: bus, PC: 0x6000, DefaultOpSize32: true, DefaultAddrSize32: true}
	b := &cache.Block{}
	res := CompileBlock(d, b)
	if !res.Fallback {
		t.Fatal("expected Fallback=true for an unwired 0F opcode")
	}
	if !res.FallbackTwo || res.FallbackOpcode != 0x0B {
		t.Errorf("fallback opcode: got two=%v op=%#02x, want two=true op=0x0b", res.FallbackTwo, res.FallbackOpcode)
	}
}
