package emit

import (
	"testing"

	"github.com/quillarch/x86dbt/cache"
	"github.com/quillarch/x86dbt/flags"
	"github.com/quillarch/x86dbt/guest"
)

func run(cpu *guest.CPU, b *cache.Block) {
	for _, op := range b.Ops {
		op(cpu)
		if cpu.BlockEnd {
			return
		}
	}
}

func TestEmitLoadStoreRegRoundtrip(t *testing.T) {
	b := &cache.Block{}
	bld := NewBuilder(b)

	r0 := bld.Alloc.Acquire()
	bld.EmitLoadRegL(r0, 0) // EAX
	bld.EmitStoreRegL(3, r0) // EBX
	bld.Alloc.Release(r0)

	cpu := &guest.CPU{}
	cpu.State.SetReg32(0, 0x12345678)
	run(cpu, b)

	if got := cpu.State.Reg32(3); got != 0x12345678 {
		t.Errorf("EBX: got %#x, want 0x12345678", got)
	}
}

func TestEmitALURegRegAddSetsLazyRecord(t *testing.T) {
	b := &cache.Block{}
	bld := NewBuilder(b)
	r0 := bld.Alloc.Acquire()
	r1 := bld.Alloc.Acquire()
	bld.EmitLoadImm(r0, 0x7FFFFFFF)
	bld.EmitLoadImm(r1, 1)
	bld.EmitALURegReg(ALUAdd, r0, r0, r1, 32)

	cpu := &guest.CPU{}
	run(cpu, b)

	if cpu.Scratch[r0] != 0x80000000 {
		t.Errorf("result: got %#x, want 0x80000000", cpu.Scratch[r0])
	}
	if cpu.State.Lazy.Kind != flags.Add32 {
		t.Errorf("lazy kind: got %v, want Add32", cpu.State.Lazy.Kind)
	}
	if !flags.Derive(&cpu.State.Lazy, flags.OF) {
		t.Error("OF should derive true for this overflow case")
	}
}

func TestEmitMemStoreFaultEndsBlock(t *testing.T) {
	b := &cache.Block{}
	bld := NewBuilder(b)
	r0 := bld.Alloc.Acquire()
	bld.EmitLoadImm(r0, 0xAA)
	bld.EmitMemStoreB(EA{Seg: guest.SegDS, Offset: 0}, r0)
	bld.EmitLoadImm(r0, 0xBB) // should never run

	cpu := &guest.CPU{Bus: faultingBus{}}
	run(cpu, b)

	if cpu.Abort == nil {
		t.Fatal("expected a fault abort")
	}
	if cpu.Scratch[r0] != 0xAA {
		t.Errorf("op after the fault must not have executed, got %#x", cpu.Scratch[r0])
	}
}

func TestBuilderRespectsOpCap(t *testing.T) {
	b := &cache.Block{}
	bld := NewBuilder(b)
	for i := 0; i < cache.MaxBlockOps+10; i++ {
		bld.EmitLoadImm(0, uint32(i))
	}
	if len(b.Ops) != cache.MaxBlockOps {
		t.Errorf("Ops length: got %d, want cap %d", len(b.Ops), cache.MaxBlockOps)
	}
	if !bld.Overflowed() {
		t.Error("Overflowed should report true once the cap is hit")
	}
}

type faultingBus struct{}

func (faultingBus) ReadB(int, uint32) (byte, *guest.Abort)     { return 0, nil }
func (faultingBus) ReadW(int, uint32) (uint16, *guest.Abort)   { return 0, nil }
func (faultingBus) ReadL(int, uint32) (uint32, *guest.Abort)   { return 0, nil }
func (faultingBus) ReadQ(int, uint32) (uint64, *guest.Abort)   { return 0, nil }
func (faultingBus) WriteB(int, uint32, byte) *guest.Abort {
	return &guest.Abort{Vector: guest.VectorGP, Reason: "write denied"}
}
func (faultingBus) WriteW(int, uint32, uint16) *guest.Abort { return nil }
func (faultingBus) WriteL(int, uint32, uint32) *guest.Abort { return nil }
func (faultingBus) WriteQ(int, uint32, uint64) *guest.Abort { return nil }
func (faultingBus) PhysOf(linear uint32) (uint32, *guest.Abort) { return linear, nil }
func (faultingBus) InvalidateTLB()                              {}
