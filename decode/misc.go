package decode

import (
	"github.com/quillarch/x86dbt/emit"
	"github.com/quillarch/x86dbt/guest"
)

// emitNop is 0x90.
func emitNop(d *Decoder, bld *emit.Builder) bool { return false }

// emitHlt is 0xF4: always ends the block (spec.md §5: a halted CPU can't
// usefully keep executing host ops).
func emitHlt(d *Decoder, bld *emit.Builder) bool {
	afterHlt := d.PC
	bld.EmitCall(func(cpu *guest.CPU) {
		cpu.State.Halted = true
		cpu.EndBlock(afterHlt)
	})
	return true
}

// emitCli/emitSti/emitCld/emitStd flip a single non-arithmetic EFLAGS
// bit. STI additionally arms the one-instruction interrupt-shadow window
// (spec.md §5).
func emitCli(d *Decoder, bld *emit.Builder) bool {
	bld.EmitCall(func(cpu *guest.CPU) { cpu.State.SetFlag(guest.FlagIF, false) })
	return false
}

func emitSti(d *Decoder, bld *emit.Builder) bool {
	bld.EmitCall(func(cpu *guest.CPU) {
		cpu.State.SetFlag(guest.FlagIF, true)
		cpu.State.InterruptInhibit = 1
	})
	return false
}

func emitCld(d *Decoder, bld *emit.Builder) bool {
	bld.EmitCall(func(cpu *guest.CPU) { cpu.State.SetFlag(guest.FlagDF, false) })
	return false
}

func emitStd(d *Decoder, bld *emit.Builder) bool {
	bld.EmitCall(func(cpu *guest.CPU) { cpu.State.SetFlag(guest.FlagDF, true) })
	return false
}

func emitClc(d *Decoder, bld *emit.Builder) bool {
	bld.EmitCall(func(cpu *guest.CPU) {
		cpu.State.MaterialiseFlags()
		cpu.State.SetFlag(guest.FlagCF, false)
	})
	return false
}

func emitStc(d *Decoder, bld *emit.Builder) bool {
	bld.EmitCall(func(cpu *guest.CPU) {
		cpu.State.MaterialiseFlags()
		cpu.State.SetFlag(guest.FlagCF, true)
	})
	return false
}

func emitCmc(d *Decoder, bld *emit.Builder) bool {
	bld.EmitCall(func(cpu *guest.CPU) {
		cpu.State.MaterialiseFlags()
		cpu.State.SetFlag(guest.FlagCF, !cpu.State.GetFlag(guest.FlagCF))
	})
	return false
}

// emitXchgEAXReg builds 0x91-0x97 (XCHG eAX, reg); 0x90 (NOP) is the
// degenerate XCHG eAX,eAX case and is tabled separately.
func emitXchgEAXReg(slot byte) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		t0 := bld.Alloc.Acquire()
		t1 := bld.Alloc.Acquire()
		if d.OpSize32 {
			bld.EmitLoadRegL(t0, regEAXSlot)
			bld.EmitLoadRegL(t1, slot)
			bld.EmitStoreRegL(regEAXSlot, t1)
			bld.EmitStoreRegL(slot, t0)
		} else {
			bld.EmitLoadRegW(t0, regEAXSlot)
			bld.EmitLoadRegW(t1, slot)
			bld.EmitStoreRegW(regEAXSlot, t1)
			bld.EmitStoreRegW(slot, t0)
		}
		bld.Alloc.Release(t0)
		bld.Alloc.Release(t1)
		return false
	}
}
