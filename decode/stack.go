package decode

import (
	"github.com/quillarch/x86dbt/emit"
	"github.com/quillarch/x86dbt/flags"
	"github.com/quillarch/x86dbt/guest"
)

func incDecKind(inc bool, width uint) flags.Kind {
	if inc {
		return flags.IncKind(width)
	}
	return flags.DecKind(width)
}

const regESPSlot = 4

// pushGeneric/popGeneric use the instruction's operand-size prefix for both
// the pushed/popped value's width and the ESP/SP adjustment. Real
// hardware lets the stack-segment B bit disagree with the operand-size
// prefix; this core does not model that split (no teacher or pack
// example needs a 16-bit operand size paired with a 32-bit stack), so
// push/pop always adjust the pointer by the operand width.
func pushGeneric(bld *emit.Builder, wide bool, getVal func(cpu *guest.CPU) uint32) {
	bld.EmitCall(func(cpu *guest.CPU) {
		v := getVal(cpu)
		if wide {
			sp := cpu.State.Reg32(regESPSlot) - 4
			if ab := cpu.Bus.WriteL(guest.SegSS, sp, v); ab != nil {
				cpu.Fault(ab)
				return
			}
			cpu.State.SetReg32(regESPSlot, sp)
		} else {
			sp := uint32(uint16(cpu.State.Reg16(regESPSlot) - 2))
			if ab := cpu.Bus.WriteW(guest.SegSS, sp, uint16(v)); ab != nil {
				cpu.Fault(ab)
				return
			}
			cpu.State.SetReg16(regESPSlot, uint16(sp))
		}
	})
}

func popGeneric(bld *emit.Builder, wide bool, setVal func(cpu *guest.CPU, v uint32)) {
	bld.EmitCall(func(cpu *guest.CPU) {
		if wide {
			sp := cpu.State.Reg32(regESPSlot)
			v, ab := cpu.Bus.ReadL(guest.SegSS, sp)
			if ab != nil {
				cpu.Fault(ab)
				return
			}
			cpu.State.SetReg32(regESPSlot, sp+4)
			setVal(cpu, v)
		} else {
			sp := uint32(uint16(cpu.State.Reg16(regESPSlot)))
			v, ab := cpu.Bus.ReadW(guest.SegSS, sp)
			if ab != nil {
				cpu.Fault(ab)
				return
			}
			cpu.State.SetReg16(regESPSlot, uint16(sp+2))
			setVal(cpu, uint32(v))
		}
	})
}

// emitPushReg builds opcodes 0x50-0x57 (PUSH r16/32).
func emitPushReg(slot byte) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		wide := d.OpSize32
		pushGeneric(bld, wide, func(cpu *guest.CPU) uint32 {
			if wide {
				return cpu.State.Reg32(slot)
			}
			return uint32(cpu.State.Reg16(slot))
		})
		return false
	}
}

// emitPopReg builds opcodes 0x58-0x5F (POP r16/32).
func emitPopReg(slot byte) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		wide := d.OpSize32
		popGeneric(bld, wide, func(cpu *guest.CPU, v uint32) {
			if wide {
				cpu.State.SetReg32(slot, v)
			} else {
				cpu.State.SetReg16(slot, uint16(v))
			}
		})
		return false
	}
}

// emitPushImm32 / emitPushImm8 are 0x68 (PUSH Iz) and 0x6A (PUSH Ib, sign
// extended).
func emitPushImm32(d *Decoder, bld *emit.Builder) bool {
	wide := d.OpSize32
	var imm uint32
	if wide {
		imm = d.Fetch32()
	} else {
		imm = uint32(d.Fetch16())
	}
	pushGeneric(bld, wide, func(cpu *guest.CPU) uint32 { return imm })
	return false
}

func emitPushImm8(d *Decoder, bld *emit.Builder) bool {
	wide := d.OpSize32
	imm8 := d.Fetch8()
	var imm uint32
	if wide {
		imm = uint32(int32(int8(imm8)))
	} else {
		imm = uint32(uint16(int16(int8(imm8))))
	}
	pushGeneric(bld, wide, func(cpu *guest.CPU) uint32 { return imm })
	return false
}

// emitPushf/emitPopf are 0x9C/0x9D: these always see the fully
// materialised EFLAGS image (spec.md §4.1: anything that reads EFLAGS as
// a whole forces materialisation first).
func emitPushf(d *Decoder, bld *emit.Builder) bool {
	wide := d.OpSize32
	bld.EmitCall(func(cpu *guest.CPU) { cpu.State.MaterialiseFlags() })
	pushGeneric(bld, wide, func(cpu *guest.CPU) uint32 { return cpu.State.EFlags })
	return false
}

func emitPopf(d *Decoder, bld *emit.Builder) bool {
	wide := d.OpSize32
	popGeneric(bld, wide, func(cpu *guest.CPU, v uint32) {
		const preserved = guest.FlagVM | guest.FlagVIF | guest.FlagVIP
		cpu.State.EFlags = (cpu.State.EFlags & preserved) | (v &^ preserved) | 2
		cpu.State.Lazy.Kind = flags.Unknown // the freshly loaded image is authoritative
	})
	return false
}

// emitIncDecReg builds 0x40-0x4F (INC/DEC r16/32). These never
// touch CF (spec.md's lazy-flag Inc/Dec kinds exist exactly so INC/DEC
// inside a loop counter don't clobber a carry produced earlier).
func emitIncDecReg(slot byte, inc bool) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		width := d.Width()
		a := bld.Alloc.Acquire()
		res := bld.Alloc.Acquire()
		if d.OpSize32 {
			bld.EmitLoadRegL(a, slot)
		} else {
			bld.EmitLoadRegW(a, slot)
		}
		bld.EmitCall(func(cpu *guest.CPU) {
			av := cpu.Scratch[a]
			var kind = incDecKind(inc, width)
			var rv uint32
			if inc {
				rv = (av + 1)
			} else {
				rv = (av - 1)
			}
			if width < 32 {
				rv &= 1<<width - 1
			}
			cpu.Scratch[res] = rv
			cpu.State.MaterialiseFlags() // fold the earlier CF into EFLAGS before it is preserved
			cpu.State.Lazy.Kind = kind
			cpu.State.Lazy.Op1 = av
			cpu.State.Lazy.Op2 = 1
			cpu.State.Lazy.Res = rv
		})
		if d.OpSize32 {
			bld.EmitStoreRegL(slot, res)
		} else {
			bld.EmitStoreRegW(slot, res)
		}
		bld.Alloc.Release(a)
		bld.Alloc.Release(res)
		return false
	}
}
