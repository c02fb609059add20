package decode

import (
	"github.com/quillarch/x86dbt/emit"
	"github.com/quillarch/x86dbt/guest"
)

// String instructions are lowered to a single host-side call that loops
// internally, exactly the allowance spec.md §4.3 makes for "operations
// better expressed as a call than inline expansion". REP/REPNE state is
// read from d.RepPrefix, captured by the prefix-scan loop before the
// opcode byte itself was fetched.

func advance(cpu *guest.CPU, slot byte, n uint32, addr32 bool) {
	if cpu.State.GetFlag(guest.FlagDF) {
		n = ^n + 1 // -n
	}
	if addr32 {
		cpu.State.SetReg32(slot, cpu.State.Reg32(slot)+n)
	} else {
		cpu.State.SetReg16(slot, uint16(cpu.State.Reg16(slot)+uint16(n)))
	}
}

// emitMovs builds 0xA4 (MOVSB) / 0xA5 (MOVSW/MOVSD), REP-repeatable.
func emitMovs(byteSize bool) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		addr32 := d.AddrSize32
		rep := d.RepPrefix != 0
		size := uint32(1)
		if !byteSize {
			if d.OpSize32 {
				size = 4
			} else {
				size = 2
			}
		}
		seg := guest.SegDS
		if d.SegOverride >= 0 {
			seg = d.SegOverride
		}
		bld.EmitCall(func(cpu *guest.CPU) {
			count := uint32(1)
			if rep {
				if addr32 {
					count = cpu.State.Reg32(regECXSlot)
				} else {
					count = uint32(cpu.State.Reg16(regECXSlot))
				}
			}
			for i := uint32(0); i < count; i++ {
				var srcOff, dstOff uint32
				if addr32 {
					srcOff, dstOff = cpu.State.Reg32(slotESI), cpu.State.Reg32(slotEDI)
				} else {
					srcOff, dstOff = uint32(cpu.State.Reg16(slotESI)), uint32(cpu.State.Reg16(slotEDI))
				}
				if ab := copyOne(cpu, seg, srcOff, dstOff, size); ab != nil {
					cpu.Fault(ab)
					return
				}
				advance(cpu, slotESI, size, addr32)
				advance(cpu, slotEDI, size, addr32)
				if rep {
					if addr32 {
						cpu.State.SetReg32(regECXSlot, cpu.State.Reg32(regECXSlot)-1)
					} else {
						cpu.State.SetReg16(regECXSlot, cpu.State.Reg16(regECXSlot)-1)
					}
				}
			}
		})
		return false
	}
}

func copyOne(cpu *guest.CPU, seg int, srcOff, dstOff, size uint32) *guest.Abort {
	switch size {
	case 1:
		v, ab := cpu.Bus.ReadB(seg, srcOff)
		if ab != nil {
			return ab
		}
		return cpu.Bus.WriteB(guest.SegES, dstOff, v)
	case 2:
		v, ab := cpu.Bus.ReadW(seg, srcOff)
		if ab != nil {
			return ab
		}
		return cpu.Bus.WriteW(guest.SegES, dstOff, v)
	default:
		v, ab := cpu.Bus.ReadL(seg, srcOff)
		if ab != nil {
			return ab
		}
		return cpu.Bus.WriteL(guest.SegES, dstOff, v)
	}
}

// emitStos builds 0xAA (STOSB) / 0xAB (STOSW/STOSD).
func emitStos(byteSize bool) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		addr32 := d.AddrSize32
		rep := d.RepPrefix != 0
		size := uint32(1)
		if !byteSize {
			if d.OpSize32 {
				size = 4
			} else {
				size = 2
			}
		}
		bld.EmitCall(func(cpu *guest.CPU) {
			count := uint32(1)
			if rep {
				if addr32 {
					count = cpu.State.Reg32(regECXSlot)
				} else {
					count = uint32(cpu.State.Reg16(regECXSlot))
				}
			}
			for i := uint32(0); i < count; i++ {
				var dstOff uint32
				if addr32 {
					dstOff = cpu.State.Reg32(slotEDI)
				} else {
					dstOff = uint32(cpu.State.Reg16(slotEDI))
				}
				var ab *guest.Abort
				switch size {
				case 1:
					ab = cpu.Bus.WriteB(guest.SegES, dstOff, cpu.State.Reg8(regEAXSlot))
				case 2:
					ab = cpu.Bus.WriteW(guest.SegES, dstOff, cpu.State.Reg16(regEAXSlot))
				default:
					ab = cpu.Bus.WriteL(guest.SegES, dstOff, cpu.State.Reg32(regEAXSlot))
				}
				if ab != nil {
					cpu.Fault(ab)
					return
				}
				advance(cpu, slotEDI, size, addr32)
				if rep {
					if addr32 {
						cpu.State.SetReg32(regECXSlot, cpu.State.Reg32(regECXSlot)-1)
					} else {
						cpu.State.SetReg16(regECXSlot, cpu.State.Reg16(regECXSlot)-1)
					}
				}
			}
		})
		return false
	}
}
