package decode

import (
	"github.com/quillarch/x86dbt/emit"
	"github.com/quillarch/x86dbt/guest"
)

// condition ports the sixteen Jcc predicates from the teacher's
// checkCondition (cpu_x86.go) onto the materialised EFLAGS image.
func condition(tttn byte) func(*guest.State) bool {
	switch tttn & 0xF {
	case 0x0: // JO
		return func(s *guest.State) bool { return s.GetFlag(guest.FlagOF) }
	case 0x1: // JNO
		return func(s *guest.State) bool { return !s.GetFlag(guest.FlagOF) }
	case 0x2: // JB/JC
		return func(s *guest.State) bool { return s.GetFlag(guest.FlagCF) }
	case 0x3: // JAE/JNC
		return func(s *guest.State) bool { return !s.GetFlag(guest.FlagCF) }
	case 0x4: // JE/JZ
		return func(s *guest.State) bool { return s.GetFlag(guest.FlagZF) }
	case 0x5: // JNE/JNZ
		return func(s *guest.State) bool { return !s.GetFlag(guest.FlagZF) }
	case 0x6: // JBE
		return func(s *guest.State) bool { return s.GetFlag(guest.FlagCF) || s.GetFlag(guest.FlagZF) }
	case 0x7: // JA
		return func(s *guest.State) bool { return !s.GetFlag(guest.FlagCF) && !s.GetFlag(guest.FlagZF) }
	case 0x8: // JS
		return func(s *guest.State) bool { return s.GetFlag(guest.FlagSF) }
	case 0x9: // JNS
		return func(s *guest.State) bool { return !s.GetFlag(guest.FlagSF) }
	case 0xA: // JP/JPE
		return func(s *guest.State) bool { return s.GetFlag(guest.FlagPF) }
	case 0xB: // JNP/JPO
		return func(s *guest.State) bool { return !s.GetFlag(guest.FlagPF) }
	case 0xC: // JL
		return func(s *guest.State) bool { return s.GetFlag(guest.FlagSF) != s.GetFlag(guest.FlagOF) }
	case 0xD: // JGE
		return func(s *guest.State) bool { return s.GetFlag(guest.FlagSF) == s.GetFlag(guest.FlagOF) }
	case 0xE: // JLE
		return func(s *guest.State) bool {
			return s.GetFlag(guest.FlagZF) || s.GetFlag(guest.FlagSF) != s.GetFlag(guest.FlagOF)
		}
	default: // 0xF JG
		return func(s *guest.State) bool {
			return !s.GetFlag(guest.FlagZF) && s.GetFlag(guest.FlagSF) == s.GetFlag(guest.FlagOF)
		}
	}
}

// emitJccRel8 builds the sixteen short-form opcodes 0x70-0x7F.
func emitJccRel8(tttn byte) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		rel := int8(d.Fetch8())
		notTaken := d.PC
		taken := uint32(int32(d.PC) + int32(rel))
		bld.EmitCondJump(condition(tttn), taken, notTaken)
		return true
	}
}

// emitJccRel32 builds the sixteen near-form opcodes 0F 80-0F 8F.
func emitJccRel32(tttn byte) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		var rel int32
		if d.OpSize32 {
			rel = int32(d.Fetch32())
		} else {
			rel = int32(int16(d.Fetch16()))
		}
		notTaken := d.PC
		taken := uint32(int32(d.PC) + rel)
		bld.EmitCondJump(condition(tttn), taken, notTaken)
		return true
	}
}

// emitJmpRel8/32 build 0xEB and 0xE9.
func emitJmpRel8(d *Decoder, bld *emit.Builder) bool {
	rel := int8(d.Fetch8())
	target := uint32(int32(d.PC) + int32(rel))
	bld.EmitJumpImm(target)
	return true
}

func emitJmpRel32(d *Decoder, bld *emit.Builder) bool {
	var rel int32
	if d.OpSize32 {
		rel = int32(d.Fetch32())
	} else {
		rel = int32(int16(d.Fetch16()))
	}
	target := uint32(int32(d.PC) + rel)
	bld.EmitJumpImm(target)
	return true
}

// emitCallRel32 builds 0xE8: push the return address, then end the block
// at the call target, exactly as the spec requires for every
// control-transfer instruction.
func emitCallRel32(d *Decoder, bld *emit.Builder) bool {
	var rel int32
	if d.OpSize32 {
		rel = int32(d.Fetch32())
	} else {
		rel = int32(int16(d.Fetch16()))
	}
	retAddr := d.PC
	target := uint32(int32(d.PC) + rel)
	wide := d.OpSize32
	pushGeneric(bld, wide, func(cpu *guest.CPU) uint32 { return retAddr })
	bld.EmitJumpImm(target)
	return true
}

// emitRetNear builds 0xC3 (RET) and 0xC2 (RET Iw).
func emitRetNear(popExtra bool) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		var extra uint16
		if popExtra {
			extra = d.Fetch16()
		}
		wide := d.OpSize32
		popGeneric(bld, wide, func(cpu *guest.CPU, v uint32) {
			if extra != 0 {
				sp := cpu.State.Reg32(regESPSlot)
				cpu.State.SetReg32(regESPSlot, sp+uint32(extra))
			}
			cpu.EndBlock(v)
		})
		return true
	}
}

// emitLoop builds 0xE0 (LOOPNE), 0xE1 (LOOPE), 0xE2 (LOOP): decrement
// (E)CX, branch on the combined ZF/counter test.
func emitLoop(kind byte) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		rel := int8(d.Fetch8())
		notTaken := d.PC
		taken := uint32(int32(d.PC) + int32(rel))
		wide := d.OpSize32
		bld.EmitCall(func(cpu *guest.CPU) {
			var cx uint32
			if wide {
				cx = cpu.State.Reg32(regECXSlot) - 1
				cpu.State.SetReg32(regECXSlot, cx)
			} else {
				cx = uint32(cpu.State.Reg16(regECXSlot) - 1)
				cpu.State.SetReg16(regECXSlot, uint16(cx))
			}
			take := cx != 0
			cpu.State.MaterialiseFlags()
			switch kind {
			case 0: // LOOPNE/LOOPNZ
				take = take && !cpu.State.GetFlag(guest.FlagZF)
			case 1: // LOOPE/LOOPZ
				take = take && cpu.State.GetFlag(guest.FlagZF)
			}
			if take {
				cpu.EndBlock(taken)
			} else {
				cpu.EndBlock(notTaken)
			}
		})
		return true
	}
}

// emitJcxz builds 0xE3 (JCXZ/JECXZ).
func emitJcxz(d *Decoder, bld *emit.Builder) bool {
	rel := int8(d.Fetch8())
	notTaken := d.PC
	taken := uint32(int32(d.PC) + int32(rel))
	wide := d.OpSize32
	bld.EmitCall(func(cpu *guest.CPU) {
		var cx uint32
		if wide {
			cx = cpu.State.Reg32(regECXSlot)
		} else {
			cx = uint32(cpu.State.Reg16(regECXSlot))
		}
		if cx == 0 {
			cpu.EndBlock(taken)
		} else {
			cpu.EndBlock(notTaken)
		}
	})
	return true
}
