// Package interp is the Interpreter Fallback layer (spec.md C7): a
// direct, instruction-by-instruction executor that needs no compiled
// block. It serves two roles spec.md assigns it — executing whichever
// single instruction the decode table has no emit entry for, and acting
// as the independent oracle differential tests run the JIT against
// (spec.md §8 Testable Property 1).
//
// Ported from the teacher's CPU_X86.Step/cpu_x86_ops.go/cpu_x86_grp.go,
// which already is "decode one instruction, do it now" — the interpreter
// needed almost no restructuring, unlike the emit package's shift from
// "do it now" to "build a closure that will do it later".
package interp

import (
	"github.com/quillarch/x86dbt/flags"
	"github.com/quillarch/x86dbt/guest"
)

// Step decodes and executes exactly one guest instruction against cpu,
// returning the fault (if any) that ended it early. PC is advanced in
// place; callers that need to stop at an instruction boundary (the block
// cache's fallback path) call Step exactly once.
func Step(cpu *guest.CPU) *guest.Abort {
	r := &runner{cpu: cpu, pc: cpu.State.PC}
	r.segOverride = -1
	r.opSize32 = cpu.State.OpSizeMode == guest.OpSize32
	r.addrSize32 = r.opSize32

	r.scanPrefixes()
	if r.abort != nil {
		return r.abort
	}

	opcode := r.fetch8()
	if r.abort != nil {
		return r.abort
	}

	if opcode == 0x0F {
		r.execTwoByte()
	} else {
		r.execOne(opcode)
	}

	if r.abort != nil {
		cpu.Fault(r.abort)
		return r.abort
	}

	cpu.State.PrevPC = cpu.State.PC
	if cpu.BlockEnd {
		// Branches, RET and HLT record their successor via EndBlock.
		cpu.State.PC = cpu.NextPC
		cpu.BlockEnd = false
	} else {
		cpu.State.PC = r.pc
	}
	return nil
}

// runner carries the interpreter's per-instruction decode state; unlike
// decode.Decoder it executes side effects immediately instead of emitting
// closures.
type runner struct {
	cpu *guest.CPU
	pc  uint32

	segOverride int
	repPrefix   int
	opSize32    bool
	addrSize32  bool

	modrm       byte
	modrmLoaded bool
	sib         byte
	sibLoaded   bool

	abort *guest.Abort
}

func (r *runner) fetch8() byte {
	if r.abort != nil {
		return 0
	}
	v, ab := r.cpu.Bus.ReadB(guest.SegCS, r.pc)
	if ab != nil {
		r.abort = ab
		return 0
	}
	r.pc++
	return v
}

func (r *runner) fetch16() uint16 {
	lo := r.fetch8()
	hi := r.fetch8()
	return uint16(lo) | uint16(hi)<<8
}

func (r *runner) fetch32() uint32 {
	lo := r.fetch16()
	hi := r.fetch16()
	return uint32(lo) | uint32(hi)<<16
}

func (r *runner) scanPrefixes() {
	for {
		save := r.pc
		b := r.fetch8()
		if r.abort != nil {
			return
		}
		switch b {
		case 0x26:
			r.segOverride = guest.SegES
		case 0x2E:
			r.segOverride = guest.SegCS
		case 0x36:
			r.segOverride = guest.SegSS
		case 0x3E:
			r.segOverride = guest.SegDS
		case 0x64:
			r.segOverride = guest.SegFS
		case 0x65:
			r.segOverride = guest.SegGS
		case 0x66:
			r.opSize32 = !r.opSize32
		case 0x67:
			r.addrSize32 = !r.addrSize32
		case 0xF0:
			// LOCK: no multi-core contention to model.
		case 0xF2:
			r.repPrefix = 2
		case 0xF3:
			r.repPrefix = 1
		default:
			r.pc = save
			return
		}
	}
}

func (r *runner) fetchModRM() byte {
	if !r.modrmLoaded {
		r.modrm = r.fetch8()
		r.modrmLoaded = true
	}
	return r.modrm
}

func (r *runner) modMod() byte { return r.modrm >> 6 }
func (r *runner) modReg() byte { return (r.modrm >> 3) & 7 }
func (r *runner) modRM() byte  { return r.modrm & 7 }

func (r *runner) fetchSIB() byte {
	if !r.sibLoaded {
		r.sib = r.fetch8()
		r.sibLoaded = true
	}
	return r.sib
}

// effectiveAddr ports calcEffectiveAddress16/32 (cpu_x86.go), returning
// (segment, linear offset) directly since the interpreter has live
// register values in hand right now and doesn't need to defer anything.
func (r *runner) effectiveAddr() (seg int, off uint32) {
	if r.addrSize32 {
		return r.ea32()
	}
	return r.ea16()
}

func (r *runner) ea16() (int, uint32) {
	mod := r.modMod()
	rm := r.modRM()
	seg := guest.SegDS
	var base, idx int8 = -1, -1

	switch rm {
	case 0:
		base, idx = 3, 6 // BX+SI
	case 1:
		base, idx = 3, 7 // BX+DI
	case 2:
		base, idx = 5, 6
		seg = guest.SegSS // BP+SI
	case 3:
		base, idx = 5, 7
		seg = guest.SegSS // BP+DI
	case 4:
		base = 6 // SI
	case 5:
		base = 7 // DI
	case 6:
		if mod == 0 {
			disp := uint32(r.fetch16())
			if r.segOverride >= 0 {
				seg = r.segOverride
			}
			return seg, disp
		}
		base = 5
		seg = guest.SegSS // BP
	case 7:
		base = 3 // BX
	}

	var addr uint32
	if base >= 0 {
		addr += uint32(uint16(r.cpu.State.Reg16(byte(base))))
	}
	if idx >= 0 {
		addr += uint32(uint16(r.cpu.State.Reg16(byte(idx))))
	}
	switch mod {
	case 1:
		addr += uint32(int16(int8(r.fetch8())))
	case 2:
		addr += uint32(r.fetch16())
	}
	addr = uint32(uint16(addr))
	if r.segOverride >= 0 {
		seg = r.segOverride
	}
	return seg, addr
}

func (r *runner) ea32() (int, uint32) {
	mod := r.modMod()
	rm := r.modRM()
	seg := guest.SegDS
	var addr uint32

	if rm == 4 {
		r.fetchSIB()
		sib := r.sib
		scale := sib >> 6
		index := (sib >> 3) & 7
		base := sib & 7

		if base == 5 && mod == 0 {
			addr = r.fetch32()
		} else {
			addr = r.cpu.State.Reg32(base)
			if base == 4 || base == 5 {
				seg = guest.SegSS
			}
		}
		if index != 4 {
			addr += r.cpu.State.Reg32(index) << scale
		}
	} else if rm == 5 && mod == 0 {
		addr = r.fetch32()
	} else {
		addr = r.cpu.State.Reg32(rm)
		if rm == 4 || rm == 5 {
			seg = guest.SegSS
		}
	}

	switch mod {
	case 1:
		addr += uint32(int32(int8(r.fetch8())))
	case 2:
		addr += r.fetch32()
	}
	if r.segOverride >= 0 {
		seg = r.segOverride
	}
	return seg, addr
}

// width returns the effective non-byte operand width for the current
// instruction.
func (r *runner) width() uint {
	if r.opSize32 {
		return 32
	}
	return 16
}

func (r *runner) fault(seg int, ab *guest.Abort) {
	if ab != nil {
		r.abort = ab
	}
}

// --- operand load/store --------------------------------------------------

func (r *runner) loadRM8() uint32 {
	if r.modMod() == 3 {
		return uint32(r.cpu.State.Reg8(r.modRM()))
	}
	seg, off := r.effectiveAddr()
	v, ab := r.cpu.Bus.ReadB(seg, off)
	r.fault(seg, ab)
	return uint32(v)
}

func (r *runner) storeRM8(v uint32) {
	if r.modMod() == 3 {
		r.cpu.State.SetReg8(r.modRM(), byte(v))
		return
	}
	seg, off := r.effectiveAddr()
	r.fault(seg, r.cpu.Bus.WriteB(seg, off, byte(v)))
}

func (r *runner) loadRM() uint32 {
	if r.modMod() == 3 {
		if r.opSize32 {
			return r.cpu.State.Reg32(r.modRM())
		}
		return uint32(r.cpu.State.Reg16(r.modRM()))
	}
	seg, off := r.effectiveAddr()
	if r.opSize32 {
		v, ab := r.cpu.Bus.ReadL(seg, off)
		r.fault(seg, ab)
		return v
	}
	v, ab := r.cpu.Bus.ReadW(seg, off)
	r.fault(seg, ab)
	return uint32(v)
}

func (r *runner) storeRM(v uint32) {
	if r.modMod() == 3 {
		if r.opSize32 {
			r.cpu.State.SetReg32(r.modRM(), v)
		} else {
			r.cpu.State.SetReg16(r.modRM(), uint16(v))
		}
		return
	}
	seg, off := r.effectiveAddr()
	if r.opSize32 {
		r.fault(seg, r.cpu.Bus.WriteL(seg, off, v))
	} else {
		r.fault(seg, r.cpu.Bus.WriteW(seg, off, uint16(v)))
	}
}

func widthMask(w uint) uint32 {
	if w >= 32 {
		return 0xFFFFFFFF
	}
	return 1<<w - 1
}

func setLazy(s *guest.State, kind flags.Kind, a, b, res uint32) {
	s.Lazy = flags.Record{Kind: kind, Op1: a, Op2: b, Res: res}
}

// aluOp mirrors emit.ALUOp but the interpreter doesn't depend on the emit
// package, keeping the two implementations independent the way a real
// differential oracle requires.
type aluOp int

const (
	opAdd aluOp = iota
	opOr
	opAdc
	opSbb
	opAnd
	opSub
	opXor
	opCmp
)

func aluApply(op aluOp, a, b uint32, width uint, cf bool) (res uint32, kind flags.Kind) {
	mask := widthMask(width)
	a &= mask
	b &= mask
	c := uint32(0)
	if cf {
		c = 1
	}
	switch op {
	case opAdd:
		return (a + b) & mask, flags.AddKind(width)
	case opAdc:
		return (a + b + c) & mask, flags.AdcKind(width)
	case opSub, opCmp:
		return (a - b) & mask, flags.SubKind(width)
	case opSbb:
		return (a - b - c) & mask, flags.SbbKind(width)
	case opAnd:
		return a & b, flags.ZeroNegKind(width)
	case opOr:
		return a | b, flags.ZeroNegKind(width)
	case opXor:
		return a ^ b, flags.ZeroNegKind(width)
	}
	return 0, flags.Unknown
}
