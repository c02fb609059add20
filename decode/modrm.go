// Package decode is the Guest-Decode + Emit Tables layer (spec.md C3): a
// primary opcode table plus sub-tables that each map to an emit function
// decoding one guest instruction and appending host ops via the emit
// package.
//
// Ported from the teacher's initBaseOps/initExtendedOps dispatch
// (cpu_x86.go) and the per-opcode bodies in cpu_x86_ops.go/cpu_x86_grp.go,
// generalized from "execute immediately" to "append a HostOp that performs
// this when the block runs".
package decode

import (
	"github.com/quillarch/x86dbt/guest"
)

// Decoder walks the guest byte stream at compile time, the same way the
// teacher's CPU_X86.fetch8/16/32 walk it at execute time (cpu_x86.go) —
// the only difference is the bytes are being turned into HostOps instead
// of being interpreted on the spot.
type Decoder struct {
	Bus    guest.Bus
	CSBase uint32
	PC     uint32 // current read position as a CS-relative offset; the Bus applies the CS base

	// DefaultOpSize32/DefaultAddrSize32 are the block's default operand
	// and address sizes (from the CS/SS descriptor's B bit); each
	// instruction starts from these and the 0x66/0x67 prefixes flip them
	// just for that one instruction.
	DefaultOpSize32   bool
	DefaultAddrSize32 bool

	OpSize32   bool // effective operand size for this instruction
	AddrSize32 bool

	SegOverride int // -1 = none, else SegES..SegGS
	RepPrefix   int // 0 none, 1 REP/REPE, 2 REPNE
	Lock        bool

	Modrm       byte
	ModrmLoaded bool
	Sib         byte
	SibLoaded   bool

	// Fault is set if a fetch during decode walks off mapped memory; the
	// block being built must be discarded (mirrors the interpreter
	// fallback path for decode-time faults).
	Fault *guest.Abort

	// pendingCountSrc records which Grp2 shift-count encoding the current
	// instruction uses; set by the grp2Ib/grp2CL/grp2One wrappers just
	// before they call into the shared emitGrp2 body.
	pendingCountSrc int
}

// ResetInstruction clears the per-instruction prefix accumulation state at
// an instruction boundary (spec.md §4.3 policy).
func (d *Decoder) ResetInstruction() {
	d.SegOverride = -1
	d.RepPrefix = 0
	d.Lock = false
	d.ModrmLoaded = false
	d.SibLoaded = false
	d.OpSize32 = d.DefaultOpSize32
	d.AddrSize32 = d.DefaultAddrSize32
}

func (d *Decoder) fetch8() byte {
	if d.Fault != nil {
		return 0
	}
	v, ab := d.Bus.ReadB(guest.SegCS, d.PC)
	if ab != nil {
		d.Fault = ab
		return 0
	}
	d.PC++
	return v
}

func (d *Decoder) fetch16() uint16 {
	lo := d.fetch8()
	hi := d.fetch8()
	return uint16(lo) | uint16(hi)<<8
}

func (d *Decoder) fetch32() uint32 {
	lo := d.fetch16()
	hi := d.fetch16()
	return uint32(lo) | uint32(hi)<<16
}

// Fetch8/Fetch16/Fetch32 are the exported immediate-fetch primitives emit
// functions use for Ib/Iv/Iz operands.
func (d *Decoder) Fetch8() byte    { return d.fetch8() }
func (d *Decoder) Fetch16() uint16 { return d.fetch16() }
func (d *Decoder) Fetch32() uint32 { return d.fetch32() }

// FetchModRM reads (once per instruction) the ModR/M byte.
func (d *Decoder) FetchModRM() byte {
	if !d.ModrmLoaded {
		d.Modrm = d.fetch8()
		d.ModrmLoaded = true
	}
	return d.Modrm
}

func (d *Decoder) ModRMMod() byte { return d.Modrm >> 6 }
func (d *Decoder) ModRMReg() byte { return (d.Modrm >> 3) & 7 }
func (d *Decoder) ModRMRM() byte  { return d.Modrm & 7 }

func (d *Decoder) fetchSIB() byte {
	if !d.SibLoaded {
		d.Sib = d.fetch8()
		d.SibLoaded = true
	}
	return d.Sib
}

func (d *Decoder) sibScale() byte { return d.Sib >> 6 }
func (d *Decoder) sibIndex() byte { return (d.Sib >> 3) & 7 }
func (d *Decoder) sibBase() byte  { return d.Sib & 7 }

// EAExpr is the EA for the current ModR/M, exactly generalizing
// calcEffectiveAddress16/calcEffectiveAddress32 from cpu_x86.go: reads of
// BX/SI/etc at *decode* time would be wrong since registers aren't known
// until the block runs, so the emitted EA carries an expression, not a
// concrete offset, represented here as a struct of the
// decode-time-constant displacement/scale/base-register-slot selection
// (evaluated against guest.State by Resolve when the block executes).
type EAExpr struct {
	Seg         int
	BaseReg     int8 // register slot, or -1 if none
	IndexReg    int8 // register slot, or -1 if none
	Scale       byte
	Disp        uint32
	Addr32      bool
	DirectValue bool // true if this EA is a bare displacement (no base/index)
}

// Resolve evaluates an EAExpr against live state at block-execute time.
func (e EAExpr) Resolve(s *guest.State) uint32 {
	if e.DirectValue {
		return e.Disp
	}
	var addr uint32
	if e.BaseReg >= 0 {
		if e.Addr32 {
			addr = s.Reg32(byte(e.BaseReg))
		} else {
			addr = uint32(uint16(s.Reg32(byte(e.BaseReg))))
		}
	}
	if e.IndexReg >= 0 {
		addr += s.Reg32(byte(e.IndexReg)) << e.Scale
	}
	if e.Addr32 {
		addr += e.Disp
	} else {
		addr = uint32(uint16(addr + e.Disp))
	}
	return addr
}

// DecodeEA reads ModR/M (and SIB/displacement as needed) and returns the
// effective-address expression plus which segment applies, ported from
// calcEffectiveAddress16/32 (cpu_x86.go).
func (d *Decoder) DecodeEA() EAExpr {
	if d.AddrSize32 {
		return d.decodeEA32()
	}
	return d.decodeEA16()
}

// These slot constants map a 16-bit ModR/M rm field to the pair of registers used
// ([BX+SI] etc come from two registers, handled specially below); for the
// single-register cases (SI, DI, BP, BX) this gives the register slot in
// ModR/M order (EAX,ECX,EDX,EBX,ESP,EBP,ESI,EDI): BX=3, SI=6, DI=7, BP=5.
const (
	slotEAX = 0
	slotECX = 1
	slotEDX = 2
	slotEBX = 3
	slotESP = 4
	slotEBP = 5
	slotESI = 6
	slotEDI = 7
)

func (d *Decoder) decodeEA16() EAExpr {
	mod := d.ModRMMod()
	rm := d.ModRMRM()
	seg := guest.SegDS

	e := EAExpr{Seg: seg, BaseReg: -1, IndexReg: -1, Addr32: false}

	switch rm {
	case 0: // [BX+SI]
		e.BaseReg, e.IndexReg = slotEBX, slotESI
	case 1: // [BX+DI]
		e.BaseReg, e.IndexReg = slotEBX, slotEDI
	case 2: // [BP+SI]
		e.BaseReg, e.IndexReg = slotEBP, slotESI
		seg = guest.SegSS
	case 3: // [BP+DI]
		e.BaseReg, e.IndexReg = slotEBP, slotEDI
		seg = guest.SegSS
	case 4:
		e.BaseReg = slotESI
	case 5:
		e.BaseReg = slotEDI
	case 6:
		if mod == 0 {
			e.DirectValue = true
			e.Disp = uint32(d.fetch16())
		} else {
			e.BaseReg = slotEBP
			seg = guest.SegSS
		}
	case 7:
		e.BaseReg = slotEBX
	}

	if !e.DirectValue {
		switch mod {
		case 1:
			e.Disp = uint32(uint16(int16(int8(d.fetch8()))))
		case 2:
			e.Disp = uint32(d.fetch16())
		}
	}

	if d.SegOverride >= 0 {
		seg = d.SegOverride
	}
	e.Seg = seg
	return e
}

func (d *Decoder) decodeEA32() EAExpr {
	mod := d.ModRMMod()
	rm := d.ModRMRM()
	seg := guest.SegDS

	e := EAExpr{Seg: seg, BaseReg: -1, IndexReg: -1, Addr32: true}

	if rm == 4 {
		d.fetchSIB()
		scale := d.sibScale()
		index := d.sibIndex()
		base := d.sibBase()

		if base == 5 && mod == 0 {
			e.DirectValue = false
			e.Disp = d.fetch32()
		} else {
			e.BaseReg = int8(base)
			if base == slotESP || base == slotEBP {
				seg = guest.SegSS
			}
		}
		if index != 4 {
			e.IndexReg = int8(index)
			e.Scale = scale
		}
	} else if rm == 5 && mod == 0 {
		e.DirectValue = true
		e.Disp = d.fetch32()
	} else {
		e.BaseReg = int8(rm)
		if rm == slotESP || rm == slotEBP {
			seg = guest.SegSS
		}
	}

	if !e.DirectValue {
		switch mod {
		case 1:
			e.Disp += uint32(int32(int8(d.fetch8())))
		case 2:
			e.Disp += d.fetch32()
		}
	}

	if d.SegOverride >= 0 {
		seg = d.SegOverride
	}
	e.Seg = seg
	return e
}

// Width returns the effective operand width in bits for a non-byte
// operand, given the instruction's op-size prefix state.
func (d *Decoder) Width() uint {
	if d.OpSize32 {
		return 32
	}
	return 16
}
