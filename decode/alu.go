package decode

import (
	"github.com/quillarch/x86dbt/emit"
	"github.com/quillarch/x86dbt/guest"
)

// EmitFunc decodes and emits exactly one guest instruction, generalizing
// the teacher's per-opcode case bodies in cpu_x86_ops.go from "execute
// now" to "append the HostOps that will execute this later". It returns
// true when the instruction always ends the current block (branches,
// faults already known at decode time, HLT, ...).
type EmitFunc func(d *Decoder, bld *emit.Builder) (blockEnds bool)

// aluFamily maps the six-opcode block starting at base (spec.md ALU
// opcode layout: +0 Eb,Gb +1 Ev,Gv +2 Gb,Eb +3 Gv,Ev +4 AL,Ib +5 eAX,Iv)
// to the ALUOp it performs.
var aluFamily = map[byte]emit.ALUOp{
	0x00: emit.ALUAdd, 0x08: emit.ALUOr, 0x10: emit.ALUAdc, 0x18: emit.ALUSbb,
	0x20: emit.ALUAnd, 0x28: emit.ALUSub, 0x30: emit.ALUXor, 0x38: emit.ALUCmp,
}

// writesResult reports whether an ALU family writes its destination
// (CMP/TEST compute flags only).
func writesResult(op emit.ALUOp) bool { return op != emit.ALUCmp && op != emit.ALUTest }

func emitALUEbGb(op emit.ALUOp) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		isReg, ea := d.decodeModRMOperand()
		reg := d.ModRMReg()
		a := bld.Alloc.Acquire()
		b := bld.Alloc.Acquire()
		res := bld.Alloc.Acquire()
		d.loadRM8(bld, a, ea, isReg)
		bld.EmitLoadRegB(b, reg)
		bld.EmitALURegReg(op, res, a, b, 8)
		if writesResult(op) {
			d.storeRM8(bld, ea, isReg, res)
		}
		bld.Alloc.Release(a)
		bld.Alloc.Release(b)
		bld.Alloc.Release(res)
		return false
	}
}

func emitALUEvGv(op emit.ALUOp) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		isReg, ea := d.decodeModRMOperand()
		reg := d.ModRMReg()
		width := d.Width()
		a := bld.Alloc.Acquire()
		b := bld.Alloc.Acquire()
		res := bld.Alloc.Acquire()
		d.loadRM(bld, a, ea, isReg)
		if d.OpSize32 {
			bld.EmitLoadRegL(b, reg)
		} else {
			bld.EmitLoadRegW(b, reg)
		}
		bld.EmitALURegReg(op, res, a, b, width)
		if writesResult(op) {
			d.storeRM(bld, ea, isReg, res)
		}
		bld.Alloc.Release(a)
		bld.Alloc.Release(b)
		bld.Alloc.Release(res)
		return false
	}
}

func emitALUGbEb(op emit.ALUOp) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		isReg, ea := d.decodeModRMOperand()
		reg := d.ModRMReg()
		a := bld.Alloc.Acquire()
		b := bld.Alloc.Acquire()
		res := bld.Alloc.Acquire()
		bld.EmitLoadRegB(a, reg)
		d.loadRM8(bld, b, ea, isReg)
		bld.EmitALURegReg(op, res, a, b, 8)
		if writesResult(op) {
			bld.EmitStoreRegB(reg, res)
		}
		bld.Alloc.Release(a)
		bld.Alloc.Release(b)
		bld.Alloc.Release(res)
		return false
	}
}

func emitALUGvEv(op emit.ALUOp) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		isReg, ea := d.decodeModRMOperand()
		reg := d.ModRMReg()
		width := d.Width()
		a := bld.Alloc.Acquire()
		b := bld.Alloc.Acquire()
		res := bld.Alloc.Acquire()
		if d.OpSize32 {
			bld.EmitLoadRegL(a, reg)
		} else {
			bld.EmitLoadRegW(a, reg)
		}
		d.loadRM(bld, b, ea, isReg)
		bld.EmitALURegReg(op, res, a, b, width)
		if writesResult(op) {
			if d.OpSize32 {
				bld.EmitStoreRegL(reg, res)
			} else {
				bld.EmitStoreRegW(reg, res)
			}
		}
		bld.Alloc.Release(a)
		bld.Alloc.Release(b)
		bld.Alloc.Release(res)
		return false
	}
}

func emitALUALIb(op emit.ALUOp) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		imm := uint32(d.Fetch8())
		a := bld.Alloc.Acquire()
		res := bld.Alloc.Acquire()
		bld.EmitLoadRegB(a, regEAXSlot)
		bld.EmitALURegImm(op, res, a, imm, 8)
		if writesResult(op) {
			bld.EmitStoreRegB(regEAXSlot, res)
		}
		bld.Alloc.Release(a)
		bld.Alloc.Release(res)
		return false
	}
}

func emitALUeAXIv(op emit.ALUOp) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		width := d.Width()
		var imm uint32
		if d.OpSize32 {
			imm = d.Fetch32()
		} else {
			imm = uint32(d.Fetch16())
		}
		a := bld.Alloc.Acquire()
		res := bld.Alloc.Acquire()
		if d.OpSize32 {
			bld.EmitLoadRegL(a, regEAXSlot)
		} else {
			bld.EmitLoadRegW(a, regEAXSlot)
		}
		bld.EmitALURegImm(op, res, a, imm, width)
		if writesResult(op) {
			if d.OpSize32 {
				bld.EmitStoreRegL(regEAXSlot, res)
			} else {
				bld.EmitStoreRegW(regEAXSlot, res)
			}
		}
		bld.Alloc.Release(a)
		bld.Alloc.Release(res)
		return false
	}
}

const regEAXSlot = 0
const regECXSlot = 1

// grp1Ops is the Grp1 /reg extension-field-to-ALUOp map used by opcodes
// 0x80/0x81/0x83 (cpu_x86_grp.go opGrp1 equivalent).
var grp1Ops = [8]emit.ALUOp{
	emit.ALUAdd, emit.ALUOr, emit.ALUAdc, emit.ALUSbb,
	emit.ALUAnd, emit.ALUSub, emit.ALUXor, emit.ALUCmp,
}

// emitGrp1Eb emits opcode 0x80: Grp1 Eb,Ib.
func emitGrp1Eb(d *Decoder, bld *emit.Builder) bool {
	isReg, ea := d.decodeModRMOperand()
	op := grp1Ops[d.ModRMReg()]
	imm := uint32(d.Fetch8())
	a := bld.Alloc.Acquire()
	res := bld.Alloc.Acquire()
	d.loadRM8(bld, a, ea, isReg)
	bld.EmitALURegImm(op, res, a, imm, 8)
	if writesResult(op) {
		d.storeRM8(bld, ea, isReg, res)
	}
	bld.Alloc.Release(a)
	bld.Alloc.Release(res)
	return false
}

// emitGrp1EvIz emits opcode 0x81: Grp1 Ev,Iz.
func emitGrp1EvIz(d *Decoder, bld *emit.Builder) bool {
	isReg, ea := d.decodeModRMOperand()
	op := grp1Ops[d.ModRMReg()]
	width := d.Width()
	var imm uint32
	if d.OpSize32 {
		imm = d.Fetch32()
	} else {
		imm = uint32(d.Fetch16())
	}
	a := bld.Alloc.Acquire()
	res := bld.Alloc.Acquire()
	d.loadRM(bld, a, ea, isReg)
	bld.EmitALURegImm(op, res, a, imm, width)
	if writesResult(op) {
		d.storeRM(bld, ea, isReg, res)
	}
	bld.Alloc.Release(a)
	bld.Alloc.Release(res)
	return false
}

// emitGrp1EvIb emits opcode 0x83: Grp1 Ev,Ib (sign-extended byte immediate).
func emitGrp1EvIb(d *Decoder, bld *emit.Builder) bool {
	isReg, ea := d.decodeModRMOperand()
	op := grp1Ops[d.ModRMReg()]
	width := d.Width()
	imm8 := d.Fetch8()
	var imm uint32
	if d.OpSize32 {
		imm = uint32(int32(int8(imm8)))
	} else {
		imm = uint32(uint16(int16(int8(imm8))))
	}
	a := bld.Alloc.Acquire()
	res := bld.Alloc.Acquire()
	d.loadRM(bld, a, ea, isReg)
	bld.EmitALURegImm(op, res, a, imm, width)
	if writesResult(op) {
		d.storeRM(bld, ea, isReg, res)
	}
	bld.Alloc.Release(a)
	bld.Alloc.Release(res)
	return false
}

// emitTestEbGb / emitTestEvGv are the TEST forms (0x84/0x85): like CMP
// they never write a result.
func emitTestEbGb(d *Decoder, bld *emit.Builder) bool {
	return emitALUEbGb(emit.ALUTest)(d, bld)
}

func emitTestEvGv(d *Decoder, bld *emit.Builder) bool {
	return emitALUEvGv(emit.ALUTest)(d, bld)
}

func emitTestALIb(d *Decoder, bld *emit.Builder) bool {
	return emitALUALIb(emit.ALUTest)(d, bld)
}

func emitTesteAXIv(d *Decoder, bld *emit.Builder) bool {
	return emitALUeAXIv(emit.ALUTest)(d, bld)
}

// emitMovEbGb/emitMovEvGv/emitMovGbEb/emitMovGvEv are the register-direction
// MOV forms (0x88-0x8B): a plain load/store with no flag side effect.
func emitMovEbGb(d *Decoder, bld *emit.Builder) bool {
	isReg, ea := d.decodeModRMOperand()
	reg := d.ModRMReg()
	t := bld.Alloc.Acquire()
	bld.EmitLoadRegB(t, reg)
	d.storeRM8(bld, ea, isReg, t)
	bld.Alloc.Release(t)
	return false
}

func emitMovEvGv(d *Decoder, bld *emit.Builder) bool {
	isReg, ea := d.decodeModRMOperand()
	reg := d.ModRMReg()
	t := bld.Alloc.Acquire()
	if d.OpSize32 {
		bld.EmitLoadRegL(t, reg)
	} else {
		bld.EmitLoadRegW(t, reg)
	}
	d.storeRM(bld, ea, isReg, t)
	bld.Alloc.Release(t)
	return false
}

func emitMovGbEb(d *Decoder, bld *emit.Builder) bool {
	isReg, ea := d.decodeModRMOperand()
	reg := d.ModRMReg()
	t := bld.Alloc.Acquire()
	d.loadRM8(bld, t, ea, isReg)
	bld.EmitStoreRegB(reg, t)
	bld.Alloc.Release(t)
	return false
}

func emitMovGvEv(d *Decoder, bld *emit.Builder) bool {
	isReg, ea := d.decodeModRMOperand()
	reg := d.ModRMReg()
	t := bld.Alloc.Acquire()
	d.loadRM(bld, t, ea, isReg)
	if d.OpSize32 {
		bld.EmitStoreRegL(reg, t)
	} else {
		bld.EmitStoreRegW(reg, t)
	}
	bld.Alloc.Release(t)
	return false
}

// emitMovRegImm builds the sixteen opcodes 0xB0-0xBF (MOV reg,imm).
func emitMovRegImm(slot byte, wide bool) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		if !wide {
			imm := d.Fetch8()
			t := bld.Alloc.Acquire()
			bld.EmitLoadImm(t, uint32(imm))
			bld.EmitStoreRegB(slot, t)
			bld.Alloc.Release(t)
			return false
		}
		t := bld.Alloc.Acquire()
		if d.OpSize32 {
			bld.EmitLoadImm(t, d.Fetch32())
			bld.EmitStoreRegL(slot, t)
		} else {
			bld.EmitLoadImm(t, uint32(d.Fetch16()))
			bld.EmitStoreRegW(slot, t)
		}
		bld.Alloc.Release(t)
		return false
	}
}

// emitMovEbIb/emitMovEvIz are 0xC6/0xC7 (MOV Eb/Ev, immediate).
func emitMovEbIb(d *Decoder, bld *emit.Builder) bool {
	isReg, ea := d.decodeModRMOperand()
	imm := d.Fetch8()
	t := bld.Alloc.Acquire()
	bld.EmitLoadImm(t, uint32(imm))
	d.storeRM8(bld, ea, isReg, t)
	bld.Alloc.Release(t)
	return false
}

func emitMovEvIz(d *Decoder, bld *emit.Builder) bool {
	isReg, ea := d.decodeModRMOperand()
	var imm uint32
	if d.OpSize32 {
		imm = d.Fetch32()
	} else {
		imm = uint32(d.Fetch16())
	}
	t := bld.Alloc.Acquire()
	bld.EmitLoadImm(t, imm)
	d.storeRM(bld, ea, isReg, t)
	bld.Alloc.Release(t)
	return false
}

// emitLea loads the (never dereferenced) effective address into the
// ModR/M reg field. A register-direct ModR/M here is #UD on real
// hardware; the teacher's opLEA treats it the same as any other operand
// and so do we, leaving it ungrounded behaviour the interpreter fallback
// would also have to define.
func emitLea(d *Decoder, bld *emit.Builder) bool {
	d.FetchModRM()
	reg := d.ModRMReg()
	ea := d.DecodeEA()
	t := bld.Alloc.Acquire()
	bld.EmitCall(func(cpu *guest.CPU) {
		v := ea.Resolve(&cpu.State)
		cpu.Scratch[t] = v
	})
	if d.OpSize32 {
		bld.EmitStoreRegL(reg, t)
	} else {
		bld.EmitStoreRegW(reg, t)
	}
	bld.Alloc.Release(t)
	return false
}
