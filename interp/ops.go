package interp

import (
	"math"

	"github.com/quillarch/x86dbt/flags"
	"github.com/quillarch/x86dbt/fpu"
	"github.com/quillarch/x86dbt/guest"
)

var (
	mmxAddB     = fpu.AddWrapB8
	mmxAddSatB  = fpu.AddSaturateB8
	mmxPackSSWB = fpu.PackSignedSaturateWB
)

// aluFamily mirrors decode.aluFamily: opcode base (immediate-form 0x00 of
// each 8-opcode family) -> operation. Independent copies, not a shared
// table, keep the interpreter a true second implementation for the
// differential oracle rather than a thin wrapper around decode.
var aluFamily = map[byte]aluOp{
	0x00: opAdd, 0x08: opOr, 0x10: opAdc, 0x18: opSbb,
	0x20: opAnd, 0x28: opSub, 0x30: opXor, 0x38: opCmp,
}

func (r *runner) execOne(opcode byte) {
	if fam, ok := aluFamily[opcode&0xF8]; ok && opcode&0x07 <= 3 {
		r.execALUFamily(fam, opcode)
		return
	}

	switch {
	case opcode >= 0x40 && opcode <= 0x47:
		r.execIncDec(opcode-0x40, true)
		return
	case opcode >= 0x48 && opcode <= 0x4F:
		r.execIncDec(opcode-0x48, false)
		return
	case opcode >= 0x50 && opcode <= 0x57:
		r.execPushReg(opcode - 0x50)
		return
	case opcode >= 0x58 && opcode <= 0x5F:
		r.execPopReg(opcode - 0x58)
		return
	case opcode >= 0x70 && opcode <= 0x7F:
		r.execJccRel8(opcode - 0x70)
		return
	case opcode >= 0xB0 && opcode <= 0xB7:
		r.execMovRegImm(opcode-0xB0, false)
		return
	case opcode >= 0xB8 && opcode <= 0xBF:
		r.execMovRegImm(opcode-0xB8, true)
		return
	case opcode >= 0x91 && opcode <= 0x97:
		r.execXchgEAXReg(opcode - 0x90)
		return
	}

	switch opcode {
	case 0x04, 0x0C, 0x14, 0x1C, 0x24, 0x2C, 0x34, 0x3C:
		r.execALIb(aluFamily[opcode&0xF8])
	case 0x05, 0x0D, 0x15, 0x1D, 0x25, 0x2D, 0x35, 0x3D:
		r.execEAXIz(aluFamily[opcode&0xF8])
	case 0x80:
		r.execGrp1(true, false)
	case 0x81:
		r.execGrp1(false, false)
	case 0x83:
		r.execGrp1(false, true)
	case 0x84:
		r.execTest8()
	case 0x85:
		r.execTest()
	case 0x88:
		r.execMovEbGb()
	case 0x89:
		r.execMovEvGv()
	case 0x8A:
		r.execMovGbEb()
	case 0x8B:
		r.execMovGvEv()
	case 0x8D:
		r.execLea()
	case 0x90:
		// NOP
	case 0xA8:
		r.execALIb(opAnd | cmpTestALIb)
	case 0xA9:
		r.execEAXIz(opAnd | cmpTestALIb)
	case 0xA4:
		r.execMovs(true)
	case 0xA5:
		r.execMovs(false)
	case 0xAA:
		r.execStos(true)
	case 0xAB:
		r.execStos(false)
	case 0xC0:
		r.execGrp2(true, countImm8)
	case 0xC1:
		r.execGrp2(false, countImm8)
	case 0xC2:
		r.execRetNear(true)
	case 0xC3:
		r.execRetNear(false)
	case 0xC6:
		r.execMovEbIb()
	case 0xC7:
		r.execMovEvIz()
	case 0xD0:
		r.execGrp2(true, countOne)
	case 0xD1:
		r.execGrp2(false, countOne)
	case 0xD2:
		r.execGrp2(true, countCL)
	case 0xD3:
		r.execGrp2(false, countCL)
	case 0xE0, 0xE1, 0xE2:
		r.execLoop(opcode - 0xE0)
	case 0xE3:
		r.execJcxz()
	case 0xE8:
		r.execCallRel32()
	case 0xE9:
		r.execJmpRel32()
	case 0xEB:
		r.execJmpRel8()
	case 0xF4:
		r.cpu.State.Halted = true
		r.cpu.EndBlock(r.pc)
	case 0xF5:
		r.cpu.State.MaterialiseFlags()
		cf := r.cpu.State.GetFlag(guest.FlagCF)
		r.cpu.State.SetFlag(guest.FlagCF, !cf)
	case 0xF8:
		r.cpu.State.MaterialiseFlags()
		r.cpu.State.SetFlag(guest.FlagCF, false)
	case 0xF9:
		r.cpu.State.MaterialiseFlags()
		r.cpu.State.SetFlag(guest.FlagCF, true)
	case 0xFA:
		r.cpu.State.SetFlag(guest.FlagIF, false)
	case 0xFB:
		r.cpu.State.SetFlag(guest.FlagIF, true)
		r.cpu.State.InterruptInhibit = 1
	case 0xFC:
		r.cpu.State.SetFlag(guest.FlagDF, false)
	case 0xFD:
		r.cpu.State.SetFlag(guest.FlagDF, true)
	case 0x68:
		r.execPushImm32()
	case 0x6A:
		r.execPushImm8()
	case 0x9C:
		r.execPushf()
	case 0x9D:
		r.execPopf()
	case 0xD8, 0xD9, 0xDA, 0xDB, 0xDC, 0xDD, 0xDE, 0xDF:
		r.execFPUEscape(opcode)
	default:
		r.abort = &guest.Abort{Vector: guest.VectorUD, Reason: "unsupported opcode"}
	}
}

func (r *runner) execTwoByte() {
	opcode := r.fetch8()
	if r.abort != nil {
		return
	}
	switch {
	case opcode >= 0x80 && opcode <= 0x8F:
		r.execJccRel32(opcode - 0x80)
		return
	}
	switch opcode {
	case 0x77:
		r.cpu.State.FPU.EMMS()
	case 0x6E:
		r.execMovdToMM()
	case 0x7E:
		r.execMovdFromMM()
	case 0xFC:
		r.execMMXBinOp(mmxAddB)
	case 0xEC:
		r.execMMXBinOp(mmxAddSatB)
	case 0x63:
		r.execMMXBinOp(mmxPackSSWB)
	default:
		r.abort = &guest.Abort{Vector: guest.VectorUD, Reason: "unsupported 0F opcode"}
	}
}

// --- ALU families ----------------------------------------------------------

const cmpTestALIb = 0x80 // disambiguates the TEST encodings from AND in the switch above; never compared against opAnd directly.

func (r *runner) execALUFamily(op aluOp, opcode byte) {
	if op == opAdc || op == opSbb {
		r.cpu.State.MaterialiseFlags() // carry-in must reflect the previous op
	}
	switch opcode & 0x07 {
	case 0: // Eb, Gb
		r.fetchModRM()
		a := r.loadRM8()
		b := uint32(r.cpu.State.Reg8(r.modReg()))
		res, kind := aluApply(op, a, b, 8, r.cpu.State.GetFlag(guest.FlagCF))
		if op != opCmp {
			r.storeRM8(res)
		}
		setLazy(&r.cpu.State, kind, a, b, res)
	case 1: // Ev, Gv
		r.fetchModRM()
		w := r.width()
		a := r.loadRM()
		b := r.regVal(r.modReg(), w)
		res, kind := aluApply(op, a, b, w, r.cpu.State.GetFlag(guest.FlagCF))
		if op != opCmp {
			r.storeRM(res)
		}
		setLazy(&r.cpu.State, kind, a, b, res)
	case 2: // Gb, Eb
		r.fetchModRM()
		a := uint32(r.cpu.State.Reg8(r.modReg()))
		b := r.loadRM8()
		res, kind := aluApply(op, a, b, 8, r.cpu.State.GetFlag(guest.FlagCF))
		if op != opCmp {
			r.cpu.State.SetReg8(r.modReg(), byte(res))
		}
		setLazy(&r.cpu.State, kind, a, b, res)
	case 3: // Gv, Ev
		r.fetchModRM()
		w := r.width()
		a := r.regVal(r.modReg(), w)
		b := r.loadRM()
		res, kind := aluApply(op, a, b, w, r.cpu.State.GetFlag(guest.FlagCF))
		if op != opCmp {
			r.setRegVal(r.modReg(), w, res)
		}
		setLazy(&r.cpu.State, kind, a, b, res)
	}
}

func (r *runner) execALIb(op aluOp) {
	a := uint32(r.cpu.State.Reg8(0))
	b := uint32(r.fetch8())
	isTest := op&cmpTestALIb != 0
	realOp := op &^ cmpTestALIb
	if isTest {
		realOp = opAnd
	}
	if realOp == opAdc || realOp == opSbb {
		r.cpu.State.MaterialiseFlags()
	}
	res, kind := aluApply(realOp, a, b, 8, r.cpu.State.GetFlag(guest.FlagCF))
	if realOp != opCmp && !isTest {
		r.cpu.State.SetReg8(0, byte(res))
	}
	setLazy(&r.cpu.State, kind, a, b, res)
}

func (r *runner) execEAXIz(op aluOp) {
	w := r.width()
	var b uint32
	if w == 32 {
		b = r.fetch32()
	} else {
		b = uint32(r.fetch16())
	}
	a := r.regVal(0, w)
	isTest := op&cmpTestALIb != 0
	realOp := op &^ cmpTestALIb
	if isTest {
		realOp = opAnd
	}
	if realOp == opAdc || realOp == opSbb {
		r.cpu.State.MaterialiseFlags()
	}
	res, kind := aluApply(realOp, a, b, w, r.cpu.State.GetFlag(guest.FlagCF))
	if realOp != opCmp && !isTest {
		r.setRegVal(0, w, res)
	}
	setLazy(&r.cpu.State, kind, a, b, res)
}

func (r *runner) regVal(slot byte, w uint) uint32 {
	if w == 32 {
		return r.cpu.State.Reg32(slot)
	}
	return uint32(r.cpu.State.Reg16(slot))
}

func (r *runner) setRegVal(slot byte, w uint, v uint32) {
	if w == 32 {
		r.cpu.State.SetReg32(slot, v)
	} else {
		r.cpu.State.SetReg16(slot, uint16(v))
	}
}

var grp1Ops = [8]aluOp{opAdd, opOr, opAdc, opSbb, opAnd, opSub, opXor, opCmp}

func (r *runner) execGrp1(byteForm, signExtendIb bool) {
	r.fetchModRM()
	reg := r.modReg()
	op := grp1Ops[reg]
	if op == opAdc || op == opSbb {
		r.cpu.State.MaterialiseFlags()
	}
	cf := r.cpu.State.GetFlag(guest.FlagCF)
	if byteForm {
		a := r.loadRM8()
		imm := uint32(r.fetch8())
		res, kind := aluApply(op, a, imm, 8, cf)
		if op != opCmp {
			r.storeRM8(res)
		}
		setLazy(&r.cpu.State, kind, a, imm, res)
		return
	}
	w := r.width()
	a := r.loadRM()
	var imm uint32
	if signExtendIb {
		imm = uint32(int32(int8(r.fetch8())))
	} else if w == 32 {
		imm = r.fetch32()
	} else {
		imm = uint32(r.fetch16())
	}
	res, kind := aluApply(op, a, imm, w, cf)
	if op != opCmp {
		r.storeRM(res)
	}
	setLazy(&r.cpu.State, kind, a, imm, res)
}

func (r *runner) execTest8() {
	r.fetchModRM()
	a := r.loadRM8()
	b := uint32(r.cpu.State.Reg8(r.modReg()))
	res, kind := aluApply(opAnd, a, b, 8, false)
	setLazy(&r.cpu.State, kind, a, b, res)
}

func (r *runner) execTest() {
	r.fetchModRM()
	w := r.width()
	a := r.loadRM()
	b := r.regVal(r.modReg(), w)
	res, kind := aluApply(opAnd, a, b, w, false)
	setLazy(&r.cpu.State, kind, a, b, res)
}

// --- MOV/LEA ---------------------------------------------------------------

func (r *runner) execMovEbGb() {
	r.fetchModRM()
	r.storeRM8(uint32(r.cpu.State.Reg8(r.modReg())))
}

func (r *runner) execMovEvGv() {
	r.fetchModRM()
	r.storeRM(r.regVal(r.modReg(), r.width()))
}

func (r *runner) execMovGbEb() {
	r.fetchModRM()
	r.cpu.State.SetReg8(r.modReg(), byte(r.loadRM8()))
}

func (r *runner) execMovGvEv() {
	r.fetchModRM()
	w := r.width()
	r.setRegVal(r.modReg(), w, r.loadRM())
}

func (r *runner) execMovRegImm(slot byte, wide bool) {
	if wide && r.opSize32 {
		r.cpu.State.SetReg32(slot, r.fetch32())
		return
	}
	if wide {
		r.cpu.State.SetReg16(slot, r.fetch16())
		return
	}
	r.cpu.State.SetReg8(slot, r.fetch8())
}

func (r *runner) execMovEbIb() {
	r.fetchModRM()
	r.storeRM8(uint32(r.fetch8()))
}

func (r *runner) execMovEvIz() {
	r.fetchModRM()
	w := r.width()
	var v uint32
	if w == 32 {
		v = r.fetch32()
	} else {
		v = uint32(r.fetch16())
	}
	r.storeRM(v)
}

func (r *runner) execLea() {
	r.fetchModRM()
	if r.modMod() == 3 {
		r.abort = &guest.Abort{Vector: guest.VectorUD, Reason: "LEA with register operand"}
		return
	}
	_, off := r.effectiveAddr()
	r.setRegVal(r.modReg(), r.width(), off)
}

func (r *runner) execXchgEAXReg(slot byte) {
	w := r.width()
	a := r.regVal(0, w)
	b := r.regVal(slot, w)
	r.setRegVal(0, w, b)
	r.setRegVal(slot, w, a)
}

// --- stack -------------------------------------------------------------

func (r *runner) stackWidth() bool { return r.opSize32 } // true == 32-bit push/pop

func (r *runner) push(v uint32) {
	wide := r.stackWidth()
	esp := r.cpu.State.Reg32(regESPSlot)
	if wide {
		esp -= 4
		r.fault(guest.SegSS, r.cpu.Bus.WriteL(guest.SegSS, esp, v))
	} else {
		esp -= 2
		r.fault(guest.SegSS, r.cpu.Bus.WriteW(guest.SegSS, esp, uint16(v)))
	}
	r.cpu.State.SetReg32(regESPSlot, esp)
}

func (r *runner) pop() uint32 {
	wide := r.stackWidth()
	esp := r.cpu.State.Reg32(regESPSlot)
	var v uint32
	if wide {
		v, _ = r.cpu.Bus.ReadL(guest.SegSS, esp)
		esp += 4
	} else {
		var v16 uint16
		v16, _ = r.cpu.Bus.ReadW(guest.SegSS, esp)
		v = uint32(v16)
		esp += 2
	}
	r.cpu.State.SetReg32(regESPSlot, esp)
	return v
}

const regESPSlot = 4
const regECXSlot = 1

func (r *runner) execPushReg(slot byte) { r.push(r.cpu.State.Reg32(slot)) }
func (r *runner) execPopReg(slot byte)  { r.cpu.State.SetReg32(slot, r.pop()) }

func (r *runner) execIncDec(slot byte, inc bool) {
	w := r.width()
	a := r.regVal(slot, w)
	var res uint32
	var kind flags.Kind
	if inc {
		res = (a + 1) & widthMask(w)
		kind = flags.IncKind(w)
	} else {
		res = (a - 1) & widthMask(w)
		kind = flags.DecKind(w)
	}
	r.setRegVal(slot, w, res)
	r.cpu.State.MaterialiseFlags() // fold the earlier CF into EFLAGS before it is preserved
	setLazy(&r.cpu.State, kind, a, 1, res)
}

func (r *runner) execPushImm32() {
	var v uint32
	if r.opSize32 {
		v = r.fetch32()
	} else {
		v = uint32(r.fetch16())
	}
	r.push(v)
}

func (r *runner) execPushImm8() {
	v := uint32(int32(int8(r.fetch8())))
	r.push(v)
}

func (r *runner) execPushf() {
	r.cpu.State.MaterialiseFlags()
	r.push(r.cpu.State.EFlags)
}

func (r *runner) execPopf() {
	v := r.pop()
	const preserved = guest.FlagVM | guest.FlagVIF | guest.FlagVIP
	r.cpu.State.EFlags = (r.cpu.State.EFlags & preserved) | (v &^ preserved) | 2
	r.cpu.State.Lazy.Kind = flags.Unknown
}

// --- branches ------------------------------------------------------------

func condition(tttn byte, s *guest.State) bool {
	s.MaterialiseFlags()
	cf := s.GetFlag(guest.FlagCF)
	zf := s.GetFlag(guest.FlagZF)
	sf := s.GetFlag(guest.FlagSF)
	of := s.GetFlag(guest.FlagOF)
	pf := s.GetFlag(guest.FlagPF)
	switch tttn {
	case 0x0:
		return of
	case 0x1:
		return !of
	case 0x2:
		return cf
	case 0x3:
		return !cf
	case 0x4:
		return zf
	case 0x5:
		return !zf
	case 0x6:
		return cf || zf
	case 0x7:
		return !cf && !zf
	case 0x8:
		return sf
	case 0x9:
		return !sf
	case 0xA:
		return pf
	case 0xB:
		return !pf
	case 0xC:
		return sf != of
	case 0xD:
		return sf == of
	case 0xE:
		return zf || sf != of
	case 0xF:
		return !zf && sf == of
	}
	return false
}

func (r *runner) execJccRel8(tttn byte) {
	disp := int32(int8(r.fetch8()))
	taken := condition(tttn, &r.cpu.State)
	target := uint32(int32(r.pc) + disp)
	r.endBranch(taken, target)
}

func (r *runner) execJccRel32(tttn byte) {
	var disp int32
	if r.opSize32 {
		disp = int32(r.fetch32())
	} else {
		disp = int32(int16(r.fetch16()))
	}
	taken := condition(tttn, &r.cpu.State)
	target := uint32(int32(r.pc) + disp)
	r.endBranch(taken, target)
}

func (r *runner) endBranch(taken bool, target uint32) {
	if taken {
		r.cpu.EndBlock(target)
	} else {
		r.cpu.EndBlock(r.pc)
	}
}

func (r *runner) execJmpRel8() {
	disp := int32(int8(r.fetch8()))
	r.cpu.EndBlock(uint32(int32(r.pc) + disp))
}

func (r *runner) execJmpRel32() {
	var disp int32
	if r.opSize32 {
		disp = int32(r.fetch32())
	} else {
		disp = int32(int16(r.fetch16()))
	}
	r.cpu.EndBlock(uint32(int32(r.pc) + disp))
}

func (r *runner) execCallRel32() {
	var disp int32
	if r.opSize32 {
		disp = int32(r.fetch32())
	} else {
		disp = int32(int16(r.fetch16()))
	}
	r.push(r.pc)
	r.cpu.EndBlock(uint32(int32(r.pc) + disp))
}

func (r *runner) execRetNear(popExtra bool) {
	target := r.pop()
	if popExtra {
		n := r.fetch16()
		esp := r.cpu.State.Reg32(regESPSlot)
		r.cpu.State.SetReg32(regESPSlot, esp+uint32(n))
	}
	r.cpu.EndBlock(target)
}

func (r *runner) execLoop(kind byte) {
	disp := int32(int8(r.fetch8()))
	cx := r.cpu.State.Reg32(regECXSlot) - 1
	r.cpu.State.SetReg32(regECXSlot, cx)
	take := cx != 0
	r.cpu.State.MaterialiseFlags()
	switch kind {
	case 0: // LOOPNE/LOOPNZ
		take = take && !r.cpu.State.GetFlag(guest.FlagZF)
	case 1: // LOOPE/LOOPZ
		take = take && r.cpu.State.GetFlag(guest.FlagZF)
	}
	r.endBranch(take, uint32(int32(r.pc)+disp))
}

func (r *runner) execJcxz() {
	disp := int32(int8(r.fetch8()))
	cx := r.cpu.State.Reg32(regECXSlot)
	r.endBranch(cx == 0, uint32(int32(r.pc)+disp))
}

// --- shifts ----------------------------------------------------------------

const (
	countOne = iota
	countCL
	countImm8
)

func (r *runner) execGrp2(byteForm bool, countSrc int) {
	r.fetchModRM()
	reg := r.modReg()
	w := uint(8)
	if !byteForm {
		w = r.width()
	}
	var a uint32
	if byteForm {
		a = r.loadRM8()
	} else {
		a = r.loadRM()
	}
	var count uint
	switch countSrc {
	case countImm8:
		count = uint(r.fetch8())
	case countCL:
		count = uint(r.cpu.State.Reg8(regECXSlot))
	default:
		count = 1
	}
	res, kind := shiftCompute(reg, a, count, w)
	if byteForm {
		r.storeRM8(res)
	} else {
		r.storeRM(res)
	}
	if count != 0 {
		setLazy(&r.cpu.State, kind, a, uint32(count), res)
	}
}

func shiftCompute(regOp byte, v uint32, count uint, width uint) (res uint32, kind flags.Kind) {
	mask := widthMask(width)
	v &= mask
	count &= 0x1F
	switch regOp {
	case 0: // ROL
		if count == 0 {
			return v, flags.RolKind(width)
		}
		c := count % width
		res = ((v << c) | (v >> (width - c))) & mask
		return res, flags.RolKind(width)
	case 1: // ROR
		if count == 0 {
			return v, flags.RorKind(width)
		}
		c := count % width
		res = ((v >> c) | (v << (width - c))) & mask
		return res, flags.RorKind(width)
	case 4, 6: // SHL/SAL
		res = (v << count) & mask
		return res, flags.ShlKind(width)
	case 5: // SHR
		res = (v & mask) >> count
		return res, flags.ShrKind(width)
	case 7: // SAR
		s := signExtendToInt32(v, width)
		res = uint32(s>>count) & mask
		return res, flags.SarKind(width)
	}
	return v, flags.Unknown
}

func signExtendToInt32(v uint32, width uint) int32 {
	switch width {
	case 8:
		return int32(int8(v))
	case 16:
		return int32(int16(v))
	default:
		return int32(v)
	}
}

// --- string ops --------------------------------------------------------

func (r *runner) advance(slot byte, n uint32) {
	v := r.cpu.State.Reg32(slot)
	if r.cpu.State.GetFlag(guest.FlagDF) {
		v -= n
	} else {
		v += n
	}
	r.cpu.State.SetReg32(slot, v)
}

const regESISlot = 6
const regEDISlot = 7

func (r *runner) execMovs(byteSize bool) {
	n := uint32(4)
	switch {
	case byteSize:
		n = 1
	case !r.opSize32:
		n = 2
	}
	rep := r.repPrefix != 0
	for {
		if rep {
			cx := r.cpu.State.Reg32(regECXSlot)
			if cx == 0 {
				break
			}
			r.cpu.State.SetReg32(regECXSlot, cx-1)
		}
		si := r.cpu.State.Reg32(regESISlot)
		di := r.cpu.State.Reg32(regEDISlot)
		if err := r.copyOne(si, di, n, byteSize); err != nil {
			r.abort = err
			return
		}
		r.advance(regESISlot, n)
		r.advance(regEDISlot, n)
		if !rep {
			break
		}
	}
}

func (r *runner) copyOne(srcOff, dstOff uint32, n uint32, byteSize bool) *guest.Abort {
	_ = byteSize
	switch n {
	case 1:
		v, ab := r.cpu.Bus.ReadB(guest.SegDS, srcOff)
		if ab != nil {
			return ab
		}
		return r.cpu.Bus.WriteB(guest.SegES, dstOff, v)
	case 2:
		v, ab := r.cpu.Bus.ReadW(guest.SegDS, srcOff)
		if ab != nil {
			return ab
		}
		return r.cpu.Bus.WriteW(guest.SegES, dstOff, v)
	default:
		v, ab := r.cpu.Bus.ReadL(guest.SegDS, srcOff)
		if ab != nil {
			return ab
		}
		return r.cpu.Bus.WriteL(guest.SegES, dstOff, v)
	}
}

func (r *runner) execStos(byteSize bool) {
	n := uint32(4)
	if !r.opSize32 && !byteSize {
		n = 2
	}
	if byteSize {
		n = 1
	}
	rep := r.repPrefix != 0
	for {
		if rep {
			cx := r.cpu.State.Reg32(regECXSlot)
			if cx == 0 {
				break
			}
			r.cpu.State.SetReg32(regECXSlot, cx-1)
		}
		di := r.cpu.State.Reg32(regEDISlot)
		var ab *guest.Abort
		switch n {
		case 1:
			ab = r.cpu.Bus.WriteB(guest.SegES, di, r.cpu.State.Reg8(0))
		case 2:
			ab = r.cpu.Bus.WriteW(guest.SegES, di, r.cpu.State.Reg16(0))
		default:
			ab = r.cpu.Bus.WriteL(guest.SegES, di, r.cpu.State.Reg32(0))
		}
		if ab != nil {
			r.abort = ab
			return
		}
		r.advance(regEDISlot, n)
		if !rep {
			break
		}
	}
}

// --- x87/MMX -------------------------------------------------------------

func (r *runner) execFPUEscape(opcode byte) {
	modrm := r.fetchModRM()
	reg := r.modReg()
	switch opcode {
	case 0xD9:
		switch reg {
		case 0:
			r.fpuLoad(false)
		case 3:
			r.fpuStoreAndPop(false)
		}
	case 0xDD:
		switch reg {
		case 0:
			r.fpuLoad(true)
		case 3:
			r.fpuStoreAndPop(true)
		}
	case 0xDE:
		if modrm == 0xC1 {
			st := &r.cpu.State.FPU
			s0 := st.StackSlot(0)
			s1 := st.StackSlot(1)
			st.ST[s1].Float += st.ST[s0].Float
			st.Pop()
		}
	}
}

func (r *runner) fpuLoad(double bool) {
	if r.modMod() == 3 {
		i := r.modRM()
		v := r.cpu.State.FPU.ST[r.cpu.State.FPU.StackSlot(i)].Float
		r.cpu.State.FPU.Push(v)
		return
	}
	seg, off := r.effectiveAddr()
	var f float64
	if double {
		bits, ab := r.cpu.Bus.ReadQ(seg, off)
		if ab != nil {
			r.abort = ab
			return
		}
		f = math.Float64frombits(bits)
	} else {
		bits, ab := r.cpu.Bus.ReadL(seg, off)
		if ab != nil {
			r.abort = ab
			return
		}
		f = float64(math.Float32frombits(bits))
	}
	r.cpu.State.FPU.Push(f)
}

func (r *runner) fpuStoreAndPop(double bool) {
	if r.modMod() == 3 {
		return
	}
	seg, off := r.effectiveAddr()
	v := r.cpu.State.FPU.ST[r.cpu.State.FPU.StackSlot(0)].Float
	var ab *guest.Abort
	if double {
		ab = r.cpu.Bus.WriteQ(seg, off, math.Float64bits(v))
	} else {
		ab = r.cpu.Bus.WriteL(seg, off, math.Float32bits(float32(v)))
	}
	if ab != nil {
		r.abort = ab
		return
	}
	r.cpu.State.FPU.Pop()
}

func (r *runner) execMovdToMM() {
	r.fetchModRM()
	mmReg := r.modReg()
	v := r.loadRM()
	if !r.cpu.State.FPU.MMXEntered {
		r.cpu.State.FPU.EnterMMX()
	}
	r.cpu.State.FPU.SetMM(mmReg, uint64(v))
}

func (r *runner) execMovdFromMM() {
	r.fetchModRM()
	mmReg := r.modReg()
	r.storeRM(uint32(r.cpu.State.FPU.MM(mmReg)))
}

type mmxBinFn func(a, b uint64) uint64

func (r *runner) execMMXBinOp(fn mmxBinFn) {
	r.fetchModRM()
	if r.modMod() != 3 {
		return
	}
	dst := r.modReg()
	src := r.modRM()
	a := r.cpu.State.FPU.MM(dst)
	b := r.cpu.State.FPU.MM(src)
	r.cpu.State.FPU.SetMM(dst, fn(a, b))
}
