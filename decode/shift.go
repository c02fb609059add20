package decode

import (
	"github.com/quillarch/x86dbt/emit"
	"github.com/quillarch/x86dbt/flags"
	"github.com/quillarch/x86dbt/guest"
)

// shiftCompute is the width-generic port of the teacher's opGrp2 shift/
// rotate bodies (cpu_x86_grp.go): count is masked to 5 bits (0x1F) here
// for every width, as x86 does; 8/16-width operands use the same 5-bit
// count.
func shiftCompute(regOp byte, v uint32, count uint, width uint) (res uint32, kind flags.Kind) {
	count &= 0x1F
	mask := uint32(1)<<width - 1
	if width == 32 {
		mask = 0xFFFFFFFF
	}
	v &= mask
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
		if count == 0 {
			return v, flags.ShlKind(width)
		}
		res = (v << count) & mask
		return res, flags.ShlKind(width)
	case 5: // SHR
		if count == 0 {
			return v, flags.ShrKind(width)
		}
		res = v >> count
		return res, flags.ShrKind(width)
	case 7: // SAR
		if count == 0 {
			return v, flags.SarKind(width)
		}
		signExtended := signExtendToInt32(v, width)
		res = uint32(signExtended>>count) & mask
		return res, flags.SarKind(width)
	}
	return v, flags.Unknown
}

func signExtendToInt32(v uint32, width uint) int32 {
	shift := 32 - width
	return int32(v<<shift) >> shift
}

// emitGrp2 builds a Grp2 (shift/rotate) instruction body; the count
// source (Ib, CL, or the implicit 1) is read from d.pendingCountSrc,
// which the grp2Ib/grp2CL/grp2One wrappers set before calling in.
func emitGrp2(width8 bool) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		isReg, ea := d.decodeModRMOperand()
		regOp := d.ModRMReg()
		width := uint(8)
		if !width8 {
			width = d.Width()
		}

		a := bld.Alloc.Acquire()
		cnt := bld.Alloc.Acquire()
		res := bld.Alloc.Acquire()

		if width8 {
			d.loadRM8(bld, a, ea, isReg)
		} else {
			d.loadRM(bld, a, ea, isReg)
		}

		emitCountInto(d, bld, cnt)

		bld.EmitCall(func(cpu *guest.CPU) {
			av := cpu.Scratch[a]
			c := uint(cpu.Scratch[cnt])
			rv, kind := shiftCompute(regOp, av, c, width)
			cpu.Scratch[res] = rv
			if c != 0 {
				cpu.State.Lazy = flags.Record{Kind: kind, Op1: av, Op2: uint32(c), Res: rv}
			}
		})

		if width8 {
			d.storeRM8(bld, ea, isReg, res)
		} else {
			d.storeRM(bld, ea, isReg, res)
		}

		bld.Alloc.Release(a)
		bld.Alloc.Release(cnt)
		bld.Alloc.Release(res)
		return false
	}
}

// emitCountInto appends the ops that load the shift count for whichever
// encoding (Ib, CL, or the implicit 1) the caller pre-selected by setting
// d's pending-count source; the grp2Ib/grp2CL/grp2One wrappers each set
// this up before calling emitGrp2, see the count* constants below.
func emitCountInto(d *Decoder, bld *emit.Builder, cnt emit.VReg) {
	switch d.pendingCountSrc {
	case countImm8:
		bld.EmitLoadImm(cnt, uint32(d.Fetch8()))
	case countCL:
		bld.EmitLoadRegB(cnt, regECXSlot)
	default: // countOne
		bld.EmitLoadImm(cnt, 1)
	}
}

const (
	countOne = iota
	countCL
	countImm8
)

// grp2Ib/grp2CL/grp2One wrap emitGrp2 for the opcodes that need it:
// 0xC0/0xC1 (Ib), 0xD0/0xD1 (implicit 1), 0xD2/0xD3 (CL).
func grp2Ib(width8 bool) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		d.pendingCountSrc = countImm8
		return emitGrp2(width8)(d, bld)
	}
}

func grp2One(width8 bool) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		d.pendingCountSrc = countOne
		return emitGrp2(width8)(d, bld)
	}
}

func grp2CL(width8 bool) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		d.pendingCountSrc = countCL
		return emitGrp2(width8)(d, bld)
	}
}
