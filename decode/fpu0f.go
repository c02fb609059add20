// FPU/MMX emit wiring: the x87 escape opcodes (0xD8-0xDF) and the MMX
// subset of the 0F two-byte table. fpu.State has no dependency on guest
// or cache (see fpu package doc), so the bridge — reading/writing
// cpu.State.FPU from inside a HostOp closure — lives here instead, the
// same layering the teacher keeps between its opFPU_escape stub
// (cpu_x86.go) and the rest of the CPU; ours just does real work where
// the teacher's stub did none, grounded on original_source/src/cpu/x87.c
// and codegen_ops_mmx.h.
package decode

import (
	"math"

	"github.com/quillarch/x86dbt/emit"
	"github.com/quillarch/x86dbt/fpu"
	"github.com/quillarch/x86dbt/guest"
)

// emitFldMem builds D9 /0 (FLD m32real) and DD /0 (FLD m64real): load a
// float from memory and push it onto the x87 stack.
func emitFldMem(double bool) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		isReg, ea := d.decodeModRMOperand()
		if isReg {
			// FLD ST(i): register form, no memory traffic.
			i := d.ModRMRM()
			bld.EmitCall(func(cpu *guest.CPU) {
				v := cpu.State.FPU.ST[cpu.State.FPU.StackSlot(i)].Float
				cpu.State.FPU.Push(v)
			})
			return false
		}
		bld.EmitCall(func(cpu *guest.CPU) {
			var bits uint64
			var ab *guest.Abort
			if double {
				bits, ab = cpu.Bus.ReadQ(ea.Seg, ea.Resolve(&cpu.State))
			} else {
				var v32 uint32
				v32, ab = cpu.Bus.ReadL(ea.Seg, ea.Resolve(&cpu.State))
				bits = uint64(v32)
			}
			if ab != nil {
				cpu.Fault(ab)
				return
			}
			var f float64
			if double {
				f = math.Float64frombits(bits)
			} else {
				f = float64(math.Float32frombits(uint32(bits)))
			}
			cpu.State.FPU.Push(f)
		})
		return false
	}
}

// emitFstpMem builds D9 /3 (FSTP m32real) and DD /3 (FSTP m64real): pop
// ST(0) and store it to memory.
func emitFstpMem(double bool) EmitFunc {
	return func(d *Decoder, bld *emit.Builder) bool {
		isReg, ea := d.decodeModRMOperand()
		if isReg {
			return false // FSTP ST(i) register form: not modelled, falls through to interpreter
		}
		bld.EmitCall(func(cpu *guest.CPU) {
			v := cpu.State.FPU.ST[cpu.State.FPU.StackSlot(0)].Float
			var ab *guest.Abort
			if double {
				ab = cpu.Bus.WriteQ(ea.Seg, ea.Resolve(&cpu.State), math.Float64bits(v))
			} else {
				ab = cpu.Bus.WriteL(ea.Seg, ea.Resolve(&cpu.State), math.Float32bits(float32(v)))
			}
			if ab != nil {
				cpu.Fault(ab)
				return
			}
			cpu.State.FPU.Pop()
		})
		return false
	}
}

// emitFaddp builds DE /C1 (FADDP ST(1),ST(0)): the common
// "compute and pop" x87 arithmetic form, static-TOP friendly per spec.md
// §4.4 since it only ever touches ST(0)/ST(1) relative to TOP.
func emitFaddp(d *Decoder, bld *emit.Builder) bool {
	d.FetchModRM()
	bld.EmitCall(func(cpu *guest.CPU) {
		st := &cpu.State.FPU
		s0 := st.StackSlot(0)
		s1 := st.StackSlot(1)
		st.ST[s1].Float += st.ST[s0].Float
		st.Pop()
	})
	return false
}

// registerFPUEscapes wires the x87 escape bytes and a representative MMX
// subset into the primary/0F tables.
func registerFPUEscapes() {
	PrimaryTable[0xD9] = dispatchD9
	PrimaryTable[0xDD] = dispatchDD
	PrimaryTable[0xDE] = dispatchDE

	Extended0F[0x77] = emitEmms
	Extended0F[0x6E] = emitMovdToMM
	Extended0F[0x7E] = emitMovdFromMM
	Extended0F[0xFC] = emitPaddb
	Extended0F[0xEC] = emitPaddsb
	Extended0F[0x63] = emitPacksswb
}

// dispatchD9/dispatchDD/dispatchDE pick FLD/FSTP/FADDP off the ModR/M
// reg field the way the teacher's opFPU_escape would if it weren't a
// stub; mod==3 sub-forms not covered here fall through (nil) to the
// interpreter.
func dispatchD9(d *Decoder, bld *emit.Builder) bool {
	d.FetchModRM() // idempotent: the specific handler below reuses this byte
	switch d.ModRMReg() {
	case 0:
		return emitFldMem(false)(d, bld)
	case 3:
		return emitFstpMem(false)(d, bld)
	}
	return false
}

func dispatchDD(d *Decoder, bld *emit.Builder) bool {
	d.FetchModRM()
	switch d.ModRMReg() {
	case 0:
		return emitFldMem(true)(d, bld)
	case 3:
		return emitFstpMem(true)(d, bld)
	}
	return false
}

func dispatchDE(d *Decoder, bld *emit.Builder) bool {
	modrm := d.FetchModRM()
	if modrm == 0xC1 {
		return emitFaddp(d, bld)
	}
	return false
}

// emitEmms is 0F 77.
func emitEmms(d *Decoder, bld *emit.Builder) bool {
	bld.EmitCall(func(cpu *guest.CPU) { cpu.State.FPU.EMMS() })
	return false
}

// emitMovdToMM is 0F 6E (MOVD mm, r/m32): enters MMX mode as a side
// effect, same as real hardware.
func emitMovdToMM(d *Decoder, bld *emit.Builder) bool {
	isReg, ea := d.decodeModRMOperand()
	mmReg := d.ModRMReg()
	t := bld.Alloc.Acquire()
	d.loadRM32(bld, t, ea, isReg)
	bld.EmitCall(func(cpu *guest.CPU) {
		if !cpu.State.FPU.MMXEntered {
			cpu.State.FPU.EnterMMX()
		}
		cpu.State.FPU.SetMM(mmReg, uint64(cpu.Scratch[t]))
	})
	bld.Alloc.Release(t)
	return false
}

// emitMovdFromMM is 0F 7E (MOVD r/m32, mm).
func emitMovdFromMM(d *Decoder, bld *emit.Builder) bool {
	isReg, ea := d.decodeModRMOperand()
	mmReg := d.ModRMReg()
	t := bld.Alloc.Acquire()
	bld.EmitCall(func(cpu *guest.CPU) {
		cpu.Scratch[t] = uint32(cpu.State.FPU.MM(mmReg))
	})
	d.storeRM32(bld, ea, isReg, t)
	bld.Alloc.Release(t)
	return false
}

func emitPaddb(d *Decoder, bld *emit.Builder) bool {
	return emitMMXBinOp(d, bld, fpu.AddWrapB8)
}

func emitPaddsb(d *Decoder, bld *emit.Builder) bool {
	return emitMMXBinOp(d, bld, fpu.AddSaturateB8)
}

func emitPacksswb(d *Decoder, bld *emit.Builder) bool {
	return emitMMXBinOp(d, bld, fpu.PackSignedSaturateWB)
}

// emitMMXBinOp covers the register-register MMX instructions whose body
// is "combine two 64-bit lanes, write back to the destination mm reg".
// Memory source forms (mm, m64) aren't modelled; mod!=3 falls through to
// the interpreter.
func emitMMXBinOp(d *Decoder, bld *emit.Builder, fn func(a, b uint64) uint64) bool {
	isReg, _ := d.decodeModRMOperand()
	if !isReg {
		return false
	}
	dstReg := d.ModRMReg()
	srcReg := d.ModRMRM()
	bld.EmitCall(func(cpu *guest.CPU) {
		a := cpu.State.FPU.MM(dstReg)
		b := cpu.State.FPU.MM(srcReg)
		cpu.State.FPU.SetMM(dstReg, fn(a, b))
	})
	return false
}
