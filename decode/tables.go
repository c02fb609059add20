package decode

// PrimaryTable is the 256-entry single-byte opcode dispatch, generalizing
// the teacher's initBaseOps (cpu_x86.go): index by opcode byte (after
// prefixes have been scanned off), nil means "fall back to the
// interpreter for this instruction" (spec.md §4.3/§7) rather than NOP.
//
// Operand-size doubling (the spec's "512-entry" framing) is folded into
// each entry checking d.OpSize32/d.Width() at decode time instead of
// duplicating every slot, the same way the teacher's handlers branch on
// cpu.use32 internally rather than keeping two copies of baseOps.
var PrimaryTable [256]EmitFunc

// Extended0F is the 0F-prefixed two-byte opcode table, generalizing
// initExtendedOps.
var Extended0F [256]EmitFunc

func init() {
	for base, op := range aluFamily {
		op := op
		PrimaryTable[base+0x00] = emitALUEbGb(op)
		PrimaryTable[base+0x01] = emitALUEvGv(op)
		PrimaryTable[base+0x02] = emitALUGbEb(op)
		PrimaryTable[base+0x03] = emitALUGvEv(op)
		PrimaryTable[base+0x04] = emitALUALIb(op)
		PrimaryTable[base+0x05] = emitALUeAXIv(op)
	}

	for i := byte(0); i < 8; i++ {
		slot := i
		PrimaryTable[0x40+i] = emitIncDecReg(slot, true)
		PrimaryTable[0x48+i] = emitIncDecReg(slot, false)
		PrimaryTable[0x50+i] = emitPushReg(slot)
		PrimaryTable[0x58+i] = emitPopReg(slot)
		PrimaryTable[0xB0+i] = emitMovRegImm(slot, false)
		PrimaryTable[0xB8+i] = emitMovRegImm(slot, true)
	}
	// 0x90 (XCHG eAX,eAX) is NOP; 0x91-0x97 are XCHG eAX,reg.
	PrimaryTable[0x90] = emitNop
	for i := byte(1); i < 8; i++ {
		PrimaryTable[0x90+i] = emitXchgEAXReg(i)
	}

	PrimaryTable[0x80] = emitGrp1Eb
	PrimaryTable[0x81] = emitGrp1EvIz
	PrimaryTable[0x83] = emitGrp1EvIb

	PrimaryTable[0x84] = emitTestEbGb
	PrimaryTable[0x85] = emitTestEvGv
	PrimaryTable[0xA8] = emitTestALIb
	PrimaryTable[0xA9] = emitTesteAXIv

	PrimaryTable[0x88] = emitMovEbGb
	PrimaryTable[0x89] = emitMovEvGv
	PrimaryTable[0x8A] = emitMovGbEb
	PrimaryTable[0x8B] = emitMovGvEv
	PrimaryTable[0x8D] = emitLea
	PrimaryTable[0xC6] = emitMovEbIb
	PrimaryTable[0xC7] = emitMovEvIz

	PrimaryTable[0xC0] = grp2Ib(true)
	PrimaryTable[0xC1] = grp2Ib(false)
	PrimaryTable[0xD0] = grp2One(true)
	PrimaryTable[0xD1] = grp2One(false)
	PrimaryTable[0xD2] = grp2CL(true)
	PrimaryTable[0xD3] = grp2CL(false)

	for t := byte(0); t < 16; t++ {
		tttn := t
		PrimaryTable[0x70+t] = emitJccRel8(tttn)
		Extended0F[0x80+t] = emitJccRel32(tttn)
	}
	PrimaryTable[0xEB] = emitJmpRel8
	PrimaryTable[0xE9] = emitJmpRel32
	PrimaryTable[0xE8] = emitCallRel32
	PrimaryTable[0xC3] = emitRetNear(false)
	PrimaryTable[0xC2] = emitRetNear(true)
	PrimaryTable[0xE0] = emitLoop(0)
	PrimaryTable[0xE1] = emitLoop(1)
	PrimaryTable[0xE2] = emitLoop(2)
	PrimaryTable[0xE3] = emitJcxz

	PrimaryTable[0x68] = emitPushImm32
	PrimaryTable[0x6A] = emitPushImm8
	PrimaryTable[0x9C] = emitPushf
	PrimaryTable[0x9D] = emitPopf

	PrimaryTable[0x90] = emitNop
	PrimaryTable[0xF4] = emitHlt
	PrimaryTable[0xFA] = emitCli
	PrimaryTable[0xFB] = emitSti
	PrimaryTable[0xFC] = emitCld
	PrimaryTable[0xFD] = emitStd
	PrimaryTable[0xF8] = emitClc
	PrimaryTable[0xF9] = emitStc
	PrimaryTable[0xF5] = emitCmc

	PrimaryTable[0xA4] = emitMovs(true)
	PrimaryTable[0xA5] = emitMovs(false)
	PrimaryTable[0xAA] = emitStos(true)
	PrimaryTable[0xAB] = emitStos(false)

	registerFPUEscapes()
}
