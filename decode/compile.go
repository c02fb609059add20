package decode

import (
	"github.com/quillarch/x86dbt/cache"
	"github.com/quillarch/x86dbt/emit"
	"github.com/quillarch/x86dbt/guest"
)

// Result summarises one CompileBlock call for the cache/exec layer.
type Result struct {
	EndPC uint32
	Fault *guest.Abort

	// Fallback is set when compilation stopped on a nil table entry
	// (spec.md §7: the partial block must be discarded and execution
	// falls through to the interpreter for this one instruction).
	Fallback       bool
	FallbackOpcode byte
	FallbackTwo    bool
}

// CompileBlock decodes and emits guest instructions starting at d.PC into
// b, stopping at a block-ending instruction, a decode-time fault, an
// unsupported opcode, the per-block op cap, or the per-block guest-byte
// cap (spec.md §4.5), whichever comes first. It is the direct
// generalization of the teacher's CPU_X86.step dispatch loop
// (cpu_x86.go) from "one instruction, executed" to "one block, compiled".
func CompileBlock(d *Decoder, b *cache.Block) Result {
	bld := emit.NewBuilder(b)
	startByte := d.PC

	for {
		instStart := d.PC
		opsBefore := len(b.Ops)
		d.ResetInstruction()
		opcode := d.scanPrefixesAndOpcode()
		if d.Fault != nil {
			return Result{EndPC: d.PC, Fault: d.Fault}
		}

		var fn EmitFunc
		two := false
		if opcode == 0x0F {
			two = true
			opcode = d.fetch8()
			if d.Fault != nil {
				return Result{EndPC: d.PC, Fault: d.Fault}
			}
			fn = Extended0F[opcode]
		} else {
			fn = PrimaryTable[opcode]
		}

		if fn == nil {
			return Result{EndPC: d.PC, Fallback: true, FallbackOpcode: opcode, FallbackTwo: two}
		}

		// State.PC tracks the start of the instruction being run, so a
		// fault raised by any of its ops leaves PC at that instruction.
		bld.EmitCall(func(cpu *guest.CPU) { cpu.State.PC = instStart })
		ends := fn(d, bld)
		if d.Fault != nil {
			return Result{EndPC: d.PC, Fault: d.Fault}
		}
		if bld.Overflowed() {
			// The op cap may have cut this instruction short: drop its ops
			// and end the block with a jump back to its start.
			b.Ops = b.Ops[:opsBefore]
			bld.EmitJumpImm(instStart)
			return Result{EndPC: instStart}
		}
		b.GuestEndPC = d.PC

		if ends {
			return Result{EndPC: d.PC}
		}
		if d.PC-startByte >= cache.MaxBlockGuestBytes {
			bld.EmitJumpImm(d.PC)
			return Result{EndPC: d.PC}
		}
	}
}
