// Package exec is the Executor/Trampoline (spec.md C6): it picks a resume
// PC, asks the block cache for a compiled block, drives the decoder to
// compile one on a miss, falls through to the interpreter on an
// unsupported opcode, and bills cycles against the caller's budget. At
// every block boundary it also services SMI, the trap flag, NMI and
// maskable IRQs (spec.md §4.6), consuming guest.CPU.Intr.
//
// Grounded on the teacher's CPUX86Runner (cpu_x86_runner.go) Run/Step
// loop, generalized from "always interpret" to "cache-then-compile, with
// the interpreter as fallback and oracle"; the priority-ordered gate/latch
// check ahead of dispatch is grounded on the IE32 core's
// checkInterrupts/handleInterrupt pair (cpu_ie32.go).
package exec

import (
	"github.com/quillarch/x86dbt/cache"
	"github.com/quillarch/x86dbt/decode"
	"github.com/quillarch/x86dbt/guest"
	"github.com/quillarch/x86dbt/interp"
)

// Executor owns the block cache and drives guest execution against a
// cycle budget. Unlike the teacher's CPUX86Runner, it never hands state
// to a goroutine — reentrancy is asserted, not mutex-guarded, since there
// is no background worker to guard against (spec.md §5).
type Executor struct {
	Cache *cache.Cache

	running  bool
	haveMode bool
	lastMode modeSnapshot
}

// NewExecutor creates an Executor around a fresh or caller-owned block
// cache.
func NewExecutor(c *cache.Cache) *Executor {
	if c == nil {
		c = cache.New()
	}
	return &Executor{Cache: c}
}

type modeSnapshot struct {
	pe, pg, vm bool
	cr3        uint32
	csSel      uint16
}

func snapshotMode(cpu *guest.CPU) modeSnapshot {
	return modeSnapshot{
		pe:    cpu.State.CR[0]&1 != 0,
		pg:    cpu.State.CR[0]&0x80000000 != 0,
		vm:    cpu.State.GetFlag(guest.FlagVM),
		cr3:   cpu.State.CR[3],
		csSel: cpu.State.Seg[guest.SegCS].Selector,
	}
}

// computeStatus folds the mode bits a compiled block is sensitive to
// (spec.md §3 `status`) into one comparison key: operand-size default,
// protection enable, stack width, and virtual-8086 mode.
func computeStatus(cpu *guest.CPU) uint32 {
	var s uint32
	if cpu.State.OpSizeMode == guest.OpSize32 {
		s |= 1
	}
	if cpu.State.CR[0]&1 != 0 {
		s |= 2
	}
	if cpu.State.StackIs32 {
		s |= 4
	}
	if cpu.State.GetFlag(guest.FlagVM) {
		s |= 8
	}
	return s
}

// Execute runs guest code starting at cpu.State.PC until the cycle budget
// is exhausted, the CPU halts, or a fault is raised. It returns the
// number of cycles actually spent (billed one per emitted HostOp/
// interpreted instruction, the closest analogue this core has to host
// cycles since compiled blocks are Go closures rather than literal
// machine code).
func (e *Executor) Execute(cpu *guest.CPU, budget uint64) uint64 {
	if e.running {
		panic("exec: Executor.Execute is not reentrant")
	}
	e.running = true
	defer func() { e.running = false }()

	var spent uint64
	for spent < budget {
		if cpu.State.Halted || cpu.Abort != nil {
			break
		}

		if cpu.SMILatch > 0 {
			cpu.SMILatch--
			break
		}

		if e.serviceInterrupts(cpu) {
			spent++
			if cpu.Abort != nil {
				break
			}
			continue
		}

		cur := snapshotMode(cpu)
		if e.haveMode && cur != e.lastMode {
			e.Cache.Reset()
		}
		e.lastMode = cur
		e.haveMode = true

		pc := cpu.State.PC
		csBase := cpu.State.Seg[guest.SegCS].Base
		linear := csBase + pc
		phys, ab := cpu.Bus.PhysOf(linear)
		if ab != nil {
			cpu.Fault(ab)
			break
		}
		status := computeStatus(cpu)

		// EFLAGS.TF forces single-instruction blocks (spec.md §5/§7):
		// the compiled cache has no notion of a mid-block trap, so a
		// trapped step always goes through the interpreter, the same
		// path spec.md §7(c) assigns single-stepping to.
		if cpu.State.GetFlag(guest.FlagTF) {
			e.stepTrapped(cpu)
			spent++
			if cpu.Abort != nil {
				break
			}
			continue
		}

		block := e.Cache.Lookup(pc, phys, csBase, status)
		if block == nil {
			var stepped bool
			block, stepped = e.compileOrStep(cpu, pc, phys, csBase, status)
			if cpu.Abort != nil {
				break
			}
			if stepped {
				spent++
				continue
			}
		}

		cpu.BlockEnd = false
		var ran uint64
		for _, op := range block.Ops {
			op(cpu)
			ran++
			if cpu.BlockEnd || cpu.Abort != nil {
				break
			}
		}
		spent += ran
		if cpu.Abort != nil {
			break
		}
		if cpu.BlockEnd {
			cpu.State.PrevPC = cpu.State.PC
			cpu.State.PC = cpu.NextPC
			cpu.BlockEnd = false
		}
	}
	return spent
}

// serviceInterrupts checks and delivers, in priority order, the trap flag,
// pending NMI and pending maskable IRQ (spec.md §4.6 block-end reasons:
// "abort ... trap flag ... pending NMI, pending maskable IRQ (after
// materialising flags)"). It reports whether it delivered one, in which
// case the caller bills one cycle and re-enters the loop at the new PC.
//
// InterruptInhibit is the one-shot post-STI window (spec.md §5): while
// nonzero, the next call (at the next block boundary) only decrements it
// and services nothing, regardless of what is pending.
func (e *Executor) serviceInterrupts(cpu *guest.CPU) bool {
	if cpu.State.InterruptInhibit > 0 {
		cpu.State.InterruptInhibit--
		return false
	}
	if cpu.TrapPending {
		cpu.TrapPending = false
		e.raiseInt(cpu, guest.VectorDB, false)
		return true
	}
	if cpu.Intr == nil {
		return false
	}
	if cpu.Intr.NMI() && cpu.Intr.NMIEnabled() && !cpu.Intr.NMIMasked() {
		e.raiseInt(cpu, guest.VectorNMI, false)
		return true
	}
	if cpu.State.GetFlag(guest.FlagIF) {
		if vec, ok := cpu.Intr.PendingIRQVector(); ok {
			cpu.State.MaterialiseFlags()
			e.raiseInt(cpu, vec, false)
			return true
		}
	}
	return false
}

// raiseInt picks protected-mode vs real-mode interrupt dispatch from the
// CPU's current mode (spec.md §4.6).
func (e *Executor) raiseInt(cpu *guest.CPU, vec byte, software bool) {
	if cpu.State.CR[0]&1 != 0 && !cpu.State.GetFlag(guest.FlagVM) {
		cpu.RaisePModeInt(vec, software)
		return
	}
	cpu.RaiseRModeInt(vec)
}

// stepTrapped executes exactly one guest instruction through the
// interpreter, bypassing the block cache: EFLAGS.TF forces a
// single-instruction block, and interp is spec.md §7(c)'s assigned
// single-stepper. TrapPending is latched before the step so the #DB it
// causes fires on the next loop iteration, after the instruction retires,
// not before it.
func (e *Executor) stepTrapped(cpu *guest.CPU) {
	cpu.TrapPending = cpu.State.GetFlag(guest.FlagTF)
	interp.Step(cpu)
}

// compileOrStep drives the decoder at pc. On a clean compile it inserts
// the block into the cache and returns it. On a decode-time fault it
// raises the fault on cpu. On a nil table entry (spec.md §7
// UnsupportedOpcode) it discards the partial block and interprets exactly
// one instruction, the one at pc, returning stepped=true so the executor
// loop re-looks-up the cache at the resulting PC.
func (e *Executor) compileOrStep(cpu *guest.CPU, pc, phys, csBase uint32, status uint32) (block *cache.Block, stepped bool) {
	d := &decode.Decoder{
		Bus:               cpu.Bus,
		CSBase:            csBase,
		PC:                pc,
		DefaultOpSize32:   cpu.State.OpSizeMode == guest.OpSize32,
		DefaultAddrSize32: cpu.State.OpSizeMode == guest.OpSize32,
	}
	b := &cache.Block{}
	res := decode.CompileBlock(d, b)

	if res.Fault != nil {
		cpu.Fault(res.Fault)
		return nil, false
	}
	if res.Fallback {
		if ab := interp.Step(cpu); ab != nil {
			return nil, false
		}
		return nil, true
	}

	length := res.EndPC - pc
	b.GuestCSBase = csBase
	b.GuestPhysStart = phys
	b.GuestEndPC = res.EndPC
	b.Status = status
	b.FPUTopStatic = cache.FPUTopDynamic

	mask1, crosses, phys2, mask2 := buildPageMasks(phys, length)
	b.PageMask = mask1
	b.CrossesPage = crosses
	b.Phys2 = phys2
	b.PageMask2 = mask2

	e.Cache.Insert(b)
	return b, false
}

// buildPageMasks splits a block's guest-byte span into per-page sub-page
// masks (spec.md §4.5 cross-page block handling). cache's pageOf and
// offsetInPage aren't exported, so the page-boundary arithmetic is
// repeated here rather than shared.
func buildPageMasks(physStart uint32, length uint32) (mask1 cache.PageMask, crosses bool, phys2 uint32, mask2 cache.PageMask) {
	off := physStart % cache.PageSize
	if off+length <= cache.PageSize {
		return cache.MaskRange(off, length), false, 0, 0
	}
	firstLen := cache.PageSize - off
	mask1 = cache.MaskRange(off, firstLen)
	phys2 = physStart - off + cache.PageSize
	secondLen := length - firstLen
	mask2 = cache.MaskRange(0, secondLen)
	return mask1, true, phys2, mask2
}

// Reset discards the compiled-block cache and clears the executor's
// mode-change tracking, matching spec.md §6's "discarded on reset/mode
// change" persisted-state rule.
func (e *Executor) Reset() {
	e.Cache.Reset()
	e.haveMode = false
}
