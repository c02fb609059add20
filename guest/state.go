// Package guest holds the architectural x86 guest state shared by the
// interpreter, the JIT emitter and the executor: registers, segments,
// control/debug registers, the lazy-flags record and the external bus
// interfaces the core consumes.
package guest

import (
	"github.com/quillarch/x86dbt/flags"
	"github.com/quillarch/x86dbt/fpu"
)

// Segment register indices, matching the ModR/M/SIB segment-override
// encoding used throughout the decode tables.
const (
	SegES = 0
	SegCS = 1
	SegSS = 2
	SegDS = 3
	SegFS = 4
	SegGS = 5
)

// EFLAGS bit positions.
const (
	FlagCF   = 1 << 0
	FlagPF   = 1 << 2
	FlagAF   = 1 << 4
	FlagZF   = 1 << 6
	FlagSF   = 1 << 7
	FlagTF   = 1 << 8
	FlagIF   = 1 << 9
	FlagDF   = 1 << 10
	FlagOF   = 1 << 11
	FlagIOPL = 3 << 12
	FlagNT   = 1 << 14
	FlagRF   = 1 << 16
	FlagVM   = 1 << 17
	FlagAC   = 1 << 18
	FlagVIF  = 1 << 19
	FlagVIP  = 1 << 20
	FlagID   = 1 << 21
)

// OpSize is the current default operand/address size mode of a segment.
type OpSize int

const (
	OpSize16 OpSize = 16
	OpSize32 OpSize = 32
)

// Segment carries a loaded segment descriptor's cached fields. Per spec.md
// §3 these must agree with the in-memory descriptor tables at every block
// boundary.
type Segment struct {
	Selector  uint16
	Base      uint32
	LimitLow  uint32
	LimitHigh uint32
	Access    byte
	Big       bool // the descriptor's B/D bit: 32-bit default operand/stack size
}

// State is the GuestCPUState of spec.md §3: eight general registers, six
// segments, CR0-CR4, DR0-DR7, the EFLAGS image, the lazy-flag record, PC,
// previous PC and the current operand-size mode.
//
// Register layout follows the teacher's regs32 index order (EAX, ECX, EDX,
// EBX, ESP, EBP, ESI, EDI) because that order is the x86 ModR/M register
// field encoding, and every decode table indexes registers by that field
// directly.
type State struct {
	Regs [8]uint32 // EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI

	Seg [6]Segment // indexed by SegES..SegGS

	CR [5]uint32 // CR0-CR4
	DR [8]uint32 // DR0-DR7

	EFlags uint32
	Lazy   flags.Record

	FPU fpu.State

	PC     uint32 // EIP
	PrevPC uint32

	OpSizeMode OpSize // default operand size of CS (16 or 32)

	// StackIs32 mirrors the B bit of the current SS descriptor whenever
	// CR0.PE=1 and EFLAGS.VM=0 (spec.md §3 invariant).
	StackIs32 bool

	// InterruptInhibit is the one-shot interrupt-hold window armed by STI
	// (no MOV SS form is decoded here, so nothing else arms it): the
	// executor decrements it at each block boundary, and interrupts are
	// held off while it is nonzero.
	InterruptInhibit uint8

	Halted bool
}

const (
	regEAX = 0
	regECX = 1
	regEDX = 2
	regEBX = 3
	regESP = 4
	regEBP = 5
	regESI = 6
	regEDI = 7
)

// Reg32 returns the full 32-bit value of register index idx (ModR/M order).
func (s *State) Reg32(idx byte) uint32 { return s.Regs[idx&7] }

// SetReg32 writes the full 32-bit register.
func (s *State) SetReg32(idx byte, v uint32) { s.Regs[idx&7] = v }

// Reg16 returns the low 16 bits of register idx.
func (s *State) Reg16(idx byte) uint16 { return uint16(s.Regs[idx&7]) }

// SetReg16 writes the low 16 bits, leaving the upper 16 bits of the 32-bit
// register intact (spec.md §4.3 width policy).
func (s *State) SetReg16(idx byte, v uint16) {
	s.Regs[idx&7] = (s.Regs[idx&7] &^ 0xFFFF) | uint32(v)
}

// Reg8 returns an 8-bit register by the standard AL/CL/DL/BL/AH/CH/DH/BH
// encoding (idx 0-3 low bytes, 4-7 high bytes of AX/CX/DX/BX).
func (s *State) Reg8(idx byte) byte {
	if idx < 4 {
		return byte(s.Regs[idx])
	}
	return byte(s.Regs[idx-4] >> 8)
}

// SetReg8 writes an 8-bit register without touching the other three bytes
// of its parent 32-bit register (spec.md §4.3 width policy).
func (s *State) SetReg8(idx byte, v byte) {
	if idx < 4 {
		s.Regs[idx] = (s.Regs[idx] &^ 0xFF) | uint32(v)
		return
	}
	r := idx - 4
	s.Regs[r] = (s.Regs[r] &^ 0xFF00) | (uint32(v) << 8)
}

// GetFlag reads a materialised EFLAGS bit. Callers that need an
// architecturally-correct arithmetic flag must go through flags.Derive
// instead; this accessor is for the non-arithmetic bits (IF, DF, TF, ...)
// which are never deferred.
func (s *State) GetFlag(bit uint32) bool { return s.EFlags&bit != 0 }

// SetFlag writes a non-arithmetic EFLAGS bit directly.
func (s *State) SetFlag(bit uint32, set bool) {
	if set {
		s.EFlags |= bit
	} else {
		s.EFlags &^= bit
	}
}

// MaterialiseFlags forces the lazy record into the EFLAGS image and marks
// the record Unknown (authoritative-image) going forward. Required before
// any operation that reads EFLAGS as a whole (PUSHF, POPF, interrupt entry,
// SAHF/LAHF) per spec.md §4.1.
func (s *State) MaterialiseFlags() {
	if s.Lazy.Kind == flags.Unknown {
		return
	}
	if !flags.PreservesCF(s.Lazy.Kind) {
		s.EFlags &^= FlagCF
		if flags.Derive(&s.Lazy, flags.CF) {
			s.EFlags |= FlagCF
		}
	}
	if !flags.IsRotateOrUnknown(s.Lazy.Kind) {
		s.EFlags &^= FlagPF | FlagAF | FlagZF | FlagSF
		if flags.Derive(&s.Lazy, flags.PF) {
			s.EFlags |= FlagPF
		}
		if flags.Derive(&s.Lazy, flags.AF) {
			s.EFlags |= FlagAF
		}
		if flags.Derive(&s.Lazy, flags.ZF) {
			s.EFlags |= FlagZF
		}
		if flags.Derive(&s.Lazy, flags.SF) {
			s.EFlags |= FlagSF
		}
	}
	s.EFlags &^= FlagOF
	if flags.Derive(&s.Lazy, flags.OF) {
		s.EFlags |= FlagOF
	}
	s.Lazy.Kind = flags.Unknown
}

// Reset returns the state to its power-on values.
func (s *State) Reset() {
	*s = State{}
	s.Seg[SegCS] = Segment{Selector: 0xF000, Base: 0xFFFF0000}
	s.PC = 0x0000FFF0
	s.EFlags = 0x00000002 // reserved bit 1 always set
	s.OpSizeMode = OpSize16
	s.Lazy.Kind = flags.Unknown
	s.FPU.Reset()
}
