// Package flags implements the lazy-flags engine (spec.md C1): instead of
// recomputing all six arithmetic EFLAGS bits after every ALU op, the last
// op's (kind, op1, op2, result) is recorded and individual flags are
// derived from it on demand.
//
// Derivation rules are ported from the reference dynarec's flags_op/
// flags_res scheme (original_source/src/cpu/x86_flags.h): CF_SET, OF_SET,
// AF_SET and friends become the Derive switch below, one family at a time.
package flags

// Kind enumerates every flag-producing ALU family, parameterised by
// operand width (8/16/32) where the derivation differs by width.
type Kind int

const (
	Unknown Kind = iota

	ZeroNeg8
	ZeroNeg16
	ZeroNeg32

	Add8
	Add16
	Add32

	Sub8
	Sub16
	Sub32

	Inc8
	Inc16
	Inc32

	Dec8
	Dec16
	Dec32

	Shl8
	Shl16
	Shl32

	Shr8
	Shr16
	Shr32

	Sar8
	Sar16
	Sar32

	Rol8
	Rol16
	Rol32

	Ror8
	Ror16
	Ror32

	Adc8
	Adc16
	Adc32

	Sbb8
	Sbb16
	Sbb32
)

// Record is the LazyFlagRecord of spec.md §3: op1/op2/result are always
// stored widened to 32 bits; Kind says how to reinterpret them.
type Record struct {
	Kind          Kind
	Op1, Op2, Res uint32
}

// Flag identifies which of the six arithmetic EFLAGS bits to derive.
type Flag int

const (
	CF Flag = iota
	PF
	AF
	ZF
	SF
	OF
)

var parityTable [256]bool

func init() {
	for v := 0; v < 256; v++ {
		x := byte(v)
		x ^= x >> 4
		x ^= x >> 2
		x ^= x >> 1
		parityTable[v] = x&1 == 0
	}
}

func width(k Kind) uint {
	switch k {
	case ZeroNeg8, Add8, Sub8, Inc8, Dec8, Shl8, Shr8, Sar8, Rol8, Ror8, Adc8, Sbb8:
		return 8
	case ZeroNeg16, Add16, Sub16, Inc16, Dec16, Shl16, Shr16, Sar16, Rol16, Ror16, Adc16, Sbb16:
		return 16
	default:
		return 32
	}
}

func signBit(width uint) uint32 { return 1 << (width - 1) }

func truncate(v uint32, width uint) uint32 {
	if width == 32 {
		return v
	}
	return v & ((1 << width) - 1)
}

// Derive computes one architectural flag bit from the lazy record. When
// Kind is Unknown the caller must use the materialised EFLAGS image
// instead — Derive never reads it, by design, to keep this package free of
// any dependency on guest.State.
func Derive(r *Record, f Flag) bool {
	switch f {
	case ZF:
		return deriveZF(r)
	case SF:
		return deriveSF(r)
	case PF:
		return deriveLowBytePF(r)
	case OF:
		return deriveOF(r)
	case CF:
		return deriveCF(r)
	case AF:
		return deriveAF(r)
	}
	return false
}

func deriveZF(r *Record) bool {
	switch r.Kind {
	case Rol8, Rol16, Rol32, Ror8, Ror16, Ror32, Unknown:
		return false // caller must fall back to EFLAGS image
	default:
		w := width(r.Kind)
		return truncate(r.Res, w) == 0
	}
}

func deriveSF(r *Record) bool {
	switch r.Kind {
	case Rol8, Rol16, Rol32, Ror8, Ror16, Ror32, Unknown:
		return false
	default:
		w := width(r.Kind)
		return truncate(r.Res, w)&signBit(w) != 0
	}
}

func deriveLowBytePF(r *Record) bool {
	switch r.Kind {
	case Rol8, Rol16, Rol32, Ror8, Ror16, Ror32, Unknown:
		return false
	default:
		return parityTable[byte(r.Res)]
	}
}

func deriveOF(r *Record) bool {
	w := width(r.Kind)
	sb := signBit(w)
	switch r.Kind {
	case Add8, Add16, Add32, Inc8, Inc16, Inc32, Adc8, Adc16, Adc32:
		return (^(r.Op1^r.Op2))&(r.Op1^r.Res)&sb != 0
	case Sub8, Sub16, Sub32, Dec8, Dec16, Dec32, Sbb8, Sbb16, Sbb32:
		return (r.Op1^r.Op2)&(r.Op1^r.Res)&sb != 0
	case Shl8, Shl16, Shl32:
		if r.Op2 != 1 {
			return false // only defined for a 1-bit shift count
		}
		return (truncate(r.Res, w)^truncate(r.Op1<<(r.Op2-1), w))&sb != 0
	case Shr8, Shr16, Shr32:
		if r.Op2 != 1 {
			return false
		}
		return r.Op1&sb != 0
	case Sar8, Sar16, Sar32:
		return false // architecturally always 0
	case Rol8, Rol16, Rol32:
		top := truncate(r.Res, w)&sb != 0
		next := truncate(r.Res<<1, w)&sb != 0
		return top != next
	case Ror8, Ror16, Ror32:
		msb := truncate(r.Res, w)&sb != 0
		next := truncate(r.Res<<1, w)&sb != 0
		return msb != next
	case ZeroNeg8, ZeroNeg16, ZeroNeg32:
		return false
	default:
		return false
	}
}

func deriveCF(r *Record) bool {
	w := width(r.Kind)
	switch r.Kind {
	case Add8, Add16, Add32:
		return truncate(r.Res, w) < truncate(r.Op1, w)
	case Adc8, Adc16, Adc32:
		max := uint32(1)<<w - 1
		return truncate(r.Res, w) < truncate(r.Op1, w) ||
			(truncate(r.Res, w) == truncate(r.Op1, w) && truncate(r.Op2, w) == max)
	case Sub8, Sub16, Sub32:
		return truncate(r.Op1, w) < truncate(r.Op2, w)
	case Sbb8, Sbb16, Sbb32:
		return truncate(r.Op1, w) < truncate(r.Op2, w) ||
			(truncate(r.Op1, w) == truncate(r.Op2, w) && truncate(r.Res, w) != 0)
	case Shl8, Shl16, Shl32:
		if r.Op2 == 0 {
			return false
		}
		return (r.Op1<<(r.Op2-1))&signBit(w) != 0
	case Shr8, Shr16, Shr32, Sar8, Sar16, Sar32:
		if r.Op2 == 0 {
			return false
		}
		return (r.Op1>>(r.Op2-1))&1 != 0
	case Rol8, Rol16, Rol32:
		return r.Res&1 != 0
	case Ror8, Ror16, Ror32:
		return truncate(r.Res, w)&sign1(w) != 0
	case ZeroNeg8, ZeroNeg16, ZeroNeg32:
		return false
	default: // Inc/Dec/Unknown preserve CF: caller must use EFLAGS image
		return false
	}
}

func sign1(w uint) uint32 { return 1 << (w - 1) }

func deriveAF(r *Record) bool {
	switch r.Kind {
	case Add8, Add16, Add32, Inc8, Inc16, Inc32:
		return ((r.Op1&0xF)+(r.Op2&0xF))&0x10 != 0
	case Adc8, Adc16, Adc32:
		return (r.Res&0xF) < (r.Op1&0xF) ||
			((r.Res&0xF) == (r.Op1&0xF) && truncate(r.Op2, width(r.Kind)) == uint32(1)<<width(r.Kind)-1)
	case Sub8, Sub16, Sub32, Dec8, Dec16, Dec32:
		return ((r.Op1&0xF)-(r.Op2&0xF))&0x10 != 0
	case Sbb8, Sbb16, Sbb32:
		return (r.Op1&0xF) < (r.Op2&0xF) ||
			((r.Op1&0xF) == (r.Op2&0xF) && (r.Res&0xF) != 0)
	default: // shifts/rotates/ZeroNeg/Unknown: AF undefined/preserved
		return false
	}
}

// IsRotateOrUnknown reports whether ZF/SF/PF for this kind must be read
// from the materialised EFLAGS image rather than derived (spec.md §4.1).
func IsRotateOrUnknown(k Kind) bool {
	switch k {
	case Rol8, Rol16, Rol32, Ror8, Ror16, Ror32, Unknown:
		return true
	default:
		return false
	}
}

// PreservesCF reports whether this kind leaves CF untouched (INC/DEC) so
// the caller must fall back to the EFLAGS image for it.
func PreservesCF(k Kind) bool {
	switch k {
	case Inc8, Inc16, Inc32, Dec8, Dec16, Dec32, Unknown:
		return true
	default:
		return false
	}
}

// AddKind, SubKind and the other width helpers below map a kind family
// plus a width in {8,16,32} to its Kind, keeping emit/interp call sites
// readable.
func AddKind(w uint) Kind {
	switch w {
	case 8:
		return Add8
	case 16:
		return Add16
	default:
		return Add32
	}
}

func SubKind(w uint) Kind {
	switch w {
	case 8:
		return Sub8
	case 16:
		return Sub16
	default:
		return Sub32
	}
}

func AdcKind(w uint) Kind {
	switch w {
	case 8:
		return Adc8
	case 16:
		return Adc16
	default:
		return Adc32
	}
}

func SbbKind(w uint) Kind {
	switch w {
	case 8:
		return Sbb8
	case 16:
		return Sbb16
	default:
		return Sbb32
	}
}

func IncKind(w uint) Kind {
	switch w {
	case 8:
		return Inc8
	case 16:
		return Inc16
	default:
		return Inc32
	}
}

func DecKind(w uint) Kind {
	switch w {
	case 8:
		return Dec8
	case 16:
		return Dec16
	default:
		return Dec32
	}
}

func ZeroNegKind(w uint) Kind {
	switch w {
	case 8:
		return ZeroNeg8
	case 16:
		return ZeroNeg16
	default:
		return ZeroNeg32
	}
}

func ShlKind(w uint) Kind {
	switch w {
	case 8:
		return Shl8
	case 16:
		return Shl16
	default:
		return Shl32
	}
}

func ShrKind(w uint) Kind {
	switch w {
	case 8:
		return Shr8
	case 16:
		return Shr16
	default:
		return Shr32
	}
}

func SarKind(w uint) Kind {
	switch w {
	case 8:
		return Sar8
	case 16:
		return Sar16
	default:
		return Sar32
	}
}

func RolKind(w uint) Kind {
	switch w {
	case 8:
		return Rol8
	case 16:
		return Rol16
	default:
		return Rol32
	}
}

func RorKind(w uint) Kind {
	switch w {
	case 8:
		return Ror8
	case 16:
		return Ror16
	default:
		return Ror32
	}
}
