package guest

import (
	"testing"

	"github.com/quillarch/x86dbt/flags"
)

// TestMaterialiseFlagsPreservesCFAcrossIncDec pins the bug a reviewer
// flagged: ADD sets CF, INC/DEC must leave it alone across a materialise,
// because flags.deriveCF's default case for Inc/Dec returns false as a
// "caller must fall back to the EFLAGS image" sentinel, not as CF=0.
func TestMaterialiseFlagsPreservesCFAcrossIncDec(t *testing.T) {
	var s State
	s.Lazy = flags.Record{Kind: flags.Add32, Op1: 0xFFFFFFFF, Op2: 1, Res: 0}
	s.MaterialiseFlags()
	if !s.GetFlag(FlagCF) {
		t.Fatal("ADD with carry-out should have set CF")
	}

	s.Lazy = flags.Record{Kind: flags.Inc32, Op1: 4, Op2: 1, Res: 5}
	s.MaterialiseFlags()
	if !s.GetFlag(FlagCF) {
		t.Error("INC must preserve CF from the prior EFLAGS image, not clear it")
	}
}

// TestMaterialiseFlagsPreservesZFSFPFAcrossRotate pins the same bug for
// ROL/ROR: only OF and CF are architecturally defined by a 1-bit rotate,
// ZF/SF/PF/AF must retain whatever the EFLAGS image already held.
func TestMaterialiseFlagsPreservesZFSFPFAcrossRotate(t *testing.T) {
	var s State
	s.Lazy = flags.Record{Kind: flags.Sub32, Op1: 5, Op2: 5, Res: 0}
	s.MaterialiseFlags()
	if !s.GetFlag(FlagZF) {
		t.Fatal("SUB of equal operands should have set ZF")
	}

	s.Lazy = flags.Record{Kind: flags.Rol32, Op1: 1, Op2: 1, Res: 2}
	s.MaterialiseFlags()
	if !s.GetFlag(FlagZF) {
		t.Error("ROL must preserve ZF from the prior EFLAGS image, not clear it")
	}
}
