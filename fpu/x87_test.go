package fpu

import "testing"

func TestResetEmptiesAllTags(t *testing.T) {
	var s State
	s.Push(1.0)
	s.Reset()
	for i, tag := range s.Tag {
		if tag != TagEmpty {
			t.Errorf("tag[%d]: got %d, want TagEmpty after reset", i, tag)
		}
	}
	if s.Top != 0 {
		t.Errorf("Top: got %d, want 0 after reset", s.Top)
	}
}

func TestPushPopStackDiscipline(t *testing.T) {
	var s State
	s.Reset()
	top0 := s.Top
	s.Push(3.5)
	if s.Top == top0 {
		t.Error("Push should move TOP")
	}
	if s.Tag[s.Top] != TagValid {
		t.Errorf("pushed slot tag: got %d, want TagValid", s.Tag[s.Top])
	}
	if s.ST[s.StackSlot(0)].Float != 3.5 {
		t.Errorf("ST(0): got %v, want 3.5", s.ST[s.StackSlot(0)].Float)
	}
	s.Pop()
	if s.Top != top0 {
		t.Errorf("Pop should restore TOP, got %d want %d", s.Top, top0)
	}
}

// TestMMXEntryAndEMMS is the spec.md §3 MMX/x87 aliasing contract:
// entering MMX tags everything "valid integer"; EMMS tags everything
// empty.
func TestMMXEntryAndEMMS(t *testing.T) {
	var s State
	s.Reset()
	s.EnterMMX()
	if !s.MMXEntered {
		t.Fatal("EnterMMX should set MMXEntered")
	}
	for i, tag := range s.Tag {
		if tag != TagValid {
			t.Errorf("tag[%d] after EnterMMX: got %d, want TagValid", i, tag)
		}
	}

	s.SetMM(0, 0x1122334455667788)
	if got := s.MM(0); got != 0x1122334455667788 {
		t.Errorf("MM(0): got %#x, want 0x1122334455667788", got)
	}

	s.EMMS()
	if s.MMXEntered {
		t.Error("EMMS should clear MMXEntered")
	}
	for i, tag := range s.Tag {
		if tag != TagEmpty {
			t.Errorf("tag[%d] after EMMS: got %d, want TagEmpty", i, tag)
		}
	}
}

func TestTopFieldPacksIntoStatusWordBits(t *testing.T) {
	var s State
	s.Top = 5
	if got := s.TopField(); got != 5<<SWTopShift {
		t.Errorf("TopField: got %#x, want %#x", got, 5<<SWTopShift)
	}
}
