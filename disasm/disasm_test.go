package disasm

import "testing"

func TestDisassembleOneMOVImm(t *testing.T) {
	// MOV EAX, 5
	code := []byte{0xB8, 0x05, 0x00, 0x00, 0x00}
	line, err := DisassembleOne(code, 0x1000, Mode32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if line.Len != 5 {
		t.Errorf("Len = %d, want 5", line.Len)
	}
	if line.Address != 0x1000 {
		t.Errorf("Address = %#x, want 0x1000", line.Address)
	}
	if line.HexBytes != "B8 05 00 00 00" {
		t.Errorf("HexBytes = %q", line.HexBytes)
	}
	if line.Text == "" {
		t.Error("Text should not be empty")
	}
}

func TestDisassembleBlockStopsAtShortBuffer(t *testing.T) {
	// ADD EAX, EBX ; SHL EAX, 1 ; HLT
	code := []byte{0x01, 0xD8, 0xD1, 0xE0, 0xF4}
	lines := Disassemble(code, 0x2000, 10, Mode32)
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %+v", len(lines), lines)
	}
	if lines[0].Address != 0x2000 || lines[1].Address != 0x2002 || lines[2].Address != 0x2004 {
		t.Errorf("unexpected addresses: %+v", lines)
	}
}

func TestDisassembleBranchTarget(t *testing.T) {
	// JZ +5 (opcode 0x74, rel8 0x05), decoded at address 0x3000
	code := []byte{0x74, 0x05}
	lines := Disassemble(code, 0x3000, 1, Mode32)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	l := lines[0]
	if !l.IsBranch {
		t.Fatal("expected IsBranch = true")
	}
	want := uint32(0x3000 + 2 + 5)
	if l.BranchTarget != want {
		t.Errorf("BranchTarget = %#x, want %#x", l.BranchTarget, want)
	}
}

func TestFormatLineIncludesAddressAndBytes(t *testing.T) {
	l := Line{Address: 0x1234, HexBytes: "90", Text: "nop"}
	s := FormatLine(l)
	if s == "" {
		t.Fatal("FormatLine returned empty string")
	}
}
