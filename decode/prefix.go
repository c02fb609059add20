package decode

import "github.com/quillarch/x86dbt/guest"

// scanPrefixesAndOpcode consumes legacy prefixes (segment override,
// operand/address-size toggle, REP/REPNE, LOCK) and returns the first
// real opcode byte, ported from the teacher's prefix-handling switch at
// the top of CPU_X86.step (cpu_x86.go).
func (d *Decoder) scanPrefixesAndOpcode() byte {
	for {
		b := d.fetch8()
		if d.Fault != nil {
			return 0
		}
		switch b {
		case 0x26:
			d.SegOverride = guest.SegES
		case 0x2E:
			d.SegOverride = guest.SegCS
		case 0x36:
			d.SegOverride = guest.SegSS
		case 0x3E:
			d.SegOverride = guest.SegDS
		case 0x64:
			d.SegOverride = guest.SegFS
		case 0x65:
			d.SegOverride = guest.SegGS
		case 0x66:
			d.OpSize32 = !d.DefaultOpSize32
		case 0x67:
			d.AddrSize32 = !d.DefaultAddrSize32
		case 0xF0:
			d.Lock = true
		case 0xF2:
			d.RepPrefix = 2
		case 0xF3:
			d.RepPrefix = 1
		default:
			return b
		}
	}
}
