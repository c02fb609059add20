package decode

import "github.com/quillarch/x86dbt/emit"

// rm operand helpers: ModR/M mod==3 names a register directly by the RM
// field; any other mod names a memory operand whose address the EAExpr
// captured by DecodeEA resolves at block-execute time.

func (d *Decoder) rmIsReg() bool { return d.ModRMMod() == 3 }

// loadRM8/16/32 and storeRM8/16/32 assume ModR/M (and, if a memory
// operand, EA bytes) have already been consumed for this instruction.

func (d *Decoder) loadRM8(bld *emit.Builder, dst emit.VReg, ea EAExpr, isReg bool) {
	if isReg {
		bld.EmitLoadRegB(dst, d.ModRMRM())
		return
	}
	bld.EmitMemLoadBDyn(dst, ea.Seg, emit.Resolver(ea.Resolve))
}

func (d *Decoder) loadRM16(bld *emit.Builder, dst emit.VReg, ea EAExpr, isReg bool) {
	if isReg {
		bld.EmitLoadRegW(dst, d.ModRMRM())
		return
	}
	bld.EmitMemLoadWDyn(dst, ea.Seg, emit.Resolver(ea.Resolve))
}

func (d *Decoder) loadRM32(bld *emit.Builder, dst emit.VReg, ea EAExpr, isReg bool) {
	if isReg {
		bld.EmitLoadRegL(dst, d.ModRMRM())
		return
	}
	bld.EmitMemLoadLDyn(dst, ea.Seg, emit.Resolver(ea.Resolve))
}

func (d *Decoder) loadRM(bld *emit.Builder, dst emit.VReg, ea EAExpr, isReg bool) {
	if d.OpSize32 {
		d.loadRM32(bld, dst, ea, isReg)
	} else {
		d.loadRM16(bld, dst, ea, isReg)
	}
}

func (d *Decoder) storeRM8(bld *emit.Builder, ea EAExpr, isReg bool, src emit.VReg) {
	if isReg {
		bld.EmitStoreRegB(d.ModRMRM(), src)
		return
	}
	bld.EmitMemStoreBDyn(ea.Seg, emit.Resolver(ea.Resolve), src)
}

func (d *Decoder) storeRM16(bld *emit.Builder, ea EAExpr, isReg bool, src emit.VReg) {
	if isReg {
		bld.EmitStoreRegW(d.ModRMRM(), src)
		return
	}
	bld.EmitMemStoreWDyn(ea.Seg, emit.Resolver(ea.Resolve), src)
}

func (d *Decoder) storeRM32(bld *emit.Builder, ea EAExpr, isReg bool, src emit.VReg) {
	if isReg {
		bld.EmitStoreRegL(d.ModRMRM(), src)
		return
	}
	bld.EmitMemStoreLDyn(ea.Seg, emit.Resolver(ea.Resolve), src)
}

func (d *Decoder) storeRM(bld *emit.Builder, ea EAExpr, isReg bool, src emit.VReg) {
	if d.OpSize32 {
		d.storeRM32(bld, ea, isReg, src)
	} else {
		d.storeRM16(bld, ea, isReg, src)
	}
}

// decodeModRMOperand fetches ModR/M and, for a memory operand, the
// SIB/displacement bytes, returning whether rm names a register and (if
// not) the resolved EAExpr.
func (d *Decoder) decodeModRMOperand() (isReg bool, ea EAExpr) {
	d.FetchModRM()
	if d.rmIsReg() {
		return true, EAExpr{}
	}
	return false, d.DecodeEA()
}
