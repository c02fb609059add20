package cache

import "github.com/quillarch/x86dbt/guest"

// MaxBlockOps caps the append-only op arena per block (spec.md §4.5 "fixed
// small size (e.g. 2 KiB) so every guest block is bounded"). We size the
// cap in emitted HostOps rather than bytes since this core represents host
// code as a closure slice (see emit package doc) rather than literal
// machine bytes; an op-per-micro-instruction is the closest analogue.
const MaxBlockOps = 512

// MaxBlockGuestBytes caps how many guest bytes one block may span
// (spec.md §4.5: "≤ 1000 guest bytes per block, i.e. at most two pages").
const MaxBlockGuestBytes = 1000

// HostOp is one emitted fragment of compiled host code. A CodeBlock's Ops
// slice is the "host_code" buffer of spec.md §3: append-only while
// compiling, executed in sequence by the trampoline, and replaced wholesale
// (never mutated in place) on invalidation.
type HostOp func(cpu *guest.CPU)

// FPUTopDynamic marks a block whose static-TOP optimisation could not be
// assumed (spec.md §4.4).
const FPUTopDynamic = -1

// Block is the CodeBlock of spec.md §3.
type Block struct {
	Ops []HostOp

	GuestCSBase    uint32
	GuestPhysStart uint32
	GuestPhysEnd   uint32
	GuestEndPC     uint32

	// Cross-page fields, zero/unset for single-page blocks.
	CrossesPage bool
	Phys2       uint32
	PageMask2   PageMask

	Status   uint32 // mode bits (CPL, PE, op-size, ...) the block was compiled under
	PageMask PageMask

	FPUTopStatic int // assumed x87 TOP, or FPUTopDynamic

	Valid         bool
	WasRecompiled bool
}

// entry is the primary hash-table slot: a slice of blocks
// starting at the same guest_phys_start, disambiguated by CSBase/Status
// (spec.md §4.5 step 2-3: "auxiliary tree... to disambiguate when two
// blocks start at the same phys address with different guest_cs_base or
// status").
type entry struct {
	blocks []*Block
}

// Cache is the block cache of spec.md §3/§4.5.
type Cache struct {
	byPhys map[uint32]*entry
	pages  map[uint32]*Page // keyed by page-aligned physical address

	Hits   uint64
	Misses uint64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		byPhys: make(map[uint32]*entry),
		pages:  make(map[uint32]*Page),
	}
}

func pageOf(phys uint32) uint32 { return phys &^ (PageSize - 1) }
func offsetInPage(phys uint32) uint32 { return phys & (PageSize - 1) }

// PageFor returns (creating if necessary) the Page bookkeeping struct for
// the page containing phys.
func (c *Cache) PageFor(phys uint32) *Page {
	pa := pageOf(phys)
	p, ok := c.pages[pa]
	if !ok {
		p = &Page{}
		c.pages[pa] = p
	}
	return p
}

// Lookup implements the spec.md §4.5 algorithm for entry PC at guest phys
// A. status is the mode-bits word (CPL/op-size/...) the caller is
// currently executing under; csBase is the active CS segment base.
func (c *Cache) Lookup(guestPC uint32, phys uint32, csBase uint32, status uint32) *Block {
	e, ok := c.byPhys[phys]
	if !ok {
		c.Misses++
		return nil
	}
	for _, b := range e.blocks {
		if !b.Valid {
			continue
		}
		if b.GuestCSBase != csBase || b.Status != status || b.GuestPhysStart != phys {
			continue
		}
		if b.GuestEndPC < guestPC {
			continue
		}
		if c.blockDirty(b) {
			b.Valid = false
			continue
		}
		c.Hits++
		return b
	}
	c.Misses++
	return nil
}

// blockDirty runs the fine-grained dirty check of spec.md §4.5 step 4: if
// the page's dirty mask intersects the block's page mask, the block is
// stale.
func (c *Cache) blockDirty(b *Block) bool {
	pg := c.PageFor(b.GuestPhysStart)
	if pg.Dirty&b.PageMask != 0 {
		return true
	}
	if b.CrossesPage && b.PageMask2 != 0 {
		pg2 := c.PageFor(b.Phys2)
		if pg2.Dirty&b.PageMask2 != 0 {
			return true
		}
	}
	return false
}

// Insert adds a newly compiled block to the cache, updating both index
// structures and each covered page's code_present mask (spec.md §3
// invariant).
func (c *Cache) Insert(b *Block) {
	b.Valid = true
	e, ok := c.byPhys[b.GuestPhysStart]
	if !ok {
		e = &entry{}
		c.byPhys[b.GuestPhysStart] = e
	}
	e.blocks = append(e.blocks, b)

	// The block was compiled from the current bytes, so the sub-pages it
	// covers are clean again.
	pg := c.PageFor(b.GuestPhysStart)
	pg.CodePresent |= b.PageMask
	pg.Dirty &^= b.PageMask
	if b.CrossesPage {
		pg2 := c.PageFor(b.Phys2)
		pg2.CodePresent |= b.PageMask2
		pg2.Dirty &^= b.PageMask2
	}
}

// WriteBarrier is called by the guest memory-write path for every store:
// it marks the touched sub-pages dirty and, if any compiled block covers
// one of them, invalidates those blocks immediately (spec.md §4.5
// invalidation: "guest writes go through a write barrier per 64-byte
// sub-page; setting a dirty bit queues invalidation").
func (c *Cache) WriteBarrier(phys uint32, n uint32) {
	pa := pageOf(phys)
	off := offsetInPage(phys)
	pg := c.PageFor(pa)
	mask := MaskRange(off, n)
	if pg.CodePresent&mask == 0 {
		// Nothing compiled touches this sub-page: record the dirty bit
		// for future lookups but skip the (otherwise unnecessary) full
		// invalidation walk.
		pg.Dirty |= mask
		return
	}
	pg.Dirty |= mask
	c.invalidatePage(pa, mask)
}

// invalidatePage frees every block (in both the primary and any
// cross-page index) whose page_mask intersects the given sub-page mask on
// page pa.
func (c *Cache) invalidatePage(pa uint32, mask PageMask) {
	for phys, e := range c.byPhys {
		kept := e.blocks[:0]
		for _, b := range e.blocks {
			hit := pageOf(b.GuestPhysStart) == pa && b.PageMask&mask != 0
			hit = hit || (b.CrossesPage && pageOf(b.Phys2) == pa && b.PageMask2&mask != 0)
			if hit {
				b.Valid = false
				continue
			}
			kept = append(kept, b)
		}
		if len(kept) == 0 {
			delete(c.byPhys, phys)
		} else {
			e.blocks = kept
		}
	}
}

// Reset discards every cached block and page record (mode-change trigger,
// CPU reset, or explicit codegen_reset per spec.md §4.5/§6).
func (c *Cache) Reset() {
	c.byPhys = make(map[uint32]*entry)
	c.pages = make(map[uint32]*Page)
	c.Hits = 0
	c.Misses = 0
}

// BlockCount reports the number of live (valid) blocks, for tests and
// scenario-C-style cache-hit observation hooks.
func (c *Cache) BlockCount() int {
	n := 0
	for _, e := range c.byPhys {
		for _, b := range e.blocks {
			if b.Valid {
				n++
			}
		}
	}
	return n
}
