// Package mem implements guest physical memory for the emulated partition:
// a flat RAM region, page-sized host overlays (SynIC message/event pages,
// VP assist pages) and a per-page dirty bitmap for migration collaborators.
package mem

import (
	"fmt"
	"sync"
)

const pageSize = 4096

// AddressSpace is the guest physical address space.
type AddressSpace struct {
	mu sync.Mutex

	base uint64
	ram  []byte

	// overlays maps a page-aligned guest address to a host page buffer
	// that shadows RAM at that address.
	overlays map[uint64][]byte

	// dirty is a per-page bitmap over RAM; overlay writes dirty the page
	// at the overlay's guest address.
	dirty []uint64
}

// NewAddressSpace allocates a guest address space of size bytes of RAM
// starting at base. Size is rounded up to a page boundary.
func NewAddressSpace(base, size uint64) *AddressSpace {
	size = (size + pageSize - 1) &^ (pageSize - 1)
	return &AddressSpace{
		base:     base,
		ram:      make([]byte, size),
		overlays: make(map[uint64][]byte),
		dirty:    make([]uint64, (size/pageSize+63)/64),
	}
}

// Size returns the RAM size in bytes.
func (a *AddressSpace) Size() uint64 { return uint64(len(a.ram)) }

// MapOverlay maps a page-sized host buffer at addr. A later overlay at the
// same address replaces the earlier one.
func (a *AddressSpace) MapOverlay(addr uint64, page []byte) error {
	if len(page) != pageSize {
		return fmt.Errorf("mem: overlay buffer is %d bytes, want %d", len(page), pageSize)
	}
	if addr%pageSize != 0 {
		return fmt.Errorf("mem: overlay address 0x%x is not page aligned", addr)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overlays[addr] = page
	return nil
}

// UnmapOverlay removes the overlay at addr, if any.
func (a *AddressSpace) UnmapOverlay(addr uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.overlays, addr)
}

// overlayFor returns the overlay covering addr and the offset within it.
func (a *AddressSpace) overlayFor(addr uint64) ([]byte, uint64) {
	page, ok := a.overlays[addr&^uint64(pageSize-1)]
	if !ok {
		return nil, 0
	}
	return page, addr & (pageSize - 1)
}

// ReadPhysical copies guest physical memory at addr into b. Reads that
// cross an overlay boundary are resolved page by page.
func (a *AddressSpace) ReadPhysical(addr uint64, b []byte) error {
	return a.access(addr, b, false)
}

// WritePhysical copies b into guest physical memory at addr.
func (a *AddressSpace) WritePhysical(addr uint64, b []byte) error {
	return a.access(addr, b, true)
}

func (a *AddressSpace) access(addr uint64, b []byte, write bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for len(b) > 0 {
		n := pageSize - int(addr&(pageSize-1))
		if n > len(b) {
			n = len(b)
		}

		var target []byte
		if page, off := a.overlayFor(addr); page != nil {
			target = page[off : off+uint64(n)]
		} else {
			off := addr - a.base
			if addr < a.base || off+uint64(n) > uint64(len(a.ram)) {
				return fmt.Errorf("mem: access at 0x%x+%d outside guest RAM", addr, n)
			}
			target = a.ram[off : off+uint64(n)]
		}

		if write {
			copy(target, b[:n])
			a.markDirtyLocked(addr, uint64(n))
		} else {
			copy(b[:n], target)
		}

		addr += uint64(n)
		b = b[n:]
	}
	return nil
}

// MarkDirty records a host-side modification of the range for migration and
// tracing collaborators.
func (a *AddressSpace) MarkDirty(addr, size uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.markDirtyLocked(addr, size)
}

func (a *AddressSpace) markDirtyLocked(addr, size uint64) {
	if addr < a.base {
		return
	}
	first := (addr - a.base) / pageSize
	last := (addr - a.base + size - 1) / pageSize
	for p := first; p <= last; p++ {
		if int(p/64) >= len(a.dirty) {
			break
		}
		a.dirty[p/64] |= 1 << (p % 64)
	}
}

// DirtyPages returns the page indexes dirtied since the last ClearDirty.
func (a *AddressSpace) DirtyPages() []uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var pages []uint64
	for i, word := range a.dirty {
		for bit := 0; word != 0; bit++ {
			if word&1 != 0 {
				pages = append(pages, uint64(i*64+bit))
			}
			word >>= 1
		}
	}
	return pages
}

// ClearDirty resets the dirty bitmap.
func (a *AddressSpace) ClearDirty() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.dirty {
		a.dirty[i] = 0
	}
}
