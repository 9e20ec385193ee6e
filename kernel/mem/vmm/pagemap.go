package vmm

import (
	"unsafe"

	"github.com/kernelcore/corekernel/kernel"
	"github.com/kernelcore/corekernel/kernel/cpu"
	"github.com/kernelcore/corekernel/kernel/mem"
	"github.com/kernelcore/corekernel/kernel/mem/pmm"
	"github.com/kernelcore/corekernel/kernel/sync"
)

var (
	// frameAllocator supplies physical frames used to materialize missing
	// intermediate page tables. Registered via SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// flushTLBEntryFn and switchPDTFn are mocked by tests and are
	// automatically inlined by the compiler otherwise.
	flushTLBEntryFn = cpu.FlushTLBEntry
	switchPDTFn     = cpu.SwitchPDT

	// entryAddrFn computes the direct-mapped address of a page table entry.
	// It is a seam so tests can point table walks at plain Go arrays
	// instead of requiring a real mem.MemPhysOffset direct map.
	entryAddrFn = entryAddr

	// zeroFrameFn zeroes a freshly allocated physical frame through the
	// direct map. Like entryAddrFn, it is a seam so tests don't need a real
	// mem.MemPhysOffset mapping backing arbitrary fake frame numbers.
	zeroFrameFn = func(f pmm.Frame) {
		mem.Memset(f.Address()+mem.MemPhysOffset, 0, mem.PageSize)
	}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (pmm.Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated for
// intermediate page tables.
func SetFrameAllocator(allocFn FrameAllocatorFn) {
	frameAllocator = allocFn
}

// Pagemap is a handle to a single address space's root paging structure
// (spec.md §4.2 "Pagemap handle"). The zero value is not usable; create one
// with NewPagemap.
type Pagemap struct {
	root pmm.Frame
	lock sync.Spinlock
}

// NewPagemap wraps an already-allocated, zeroed physical frame as the root
// of a new address space.
func NewPagemap(root pmm.Frame) *Pagemap {
	return &Pagemap{root: root}
}

// Map establishes a mapping between a virtual address and a physical frame
// in this address space, allocating any missing intermediate page tables.
func (pm *Pagemap) Map(virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	pm.lock.Acquire()
	defer pm.lock.Release()
	return mapLocked(pm.root, virtAddr, frame, flags)
}

// Unmap removes a previously installed mapping. It returns ErrInvalidMapping
// if virtAddr was never mapped.
func (pm *Pagemap) Unmap(virtAddr uintptr) *kernel.Error {
	pm.lock.Acquire()
	defer pm.lock.Release()
	return unmapLocked(pm.root, virtAddr)
}

// Remap updates the flags of an already-present mapping without touching
// the physical frame it points to. It returns ErrInvalidMapping if virtAddr
// is not currently mapped.
func (pm *Pagemap) Remap(virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	pm.lock.Acquire()
	defer pm.lock.Release()
	return remapLocked(pm.root, virtAddr, flags)
}

// Activate makes this address space's root table the one the MMU walks on
// the current CPU and flushes any stale translations.
func (pm *Pagemap) Activate() {
	switchPDTFn(pm.root.Address())
}

// entryAddr returns the direct-mapped virtual address of the page table
// entry at the given index within tableFrame.
func entryAddr(tableFrame pmm.Frame, index uintptr) uintptr {
	return tableFrame.Address() + mem.MemPhysOffset + index*unsafe.Sizeof(uintptr(0))
}

func entryAt(tableFrame pmm.Frame, index uintptr) *pageTableEntry {
	return (*pageTableEntry)(unsafe.Pointer(entryAddrFn(tableFrame, index)))
}

// tableIndex extracts the index into the paging structure at the given
// level from a virtual address.
func tableIndex(virtAddr uintptr, level int) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & pageIndexMask
}

// mapLocked walks rootFrame's paging structures for virtAddr, allocating and
// zeroing any missing intermediate tables, and installs frame at the final
// level. Grounded on original_source/kernel/src/common/mm/vmm.c's map_page,
// adapted to walk via the mem.MemPhysOffset direct map instead of requiring
// the caller to already run with rootFrame active.
func mapLocked(rootFrame pmm.Frame, virtAddr uintptr, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	lastLevel := len(pageLevelShifts) - 1
	tableFrame := rootFrame

	for level := 0; level <= lastLevel; level++ {
		pte := entryAt(tableFrame, tableIndex(virtAddr, level))

		if level == lastLevel {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(virtAddr)
			return nil
		}

		if pte.HasFlags(FlagHugePage) {
			return errNoHugePageSupport
		}

		if !pte.HasFlags(FlagPresent) {
			newTableFrame, err := frameAllocator()
			if err != nil {
				return err
			}

			zeroFrameFn(newTableFrame)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUser)
		}

		tableFrame = pte.Frame()
	}

	return nil
}

// unmapLocked walks rootFrame's paging structures for virtAddr and zeroes
// the final-level entry. Grounded on vmm.c's unmap_page (`pt[pt_entry] =
// 0;`).
func unmapLocked(rootFrame pmm.Frame, virtAddr uintptr) *kernel.Error {
	lastLevel := len(pageLevelShifts) - 1
	tableFrame := rootFrame

	for level := 0; level <= lastLevel; level++ {
		pte := entryAt(tableFrame, tableIndex(virtAddr, level))

		if !pte.HasFlags(FlagPresent) {
			return ErrInvalidMapping
		}

		if level == lastLevel {
			*pte = 0
			flushTLBEntryFn(virtAddr)
			return nil
		}

		if pte.HasFlags(FlagHugePage) {
			return errNoHugePageSupport
		}

		tableFrame = pte.Frame()
	}

	return nil
}

// remapLocked walks rootFrame's paging structures for virtAddr and replaces
// the flags of the final-level entry, leaving its frame untouched. Grounded
// on vmm.c's remap_page.
func remapLocked(rootFrame pmm.Frame, virtAddr uintptr, flags PageTableEntryFlag) *kernel.Error {
	lastLevel := len(pageLevelShifts) - 1
	tableFrame := rootFrame

	for level := 0; level <= lastLevel; level++ {
		pte := entryAt(tableFrame, tableIndex(virtAddr, level))

		if !pte.HasFlags(FlagPresent) {
			return ErrInvalidMapping
		}

		if level == lastLevel {
			frame := pte.Frame()
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(virtAddr)
			return nil
		}

		if pte.HasFlags(FlagHugePage) {
			return errNoHugePageSupport
		}

		tableFrame = pte.Frame()
	}

	return nil
}
