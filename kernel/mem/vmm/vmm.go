// Package vmm implements virtual memory management: page table
// construction, mapping/unmapping of virtual pages to physical frames, and
// the boot-time identity map that lets the kernel dereference any usable
// physical address directly (spec.md §4.2).
package vmm

import (
	"github.com/kernelcore/corekernel/kernel"
	"github.com/kernelcore/corekernel/kernel/cpu"
	"github.com/kernelcore/corekernel/kernel/mem"
	"github.com/kernelcore/corekernel/kernel/mem/pmm"
)

var (
	// kernelPagemap is the address space active on CPU 0 at boot and
	// shared by every kernel-mode context until per-process address
	// spaces are introduced by a higher layer.
	kernelPagemap *Pagemap

	// earlyReserveLastUsed tracks the last reserved virtual address and
	// is decreased after each allocation request. It starts immediately
	// below the kernel image so early allocations never collide with it.
	earlyReserveLastUsed = mem.KernelPhysOffset

	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}

	// identityMapPhysicalMemoryFn is a seam over the arch-specific boot
	// identity map so tests can exercise Init without a real firmware
	// memory map.
	identityMapPhysicalMemoryFn = identityMapPhysicalMemory

	// activePDTFn resolves the physical address of the root page table
	// already active on this CPU when Init runs — the well-known address
	// the bootstrap assembly left behind (original_source's kernel_cr3).
	// A seam so tests can substitute a fixed address instead of a real
	// CR3 read.
	activePDTFn = cpu.ActivePDT
)

// Map establishes a mapping between a virtual page and a physical memory
// frame using the kernel's active page tables.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return kernelPagemap.Map(page.Address(), frame, flags)
}

// Unmap removes a mapping previously installed via Map.
func Unmap(page Page) *kernel.Error {
	return kernelPagemap.Unmap(page.Address())
}

// Remap updates the flags of an already-mapped page.
func Remap(page Page, flags PageTableEntryFlag) *kernel.Error {
	return kernelPagemap.Remap(page.Address(), flags)
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the address is not mapped.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	lastLevel := len(pageLevelShifts) - 1
	tableFrame := kernelPagemap.root

	for level := 0; level <= lastLevel; level++ {
		pte := entryAt(tableFrame, tableIndex(virtAddr, level))
		if !pte.HasFlags(FlagPresent) {
			return 0, ErrInvalidMapping
		}

		if level == lastLevel {
			pageOffset := virtAddr & (uintptr(mem.PageSize) - 1)
			return pte.Frame().Address() + pageOffset, nil
		}

		tableFrame = pte.Frame()
	}

	return 0, ErrInvalidMapping
}

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory
// region of the requested size and returns its start address, without
// mapping any physical frames into it. If size is not a multiple of
// mem.PageSize it is rounded up.
//
// Allocations start immediately below the kernel image and grow downward;
// this is only suitable for the early, single-threaded stages of kernel
// initialization (spec.md §4.2, supplemented for goruntime bootstrap).
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	if uintptr(size) > earlyReserveLastUsed {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}

// Init adopts the kernel pagemap whose root is already active on this CPU —
// the bootstrap assembly hands off a well-known physical address rather than
// Init allocating one from scratch (original_source's
// `kernel_pagemap.pagemap = (pt_entry_t*)((size_t)&kernel_cr3 -
// KERNEL_PHYS_OFFSET)`) — then identity-maps [0, 4 GiB) plus every usable
// physical frame reported by the firmware memory map at mem.MemPhysOffset,
// re-activates the tables and registers allocFn as the source of frames for
// future intermediate tables.
func Init(allocFn FrameAllocatorFn) *kernel.Error {
	SetFrameAllocator(allocFn)

	kernelPagemap = NewPagemap(pmmFrameFromAddr(uint64(activePDTFn())))

	if err := identityMapPhysicalMemoryFn(kernelPagemap); err != nil {
		return err
	}

	kernelPagemap.Activate()
	return nil
}

// RootPhysAddr returns the physical address of the kernel's root page
// table, for handing off to code (such as kernel/smp's trampoline
// preparer) that needs to point a freshly-started CPU at this address
// space before the Go-level Pagemap API is available to it.
func RootPhysAddr() uintptr {
	return kernelPagemap.root.Address()
}
