// Package allocator implements the core's physical frame allocator: a single
// bitmap, starting at mem.BitmapBase, that grows in mem.BMReallocStep chunks
// as the firmware memory map reports usable frames past its current extent.
package allocator

import (
	"github.com/kernelcore/corekernel/kernel"
	"github.com/kernelcore/corekernel/kernel/hal/multiboot"
	"github.com/kernelcore/corekernel/kernel/kfmt/early"
	"github.com/kernelcore/corekernel/kernel/mem"
	"github.com/kernelcore/corekernel/kernel/mem/pmm"
	"github.com/kernelcore/corekernel/kernel/sync"
)

// strategy selects which scan algorithm Alloc uses to satisfy a request
// (spec.md §4.1 "States").
type strategy uint8

const (
	strategySlow strategy = iota
	strategyFast
)

const wordBits = 32

var (
	errOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	lock sync.Spinlock

	// bitmap holds one bit per frame starting at mem.BitmapBase. A set
	// bit means the frame is used/unavailable.
	bitmap []uint32

	// bitmapEntries is the number of frames currently representable by
	// bitmap (i.e. len(bitmap)*wordBits).
	bitmapEntries uint64

	// totalPages/usedPages track bookkeeping in frames, not bytes.
	// totalPages starts at 1 to account for the initial static bitmap
	// frame itself (spec.md §9 open question 3).
	totalPages uint64 = 1
	usedPages  uint64 = 1

	// cursor is the rotating scan position used by the fast strategy.
	cursor = uint64(mem.BitmapBase)

	curStrategy = strategySlow

	// initialBitmap represents the first 32 frames above mem.BitmapBase
	// before any dynamic bitmap has been allocated. All bits are set
	// (used) except bit 7, which is left free so that the very first
	// growth allocation (of mem.BMReallocStep pages) can succeed using
	// only this static storage.
	initialBitmap = [1]uint32{0xffffff7f}

	// mapFrameFn maps a physical frame to its mem.MemPhysOffset-relative
	// virtual address so its contents can be read/written directly. It is
	// a seam so tests can run without a real identity map in place.
	mapFrameFn = func(f pmm.Frame) uintptr { return f.Address() + mem.MemPhysOffset }
)

func init() {
	bitmap = initialBitmap[:]
	bitmapEntries = wordBits
}

func readBit(frame uint64) bool {
	i := frame - mem.BitmapBase
	return bitmap[i/wordBits]&(1<<(i%wordBits)) != 0
}

func setBit(frame uint64) {
	i := frame - mem.BitmapBase
	bitmap[i/wordBits] |= 1 << (i % wordBits)
}

func clearBit(frame uint64) {
	i := frame - mem.BitmapBase
	bitmap[i/wordBits] &^= 1 << (i % wordBits)
}

// markUsedLocked flags count frames starting at frame as used. The caller
// must hold lock.
func markUsedLocked(frame, count uint64) {
	for i := uint64(0); i < count; i++ {
		setBit(frame + i)
	}
	usedPages += count
}

// markFreeLocked flags count frames starting at frame as free. The caller
// must hold lock.
func markFreeLocked(frame, count uint64) {
	for i := uint64(0); i < count; i++ {
		clearBit(frame + i)
	}
	usedPages -= count
}

// allocSlowLocked performs a linear scan from mem.BitmapBase for the first
// run of count contiguous free frames. It is the only strategy safe to call
// during PMM initialization, including bitmap growth. The caller must hold
// lock.
func allocSlowLocked(count uint64) (uint64, *kernel.Error) {
	run := uint64(0)
	for frame := uint64(mem.BitmapBase); frame < mem.BitmapBase+bitmapEntries; frame++ {
		if readBit(frame) {
			run = 0
			continue
		}

		run++
		if run == count {
			return frame - count + 1, nil
		}
	}

	return 0, errOutOfMemory
}

// allocFastLocked resumes scanning from cursor and wraps at most once,
// restarting its run-length counter on every wrap (spec.md §4.1). The
// caller must hold lock.
func allocFastLocked(count uint64) (uint64, *kernel.Error) {
	run := uint64(0)
	for i := uint64(0); i < bitmapEntries; i++ {
		if cursor == mem.BitmapBase+bitmapEntries {
			cursor = mem.BitmapBase
			run = 0
		}

		if readBit(cursor) {
			run = 0
		} else {
			run++
			if run == count {
				start := cursor - count + 1
				cursor++
				return start, nil
			}
		}
		cursor++
	}

	return 0, errOutOfMemory
}

// allocLocked dispatches to the active strategy. The caller must hold lock.
func allocLocked(count uint64) (uint64, *kernel.Error) {
	if curStrategy == strategyFast {
		return allocFastLocked(count)
	}
	return allocSlowLocked(count)
}

// growLocked is the single place the PMM recursively allocates: it
// allocates a new, strictly larger bitmap using only the slow strategy,
// copies the old bitmap contents, fills the new region with all-ones and
// frees the previous bitmap storage — all while holding lock continuously
// so no other CPU observes a half-migrated bitmap (spec.md §9 "Cyclic
// concerns").
func growLocked() *kernel.Error {
	// The static initialBitmap was never allocated from the pool, so the
	// very first growth only needs to pay for mem.BMReallocStep new
	// pages, not for the storage it replaces.
	var curPages uint64
	if !isInitialBitmap() {
		_, curPages = bitmapFrameAndPages()
	}
	newPages := curPages + mem.BMReallocStep

	newFrame, err := allocSlowLocked(newPages)
	if err != nil {
		return err
	}
	markUsedLocked(newFrame, newPages)

	newWords := newPages * uint64(mem.PageSize) / 4
	newBitmapAddr := mapFrameFn(pmm.Frame(newFrame))
	newBitmap := unsafeUint32Slice(newBitmapAddr, int(newWords))

	copy(newBitmap, bitmap)
	for i := uint64(len(bitmap)); i < newWords; i++ {
		newBitmap[i] = 0xffffffff
	}

	oldFrame, oldPages := uint64(0), uint64(0)
	if !isInitialBitmap() {
		oldFrame, oldPages = bitmapFrameAndPages()
	}

	bitmap = newBitmap
	bitmapEntries = newWords * wordBits

	if oldPages > 0 {
		markFreeLocked(oldFrame, oldPages)
	}

	return nil
}

// isInitialBitmap reports whether bitmap still points at the static
// initialBitmap array (which was never allocated from the pool and must
// never be "freed").
func isInitialBitmap() bool {
	return &bitmap[0] == &initialBitmap[0]
}

// bitmapFrameAndPages derives the frame/page-count of the currently
// allocated dynamic bitmap storage from its mapped address.
func bitmapFrameAndPages() (frame, pages uint64) {
	addr := uintptr(unsafePointerOf(bitmap))
	phys := addr - mem.MemPhysOffset
	frame = uint64(phys) >> mem.PageShift
	pages = uint64(len(bitmap)) * 4 / uint64(mem.PageSize)
	if pages == 0 {
		pages = 1
	}
	return frame, pages
}

// Init populates the bitmap from the firmware memory map, growing it as
// needed, and marks every usable frame above the initial hole as free. All
// other frames (reserved, or occupied by the bitmap itself) are left
// flagged as used, since the bitmap starts entirely set.
func Init() *kernel.Error {
	lock.Acquire()
	defer lock.Release()

	var initErr *kernel.Error
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if initErr != nil {
			return false
		}

		alignedBase := (region.PhysAddress + uint64(mem.PageSize) - 1) &^ (uint64(mem.PageSize) - 1)
		alignedEnd := (region.PhysAddress + region.Length) &^ (uint64(mem.PageSize) - 1)

		for addr := alignedBase; addr < alignedEnd; addr += uint64(mem.PageSize) {
			frame := addr / uint64(mem.PageSize)
			if frame < mem.BitmapBase+1 {
				continue
			}

			if frame >= mem.BitmapBase+bitmapEntries {
				if err := growLocked(); err != nil {
					initErr = err
					return false
				}
			}

			if region.Type == multiboot.MemAvailable {
				totalPages++
				// The frame was never counted in usedPages, so only
				// its bit is cleared.
				clearBit(frame)
			}
		}
		return true
	})
	if initErr != nil {
		return initErr
	}

	early.Printf("[pmm] total: %dKb, used: %dKb\n",
		uint64(mem.PageSize)*totalPages/uint64(mem.Kb), uint64(mem.PageSize)*usedPages/uint64(mem.Kb))
	return nil
}

// Alloc returns the first of n contiguous free frames, marking them used.
// It aborts the kernel with a fatal out-of-memory panic if no such run exists (spec.md §4.1 "Failure").
func Alloc(n uint64) pmm.Frame {
	lock.Acquire()
	frame, err := allocLocked(n)
	if err != nil {
		lock.Release()
		kernel.Panic(err)
		return pmm.InvalidFrame
	}
	markUsedLocked(frame, n)
	lock.Release()
	return pmm.Frame(frame)
}

// AllocFrame allocates a single physical frame, returning an error instead
// of panicking if none is available. It satisfies vmm.FrameAllocatorFn and
// is the allocator this core registers with the VMM for intermediate page
// table frames.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	lock.Acquire()
	frame, err := allocLocked(1)
	if err != nil {
		lock.Release()
		return pmm.InvalidFrame, err
	}
	markUsedLocked(frame, 1)
	lock.Release()
	return pmm.Frame(frame), nil
}

// AllocZeroed behaves like Alloc but additionally zeroes the returned
// region before returning it, via its mem.MemPhysOffset-relative mapping.
func AllocZeroed(n uint64) pmm.Frame {
	frame := Alloc(n)
	mem.Memset(mapFrameFn(frame), 0, mem.PageSize*mem.Size(n))
	return frame
}

// Free returns n frames starting at phys to the free pool. There is no
// validity check beyond bit clearing; double-free is undefined behavior
// (spec.md §4.1 "free").
func Free(phys pmm.Frame, n uint64) {
	lock.Acquire()
	markFreeLocked(uint64(phys), n)
	lock.Release()
}

// ChangeAllocationMethod switches the allocator from the slow linear-scan
// strategy used during boot to the fast rotating-cursor strategy. Intended
// to be called once, by external code, after boot (spec.md §4.1 "States").
func ChangeAllocationMethod() {
	lock.Acquire()
	curStrategy = strategyFast
	cursor = mem.BitmapBase
	lock.Release()
}

// Stats returns the total and used memory, in bytes, tracked by the
// allocator. Reads are taken under the lock for a consistent snapshot.
func Stats() (total, used mem.Size) {
	lock.Acquire()
	total = mem.Size(totalPages) * mem.PageSize
	used = mem.Size(usedPages) * mem.PageSize
	lock.Release()
	return total, used
}

// resetForTest restores package state to its pre-Init zero value. It is
// only referenced from _test.go files.
func resetForTest() {
	bitmap = initialBitmap[:]
	for i := range initialBitmap {
		initialBitmap[i] = 0xffffff7f
	}
	bitmapEntries = wordBits
	totalPages, usedPages = 1, 1
	cursor = uint64(mem.BitmapBase)
	curStrategy = strategySlow
}
