package mem

// Architectural constants shared by both 32-bit and 64-bit builds (spec.md §6).
const (
	// MaxCPUs bounds the size of the per-CPU locals/TSS tables allocated
	// by the SMP bring-up code.
	MaxCPUs = 64

	// CPUStackSize is the size, in bytes, of the kernel stack carved out
	// for each CPU (including the BSP) during SMP bring-up.
	CPUStackSize = 16384

	// BitmapBase is the frame index of the first frame tracked by the PMM
	// bitmap (spec.md §3, Physical memory bitmap). Physical memory below
	// this frame is never handed out by the allocator.
	BitmapBase = 0x1000000 / uint64(PageSize)

	// BMReallocStep is the number of pages added to the PMM bitmap every
	// time it needs to grow to cover newly discovered physical memory.
	BMReallocStep = 1
)
