// +build 386

package mem

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// KernelPhysOffset is the physical address where the kernel image is
	// linked to run from (higher quarter, -1GiB on i386).
	KernelPhysOffset = uintptr(0xc0000000)

	// MemPhysOffset is added to a physical address to obtain a directly
	// accessible virtual address. On i386 there is no separate direct-map
	// region; the kernel's own higher-half mapping doubles as the direct
	// map, so this equals KernelPhysOffset (spec.md §9 open question 2).
	MemPhysOffset = KernelPhysOffset

	// PagingLevels is the number of levels walked to resolve a virtual
	// address on this architecture (PD -> PT).
	PagingLevels = 2

	// PageTableEntries is the number of entries held by each level of the
	// paging structures on this architecture.
	PageTableEntries = 1024
)
