// +build 386

package vmm

// ptePhysMask extracts the physical frame address encoded in a page table
// entry, masking off the low 12 flag bits. 32-bit physical addresses never
// exceed 4GiB so no further masking is required.
const ptePhysMask = uintptr(0xfffff000)

// pageLevelShifts holds the bit position of each level's index field within
// a virtual address: PD then PT (spec.md §4.2, 2-level paging).
var pageLevelShifts = []uint{22, 12}

// pageIndexMask isolates a single level's 10-bit index once the address has
// been shifted into position.
const pageIndexMask = uintptr(0x3ff)
