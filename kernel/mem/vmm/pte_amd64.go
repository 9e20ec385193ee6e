// +build amd64

package vmm

// ptePhysMask extracts the physical frame address encoded in a page table
// entry, masking off the flag bits at the low end and the NX bit at the top.
const ptePhysMask = uintptr(0x000ffffffffff000)

// pageLevelShifts holds the bit position of each level's index field within
// a virtual address, from PML4 down to PT (spec.md §4.2, 4-level paging).
var pageLevelShifts = []uint{39, 30, 21, 12}

// pageIndexMask isolates a single level's 9-bit index once the address has
// been shifted into position.
const pageIndexMask = uintptr(0x1ff)
