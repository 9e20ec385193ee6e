// +build amd64

package vmm

import (
	"github.com/kernelcore/corekernel/kernel"
	"github.com/kernelcore/corekernel/kernel/hal/multiboot"
	"github.com/kernelcore/corekernel/kernel/mem"
)

// identityMap4GiB installs a literal virt == phys mapping for every frame in
// [0, 4 GiB), unconditionally of what the firmware memory map reports —
// MMIO below 4 GiB rarely shows up as a usable region, so this pass can't be
// driven off it (original_source/kernel/src/common/mm/vmm.c's init_vmm,
// first loop: "Identity map the first 4GiB of memory, this saves issues
// with MMIO hardware < 4GiB later on").
func identityMap4GiB(pm *Pagemap) *kernel.Error {
	const limit = uint64(4) * uint64(mem.Gb)

	var mapErr *kernel.Error
	for addr := uint64(0); addr < limit; addr += uint64(mem.PageSize) {
		if mapErr = mapLocked(pm.root, uintptr(addr), pmmFrameFromAddr(addr), FlagRW); mapErr != nil {
			return mapErr
		}
	}
	return nil
}

// identityMapPhysicalMemory runs identityMap4GiB and then direct-maps every
// usable physical frame reported by the firmware memory map at
// mem.MemPhysOffset, skipping the first 32MiB outright
// (original_source/kernel/src/common/mm/vmm.c's init_vmm assumes that range
// usable without inspecting the memory map, an asymmetry with the 32-bit
// backend kept verbatim per spec.md §9).
func identityMapPhysicalMemory(pm *Pagemap) *kernel.Error {
	if err := identityMap4GiB(pm); err != nil {
		return err
	}

	const skipBelow = 32 * uint64(mem.Mb)

	var mapErr *kernel.Error
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		base := (region.PhysAddress) &^ (uint64(mem.PageSize) - 1)
		end := (region.PhysAddress + region.Length) &^ (uint64(mem.PageSize) - 1)

		for addr := base; addr < end; addr += uint64(mem.PageSize) {
			if addr < skipBelow {
				continue
			}

			virt := uintptr(addr) + mem.MemPhysOffset
			if mapErr = mapLocked(pm.root, virt, pmmFrameFromAddr(addr), FlagRW); mapErr != nil {
				return false
			}
		}
		return true
	})

	return mapErr
}
