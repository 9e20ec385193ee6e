// +build 386

package vmm

import (
	"github.com/kernelcore/corekernel/kernel"
	"github.com/kernelcore/corekernel/kernel/hal/multiboot"
	"github.com/kernelcore/corekernel/kernel/mem"
)

// identityMap4GiB installs a literal virt == phys mapping for every frame in
// [0, 4 GiB), excluding the range [KernelPhysOffset, KernelPhysOffset+32MiB)
// which the kernel's own static boot mapping already covers
// (original_source/kernel/src/common/mm/vmm.c's init_vmm, 32-bit branch:
// "Identity map the first 4GiB of memory, this saves issues with MMIO
// hardware < 4GiB later on").
func identityMap4GiB(pm *Pagemap) *kernel.Error {
	const limit = uint64(4) * uint64(mem.Gb)
	kernelLow := uint64(mem.KernelPhysOffset)
	kernelHigh := kernelLow + 32*uint64(mem.Mb)

	var mapErr *kernel.Error
	for addr := uint64(0); addr < limit; addr += uint64(mem.PageSize) {
		if addr >= kernelLow && addr < kernelHigh {
			continue
		}
		if mapErr = mapLocked(pm.root, uintptr(addr), pmmFrameFromAddr(addr), FlagRW); mapErr != nil {
			return mapErr
		}
	}
	return nil
}

// identityMapPhysicalMemory runs identityMap4GiB and then direct-maps every
// usable physical frame reported by the firmware memory map at
// mem.MemPhysOffset, excluding the same kernel range
// (original_source/kernel/src/common/mm/vmm.c's init_vmm, 32-bit branch;
// kept as an intentional asymmetry with the amd64 backend per spec.md §9).
func identityMapPhysicalMemory(pm *Pagemap) *kernel.Error {
	if err := identityMap4GiB(pm); err != nil {
		return err
	}

	kernelLow := uint64(mem.KernelPhysOffset)
	kernelHigh := kernelLow + 32*uint64(mem.Mb)

	var mapErr *kernel.Error
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		base := (region.PhysAddress) &^ (uint64(mem.PageSize) - 1)
		end := (region.PhysAddress + region.Length) &^ (uint64(mem.PageSize) - 1)

		for addr := base; addr < end; addr += uint64(mem.PageSize) {
			if addr >= kernelLow && addr < kernelHigh {
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
