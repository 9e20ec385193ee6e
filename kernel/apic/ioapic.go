package apic

import (
	"github.com/kernelcore/corekernel/kernel"
	"github.com/kernelcore/corekernel/kernel/hal/madt"
	"github.com/kernelcore/corekernel/kernel/mem"
)

// I/O APIC register offsets, in 32-bit words from the I/O APIC's MMIO base:
// the index register at word 0 and the data register at word 4
// (original_source/src/sys/apic.c's io_apic_read/io_apic_write).
const (
	ioRegSelWord = 0
	ioWinWord    = 4
)

var errGSINotFound = &kernel.Error{Module: "apic", Message: "no I/O APIC covers the requested GSI"}

// ioapicBaseFn resolves the physical MMIO base address of the ioapicIndex'th
// I/O APIC in the firmware table. A seam so tests can substitute a plain
// byte buffer.
var ioapicBaseFn = func(ioapicIndex int) uintptr {
	return uintptr(madt.IOAPICAt(ioapicIndex).Addr) + mem.MemPhysOffset
}

// ioapicReadFn and ioapicWriteFn perform the index/data register pair
// handshake against an I/O APIC's MMIO base. A seam: real hardware holds up
// to 256 readable/writable registers behind these two fixed addresses, a
// distinction a flat test buffer can't reproduce, so tests substitute a
// per-register fake here instead of pointing ioapicBaseFn at plain memory.
var ioapicReadFn = func(base uintptr, reg uint32) uint32 {
	memoryBarrierFn()
	*regPtr(base + ioRegSelWord*4) = reg
	val := *regPtr(base + ioWinWord*4)
	memoryBarrierFn()
	return val
}

var ioapicWriteFn = func(base uintptr, reg uint32, val uint32) {
	memoryBarrierFn()
	*regPtr(base + ioRegSelWord*4) = reg
	*regPtr(base + ioWinWord*4) = val
	memoryBarrierFn()
}

// ReadIndexed reads register reg of the ioapicIndex'th I/O APIC through its
// index/data register pair.
func ReadIndexed(ioapicIndex int, reg uint32) uint32 {
	return ioapicReadFn(ioapicBaseFn(ioapicIndex), reg)
}

// WriteIndexed writes val to register reg of the ioapicIndex'th I/O APIC
// through its index/data register pair.
func WriteIndexed(ioapicIndex int, reg uint32, val uint32) {
	ioapicWriteFn(ioapicBaseFn(ioapicIndex), reg, val)
}

// MaxRedirects returns the number of redirection table entries the
// ioapicIndex'th I/O APIC supports.
func MaxRedirects(ioapicIndex int) uint32 {
	return (ReadIndexed(ioapicIndex, 1) & 0xff0000) >> 16
}

// FromGSI returns the index of the I/O APIC whose GSI range covers gsi, and
// false if none does.
func FromGSI(gsi uint32) (int, bool) {
	found := -1
	madt.VisitIOAPICs(func(index int, ioapic *madt.IOAPIC) bool {
		if ioapic.GSIBase <= gsi && gsi < ioapic.GSIBase+MaxRedirects(index) {
			found = index
			return false
		}
		return true
	})
	return found, found >= 0
}

// SetRedirect programs the redirection table entry for gsi to deliver
// vector to targetAPICID, encoding polarity (flags bit 1), trigger mode
// (flags bit 3) and the enabled/masked state.
func SetRedirect(vector uint8, gsi uint32, flags uint16, targetAPICID uint8, enabled bool) *kernel.Error {
	ioapicIndex, ok := FromGSI(gsi)
	if !ok {
		return errGSINotFound
	}

	redirect := uint64(vector)
	if flags&2 != 0 {
		redirect |= 1 << 13
	}
	if flags&8 != 0 {
		redirect |= 1 << 15
	}
	if !enabled {
		redirect |= 1 << 16
	}
	redirect |= uint64(targetAPICID) << 56

	ioredtbl := (gsi-madt.IOAPICAt(ioapicIndex).GSIBase)*2 + 16
	WriteIndexed(ioapicIndex, ioredtbl, uint32(redirect))
	WriteIndexed(ioapicIndex, ioredtbl+1, uint32(redirect>>32))
	return nil
}

// SetUpLegacyIRQ maps ISA IRQ irq to vector irq+0x20, unless the firmware
// Interrupt Source Override table remaps it to a different GSI/flags, in
// which case the override is honored instead.
func SetUpLegacyIRQ(targetAPICID uint8, irq uint8, enabled bool) *kernel.Error {
	var (
		overridden bool
		err        *kernel.Error
	)

	madt.VisitInterruptSourceOverrides(func(iso *madt.InterruptSourceOverride) bool {
		if iso.IRQSource != irq {
			return true
		}
		err = SetRedirect(iso.IRQSource+0x20, iso.GSI, iso.Flags, targetAPICID, enabled)
		overridden = true
		return false
	})

	if overridden {
		return err
	}
	return SetRedirect(irq+0x20, uint32(irq), 0, targetAPICID, enabled)
}

// ConnectGSIToVector programs a direct GSI-to-vector redirection, bypassing
// the Interrupt Source Override lookup SetUpLegacyIRQ performs.
func ConnectGSIToVector(targetAPICID uint8, vector uint8, gsi uint32, flags uint16, enabled bool) *kernel.Error {
	return SetRedirect(vector, gsi, flags, targetAPICID, enabled)
}
