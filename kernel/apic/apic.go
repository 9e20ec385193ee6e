// Package apic implements the Local APIC and I/O APIC drivers (spec.md
// §4.3, §4.4): per-CPU interrupt control (enable, EOI, NMI setup,
// inter-processor interrupts) and the I/O APIC's GSI redirection table.
package apic

import (
	"reflect"
	"unsafe"

	"github.com/kernelcore/corekernel/kernel/cpu"
	"github.com/kernelcore/corekernel/kernel/hal/madt"
	"github.com/kernelcore/corekernel/kernel/kfmt/early"
	"github.com/kernelcore/corekernel/kernel/mem"
)

// Local APIC register offsets, in bytes from the LAPIC's MMIO base
// (original_source/src/sys/apic.c).
const (
	regSpuriousVector = 0xf0
	regEOI            = 0xb0
	regLINT0          = 0x350
	regLINT1          = 0x360
	regICRLow         = 0x300
	regICRHigh        = 0x310
)

const apicSupportedCPUIDBit = 1 << 9

var (
	// lapicBaseFn resolves the physical base address of the local APIC's
	// MMIO registers. It is a seam so tests can point register accesses at
	// a plain byte buffer instead of requiring a real mem.MemPhysOffset
	// mapping.
	lapicBaseFn = func() uintptr {
		return uintptr(madt.LocalControllerAddr()) + mem.MemPhysOffset
	}

	cpuidFn         = cpu.CPUID
	memoryBarrierFn = cpu.MemoryBarrier
)

// regPtr overlays a single uint32 on top of a register's MMIO address,
// following the same reflect.SliceHeader idiom kernel/mem/memset.go and the
// EGA/VGA console drivers use for raw memory access.
func regPtr(addr uintptr) *uint32 {
	s := *(*[]uint32)(unsafe.Pointer(&reflect.SliceHeader{Len: 1, Cap: 1, Data: addr}))
	return &s[0]
}

// IsSupported reports whether the running CPU has a local APIC, detected via
// CPUID leaf 1 EDX bit 9.
func IsSupported() bool {
	early.Printf("[apic] checking for local APIC support\n")

	_, _, _, edx := cpuidFn(1, 0)
	if edx&apicSupportedCPUIDBit == 0 {
		early.Printf("[apic] local APIC not supported\n")
		return false
	}

	early.Printf("[apic] local APIC supported\n")
	return true
}

// Read returns the value of the given local APIC register.
func Read(reg uint32) uint32 {
	memoryBarrierFn()
	val := *regPtr(lapicBaseFn() + uintptr(reg))
	memoryBarrierFn()
	return val
}

// Write sets the given local APIC register to val.
func Write(reg uint32, val uint32) {
	memoryBarrierFn()
	*regPtr(lapicBaseFn() + uintptr(reg)) = val
	memoryBarrierFn()
}

// Enable turns on the local APIC and sets the spurious interrupt vector to
// 0xff (spec.md §4.3).
func Enable() {
	Write(regSpuriousVector, Read(regSpuriousVector)|0x1ff)
	early.Printf("[apic] local APIC enabled\n")
}

// EOI signals end-of-interrupt to the local APIC.
func EOI() {
	Write(regEOI, 0)
}

// SetNMI programs LINT0 (lint == 0) or LINT1 (lint == 1) to deliver a
// non-maskable interrupt carrying vector, decoding active-low polarity from
// flags bit 1 and level-triggered mode from flags bit 3.
func SetNMI(vector uint8, flags uint16, lint uint8) {
	nmi := uint32(0x400) | uint32(vector)
	if flags&2 != 0 {
		nmi |= 1 << 13
	}
	if flags&8 != 0 {
		nmi |= 1 << 15
	}

	switch lint {
	case 1:
		Write(regLINT1, nmi)
	case 0:
		Write(regLINT0, nmi)
	}
}

// InstallNMI looks up NMI source index nmi in the firmware multiprocessor
// table and programs it via SetNMI.
func InstallNMI(vector uint8, nmi int) {
	src := madt.NMISourceAt(nmi)
	SetNMI(vector, src.Flags, src.Lint)
}

// SendIPI delivers an inter-processor interrupt carrying vector to the CPU
// whose local APIC ID is targetAPICID. Unlike the original source's
// lapic_send_ipi, this takes the LAPIC ID directly rather than a logical CPU
// index: resolving a CPU index to its LAPIC ID is kernel/smp's per-CPU
// registry's job, keeping this package free of a dependency on kernel/smp.
func SendIPI(targetAPICID uint8, vector uint8) {
	Write(regICRHigh, uint32(targetAPICID)<<24)
	Write(regICRLow, uint32(vector))
}
