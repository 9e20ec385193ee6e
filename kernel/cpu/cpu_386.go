// +build 386

package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page directory to point to the specified physical
// address and flushes the TLB.
func SwitchPDT(pdPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page
// directory.
func ActivePDT() uintptr

// CPUID executes the CPUID instruction for the given leaf/subleaf and
// returns the resulting register contents.
func CPUID(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// MemoryBarrier prevents the compiler from reordering loads/stores across
// the call. It must surround every volatile LAPIC/I/O APIC register access.
func MemoryBarrier()

// CurrentCPUIndex returns the dense logical CPU index of the CPU executing
// the call, read from the per-CPU base the SMP trampoline installs before
// jumping into Go code (the original source's current_cpu).
func CurrentCPUIndex() int
