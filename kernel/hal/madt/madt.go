// Package madt adapts the firmware's multiprocessor description table for
// the rest of the core (spec.md §6 "Firmware multiprocessor table"). ACPI/AML
// parsing is out of scope for this core, so this package does not walk raw
// ACPI bytes itself: a boot shim populates a table via
// SetEntries and the rest of the kernel consumes it through the Visit*
// iterators, mirroring the naming convention kernel/hal/multiboot already
// established for the firmware memory map.
package madt

// LocalAPIC describes one CPU's local APIC, as enumerated by the firmware
// multiprocessor table.
type LocalAPIC struct {
	// ID is the LAPIC ID used to address this CPU in IPI deliveries.
	ID uint8
}

// IOAPIC describes one I/O APIC.
type IOAPIC struct {
	// ID is the I/O APIC's identifier.
	ID uint8

	// Addr is the physical base address of the I/O APIC's MMIO registers.
	Addr uint32

	// GSIBase is the first Global System Interrupt this I/O APIC handles.
	GSIBase uint32
}

// NMISource describes a non-maskable interrupt source attached to a LAPIC's
// LINT pin.
type NMISource struct {
	// Flags encodes polarity (bit 1) and trigger mode (bit 3), in the same
	// encoding as InterruptSourceOverride.Flags.
	Flags uint16

	// Lint is the LAPIC LINT pin (0 or 1) this NMI is wired to.
	Lint uint8
}

// InterruptSourceOverride describes a remapping of a legacy ISA IRQ to a
// different Global System Interrupt and/or polarity/trigger mode.
type InterruptSourceOverride struct {
	// IRQSource is the original ISA IRQ line being remapped.
	IRQSource uint8

	// GSI is the Global System Interrupt the IRQ is remapped to.
	GSI uint32

	// Flags encodes polarity (bit 1) and trigger mode (bit 3): bit 1 set
	// means active-low, bit 3 set means level-triggered.
	Flags uint16
}

// Entries is the multiprocessor table populated by the boot shim. SetEntries
// stores the slices as given: there is no capacity limit, no entry is
// dropped and the slices are not copied.
type Entries struct {
	LocalControllerAddr uint32
	LocalAPICs          []LocalAPIC
	IOAPICs             []IOAPIC
	NMISources          []NMISource
	Overrides           []InterruptSourceOverride
}

var table Entries

// SetEntries installs the parsed multiprocessor table. It is the boot shim's
// responsibility to call this once, before kernel/apic or kernel/smp consult
// any of the Visit* iterators or accessors below.
func SetEntries(e Entries) {
	table = e
}

// LocalControllerAddr returns the physical base address shared by every
// CPU's local APIC.
func LocalControllerAddr() uint32 {
	return table.LocalControllerAddr
}

// VisitLocalAPICs calls visitor once per discovered local APIC, in firmware
// table order (index 0 is always the bootstrap processor), stopping early if
// visitor returns false.
func VisitLocalAPICs(visitor func(index int, lapic *LocalAPIC) bool) {
	for i := range table.LocalAPICs {
		if !visitor(i, &table.LocalAPICs[i]) {
			return
		}
	}
}

// LocalAPICCount returns the number of discovered local APICs (i.e. logical
// CPUs) in the firmware table.
func LocalAPICCount() int {
	return len(table.LocalAPICs)
}

// VisitIOAPICs calls visitor once per discovered I/O APIC, stopping early if
// visitor returns false.
func VisitIOAPICs(visitor func(index int, ioapic *IOAPIC) bool) {
	for i := range table.IOAPICs {
		if !visitor(i, &table.IOAPICs[i]) {
			return
		}
	}
}

// IOAPICCount returns the number of discovered I/O APICs.
func IOAPICCount() int {
	return len(table.IOAPICs)
}

// IOAPICAt returns the I/O APIC at the given table index.
func IOAPICAt(index int) *IOAPIC {
	return &table.IOAPICs[index]
}

// NMISourceAt returns the NMI source at the given table index.
func NMISourceAt(index int) *NMISource {
	return &table.NMISources[index]
}

// VisitInterruptSourceOverrides calls visitor once per discovered ISO entry,
// stopping early if visitor returns false.
func VisitInterruptSourceOverrides(visitor func(iso *InterruptSourceOverride) bool) {
	for i := range table.Overrides {
		if !visitor(&table.Overrides[i]) {
			return
		}
	}
}
