// Package kmain hosts the kernel's boot sequence. It lives outside package
// kernel (which only defines Error/Panic, the leaf error-handling primitives
// every other package depends on) because the boot sequence itself needs to
// import kernel/mem/pmm/allocator, kernel/mem/vmm, kernel/apic and
// kernel/smp, all of which import kernel for kernel.Error — importing them
// from package kernel itself would be a cycle.
package kmain

import (
	_ "unsafe" // required for go:linkname

	"github.com/kernelcore/corekernel/kernel"
	"github.com/kernelcore/corekernel/kernel/apic"
	_ "github.com/kernelcore/corekernel/kernel/goruntime" // wires the Go allocator to the VMM
	"github.com/kernelcore/corekernel/kernel/hal"
	"github.com/kernelcore/corekernel/kernel/hal/multiboot"
	"github.com/kernelcore/corekernel/kernel/kfmt/early"
	"github.com/kernelcore/corekernel/kernel/mem/pmm/allocator"
	"github.com/kernelcore/corekernel/kernel/mem/vmm"
	"github.com/kernelcore/corekernel/kernel/smp"
)

var errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

// Kmain is the kernel's boot sequence. It is called by main (boot.go), which
// the rt0 assembly code invokes after setting up the GDT and a minimal g0
// struct that allows Go code using the 4K stack allocated by the assembly
// code.
//
// multibootInfoPtr is the address of the multiboot info payload provided by
// the bootloader.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	// Initialize and clear the terminal
	hal.InitTerminal()
	hal.ActiveTerminal.Clear()
	early.Printf("Starting corekernel\n")

	var err *kernel.Error
	if err = allocator.Init(); err != nil {
		kernel.Panic(err)
	} else if err = vmm.Init(allocator.AllocFrame); err != nil {
		kernel.Panic(err)
	}

	// PMM+VMM are up, so goruntime's redirected sysReserve/sysMap/sysAlloc
	// can now satisfy allocation requests from the Go runtime itself; and
	// boot-time frame allocation no longer needs the slow strategy's
	// from-the-start scan.
	allocator.ChangeAllocationMethod()

	if apic.IsSupported() {
		apic.Enable()
		smp.InitSMP()
	}

	// Use Panic instead of panic to prevent the compiler from treating
	// Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
