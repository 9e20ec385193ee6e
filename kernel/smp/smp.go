// Package smp brings up the application processors (spec.md §4.5): it
// prepares CPU 0's per-CPU local and TSS, then walks the firmware's local
// APIC table, waking each remaining CPU through the INIT/Startup IPI
// handshake and installing its per-CPU state before it joins the scheduler.
package smp

import (
	"reflect"

	"github.com/kernelcore/corekernel/kernel"
	"github.com/kernelcore/corekernel/kernel/apic"
	"github.com/kernelcore/corekernel/kernel/cpu"
	"github.com/kernelcore/corekernel/kernel/hal/madt"
	"github.com/kernelcore/corekernel/kernel/kfmt/early"
	"github.com/kernelcore/corekernel/kernel/mem"
	"github.com/kernelcore/corekernel/kernel/mem/vmm"
)

// CPULocal holds the per-CPU state installed once during bring-up and never
// mutated afterwards except by the (out-of-scope) scheduler, which owns
// CurrentProcess/CurrentThread/CurrentTask.
type CPULocal struct {
	// CPUNumber is this CPU's dense logical index in [0, CPUCount()).
	CPUNumber int

	// LAPICID is the local APIC ID used to address this CPU with SendIPI.
	LAPICID uint8

	// KernelStackTop is the top of this CPU's private kernel stack.
	KernelStackTop uintptr

	// CurrentProcess, CurrentThread and CurrentTask are scheduler-owned
	// slots, sentinel-initialized to -1 (no task running yet).
	CurrentProcess int
	CurrentThread  int
	CurrentTask    int
}

// TSS mirrors the original source's tss_t: privileged and interrupt-stack-
// table stack pointers, 16-byte aligned. rsp0 and ist1 are the only entries
// this core populates; the remainder exist so the structure's layout
// matches what the architecture-specific assembly helpers that load it
// expect.
type TSS struct {
	_        uint32
	RSP0     uint64
	RSP1     uint64
	RSP2     uint64
	_        uint64
	IST1     uint64
	IST2     uint64
	IST3     uint64
	IST4     uint64
	IST5     uint64
	IST6     uint64
	IST7     uint64
	_        uint64
	IOPBBase uint32
}

// Local APIC ICR register offsets, matching kernel/apic's own unexported
// regICRLow/regICRHigh (duplicated here since startAP needs the raw
// low/high write pair for INIT/Startup delivery, not apic.SendIPI's
// normal-vector form).
const (
	regICRLow  = 0x300
	regICRHigh = 0x310
)

var (
	locals [mem.MaxCPUs]CPULocal
	tsses  [mem.MaxCPUs]TSS

	cpuCount = 1

	// stackTop tracks the highest unallocated address in the shared
	// kernel-reserved stack region; each started CPU claims CPUStackSize
	// bytes below the previous one, so stacks never overlap.
	stackTop = mem.KernelPhysOffset + 0xeffff0

	errCPULimitExceeded = &kernel.Error{Module: "smp", Message: "CPU limit exceeded"}
	errAPStartTimeout   = &kernel.Error{Module: "smp", Message: "AP failed to start"}
)

// prepareTrampolineFn, initCPU0LocalFn and checkAPFlagFn are the
// architecture-specific assembly helpers spec.md §4.5 calls out: preparing
// the real-mode trampoline an AP jumps through, installing CPU 0's local/TSS
// directly (no trampoline needed for the bootstrap processor), and polling
// the flag the trampoline sets once an AP has reached ap_kernel_entry. They
// are bodyless like every other kernel/cpu primitive and are overridden in
// tests.
var (
	prepareTrampolineFn = prepareTrampoline
	initCPU0LocalFn     = initCPU0Local
	checkAPFlagFn       = checkAPFlag
)

func prepareTrampoline(entry uintptr, pagemapRoot uintptr, stackTop uintptr, local *CPULocal, tss *TSS) uintptr

func initCPU0Local(local *CPULocal, tss *TSS)

func checkAPFlag() bool

// currentCPUIndexFn is a seam over cpu.CurrentCPUIndex so CurrentCPU is
// testable without a real per-CPU base installed.
var currentCPUIndexFn = cpu.CurrentCPUIndex

// rootPhysAddrFn is a seam over vmm.RootPhysAddr so InitSMP is testable
// without a real kernel address space having been built first.
var rootPhysAddrFn = vmm.RootPhysAddr

// apKernelEntry is where every AP lands after the trampoline hands off:
// it logs its identity, enables its own local APIC, enables interrupts and
// halts forever awaiting scheduler dispatch (spec.md §4.5 "AP kernel
// entry"). Its address, not a call to it, is what InitSMP hands to
// prepareTrampolineFn.
func apKernelEntry() {
	i := currentCPUIndexFn()
	early.Printf("smp: started up AP #%d\n", i)
	early.Printf("smp: kernel stack top: %x\n", locals[i].KernelStackTop)

	apic.Enable()
	cpu.EnableInterrupts()

	for {
		cpu.Halt()
	}
}

func apKernelEntryAddr() uintptr {
	return reflect.ValueOf(apKernelEntry).Pointer()
}

func setupCPULocal(cpuNumber int, lapicID uint8) {
	locals[cpuNumber] = CPULocal{
		CPUNumber:      cpuNumber,
		LAPICID:        lapicID,
		KernelStackTop: stackTop,
		CurrentProcess: -1,
		CurrentThread:  -1,
		CurrentTask:    -1,
	}

	tsses[cpuNumber] = TSS{
		RSP0: uint64(stackTop),
		IST1: uint64(stackTop),
	}
}

// startAP runs a single AP's INIT/Startup IPI handshake (spec.md §4.5): an
// INIT IPI followed by a 10ms wait, a Startup IPI followed by a 1ms wait and
// a flag poll, and if that poll fails a single retry of the Startup IPI with
// a 1s wait before giving up. The SIPI vector field holds the trampoline's
// page number (`0x4600 | trampoline_addr>>12`), so prepareTrampolineFn must
// return a page-aligned address below 1 MiB.
func startAP(targetAPICID uint8, cpuNumber int, entry uintptr, pagemapRoot uintptr) *kernel.Error {
	if cpuNumber >= mem.MaxCPUs {
		kernel.Panic(errCPULimitExceeded)
		return nil
	}

	setupCPULocal(cpuNumber, targetAPICID)

	trampoline := prepareTrampolineFn(entry, pagemapRoot, stackTop, &locals[cpuNumber], &tsses[cpuNumber])

	// INIT IPI: ICR high holds the target APIC ID, ICR low 0x4500 selects
	// the INIT delivery mode with no vector.
	apic.Write(regICRHigh, uint32(targetAPICID)<<24)
	apic.Write(regICRLow, 0x4500)
	sleepFn(10)

	sendStartupIPI := func() {
		apic.Write(regICRHigh, uint32(targetAPICID)<<24)
		apic.Write(regICRLow, 0x4600|uint32(trampoline>>12))
	}

	sendStartupIPI()
	sleepFn(1)

	if checkAPFlagFn() {
		stackTop -= mem.CPUStackSize
		return nil
	}

	sendStartupIPI()
	sleepFn(1000)

	if checkAPFlagFn() {
		stackTop -= mem.CPUStackSize
		return nil
	}

	return errAPStartTimeout
}

// sleepFn busy-waits (or, in tests, is overridden to a no-op) for the given
// number of milliseconds. The core has no timer driver of its own yet, so
// this seam exists purely to keep startAP's timing contract testable.
var sleepFn = func(ms int) {}

// InitSMP brings up every CPU the firmware's local APIC table describes:
// CPU 0 (the bootstrap processor, already running this code) is installed
// first, then each remaining entry is woken through startAP in firmware
// table order. A CPU that fails to start is logged and skipped; bring-up
// continues with the rest (spec.md §4.5, "AP-start timeout" edge case).
// Each AP jumps to apKernelEntry after trampoline hand-off, running on the
// shared kernel page table root vmm.RootPhysAddr reports.
func InitSMP() {
	setupCPULocal(0, 0)
	initCPU0LocalFn(&locals[0], &tsses[0])
	stackTop -= mem.CPUStackSize

	entry := apKernelEntryAddr()
	pagemapRoot := rootPhysAddrFn()

	madt.VisitLocalAPICs(func(index int, lapic *madt.LocalAPIC) bool {
		if index == 0 {
			// CPU 0 is the bootstrap processor; it is already running.
			return true
		}

		early.Printf("smp: starting up AP #%d\n", index)
		if err := startAP(lapic.ID, cpuCount, entry, pagemapRoot); err != nil {
			early.Printf("smp: failed to start AP #%d\n", index)
			return true
		}

		cpuCount++
		sleepFn(10)
		return true
	})

	early.Printf("smp: total CPU count: %d\n", cpuCount)
}

// CurrentCPU returns the per-CPU local for the CPU executing the call.
func CurrentCPU() *CPULocal {
	return &locals[currentCPUIndexFn()]
}

// CPUCount returns the number of successfully started CPUs.
func CPUCount() int {
	return cpuCount
}

// Local returns the per-CPU local for logical CPU index i.
func Local(i int) *CPULocal {
	return &locals[i]
}
