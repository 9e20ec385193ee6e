package apic

import (
	"unsafe"

	"testing"

	"github.com/kernelcore/corekernel/kernel/driver/video/console"
	"github.com/kernelcore/corekernel/kernel/hal"
	"github.com/kernelcore/corekernel/kernel/hal/madt"
)

// mockTTY attaches a scratch EGA console to hal.ActiveTerminal so that
// early.Printf calls triggered by IsSupported/Enable do not panic on a nil
// terminal.
func mockTTY() {
	mockConsoleFb := make([]byte, 160*25)
	mockConsole := &console.Ega{}
	mockConsole.Init(80, 25, uintptr(unsafe.Pointer(&mockConsoleFb[0])))
	hal.ActiveTerminal.AttachTo(mockConsole)
}

// withLAPICRegs points lapicBaseFn at a plain buffer sized to cover every
// register offset apic.go uses, and restores the original seams on cleanup.
func withLAPICRegs(t *testing.T) []uint32 {
	t.Helper()
	mockTTY()

	regs := make([]uint32, 0x400)
	origBase, origBarrier := lapicBaseFn, memoryBarrierFn
	lapicBaseFn = func() uintptr { return uintptr(unsafe.Pointer(&regs[0])) }
	memoryBarrierFn = func() {}
	t.Cleanup(func() {
		lapicBaseFn = origBase
		memoryBarrierFn = origBarrier
	})
	return regs
}

func regIndex(byteOffset uint32) uint32 {
	return byteOffset / 4
}

func TestIsSupported(t *testing.T) {
	mockTTY()
	defer func(orig func(uint32, uint32) (uint32, uint32, uint32, uint32)) { cpuidFn = orig }(cpuidFn)

	cpuidFn = func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
		return 0, 0, 0, apicSupportedCPUIDBit
	}
	if !IsSupported() {
		t.Error("expected IsSupported to return true")
	}

	cpuidFn = func(leaf, subleaf uint32) (uint32, uint32, uint32, uint32) {
		return 0, 0, 0, 0
	}
	if IsSupported() {
		t.Error("expected IsSupported to return false")
	}
}

func TestReadWrite(t *testing.T) {
	regs := withLAPICRegs(t)

	Write(regEOI, 0xdeadbeef)
	if exp := uint32(0xdeadbeef); regs[regIndex(regEOI)] != exp {
		t.Errorf("expected register value %x; got %x", exp, regs[regIndex(regEOI)])
	}
	if exp := uint32(0xdeadbeef); Read(regEOI) != exp {
		t.Errorf("expected Read to return %x; got %x", exp, Read(regEOI))
	}
}

func TestEnable(t *testing.T) {
	regs := withLAPICRegs(t)

	Enable()
	if regs[regIndex(regSpuriousVector)]&0x1ff != 0x1ff {
		t.Errorf("expected spurious vector register to have 0x1ff bits set; got %x", regs[regIndex(regSpuriousVector)])
	}
}

func TestEOI(t *testing.T) {
	regs := withLAPICRegs(t)
	regs[regIndex(regEOI)] = 0xff

	EOI()
	if regs[regIndex(regEOI)] != 0 {
		t.Errorf("expected EOI register to be cleared; got %x", regs[regIndex(regEOI)])
	}
}

func TestSetNMI(t *testing.T) {
	regs := withLAPICRegs(t)

	SetNMI(2, 0xa, 1)
	got := regs[regIndex(regLINT1)]
	if got&0xff != 2 {
		t.Errorf("expected vector 2 in LINT1; got %x", got)
	}
	if got&(1<<13) == 0 {
		t.Error("expected active-low bit set in LINT1")
	}
	if got&(1<<15) == 0 {
		t.Error("expected level-triggered bit set in LINT1")
	}

	SetNMI(3, 0, 0)
	if regs[regIndex(regLINT0)]&0xff != 3 {
		t.Errorf("expected vector 3 in LINT0; got %x", regs[regIndex(regLINT0)])
	}
}

func TestInstallNMI(t *testing.T) {
	regs := withLAPICRegs(t)
	defer func() { madt.SetEntries(madt.Entries{}) }()

	madt.SetEntries(madt.Entries{NMISources: []madt.NMISource{{Flags: 0x2, Lint: 1}}})

	InstallNMI(5, 0)
	if regs[regIndex(regLINT1)]&0xff != 5 {
		t.Errorf("expected vector 5 in LINT1; got %x", regs[regIndex(regLINT1)])
	}
}

func TestSendIPI(t *testing.T) {
	regs := withLAPICRegs(t)

	SendIPI(7, 0x30)
	if exp := uint32(7) << 24; regs[regIndex(regICRHigh)] != exp {
		t.Errorf("expected ICR high to contain target APIC ID 7; got %x", regs[regIndex(regICRHigh)])
	}
	if exp := uint32(0x30); regs[regIndex(regICRLow)] != exp {
		t.Errorf("expected ICR low to contain vector 0x30; got %x", regs[regIndex(regICRLow)])
	}
}
