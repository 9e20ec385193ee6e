package apic

import (
	"testing"

	"github.com/kernelcore/corekernel/kernel/hal/madt"
)

// withIOAPICRegs substitutes ioapicReadFn/ioapicWriteFn with a per-register
// map, since a real I/O APIC holds independently-addressable registers
// behind its index/data pair — a distinction a flat memory buffer can't
// reproduce — and registers gsiBase/maxRedirects as a single I/O APIC entry
// in the firmware table. Every seam is restored on cleanup.
func withIOAPICRegs(t *testing.T, gsiBase uint32, maxRedirects uint32) {
	t.Helper()

	regs := map[uint32]uint32{1: maxRedirects << 16}

	origRead, origWrite := ioapicReadFn, ioapicWriteFn
	ioapicReadFn = func(base uintptr, reg uint32) uint32 { return regs[reg] }
	ioapicWriteFn = func(base uintptr, reg uint32, val uint32) { regs[reg] = val }
	t.Cleanup(func() {
		ioapicReadFn = origRead
		ioapicWriteFn = origWrite
	})

	madt.SetEntries(madt.Entries{IOAPICs: []madt.IOAPIC{{ID: 0, Addr: 0xfec00000, GSIBase: gsiBase}}})
	t.Cleanup(func() { madt.SetEntries(madt.Entries{}) })
}

func TestReadWriteIndexed(t *testing.T) {
	withIOAPICRegs(t, 0, 0)

	WriteIndexed(0, 3, 0xcafe)
	if exp := uint32(0xcafe); ReadIndexed(0, 3) != exp {
		t.Errorf("expected register 3 to read back %x; got %x", exp, ReadIndexed(0, 3))
	}
}

func TestMaxRedirects(t *testing.T) {
	withIOAPICRegs(t, 0, 23)

	if exp := uint32(23); MaxRedirects(0) != exp {
		t.Errorf("expected max redirects %d; got %d", exp, MaxRedirects(0))
	}
}

func TestFromGSI(t *testing.T) {
	withIOAPICRegs(t, 16, 24)

	if index, ok := FromGSI(20); !ok || index != 0 {
		t.Errorf("expected GSI 20 to resolve to I/O APIC 0; got index=%d ok=%v", index, ok)
	}
	if _, ok := FromGSI(100); ok {
		t.Error("expected GSI 100 to resolve to no I/O APIC")
	}
}

func TestSetRedirect(t *testing.T) {
	withIOAPICRegs(t, 0, 23)

	if err := SetRedirect(0x30, 2, 0xa, 9, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	low := ReadIndexed(0, 16+2*2)
	high := ReadIndexed(0, 16+2*2+1)

	if low&0xff != 0x30 {
		t.Errorf("expected vector 0x30 in low dword; got %x", low)
	}
	if low&(1<<13) == 0 {
		t.Error("expected active-low bit set")
	}
	if low&(1<<15) == 0 {
		t.Error("expected level-triggered bit set")
	}
	if low&(1<<16) != 0 {
		t.Error("expected masked bit clear when enabled")
	}
	if high != uint32(9)<<24 {
		t.Errorf("expected target APIC ID 9 in high dword bits [31:24]; got %x", high)
	}
}

func TestSetRedirectDisabled(t *testing.T) {
	withIOAPICRegs(t, 0, 23)

	if err := SetRedirect(0x30, 2, 0, 9, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	low := ReadIndexed(0, 16+2*2)
	if low&(1<<16) == 0 {
		t.Error("expected masked bit set when disabled")
	}
}

func TestSetRedirectUnknownGSI(t *testing.T) {
	defer madt.SetEntries(madt.Entries{})
	madt.SetEntries(madt.Entries{})

	if err := SetRedirect(0x30, 2, 0, 9, true); err != errGSINotFound {
		t.Errorf("expected errGSINotFound; got %v", err)
	}
}

func TestSetUpLegacyIRQWithOverride(t *testing.T) {
	withIOAPICRegs(t, 0, 23)
	madt.SetEntries(madt.Entries{
		IOAPICs:   []madt.IOAPIC{{ID: 0, Addr: 0xfec00000, GSIBase: 0}},
		Overrides: []madt.InterruptSourceOverride{{IRQSource: 9, GSI: 9, Flags: 0xa}},
	})

	if err := SetUpLegacyIRQ(1, 9, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	low := ReadIndexed(0, 16+9*2)
	if low&0xff != 9+0x20 {
		t.Errorf("expected vector %d; got %x", 9+0x20, low&0xff)
	}
	if low&(1<<13) == 0 || low&(1<<15) == 0 {
		t.Error("expected override flags to be honored")
	}
}

func TestSetUpLegacyIRQWithoutOverride(t *testing.T) {
	withIOAPICRegs(t, 0, 23)

	if err := SetUpLegacyIRQ(1, 3, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	low := ReadIndexed(0, 16+3*2)
	if low&0xff != 3+0x20 {
		t.Errorf("expected vector %d; got %x", 3+0x20, low&0xff)
	}
}
