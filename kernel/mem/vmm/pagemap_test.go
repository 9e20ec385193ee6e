package vmm

import (
	"testing"
	"unsafe"

	"github.com/kernelcore/corekernel/kernel"
	"github.com/kernelcore/corekernel/kernel/mem"
	"github.com/kernelcore/corekernel/kernel/mem/pmm"
)

const entriesPerTable = int(mem.PageSize) / int(unsafe.Sizeof(uintptr(0)))

// fakeTables backs a small in-memory set of page tables addressed by an
// arbitrary pmm.Frame, so mapLocked/unmapLocked/remapLocked can be exercised
// without a real mem.MemPhysOffset direct map.
type fakeTables struct {
	byFrame map[pmm.Frame][]pageTableEntry
	next    pmm.Frame
}

func newFakeTables(rootFrame pmm.Frame) *fakeTables {
	ft := &fakeTables{byFrame: make(map[pmm.Frame][]pageTableEntry), next: rootFrame + 1}
	ft.byFrame[rootFrame] = make([]pageTableEntry, entriesPerTable)
	return ft
}

func (ft *fakeTables) entryAddr(tableFrame pmm.Frame, index uintptr) uintptr {
	tbl, ok := ft.byFrame[tableFrame]
	if !ok {
		panic("pagemap_test: reference to unknown table frame")
	}
	return uintptr(unsafe.Pointer(&tbl[index]))
}

func (ft *fakeTables) allocFrame() (pmm.Frame, *kernel.Error) {
	frame := ft.next
	ft.next++
	ft.byFrame[frame] = make([]pageTableEntry, entriesPerTable)
	return frame, nil
}

// testVirtAddr picks level indices {1, 2, 3, ...} so every level visited by
// a walk is distinct and easy to reason about regardless of how many levels
// the active backend defines.
func testVirtAddr() uintptr {
	var addr uintptr
	for level := 0; level < len(pageLevelShifts); level++ {
		addr |= uintptr(level+1) << pageLevelShifts[level]
	}
	return addr
}

func withPagemapSeams(t *testing.T, ft *fakeTables) func() {
	origEntryAddrFn := entryAddrFn
	origZeroFrameFn := zeroFrameFn
	origFlushTLBEntryFn := flushTLBEntryFn
	origSwitchPDTFn := switchPDTFn
	origFrameAllocator := frameAllocator

	entryAddrFn = func(tableFrame pmm.Frame, index uintptr) uintptr {
		return ft.entryAddr(tableFrame, index)
	}
	zeroFrameFn = func(pmm.Frame) {}
	frameAllocator = ft.allocFrame

	return func() {
		entryAddrFn = origEntryAddrFn
		zeroFrameFn = origZeroFrameFn
		flushTLBEntryFn = origFlushTLBEntryFn
		switchPDTFn = origSwitchPDTFn
		frameAllocator = origFrameAllocator
	}
}

func TestPagemapMapAllocatesIntermediateTables(t *testing.T) {
	const rootFrame = pmm.Frame(1)
	ft := newFakeTables(rootFrame)
	defer withPagemapSeams(t, ft)()

	flushCount := 0
	flushTLBEntryFn = func(uintptr) { flushCount++ }

	pm := NewPagemap(rootFrame)
	virtAddr := testVirtAddr()
	targetFrame := pmm.Frame(0xbeef)

	if err := pm.Map(virtAddr, targetFrame, FlagRW|FlagUser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lastLevel := len(pageLevelShifts) - 1
	tableFrame := rootFrame
	for level := 0; level <= lastLevel; level++ {
		tbl := ft.byFrame[tableFrame]
		pte := tbl[tableIndex(virtAddr, level)]

		if !pte.HasFlags(FlagPresent) {
			t.Fatalf("[level %d] expected FlagPresent to be set", level)
		}

		if level == lastLevel {
			if !pte.HasFlags(FlagRW | FlagUser) {
				t.Errorf("[level %d] expected requested flags to be set", level)
			}
			if got := pte.Frame(); got != targetFrame {
				t.Errorf("[level %d] expected frame %d; got %d", level, targetFrame, got)
			}
		} else {
			if !pte.HasFlags(FlagRW | FlagUser) {
				t.Errorf("[level %d] expected intermediate table to be RW+User", level)
			}
			tableFrame = pte.Frame()
		}
	}

	if exp := 1; flushCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d time(s); got %d", exp, flushCount)
	}
}

func TestPagemapMapHugePage(t *testing.T) {
	const rootFrame = pmm.Frame(1)
	ft := newFakeTables(rootFrame)
	defer withPagemapSeams(t, ft)()

	virtAddr := testVirtAddr()
	rootTbl := ft.byFrame[rootFrame]
	rootTbl[tableIndex(virtAddr, 0)].SetFlags(FlagPresent | FlagHugePage)

	pm := NewPagemap(rootFrame)
	if err := pm.Map(virtAddr, pmm.Frame(1), FlagRW); err != errNoHugePageSupport {
		t.Fatalf("expected errNoHugePageSupport; got %v", err)
	}
}

func TestPagemapMapAllocatorError(t *testing.T) {
	if len(pageLevelShifts) < 2 {
		t.Skip("backend has no intermediate page tables to allocate")
	}

	const rootFrame = pmm.Frame(1)
	ft := newFakeTables(rootFrame)
	defer withPagemapSeams(t, ft)()

	expErr := &kernel.Error{Module: "test", Message: "out of memory"}
	frameAllocator = func() (pmm.Frame, *kernel.Error) { return pmm.InvalidFrame, expErr }

	pm := NewPagemap(rootFrame)
	if err := pm.Map(testVirtAddr(), pmm.Frame(1), FlagRW); err != expErr {
		t.Fatalf("expected %v; got %v", expErr, err)
	}
}

func TestPagemapUnmap(t *testing.T) {
	const rootFrame = pmm.Frame(1)
	ft := newFakeTables(rootFrame)
	defer withPagemapSeams(t, ft)()

	flushCount := 0
	flushTLBEntryFn = func(uintptr) { flushCount++ }

	pm := NewPagemap(rootFrame)
	virtAddr := testVirtAddr()
	targetFrame := pmm.Frame(42)

	if err := pm.Map(virtAddr, targetFrame, FlagRW); err != nil {
		t.Fatalf("setup: unexpected error: %v", err)
	}
	flushCount = 0

	if err := pm.Unmap(virtAddr); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lastLevel := len(pageLevelShifts) - 1
	tableFrame := rootFrame
	for level := 0; level <= lastLevel; level++ {
		tbl := ft.byFrame[tableFrame]
		pte := tbl[tableIndex(virtAddr, level)]

		if level == lastLevel {
			if pte != 0 {
				t.Errorf("expected leaf entry to be fully zeroed; got %#x", uintptr(pte))
			}
		} else {
			if !pte.HasFlags(FlagPresent) {
				t.Errorf("[level %d] expected intermediate table to remain present", level)
			}
			tableFrame = pte.Frame()
		}
	}

	if exp := 1; flushCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d time(s); got %d", exp, flushCount)
	}
}

func TestPagemapUnmapNotMapped(t *testing.T) {
	const rootFrame = pmm.Frame(1)
	ft := newFakeTables(rootFrame)
	defer withPagemapSeams(t, ft)()

	pm := NewPagemap(rootFrame)
	if err := pm.Unmap(testVirtAddr()); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

func TestPagemapUnmapHugePage(t *testing.T) {
	const rootFrame = pmm.Frame(1)
	ft := newFakeTables(rootFrame)
	defer withPagemapSeams(t, ft)()

	virtAddr := testVirtAddr()
	rootTbl := ft.byFrame[rootFrame]
	rootTbl[tableIndex(virtAddr, 0)].SetFlags(FlagPresent | FlagHugePage)

	pm := NewPagemap(rootFrame)
	if err := pm.Unmap(virtAddr); err != errNoHugePageSupport {
		t.Fatalf("expected errNoHugePageSupport; got %v", err)
	}
}

func TestPagemapRemap(t *testing.T) {
	const rootFrame = pmm.Frame(1)
	ft := newFakeTables(rootFrame)
	defer withPagemapSeams(t, ft)()

	flushCount := 0
	flushTLBEntryFn = func(uintptr) { flushCount++ }

	pm := NewPagemap(rootFrame)
	virtAddr := testVirtAddr()
	targetFrame := pmm.Frame(7)

	if err := pm.Map(virtAddr, targetFrame, FlagRW); err != nil {
		t.Fatalf("setup: unexpected error: %v", err)
	}
	flushCount = 0

	if err := pm.Remap(virtAddr, FlagUser); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lastLevel := len(pageLevelShifts) - 1
	tableFrame := rootFrame
	for level := 0; level < lastLevel; level++ {
		tbl := ft.byFrame[tableFrame]
		tableFrame = tbl[tableIndex(virtAddr, level)].Frame()
	}
	leaf := ft.byFrame[tableFrame][tableIndex(virtAddr, lastLevel)]

	if !leaf.HasFlags(FlagPresent | FlagUser) {
		t.Errorf("expected leaf entry to carry the new flags")
	}
	if leaf.HasFlags(FlagRW) {
		t.Errorf("expected the old FlagRW to have been replaced")
	}
	if got := leaf.Frame(); got != targetFrame {
		t.Errorf("expected remap to preserve frame %d; got %d", targetFrame, got)
	}
	if exp := 1; flushCount != exp {
		t.Errorf("expected flushTLBEntry to be called %d time(s); got %d", exp, flushCount)
	}
}

func TestPagemapRemapNotMapped(t *testing.T) {
	const rootFrame = pmm.Frame(1)
	ft := newFakeTables(rootFrame)
	defer withPagemapSeams(t, ft)()

	pm := NewPagemap(rootFrame)
	if err := pm.Remap(testVirtAddr(), FlagUser); err != ErrInvalidMapping {
		t.Fatalf("expected ErrInvalidMapping; got %v", err)
	}
}

func TestPagemapActivate(t *testing.T) {
	const rootFrame = pmm.Frame(9)
	ft := newFakeTables(rootFrame)
	defer withPagemapSeams(t, ft)()

	var gotAddr uintptr
	switchPDTFn = func(addr uintptr) { gotAddr = addr }

	pm := NewPagemap(rootFrame)
	pm.Activate()

	if exp := rootFrame.Address(); gotAddr != exp {
		t.Errorf("expected Activate to switch to %x; got %x", exp, gotAddr)
	}
}
