package iostates

import (
	"encoding/binary"
	"testing"

	craxelf "github.com/LJP-TW/CRAXplusplus/internal/elf"
	"github.com/LJP-TW/CRAXplusplus/internal/engine"
	"github.com/LJP-TW/CRAXplusplus/internal/memory"
)

const (
	testCanary = uint64(0x1122334455667700)
	bufAddr    = uint64(0x7ffff100)
)

func testELF(canary, pie bool) *craxelf.ELF {
	image := craxelf.NewFromParts("target", nil,
		map[string]uint64{
			"main":             0x401130,
			"__stack_chk_fail": 0x401040,
		}, nil, nil, 0x404060)
	image.Checksec.HasCanary = canary
	image.Checksec.HasPIE = pie
	return image
}

func testSetup(t *testing.T, canary bool) (*IOStates, *engine.Executor, *engine.LocalState) {
	t.Helper()
	exec := engine.NewExecutor()
	m, err := New(exec, testELF(canary, false), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s := exec.NewState()
	s.MapRegion(engine.Region{Start: 0x400000, End: 0x405000, R: true, X: true, Module: memory.LabelTarget})
	s.MapRegion(engine.Region{Start: 0x7ffff000, End: 0x7ffff000 + 0x2000, R: true, W: true, Module: memory.LabelStack})
	return m, exec, s
}

func writeWord(t *testing.T, s *engine.LocalState, addr, v uint64) {
	t.Helper()
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	if err := s.MemWrite(addr, b[:]); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
}

func TestScheduleRoundTrip(t *testing.T) {
	list, err := ParseStateInfoList("i10,o1,o,i64")
	if err != nil {
		t.Fatalf("ParseStateInfoList: %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("got %d entries, want 4", len(list))
	}
	if in, ok := list[0].(InputStateInfo); !ok || in.Offset != 10 {
		t.Errorf("entry 0 = %+v", list[0])
	}
	if out, ok := list[1].(OutputStateInfo); !ok || !out.Interesting || out.BufIndex != 1 {
		t.Errorf("entry 1 = %+v", list[1])
	}
	if out, ok := list[2].(OutputStateInfo); !ok || out.Interesting {
		t.Errorf("entry 2 = %+v", list[2])
	}

	st := NewState()
	st.StateInfoList = list
	if got := st.String(); got != "i10,o1,o,i64" {
		t.Errorf("String() = %q", got)
	}
}

func TestParseStateInfoListRejectsGarbage(t *testing.T) {
	if _, err := ParseStateInfoList("i10,x3"); err == nil {
		t.Error("expected error for unknown entry kind")
	}
	if _, err := ParseStateInfoList("i"); err == nil {
		t.Error("expected error for input without offset")
	}
}

func TestAnalyzeLeak(t *testing.T) {
	m, _, s := testSetup(t, true)
	m.canary = testCanary

	writeWord(t, s, bufAddr, 0x4141414141414141) // junk
	writeWord(t, s, bufAddr+8, testCanary)
	writeWord(t, s, bufAddr+16, 0x401234)   // code pointer
	writeWord(t, s, bufAddr+24, 0x7ffff800) // stack pointer

	bufInfo := m.analyzeLeak(s, bufAddr, 32)
	if len(bufInfo[LeakCanary]) != 1 || bufInfo[LeakCanary][0] != 8 {
		t.Errorf("canary offsets = %v", bufInfo[LeakCanary])
	}
	if len(bufInfo[LeakCode]) != 1 || bufInfo[LeakCode][0] != 16 {
		t.Errorf("code offsets = %v", bufInfo[LeakCode])
	}
	if len(bufInfo[LeakStack]) != 1 || bufInfo[LeakStack][0] != 24 {
		t.Errorf("stack offsets = %v", bufInfo[LeakStack])
	}
}

func TestDetectLeak(t *testing.T) {
	m, _, s := testSetup(t, true)
	m.canary = testCanary

	// The canary reaches stdout with its low byte clobbered.
	writeWord(t, s, bufAddr, testCanary|0x41)
	writeWord(t, s, bufAddr+8, 0x401234)

	leaks := m.detectLeak(s, bufAddr, 16)
	if len(leaks) != 2 {
		t.Fatalf("got %d leaks, want 2", len(leaks))
	}
	if leaks[0].LeakType != LeakCanary || leaks[0].BufIndex != 1 {
		t.Errorf("leak 0 = %+v", leaks[0])
	}
	if leaks[1].LeakType != LeakCode || leaks[1].BufIndex != 8 {
		t.Errorf("leak 1 = %+v", leaks[1])
	}
	if leaks[1].BaseOffset != 0x1234 {
		t.Errorf("leak 1 base offset = %#x, want 0x1234", leaks[1].BaseOffset)
	}

	// Scanning has no side effects; a second pass sees the same leaks.
	again := m.detectLeak(s, bufAddr, 16)
	if len(again) != 2 || again[0] != leaks[0] || again[1] != leaks[1] {
		t.Error("detectLeak is not repeatable")
	}
}

func TestInputTopHalfForksPerCanaryOffset(t *testing.T) {
	m, exec, s := testSetup(t, true)
	m.canary = testCanary
	writeWord(t, s, bufAddr+24, testCanary)

	ctx := &engine.SyscallCtx{NR: engine.SysRead, Args: [6]uint64{0, bufAddr, 64}}
	m.inputStateHookTopHalf(s, ctx)

	states := exec.States()
	if len(states) != 2 {
		t.Fatalf("got %d states, want parent plus one fork", len(states))
	}
	var forked engine.State
	for _, st := range states {
		if st.ID() != s.ID() {
			forked = st
		}
	}
	if forked == nil {
		t.Fatal("no forked state")
	}
	// Canary leaks overwrite the NUL byte, so the hijacked length is the
	// canary offset plus one.
	if got := forked.RegRead(engine.RDX); got != 25 {
		t.Errorf("forked RDX = %d, want 25", got)
	}
	if got := m.StateOf(forked).LeakableOffset; got != 25 {
		t.Errorf("forked LeakableOffset = %d, want 25", got)
	}
	// The parent keeps exploring unhijacked.
	if got := m.StateOf(s).LeakableOffset; got != 0 {
		t.Errorf("parent LeakableOffset = %d, want 0", got)
	}
}

func TestInputBottomHalfRecordsTimeline(t *testing.T) {
	m, _, s := testSetup(t, true)

	ctx := &engine.SyscallCtx{NR: engine.SysRead, Args: [6]uint64{0, bufAddr, 64}}
	m.inputStateHookBottomHalf(s, ctx)

	modState := m.StateOf(s)
	if len(modState.StateInfoList) != 1 {
		t.Fatalf("timeline length = %d", len(modState.StateInfoList))
	}
	if in := modState.StateInfoList[0].(InputStateInfo); in.Offset != 64 {
		t.Errorf("Offset = %d, want read length 64", in.Offset)
	}
	if modState.LastInputStateInfoIdx != 0 {
		t.Errorf("LastInputStateInfoIdx = %d", modState.LastInputStateInfoIdx)
	}

	// A pending leakable offset wins over the raw read length.
	modState.LeakableOffset = 25
	m.inputStateHookBottomHalf(s, ctx)
	if in := modState.StateInfoList[1].(InputStateInfo); in.Offset != 25 {
		t.Errorf("Offset = %d, want leakable offset 25", in.Offset)
	}
	if modState.LeakableOffset != 0 {
		t.Error("LeakableOffset not cleared")
	}
	if modState.LastInputStateInfoIdx != 1 {
		t.Errorf("LastInputStateInfoIdx = %d, want 1", modState.LastInputStateInfoIdx)
	}
}

func TestOutputHookAdvancesLeakTarget(t *testing.T) {
	m, _, s := testSetup(t, true)
	m.canary = testCanary
	writeWord(t, s, bufAddr, testCanary|0xff)

	ctx := &engine.SyscallCtx{NR: engine.SysWrite, Args: [6]uint64{1, bufAddr, 8}}
	m.outputStateHook(s, ctx)

	modState := m.StateOf(s)
	if modState.CurrentLeakTargetIdx != 1 {
		t.Errorf("CurrentLeakTargetIdx = %d, want 1", modState.CurrentLeakTargetIdx)
	}
	out := modState.StateInfoList[0].(OutputStateInfo)
	if !out.Interesting || out.LeakType != LeakCanary || out.BufIndex != 1 {
		t.Errorf("output entry = %+v", out)
	}

	// A boring write records a non-interesting entry and advances nothing.
	boring := &engine.SyscallCtx{NR: engine.SysWrite, Args: [6]uint64{1, bufAddr + 0x800, 8}}
	m.outputStateHook(s, boring)
	if modState.CurrentLeakTargetIdx != 1 {
		t.Errorf("CurrentLeakTargetIdx advanced on a boring write")
	}
	if out := modState.StateInfoList[1].(OutputStateInfo); out.Interesting {
		t.Errorf("boring entry = %+v", out)
	}
}

func TestSleepHook(t *testing.T) {
	m, _, s := testSetup(t, true)

	// struct __kernel_timespec { tv_sec = 5, tv_nsec = 0 }
	var ts [16]byte
	binary.LittleEndian.PutUint64(ts[:8], 5)
	if err := s.MemWrite(bufAddr, ts[:]); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}

	ctx := &engine.SyscallCtx{NR: engine.SysNanosleep, Args: [6]uint64{bufAddr}}
	m.sleepStateHook(s, ctx)

	modState := m.StateOf(s)
	if sl := modState.StateInfoList[0].(SleepStateInfo); sl.Sec != 5 {
		t.Errorf("Sec = %d, want 5", sl.Sec)
	}
}

func TestStackChkFailTerminatesState(t *testing.T) {
	m, _, s := testSetup(t, true)

	m.onStackChkFailed(s, 0x401000)
	if dead, _ := s.Terminated(); dead {
		t.Fatal("state killed at an unrelated pc")
	}

	m.onStackChkFailed(s, 0x401040)
	if dead, _ := s.Terminated(); !dead {
		t.Fatal("state not killed at __stack_chk_fail")
	}
}

func TestForkDecideOnlyAtCanaryCheck(t *testing.T) {
	m, _, s := testSetup(t, true)

	// je +5 ; call __stack_chk_fail. The call sits at 0x40128b, so the
	// displacement is 0x401040 - 0x401290 = -0x250.
	je := []byte{0x74, 0x05}
	call := []byte{0xe8, 0xb0, 0xfd, 0xff, 0xff}
	if err := s.MemWrite(0x401289, append(je, call...)); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	if !m.onStateForkDecide(s, 0x401289) {
		t.Error("fork denied at the canary check branch")
	}

	// A branch not followed by the call site is vetoed.
	if err := s.MemWrite(0x401300, []byte{0x74, 0x05, 0x90, 0x90, 0x90, 0x90, 0x90}); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	if m.onStateForkDecide(s, 0x401300) {
		t.Error("fork allowed away from the canary check")
	}
}

func TestBeforeExploitGeneration(t *testing.T) {
	m, _, s := testSetup(t, true)
	modState := m.StateOf(s)
	modState.StateInfoList = []StateInfo{
		InputStateInfo{Offset: 16},
		OutputStateInfo{},
		InputStateInfo{Offset: 64},
		OutputStateInfo{Interesting: true, BufIndex: 1},
	}

	m.beforeExploitGeneration(s)
	if got := modState.LastInputStateInfoIdxBeforeFirstSymbolicRip; got != 2 {
		t.Errorf("LastInputStateInfoIdxBeforeFirstSymbolicRip = %d, want 2", got)
	}

	// Already resolved values stick.
	modState.StateInfoList = append(modState.StateInfoList, InputStateInfo{Offset: 8})
	m.beforeExploitGeneration(s)
	if got := modState.LastInputStateInfoIdxBeforeFirstSymbolicRip; got != 2 {
		t.Errorf("resolved index moved to %d", got)
	}
}

func TestLeakTargetsFromChecksec(t *testing.T) {
	exec := engine.NewExecutor()
	m, err := New(exec, testELF(true, true), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	targets := m.LeakTargets()
	if len(targets) != 2 || targets[0] != LeakCanary || targets[1] != LeakCode {
		t.Errorf("LeakTargets() = %v", targets)
	}

	m2, err := New(engine.NewExecutor(), testELF(false, false), Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(m2.LeakTargets()) != 0 {
		t.Errorf("LeakTargets() = %v for an unhardened target", m2.LeakTargets())
	}
}
