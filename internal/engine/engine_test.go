package engine

import (
	"bytes"
	"testing"

	"github.com/LJP-TW/CRAXplusplus/internal/expr"
)

func newTestState(t *testing.T) *LocalState {
	t.Helper()
	s := NewLocalState(0)
	s.MapRegion(Region{Start: 0x7ffff000, End: 0x7ffff000 + 0x2000, R: true, W: true, Module: "[stack]"})
	return s
}

func TestMemReadWrite(t *testing.T) {
	s := newTestState(t)
	if err := s.MemWrite(0x7ffff100, []byte{1, 2, 3}); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	b, err := s.MemRead(0x7ffff100, 3)
	if err != nil {
		t.Fatalf("MemRead: %v", err)
	}
	if !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Errorf("MemRead = %v", b)
	}
	if _, err := s.MemRead(0x1000, 1); err == nil {
		t.Error("expected fault reading unmapped memory")
	}
}

func TestSymbolicMarking(t *testing.T) {
	s := newTestState(t)
	s.MarkSymbolic(0x7ffff200, 8)
	if !s.IsSymbolic(0x7ffff200, 8) {
		t.Error("IsSymbolic = false after MarkSymbolic")
	}
	if s.IsSymbolic(0x7ffff208, 8) {
		t.Error("IsSymbolic = true past marked range")
	}
	// A concrete write clears the marking.
	if err := s.MemWrite(0x7ffff200, make([]byte, 8)); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	if s.IsSymbolic(0x7ffff200, 8) {
		t.Error("IsSymbolic = true after concrete overwrite")
	}
}

func TestConstrainRegisterConcrete(t *testing.T) {
	s := newTestState(t)
	s.RegWrite(RDX, 59)
	if !s.ConstrainRegister(RDX, 59) {
		t.Error("constraining a matching concrete register failed")
	}
	if s.ConstrainRegister(RDX, 1) {
		t.Error("constraining a mismatched concrete register succeeded")
	}
}

func TestConstrainSymbolicRegisterSolvesInput(t *testing.T) {
	s := newTestState(t)
	// 64 input bytes at the buffer; the saved return address slot sits at
	// offset 40 of the window.
	s.RecordInput(0x7ffff400, 0, 64)
	if err := s.MemWrite(0x7ffff400, bytes.Repeat([]byte{'A'}, 64)); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	s.MarkSymbolic(0x7ffff400, 64)

	retSlot := uint64(0x7ffff400 + 40)
	s.MarkRegSymbolic(RIP, expr.NewConstant(0), retSlot)
	if !s.ConstrainRegister(RIP, 0x401060) {
		t.Fatal("ConstrainRegister(RIP) failed")
	}

	in, err := s.SolveInput()
	if err != nil {
		t.Fatalf("SolveInput: %v", err)
	}
	if len(in) != 64 {
		t.Fatalf("len(SolveInput) = %d", len(in))
	}
	want := []byte{0x60, 0x10, 0x40, 0, 0, 0, 0, 0}
	if !bytes.Equal(in[40:48], want) {
		t.Errorf("bytes at ret slot = %x, want %x", in[40:48], want)
	}
	if in[0] != 'A' || in[39] != 'A' {
		t.Error("unconstrained input bytes lost their backing value")
	}
}

func TestConstrainMemoryConflict(t *testing.T) {
	s := newTestState(t)
	s.MarkSymbolic(0x7ffff500, 8)
	if !s.ConstrainMemory(0x7ffff500, 0x1234) {
		t.Fatal("first constraint failed")
	}
	if s.ConstrainMemory(0x7ffff500, 0x5678) {
		t.Error("conflicting constraint on the same word succeeded")
	}
	if !s.ConstrainMemory(0x7ffff500, 0x1234) {
		t.Error("re-asserting an identical constraint failed")
	}
}

func TestForkIndependence(t *testing.T) {
	ex := NewExecutor()
	parent := ex.NewState()
	parent.MapRegion(Region{Start: 0x1000, End: 0x2000, R: true, W: true})
	if err := parent.MemWrite(0x1000, []byte{0xaa}); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	parent.RegWrite(RDI, 7)

	child, err := ex.Fork(parent)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if child.ID() == parent.ID() {
		t.Fatal("child shares the parent's ID")
	}
	if child.RegRead(RDI) != 7 {
		t.Error("child did not inherit register values")
	}

	// Mutating the child must not affect the parent.
	if err := child.MemWrite(0x1000, []byte{0xbb}); err != nil {
		t.Fatalf("MemWrite: %v", err)
	}
	child.RegWrite(RDI, 8)
	b, _ := parent.MemRead(0x1000, 1)
	if b[0] != 0xaa {
		t.Error("child write leaked into parent memory")
	}
	if parent.RegRead(RDI) != 7 {
		t.Error("child register write leaked into parent")
	}
}

func TestForkDeadState(t *testing.T) {
	ex := NewExecutor()
	s := ex.NewState()
	ex.Kill(s, "test")
	if _, err := ex.Fork(s); err == nil {
		t.Error("forking a dead state succeeded")
	}
}

func TestForkVeto(t *testing.T) {
	ex := NewExecutor()
	s := ex.NewState()
	if !ex.ForkAllowed(s, 0x401000) {
		t.Error("fork denied with no deciders")
	}
	ex.OnForkDecide(func(State, uint64) bool { return true })
	ex.OnForkDecide(func(_ State, pc uint64) bool { return pc == 0x401234 })
	if ex.ForkAllowed(s, 0x401000) {
		t.Error("fork allowed despite a veto")
	}
	if !ex.ForkAllowed(s, 0x401234) {
		t.Error("fork denied at the exempted pc")
	}
}

func TestHooksSkipDeadState(t *testing.T) {
	ex := NewExecutor()
	s := ex.NewState()
	calls := 0
	ex.OnBeforeSyscall(func(st State, ctx *SyscallCtx) {
		calls++
		st.Terminate("first hook kills the state")
	})
	ex.OnBeforeSyscall(func(State, *SyscallCtx) { calls++ })
	ex.BeforeSyscall(s, &SyscallCtx{NR: SysRead})
	if calls != 1 {
		t.Errorf("hooks ran %d times on a dying state, want 1", calls)
	}
}

type countState struct{ n int }

func (c *countState) Clone() ModuleState { return &countState{n: c.n} }

func TestArenaClone(t *testing.T) {
	a := NewArena()
	ms := a.Get(0, "iostates", func() ModuleState { return &countState{} })
	ms.(*countState).n = 3

	a.CloneFor(0, 1)
	got, ok := a.Lookup(1, "iostates")
	if !ok {
		t.Fatal("child slot missing after CloneFor")
	}
	if got.(*countState).n != 3 {
		t.Errorf("clone n = %d, want 3", got.(*countState).n)
	}

	// Deep copy: mutating the clone leaves the parent alone.
	got.(*countState).n = 9
	if ms.(*countState).n != 3 {
		t.Error("clone shares parent storage")
	}

	a.Destroy(1)
	if _, ok := a.Lookup(1, "iostates"); ok {
		t.Error("slot survives Destroy")
	}
}

func TestParseRegister(t *testing.T) {
	r, ok := ParseRegister("rdi")
	if !ok || r != RDI {
		t.Errorf("ParseRegister(rdi) = %v, %v", r, ok)
	}
	if _, ok := ParseRegister("xmm0"); ok {
		t.Error("ParseRegister(xmm0) succeeded")
	}
	if RIP.String() != "rip" {
		t.Errorf("RIP.String() = %q", RIP.String())
	}
}
