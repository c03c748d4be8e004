package emu

import (
	"testing"

	"github.com/LJP-TW/CRAXplusplus/internal/engine"
)

func TestAlignHelpers(t *testing.T) {
	if got := alignDown(0x401234); got != 0x401000 {
		t.Fatalf("alignDown: got %#x", got)
	}
	if got := alignUp(0x401234); got != 0x402000 {
		t.Fatalf("alignUp: got %#x", got)
	}
	if got := alignUp(0x402000); got != 0x402000 {
		t.Fatalf("alignUp on aligned: got %#x", got)
	}
}

func TestRegisterMappingComplete(t *testing.T) {
	regs := []engine.Register{
		engine.RAX, engine.RBX, engine.RCX, engine.RDX,
		engine.RSI, engine.RDI, engine.RBP, engine.RSP,
		engine.R8, engine.R9, engine.R10, engine.R11,
		engine.R12, engine.R13, engine.R14, engine.R15,
		engine.RIP,
	}
	for _, r := range regs {
		if _, ok := ucRegs[r]; !ok {
			t.Errorf("no unicorn mapping for %s", r)
		}
	}
	seen := make(map[int]bool)
	for r, u := range ucRegs {
		if seen[u] {
			t.Errorf("duplicate unicorn constant for %s", r)
		}
		seen[u] = true
	}
}

func TestSyscallErrnoEncoding(t *testing.T) {
	v := enosys
	if int64(v) != -38 {
		t.Fatalf("enosys: got %d", int64(v))
	}
}
