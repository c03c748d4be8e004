package disasm

import (
	"testing"
)

func TestDecodeOne(t *testing.T) {
	// pop rdi ; ret
	inst, err := DecodeOne([]byte{0x5f, 0xc3}, 0x401000)
	if err != nil {
		t.Fatalf("DecodeOne: %v", err)
	}
	if inst.Mnemonic != "pop" {
		t.Errorf("Mnemonic = %q, want pop", inst.Mnemonic)
	}
	if inst.OpStr != "rdi" {
		t.Errorf("OpStr = %q, want rdi", inst.OpStr)
	}
	if inst.Len != 1 {
		t.Errorf("Len = %d, want 1", inst.Len)
	}
	if inst.Address != 0x401000 {
		t.Errorf("Address = %#x", inst.Address)
	}
}

func TestDecodeSequence(t *testing.T) {
	// pop rsi ; pop r15 ; ret
	code := []byte{0x5e, 0x41, 0x5f, 0xc3}
	insts := Decode(code, 0x401000)
	if len(insts) != 3 {
		t.Fatalf("got %d instructions, want 3", len(insts))
	}
	wantMnemonics := []string{"pop", "pop", "ret"}
	wantAddrs := []uint64{0x401000, 0x401001, 0x401003}
	for i, inst := range insts {
		if inst.Mnemonic != wantMnemonics[i] {
			t.Errorf("inst %d mnemonic = %q, want %q", i, inst.Mnemonic, wantMnemonics[i])
		}
		if inst.Address != wantAddrs[i] {
			t.Errorf("inst %d address = %#x, want %#x", i, inst.Address, wantAddrs[i])
		}
	}
}

func TestDecodeStopsOnGarbage(t *testing.T) {
	// ret followed by a lone REX prefix, which cannot decode.
	code := []byte{0xc3, 0x48}
	insts := Decode(code, 0x1000)
	if len(insts) != 1 {
		t.Fatalf("got %d instructions, want 1", len(insts))
	}
	if insts[0].Mnemonic != "ret" {
		t.Errorf("Mnemonic = %q", insts[0].Mnemonic)
	}
}

func TestIsCanaryLoad(t *testing.T) {
	// mov rax, qword ptr fs:[0x28]
	canary := []byte{0x64, 0x48, 0x8b, 0x04, 0x25, 0x28, 0x00, 0x00, 0x00}
	inst, err := DecodeOne(canary, 0x401234)
	if err != nil {
		t.Fatalf("DecodeOne: %v", err)
	}
	if !inst.IsCanaryLoad() {
		t.Errorf("IsCanaryLoad() = false for %s", inst)
	}

	// mov rax, qword ptr [rdi] is not a canary load.
	other, err := DecodeOne([]byte{0x48, 0x8b, 0x07}, 0x401234)
	if err != nil {
		t.Fatalf("DecodeOne: %v", err)
	}
	if other.IsCanaryLoad() {
		t.Errorf("IsCanaryLoad() = true for %s", other)
	}
}

func TestCallTarget(t *testing.T) {
	// call rel32 = -0x105 relative to the next instruction.
	code := []byte{0xe8, 0xfb, 0xfe, 0xff, 0xff}
	inst, err := DecodeOne(code, 0x401100)
	if err != nil {
		t.Fatalf("DecodeOne: %v", err)
	}
	target, ok := inst.CallTarget()
	if !ok {
		t.Fatal("CallTarget() not ok for direct call")
	}
	if target != 0x401000 {
		t.Errorf("target = %#x, want 0x401000", target)
	}

	// call rax has no static target.
	indirect, err := DecodeOne([]byte{0xff, 0xd0}, 0x401100)
	if err != nil {
		t.Fatalf("DecodeOne: %v", err)
	}
	if _, ok := indirect.CallTarget(); ok {
		t.Error("CallTarget() ok for indirect call")
	}
}
