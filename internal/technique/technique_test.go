package technique

import (
	"bytes"
	"debug/elf"
	"testing"

	"github.com/LJP-TW/CRAXplusplus/internal/expr"

	craxelf "github.com/LJP-TW/CRAXplusplus/internal/elf"
)

// csuTail is the tail of a glibc 2.27 __libc_csu_init: the call loop
// followed by the pop run.
//
//	0x00  mov rdx, r13
//	0x03  mov rsi, r14
//	0x06  mov edi, r15d
//	0x09  call qword ptr [r12 + rbx*8]
//	0x0d  add rbx, 1
//	0x11  cmp rbp, rbx
//	0x14  jne 0x00
//	0x16  add rsp, 8
//	0x1a  pop rbx
//	0x1b  pop rbp
//	0x1c  pop r12
//	0x1e  pop r13
//	0x20  pop r14
//	0x22  pop r15
//	0x24  ret
var csuTail = []byte{
	0x4c, 0x89, 0xea,
	0x4c, 0x89, 0xf6,
	0x44, 0x89, 0xff,
	0x41, 0xff, 0x14, 0xdc,
	0x48, 0x83, 0xc3, 0x01,
	0x48, 0x39, 0xdd,
	0x75, 0xea,
	0x48, 0x83, 0xc4, 0x08,
	0x5b,
	0x5d,
	0x41, 0x5c,
	0x41, 0x5d,
	0x41, 0x5e,
	0x41, 0x5f,
	0xc3,
}

const (
	csuAddr  = uint64(0x401100)
	finiPtr  = uint64(0x403e18) // where p64(_fini) lives
	syscallG = uint64(0x401000)
	popRdiG  = uint64(0x401003)
)

// targetImage builds a fixed-load test binary. withSyscallGadget controls
// whether the image carries its own "syscall ; ret".
func targetImage(withSyscallGadget bool) *craxelf.ELF {
	data := make([]byte, 0x200)
	if withSyscallGadget {
		copy(data[0:], []byte{0x0f, 0x05, 0xc3}) // syscall ; ret
	}
	copy(data[3:], []byte{0x5f, 0xc3}) // pop rdi ; ret
	copy(data[0x100:], csuTail)

	segs := []craxelf.Segment{
		{VAddr: 0x401000, Filesz: 0x200, Memsz: 0x200, Flags: elf.PF_R | elf.PF_X, Data: data},
	}
	syms := map[string]uint64{
		"_fini": 0x401800,
		"read":  0x401030,
	}
	fns := map[string]craxelf.Function{
		"__libc_csu_init": {Name: "__libc_csu_init", Address: csuAddr, Size: uint64(len(csuTail))},
	}
	got := map[string]uint64{"read": 0x404018}
	return craxelf.NewFromParts("target", segs, syms, fns, got, 0x404060)
}

// libcImage builds a libc stand-in whose __read holds a syscall at +5.
func libcImage() *craxelf.ELF {
	data := []byte{
		0xb8, 0x00, 0x00, 0x00, 0x00, // mov eax, 0
		0x0f, 0x05, // syscall
		0xc3, // ret
	}
	segs := []craxelf.Segment{
		{VAddr: 0x10000, Filesz: uint64(len(data)), Memsz: uint64(len(data)), Flags: elf.PF_R | elf.PF_X, Data: data},
	}
	fns := map[string]craxelf.Function{
		"__read": {Name: "__read", Address: 0x10000, Size: uint64(len(data))},
	}
	return craxelf.NewFromParts("libc", segs, nil, fns, nil, 0)
}

type scriptRegistry struct {
	image *craxelf.ELF
	syms  map[string]uint64
}

func newScriptRegistry(image *craxelf.ELF) *scriptRegistry {
	return &scriptRegistry{image: image, syms: make(map[string]uint64)}
}

func (r *scriptRegistry) Base() uint64 { return r.image.Base() }

func (r *scriptRegistry) ScriptSymbol(name string) (uint64, bool) {
	v, ok := r.syms[name]
	return v, ok
}

func (r *scriptRegistry) Symbol(name string) (uint64, bool) {
	return r.image.Symbol(name)
}

func (r *scriptRegistry) GotEntry(name string) (uint64, bool) {
	return r.image.GotEntry(name)
}

func (r *scriptRegistry) Bss() uint64 { return r.image.Bss() }

func (r *scriptRegistry) RegisterSymbol(name string, value uint64) {
	r.syms[name] = value
}

type fakeMem struct{ hits []uint64 }

func (m *fakeMem) Search([]byte) []uint64 { return m.hits }

func newEnv(withSyscallGadget bool) *Env {
	image := targetImage(withSyscallGadget)
	return &Env{
		Registry: newScriptRegistry(image),
		ELF:      image,
		Libc:     libcImage(),
		Mem:      &fakeMem{hits: []uint64{finiPtr}},
	}
}

func TestToVarName(t *testing.T) {
	cases := map[string]string{
		"syscall ; ret": "syscall_ret",
		"pop rdi ; ret": "pop_rdi_ret",
		"ret":           "ret",
	}
	for in, want := range cases {
		if got := ToVarName(in); got != want {
			t.Errorf("ToVarName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRet2csuParse(t *testing.T) {
	env := newEnv(true)
	csu, err := NewRet2csu(env)
	if err != nil {
		t.Fatalf("NewRet2csu: %v", err)
	}
	if !csu.CheckRequirements() {
		t.Error("CheckRequirements() = false")
	}
	if csu.gadget1 != csuAddr+0x16 {
		t.Errorf("gadget1 = %#x, want %#x", csu.gadget1, csuAddr+0x16)
	}
	if csu.gadget2 != csuAddr {
		t.Errorf("gadget2 = %#x, want %#x", csu.gadget2, csuAddr)
	}
	if csu.callReg1 != "r12" || csu.callReg2 != "rbx" {
		t.Errorf("call regs = %q, %q", csu.callReg1, csu.callReg2)
	}

	reg := env.Registry.(*scriptRegistry)
	for name, want := range map[string]uint64{
		"__libc_csu_init":             csuAddr,
		"__libc_csu_init_gadget1":     csuAddr + 0x16,
		"__libc_csu_init_gadget2":     csuAddr,
		"__libc_csu_init_call_target": finiPtr,
	} {
		if got := reg.syms[name]; got != want {
			t.Errorf("symbol %s = %#x, want %#x", name, got, want)
		}
	}
}

func TestRet2csuSubchain(t *testing.T) {
	env := newEnv(true)
	csu, err := NewRet2csu(env)
	if err != nil {
		t.Fatalf("NewRet2csu: %v", err)
	}

	rop, err := csu.RopSubchainWithArgs(
		expr.NewConstant(0xdead),
		expr.NewConstant(1), expr.NewConstant(2), expr.NewConstant(3))
	if err != nil {
		t.Fatalf("RopSubchainWithArgs: %v", err)
	}
	if len(rop) != 17 {
		t.Fatalf("len(rop) = %d, want 17", len(rop))
	}

	// Stack order behind gadget one: discarded slot, rbx, rbp, r12
	// (call target), r13 (arg3), r14 (arg2), r15 (arg1).
	wantVals := map[int]uint64{
		1:  0x4141414141414141,
		2:  0, // rbx
		3:  1, // rbp
		4:  finiPtr,
		5:  3, // arg3
		6:  2, // arg2
		7:  1, // arg1
		16: 0xdead,
	}
	for idx, want := range wantVals {
		if got := evalU64(rop[idx]); got != want {
			t.Errorf("slot %d = %#x, want %#x", idx, got, want)
		}
	}
	if got := rop[0].String(); got != "elf_base + __libc_csu_init_gadget1" {
		t.Errorf("slot 0 = %q", got)
	}
	if got := rop[8].String(); got != "elf_base + __libc_csu_init_gadget2" {
		t.Errorf("slot 8 = %q", got)
	}
	for i := 9; i < 16; i++ {
		if got := evalU64(rop[i]); got != 0x4141414141414141 {
			t.Errorf("slot %d = %#x, want junk", i, got)
		}
	}
}

func TestRet2csuWideArg1(t *testing.T) {
	env := newEnv(true)
	csu, err := NewRet2csu(env)
	if err != nil {
		t.Fatalf("NewRet2csu: %v", err)
	}

	wide := uint64(1) << 32
	rop, err := csu.RopSubchainWithArgs(
		expr.NewConstant(0xdead),
		expr.NewConstant(wide), expr.NewConstant(0), expr.NewConstant(0))
	if err != nil {
		t.Fatalf("RopSubchainWithArgs: %v", err)
	}
	if len(rop) != 19 {
		t.Fatalf("len(rop) = %d, want 19", len(rop))
	}
	if got := evalU64(rop[16]); got != popRdiG {
		t.Errorf("slot 16 = %#x, want pop rdi gadget %#x", got, popRdiG)
	}
	if got := evalU64(rop[17]); got != wide {
		t.Errorf("slot 17 = %#x, want wide arg", got)
	}
	if got := evalU64(rop[18]); got != 0xdead {
		t.Errorf("slot 18 = %#x, want return address", got)
	}
}

func TestRet2csuAuxiliaryFunction(t *testing.T) {
	env := newEnv(true)
	csu, err := NewRet2csu(env)
	if err != nil {
		t.Fatalf("NewRet2csu: %v", err)
	}
	aux := csu.AuxiliaryFunctions()
	for _, want := range []string{
		"def uROP(retAddr, arg1, arg2, arg3) -> bytes:",
		"payload  = p64(elf_base + __libc_csu_init_gadget1)",
		"payload += p64(arg1)",
		"payload += p64(retAddr)",
		"return payload",
	} {
		if !contains(aux, want) {
			t.Errorf("auxiliary function missing %q:\n%s", want, aux)
		}
	}
}

func TestRet2syscallChains(t *testing.T) {
	env := newEnv(true)
	csu, err := NewRet2csu(env)
	if err != nil {
		t.Fatalf("NewRet2csu: %v", err)
	}
	env.Add(csu)

	sc, err := NewRet2syscall(env)
	if err != nil {
		t.Fatalf("NewRet2syscall: %v", err)
	}
	if !sc.CheckRequirements() {
		t.Fatal("CheckRequirements() = false with a syscall gadget present")
	}

	chains, err := sc.RopSubchains()
	if err != nil {
		t.Fatalf("RopSubchains: %v", err)
	}
	if len(chains) != 3 {
		t.Fatalf("got %d subchains, want 3", len(chains))
	}

	// Chain one: saved rbp slot plus four csu invocations.
	if len(chains[0]) != 1+4*17 {
		t.Errorf("len(chain 1) = %d, want %d", len(chains[0]), 1+4*17)
	}
	if got := evalU64(chains[0][0]); got != 0 {
		t.Errorf("chain 1 leading slot = %#x, want 0", got)
	}
	// Every invocation returns into the syscall gadget.
	for part := 0; part < 4; part++ {
		retSlot := chains[0][1+part*17+16]
		if got := retSlot.String(); got != "elf_base + syscall_ret" {
			t.Errorf("part %d return slot = %q", part, got)
		}
	}

	// Chain two: the low byte of the syscall instruction inside __read.
	if chains[1].Width() != 1 {
		t.Fatalf("chain 2 width = %d, want 1", chains[1].Width())
	}
	if b := chains[1].Bytes(); b[0] != 0x05 {
		t.Errorf("chain 2 byte = %#x, want 0x05", b[0])
	}

	// Chain three: "/bin/sh" padded to 59 bytes.
	if chains[2].Width() != 59 {
		t.Fatalf("chain 3 width = %d, want 59", chains[2].Width())
	}
	b := chains[2].Bytes()
	if !bytes.HasPrefix(b, []byte("/bin/sh\x00")) {
		t.Errorf("chain 3 prefix = %q", b[:8])
	}
}

func TestRet2syscallFallback(t *testing.T) {
	env := newEnv(false)
	sc, err := NewRet2syscall(env)
	if err != nil {
		t.Fatalf("NewRet2syscall: %v", err)
	}
	if !sc.CheckRequirements() {
		t.Fatal("fallback to libc read not taken")
	}
	if got := sc.syscallGadget.String(); got != "elf_base + elf.sym['read']" {
		t.Errorf("syscall gadget = %q", got)
	}
}

func TestRet2syscallFullRELRO(t *testing.T) {
	image := targetImage(false)
	image.Checksec.HasFullRELRO = true
	env := &Env{
		Registry: newScriptRegistry(image),
		ELF:      image,
		Libc:     libcImage(),
	}
	sc, err := NewRet2syscall(env)
	if err != nil {
		t.Fatalf("NewRet2syscall: %v", err)
	}
	if sc.CheckRequirements() {
		t.Error("requirements met despite full RELRO and no syscall gadget")
	}
}

func TestNewUnknownTechnique(t *testing.T) {
	if _, err := New("ret2dlresolve", &Env{}); err == nil {
		t.Error("expected error for unknown technique")
	}
}

func contains(s, sub string) bool {
	return bytes.Contains([]byte(s), []byte(sub))
}
